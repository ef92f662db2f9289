package catalog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	gen := tracking.NewGenerator()
	gen.Register(tracking.Store, StorefrontChecker(store))
	gen.Register(tracking.Product, ProductChecker(store))
	return NewService(store, gen, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func createStore(t *testing.T, svc *Service, vendor string) *Storefront {
	t.Helper()
	sf, err := svc.CreateStorefront(context.Background(), CreateStorefrontRequest{VendorID: vendor, Name: "Mama Put Fabrics"})
	require.NoError(t, err)
	return sf
}

func TestCreateStorefront(t *testing.T) {
	svc, _ := newTestService(t)
	sf := createStore(t, svc, "vendor_1")

	id, err := tracking.ParseAs(tracking.Store, sf.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "/store/"+id.String(), sf.ShareableLink)
	assert.True(t, sf.IsActive)

	got, err := svc.GetStorefront(context.Background(), sf.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, sf.ID, got.ID)

	_, err = svc.CreateStorefront(context.Background(), CreateStorefrontRequest{VendorID: "vendor_1"})
	assert.ErrorIs(t, err, ErrInvalidStore)
}

func TestCreateProduct_BumpsStoreCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sf := createStore(t, svc, "vendor_1")

	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: sf.ID, Name: "Beads", Price: 6000, Stock: 10})
	require.NoError(t, err)
	_, err = tracking.ParseAs(tracking.Product, p.TrackingNumber)
	require.NoError(t, err)

	got, err := svc.GetStorefront(ctx, sf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalProducts)

	byTracking, err := svc.GetProduct(ctx, p.TrackingNumber)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byTracking.ID)
}

func TestCreateProduct_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sf := createStore(t, svc, "vendor_1")

	_, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", Name: "Free", Price: 0})
	assert.ErrorIs(t, err, ErrInvalidProduct)

	_, err = svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_2", StoreID: sf.ID, Name: "Beads", Price: 100})
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: "sto_missing", Name: "Beads", Price: 100})
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestAssignProduct_MovesCounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createStore(t, svc, "vendor_1")
	b := createStore(t, svc, "vendor_1")

	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: a.ID, Name: "Beads", Price: 100})
	require.NoError(t, err)

	moved, err := svc.AssignProduct(ctx, "vendor_1", p.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, moved.StoreID)

	gotA, _ := svc.GetStorefront(ctx, a.ID)
	gotB, _ := svc.GetStorefront(ctx, b.ID)
	assert.Equal(t, int64(0), gotA.TotalProducts)
	assert.Equal(t, int64(1), gotB.TotalProducts)

	other := createStore(t, svc, "vendor_2")
	_, err = svc.AssignProduct(ctx, "", p.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.AssignProduct(ctx, "vendor_2", p.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotOwner, "only the product's vendor may move it")
}

func TestCounters_AreAtomicUnderConcurrency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sf := createStore(t, svc, "vendor_1")
	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: sf.ID, Name: "Beads", Price: 500, Stock: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.RecordView(ctx, p.ID))
			assert.NoError(t, svc.RecordOrder(ctx, p.ID, 2, 1000))
			assert.NoError(t, svc.RecordStoreSale(ctx, sf.ID, 1000))
		}()
	}
	wg.Wait()

	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.ViewCount)
	assert.Equal(t, int64(50), got.OrderCount)
	assert.Equal(t, int64(50000), got.TotalRevenue)
	assert.Equal(t, 1000, got.Stock, "counters leave stock to reservations")
	assert.NotNil(t, got.LastOrderedAt)

	store, err := svc.GetStorefront(ctx, sf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), store.TotalOrders)
	assert.Equal(t, int64(50000), store.TotalRevenue)
}

func TestRecordOrder_UnknownProduct(t *testing.T) {
	svc, _ := newTestService(t)
	assert.ErrorIs(t, svc.RecordOrder(context.Background(), "prd_missing", 1, 100), ErrProductNotFound)
	assert.ErrorIs(t, svc.RecordOrder(context.Background(), "prd_missing", 0, 100), ErrInvalidProduct)
}

func TestListByVendor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createStore(t, svc, "vendor_1")
	createStore(t, svc, "vendor_2")
	_, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", Name: "Beads", Price: 100})
	require.NoError(t, err)

	stores, err := svc.ListStorefronts(ctx, "vendor_1")
	require.NoError(t, err)
	assert.Len(t, stores, 1)

	products, err := svc.ListProducts(ctx, "vendor_1")
	require.NoError(t, err)
	assert.Len(t, products, 1)

	none, err := svc.ListProducts(ctx, "vendor_2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStock_ReserveAndRelease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", Name: "Beads", Price: 500, Stock: 3})
	require.NoError(t, err)

	ok, err := svc.ReserveStock(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ReserveStock(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok, "only one unit left")

	ok, err = svc.ReserveStock(ctx, "prd_missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.ReleaseStock(ctx, p.ID, 2))
	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stock)
}

func TestStock_ConcurrentReservationsNeverOversell(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", Name: "Beads", Price: 500, Stock: 10})
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ReserveStock(ctx, p.ID, 1)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, won)
	got, _ := svc.GetProduct(ctx, p.ID)
	assert.Equal(t, 0, got.Stock)
}

func TestUpdateStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", Name: "Beads", Price: 500, Stock: 1})
	require.NoError(t, err)

	got, err := svc.UpdateStock(ctx, "vendor_1", p.TrackingNumber, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Stock)

	_, err = svc.UpdateStock(ctx, "vendor_2", p.ID, 5)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.UpdateStock(ctx, "", p.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	got, err = svc.UpdateStock(ctx, "", p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stock)
}

func TestListStoreProducts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createStore(t, svc, "vendor_1")
	b := createStore(t, svc, "vendor_1")

	for _, name := range []string{"Beads", "Gele", "Aso oke"} {
		_, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: a.ID, Name: name, Price: 100})
		require.NoError(t, err)
	}
	_, err := svc.CreateProduct(ctx, CreateProductRequest{VendorID: "vendor_1", StoreID: b.ID, Name: "Kente", Price: 100})
	require.NoError(t, err)

	list, err := svc.ListStoreProducts(ctx, a.TrackingID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, p := range list {
		assert.Equal(t, a.ID, p.StoreID)
	}

	limited, err := svc.ListStoreProducts(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = svc.ListStoreProducts(ctx, "sto_missing", 0)
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestGetStorefrontBySlug(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sf, err := svc.CreateStorefront(ctx, CreateStorefrontRequest{VendorID: "vendor_1", Name: "Ada's  Closet & Co"})
	require.NoError(t, err)

	assert.Equal(t, "ada-s-closet-co", Slug(sf.Name))

	got, err := svc.GetStorefrontBySlug(ctx, "ada-s-closet-co")
	require.NoError(t, err)
	assert.Equal(t, sf.ID, got.ID)

	got, err = svc.GetStorefrontBySlug(ctx, "Ada's Closet & Co")
	require.NoError(t, err)
	assert.Equal(t, sf.ID, got.ID)

	_, err = svc.GetStorefrontBySlug(ctx, "nobody-here")
	assert.ErrorIs(t, err, ErrStoreNotFound)

	_, err = svc.GetStorefrontBySlug(ctx, "--")
	assert.ErrorIs(t, err, ErrInvalidStore)
}
