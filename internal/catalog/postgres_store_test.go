package catalog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_AddProductOrderIsSingleUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("order_count     = order_count + 1")).
		WithArgs("prd_1", int64(1500), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AddProductOrder(context.Background(), "prd_1", 1500, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CounterMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE storefronts SET total_orders = total_orders + 1")).
		WithArgs("sto_missing", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AddStoreSale(context.Background(), "sto_missing", 100)
	assert.ErrorIs(t, err, ErrStoreNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateTrackingCollision(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO storefronts").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "storefronts_tracking_id_key"})
	mock.ExpectExec("INSERT INTO products").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "products_tracking_number_key"})

	err := store.CreateStorefront(context.Background(), &Storefront{ID: "sto_1", TrackingID: "STO-2024-ABCDEF"})
	assert.ErrorIs(t, err, tracking.ErrTaken)
	err = store.CreateProduct(context.Background(), &Product{ID: "prd_1", TrackingNumber: "PRD-2024-ABCDEF"})
	assert.ErrorIs(t, err, tracking.ErrTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStorefront(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM storefronts WHERE tracking_id = $1")).
		WithArgs("STO-2024-ABCDEF").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tracking_id", "vendor_id", "name", "description", "category",
			"shareable_link", "total_products", "total_orders", "total_revenue", "is_active", "created_at", "updated_at"}).
			AddRow("sto_1", "STO-2024-ABCDEF", "vendor_1", "Shop", nil, "fashion", "/store/STO-2024-ABCDEF",
				int64(2), int64(5), int64(90000), true, now, now))

	sf, err := store.GetStorefrontByTrackingID(context.Background(), "STO-2024-ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "fashion", sf.Category)
	assert.Empty(t, sf.Description)
	assert.Equal(t, int64(90000), sf.TotalRevenue)

	mock.ExpectQuery(regexp.QuoteMeta("FROM storefronts WHERE id = $1")).
		WithArgs("sto_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.GetStorefront(context.Background(), "sto_missing")
	assert.ErrorIs(t, err, ErrStoreNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var productCols = []string{"id", "tracking_number", "vendor_id", "store_id", "name", "price", "stock",
	"view_count", "order_count", "total_revenue", "last_ordered_at", "is_active", "created_at", "updated_at"}

func TestPostgresStore_AdjustStockGuarded(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND stock + $2 >= 0")).
		WithArgs("prd_1", -2).
		WillReturnRows(sqlmock.NewRows(productCols).
			AddRow("prd_1", "PRD-2024-ABCDEF", "vendor_1", nil, "Beads", int64(500), 1,
				int64(0), int64(0), int64(0), nil, true, now, now))
	p, err := store.AdjustStock(context.Background(), "prd_1", -2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND stock + $2 >= 0")).
		WithArgs("prd_1", -5).
		WillReturnRows(sqlmock.NewRows(productCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)")).
		WithArgs("prd_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	_, err = store.AdjustStock(context.Background(), "prd_1", -5)
	assert.ErrorIs(t, err, ErrOutOfStock)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND stock + $2 >= 0")).
		WillReturnRows(sqlmock.NewRows(productCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("prd_missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = store.AdjustStock(context.Background(), "prd_missing", -1)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListProductsByStore(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE store_id = $1 AND is_active")).
		WithArgs("sto_1", 50).
		WillReturnRows(sqlmock.NewRows(productCols).
			AddRow("prd_1", "PRD-2024-ABCDEF", "vendor_1", "sto_1", "Beads", int64(500), 4,
				int64(0), int64(0), int64(0), nil, true, now, now))

	list, err := store.ListProductsByStore(context.Background(), "sto_1", 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sto_1", list[0].StoreID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStorefrontBySlug(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("regexp_replace(lower(name), '[^a-z0-9]+', '-', 'g')")).
		WithArgs("ada-fabrics").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetStorefrontBySlug(context.Background(), "ada-fabrics")
	assert.ErrorIs(t, err, ErrStoreNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
