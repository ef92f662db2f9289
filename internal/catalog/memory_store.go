package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/tracking"
)

// MemoryStore is an in-memory catalog store for demo/development mode.
type MemoryStore struct {
	stores          map[string]*Storefront
	storeByTracking map[string]string
	products        map[string]*Product
	prodByTracking  map[string]string
	mu              sync.RWMutex
}

// NewMemoryStore creates a new in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stores:          make(map[string]*Storefront),
		storeByTracking: make(map[string]string),
		products:        make(map[string]*Product),
		prodByTracking:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateStorefront(ctx context.Context, s *Storefront) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storeByTracking[s.TrackingID]; ok {
		return tracking.ErrTaken
	}
	cp := *s
	m.stores[s.ID] = &cp
	m.storeByTracking[s.TrackingID] = s.ID
	return nil
}

func (m *MemoryStore) GetStorefront(ctx context.Context, id string) (*Storefront, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return nil, ErrStoreNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetStorefrontByTrackingID(ctx context.Context, trackingID string) (*Storefront, error) {
	m.mu.RLock()
	id, ok := m.storeByTracking[trackingID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrStoreNotFound
	}
	return m.GetStorefront(ctx, id)
}

func (m *MemoryStore) ListStorefrontsByVendor(ctx context.Context, vendorID string) ([]*Storefront, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Storefront
	for _, s := range m.stores {
		if s.VendorID == vendorID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetStorefrontBySlug(ctx context.Context, slug string) (*Storefront, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Storefront
	for _, s := range m.stores {
		if strings.Trim(Slug(s.Name), "-") != slug {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrStoreNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prodByTracking[p.TrackingNumber]; ok {
		return tracking.ErrTaken
	}
	m.products[p.ID] = copyProduct(p)
	m.prodByTracking[p.TrackingNumber] = p.ID
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return copyProduct(p), nil
}

func (m *MemoryStore) GetProductByTrackingNumber(ctx context.Context, trackingNumber string) (*Product, error) {
	m.mu.RLock()
	id, ok := m.prodByTracking[trackingNumber]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrProductNotFound
	}
	return m.GetProduct(ctx, id)
}

func (m *MemoryStore) ListProductsByVendor(ctx context.Context, vendorID string) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Product
	for _, p := range m.products {
		if p.VendorID == vendorID {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListProductsByStore returns a storefront's active products, newest first.
func (m *MemoryStore) ListProductsByStore(ctx context.Context, storeID string, limit int) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Product
	for _, p := range m.products {
		if p.StoreID == storeID && p.IsActive {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetStock(ctx context.Context, productID string, stock int) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	p.Stock = stock
	p.UpdatedAt = time.Now().UTC()
	return copyProduct(p), nil
}

func (m *MemoryStore) AdjustStock(ctx context.Context, productID string, delta int) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	if p.Stock+delta < 0 {
		return nil, ErrOutOfStock
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	return copyProduct(p), nil
}

func (m *MemoryStore) SetProductStore(ctx context.Context, productID, storeID string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	if _, ok := m.stores[storeID]; !ok {
		return nil, ErrStoreNotFound
	}
	p.StoreID = storeID
	p.UpdatedAt = time.Now().UTC()
	return copyProduct(p), nil
}

func (m *MemoryStore) AddStoreProducts(ctx context.Context, storeID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[storeID]
	if !ok {
		return ErrStoreNotFound
	}
	s.TotalProducts += delta
	if s.TotalProducts < 0 {
		s.TotalProducts = 0
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddStoreSale(ctx context.Context, storeID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[storeID]
	if !ok {
		return ErrStoreNotFound
	}
	s.TotalOrders++
	s.TotalRevenue += amount
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddProductView(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.ViewCount++
	return nil
}

func (m *MemoryStore) AddProductOrder(ctx context.Context, productID string, amount int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.OrderCount++
	p.TotalRevenue += amount
	p.LastOrderedAt = &at
	p.UpdatedAt = at
	return nil
}

func copyProduct(p *Product) *Product {
	cp := *p
	if p.LastOrderedAt != nil {
		t := *p.LastOrderedAt
		cp.LastOrderedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
