package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/tracking"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders     map[string]*Order
	byTracking map[string]string
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*Order),
		byTracking: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTracking[o.TrackingNumber]; ok {
		return tracking.ErrTaken
	}
	m.orders[o.ID] = copyOrder(o)
	m.byTracking[o.TrackingNumber] = o.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTracking[trackingNumber]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.BuyerID == buyerID }), nil
}

func (m *MemoryStore) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.VendorID == vendorID }), nil
}

func (m *MemoryStore) ListByPaymentStatus(ctx context.Context, statuses ...PaymentStatus) ([]*Order, error) {
	want := make(map[PaymentStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.list(0, func(o *Order) bool { return want[o.PaymentStatus] }), nil
}

func (m *MemoryStore) CompareAndSetPayment(ctx context.Context, id string, expected PaymentStatus, change PaymentChange) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus != expected || !statusIn(o.Status, change.StatusIn) {
		return nil, ErrConflict
	}

	o.PaymentStatus = change.To
	if change.Status != "" {
		o.Status = change.Status
	}
	if change.History != nil {
		o.StatusHistory = append(o.StatusHistory, *change.History)
	}
	if change.EscrowAmount > 0 {
		o.EscrowAmount = change.EscrowAmount
	}
	if change.EscrowReference != "" {
		o.EscrowReference = change.EscrowReference
	}
	if change.HeldAt != nil {
		t := *change.HeldAt
		o.HeldAt = &t
	}
	if change.ResolvedAt != nil {
		t := *change.ResolvedAt
		o.ResolvedAt = &t
	}
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, change StatusChange, paymentIn ...PaymentStatus) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != change.From {
		return nil, ErrConflict
	}
	if len(paymentIn) > 0 {
		allowed := false
		for _, p := range paymentIn {
			if o.PaymentStatus == p {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ErrConflict
		}
	}
	o.Status = change.To
	o.StatusHistory = append(o.StatusHistory, change)
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) CompareAndSetShipping(ctx context.Context, id string, from, to ShippingStatus) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.ShippingStatus != from {
		return nil, ErrConflict
	}
	o.ShippingStatus = to
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

// list returns matching orders newest first. limit <= 0 means no limit.
func (m *MemoryStore) list(limit int, match func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func statusIn(s Status, allowed []Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	cp.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	if o.HeldAt != nil {
		t := *o.HeldAt
		cp.HeldAt = &t
	}
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
