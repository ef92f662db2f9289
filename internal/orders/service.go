package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/marketledger/internal/idgen"
	"github.com/mbd888/marketledger/internal/retry"
	"github.com/mbd888/marketledger/internal/syncutil"
	"github.com/mbd888/marketledger/internal/tracking"
)

// casAttempts bounds retries of a status change that lost a compare-and-set.
const casAttempts = 4

// ProductCounters receives best-effort per-product order statistics.
type ProductCounters interface {
	RecordOrder(ctx context.Context, productID string, quantity int, amount int64) error
}

// StockKeeper reserves product stock for order lines.
type StockKeeper interface {
	ReserveStock(ctx context.Context, productID string, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, productID string, quantity int) error
}

// Listener is told about status changes after they are committed.
type Listener interface {
	OrderStatusChanged(ctx context.Context, o *Order, from Status)
}

// PlaceRequest is the input to Place.
type PlaceRequest struct {
	BuyerID  string `json:"buyerId" binding:"required"`
	VendorID string `json:"vendorId" binding:"required"`
	StoreID  string `json:"storeId"`
	Items    []Item `json:"items" binding:"required"`
	Currency string `json:"currency"`
}

// Service manages order placement and lifecycle transitions.
type Service struct {
	store    Store
	ids      tracking.Issuer
	counters ProductCounters
	stock    StockKeeper
	listener Listener
	locks    syncutil.ShardedMutex
	currency string
	logger   *slog.Logger
}

// NewService creates an order service.
func NewService(store Store, ids tracking.Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ids:      ids,
		currency: "NGN",
		logger:   logger,
	}
}

// WithProductCounters wires best-effort product statistics.
func (s *Service) WithProductCounters(c ProductCounters) *Service {
	s.counters = c
	return s
}

// WithStock makes Place reserve stock for lines that name a product.
func (s *Service) WithStock(k StockKeeper) *Service {
	s.stock = k
	return s
}

// WithListener registers a status change listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listener = l
	return s
}

// WithCurrency sets the default currency for new orders.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = strings.ToUpper(currency)
	}
	return s
}

// Store exposes the underlying store to collaborators that share it
// (the escrow orchestrator and reconciliation).
func (s *Service) Store() Store {
	return s.store
}

// Place creates a pending order with an ORD tracking number on behalf of
// the buyer.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	return s.place(ctx, Actor{ID: req.BuyerID, Role: RoleBuyer}, req)
}

// PlaceAs is Place for an authenticated caller. Buyers may only order for
// themselves.
func (s *Service) PlaceAs(ctx context.Context, actor Actor, req PlaceRequest) (*Order, error) {
	if !CanPlace(actor, req) {
		return nil, fmt.Errorf("%w: %s %s may not order for %s", ErrForbidden, actor.Role, actor.ID, req.BuyerID)
	}
	return s.place(ctx, actor, req)
}

func (s *Service) place(ctx context.Context, actor Actor, req PlaceRequest) (*Order, error) {
	if strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.VendorID) == "" {
		return nil, fmt.Errorf("%w: buyer and vendor are required", ErrInvalidOrder)
	}
	if req.BuyerID == req.VendorID {
		return nil, fmt.Errorf("%w: buyer and vendor must differ", ErrInvalidOrder)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}

	var total int64
	for i, item := range req.Items {
		sub, ok := item.Subtotal()
		if !ok {
			return nil, fmt.Errorf("%w: item %d needs positive quantity and price within range", ErrInvalidOrder, i)
		}
		if total > math.MaxInt64-sub {
			return nil, fmt.Errorf("%w: order total overflows", ErrInvalidOrder)
		}
		total += sub
	}

	currency := s.currency
	if req.Currency != "" {
		currency = strings.ToUpper(req.Currency)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:             idgen.WithPrefix("ord_"),
		BuyerID:        req.BuyerID,
		VendorID:       req.VendorID,
		StoreID:        req.StoreID,
		Items:          append([]Item(nil), req.Items...),
		TotalAmount:    total,
		Currency:       currency,
		Status:         StatusPending,
		PaymentStatus:  PaymentPending,
		ShippingStatus: ShippingPending,
		StatusHistory: []StatusChange{{
			To: StatusPending, ActorID: actor.ID, ActorRole: actor.Role, At: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.reserveStock(ctx, o); err != nil {
		return nil, err
	}

	if _, err := s.ids.Assign(ctx, tracking.Order, func(id tracking.ID) error {
		o.TrackingNumber = id.String()
		return s.store.Create(ctx, o)
	}); err != nil {
		s.releaseStock(ctx, o.ID, o.Items)
		return nil, fmt.Errorf("place order: %w", err)
	}

	s.logger.Info("order placed",
		"order", o.ID, "trackingNumber", o.TrackingNumber,
		"buyer", o.BuyerID, "vendor", o.VendorID, "total", o.TotalAmount)

	s.recordProductOrders(ctx, o)
	return o, nil
}

// reserveStock takes stock for every product line, or none of it.
func (s *Service) reserveStock(ctx context.Context, o *Order) error {
	if s.stock == nil {
		return nil
	}
	var taken []Item
	for _, item := range o.Items {
		if item.ProductID == "" {
			continue
		}
		ok, err := s.stock.ReserveStock(ctx, item.ProductID, item.Quantity)
		if err == nil && !ok {
			err = fmt.Errorf("%w: product %s", ErrOutOfStock, item.ProductID)
		}
		if err != nil {
			s.releaseStock(ctx, o.ID, taken)
			return err
		}
		taken = append(taken, item)
	}
	return nil
}

// releaseStock gives back reserved stock. Failures are logged for an
// operator to correct with a stock update.
func (s *Service) releaseStock(ctx context.Context, orderID string, items []Item) {
	if s.stock == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		if err := s.stock.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Warn("stock release failed",
				"order", orderID, "product", item.ProductID, "quantity", item.Quantity, "error", err)
		}
	}
}

// ReleaseStock returns an order's reserved stock. The escrow orchestrator
// calls it after a refund cancels the order.
func (s *Service) ReleaseStock(ctx context.Context, o *Order) {
	s.releaseStock(ctx, o.ID, o.Items)
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// GetByTrackingNumber returns an order by its ORD tracking number.
func (s *Service) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*Order, error) {
	return s.store.GetByTrackingNumber(ctx, trackingNumber)
}

// ListForBuyer returns a buyer's most recent orders.
func (s *Service) ListForBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// ListForVendor returns a vendor's most recent orders.
func (s *Service) ListForVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	return s.store.ListByVendor(ctx, vendorID, limit)
}

// UpdateStatus moves an order forward along the lifecycle on behalf of
// actor. Moving to the current status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id string, next Status) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		updated *Order
		from    Status
	)
	err := retry.Do(ctx, casAttempts, 5*time.Millisecond, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if !CanChangeStatus(actor, current, next) {
			return retry.Permanent(fmt.Errorf("%w: %s %s may not move order to %s",
				ErrForbidden, actor.Role, actor.ID, next))
		}
		if current.Status == next {
			updated = current
			from = next
			return nil
		}
		if !CanTransition(current.Status, next) {
			return retry.Permanent(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next))
		}
		if !PaymentAllows(next, current.PaymentStatus) {
			return retry.Permanent(fmt.Errorf("%w: %s requires a different payment state than %s",
				ErrInvalidTransition, next, current.PaymentStatus))
		}

		o, err := s.store.CompareAndSetStatus(ctx, id, StatusChange{
			From:      current.Status,
			To:        next,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			At:        time.Now().UTC(),
		}, paymentGuards[next]...)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		updated, from = o, current.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Error("rejected order transition", "order", id, "to", next, "error", err)
		}
		return nil, err
	}

	if from != next {
		s.logger.Info("order status changed", "order", id, "from", from, "to", next,
			"actor", actor.ID, "role", actor.Role)
		if next == StatusCancelled && updated.PaymentStatus == PaymentPending {
			s.releaseStock(ctx, id, updated.Items)
		}
		if s.listener != nil {
			s.listener.OrderStatusChanged(ctx, updated, from)
		}
	}
	return updated, nil
}

// UpdateShipping moves the informational shipping status forward.
func (s *Service) UpdateShipping(ctx context.Context, actor Actor, id string, next ShippingStatus) (*Order, error) {
	var updated *Order
	err := retry.Do(ctx, casAttempts, 5*time.Millisecond, func() error {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		if !CanUpdateShipping(actor, current) {
			return retry.Permanent(fmt.Errorf("%w: %s %s may not report shipping", ErrForbidden, actor.Role, actor.ID))
		}
		if current.ShippingStatus == next {
			updated = current
			return nil
		}
		if !CanShip(current.ShippingStatus, next) {
			return retry.Permanent(fmt.Errorf("%w: shipping %s -> %s", ErrInvalidTransition, current.ShippingStatus, next))
		}
		o, err := s.store.CompareAndSetShipping(ctx, id, current.ShippingStatus, next)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// recordProductOrders updates product counters off the request path.
func (s *Service) recordProductOrders(ctx context.Context, o *Order) {
	if s.counters == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	items := append([]Item(nil), o.Items...)
	go func() {
		ctx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		for _, item := range items {
			if item.ProductID == "" {
				continue
			}
			amount, _ := item.Subtotal()
			err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
				return s.counters.RecordOrder(ctx, item.ProductID, item.Quantity, amount)
			})
			if err != nil {
				s.logger.Warn("product order counter update failed",
					"order", o.ID, "product", item.ProductID, "error", err)
			}
		}
	}()
}

// Checker reports tracking number usage in the order namespace.
func Checker(store Store) tracking.Checker {
	return tracking.CheckerFunc(func(ctx context.Context, id tracking.ID) (bool, error) {
		_, err := store.GetByTrackingNumber(ctx, id.String())
		if errors.Is(err, ErrOrderNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}
