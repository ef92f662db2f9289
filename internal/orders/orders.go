// Package orders tracks the order lifecycle. Two dimensions move together:
// Status is the fulfilment lifecycle and PaymentStatus is the escrow state
// written by the escrow orchestrator. A third, ShippingStatus, is informational.
//
//	pending ──> processing ──> shipped ──> delivered ──> completed
//	   │            │
//	   └────────────┴──> cancelled
//
// processing needs PaymentStatus=held, completed needs released and
// cancelled needs pending or refunded.
package orders

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrConflict          = errors.New("order changed concurrently")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrForbidden         = errors.New("actor may not change this order")
	ErrOutOfStock        = errors.New("not enough stock")
)

// Roles an actor may hold. They mirror the roles the gateway asserts.
const (
	RoleBuyer     = "buyer"
	RoleVendor    = "vendor"
	RoleLogistics = "logistics"
	RoleAdmin     = "admin"
	RoleSystem    = "system"
)

// Actor is who asked for an order change.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (a Actor) is(role, id string) bool {
	return a.Role == role && a.ID != "" && a.ID == id
}

func (a Actor) privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if no further status transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus is the escrow state of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// ShippingStatus is reported by delivery collaborators.
type ShippingStatus string

const (
	ShippingPending   ShippingStatus = "pending"
	ShippingInTransit ShippingStatus = "in_transit"
	ShippingDelivered ShippingStatus = "delivered"
)

// Item is one order line.
type Item struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Subtotal returns quantity times unit price. ok is false when either is
// not positive or the product does not fit in an int64.
func (i Item) Subtotal() (amount int64, ok bool) {
	q := int64(i.Quantity)
	if q <= 0 || i.UnitPrice <= 0 || i.UnitPrice > math.MaxInt64/q {
		return 0, false
	}
	return q * i.UnitPrice, true
}

// StatusChange is one entry in an order's status history.
type StatusChange struct {
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	At        time.Time `json:"at"`
}

// Order is a purchase between one buyer and one vendor.
type Order struct {
	ID              string         `json:"id"`
	TrackingNumber  string         `json:"trackingNumber"`
	BuyerID         string         `json:"buyerId"`
	VendorID        string         `json:"vendorId"`
	StoreID         string         `json:"storeId,omitempty"`
	Items           []Item         `json:"items"`
	TotalAmount     int64          `json:"totalAmount"`
	Currency        string         `json:"currency"`
	Status          Status         `json:"status"`
	PaymentStatus   PaymentStatus  `json:"paymentStatus"`
	ShippingStatus  ShippingStatus `json:"shippingStatus"`
	EscrowAmount    int64          `json:"escrowAmount"`
	EscrowReference string         `json:"escrowReference,omitempty"`
	HeldAt          *time.Time     `json:"heldAt,omitempty"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	StatusHistory   []StatusChange `json:"statusHistory"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// PaymentChange is applied atomically with a payment status compare-and-set.
// Zero-valued optional fields leave the stored value unchanged.
type PaymentChange struct {
	To              PaymentStatus
	StatusIn        []Status // when set, the order status must be one of these
	Status          Status
	EscrowAmount    int64
	EscrowReference string
	HeldAt          *time.Time
	ResolvedAt      *time.Time
	History         *StatusChange // appended when Status changes
}

// Store persists orders. The CompareAndSet methods apply only when the stored
// value still equals the expected one, otherwise they return ErrConflict
// (or ErrOrderNotFound).
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error)
	ListByPaymentStatus(ctx context.Context, statuses ...PaymentStatus) ([]*Order, error)
	CompareAndSetPayment(ctx context.Context, id string, expected PaymentStatus, change PaymentChange) (*Order, error)
	CompareAndSetStatus(ctx context.Context, id string, change StatusChange, paymentIn ...PaymentStatus) (*Order, error)
	CompareAndSetShipping(ctx context.Context, id string, from, to ShippingStatus) (*Order, error)
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusCompleted},
}

// paymentGuards lists the payment states a target status may be entered from.
// Targets without an entry accept any payment state.
var paymentGuards = map[Status][]PaymentStatus{
	StatusProcessing: {PaymentHeld},
	StatusCompleted:  {PaymentReleased},
	StatusCancelled:  {PaymentPending, PaymentRefunded},
}

// CanChangeStatus reports whether a may move o to next. Admin and system may
// make any legal move. Logistics partners may only report shipped and
// delivered.
func CanChangeStatus(a Actor, o *Order, next Status) bool {
	if a.privileged() {
		return true
	}
	vendor := a.is(RoleVendor, o.VendorID)
	switch next {
	case StatusProcessing:
		return vendor
	case StatusShipped, StatusDelivered:
		return vendor || (a.Role == RoleLogistics && a.ID != "")
	case StatusCompleted:
		return a.is(RoleBuyer, o.BuyerID)
	case StatusCancelled:
		return vendor || a.is(RoleBuyer, o.BuyerID)
	}
	return false
}

// CanUpdateShipping reports whether a may report shipping progress on o.
func CanUpdateShipping(a Actor, o *Order) bool {
	return a.privileged() || a.is(RoleVendor, o.VendorID) || (a.Role == RoleLogistics && a.ID != "")
}

// CanPlace reports whether a may place req. Buyers only order for themselves.
func CanPlace(a Actor, req PlaceRequest) bool {
	return a.privileged() || a.is(RoleBuyer, req.BuyerID)
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentAllows reports whether an order with payment state p may enter status s.
func PaymentAllows(s Status, p PaymentStatus) bool {
	allowed, ok := paymentGuards[s]
	if !ok {
		return true
	}
	for _, a := range allowed {
		if a == p {
			return true
		}
	}
	return false
}

var shippingOrder = map[ShippingStatus]int{
	ShippingPending:   0,
	ShippingInTransit: 1,
	ShippingDelivered: 2,
}

// CanShip reports whether from -> to moves shipping forward.
func CanShip(from, to ShippingStatus) bool {
	f, ok1 := shippingOrder[from]
	t, ok2 := shippingOrder[to]
	return ok1 && ok2 && t > f
}
