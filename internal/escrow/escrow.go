// Package escrow holds a buyer's money against one order and settles it.
//
// Flow:
//  1. Checkout: buyer wallet debited (ESCROW-HOLD-<order>), payment pending -> held
//  2. Buyer confirms: payment held -> released, order completed, vendor credited
//  3. Cancellation or dispute: payment held -> refunded, order cancelled, buyer credited
//
// The payment compare-and-set runs before any credit, so two racing
// settlements can never both move money. A credit that fails after its
// compare-and-set is re-driven by Resettle.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
)

var (
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrAmountMismatch    = errors.New("amount does not match the order")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrNotSettled        = errors.New("order escrow is not settled")
)

// Role is the caller's role as asserted by the upstream gateway.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

// Actor identifies who is asking for an escrow operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by internal jobs such as reconciliation.
func System() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

func (a Actor) is(role Role, id string) bool {
	return a.Role == role && a.ID != "" && a.ID == id
}

// Operation names an escrow step. Used for authorization, metrics and events.
type Operation string

const (
	OpHold     Operation = "hold"
	OpRelease  Operation = "release"
	OpRefund   Operation = "refund"
	OpResettle Operation = "resettle"
)

// Reference prefixes. One reference per order and operation makes every
// ledger leg idempotent.
const (
	holdPrefix        = "ESCROW-HOLD-"
	holdReversePrefix = "ESCROW-HOLD-REVERSAL-"
	releasePrefix     = "ESCROW-RELEASE-"
	refundPrefix      = "ESCROW-REFUND-"
)

func HoldReference(orderID string) string        { return holdPrefix + orderID }
func HoldReversalReference(orderID string) string { return holdReversePrefix + orderID }
func ReleaseReference(orderID string) string     { return releasePrefix + orderID }
func RefundReference(orderID string) string      { return refundPrefix + orderID }

// SettlementReference returns the reference of the ledger leg that must
// exist for an order in a settled payment state, or "" if none applies.
func SettlementReference(o *orders.Order) string {
	switch o.PaymentStatus {
	case orders.PaymentReleased:
		return ReleaseReference(o.ID)
	case orders.PaymentRefunded:
		return RefundReference(o.ID)
	}
	return ""
}

// EventType classifies notifier events.
type EventType string

const (
	EventHeld         EventType = "escrow.held"
	EventHoldReversed EventType = "escrow.hold_reversed"
	EventReleased     EventType = "escrow.released"
	EventRefunded     EventType = "escrow.refunded"
)

// Event is published after an escrow state change commits.
type Event struct {
	Type           EventType `json:"type"`
	OrderID        string    `json:"orderId"`
	TrackingNumber string    `json:"trackingNumber"`
	BuyerID        string    `json:"buyerId"`
	VendorID       string    `json:"vendorId"`
	Amount         int64     `json:"amount"`
	ReferenceID    string    `json:"referenceId"`
	At             time.Time `json:"at"`
}

// Notifier receives escrow events. Implementations must not block.
type Notifier interface {
	EscrowEvent(ctx context.Context, ev Event)
}

// StoreSales records best-effort storefront sales counters.
type StoreSales interface {
	RecordStoreSale(ctx context.Context, storeID string, amount int64) error
}

// Restocker gives back stock reserved for an order.
type Restocker interface {
	ReleaseStock(ctx context.Context, o *orders.Order)
}

// Ledger is the subset of the wallet ledger the orchestrator moves money with.
type Ledger interface {
	GetWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	EnsureWallet(ctx context.Context, ownerID string, ownerType ledger.OwnerType) (*ledger.Wallet, error)
	DeductFunds(ctx context.Context, walletID string, amount int64, referenceID, memo string) (*ledger.Receipt, error)
	AddFunds(ctx context.Context, walletID string, amount int64, referenceID, memo string) (*ledger.Receipt, error)
	Receipt(ctx context.Context, referenceID string) (*ledger.Receipt, error)
}

// Result is the outcome of a hold, release or refund. Replayed is set when
// the operation had already been applied and nothing moved this time.
type Result struct {
	Order    *orders.Order   `json:"order"`
	Receipt  *ledger.Receipt `json:"receipt"`
	Replayed bool            `json:"replayed"`
}

// Status is the escrow view of one order.
type Status struct {
	OrderID         string               `json:"orderId"`
	PaymentStatus   orders.PaymentStatus `json:"paymentStatus"`
	EscrowAmount    int64                `json:"escrowAmount"`
	EscrowReference string               `json:"escrowReference,omitempty"`
	HeldAt          *time.Time           `json:"heldAt,omitempty"`
	ResolvedAt      *time.Time           `json:"resolvedAt,omitempty"`
}

// authorize checks the actor against the order. Hold and release belong to
// the buyer. Refund may come from either party or an admin resolving a
// dispute. System may do anything.
func authorize(a Actor, op Operation, o *orders.Order) error {
	if a.Role == RoleSystem {
		return nil
	}
	switch op {
	case OpHold, OpRelease:
		if a.is(RoleBuyer, o.BuyerID) {
			return nil
		}
	case OpRefund:
		if a.is(RoleBuyer, o.BuyerID) || a.is(RoleVendor, o.VendorID) || a.Role == RoleAdmin {
			return nil
		}
	}
	return ErrUnauthorized
}
