package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/retry"
	"github.com/mbd888/marketledger/internal/syncutil"
	"github.com/mbd888/marketledger/internal/traces"
)

// Service orchestrates escrow holds and settlements across the ledger and
// the order store.
type Service struct {
	ledger   Ledger
	orders   orders.Store
	notifier Notifier
	sales    StoreSales
	restock  Restocker
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
}

// NewService creates an escrow orchestrator.
func NewService(ledger Ledger, store orders.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: ledger,
		orders: store,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
	}
}

// WithNotifier registers a receiver for escrow events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithStoreSales wires best-effort storefront sales counters.
func (s *Service) WithStoreSales(sales StoreSales) *Service {
	s.sales = sales
	return s
}

// WithRestock returns reserved stock when a refund cancels an order.
func (s *Service) WithRestock(r Restocker) *Service {
	s.restock = r
	return s
}

// Hold debits the buyer and marks the order's payment held.
func (s *Service) Hold(ctx context.Context, actor Actor, orderID, buyerID string, amount int64) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.hold",
		traces.OrderID(orderID), traces.Amount(amount), traces.ActorRole(string(actor.Role)))
	defer func() { finish(span, OpHold, res, err) }()
	defer observeOp(OpHold)()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, OpHold, o); err != nil {
		return nil, err
	}
	if buyerID != o.BuyerID {
		return nil, fmt.Errorf("%w: buyer does not match order", ErrUnauthorized)
	}

	ref := HoldReference(o.ID)
	switch o.PaymentStatus {
	case orders.PaymentHeld:
		if amount != o.EscrowAmount {
			return nil, fmt.Errorf("%w: held %d, got %d", ErrAmountMismatch, o.EscrowAmount, amount)
		}
		return s.replay(ctx, o, ref)
	case orders.PaymentPending:
	default:
		return nil, fmt.Errorf("%w: payment is already %s", ErrInvalidTransition, o.PaymentStatus)
	}
	if o.Status != orders.StatusPending {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}
	if amount != o.TotalAmount {
		return nil, fmt.Errorf("%w: order total %d, got %d", ErrAmountMismatch, o.TotalAmount, amount)
	}

	wallet, err := s.ledger.GetWallet(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	receipt, err := s.ledger.DeductFunds(ctx, wallet.ID, amount, ref, "escrow hold for order "+o.ID)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// An earlier attempt debited but never marked the order held.
		if _, rerr := s.ledger.Receipt(ctx, HoldReversalReference(o.ID)); rerr == nil {
			return nil, fmt.Errorf("%w: hold was already reversed", ErrInvalidTransition)
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := s.orders.CompareAndSetPayment(ctx, o.ID, orders.PaymentPending, orders.PaymentChange{
		To:              orders.PaymentHeld,
		StatusIn:        []orders.Status{orders.StatusPending},
		EscrowAmount:    amount,
		EscrowReference: ref,
		HeldAt:          &now,
	})
	if err != nil {
		current, gerr := s.orders.Get(ctx, o.ID)
		if gerr != nil {
			settlementFailures.WithLabelValues(string(OpHold)).Inc()
			s.logger.Error("CRITICAL: escrow hold debited but order state unknown",
				"order", o.ID, "wallet", wallet.ID, "amount", amount, "error", err, "reloadError", gerr)
			return nil, fmt.Errorf("mark order held: %w", err)
		}
		if current.PaymentStatus == orders.PaymentHeld && current.EscrowReference == ref {
			return s.replay(ctx, current, ref)
		}
		if current.PaymentStatus == orders.PaymentPending && current.Status == orders.StatusPending {
			// Still payable. The debit stays and a retry replays it into the
			// compare-and-set.
			s.logger.Warn("escrow hold debited but order not yet marked held",
				"order", o.ID, "wallet", wallet.ID, "amount", amount, "error", err)
			return nil, fmt.Errorf("mark order held: %w", err)
		}
		_ = s.reverseHold(ctx, o, wallet.ID, amount)
		if errors.Is(err, orders.ErrConflict) {
			return nil, fmt.Errorf("%w: order changed during hold", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("mark order held: %w", err)
	}

	s.logger.Info("escrow held",
		"order", o.ID, "buyer", o.BuyerID, "amount", amount, "reference", ref)
	heldAmount.Add(float64(amount))
	s.notify(ctx, EventHeld, updated, ref)
	return &Result{Order: updated, Receipt: receipt}, nil
}

// reverseHold gives back a debit whose order could not be marked held.
func (s *Service) reverseHold(ctx context.Context, o *orders.Order, walletID string, amount int64) error {
	ctx = context.WithoutCancel(ctx)
	ref := HoldReversalReference(o.ID)
	_, err := s.ledger.AddFunds(ctx, walletID, amount, ref, "escrow hold reversed for order "+o.ID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		settlementFailures.WithLabelValues(string(OpHold)).Inc()
		s.logger.Error("CRITICAL: escrow hold debit could not be reversed",
			"order", o.ID, "wallet", walletID, "amount", amount, "error", err)
		return err
	}
	compensationsTotal.Inc()
	s.logger.Warn("escrow hold reversed", "order", o.ID, "wallet", walletID, "amount", amount)
	s.notify(ctx, EventHoldReversed, o, ref)
	return nil
}

// ReverseStrandedHold returns a hold debit whose order never reached held
// and can no longer be paid, e.g. a transient store failure followed by a
// cancellation. It reports whether money moved.
func (s *Service) ReverseStrandedHold(ctx context.Context, orderID string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o.PaymentStatus != orders.PaymentPending || o.Status == orders.StatusPending {
		return false, nil
	}
	hold, err := s.ledger.Receipt(ctx, HoldReference(o.ID))
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.ledger.Receipt(ctx, HoldReversalReference(o.ID)); err == nil {
		return false, nil
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return false, err
	}
	if err := s.reverseHold(ctx, o, hold.WalletID, hold.Amount); err != nil {
		return false, err
	}
	return true, nil
}

// settlement describes one way out of held.
type settlement struct {
	op        Operation
	to        orders.PaymentStatus
	status    orders.Status
	event     EventType
	reference func(orderID string) string
	payee     func(o *orders.Order) (string, ledger.OwnerType)
	party     func(o *orders.Order) string
}

var (
	releaseLeg = settlement{
		op:        OpRelease,
		to:        orders.PaymentReleased,
		status:    orders.StatusCompleted,
		event:     EventReleased,
		reference: ReleaseReference,
		payee:     func(o *orders.Order) (string, ledger.OwnerType) { return o.VendorID, ledger.OwnerVendor },
		party:     func(o *orders.Order) string { return o.VendorID },
	}
	refundLeg = settlement{
		op:        OpRefund,
		to:        orders.PaymentRefunded,
		status:    orders.StatusCancelled,
		event:     EventRefunded,
		reference: RefundReference,
		payee:     func(o *orders.Order) (string, ledger.OwnerType) { return o.BuyerID, ledger.OwnerBuyer },
		party:     func(o *orders.Order) string { return o.BuyerID },
	}
)

func legFor(p orders.PaymentStatus) (settlement, bool) {
	switch p {
	case orders.PaymentReleased:
		return releaseLeg, true
	case orders.PaymentRefunded:
		return refundLeg, true
	}
	return settlement{}, false
}

// Release pays the held amount to the vendor and completes the order.
func (s *Service) Release(ctx context.Context, actor Actor, orderID, vendorID string, amount int64) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.OrderID(orderID), traces.Amount(amount), traces.ActorRole(string(actor.Role)))
	defer func() { finish(span, OpRelease, res, err) }()
	defer observeOp(OpRelease)()
	return s.settle(ctx, actor, releaseLeg, orderID, vendorID, amount)
}

// Refund returns the held amount to the buyer and cancels the order.
func (s *Service) Refund(ctx context.Context, actor Actor, orderID, buyerID string, amount int64) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund",
		traces.OrderID(orderID), traces.Amount(amount), traces.ActorRole(string(actor.Role)))
	defer func() { finish(span, OpRefund, res, err) }()
	defer observeOp(OpRefund)()
	return s.settle(ctx, actor, refundLeg, orderID, buyerID, amount)
}

func (s *Service) settle(ctx context.Context, actor Actor, leg settlement, orderID, partyID string, amount int64) (*Result, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, leg.op, o); err != nil {
		return nil, err
	}
	if partyID != leg.party(o) {
		return nil, fmt.Errorf("%w: counterparty does not match order", ErrUnauthorized)
	}

	switch o.PaymentStatus {
	case leg.to:
		if amount != o.EscrowAmount {
			return nil, fmt.Errorf("%w: held %d, got %d", ErrAmountMismatch, o.EscrowAmount, amount)
		}
		return s.replaySettlement(ctx, leg, o)
	case orders.PaymentHeld:
	default:
		return nil, fmt.Errorf("%w: cannot %s a %s payment", ErrInvalidTransition, leg.op, o.PaymentStatus)
	}
	if amount != o.EscrowAmount {
		return nil, fmt.Errorf("%w: held %d, got %d", ErrAmountMismatch, o.EscrowAmount, amount)
	}

	now := time.Now().UTC()
	updated, err := s.orders.CompareAndSetPayment(ctx, o.ID, orders.PaymentHeld, orders.PaymentChange{
		To:         leg.to,
		Status:     leg.status,
		ResolvedAt: &now,
		History: &orders.StatusChange{
			From: o.Status, To: leg.status, ActorID: actor.ID, ActorRole: string(actor.Role), At: now,
		},
	})
	if errors.Is(err, orders.ErrConflict) {
		current, gerr := s.orders.Get(ctx, o.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.PaymentStatus == leg.to {
			return s.replaySettlement(ctx, leg, current)
		}
		return nil, fmt.Errorf("%w: payment moved to %s", ErrInvalidTransition, current.PaymentStatus)
	}
	if err != nil {
		return nil, err
	}

	receipt, err := s.credit(ctx, leg, updated)
	if err != nil {
		settlementFailures.WithLabelValues(string(leg.op)).Inc()
		s.logger.Error("CRITICAL: escrow settled but credit failed, awaiting resettle",
			"order", o.ID, "operation", leg.op, "amount", updated.EscrowAmount, "error", err)
		return nil, fmt.Errorf("%s credit for order %s: %w", leg.op, o.ID, err)
	}

	s.logger.Info("escrow settled",
		"order", o.ID, "operation", leg.op, "amount", updated.EscrowAmount, "reference", receipt.ReferenceID)
	s.afterSettle(ctx, leg, updated)
	return &Result{Order: updated, Receipt: receipt}, nil
}

// credit posts the settlement leg. It survives request cancellation since
// the order has already left held.
func (s *Service) credit(ctx context.Context, leg settlement, o *orders.Order) (*ledger.Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	ownerID, ownerType := leg.payee(o)
	wallet, err := s.ledger.EnsureWallet(ctx, ownerID, ownerType)
	if err != nil {
		return nil, err
	}
	receipt, err := s.ledger.AddFunds(ctx, wallet.ID, o.EscrowAmount, leg.reference(o.ID),
		fmt.Sprintf("escrow %s for order %s", leg.op, o.ID))
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return receipt, nil
	}
	return receipt, err
}

// replaySettlement answers a repeated release or refund with the original
// receipt. If the credit never landed it is posted now.
func (s *Service) replaySettlement(ctx context.Context, leg settlement, o *orders.Order) (*Result, error) {
	receipt, err := s.ledger.Receipt(ctx, leg.reference(o.ID))
	if errors.Is(err, ledger.ErrEntryNotFound) {
		receipt, err = s.credit(ctx, leg, o)
		if err != nil {
			return nil, fmt.Errorf("%s credit for order %s: %w", leg.op, o.ID, err)
		}
		resettledTotal.Inc()
		s.afterSettle(ctx, leg, o)
	}
	if err != nil {
		return nil, err
	}
	receipt.Replayed = true
	return &Result{Order: o, Receipt: receipt, Replayed: true}, nil
}

func (s *Service) replay(ctx context.Context, o *orders.Order, ref string) (*Result, error) {
	receipt, err := s.ledger.Receipt(ctx, ref)
	if err != nil {
		return nil, err
	}
	receipt.Replayed = true
	return &Result{Order: o, Receipt: receipt, Replayed: true}, nil
}

// Resettle re-drives the credit leg of a released or refunded order. It is
// a no-op when the credit already exists.
func (s *Service) Resettle(ctx context.Context, orderID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resettle", traces.OrderID(orderID))
	defer func() { finish(span, OpResettle, res, err) }()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	leg, ok := legFor(o.PaymentStatus)
	if !ok {
		return nil, fmt.Errorf("%w: payment is %s", ErrNotSettled, o.PaymentStatus)
	}
	res, err = s.replaySettlement(ctx, leg, o)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Status reports the escrow state of an order.
func (s *Service) Status(ctx context.Context, orderID string) (*Status, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Status{
		OrderID:         o.ID,
		PaymentStatus:   o.PaymentStatus,
		EscrowAmount:    o.EscrowAmount,
		EscrowReference: o.EscrowReference,
		HeldAt:          o.HeldAt,
		ResolvedAt:      o.ResolvedAt,
	}, nil
}

func (s *Service) afterSettle(ctx context.Context, leg settlement, o *orders.Order) {
	heldAmount.Sub(float64(o.EscrowAmount))
	settledAmount.WithLabelValues(string(leg.op)).Add(float64(o.EscrowAmount))
	s.notify(ctx, leg.event, o, leg.reference(o.ID))
	switch leg.op {
	case OpRelease:
		s.recordSale(ctx, o)
	case OpRefund:
		if s.restock != nil {
			s.restock.ReleaseStock(context.WithoutCancel(ctx), o)
		}
	}
}

func (s *Service) notify(ctx context.Context, t EventType, o *orders.Order, ref string) {
	if s.notifier == nil {
		return
	}
	amount := o.EscrowAmount
	if amount == 0 {
		amount = o.TotalAmount
	}
	s.notifier.EscrowEvent(ctx, Event{
		Type:           t,
		OrderID:        o.ID,
		TrackingNumber: o.TrackingNumber,
		BuyerID:        o.BuyerID,
		VendorID:       o.VendorID,
		Amount:         amount,
		ReferenceID:    ref,
		At:             time.Now().UTC(),
	})
}

// recordSale bumps storefront counters off the request path.
func (s *Service) recordSale(ctx context.Context, o *orders.Order) {
	if s.sales == nil || o.StoreID == "" {
		return
	}
	bg := context.WithoutCancel(ctx)
	storeID, amount := o.StoreID, o.EscrowAmount
	go func() {
		ctx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
			return s.sales.RecordStoreSale(ctx, storeID, amount)
		}, retry.WithMaxDelay(time.Second), retry.WithOnRetry(func(attempt int, err error) {
			s.logger.Debug("retrying storefront sale counter", "order", o.ID, "attempt", attempt, "error", err)
		}))
		if err != nil {
			s.logger.Warn("storefront sale counter update failed", "order", o.ID, "store", storeID, "error", err)
		}
	}()
}

// finish closes out a span and the outcome counter.
func finish(span trace.Span, op Operation, res *Result, err error) {
	switch {
	case err != nil:
		traces.Fail(span, err)
		opsTotal.WithLabelValues(string(op), outcomeLabel(err)).Inc()
	case res != nil && res.Replayed:
		opsTotal.WithLabelValues(string(op), "replayed").Inc()
	default:
		opsTotal.WithLabelValues(string(op), "ok").Inc()
	}
	span.End()
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotSettled):
		return "invalid_transition"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return "balance_overflow"
	default:
		return "error"
	}
}
