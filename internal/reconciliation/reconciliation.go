// Package reconciliation audits wallet balances against their ledger entries
// and repairs escrow settlements whose credit never landed.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/escrow"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
)

// ErrAlreadyRunning is returned when a run is requested while one is in flight.
var ErrAlreadyRunning = errors.New("reconciliation already running")

// LedgerReader is the read side of the ledger store.
type LedgerReader interface {
	ListWalletIDs(ctx context.Context) ([]string, error)
	WalletSnapshot(ctx context.Context, walletID string) (*ledger.Wallet, []*ledger.Entry, error)
	GetEntryByReference(ctx context.Context, referenceID string) (*ledger.Entry, error)
}

// OrderLister finds orders by payment state.
type OrderLister interface {
	ListByPaymentStatus(ctx context.Context, statuses ...orders.PaymentStatus) ([]*orders.Order, error)
}

// Resettler re-drives a settlement credit and gives back hold debits
// stranded on orders that can no longer be paid.
type Resettler interface {
	Resettle(ctx context.Context, orderID string) (*escrow.Result, error)
	ReverseStrandedHold(ctx context.Context, orderID string) (bool, error)
}

// Mismatch is one disagreement between a wallet and its entries.
type Mismatch struct {
	WalletID string `json:"walletId"`
	Field    string `json:"field"`
	Stored   int64  `json:"stored"`
	Replayed int64  `json:"replayed"`
	EntryID  string `json:"entryId,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       time.Time  `json:"finishedAt"`
	WalletsChecked   int        `json:"walletsChecked"`
	Mismatches       []Mismatch `json:"mismatches"`
	OrdersChecked    int        `json:"ordersChecked"`
	Resettled        []string   `json:"resettled"`
	ResettleFailures []string   `json:"resettleFailures"`
	MissingHolds     []string   `json:"missingHolds"`
	ReversedHolds    []string   `json:"reversedHolds"`
	StrandedHolds    []string   `json:"strandedHolds"`
}

// Healthy reports whether the run found nothing that still needs a human.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.ResettleFailures) == 0 &&
		len(r.MissingHolds) == 0 && len(r.StrandedHolds) == 0
}

// Service runs reconciliation passes.
type Service struct {
	ledger    LedgerReader
	orders    OrderLister
	resettler Resettler
	logger    *slog.Logger

	running sync.Mutex
	mu      sync.RWMutex
	last    *Report
}

// NewService creates a reconciliation service. resettler may be nil, in
// which case unsettled orders are only reported.
func NewService(l LedgerReader, o OrderLister, r Resettler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, orders: o, resettler: r, logger: logger}
}

// LastReport returns the most recent completed report, or nil.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run audits every wallet and every settled or held order.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	start := time.Now()
	report := &Report{StartedAt: start.UTC()}

	if err := s.checkWallets(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("check wallets: %w", err)
	}
	if err := s.checkSettlements(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("check settlements: %w", err)
	}
	if err := s.checkStrandedHolds(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("check stranded holds: %w", err)
	}

	report.FinishedAt = time.Now().UTC()
	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileUnsettled.Set(float64(len(report.ResettleFailures)))
	reconcileMissingHolds.Set(float64(len(report.MissingHolds)))
	reconcileResettled.Add(float64(len(report.Resettled)))
	reconcileReversedHolds.Add(float64(len(report.ReversedHolds)))
	reconcileLastSuccess.SetToCurrentTime()

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	level := slog.LevelInfo
	if !report.Healthy() {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "reconciliation finished",
		"wallets", report.WalletsChecked,
		"mismatches", len(report.Mismatches),
		"orders", report.OrdersChecked,
		"resettled", len(report.Resettled),
		"resettleFailures", len(report.ResettleFailures),
		"missingHolds", len(report.MissingHolds),
		"reversedHolds", len(report.ReversedHolds),
		"duration", time.Since(start))
	return report, nil
}

// checkWallets replays each wallet's entries and compares the result with
// the stored balance and totals. Wallet and entries come from one snapshot
// so postings that land mid-run are never reported as drift.
func (s *Service) checkWallets(ctx context.Context, report *Report) error {
	ids, err := s.ledger.ListWalletIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, entries, err := s.ledger.WalletSnapshot(ctx, id)
		if err != nil {
			return err
		}
		report.WalletsChecked++
		report.Mismatches = append(report.Mismatches, replayWallet(w, entries)...)
	}
	return nil
}

func replayWallet(w *ledger.Wallet, entries []*ledger.Entry) []Mismatch {
	var (
		out              []Mismatch
		credits, debits  int64
		balance, entryCt int64
	)
	for _, e := range entries {
		entryCt++
		want := e.BalanceBefore
		switch e.Kind {
		case ledger.Credit:
			credits += e.Amount
			balance += e.Amount
			want += e.Amount
		case ledger.Debit:
			debits += e.Amount
			balance -= e.Amount
			want -= e.Amount
		}
		if e.BalanceAfter != want || e.BalanceAfter < 0 {
			out = append(out, Mismatch{WalletID: w.ID, Field: "entry", Stored: e.BalanceAfter, Replayed: want, EntryID: e.ID})
		}
	}

	check := func(field string, stored, replayed int64) {
		if stored != replayed {
			out = append(out, Mismatch{WalletID: w.ID, Field: field, Stored: stored, Replayed: replayed})
		}
	}
	check("balance", w.Balance, balance)
	check("totalCredits", w.TotalCredits, credits)
	check("totalDebits", w.TotalDebits, debits)
	check("entryCount", w.EntryCount, entryCt)
	return out
}

// checkSettlements re-drives missing settlement credits and reports held
// orders whose hold debit is missing or was reversed.
func (s *Service) checkSettlements(ctx context.Context, report *Report) error {
	list, err := s.orders.ListByPaymentStatus(ctx,
		orders.PaymentHeld, orders.PaymentReleased, orders.PaymentRefunded)
	if err != nil {
		return err
	}
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.OrdersChecked++

		if o.PaymentStatus == orders.PaymentHeld {
			ok, err := s.hasEntry(ctx, escrow.HoldReference(o.ID))
			if err != nil {
				return err
			}
			reversed, err := s.hasEntry(ctx, escrow.HoldReversalReference(o.ID))
			if err != nil {
				return err
			}
			if !ok || reversed {
				s.logger.Error("held order has no standing hold debit",
					"order", o.ID, "holdEntry", ok, "reversed", reversed)
				report.MissingHolds = append(report.MissingHolds, o.ID)
			}
			continue
		}

		ok, err := s.hasEntry(ctx, escrow.SettlementReference(o))
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if s.resettler == nil {
			report.ResettleFailures = append(report.ResettleFailures, o.ID)
			continue
		}
		if _, err := s.resettler.Resettle(ctx, o.ID); err != nil {
			s.logger.Error("resettle failed", "order", o.ID, "payment", o.PaymentStatus, "error", err)
			report.ResettleFailures = append(report.ResettleFailures, o.ID)
			continue
		}
		s.logger.Warn("resettled escrow credit", "order", o.ID, "payment", o.PaymentStatus)
		report.Resettled = append(report.Resettled, o.ID)
	}
	return nil
}

// checkStrandedHolds finds pending-payment orders that left pending while a
// hold debit stood against them and gives the money back.
func (s *Service) checkStrandedHolds(ctx context.Context, report *Report) error {
	list, err := s.orders.ListByPaymentStatus(ctx, orders.PaymentPending)
	if err != nil {
		return err
	}
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Status == orders.StatusPending {
			continue
		}
		held, err := s.hasEntry(ctx, escrow.HoldReference(o.ID))
		if err != nil {
			return err
		}
		if !held {
			continue
		}
		reversed, err := s.hasEntry(ctx, escrow.HoldReversalReference(o.ID))
		if err != nil {
			return err
		}
		if reversed {
			continue
		}
		report.OrdersChecked++
		if s.resettler == nil {
			report.StrandedHolds = append(report.StrandedHolds, o.ID)
			continue
		}
		if _, err := s.resettler.ReverseStrandedHold(ctx, o.ID); err != nil {
			s.logger.Error("stranded hold reversal failed", "order", o.ID, "status", o.Status, "error", err)
			report.StrandedHolds = append(report.StrandedHolds, o.ID)
			continue
		}
		s.logger.Warn("reversed stranded hold", "order", o.ID, "status", o.Status)
		report.ReversedHolds = append(report.ReversedHolds, o.ID)
	}
	return nil
}

func (s *Service) hasEntry(ctx context.Context, ref string) (bool, error) {
	_, err := s.ledger.GetEntryByReference(ctx, ref)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}
