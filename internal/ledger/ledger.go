// Package ledger keeps one wallet per marketplace participant and moves money
// in and out of it.
//
// Flow:
//  1. A wallet is created on first use and bound to a WLT tracking ID
//  2. Every balance change is an immutable entry keyed by a reference ID
//  3. Replaying a reference returns the first result instead of moving money twice
//
// Amounts are int64 minor units (kobo for NGN).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/marketledger/internal/idgen"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/traces"
	"github.com/mbd888/marketledger/internal/tracking"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists for owner")
	ErrEntryNotFound      = errors.New("ledger entry not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidReference   = errors.New("reference id is required")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletSuspended    = errors.New("wallet is suspended")
	ErrDuplicateReference = errors.New("reference already applied")
	ErrReferenceMismatch  = errors.New("reference already applied with different parameters")
	ErrInvalidStatus      = errors.New("invalid wallet status")
	ErrInvalidOwner       = errors.New("invalid owner")
	ErrBalanceOverflow    = errors.New("credit would overflow wallet balance")
)

// DefaultCurrency is the currency code assigned to new wallets.
const DefaultCurrency = "NGN"

// Kind is the direction of a ledger entry.
type Kind string

const (
	Credit Kind = "credit"
	Debit  Kind = "debit"
)

// Status is a wallet's operating state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known wallet status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

// OwnerType is the marketplace role a wallet belongs to.
type OwnerType string

const (
	OwnerBuyer     OwnerType = "buyer"
	OwnerVendor    OwnerType = "vendor"
	OwnerLogistics OwnerType = "logistics"
)

// Valid reports whether t is a known owner type.
func (t OwnerType) Valid() bool {
	switch t {
	case OwnerBuyer, OwnerVendor, OwnerLogistics:
		return true
	}
	return false
}

// Wallet is a participant's balance plus running totals.
type Wallet struct {
	ID           string     `json:"id"`
	TrackingID   string     `json:"trackingId"`
	OwnerID      string     `json:"ownerId"`
	OwnerType    OwnerType  `json:"ownerType"`
	Balance      int64      `json:"balance"`
	Currency     string     `json:"currency"`
	Status       Status     `json:"status"`
	TotalCredits int64      `json:"totalCredits"`
	TotalDebits  int64      `json:"totalDebits"`
	EntryCount   int64      `json:"entryCount"`
	LastEntryAt  *time.Time `json:"lastEntryAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Entry is one immutable balance change.
type Entry struct {
	ID            string    `json:"id"`
	WalletID      string    `json:"walletId"`
	ReferenceID   string    `json:"referenceId"`
	Kind          Kind      `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Memo          string    `json:"memo,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Receipt is what callers get back from a balance change.
type Receipt struct {
	EntryID       string    `json:"entryId"`
	WalletID      string    `json:"walletId"`
	ReferenceID   string    `json:"referenceId"`
	Kind          Kind      `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     time.Time `json:"createdAt"`
	Replayed      bool      `json:"replayed"`
}

// ReceiptFor projects an entry into a receipt.
func ReceiptFor(e *Entry, replayed bool) *Receipt {
	return &Receipt{
		EntryID:       e.ID,
		WalletID:      e.WalletID,
		ReferenceID:   e.ReferenceID,
		Kind:          e.Kind,
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		CreatedAt:     e.CreatedAt,
		Replayed:      replayed,
	}
}

// Posting is a requested balance change.
type Posting struct {
	WalletID    string
	ReferenceID string
	Kind        Kind
	Amount      int64
	Memo        string
}

// matches reports whether e records the same change as p.
func (p Posting) matches(e *Entry) bool {
	return e.WalletID == p.WalletID && e.Kind == p.Kind && e.Amount == p.Amount
}

// Store persists wallets and entries.
//
// Apply must be atomic: the status and funds checks, the balance and totals
// update, and the entry insert either all happen or none do. When the
// posting's reference already exists Apply returns the stored entry with
// replayed=true and changes nothing.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error)
	GetWalletByTrackingID(ctx context.Context, trackingID string) (*Wallet, error)
	SetStatus(ctx context.Context, id string, status Status) (*Wallet, error)
	Apply(ctx context.Context, p Posting) (entry *Entry, replayed bool, err error)
	GetEntryByReference(ctx context.Context, referenceID string) (*Entry, error)
	ListEntries(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Entry, error)
	ListWalletIDs(ctx context.Context) ([]string, error)
	// WalletSnapshot returns a wallet and all of its entries, oldest first,
	// as of one point in time.
	WalletSnapshot(ctx context.Context, walletID string) (*Wallet, []*Entry, error)
}

// Service is the only writer of wallet balances.
type Service struct {
	store    Store
	ids      tracking.Issuer
	currency string
	logger   *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, ids tracking.Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ids:      ids,
		currency: DefaultCurrency,
		logger:   logger,
	}
}

// WithCurrency overrides the currency code for new wallets.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = strings.ToUpper(currency)
	}
	return s
}

// Store exposes the underlying store for read-only consumers such as
// reconciliation and lookup.
func (s *Service) Store() Store {
	return s.store
}

// GetWallet returns the wallet owned by ownerID.
func (s *Service) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	return s.store.GetWalletByOwner(ctx, ownerID)
}

// GetWalletByID returns a wallet by its internal ID.
func (s *Service) GetWalletByID(ctx context.Context, walletID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, walletID)
}

// GetWalletByTrackingID returns a wallet by its WLT tracking ID.
func (s *Service) GetWalletByTrackingID(ctx context.Context, trackingID string) (*Wallet, error) {
	return s.store.GetWalletByTrackingID(ctx, trackingID)
}

// EnsureWallet returns ownerID's wallet, creating it on first use.
func (s *Service) EnsureWallet(ctx context.Context, ownerID string, ownerType OwnerType) (*Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || !ownerType.Valid() {
		return nil, ErrInvalidOwner
	}

	w, err := s.store.GetWalletByOwner(ctx, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	defer observeOp("create_wallet")()

	now := time.Now().UTC()
	w = &Wallet{
		ID:        idgen.New(),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Currency:  s.currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.ids.Assign(ctx, tracking.Wallet, func(id tracking.ID) error {
		w.TrackingID = id.String()
		return s.store.CreateWallet(ctx, w)
	})
	if errors.Is(err, ErrWalletExists) {
		// Lost a first-use race for the same owner.
		return s.store.GetWalletByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	s.logger.Info("wallet created",
		"wallet", w.ID, "trackingId", w.TrackingID, "owner", ownerID, "ownerType", ownerType)
	return w, nil
}

// DeductFunds debits walletID. A replayed reference returns the original
// receipt together with ErrDuplicateReference.
func (s *Service) DeductFunds(ctx context.Context, walletID string, amount int64, referenceID, memo string) (*Receipt, error) {
	return s.apply(ctx, Posting{
		WalletID:    walletID,
		ReferenceID: referenceID,
		Kind:        Debit,
		Amount:      amount,
		Memo:        memo,
	})
}

// AddFunds credits walletID with the same idempotency contract as DeductFunds.
func (s *Service) AddFunds(ctx context.Context, walletID string, amount int64, referenceID, memo string) (*Receipt, error) {
	return s.apply(ctx, Posting{
		WalletID:    walletID,
		ReferenceID: referenceID,
		Kind:        Credit,
		Amount:      amount,
		Memo:        memo,
	})
}

func (s *Service) apply(ctx context.Context, p Posting) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+string(p.Kind),
		traces.WalletID(p.WalletID),
		traces.Amount(p.Amount),
		traces.Reference(p.ReferenceID),
	)
	defer span.End()

	if p.Amount <= 0 {
		traces.Fail(span, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(p.ReferenceID) == "" {
		traces.Fail(span, ErrInvalidReference)
		return nil, ErrInvalidReference
	}

	defer observeOp(string(p.Kind))()

	entry, replayed, err := s.store.Apply(ctx, p)
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, ErrInsufficientFunds) {
			rejectionsTotal.WithLabelValues("insufficient_funds").Inc()
		} else if errors.Is(err, ErrWalletSuspended) {
			rejectionsTotal.WithLabelValues("suspended").Inc()
		} else if errors.Is(err, ErrBalanceOverflow) {
			rejectionsTotal.WithLabelValues("overflow").Inc()
		}
		return nil, err
	}

	if replayed {
		if !p.matches(entry) {
			rejectionsTotal.WithLabelValues("reference_mismatch").Inc()
			s.logger.Warn("reference replayed with different parameters",
				"reference", p.ReferenceID,
				"wallet", p.WalletID, "storedWallet", entry.WalletID,
				"kind", p.Kind, "storedKind", entry.Kind,
				"amount", p.Amount, "storedAmount", entry.Amount)
			traces.Fail(span, ErrReferenceMismatch)
			return nil, ErrReferenceMismatch
		}
		replaysTotal.WithLabelValues(string(p.Kind)).Inc()
		return ReceiptFor(entry, true), ErrDuplicateReference
	}

	s.logger.Debug("ledger entry applied",
		"wallet", entry.WalletID, "kind", entry.Kind, "amount", entry.Amount,
		"reference", entry.ReferenceID, "balanceAfter", entry.BalanceAfter)
	return ReceiptFor(entry, false), nil
}

// Receipt returns the receipt recorded under referenceID.
func (s *Service) Receipt(ctx context.Context, referenceID string) (*Receipt, error) {
	e, err := s.store.GetEntryByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	return ReceiptFor(e, false), nil
}

// History returns newest-first entries for a wallet. The returned cursor is
// empty when there are no more pages.
func (s *Service) History(ctx context.Context, walletID string, limit int, cursor string) ([]*Entry, string, error) {
	limit = pagination.ClampLimit(limit)
	cur, err := pagination.Parse(cursor)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, "", err
	}

	entries, err := s.store.ListEntries(ctx, walletID, limit+1, cur)
	if err != nil {
		return nil, "", err
	}
	page := pagination.Paginate(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page.Items, page.NextCursor, nil
}

// SetStatus suspends or reactivates a wallet.
func (s *Service) SetStatus(ctx context.Context, walletID string, status Status) (*Wallet, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	w, err := s.store.SetStatus(ctx, walletID, status)
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet status changed", "wallet", walletID, "status", status)
	return w, nil
}

// creditFits reports whether amount can be added to both the balance and the
// running credit total without wrapping.
func creditFits(balance, totalCredits, amount int64) bool {
	return balance <= math.MaxInt64-amount && totalCredits <= math.MaxInt64-amount
}

// Checker reports tracking ID usage in the wallet namespace.
func Checker(store Store) tracking.Checker {
	return tracking.CheckerFunc(func(ctx context.Context, id tracking.ID) (bool, error) {
		_, err := store.GetWalletByTrackingID(ctx, id.String())
		if errors.Is(err, ErrWalletNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}
