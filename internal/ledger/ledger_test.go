package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
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
	gen.Register(tracking.Wallet, Checker(store))
	return NewService(store, gen, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func fundedWallet(t *testing.T, svc *Service, owner string, amount int64) *Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := svc.EnsureWallet(ctx, owner, OwnerBuyer)
	require.NoError(t, err)
	if amount > 0 {
		_, err = svc.AddFunds(ctx, w.ID, amount, "TOPUP-"+owner, "initial funding")
		require.NoError(t, err)
	}
	return w
}

func TestEnsureWallet_CreatesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w1, err := svc.EnsureWallet(ctx, "buyer_1", OwnerBuyer)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w1.Status)
	assert.Equal(t, DefaultCurrency, w1.Currency)
	assert.Equal(t, int64(0), w1.Balance)

	id, err := tracking.ParseAs(tracking.Wallet, w1.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, w1.TrackingID, id.String())

	w2, err := svc.EnsureWallet(ctx, "buyer_1", OwnerBuyer)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, w1.TrackingID, w2.TrackingID)

	byTracking, err := svc.GetWalletByTrackingID(ctx, w1.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, byTracking.ID)
}

func TestEnsureWallet_RejectsInvalidOwner(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.EnsureWallet(context.Background(), "", OwnerBuyer)
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = svc.EnsureWallet(context.Background(), "someone", OwnerType("admin"))
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestEnsureWallet_ConcurrentFirstUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := svc.EnsureWallet(ctx, "vendor_1", OwnerVendor)
			if err == nil {
				ids[i] = w.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetWallet(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestDeductFunds_HappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 50000)

	r, err := svc.DeductFunds(ctx, w.ID, 21000, "ESCROW-HOLD-ord_1", "hold")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), r.BalanceBefore)
	assert.Equal(t, int64(29000), r.BalanceAfter)
	assert.Equal(t, Debit, r.Kind)
	assert.False(t, r.Replayed)

	got, err := svc.GetWalletByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(29000), got.Balance)
	assert.Equal(t, int64(50000), got.TotalCredits)
	assert.Equal(t, int64(21000), got.TotalDebits)
	assert.Equal(t, int64(2), got.EntryCount)
	assert.NotNil(t, got.LastEntryAt)
}

func TestDeductFunds_InsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 5000)

	_, err := svc.DeductFunds(ctx, w.ID, 21000, "ESCROW-HOLD-ord_1", "hold")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	got, _ := svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, int64(5000), got.Balance)

	// The failed reference was not consumed.
	_, err = svc.Receipt(ctx, "ESCROW-HOLD-ord_1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDeductFunds_InvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 100)

	for _, amount := range []int64{0, -5} {
		_, err := svc.DeductFunds(ctx, w.ID, amount, fmt.Sprintf("ref-%d", amount), "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}

	_, err := svc.DeductFunds(ctx, w.ID, 10, "  ", "")
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = svc.DeductFunds(ctx, "missing", 10, "ref-missing", "")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestAddFunds_RejectsOverflow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "vendor_1", 10)

	_, err := svc.AddFunds(ctx, w.ID, math.MaxInt64, "OVERFLOW-1", "")
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	got, err := svc.GetWalletByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Balance)
	assert.Equal(t, int64(10), got.TotalCredits)
	assert.Equal(t, int64(1), got.EntryCount)

	_, err = svc.Receipt(ctx, "OVERFLOW-1")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// Exactly up to the limit still fits.
	_, err = svc.AddFunds(ctx, w.ID, math.MaxInt64-10, "TOPUP-MAX", "")
	require.NoError(t, err)
	got, _ = svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, int64(math.MaxInt64), got.Balance)
}

func TestAddFunds_DuplicateReferenceReturnsPriorReceipt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "vendor_1", 0)

	first, err := svc.AddFunds(ctx, w.ID, 21000, "ESCROW-RELEASE-ord_1", "release")
	require.NoError(t, err)

	second, err := svc.AddFunds(ctx, w.ID, 21000, "ESCROW-RELEASE-ord_1", "release")
	assert.ErrorIs(t, err, ErrDuplicateReference)
	require.NotNil(t, second)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)

	got, _ := svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, int64(21000), got.Balance)
	assert.Equal(t, int64(1), got.EntryCount)
}

func TestApply_ReferenceMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := fundedWallet(t, svc, "buyer_a", 1000)
	b := fundedWallet(t, svc, "buyer_b", 1000)

	_, err := svc.DeductFunds(ctx, a.ID, 100, "REF-1", "")
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() (*Receipt, error)
	}{
		{"different amount", func() (*Receipt, error) { return svc.DeductFunds(ctx, a.ID, 200, "REF-1", "") }},
		{"different kind", func() (*Receipt, error) { return svc.AddFunds(ctx, a.ID, 100, "REF-1", "") }},
		{"different wallet", func() (*Receipt, error) { return svc.DeductFunds(ctx, b.ID, 100, "REF-1", "") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tc.call()
			assert.ErrorIs(t, err, ErrReferenceMismatch)
			assert.Nil(t, r)
		})
	}

	gotA, _ := svc.GetWalletByID(ctx, a.ID)
	gotB, _ := svc.GetWalletByID(ctx, b.ID)
	assert.Equal(t, int64(900), gotA.Balance)
	assert.Equal(t, int64(1000), gotB.Balance)
}

func TestSuspendedWallet_RejectsDebitsAcceptsCredits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 1000)

	_, err := svc.SetStatus(ctx, w.ID, StatusSuspended)
	require.NoError(t, err)

	_, err = svc.DeductFunds(ctx, w.ID, 100, "D-1", "")
	assert.ErrorIs(t, err, ErrWalletSuspended)

	r, err := svc.AddFunds(ctx, w.ID, 100, "ESCROW-REFUND-ord_9", "refund")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), r.BalanceAfter)

	_, err = svc.SetStatus(ctx, w.ID, StatusActive)
	require.NoError(t, err)
	_, err = svc.DeductFunds(ctx, w.ID, 100, "D-1", "")
	assert.NoError(t, err)

	_, err = svc.SetStatus(ctx, w.ID, Status("frozen"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// Concurrent debits must never overdraw: exactly balance/amount succeed.
func TestDeductFunds_ConcurrentNeverNegative(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.DeductFunds(ctx, w.ID, 100, fmt.Sprintf("D-%d", i), "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	got, _ := svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, int64(0), got.Balance)
}

// Concurrent replays of one reference apply it once.
func TestAddFunds_ConcurrentSameReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "vendor_1", 0)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddFunds(ctx, w.ID, 500, "ESCROW-RELEASE-ord_1", "")
			if err != nil && !errors.Is(err, ErrDuplicateReference) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, int64(500), got.Balance)
	assert.Equal(t, int64(1), got.EntryCount)
}

func TestBalanceEqualsCreditsMinusDebits(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 10000)

	for i := 0; i < 20; i++ {
		ref := fmt.Sprintf("OP-%d", i)
		if i%3 == 0 {
			_, _ = svc.DeductFunds(ctx, w.ID, int64(700+i), ref, "")
		} else {
			_, _ = svc.AddFunds(ctx, w.ID, int64(100+i), ref, "")
		}
	}

	snap, entries, err := store.WalletSnapshot(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(entries)), snap.EntryCount)

	var credits, debits int64
	for _, e := range entries {
		if e.Kind == Credit {
			credits += e.Amount
		} else {
			debits += e.Amount
		}
	}
	got, _ := svc.GetWalletByID(ctx, w.ID)
	assert.Equal(t, credits-debits, got.Balance)
	assert.Equal(t, credits, got.TotalCredits)
	assert.Equal(t, debits, got.TotalDebits)
	assert.GreaterOrEqual(t, got.Balance, int64(0))
}

func TestHistory_Paginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	w := fundedWallet(t, svc, "buyer_1", 0)

	for i := 0; i < 5; i++ {
		_, err := svc.AddFunds(ctx, w.ID, int64(i+1), fmt.Sprintf("C-%d", i), "")
		require.NoError(t, err)
	}

	page1, next, err := svc.History(ctx, w.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, next)

	page2, next2, err := svc.History(ctx, w.ID, 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	page3, next3, err := svc.History(ctx, w.ID, 2, next2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, next3)

	seen := map[string]bool{}
	for _, e := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[e.ID], "entry %s returned twice", e.ID)
		seen[e.ID] = true
	}
	assert.Len(t, seen, 5)

	_, _, err = svc.History(ctx, w.ID, 2, "not-a-cursor!!")
	assert.Error(t, err)

	_, _, err = svc.History(ctx, "missing", 2, "")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestWithCurrency(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithCurrency("usd")

	w, err := svc.EnsureWallet(context.Background(), "buyer_1", OwnerBuyer)
	require.NoError(t, err)
	assert.Equal(t, "USD", w.Currency)
}
