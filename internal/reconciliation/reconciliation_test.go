package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/escrow"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingCredit fails AddFunds for one reference a fixed number of times.
type failingCredit struct {
	escrow.Ledger
	ref      atomic.Value
	failures atomic.Int32
}

func (l *failingCredit) AddFunds(ctx context.Context, walletID string, amount int64, referenceID, memo string) (*ledger.Receipt, error) {
	if ref, _ := l.ref.Load().(string); ref == referenceID && l.failures.Add(-1) >= 0 {
		return nil, errors.New("ledger unavailable")
	}
	return l.Ledger.AddFunds(ctx, walletID, amount, referenceID, memo)
}

type env struct {
	ledgerStore *ledger.MemoryStore
	ledger      *ledger.Service
	orderStore  *orders.MemoryStore
	orders      *orders.Service
	escrow      *escrow.Service
	flaky       *failingCredit
	recon       *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := tracking.NewGenerator()

	lstore := ledger.NewMemoryStore()
	gen.Register(tracking.Wallet, ledger.Checker(lstore))
	lsvc := ledger.NewService(lstore, gen, logger)

	ostore := orders.NewMemoryStore()
	gen.Register(tracking.Order, orders.Checker(ostore))
	osvc := orders.NewService(ostore, gen, logger)

	flaky := &failingCredit{Ledger: lsvc}
	esvc := escrow.NewService(flaky, ostore, logger)

	return &env{
		ledgerStore: lstore,
		ledger:      lsvc,
		orderStore:  ostore,
		orders:      osvc,
		escrow:      esvc,
		flaky:       flaky,
		recon:       NewService(lstore, ostore, esvc, logger),
	}
}

func (e *env) heldOrder(t *testing.T) *orders.Order {
	t.Helper()
	ctx := context.Background()
	w, err := e.ledger.EnsureWallet(ctx, "buyer_1", ledger.OwnerBuyer)
	require.NoError(t, err)
	_, err = e.ledger.AddFunds(ctx, w.ID, 50000, "TOPUP-1", "top up")
	require.NoError(t, err)

	o, err := e.orders.Place(ctx, orders.PlaceRequest{
		BuyerID:  "buyer_1",
		VendorID: "vendor_1",
		Items:    []orders.Item{{ProductID: "prd_1", Name: "Adire", Quantity: 1, UnitPrice: 12000}},
	})
	require.NoError(t, err)
	_, err = e.escrow.Hold(ctx, escrow.Actor{ID: "buyer_1", Role: escrow.RoleBuyer}, o.ID, "buyer_1", 12000)
	require.NoError(t, err)
	return o
}

func TestRun_CleanLedger(t *testing.T) {
	e := newEnv(t)
	e.heldOrder(t)

	report, err := e.recon.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.WalletsChecked)
	assert.Equal(t, 1, report.OrdersChecked)
	assert.Empty(t, report.Mismatches)
	assert.Same(t, report, e.recon.LastReport())
}

func TestRun_DetectsTamperedBalance(t *testing.T) {
	e := newEnv(t)
	e.heldOrder(t)

	w, err := e.ledger.GetWallet(context.Background(), "buyer_1")
	require.NoError(t, err)
	e.ledgerStore.SetBalance(w.ID, w.Balance+500)

	report, err := e.recon.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	require.Len(t, report.Mismatches, 1)
	m := report.Mismatches[0]
	assert.Equal(t, w.ID, m.WalletID)
	assert.Equal(t, "balance", m.Field)
	assert.Equal(t, int64(38500), m.Stored)
	assert.Equal(t, int64(38000), m.Replayed)
}

func TestRun_HealthyUnderConcurrentPostings(t *testing.T) {
	e := newEnv(t)
	e.heldOrder(t)
	ctx := context.Background()

	w, err := e.ledger.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)

	done := make(chan struct{})
	var posted atomic.Int32
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, err := e.ledger.AddFunds(ctx, w.ID, 100, fmt.Sprintf("TOPUP-LIVE-%d", i), "")
			if err != nil {
				return
			}
			posted.Add(1)
		}
	}()

	for i := 0; i < 25; i++ {
		report, err := e.recon.Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Mismatches, "run %d", i)
	}
	<-done
	assert.Equal(t, int32(500), posted.Load())

	report, err := e.recon.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

func TestRun_ResettlesLostCredit(t *testing.T) {
	e := newEnv(t)
	o := e.heldOrder(t)
	ctx := context.Background()

	e.flaky.ref.Store(escrow.ReleaseReference(o.ID))
	e.flaky.failures.Store(1)
	_, err := e.escrow.Release(ctx, escrow.Actor{ID: "buyer_1", Role: escrow.RoleBuyer}, o.ID, "vendor_1", 12000)
	require.Error(t, err)

	stored, err := e.orderStore.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, orders.PaymentReleased, stored.PaymentStatus)
	vendor, err := e.ledger.GetWallet(ctx, "vendor_1")
	require.NoError(t, err)
	require.Zero(t, vendor.Balance)

	report, err := e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, report.Resettled)
	assert.Empty(t, report.ResettleFailures)

	vendor, err = e.ledger.GetWallet(ctx, "vendor_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), vendor.Balance)

	// second pass finds nothing left to do
	report, err = e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Resettled)
	assert.True(t, report.Healthy())
}

func TestRun_ReportsResettleFailure(t *testing.T) {
	e := newEnv(t)
	o := e.heldOrder(t)
	ctx := context.Background()

	e.flaky.ref.Store(escrow.RefundReference(o.ID))
	e.flaky.failures.Store(2)
	_, err := e.escrow.Refund(ctx, escrow.System(), o.ID, "buyer_1", 12000)
	require.Error(t, err)

	report, err := e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, report.ResettleFailures)
	assert.False(t, report.Healthy())
}

func TestRun_ReportsHeldOrderWithoutDebit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	o, err := e.orders.Place(ctx, orders.PlaceRequest{
		BuyerID:  "buyer_2",
		VendorID: "vendor_1",
		Items:    []orders.Item{{ProductID: "prd_1", Name: "Kente", Quantity: 1, UnitPrice: 9000}},
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = e.orderStore.CompareAndSetPayment(ctx, o.ID, orders.PaymentPending, orders.PaymentChange{
		To:              orders.PaymentHeld,
		EscrowAmount:    9000,
		EscrowReference: escrow.HoldReference(o.ID),
		HeldAt:          &now,
	})
	require.NoError(t, err)

	report, err := e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, report.MissingHolds)
}

func TestRun_ReversesStrandedHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	w, err := e.ledger.EnsureWallet(ctx, "buyer_1", ledger.OwnerBuyer)
	require.NoError(t, err)
	_, err = e.ledger.AddFunds(ctx, w.ID, 20000, "TOPUP-1", "top up")
	require.NoError(t, err)
	o, err := e.orders.Place(ctx, orders.PlaceRequest{
		BuyerID:  "buyer_1",
		VendorID: "vendor_1",
		Items:    []orders.Item{{ProductID: "prd_1", Name: "Adire", Quantity: 1, UnitPrice: 12000}},
	})
	require.NoError(t, err)

	// The debit landed but the order never reached held, then the buyer
	// walked away.
	_, err = e.ledger.DeductFunds(ctx, w.ID, 12000, escrow.HoldReference(o.ID), "escrow hold")
	require.NoError(t, err)
	_, err = e.orders.UpdateStatus(ctx, orders.Actor{ID: "buyer_1", Role: orders.RoleBuyer}, o.ID, orders.StatusCancelled)
	require.NoError(t, err)

	report, err := e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, report.ReversedHolds)
	assert.Empty(t, report.StrandedHolds)
	assert.True(t, report.Healthy())

	got, err := e.ledger.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), got.Balance)

	report, err = e.recon.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.ReversedHolds, "a reversed hold is not touched again")
}

func TestRun_ReportsStrandedHoldWithoutResettler(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	recon := NewService(e.ledgerStore, e.orderStore, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w, err := e.ledger.EnsureWallet(ctx, "buyer_1", ledger.OwnerBuyer)
	require.NoError(t, err)
	_, err = e.ledger.AddFunds(ctx, w.ID, 20000, "TOPUP-1", "top up")
	require.NoError(t, err)
	o, err := e.orders.Place(ctx, orders.PlaceRequest{
		BuyerID:  "buyer_1",
		VendorID: "vendor_1",
		Items:    []orders.Item{{Name: "Adire", Quantity: 1, UnitPrice: 12000}},
	})
	require.NoError(t, err)
	_, err = e.ledger.DeductFunds(ctx, w.ID, 12000, escrow.HoldReference(o.ID), "escrow hold")
	require.NoError(t, err)
	_, err = e.orders.UpdateStatus(ctx, orders.Actor{ID: "vendor_1", Role: orders.RoleVendor}, o.ID, orders.StatusCancelled)
	require.NoError(t, err)

	report, err := recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, report.StrandedHolds)
	assert.False(t, report.Healthy())
}

func TestRun_RejectsOverlap(t *testing.T) {
	e := newEnv(t)
	e.recon.running.Lock()
	defer e.recon.running.Unlock()

	_, err := e.recon.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestNewScheduler(t *testing.T) {
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewScheduler(e.recon, "every now and then", logger)
	assert.Error(t, err)

	s, err := NewScheduler(e.recon, "", logger)
	require.NoError(t, err)
	assert.False(t, s.Running())

	s.Start(context.Background())
	assert.True(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())

	s.RunOnce(context.Background())
	assert.NotNil(t, e.recon.LastReport())
}

func TestHandler_RunAndLast(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := newEnv(t)
	r := gin.New()
	NewHandler(e.recon, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	e.heldOrder(t)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/runs", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Report  Report `json:"report"`
		Healthy bool   `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 1, body.Report.WalletsChecked)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
