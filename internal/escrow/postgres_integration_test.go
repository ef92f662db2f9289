//go:build integration

package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/testutil"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := tracking.NewGenerator()

	lstore := ledger.NewPostgresStore(db)
	gen.Register(tracking.Wallet, ledger.Checker(lstore))
	lsvc := ledger.NewService(lstore, gen, logger)

	ostore := orders.NewPostgresStore(db)
	gen.Register(tracking.Order, orders.Checker(ostore))
	osvc := orders.NewService(ostore, gen, logger)

	events := &recordingNotifier{}
	return &fixture{
		svc:    NewService(lsvc, ostore, logger).WithNotifier(events),
		ledger: lsvc,
		orders: osvc,
		events: events,
	}
}

func (f *fixture) placeUnassigned(t *testing.T, amount int64) *orders.Order {
	t.Helper()
	o, err := f.orders.Place(context.Background(), orders.PlaceRequest{
		BuyerID:  "buyer_1",
		VendorID: "vendor_1",
		Items:    []orders.Item{{ProductID: "prd_1", Name: "Fabric", Quantity: 1, UnitPrice: amount}},
	})
	require.NoError(t, err)
	return o
}

func TestPostgres_HoldRelease(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer_1", 50000)
	o := f.placeUnassigned(t, 21000)

	_, err := f.svc.Hold(ctx, buyer(), o.ID, "buyer_1", 21000)
	require.NoError(t, err)
	assert.Equal(t, int64(29000), f.balance(t, "buyer_1"))

	res, err := f.svc.Release(ctx, buyer(), o.ID, "vendor_1", 21000)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentReleased, res.Order.PaymentStatus)
	assert.Equal(t, orders.StatusCompleted, res.Order.Status)
	assert.Equal(t, int64(21000), f.balance(t, "vendor_1"))
	require.Len(t, res.Order.StatusHistory, 2)
	assert.Equal(t, orders.StatusPending, res.Order.StatusHistory[0].To)
	assert.Equal(t, orders.StatusCompleted, res.Order.StatusHistory[1].To)
	assert.Equal(t, "buyer_1", res.Order.StatusHistory[1].ActorID)

	_, err = f.svc.Refund(ctx, buyer(), o.ID, "buyer_1", 21000)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostgres_ConcurrentSettleSingleWinner(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	f.fund(t, "buyer_1", 50000)
	o := f.placeUnassigned(t, 10000)
	_, err := f.svc.Hold(ctx, buyer(), o.ID, "buyer_1", 10000)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		released atomic.Int32
		refunded atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.Release(ctx, buyer(), o.ID, "vendor_1", 10000)
				if err == nil {
					released.Add(1)
				}
			} else {
				_, err = f.svc.Refund(ctx, System(), o.ID, "buyer_1", 10000)
				if err == nil {
					refunded.Add(1)
				}
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.True(t, released.Load() == 0 || refunded.Load() == 0, "both legs succeeded")
	st, err := f.svc.Status(ctx, o.ID)
	require.NoError(t, err)
	if st.PaymentStatus == orders.PaymentReleased {
		assert.Equal(t, int64(10000), f.balance(t, "vendor_1"))
		assert.Equal(t, int64(40000), f.balance(t, "buyer_1"))
	} else {
		assert.Equal(t, orders.PaymentRefunded, st.PaymentStatus)
		assert.Equal(t, int64(50000), f.balance(t, "buyer_1"))
	}
}
