package orders

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderCols = []string{"id", "tracking_number", "buyer_id", "vendor_id", "store_id", "items", "total_amount", "currency",
	"status", "payment_status", "shipping_status", "escrow_amount", "escrow_reference",
	"held_at", "resolved_at", "status_history", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func orderRow(payment, status string) *sqlmock.Rows {
	return orderRowWithHistory(payment, status, `[]`)
}

func orderRowWithHistory(payment, status, history string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(orderCols).AddRow(
		"ord_1", "ORD-2024-ABCDEF", "buyer_1", "vendor_1", nil,
		[]byte(`[{"productId":"prd_1","name":"Fabric","quantity":1,"unitPrice":21000}]`),
		int64(21000), "NGN", status, payment, "pending", int64(21000), "ESCROW-HOLD-ord_1",
		now, nil, []byte(history), now, now,
	)
}

func TestPostgresStore_CompareAndSetPayment(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND payment_status = $2")).
		WithArgs("ord_1", "held", "released", "completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnRows(orderRowWithHistory("released", "completed",
			`[{"from":"delivered","to":"completed","actorId":"buyer_1","actorRole":"buyer","at":"2024-05-01T10:00:00Z"}]`))

	o, err := store.CompareAndSetPayment(context.Background(), "ord_1", PaymentHeld, PaymentChange{
		To: PaymentReleased, Status: StatusCompleted, ResolvedAt: &now,
		History: &StatusChange{From: StatusDelivered, To: StatusCompleted, ActorID: "buyer_1", ActorRole: RoleBuyer, At: now},
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentReleased, o.PaymentStatus)
	assert.Equal(t, StatusCompleted, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, int64(21000), o.Items[0].UnitPrice)
	assert.Empty(t, o.StoreID)
	assert.NotNil(t, o.HeldAt)
	assert.Nil(t, o.ResolvedAt)
	require.Len(t, o.StatusHistory, 1)
	assert.Equal(t, "buyer_1", o.StatusHistory[0].ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSetPaymentConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND payment_status = $2")).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)")).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.CompareAndSetPayment(context.Background(), "ord_1", PaymentHeld, PaymentChange{To: PaymentRefunded})
	assert.ErrorIs(t, err, ErrConflict)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND payment_status = $2")).
		WillReturnRows(sqlmock.NewRows(orderCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = store.CompareAndSetPayment(context.Background(), "ghost", PaymentHeld, PaymentChange{To: PaymentRefunded})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSetStatusGuard(t *testing.T) {
	store, mock := newMockStore(t)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	change := StatusChange{From: StatusPending, To: StatusProcessing, ActorID: "vendor_1", ActorRole: RoleVendor, At: at}
	entry := `[{"from":"pending","to":"processing","actorId":"vendor_1","actorRole":"vendor","at":"2024-05-01T10:00:00Z"}]`

	mock.ExpectQuery(regexp.QuoteMeta("status_history = status_history || $5::jsonb")).
		WithArgs("ord_1", "pending", "processing", pq.StringArray{"held"}, entry).
		WillReturnRows(orderRowWithHistory("held", "processing", entry))

	o, err := store.CompareAndSetStatus(context.Background(), "ord_1", change, PaymentHeld)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, []StatusChange{change}, o.StatusHistory)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateTrackingCollision(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "orders_tracking_number_key"})

	err := store.Create(context.Background(), &Order{ID: "ord_1", TrackingNumber: "ORD-2024-ABCDEF"})
	assert.ErrorIs(t, err, tracking.ErrTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}
