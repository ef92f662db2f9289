package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/tracking"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, tracking_number, buyer_id, vendor_id, store_id, items, total_amount, currency,
		       status, payment_status, shipping_status, escrow_amount, escrow_reference,
		       held_at, resolved_at, status_history, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	history, err := encodeHistory(o.StatusHistory...)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.TrackingNumber, o.BuyerID, o.VendorID, nullString(o.StoreID), items, o.TotalAmount, o.Currency,
		string(o.Status), string(o.PaymentStatus), string(o.ShippingStatus), o.EscrowAmount,
		nullString(o.EscrowReference), nullTime(o.HeldAt), nullTime(o.ResolvedAt), history, o.CreatedAt, o.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if pqErr.Constraint == "orders_tracking_number_key" {
			return tracking.ErrTaken
		}
		return fmt.Errorf("%w: duplicate order id", ErrInvalidOrder)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE tracking_number = $1`, trackingNumber))
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, buyerID, limit)
}

func (p *PostgresStore) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE vendor_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, vendorID, limit)
}

func (p *PostgresStore) ListByPaymentStatus(ctx context.Context, statuses ...PaymentStatus) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_status = ANY($1)
		ORDER BY created_at DESC, id DESC`, pq.StringArray(paymentStrings(statuses)))
}

// CompareAndSetPayment updates the payment state only if it still equals
// expected. Optional fields are merged with COALESCE so an empty change
// field keeps the stored value.
func (p *PostgresStore) CompareAndSetPayment(ctx context.Context, id string, expected PaymentStatus, change PaymentChange) (*Order, error) {
	var escrowAmount sql.NullInt64
	if change.EscrowAmount > 0 {
		escrowAmount = sql.NullInt64{Int64: change.EscrowAmount, Valid: true}
	}
	var history interface{}
	if change.History != nil {
		h, err := encodeHistory(*change.History)
		if err != nil {
			return nil, err
		}
		history = h
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET
			payment_status   = $3,
			status           = COALESCE($4, status),
			escrow_amount    = COALESCE($5, escrow_amount),
			escrow_reference = COALESCE($6, escrow_reference),
			held_at          = COALESCE($7, held_at),
			resolved_at      = COALESCE($8, resolved_at),
			status_history   = status_history || COALESCE($10::jsonb, '[]'::jsonb),
			updated_at       = NOW()
		WHERE id = $1 AND payment_status = $2
		  AND ($9::text[] IS NULL OR status = ANY($9::text[]))
		RETURNING `+orderColumns,
		id, string(expected), string(change.To), nullString(string(change.Status)), escrowAmount,
		nullString(change.EscrowReference), nullTime(change.HeldAt), nullTime(change.ResolvedAt),
		statusGuard(change.StatusIn), history,
	)
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, p.missOrConflict(ctx, id)
	}
	return o, err
}

// CompareAndSetStatus moves status and appends change to the history in
// the same UPDATE.
func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, change StatusChange, paymentIn ...PaymentStatus) (*Order, error) {
	var guard interface{}
	if len(paymentIn) > 0 {
		guard = pq.StringArray(paymentStrings(paymentIn))
	}
	history, err := encodeHistory(change)
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET status = $3, status_history = status_history || $5::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $2
		  AND ($4::text[] IS NULL OR payment_status = ANY($4::text[]))
		RETURNING `+orderColumns,
		id, string(change.From), string(change.To), guard, history,
	)
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, p.missOrConflict(ctx, id)
	}
	return o, err
}

func (p *PostgresStore) CompareAndSetShipping(ctx context.Context, id string, from, to ShippingStatus) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders SET shipping_status = $3, updated_at = NOW()
		WHERE id = $1 AND shipping_status = $2
		RETURNING `+orderColumns,
		id, string(from), string(to),
	)
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, p.missOrConflict(ctx, id)
	}
	return o, err
}

// missOrConflict distinguishes a missing order from a failed precondition
// after a conditional UPDATE matched no rows.
func (p *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		storeID         sql.NullString
		items           []byte
		history         []byte
		status          string
		paymentStatus   string
		shippingStatus  string
		escrowReference sql.NullString
		heldAt          sql.NullTime
		resolvedAt      sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.TrackingNumber, &o.BuyerID, &o.VendorID, &storeID, &items, &o.TotalAmount, &o.Currency,
		&status, &paymentStatus, &shippingStatus, &o.EscrowAmount, &escrowReference,
		&heldAt, &resolvedAt, &history, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items for order %s: %w", o.ID, err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode status history for order %s: %w", o.ID, err)
		}
	}
	o.StoreID = storeID.String
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	o.ShippingStatus = ShippingStatus(shippingStatus)
	o.EscrowReference = escrowReference.String
	if heldAt.Valid {
		t := heldAt.Time
		o.HeldAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	return o, nil
}

// encodeHistory renders status changes as a JSON array for jsonb concatenation.
func encodeHistory(changes ...StatusChange) (string, error) {
	if changes == nil {
		changes = []StatusChange{}
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("encode status history: %w", err)
	}
	return string(b), nil
}

func statusGuard(statuses []Status) interface{} {
	if len(statuses) == 0 {
		return nil
	}
	out := make(pq.StringArray, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func paymentStrings(ps []PaymentStatus) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
