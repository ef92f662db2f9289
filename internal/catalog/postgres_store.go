package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/tracking"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const storefrontColumns = `id, tracking_id, vendor_id, name, description, category, shareable_link,
		       total_products, total_orders, total_revenue, is_active, created_at, updated_at`

const productColumns = `id, tracking_number, vendor_id, store_id, name, price, stock,
		       view_count, order_count, total_revenue, last_ordered_at, is_active, created_at, updated_at`

func (p *PostgresStore) CreateStorefront(ctx context.Context, s *Storefront) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO storefronts (`+storefrontColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.TrackingID, s.VendorID, s.Name, nullString(s.Description), nullString(s.Category), s.ShareableLink,
		s.TotalProducts, s.TotalOrders, s.TotalRevenue, s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "storefronts_tracking_id_key" {
		return tracking.ErrTaken
	}
	return err
}

func (p *PostgresStore) GetStorefront(ctx context.Context, id string) (*Storefront, error) {
	return scanStorefront(p.db.QueryRowContext(ctx,
		`SELECT `+storefrontColumns+` FROM storefronts WHERE id = $1`, id))
}

func (p *PostgresStore) GetStorefrontByTrackingID(ctx context.Context, trackingID string) (*Storefront, error) {
	return scanStorefront(p.db.QueryRowContext(ctx,
		`SELECT `+storefrontColumns+` FROM storefronts WHERE tracking_id = $1`, trackingID))
}

func (p *PostgresStore) ListStorefrontsByVendor(ctx context.Context, vendorID string) ([]*Storefront, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+storefrontColumns+` FROM storefronts WHERE vendor_id = $1 ORDER BY created_at DESC`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Storefront
	for rows.Next() {
		s, err := scanStorefront(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStorefrontBySlug matches on the slug expression of the name, the same
// transform Slug applies.
func (p *PostgresStore) GetStorefrontBySlug(ctx context.Context, slug string) (*Storefront, error) {
	return scanStorefront(p.db.QueryRowContext(ctx, `
		SELECT `+storefrontColumns+` FROM storefronts
		WHERE trim(both '-' from regexp_replace(lower(name), '[^a-z0-9]+', '-', 'g')) = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, slug))
}

func (p *PostgresStore) CreateProduct(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pr.ID, pr.TrackingNumber, pr.VendorID, nullString(pr.StoreID), pr.Name, pr.Price, pr.Stock,
		pr.ViewCount, pr.OrderCount, pr.TotalRevenue, nullTime(pr.LastOrderedAt), pr.IsActive, pr.CreatedAt, pr.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok {
		switch {
		case pqErr.Code == "23505" && pqErr.Constraint == "products_tracking_number_key":
			return tracking.ErrTaken
		case pqErr.Code == "23503":
			return ErrStoreNotFound
		}
	}
	return err
}

func (p *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

func (p *PostgresStore) GetProductByTrackingNumber(ctx context.Context, trackingNumber string) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE tracking_number = $1`, trackingNumber))
}

func (p *PostgresStore) ListProductsByVendor(ctx context.Context, vendorID string) ([]*Product, error) {
	return p.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products WHERE vendor_id = $1 ORDER BY created_at DESC`, vendorID)
}

func (p *PostgresStore) ListProductsByStore(ctx context.Context, storeID string, limit int) ([]*Product, error) {
	return p.queryProducts(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE store_id = $1 AND is_active
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, storeID, limit)
}

func (p *PostgresStore) queryProducts(ctx context.Context, q string, args ...interface{}) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetStock(ctx context.Context, productID string, stock int) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET stock = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+productColumns, productID, stock))
}

// AdjustStock is a single guarded UPDATE so concurrent reservations cannot
// oversell.
func (p *PostgresStore) AdjustStock(ctx context.Context, productID string, delta int) (*Product, error) {
	pr, err := scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING `+productColumns, productID, delta))
	if !errors.Is(err, ErrProductNotFound) {
		return pr, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrOutOfStock
	}
	return nil, ErrProductNotFound
}

func (p *PostgresStore) SetProductStore(ctx context.Context, productID, storeID string) (*Product, error) {
	pr, err := scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET store_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+productColumns, productID, storeID))
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return nil, ErrStoreNotFound
	}
	return pr, err
}

func (p *PostgresStore) AddStoreProducts(ctx context.Context, storeID string, delta int64) error {
	return p.execOne(ctx, ErrStoreNotFound, `
		UPDATE storefronts SET total_products = GREATEST(total_products + $2, 0), updated_at = NOW()
		WHERE id = $1`, storeID, delta)
}

func (p *PostgresStore) AddStoreSale(ctx context.Context, storeID string, amount int64) error {
	return p.execOne(ctx, ErrStoreNotFound, `
		UPDATE storefronts SET total_orders = total_orders + 1, total_revenue = total_revenue + $2, updated_at = NOW()
		WHERE id = $1`, storeID, amount)
}

func (p *PostgresStore) AddProductView(ctx context.Context, productID string) error {
	return p.execOne(ctx, ErrProductNotFound,
		`UPDATE products SET view_count = view_count + 1 WHERE id = $1`, productID)
}

func (p *PostgresStore) AddProductOrder(ctx context.Context, productID string, amount int64, at time.Time) error {
	return p.execOne(ctx, ErrProductNotFound, `
		UPDATE products SET
			order_count     = order_count + 1,
			total_revenue   = total_revenue + $2,
			last_ordered_at = $3,
			updated_at      = $3
		WHERE id = $1`, productID, amount, at)
}

// execOne runs an UPDATE and maps zero affected rows to notFound.
func (p *PostgresStore) execOne(ctx context.Context, notFound error, q string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStorefront(sc scanner) (*Storefront, error) {
	s := &Storefront{}
	var description, category sql.NullString
	err := sc.Scan(&s.ID, &s.TrackingID, &s.VendorID, &s.Name, &description, &category, &s.ShareableLink,
		&s.TotalProducts, &s.TotalOrders, &s.TotalRevenue, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.Category = category.String
	return s, nil
}

func scanProduct(sc scanner) (*Product, error) {
	pr := &Product{}
	var (
		storeID       sql.NullString
		lastOrderedAt sql.NullTime
	)
	err := sc.Scan(&pr.ID, &pr.TrackingNumber, &pr.VendorID, &storeID, &pr.Name, &pr.Price, &pr.Stock,
		&pr.ViewCount, &pr.OrderCount, &pr.TotalRevenue, &lastOrderedAt, &pr.IsActive, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.StoreID = storeID.String
	if lastOrderedAt.Valid {
		t := lastOrderedAt.Time
		pr.LastOrderedAt = &t
	}
	return pr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
