// Package catalog holds storefronts and products. Both carry tracking IDs and
// aggregate counters that order and escrow flows bump on a best-effort basis.
package catalog

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrStoreNotFound   = errors.New("storefront not found")
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidStore    = errors.New("invalid storefront")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrNotOwner        = errors.New("belongs to another vendor")
	ErrOutOfStock      = errors.New("not enough stock")
)

var slugJunk = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives the URL slug for a storefront name: lowercase, with every run
// of non-alphanumerics collapsed to a single dash.
func Slug(name string) string {
	return slugJunk.ReplaceAllString(strings.ToLower(name), "-")
}

// Storefront is a vendor's shop. TotalOrders and TotalRevenue move when
// escrow releases funds for one of its orders.
type Storefront struct {
	ID            string    `json:"id"`
	TrackingID    string    `json:"trackingId"`
	VendorID      string    `json:"vendorId"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Category      string    `json:"category,omitempty"`
	ShareableLink string    `json:"shareableLink"`
	TotalProducts int64     `json:"totalProducts"`
	TotalOrders   int64     `json:"totalOrders"`
	TotalRevenue  int64     `json:"totalRevenue"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Product is a listed item. Price is in minor units.
type Product struct {
	ID             string     `json:"id"`
	TrackingNumber string     `json:"trackingNumber"`
	VendorID       string     `json:"vendorId"`
	StoreID        string     `json:"storeId,omitempty"`
	Name           string     `json:"name"`
	Price          int64      `json:"price"`
	Stock          int        `json:"stock"`
	ViewCount      int64      `json:"viewCount"`
	OrderCount     int64      `json:"orderCount"`
	TotalRevenue   int64      `json:"totalRevenue"`
	LastOrderedAt  *time.Time `json:"lastOrderedAt,omitempty"`
	IsActive       bool       `json:"isActive"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store persists storefronts and products. Counter methods must be atomic
// increments; callers never read-modify-write them.
type Store interface {
	CreateStorefront(ctx context.Context, s *Storefront) error
	GetStorefront(ctx context.Context, id string) (*Storefront, error)
	GetStorefrontByTrackingID(ctx context.Context, trackingID string) (*Storefront, error)
	ListStorefrontsByVendor(ctx context.Context, vendorID string) ([]*Storefront, error)
	// GetStorefrontBySlug returns the oldest storefront whose name slugs to slug.
	GetStorefrontBySlug(ctx context.Context, slug string) (*Storefront, error)

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProductByTrackingNumber(ctx context.Context, trackingNumber string) (*Product, error)
	ListProductsByVendor(ctx context.Context, vendorID string) ([]*Product, error)
	ListProductsByStore(ctx context.Context, storeID string, limit int) ([]*Product, error)
	SetProductStore(ctx context.Context, productID, storeID string) (*Product, error)
	SetStock(ctx context.Context, productID string, stock int) (*Product, error)
	// AdjustStock adds delta to a product's stock, failing with ErrOutOfStock
	// rather than going below zero.
	AdjustStock(ctx context.Context, productID string, delta int) (*Product, error)

	AddStoreProducts(ctx context.Context, storeID string, delta int64) error
	AddStoreSale(ctx context.Context, storeID string, amount int64) error
	AddProductView(ctx context.Context, productID string) error
	AddProductOrder(ctx context.Context, productID string, amount int64, at time.Time) error
}
