package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/marketledger/internal/idgen"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/tracking"
)

// CreateStorefrontRequest is the input to CreateStorefront.
type CreateStorefrontRequest struct {
	VendorID    string `json:"vendorId" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CreateProductRequest is the input to CreateProduct. StoreID is optional.
type CreateProductRequest struct {
	VendorID string `json:"vendorId" binding:"required"`
	StoreID  string `json:"storeId"`
	Name     string `json:"name" binding:"required"`
	Price    int64  `json:"price"`
	Stock    int    `json:"stock"`
}

// Service manages storefronts, products and their counters.
type Service struct {
	store  Store
	ids    tracking.Issuer
	logger *slog.Logger
}

// NewService creates a catalog service.
func NewService(store Store, ids tracking.Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ids: ids, logger: logger}
}

// Store exposes the underlying store for lookups.
func (s *Service) Store() Store {
	return s.store
}

// CreateStorefront opens a storefront with an STO tracking ID and a
// shareable link derived from it.
func (s *Service) CreateStorefront(ctx context.Context, req CreateStorefrontRequest) (*Storefront, error) {
	if strings.TrimSpace(req.VendorID) == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: vendor and name are required", ErrInvalidStore)
	}

	now := time.Now().UTC()
	sf := &Storefront{
		ID:          idgen.WithPrefix("sto_"),
		VendorID:    req.VendorID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Category:    req.Category,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.ids.Assign(ctx, tracking.Store, func(id tracking.ID) error {
		sf.TrackingID = id.String()
		sf.ShareableLink = "/store/" + sf.TrackingID
		return s.store.CreateStorefront(ctx, sf)
	}); err != nil {
		return nil, fmt.Errorf("create storefront: %w", err)
	}

	s.logger.Info("storefront created", "store", sf.ID, "trackingId", sf.TrackingID, "vendor", sf.VendorID)
	return sf, nil
}

// CreateProduct lists a product with a PRD tracking number, optionally
// inside one of the vendor's storefronts.
func (s *Service) CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error) {
	if strings.TrimSpace(req.VendorID) == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: vendor and name are required", ErrInvalidProduct)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", ErrInvalidProduct)
	}
	if req.StoreID != "" {
		if err := s.checkOwner(ctx, req.StoreID, req.VendorID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	p := &Product{
		ID:        idgen.WithPrefix("prd_"),
		VendorID:  req.VendorID,
		StoreID:   req.StoreID,
		Name:      strings.TrimSpace(req.Name),
		Price:     req.Price,
		Stock:     req.Stock,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.ids.Assign(ctx, tracking.Product, func(id tracking.ID) error {
		p.TrackingNumber = id.String()
		return s.store.CreateProduct(ctx, p)
	}); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	if p.StoreID != "" {
		if err := s.store.AddStoreProducts(ctx, p.StoreID, 1); err != nil {
			s.logger.Warn("storefront product count not updated", "store", p.StoreID, "product", p.ID, "error", err)
		}
	}
	s.logger.Info("product created", "product", p.ID, "trackingNumber", p.TrackingNumber, "vendor", p.VendorID)
	return p, nil
}

// AssignProduct moves a product into a storefront owned by the same vendor.
// Reassigning to the current storefront is a no-op. A non-empty actingVendor
// must own the product.
func (s *Service) AssignProduct(ctx context.Context, actingVendor, productID, storeID string) (*Product, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if actingVendor != "" && p.VendorID != actingVendor {
		return nil, fmt.Errorf("product %w", ErrNotOwner)
	}
	if p.StoreID == storeID {
		return p, nil
	}
	if err := s.checkOwner(ctx, storeID, p.VendorID); err != nil {
		return nil, err
	}

	updated, err := s.store.SetProductStore(ctx, productID, storeID)
	if err != nil {
		return nil, err
	}
	if p.StoreID != "" {
		if err := s.store.AddStoreProducts(ctx, p.StoreID, -1); err != nil {
			s.logger.Warn("storefront product count not updated", "store", p.StoreID, "error", err)
		}
	}
	if err := s.store.AddStoreProducts(ctx, storeID, 1); err != nil {
		s.logger.Warn("storefront product count not updated", "store", storeID, "error", err)
	}
	return updated, nil
}

// GetStorefront resolves a storefront by internal ID or STO tracking ID.
func (s *Service) GetStorefront(ctx context.Context, ref string) (*Storefront, error) {
	if id, err := tracking.ParseAs(tracking.Store, ref); err == nil {
		return s.store.GetStorefrontByTrackingID(ctx, id.String())
	}
	return s.store.GetStorefront(ctx, ref)
}

// GetProduct resolves a product by internal ID or PRD tracking number.
func (s *Service) GetProduct(ctx context.Context, ref string) (*Product, error) {
	if id, err := tracking.ParseAs(tracking.Product, ref); err == nil {
		return s.store.GetProductByTrackingNumber(ctx, id.String())
	}
	return s.store.GetProduct(ctx, ref)
}

// GetStorefrontBySlug resolves a storefront from its name slug.
func (s *Service) GetStorefrontBySlug(ctx context.Context, slug string) (*Storefront, error) {
	slug = strings.Trim(Slug(slug), "-")
	if slug == "" {
		return nil, fmt.Errorf("%w: slug is required", ErrInvalidStore)
	}
	return s.store.GetStorefrontBySlug(ctx, slug)
}

// ListStoreProducts returns a storefront's active products, newest first.
// ref may be an internal ID or an STO tracking ID.
func (s *Service) ListStoreProducts(ctx context.Context, ref string, limit int) ([]*Product, error) {
	sf, err := s.GetStorefront(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListProductsByStore(ctx, sf.ID, pagination.ClampLimit(limit))
}

// UpdateStock sets a product's stock level. A non-empty actingVendor must
// own the product.
func (s *Service) UpdateStock(ctx context.Context, actingVendor, productRef string, stock int) (*Product, error) {
	if stock < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", ErrInvalidProduct)
	}
	p, err := s.GetProduct(ctx, productRef)
	if err != nil {
		return nil, err
	}
	if actingVendor != "" && p.VendorID != actingVendor {
		return nil, fmt.Errorf("product %w", ErrNotOwner)
	}
	updated, err := s.store.SetStock(ctx, p.ID, stock)
	if err != nil {
		return nil, err
	}
	s.logger.Info("product stock updated", "product", p.ID, "from", p.Stock, "to", stock)
	return updated, nil
}

// ReserveStock takes quantity units for an order. ok is false when the
// product is unknown or short. It satisfies orders.StockKeeper.
func (s *Service) ReserveStock(ctx context.Context, productID string, quantity int) (bool, error) {
	_, err := s.store.AdjustStock(ctx, productID, -quantity)
	if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrProductNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ReleaseStock returns units taken by ReserveStock.
func (s *Service) ReleaseStock(ctx context.Context, productID string, quantity int) error {
	_, err := s.store.AdjustStock(ctx, productID, quantity)
	return err
}

func (s *Service) ListStorefronts(ctx context.Context, vendorID string) ([]*Storefront, error) {
	return s.store.ListStorefrontsByVendor(ctx, vendorID)
}

func (s *Service) ListProducts(ctx context.Context, vendorID string) ([]*Product, error) {
	return s.store.ListProductsByVendor(ctx, vendorID)
}

// RecordView bumps a product's view counter.
func (s *Service) RecordView(ctx context.Context, productID string) error {
	return s.store.AddProductView(ctx, productID)
}

// RecordOrder bumps a product's order count and revenue. It satisfies
// orders.ProductCounters.
func (s *Service) RecordOrder(ctx context.Context, productID string, quantity int, amount int64) error {
	if quantity <= 0 || amount < 0 {
		return fmt.Errorf("%w: bad order counter values", ErrInvalidProduct)
	}
	return s.store.AddProductOrder(ctx, productID, amount, time.Now().UTC())
}

// RecordStoreSale bumps a storefront's order count and revenue after escrow
// releases funds to its vendor.
func (s *Service) RecordStoreSale(ctx context.Context, storeID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative sale amount", ErrInvalidStore)
	}
	return s.store.AddStoreSale(ctx, storeID, amount)
}

func (s *Service) checkOwner(ctx context.Context, storeID, vendorID string) error {
	sf, err := s.store.GetStorefront(ctx, storeID)
	if err != nil {
		return err
	}
	if sf.VendorID != vendorID {
		return fmt.Errorf("storefront %w", ErrNotOwner)
	}
	return nil
}

// StorefrontChecker reports tracking ID usage in the storefront namespace.
func StorefrontChecker(store Store) tracking.Checker {
	return tracking.CheckerFunc(func(ctx context.Context, id tracking.ID) (bool, error) {
		_, err := store.GetStorefrontByTrackingID(ctx, id.String())
		if errors.Is(err, ErrStoreNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}

// ProductChecker reports tracking number usage in the product namespace.
func ProductChecker(store Store) tracking.Checker {
	return tracking.CheckerFunc(func(ctx context.Context, id tracking.ID) (bool, error) {
		_, err := store.GetProductByTrackingNumber(ctx, id.String())
		if errors.Is(err, ErrProductNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}
