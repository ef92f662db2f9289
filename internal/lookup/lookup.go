// Package lookup resolves an opaque tracking ID to the entity that owns it.
//
// A well-formed ID is routed straight to its namespace by prefix. Anything
// else fans out to every finder concurrently. A miss is an empty Result,
// never an error.
package lookup

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/marketledger/internal/catalog"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/traces"
	"github.com/mbd888/marketledger/internal/tracking"
)

// Finders are the per-namespace reads the service fans out to.
type (
	WalletFinder interface {
		GetWalletByTrackingID(ctx context.Context, trackingID string) (*ledger.Wallet, error)
		GetWalletByOwner(ctx context.Context, ownerID string) (*ledger.Wallet, error)
	}
	ProductFinder interface {
		GetProductByTrackingNumber(ctx context.Context, trackingNumber string) (*catalog.Product, error)
		ListProductsByVendor(ctx context.Context, vendorID string) ([]*catalog.Product, error)
	}
	StoreFinder interface {
		GetStorefrontByTrackingID(ctx context.Context, trackingID string) (*catalog.Storefront, error)
		ListStorefrontsByVendor(ctx context.Context, vendorID string) ([]*catalog.Storefront, error)
	}
	OrderFinder interface {
		GetByTrackingNumber(ctx context.Context, trackingNumber string) (*orders.Order, error)
		ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*orders.Order, error)
	}
)

// Result holds whichever entity matched. At most one field is set for a
// parsed ID; a fan-out may in principle fill several.
type Result struct {
	Query   string              `json:"query"`
	Type    string              `json:"type,omitempty"`
	Wallet  *ledger.Wallet      `json:"wallet,omitempty"`
	Product *catalog.Product    `json:"product,omitempty"`
	Store   *catalog.Storefront `json:"store,omitempty"`
	Order   *orders.Order       `json:"order,omitempty"`
}

// Found reports whether any namespace matched.
func (r *Result) Found() bool {
	return r.Wallet != nil || r.Product != nil || r.Store != nil || r.Order != nil
}

// Summary is what a user sees about their own tracked entities.
type Summary struct {
	OwnerID     string                `json:"ownerId"`
	OwnerType   ledger.OwnerType      `json:"ownerType"`
	Wallet      *ledger.Wallet        `json:"wallet,omitempty"`
	Orders      []*orders.Order       `json:"orders,omitempty"`
	Storefronts []*catalog.Storefront `json:"storefronts,omitempty"`
	Products    []*catalog.Product    `json:"products,omitempty"`
}

// summaryOrderLimit caps the buyer's order list in a summary.
const summaryOrderLimit = 20

// Service resolves tracking IDs across namespaces.
type Service struct {
	wallets  WalletFinder
	products ProductFinder
	stores   StoreFinder
	orders   OrderFinder
	logger   *slog.Logger
}

// NewService creates a lookup service.
func NewService(wallets WalletFinder, products ProductFinder, stores StoreFinder, orders OrderFinder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, products: products, stores: stores, orders: orders, logger: logger}
}

// Search resolves raw to an entity.
func (s *Service) Search(ctx context.Context, raw string) (res *Result, err error) {
	query := strings.ToUpper(strings.TrimSpace(raw))
	res = &Result{Query: query}
	if query == "" {
		return res, nil
	}

	ctx, span := traces.StartSpan(ctx, "lookup.search", traces.TrackingID(query))
	defer func() {
		traces.Fail(span, err)
		span.End()
	}()

	if id, err := tracking.Parse(query); err == nil {
		lookupsTotal.WithLabelValues("prefix").Inc()
		return res, s.find(ctx, res, id.Type, id.String())
	}
	query = normalize(query)
	res.Query = query
	if id, err := tracking.Parse(query); err == nil {
		lookupsTotal.WithLabelValues("normalized").Inc()
		return res, s.find(ctx, res, id.Type, id.String())
	}

	lookupsTotal.WithLabelValues("fanout").Inc()
	g, gctx := errgroup.WithContext(ctx)
	partial := make([]Result, len(tracking.EntityTypes))
	for i, t := range tracking.EntityTypes {
		g.Go(func() error {
			partial[i].Query = query
			return s.find(gctx, &partial[i], t, query)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := range partial {
		merge(res, &partial[i])
	}
	return res, nil
}

var separators = strings.NewReplacer(" ", "-", "_", "-")

// normalize turns separator typos such as "ORD 2024_ABCDEF" into the
// canonical dashed form.
func normalize(query string) string {
	query = separators.Replace(query)
	for strings.Contains(query, "--") {
		query = strings.ReplaceAll(query, "--", "-")
	}
	return strings.Trim(query, "-")
}

// find queries one namespace and fills the matching field of res.
func (s *Service) find(ctx context.Context, res *Result, t tracking.EntityType, key string) error {
	var err error
	switch t {
	case tracking.Wallet:
		var w *ledger.Wallet
		if w, err = s.wallets.GetWalletByTrackingID(ctx, key); err == nil {
			res.Wallet = w
		} else if errors.Is(err, ledger.ErrWalletNotFound) {
			err = nil
		}
	case tracking.Product:
		var p *catalog.Product
		if p, err = s.products.GetProductByTrackingNumber(ctx, key); err == nil {
			res.Product = p
		} else if errors.Is(err, catalog.ErrProductNotFound) {
			err = nil
		}
	case tracking.Store:
		var sf *catalog.Storefront
		if sf, err = s.stores.GetStorefrontByTrackingID(ctx, key); err == nil {
			res.Store = sf
		} else if errors.Is(err, catalog.ErrStoreNotFound) {
			err = nil
		}
	case tracking.Order:
		var o *orders.Order
		if o, err = s.orders.GetByTrackingNumber(ctx, key); err == nil {
			res.Order = o
		} else if errors.Is(err, orders.ErrOrderNotFound) {
			err = nil
		}
	}
	if err != nil {
		s.logger.Error("tracking lookup failed", "type", t.String(), "query", key, "error", err)
		return err
	}
	if res.Type == "" && res.Found() {
		res.Type = t.String()
	}
	return nil
}

func merge(dst, src *Result) {
	if src.Wallet != nil {
		dst.Wallet = src.Wallet
	}
	if src.Product != nil {
		dst.Product = src.Product
	}
	if src.Store != nil {
		dst.Store = src.Store
	}
	if src.Order != nil {
		dst.Order = src.Order
	}
	if dst.Type == "" {
		dst.Type = src.Type
	}
}

// Summary lists what an owner tracks. Vendors see their storefronts and
// products, buyers their wallet and recent orders.
func (s *Service) Summary(ctx context.Context, ownerID string, ownerType ledger.OwnerType) (*Summary, error) {
	sum := &Summary{OwnerID: ownerID, OwnerType: ownerType}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := s.wallets.GetWalletByOwner(gctx, ownerID)
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return nil
		}
		sum.Wallet = w
		return err
	})

	switch ownerType {
	case ledger.OwnerVendor:
		g.Go(func() error {
			var err error
			sum.Storefronts, err = s.stores.ListStorefrontsByVendor(gctx, ownerID)
			return err
		})
		g.Go(func() error {
			var err error
			sum.Products, err = s.products.ListProductsByVendor(gctx, ownerID)
			return err
		})
	default:
		g.Go(func() error {
			var err error
			sum.Orders, err = s.orders.ListByBuyer(gctx, ownerID, summaryOrderLimit)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sum, nil
}
