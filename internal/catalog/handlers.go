package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for storefronts and products
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new catalog handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public read routes and vendor-only write routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stores", h.GetStorefrontBySlug)
	r.GET("/stores/:id", h.GetStorefront)
	r.GET("/stores/:id/products", h.ListStoreProducts)
	r.GET("/products/:id", h.GetProduct)
	r.POST("/products/:id/views", h.RecordView)

	g := r.Group("", auth.RequireRole(auth.RoleVendor, auth.RoleAdmin, auth.RoleSystem))
	g.POST("/stores", h.CreateStorefront)
	g.POST("/products", h.CreateProduct)
	g.POST("/products/:id/store", h.AssignProduct)
	g.POST("/products/:id/stock", h.UpdateStock)
}

// actingVendor returns the vendor ID a write must be scoped to, or "" for
// admin and system callers. ok is false when a vendor acts for someone else.
func actingVendor(c *gin.Context, vendorID string) (string, bool) {
	ident, _ := auth.GetIdentity(c)
	if ident.Role != auth.RoleVendor {
		return "", true
	}
	if vendorID != "" && vendorID != ident.ID {
		return "", false
	}
	return ident.ID, true
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Vendors may only manage their own catalog"})
}

// CreateStorefront handles POST /stores
func (h *Handler) CreateStorefront(c *gin.Context) {
	var req CreateStorefrontRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "vendorId and name are required"})
		return
	}
	if errs := validation.Validate(
		validation.OwnerID("vendorId", req.VendorID),
		validation.MaxLength("name", req.Name, 120),
		validation.MaxLength("description", req.Description, 2000),
		validation.MaxLength("category", req.Category, 64),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}
	if _, ok := actingVendor(c, req.VendorID); !ok {
		forbidden(c)
		return
	}
	req.Name = validation.SanitizeString(req.Name, 120)
	req.Description = validation.SanitizeString(req.Description, 2000)

	sf, err := h.service.CreateStorefront(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"store": sf})
}

// GetStorefront handles GET /stores/:id. The id may be an STO tracking ID.
func (h *Handler) GetStorefront(c *gin.Context) {
	sf, err := h.service.GetStorefront(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store": sf})
}

// CreateProduct handles POST /products
func (h *Handler) CreateProduct(c *gin.Context) {
	var req CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "vendorId and name are required"})
		return
	}
	if errs := validation.Validate(
		validation.OwnerID("vendorId", req.VendorID),
		validation.MaxLength("name", req.Name, 200),
		validation.PositiveAmount("price", req.Price),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}
	if _, ok := actingVendor(c, req.VendorID); !ok {
		forbidden(c)
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)

	p, err := h.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": p})
}

// GetProduct handles GET /products/:id. The id may be a PRD tracking number.
func (h *Handler) GetProduct(c *gin.Context) {
	p, err := h.service.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// RecordView handles POST /products/:id/views
func (h *Handler) RecordView(c *gin.Context) {
	if err := h.service.RecordView(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssignRequest is the body for POST /products/:id/store
type AssignRequest struct {
	StoreID string `json:"storeId" binding:"required"`
}

// AssignProduct handles POST /products/:id/store
func (h *Handler) AssignProduct(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "storeId is required"})
		return
	}
	vendor, _ := actingVendor(c, "")
	p, err := h.service.AssignProduct(c.Request.Context(), vendor, c.Param("id"), req.StoreID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// StockRequest is the body for POST /products/:id/stock
type StockRequest struct {
	Stock *int `json:"stock" binding:"required"`
}

// UpdateStock handles POST /products/:id/stock
func (h *Handler) UpdateStock(c *gin.Context) {
	var req StockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "stock is required"})
		return
	}
	vendor, _ := actingVendor(c, "")
	p, err := h.service.UpdateStock(c.Request.Context(), vendor, c.Param("id"), *req.Stock)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// GetStorefrontBySlug handles GET /stores?slug=
func (h *Handler) GetStorefrontBySlug(c *gin.Context) {
	slug := c.Query("slug")
	if slug == "" || len(slug) > 120 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "slug query parameter is required"})
		return
	}
	sf, err := h.service.GetStorefrontBySlug(c.Request.Context(), slug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store": sf})
}

// ListStoreProducts handles GET /stores/:id/products
func (h *Handler) ListStoreProducts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	products, err := h.service.ListStoreProducts(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if products == nil {
		products = []*Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrStoreNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Storefront not found"})
	case errors.Is(err, ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Product not found"})
	case errors.Is(err, ErrInvalidStore), errors.Is(err, ErrInvalidProduct):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrOutOfStock):
		c.JSON(http.StatusConflict, gin.H{"error": "out_of_stock", "message": err.Error()})
	case errors.Is(err, tracking.ErrIDExhausted):
		h.logger.Error("catalog tracking id exhausted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_exhausted", "message": "Could not allocate a tracking id"})
	default:
		h.logger.Error("catalog request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Catalog operation failed"})
	}
}
