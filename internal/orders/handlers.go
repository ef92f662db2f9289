package orders

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for orders
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes. Writes need a caller identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.Get)

	g := r.Group("", auth.RequireIdentity())
	g.POST("/orders", h.Place)
	g.POST("/orders/:id/status", h.UpdateStatus)
	g.POST("/orders/:id/shipping", h.UpdateShipping)
}

func actor(c *gin.Context) Actor {
	ident, _ := auth.GetIdentity(c)
	return Actor{ID: ident.ID, Role: ident.Role}
}

// Place handles POST /orders
func (h *Handler) Place(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerId, vendorId and items are required"})
		return
	}
	if errs := validation.Validate(
		validation.OwnerID("buyerId", req.BuyerID),
		validation.OwnerID("vendorId", req.VendorID),
		validation.MaxLength("storeId", req.StoreID, 128),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	o, err := h.service.PlaceAs(c.Request.Context(), actor(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// Get handles GET /orders/:id. The id may also be an ORD tracking number.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")

	var (
		o   *Order
		err error
	)
	if _, perr := tracking.ParseAs(tracking.Order, id); perr == nil {
		o, err = h.service.GetByTrackingNumber(c.Request.Context(), id)
	} else {
		o, err = h.service.Get(c.Request.Context(), id)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// StatusRequest is the body for POST /orders/:id/status
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateStatus handles POST /orders/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	o, err := h.service.UpdateStatus(c.Request.Context(), actor(c), c.Param("id"), Status(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// UpdateShipping handles POST /orders/:id/shipping
func (h *Handler) UpdateShipping(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	o, err := h.service.UpdateShipping(c.Request.Context(), actor(c), c.Param("id"), ShippingStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrOutOfStock):
		c.JSON(http.StatusConflict, gin.H{"error": "out_of_stock", "message": err.Error()})
	case errors.Is(err, ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Order changed concurrently, retry"})
	case errors.Is(err, tracking.ErrIDExhausted):
		h.logger.Error("order tracking number exhausted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_exhausted", "message": "Could not allocate a tracking number"})
	default:
		h.logger.Error("order request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Order operation failed"})
	}
}
