package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up escrow routes. Mutating routes need a caller identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/escrow", h.Status)

	g := r.Group("/orders/:id/escrow", auth.RequireIdentity())
	g.POST("/hold", h.Hold)
	g.POST("/release", h.Release)
	g.POST("/refund", h.Refund)
}

// HoldRequest is the body for POST /orders/:id/escrow/hold
type HoldRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

// ReleaseRequest is the body for POST /orders/:id/escrow/release
type ReleaseRequest struct {
	VendorID string `json:"vendorId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

// RefundRequest is the body for POST /orders/:id/escrow/refund
type RefundRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

// Hold handles POST /orders/:id/escrow/hold
func (h *Handler) Hold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerId and amount are required"})
		return
	}
	if !h.validParty(c, "buyerId", req.BuyerID, req.Amount) {
		return
	}
	res, err := h.service.Hold(c.Request.Context(), actorFrom(c), c.Param("id"), req.BuyerID, req.Amount)
	h.respond(c, res, err)
}

// Release handles POST /orders/:id/escrow/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "vendorId and amount are required"})
		return
	}
	if !h.validParty(c, "vendorId", req.VendorID, req.Amount) {
		return
	}
	res, err := h.service.Release(c.Request.Context(), actorFrom(c), c.Param("id"), req.VendorID, req.Amount)
	h.respond(c, res, err)
}

// Refund handles POST /orders/:id/escrow/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerId and amount are required"})
		return
	}
	if !h.validParty(c, "buyerId", req.BuyerID, req.Amount) {
		return
	}
	res, err := h.service.Refund(c.Request.Context(), actorFrom(c), c.Param("id"), req.BuyerID, req.Amount)
	h.respond(c, res, err)
}

// Status handles GET /orders/:id/escrow
func (h *Handler) Status(c *gin.Context) {
	st, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": st})
}

func (h *Handler) validParty(c *gin.Context, field, id string, amount int64) bool {
	if errs := validation.Validate(
		validation.OwnerID(field, id),
		validation.PositiveAmount("amount", amount),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context, res *Result, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	code := http.StatusOK
	if !res.Replayed {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"order": res.Order, "receipt": res.Receipt, "replayed": res.Replayed})
}

func actorFrom(c *gin.Context) Actor {
	ident, _ := auth.GetIdentity(c)
	return Actor{ID: ident.ID, Role: Role(ident.Role)}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Wallet not found"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient wallet balance"})
	case errors.Is(err, ledger.ErrBalanceOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "balance_overflow", "message": err.Error()})
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_mismatch", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ledger.ErrWalletSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_suspended", "message": "Wallet is suspended"})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotSettled):
		h.logger.Error("rejected escrow transition", "order", c.Param("id"), "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		h.logger.Error("escrow request failed", "path", c.FullPath(), "order", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Escrow operation failed"})
	}
}
