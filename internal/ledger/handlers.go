package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up read-only and self-service wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.EnsureWallet)
	r.GET("/wallets/owner/:ownerId", h.GetWalletByOwner)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/wallets/:id/entries", h.History)
}

// RegisterAdminRoutes sets up routes that move money outside the escrow flow.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/credits", h.Credit)
	r.POST("/wallets/:id/debits", h.Debit)
	r.POST("/wallets/:id/status", h.SetStatus)
}

// EnsureWalletRequest is the body for POST /wallets
type EnsureWalletRequest struct {
	OwnerID   string `json:"ownerId" binding:"required"`
	OwnerType string `json:"ownerType" binding:"required"`
}

// EnsureWallet handles POST /wallets
func (h *Handler) EnsureWallet(c *gin.Context) {
	var req EnsureWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ownerId and ownerType are required"})
		return
	}
	if errs := validation.Validate(
		validation.OwnerID("ownerId", req.OwnerID),
		validation.OneOf("ownerType", req.OwnerType, string(OwnerBuyer), string(OwnerVendor), string(OwnerLogistics)),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	w, err := h.service.EnsureWallet(c.Request.Context(), req.OwnerID, OwnerType(req.OwnerType))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetWalletByOwner handles GET /wallets/owner/:ownerId
func (h *Handler) GetWalletByOwner(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetWallet handles GET /wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWalletByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// History handles GET /wallets/:id/entries
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, next, err := h.service.History(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// PostingRequest is the body for manual credits and debits
type PostingRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"referenceId" binding:"required"`
	Memo        string `json:"memo"`
}

// Credit handles POST /wallets/:id/credits
func (h *Handler) Credit(c *gin.Context) {
	h.post(c, Credit)
}

// Debit handles POST /wallets/:id/debits
func (h *Handler) Debit(c *gin.Context) {
	h.post(c, Debit)
}

func (h *Handler) post(c *gin.Context, kind Kind) {
	var req PostingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "referenceId is required"})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Reference("referenceId", req.ReferenceID),
	); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	walletID := c.Param("id")
	var (
		receipt *Receipt
		err     error
	)
	if kind == Credit {
		receipt, err = h.service.AddFunds(c.Request.Context(), walletID, req.Amount, req.ReferenceID, req.Memo)
	} else {
		receipt, err = h.service.DeductFunds(c.Request.Context(), walletID, req.Amount, req.ReferenceID, req.Memo)
	}
	if errors.Is(err, ErrDuplicateReference) {
		c.JSON(http.StatusOK, gin.H{"receipt": receipt})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receipt": receipt})
}

// SetStatusRequest is the body for POST /wallets/:id/status
type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetStatus handles POST /wallets/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	w, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), Status(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrReferenceMismatch), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidOwner):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrBalanceOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "balance_overflow", "message": err.Error()})
	case errors.Is(err, ErrWalletSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_suspended", "message": err.Error()})
	case errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
	default:
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Ledger operation failed"})
	}
}
