package lookup

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for tracking lookups
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new lookup handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up tracking routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tracking/summary/:ownerId", auth.RequireIdentity(), validation.OwnerParamMiddleware(), h.Summary)
	r.GET("/tracking/:trackingId", h.Search)
}

// Search handles GET /tracking/:trackingId. A miss is 200 with found=false.
func (h *Handler) Search(c *gin.Context) {
	query := c.Param("trackingId")
	if len(query) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "trackingId exceeds maximum length"})
		return
	}
	res, err := h.service.Search(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("tracking search failed", "query", query, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "found": res.Found()})
}

// Summary handles GET /tracking/summary/:ownerId?ownerType=buyer|vendor|logistics.
// Callers see only their own summary unless they are admin or system.
func (h *Handler) Summary(c *gin.Context) {
	ident, _ := auth.GetIdentity(c)
	if ident.ID != c.Param("ownerId") && ident.Role != auth.RoleAdmin && ident.Role != auth.RoleSystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Summaries are visible to their owner only"})
		return
	}
	ownerType := ledger.OwnerType(c.DefaultQuery("ownerType", string(ledger.OwnerBuyer)))
	if !ownerType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "ownerType must be buyer, vendor or logistics"})
		return
	}
	sum, err := h.service.Summary(c.Request.Context(), c.Param("ownerId"), ownerType)
	if err != nil {
		h.logger.Error("tracking summary failed", "owner", c.Param("ownerId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Summary failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}
