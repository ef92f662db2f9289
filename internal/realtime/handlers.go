package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
)

// RegisterRoutes mounts the event stream at /stream. Buyers, vendors and
// logistics callers only see events for orders they are party to.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stream", auth.RequireIdentity(), h.Stream)
	r.GET("/stream/stats", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem), func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}

// Stream handles GET /stream
func (h *Hub) Stream(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	owner := id.ID
	if id.Role == auth.RoleAdmin || id.Role == auth.RoleSystem {
		owner = ""
	}
	h.Serve(c.Writer, c.Request, owner)
}
