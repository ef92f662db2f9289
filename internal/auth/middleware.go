// Package auth trusts caller identity asserted by the upstream auth gateway.
//
// The gateway authenticates users and forwards X-Actor-ID and X-Actor-Role.
// When a gateway token is configured, requests must also carry a matching
// X-Gateway-Token or their identity headers are ignored.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/validation"
)

const (
	// ContextKeyIdentity is the key for storing the caller identity in gin context
	ContextKeyIdentity = "actorIdentity"

	HeaderActorID      = "X-Actor-ID"
	HeaderActorRole    = "X-Actor-Role"
	HeaderGatewayToken = "X-Gateway-Token"
)

// Roles the gateway may assert.
const (
	RoleBuyer     = "buyer"
	RoleVendor    = "vendor"
	RoleLogistics = "logistics"
	RoleSystem    = "system"
	RoleAdmin     = "admin"
)

var knownRoles = map[string]bool{
	RoleBuyer: true, RoleVendor: true, RoleLogistics: true, RoleSystem: true, RoleAdmin: true,
}

// Identity is the authenticated caller.
type Identity struct {
	ID   string
	Role string
}

// Middleware extracts the caller identity from gateway headers.
// Sets actorIdentity in context if the headers are present and well formed.
func Middleware(gatewayToken string) gin.HandlerFunc {
	var want [32]byte
	if gatewayToken != "" {
		want = sha256.Sum256([]byte(gatewayToken))
	}
	return func(c *gin.Context) {
		if gatewayToken != "" {
			got := sha256.Sum256([]byte(c.GetHeader(HeaderGatewayToken)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				c.Next()
				return
			}
		}

		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if validation.IsValidOwnerID(id) && knownRoles[role] {
			c.Set(ContextKeyIdentity, Identity{ID: id, Role: role})
		}
		c.Next()
	}
}

// RequireIdentity rejects requests without a caller identity
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include X-Actor-ID and X-Actor-Role headers.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		for _, r := range roles {
			if ident.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + ident.Role + " may not call this endpoint.",
		})
	}
}

// GetIdentity returns the caller identity from context (if present)
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	ident, ok := v.(Identity)
	return ident, ok
}
