package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/logging"
)

// ContextKeyPrincipal stores the authenticated Principal in the gin context.
const ContextKeyPrincipal = "authPrincipal"

// Middleware requires a valid session token. Rejected tokens are audited as
// failed logins.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		p, err := m.Authenticate(ctx, c.GetHeader("Authorization"))
		switch {
		case errors.Is(err, ErrNoToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized - No token provided"})
			return
		case errors.Is(err, ErrInvalidToken):
			m.RecordFailure(ctx, err, Origin(c))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized - Invalid token"})
			return
		case err != nil:
			logging.L(ctx).Error("authentication failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.Set(ContextKeyPrincipal, p)
		c.Request = c.Request.WithContext(logging.WithIdentity(ctx, p.Identity.ID))
		c.Next()
	}
}

// RequireRole rejects principals holding none of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if !p.Identity.HasAnyRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":         "Forbidden",
				"message":       "Insufficient permissions",
				"requiredRoles": roles,
			})
			return
		}
		c.Next()
	}
}

// RequirePermission rejects principals lacking perm and audits the refusal
// as PERMISSION_DENIED.
func (m *Manager) RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if !p.Identity.HasPermission(perm) {
			m.recorder.Record(c.Request.Context(), audit.PermissionDenied(p.Identity.ID, perm, Origin(c), audit.BlockMetadata{
				Reason: "Missing permission",
			}))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "You don't have permission: " + perm,
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// IdentityID returns the authenticated identity's id, or "".
func IdentityID(c *gin.Context) string {
	if p, ok := GetPrincipal(c); ok {
		return p.Identity.ID
	}
	return ""
}

// Origin describes the request for audit records.
func Origin(c *gin.Context) audit.Origin {
	return audit.Origin{
		IP:         c.ClientIP(),
		UserAgent:  c.GetHeader("User-Agent"),
		DeviceInfo: fingerprint.DeviceInfo(c.Request.Header),
	}
}
