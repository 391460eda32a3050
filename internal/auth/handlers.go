package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/logging"
)

// Handler serves session endpoints for authenticated callers.
type Handler struct {
	manager *Manager
}

// NewHandler creates a session handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Me returns the caller's identity and session.
func (h *Handler) Me(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": p.Identity, "session": p.Session})
}

// Logout revokes the caller's session.
func (h *Handler) Logout(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if err := h.manager.Revoke(c.Request.Context(), p, Origin(c)); err != nil {
		logging.L(c.Request.Context()).Error("logout failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}
