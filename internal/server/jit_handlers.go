package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/jit"
	"github.com/mbd888/riskgate/internal/logging"
)

// maxJITMinutes caps requested grant lifetimes.
const maxJITMinutes = 8 * 60

// requestJIT handles POST /v1/jit/request.
func (s *Server) requestJIT(c *gin.Context) {
	ctx := c.Request.Context()
	var req struct {
		Resource   string `json:"resource"`
		ResourceID string `json:"resourceId"`
		Action     string `json:"action"`
		Reason     string `json:"reason"`
		Duration   int    `json:"duration"` // minutes
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if req.Duration < 0 || req.Duration > maxJITMinutes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Duration must be between 1 and 480 minutes"})
		return
	}

	grant, err := s.jit.Grant(ctx, jit.Request{
		IdentityID: auth.IdentityID(c),
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Action:     req.Action,
		Reason:     req.Reason,
		Duration:   time.Duration(req.Duration) * time.Minute,
		Origin:     auth.Origin(c),
	})
	if errors.Is(err, jit.ErrMissingFields) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Missing required fields",
			"required": []string{"resource", "resourceId", "action", "reason"},
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("jit grant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "JIT access granted", "access": grant})
}

// useJIT handles POST /v1/jit/use: verifies a token against one action.
func (s *Server) useJIT(c *gin.Context) {
	ctx := c.Request.Context()
	var req struct {
		Token      string `json:"token"`
		Resource   string `json:"resource"`
		ResourceID string `json:"resourceId"`
		Action     string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if req.Token == "" || req.Resource == "" || req.ResourceID == "" || req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Missing required fields",
			"required": []string{"token", "resource", "resourceId", "action"},
		})
		return
	}

	err := s.jit.Use(ctx, req.Token, auth.IdentityID(c), req.Resource, req.ResourceID, req.Action, auth.Origin(c))
	if errors.Is(err, jit.ErrInvalidToken) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired JIT access token"})
		return
	}
	if err != nil {
		logging.L(ctx).Error("jit use failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "JIT access verified", "granted": true})
}

// revokeJIT handles POST /v1/jit/revoke.
func (s *Server) revokeJIT(c *gin.Context) {
	ctx := c.Request.Context()
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token is required"})
		return
	}
	n, err := s.jit.Revoke(ctx, req.Token, auth.IdentityID(c))
	if err != nil {
		logging.L(ctx).Error("jit revoke failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "JIT access revoked successfully", "revoked": n})
}
