package policy

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/logging"
)

// Handler exposes route policy administration.
type Handler struct {
	store    Store
	resolver *Resolver
}

// NewHandler creates a policy handler. Writes invalidate resolver's cache.
func NewHandler(store Store, resolver *Resolver) *Handler {
	return &Handler{store: store, resolver: resolver}
}

// RegisterRoutes mounts the handlers on an admin-only group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies", h.List)
	r.PUT("/policies", h.Put)
	r.DELETE("/policies", h.Delete)
}

// List handles GET /policies
func (h *Handler) List(c *gin.Context) {
	policies, err := h.store.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("list policies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if policies == nil {
		policies = []*RoutePolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Put handles PUT /policies. The body names the route it applies to.
func (h *Handler) Put(c *gin.Context) {
	var req struct {
		Route           string       `json:"route" binding:"required"`
		Options         gate.Options `json:"options"`
		Enabled         *bool        `json:"enabled"`
		EnforcementMode string       `json:"enforcementMode"`
		ShadowExpiresAt *time.Time   `json:"shadowExpiresAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "route is required"})
		return
	}

	now := h.resolver.now()
	p := &RoutePolicy{
		Route:           req.Route,
		Options:         req.Options,
		Enabled:         req.Enabled == nil || *req.Enabled,
		EnforcementMode: req.EnforcementMode,
		UpdatedBy:       auth.IdentityID(c),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ShadowExpiresAt != nil {
		p.ShadowExpiresAt = *req.ShadowExpiresAt
	}
	if err := p.Normalize(now); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.Put(ctx, p); err != nil {
		logging.L(ctx).Error("put policy", "route", p.Route, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	h.resolver.InvalidateCache(p.Route)
	logging.L(ctx).Info("route policy updated", "route", p.Route, "mode", p.EnforcementMode, "enabled", p.Enabled)
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Delete handles DELETE /policies?route=POST%20/v1/transfers
func (h *Handler) Delete(c *gin.Context) {
	route := c.Query("route")
	if route == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "route query parameter is required"})
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Delete(ctx, route); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		logging.L(ctx).Error("delete policy", "route", route, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	h.resolver.InvalidateCache(route)
	c.JSON(http.StatusOK, gin.H{"deleted": route})
}
