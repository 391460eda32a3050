package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/logging"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	dispatcher  *Dispatcher
	validateURL func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, validateURL: ValidateURL}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// CreateWebhook handles POST /webhooks. The signing secret is returned once.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url and events are required"})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := EventType(e)
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "invalid_event",
				"message":   "unknown event type " + e,
				"supported": EventTypes,
			})
			return
		}
		events = append(events, t)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedBy: auth.IdentityID(c),
		CreatedAt: time.Now(),
	}
	ctx := c.Request.Context()
	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("create webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "HMAC-SHA256(body, secret), hex, prefixed sha256=",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	ctx := c.Request.Context()
	subs, err := h.store.List(ctx)
	if err != nil {
		logging.L(ctx).Error("list webhooks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	err := h.store.Delete(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		logging.L(ctx).Error("delete webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "message": "Webhook deleted"})
}

// TestWebhook handles POST /webhooks/:id/test: one synchronous delivery.
func (h *Handler) TestWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		logging.L(ctx).Error("get webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	ev := &Event{ID: idgen.WithPrefix("evt_"), Type: EventTest, Timestamp: time.Now().UTC()}
	if err := h.dispatcher.Deliver(ctx, sub, ev); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "eventId": ev.ID})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
