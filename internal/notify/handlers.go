package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/escrowhq/escrowd/internal/idgen"
	"github.com/escrowhq/escrowd/internal/security"
	"github.com/escrowhq/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store

	// validateURL guards against SSRF targets; overridable in tests.
	validateURL func(string) error
}

// NewHandler creates a webhook subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL}
}

// RegisterRoutes sets up webhook subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:id/webhooks", h.CreateSubscription)
	r.GET("/parties/:id/webhooks", h.ListSubscriptions)
	r.DELETE("/parties/:id/webhooks/:webhookId", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a webhook for a party.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateSubscription handles POST /parties/:id/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	partyID := c.Param("id")
	if !h.authorized(c, partyID) {
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidURL(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "URL must be a valid http or https endpoint",
		})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]Type, len(req.Events))
	for i, e := range req.Events {
		events[i] = Type(e)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("whk_"),
		PartyID:   partyID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		// The secret is returned exactly once, at creation.
		"secret": secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret)",
			"header":    "X-Escrowd-Signature",
		},
	})
}

// ListSubscriptions handles GET /parties/:id/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	partyID := c.Param("id")
	if !h.authorized(c, partyID) {
		return
	}

	subs, err := h.store.GetByParty(c.Request.Context(), partyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteSubscription handles DELETE /parties/:id/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	partyID := c.Param("id")
	if !h.authorized(c, partyID) {
		return
	}

	webhookID := c.Param("webhookId")
	sub, err := h.store.Get(c.Request.Context(), webhookID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}
	if sub.PartyID != partyID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook subscription not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// authorized lets a party manage only its own subscriptions. Arbiter and
// system keys can manage any party's.
func (h *Handler) authorized(c *gin.Context, partyID string) bool {
	caller := c.GetString("authPartyID")
	role := c.GetString("authRole")
	if caller == partyID || role == "arbiter" || role == "system" {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": "Cannot manage another party's webhooks",
	})
	return false
}
