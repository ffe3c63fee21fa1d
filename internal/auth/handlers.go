package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/escrowhq/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates an auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up authenticated key management routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up the key issuance route. The group is
// expected to carry admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// IssueKeyRequest creates a key for a party or an operator role.
type IssueKeyRequest struct {
	PartyID string `json:"partyId"`
	Role    string `json:"role"`
	Name    string `json:"name"`
}

// IssueKey handles POST /admin/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	role := Role(req.Role)
	if role == "" {
		role = RoleParty
	}
	if role == RoleParty && !validation.IsValidPartyID(req.PartyID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_party_id",
			"message": "partyId must be a valid party identifier",
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.PartyID, role, req.Name)
	if err != nil {
		if errors.Is(err, ErrInvalidRole) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_role",
				"message": "Role must be party, arbiter, or system",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "issue_failed",
			"message": "Failed to issue key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key": key,
		// The raw key is returned exactly once.
		"apiKey": rawKey,
	})
}

// ListKeys handles GET /keys for the authenticated party.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.PartyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list keys",
		})
		return
	}

	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"role":      k.Role,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKey handles DELETE /keys/:keyId for the authenticated party.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), key.PartyID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Failed to revoke key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
