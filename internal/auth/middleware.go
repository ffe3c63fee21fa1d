package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated API key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPartyID is the gin context key for the authenticated party.
	ContextKeyPartyID = "authPartyID"
	// ContextKeyRole is the gin context key for the key's role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the API key from the request and,
// when valid, sets authPartyID and authRole in the context. It never
// rejects; pair with RequireAuth on protected groups.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyPartyID, key.PartyID)
				c.Set(ContextKeyRole, string(key.Role))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects keys whose role is not in the allowed set.
func RequireRole(roles ...Role) gin.HandlerFunc {
	allowed := make(map[Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !allowed[key.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Key role not permitted for this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdminSecret gates admin endpoints on the X-Admin-Secret header.
func RequireAdminSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured.",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context, if authenticated.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// AuthenticatedParty returns the authenticated party ID, or "".
func AuthenticatedParty(c *gin.Context) string {
	return c.GetString(ContextKeyPartyID)
}
