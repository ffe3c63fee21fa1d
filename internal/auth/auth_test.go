package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "pty_0b0e0001aa", RoleParty, "ci key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected sk_ prefix, got %s", rawKey)
	}
	if key.Hash == rawKey {
		t.Error("Raw key must not be stored")
	}

	got, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if got.PartyID != "pty_0b0e0001aa" || got.Role != RoleParty {
		t.Errorf("Unexpected key metadata: %+v", got)
	}

	if _, err := m.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("Expected Bearer prefix to be accepted, got %v", err)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "not_a_key"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for bad prefix, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_0000000000000000000000000000000000000000000000000000000000000000"); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for unknown key, got %v", err)
	}
}

func TestValidateKey_RevokedAndExpired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := m.GenerateKey(ctx, "pty_0b0e0001aa", RoleParty, "")
	if err := m.RevokeKey(ctx, key.ID, "pty_0b0e0001aa"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected revoked key rejected, got %v", err)
	}

	rawKey2, key2, _ := m.GenerateKey(ctx, "pty_0b0e0001aa", RoleParty, "")
	past := time.Now().Add(-time.Hour)
	key2.ExpiresAt = &past
	store.Update(ctx, key2)
	if _, err := m.ValidateKey(ctx, rawKey2); err != ErrInvalidAPIKey {
		t.Errorf("Expected expired key rejected, got %v", err)
	}
}

func TestGenerateKey_Roles(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := m.GenerateKey(ctx, "", Role("superuser"), ""); err != ErrInvalidRole {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}

	// Operator roles carry no party ID even if one was passed.
	_, key, err := m.GenerateKey(ctx, "pty_0b0e0001aa", RoleArbiter, "arbiter desk")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if key.PartyID != "" {
		t.Errorf("Expected empty party ID on arbiter key, got %s", key.PartyID)
	}
}

func TestRevokeKey_WrongParty(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, key, _ := m.GenerateKey(ctx, "pty_0b0e0001aa", RoleParty, "")
	if err := m.RevokeKey(ctx, key.ID, "pty_05e10001bb"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for another party's key, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func setupMiddlewareRouter(m *Manager, adminSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m))

	r.GET("/open", func(c *gin.Context) {
		c.JSON(200, gin.H{"party": AuthenticatedParty(c)})
	})

	protected := r.Group("/", RequireAuth())
	protected.GET("/protected", func(c *gin.Context) {
		c.JSON(200, gin.H{"party": AuthenticatedParty(c)})
	})

	arbiter := r.Group("/", RequireRole(RoleArbiter, RoleSystem))
	arbiter.GET("/resolve", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	admin := r.Group("/admin", RequireAdminSecret(adminSecret))
	admin.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	return r
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ProtectedRoutes(t *testing.T) {
	m := NewManager(NewMemoryStore())
	rawKey, _, _ := m.GenerateKey(context.Background(), "pty_0b0e0001aa", RoleParty, "")
	r := setupMiddlewareRouter(m, "")

	if w := get(r, "/open", nil); w.Code != http.StatusOK {
		t.Errorf("Expected open route to pass, got %d", w.Code)
	}
	if w := get(r, "/protected", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := get(r, "/protected", map[string]string{"Authorization": "Bearer " + rawKey}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d: %s", w.Code, w.Body.String())
	}
	if w := get(r, "/protected", map[string]string{"X-API-Key": rawKey}); w.Code != http.StatusOK {
		t.Errorf("Expected X-API-Key to be accepted, got %d", w.Code)
	}
	if w := get(r, "/protected", map[string]string{"Authorization": "Bearer sk_bogus"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid key, got %d", w.Code)
	}
}

func TestMiddleware_RequireRole(t *testing.T) {
	m := NewManager(NewMemoryStore())
	partyKey, _, _ := m.GenerateKey(context.Background(), "pty_0b0e0001aa", RoleParty, "")
	arbiterKey, _, _ := m.GenerateKey(context.Background(), "", RoleArbiter, "")
	r := setupMiddlewareRouter(m, "")

	if w := get(r, "/resolve", map[string]string{"X-API-Key": partyKey}); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for party key, got %d", w.Code)
	}
	if w := get(r, "/resolve", map[string]string{"X-API-Key": arbiterKey}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for arbiter key, got %d", w.Code)
	}
}

func TestMiddleware_RequireAdminSecret(t *testing.T) {
	m := NewManager(NewMemoryStore())

	r := setupMiddlewareRouter(m, "hunter2")
	if w := get(r, "/admin/ping", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}
	if w := get(r, "/admin/ping", map[string]string{"X-Admin-Secret": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}
	if w := get(r, "/admin/ping", map[string]string{"X-Admin-Secret": "hunter2"}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", w.Code)
	}

	// An unset secret disables the admin surface entirely.
	r2 := setupMiddlewareRouter(m, "")
	if w := get(r2, "/admin/ping", map[string]string{"X-Admin-Secret": ""}); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when admin secret unset, got %d", w.Code)
	}
}
