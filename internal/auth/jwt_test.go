package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"security-core/internal/config"

	"github.com/gin-gonic/gin"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, Identity{UserID: "user-1", Username: "alice", TenantSchema: "tenant_a", Role: "security_analyst"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.TenantSchema != "tenant_a" || claims.Role != "security_analyst" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	p, err := m.IssuePair(now, Identity{UserID: "u", TenantSchema: "t", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsMissingTenant(t *testing.T) {
	m := newManager(t)
	now := time.Now()
	p, err := m.IssuePair(now, Identity{UserID: "u", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected tenant_schema missing")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", TenantSchema: "t", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token")
	}
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", TenantSchema: "t", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		tenant, err := TenantSchema(c.Request.Context())
		if err != nil || tenant != "t" {
			t.Errorf("unexpected tenant %q: %v", tenant, err)
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAccessToken_UsesManagerClock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issued := time.Unix(1700000000, 0).UTC()
	m := newManager(t)
	p, err := m.IssuePair(issued, Identity{UserID: "u", TenantSchema: "t", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/x", RequireAccessToken(m.WithClock(func() time.Time { return issued.Add(time.Minute) })), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 inside the token lifetime, got %d", w.Code)
	}

	m.WithClock(func() time.Time { return issued.Add(time.Hour) })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after expiry, got %d", w.Code)
	}
}
