package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"security-core/internal/audit"
	"security-core/internal/auth"
	"security-core/internal/authhooks"
	"security-core/internal/config"
	"security-core/internal/directory"
	"security-core/internal/events"
	"security-core/internal/httpapi"
	"security-core/internal/investigation"
	"security-core/internal/metrics"
	"security-core/internal/ratelimit"
	"security-core/internal/rbac"
	"security-core/internal/reporting"
	"security-core/internal/risk"
	"security-core/internal/rules"
	"security-core/internal/security"
	"security-core/internal/threat"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	router  *gin.Engine
	manager *auth.Manager
	repo    *events.MemoryRepo
}

func newServer(t *testing.T, ready func(context.Context) error) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "security-core",
		JWTAudience:     "security-core",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	r := rules.Default()
	met := metrics.New(prometheus.NewRegistry())
	auditRepo := audit.NewMemoryRepo()
	repo := events.NewMemoryRepo(auditRepo)
	auditSvc := audit.NewService(auditRepo).WithMetrics(met)
	ev := events.NewService(repo, auditSvc, r).WithMetrics(met)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), r, ev)
	riskSvc := risk.NewService(repo, risk.NewCategorizer(r))
	det := threat.NewDetector(threat.NewEventHistory(repo))

	dir := directory.NewMemoryDirectory()
	for _, role := range []string{rbac.RoleOwner, rbac.RoleSecurityAdmin, rbac.RoleSecurityAnalyst, rbac.RoleAuditor, rbac.RoleMember, rbac.RoleSuperAdmin, rbac.RoleAuthService} {
		dir.Put("t1", directory.User{ID: "u-" + role, Username: role})
	}

	h := httpapi.Handlers{
		Events:        ev,
		Audit:         auditSvc,
		Limiter:       limiter,
		Risk:          riskSvc,
		Threat:        det,
		Investigation: investigation.NewService(repo, auditSvc, dir),
		Reporting:     reporting.NewService(repo, riskSvc, r),
		Hooks:         authhooks.New(ev, auditSvc, limiter, det, riskSvc),
	}

	router := gin.New()
	registerRoutes(router, routeDeps{handlers: h, metrics: met.Handler(), ready: ready}, auth.RequireAccessToken(m))
	return &server{router: router, manager: m, repo: repo}
}

func (s *server) token(t *testing.T, role string) string {
	t.Helper()
	return s.tokenFor(t, auth.Identity{UserID: "u-" + role, Username: role, TenantSchema: "t1", Role: role})
}

func (s *server) tokenFor(t *testing.T, id auth.Identity) string {
	t.Helper()
	pair, err := s.manager.IssuePair(time.Now(), id)
	require.NoError(t, err)
	return pair.AccessToken
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "", nil).Code)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz_ReportsDependencyFailure(t *testing.T) {
	s := newServer(t, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestV1_RequiresToken(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/events", "", nil).Code)
}

func TestV1_RoleGates(t *testing.T) {
	s := newServer(t, nil)
	analyst := s.token(t, rbac.RoleSecurityAnalyst)

	w := s.do(t, http.MethodPost, "/v1/events", analyst, gin.H{"event_type": "data_export", "severity": "high"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))

	var ev security.SecurityEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))

	auditor := s.token(t, rbac.RoleAuditor)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/events/"+ev.ID, auditor, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/resolve", auditor, gin.H{"resolution_notes": "x"}).Code)

	denied, err := s.repo.CountEvents(context.Background(), "t1", events.Query{EventTypes: []security.EventType{security.EventPermissionDenied}})
	require.NoError(t, err)
	assert.Equal(t, 1, denied)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/resolve", analyst, gin.H{"resolution_notes": "x"}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/impersonations", analyst, gin.H{"target_user_id": "u2"}).Code)
}

func TestV1_ResolveByUnknownUser(t *testing.T) {
	s := newServer(t, nil)
	analyst := s.token(t, rbac.RoleSecurityAnalyst)

	w := s.do(t, http.MethodPost, "/v1/events", analyst, gin.H{"event_type": "data_export", "severity": "high"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ev security.SecurityEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))

	ghost := s.tokenFor(t, auth.Identity{UserID: "u-ghost", Username: "ghost", TenantSchema: "t1", Role: rbac.RoleSecurityAnalyst})
	w = s.do(t, http.MethodPost, "/v1/events/"+ev.ID+"/resolve", ghost, gin.H{"resolution_notes": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	got, err := s.repo.GetEvent(context.Background(), "t1", ev.ID)
	require.NoError(t, err)
	assert.False(t, got.IsResolved)
}

func TestAuthSignals_OnlyAuthService(t *testing.T) {
	s := newServer(t, nil)
	body := gin.H{"username_attempted": "alice", "ip_address": "203.0.113.5", "reason": "bad password"}

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/auth-signals/login-failed", s.token(t, rbac.RoleOwner), body).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/auth-signals/login-failed", s.token(t, rbac.RoleAuthService), body).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/auth-signals/login-failed", s.token(t, rbac.RoleSuperAdmin), body).Code)
}

func TestAuthSignals_NotThrottledByAPILimit(t *testing.T) {
	s := newServer(t, nil)
	svc := s.token(t, rbac.RoleAuthService)

	// One relay address, more signals than the api_call limit allows per hour.
	for i := 0; i < 1005; i++ {
		body := gin.H{"username_attempted": "alice", "ip_address": fmt.Sprintf("203.0.%d.%d", i/250, i%250+1), "reason": "bad password"}
		w := s.do(t, http.MethodPost, "/v1/auth-signals/login-failed", svc, body)
		require.Equal(t, http.StatusOK, w.Code, "signal %d: %s", i, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/v1/events", s.token(t, rbac.RoleAuditor), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
