package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"security-core/internal/audit"
	"security-core/internal/auth"
	"security-core/internal/authhooks"
	"security-core/internal/directory"
	"security-core/internal/events"
	"security-core/internal/investigation"
	"security-core/internal/ratelimit"
	"security-core/internal/rbac"
	"security-core/internal/reporting"
	"security-core/internal/risk"
	"security-core/internal/rules"
	"security-core/internal/security"
	"security-core/internal/threat"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type env struct {
	h       Handlers
	repo    *events.MemoryRepo
	limiter *ratelimit.Limiter
	router  *gin.Engine
	now     time.Time
}

func (e *env) clock() time.Time { return e.now }

func newEnv(t *testing.T, r rules.Rules) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{now: t0}

	auditRepo := audit.NewMemoryRepo()
	e.repo = events.NewMemoryRepo(auditRepo)
	auditSvc := audit.NewService(auditRepo).WithClock(e.clock)
	ev := events.NewService(e.repo, auditSvc, r).WithClock(e.clock)
	e.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), r, ev).WithClock(e.clock)
	riskSvc := risk.NewService(e.repo, risk.NewCategorizer(r)).WithClock(e.clock)
	det := threat.NewDetector(threat.NewEventHistory(e.repo)).WithClock(e.clock)

	dir := directory.NewMemoryDirectory()
	dir.Put("t1", directory.User{ID: "lead", Username: "lead"})
	dir.Put("t1", directory.User{ID: "inv", Username: "investigator"})

	e.h = Handlers{
		Events:        ev,
		Audit:         auditSvc,
		Limiter:       e.limiter,
		Risk:          riskSvc,
		Threat:        det,
		Investigation: investigation.NewService(e.repo, auditSvc, dir).WithClock(e.clock),
		Reporting:     reporting.NewService(e.repo, riskSvc, r),
		Hooks:         authhooks.New(ev, auditSvc, e.limiter, det, riskSvc).WithClock(e.clock),
		Clock:         e.clock,
	}
	e.router = gin.New()
	return e
}

func withIdentity(id auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

var lead = auth.Identity{UserID: "lead", Username: "lead", TenantSchema: "t1", Role: rbac.RoleSecurityAdmin}

func (e *env) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:5555"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestLogAndGetEvent(t *testing.T) {
	e := newEnv(t, rules.Default())
	g := e.router.Group("/v1", withIdentity(lead))
	g.POST("/events", e.h.LogEvent)
	g.GET("/events/:id", e.h.GetEvent)
	g.GET("/events/:id/risk", e.h.CategorizeEvent)

	w := e.do(t, http.MethodPost, "/v1/events", gin.H{"event_type": "data_export", "severity": "high", "details": gin.H{"rows": 10}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ev := decode[security.SecurityEvent](t, w)
	assert.Equal(t, "t1", ev.TenantSchema)
	assert.Equal(t, "192.0.2.10", ev.IPAddress)

	w = e.do(t, http.MethodGet, "/v1/events/"+ev.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/v1/events/"+ev.ID+"/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	a := decode[risk.Assessment](t, w)
	assert.NotEmpty(t, a.Category)

	w = e.do(t, http.MethodGet, "/v1/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decode[map[string]string](t, w)["error"])
}

func TestLogEvent_RejectsUnknownType(t *testing.T) {
	e := newEnv(t, rules.Default())
	e.router.POST("/events", withIdentity(lead), e.h.LogEvent)

	w := e.do(t, http.MethodPost, "/events", gin.H{"event_type": "nope", "severity": "low"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[map[string]string](t, w)["error"])
}

func TestInvestigationFlow(t *testing.T) {
	e := newEnv(t, rules.Default())
	g := e.router.Group("/v1", withIdentity(lead))
	g.POST("/events/:id/assign", e.h.AssignEvent)
	g.POST("/events/:id/status", e.h.UpdateStatus)
	g.POST("/events/:id/resolve", e.h.ResolveEvent)
	g.POST("/events/:id/reopen", e.h.ReopenEvent)
	g.GET("/events/:id/timeline", e.h.GetTimeline)

	ev, err := e.h.Events.LogSecurityEvent(context.Background(), security.ActorContext{Tenant: "t1", IPAddress: "10.0.0.1"},
		security.EventUnauthorizedAccess, security.SeverityHigh, nil)
	require.NoError(t, err)
	base := "/v1/events/" + ev.ID

	w := e.do(t, http.MethodPost, base+"/assign", gin.H{"investigator_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, investigation.CodeInvestigatorNotFound, decode[map[string]string](t, w)["error"])

	w = e.do(t, http.MethodPost, base+"/assign", gin.H{"investigator_id": "inv"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, base+"/reopen", gin.H{"reason": "x"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, investigation.CodeEventNotResolved, decode[map[string]string](t, w)["error"])

	w = e.do(t, http.MethodPost, base+"/resolve", gin.H{"resolution_notes": "done"})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, base+"/status", gin.H{"status": "assigned"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, base+"/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[investigation.Result[[]security.TimelineEntry]](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, security.TimelineEventCreated, res.Data[0].Kind)
}

func TestReports_DefaultRange(t *testing.T) {
	e := newEnv(t, rules.Default())
	g := e.router.Group("/v1", withIdentity(lead))
	g.GET("/reports/statistics", e.h.GetStatistics)
	g.GET("/reports/summary", e.h.GetCategorizedSummary)
	g.GET("/events", e.h.ListEvents)

	for i := 0; i < 3; i++ {
		_, err := e.h.Events.LogSecurityEvent(context.Background(), security.ActorContext{Tenant: "t1", IPAddress: "10.0.0.1"},
			security.EventLoginFailed, security.SeverityMedium, nil)
		require.NoError(t, err)
	}
	e.now = e.now.Add(time.Hour)

	w := e.do(t, http.MethodGet, "/v1/reports/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[reporting.Statistics](t, w)
	assert.Equal(t, 3, stats.TotalEvents)

	w = e.do(t, http.MethodGet, "/v1/reports/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/v1/events?event_type=login_failed&per_page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[reporting.FilteredEvents](t, w)
	assert.Len(t, page.Events, 2)
	assert.True(t, page.Pagination.HasNext)

	w = e.do(t, http.MethodGet, "/v1/reports/statistics?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitAPI_RejectsWhenBlocked(t *testing.T) {
	r := rules.Default()
	r.RateLimits[security.LimitAPICall] = 2
	e := newEnv(t, r)
	e.router.GET("/x", withIdentity(lead), RateLimitAPI(e.limiter, e.clock), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodGet, "/x", nil).Code)
	w := e.do(t, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = e.do(t, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decode[map[string]string](t, w)["error"])
}

func TestLoginSignals(t *testing.T) {
	e := newEnv(t, rules.Default())
	svc := auth.Identity{UserID: "svc", TenantSchema: "t1", Role: rbac.RoleAuthService}
	g := e.router.Group("/v1/auth-signals", withIdentity(svc))
	g.POST("/login-failed", e.h.LoginFailed)
	g.POST("/login-succeeded", e.h.LoginSucceeded)
	g.POST("/logout", e.h.LoggedOut)

	body := gin.H{"ip_address": "203.0.113.5", "username_attempted": "alice", "reason": "bad_password"}
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/auth-signals/login-failed", body).Code)
	}
	w := e.do(t, http.MethodPost, "/v1/auth-signals/login-failed", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = e.do(t, http.MethodPost, "/v1/auth-signals/login-succeeded", gin.H{"user_id": "u1", "username": "alice", "ip_address": "10.1.1.1"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[authhooks.LoginResult](t, w)
	assert.Equal(t, "u1", res.Event.UserID)
	assert.Equal(t, "10.1.1.1", res.Event.IPAddress)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/auth-signals/logout", gin.H{}).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/auth-signals/logout", gin.H{"user_id": "u1"}).Code)
}

func countType(t *testing.T, repo *events.MemoryRepo, typ security.EventType) int {
	t.Helper()
	n, err := repo.CountEvents(context.Background(), "t1", events.Query{EventTypes: []security.EventType{typ}})
	require.NoError(t, err)
	return n
}

func TestRequireCSRF(t *testing.T) {
	e := newEnv(t, rules.Default())
	e.router.POST("/x", withIdentity(lead), RequireCSRF(e.h.Events), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := e.do(t, http.MethodPost, "/x", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, countType(t, e.repo, security.EventCSRFFailure))

	w = e.do(t, http.MethodPost, "/x", nil, "Cookie", "csrftoken=abc", "X-CSRF-Token", "abc")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodPost, "/x", nil, "Authorization", "Bearer t")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPermissionDenied_RecordsEvent(t *testing.T) {
	e := newEnv(t, rules.Default())
	guard := rbac.Guard{OnDenied: PermissionDenied(e.h.Events)}
	member := auth.Identity{UserID: "m", TenantSchema: "t1", Role: rbac.RoleMember}
	e.router.GET("/x", withIdentity(member), guard.AnyRole(rbac.Investigators...), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := e.do(t, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, countType(t, e.repo, security.EventPermissionDenied))
}

func TestActorFromRequest(t *testing.T) {
	e := newEnv(t, rules.Default())
	var got security.ActorContext
	e.router.GET("/x", withIdentity(lead), func(c *gin.Context) {
		got = ActorFromRequest(c)
		c.Status(http.StatusOK)
	})
	e.do(t, http.MethodGet, "/x", nil, "User-Agent", "ua/1", "X-Session-Id", "s1")

	assert.Equal(t, "t1", got.Tenant)
	assert.Equal(t, "lead", got.UserID)
	assert.Equal(t, "ua/1", got.UserAgent)
	assert.Equal(t, "s1", got.SessionKey)
	assert.Equal(t, "/x", got.RequestPath)
	assert.Equal(t, http.MethodGet, got.RequestMethod)
}

func TestWriteError_DuplicateIsConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/events", nil)

	writeError(c, fmt.Errorf("%w: event ev-1", security.ErrDuplicate))

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeConflict, body["error"])
}
