package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"security-core/internal/audit"
	"security-core/internal/authhooks"
	"security-core/internal/events"
	"security-core/internal/investigation"
	"security-core/internal/ratelimit"
	"security-core/internal/reporting"
	"security-core/internal/risk"
	"security-core/internal/security"
	"security-core/internal/threat"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Events        *events.Service
	Audit         *audit.Service
	Limiter       *ratelimit.Limiter
	Risk          *risk.Service
	Threat        *threat.Detector
	Investigation *investigation.Service
	Reporting     *reporting.Service
	Hooks         *authhooks.Hooks

	// Clock anchors default report ranges; nil means time.Now.
	Clock func() time.Time
}

// DefaultReportDays is the report range used when from/to are omitted.
const DefaultReportDays = 7

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// --- Events ---

type logEventRequest struct {
	EventType         security.EventType `json:"event_type"`
	Severity          security.Severity  `json:"severity"`
	Details           security.Details   `json:"details"`
	UserID            string             `json:"user_id"`
	UsernameAttempted string             `json:"username_attempted"`
}

func (h Handlers) LogEvent(c *gin.Context) {
	var req logEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	var opts []events.EventOption
	if req.UserID != "" {
		opts = append(opts, events.WithUser(req.UserID))
	}
	if req.UsernameAttempted != "" {
		opts = append(opts, events.WithUsernameAttempted(req.UsernameAttempted))
	}
	ev, err := h.Events.LogSecurityEvent(c.Request.Context(), ActorFromRequest(c), req.EventType, req.Severity, req.Details, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h Handlers) GetEvent(c *gin.Context) {
	actor := ActorFromRequest(c)
	ev, err := h.Events.GetEvent(c.Request.Context(), actor.Tenant, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// CategorizeEvent returns the derived risk assessment of one event.
func (h Handlers) CategorizeEvent(c *gin.Context) {
	actor := ActorFromRequest(c)
	ev, err := h.Events.GetEvent(c.Request.Context(), actor.Tenant, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	a, err := h.Risk.CategorizeEvent(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) ListEvents(c *gin.Context) {
	f, err := parseFilters(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page := reporting.Page{Page: queryInt(c, "page"), PerPage: queryInt(c, "per_page")}
	res, err := h.Reporting.GetFilteredEvents(c.Request.Context(), ActorFromRequest(c).Tenant, f, page, c.Query("order_by"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type impersonationRequest struct {
	TargetUserID   string `json:"target_user_id"`
	TargetUsername string `json:"target_username"`
	Reason         string `json:"reason"`
}

func (h Handlers) LogImpersonation(c *gin.Context) {
	var req impersonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	ev, entry, err := h.Events.LogImpersonation(c.Request.Context(), ActorFromRequest(c), events.Impersonation{
		TargetUserID:   req.TargetUserID,
		TargetUsername: req.TargetUsername,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": ev, "audit_log": entry})
}

// --- Suspicious activities ---

type activityRequest struct {
	ActivityType    security.ActivityType `json:"activity_type"`
	ConfidenceScore float64               `json:"confidence_score"`
	PatternData     security.Details      `json:"pattern_data"`
	RelatedEventIDs []string              `json:"related_event_ids"`
	UserID          string                `json:"user_id"`
}

func (h Handlers) RecordActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	act, ev, err := h.Events.RecordSuspiciousActivity(c.Request.Context(), ActorFromRequest(c), events.NewActivity{
		ActivityType:    req.ActivityType,
		ConfidenceScore: req.ConfidenceScore,
		PatternData:     req.PatternData,
		RelatedEventIDs: req.RelatedEventIDs,
		UserID:          req.UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"activity": act, "event": ev})
}

func (h Handlers) ListActivities(c *gin.Context) {
	q := events.ActivityQuery{
		RelatedEventID: c.Query("related_event_id"),
		UserID:         c.Query("user_id"),
		IPAddress:      c.Query("ip_address"),
		Limit:          queryInt(c, "limit"),
	}
	if v := c.Query("is_investigated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "is_investigated must be a boolean")
			return
		}
		q.Investigated = &b
	}
	acts, err := h.Events.ListActivities(c.Request.Context(), ActorFromRequest(c).Tenant, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts})
}

type investigateActivityRequest struct {
	Notes         string `json:"notes"`
	FalsePositive bool   `json:"is_false_positive"`
}

func (h Handlers) InvestigateActivity(c *gin.Context) {
	var req investigateActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	act, err := h.Events.InvestigateActivity(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.Notes, req.FalsePositive)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, act)
}

// --- Investigation ---

type assignRequest struct {
	InvestigatorID string `json:"investigator_id"`
	Notes          string `json:"notes"`
}

func (h Handlers) AssignEvent(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.Assign(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.InvestigatorID, req.Notes)
	writeResult(c, res, err)
}

type statusRequest struct {
	Status security.InvestigationStatus `json:"status"`
	Notes  string                       `json:"notes"`
}

func (h Handlers) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.UpdateStatus(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.Status, req.Notes)
	writeResult(c, res, err)
}

type noteRequest struct {
	Note     string `json:"note"`
	NoteType string `json:"note_type"`
}

func (h Handlers) AddNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.AddNote(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.Note, req.NoteType)
	writeResult(c, res, err)
}

type resolveRequest struct {
	Notes            string `json:"resolution_notes"`
	FollowUpRequired bool   `json:"follow_up_required"`
}

func (h Handlers) ResolveEvent(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.Resolve(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.Notes, req.FollowUpRequired)
	writeResult(c, res, err)
}

type bulkResolveRequest struct {
	EventIDs []string `json:"event_ids"`
	Notes    string   `json:"resolution_notes"`
}

func (h Handlers) BulkResolve(c *gin.Context) {
	var req bulkResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.BulkResolve(c.Request.Context(), ActorFromRequest(c), req.EventIDs, req.Notes)
	writeResult(c, res, err)
}

type reopenRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) ReopenEvent(c *gin.Context) {
	var req reopenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Investigation.Reopen(c.Request.Context(), ActorFromRequest(c), c.Param("id"), req.Reason)
	writeResult(c, res, err)
}

func (h Handlers) GetTimeline(c *gin.Context) {
	res, err := h.Investigation.GetTimeline(c.Request.Context(), ActorFromRequest(c).Tenant, c.Param("id"))
	writeResult(c, res, err)
}

func (h Handlers) GetRelatedEvents(c *gin.Context) {
	res, err := h.Investigation.GetRelatedEvents(c.Request.Context(), ActorFromRequest(c).Tenant, c.Param("id"))
	writeResult(c, res, err)
}

// --- Reports ---

func (h Handlers) GetStatistics(c *gin.Context) {
	r, err := h.timeRange(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	stats, err := h.Reporting.GetEventStatistics(c.Request.Context(), ActorFromRequest(c).Tenant, r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h Handlers) GetCategorizedSummary(c *gin.Context) {
	r, err := h.timeRange(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	sum, err := h.Reporting.GetCategorizedEventsSummary(c.Request.Context(), ActorFromRequest(c).Tenant, r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Audit ---

func (h Handlers) ListAudit(c *gin.Context) {
	f := audit.Filter{
		UserID:    c.Query("user_id"),
		Action:    security.AuditAction(c.Query("action")),
		ModelName: c.Query("model_name"),
		ObjectID:  c.Query("object_id"),
		Limit:     min(queryInt(c, "limit"), 500),
		Offset:    queryInt(c, "offset"),
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		badRequest(c, err.Error())
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		badRequest(c, err.Error())
		return
	}
	entries, err := h.Audit.List(c.Request.Context(), ActorFromRequest(c).Tenant, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GetAudit returns one entry together with its integrity verdict.
func (h Handlers) GetAudit(c *gin.Context) {
	e, err := h.Audit.Get(c.Request.Context(), ActorFromRequest(c).Tenant, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e, "integrity_valid": h.Audit.Verify(e)})
}

// --- Rate limits ---

type attemptRequest struct {
	Identifier string             `json:"identifier"`
	LimitType  security.LimitType `json:"limit_type"`
	Endpoint   string             `json:"endpoint"`
	Metadata   security.Details   `json:"metadata"`
}

// RecordAttempt counts one attempt. A blocked decision is still a 200; the
// caller reads is_blocked.
func (h Handlers) RecordAttempt(c *gin.Context) {
	var req attemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	d, err := h.Limiter.RecordAttempt(c.Request.Context(), ActorFromRequest(c), req.Identifier, req.LimitType, req.Endpoint, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) RateLimitStatus(c *gin.Context) {
	counter, blocked, err := h.Limiter.Status(c.Request.Context(), ActorFromRequest(c).Tenant,
		c.Query("identifier"), security.LimitType(c.Query("limit_type")), c.Query("endpoint"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counter": counter, "is_blocked": blocked})
}

func (h Handlers) ResetRateLimit(c *gin.Context) {
	err := h.Limiter.Reset(c.Request.Context(), ActorFromRequest(c).Tenant,
		c.Query("identifier"), security.LimitType(c.Query("limit_type")), c.Query("endpoint"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Threat ---

func (h Handlers) AnalyzeLogin(c *gin.Context) {
	var req threat.Login
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.Threat.AnalyzeLoginPattern(c.Request.Context(), ActorFromRequest(c).Tenant, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// --- Auth signals ---

func (h Handlers) LoginSucceeded(c *gin.Context) {
	var req signalActor
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c, "user_id required")
		return
	}
	c.JSON(http.StatusOK, h.Hooks.LoginSucceeded(c.Request.Context(), req.actor(c), req.Username))
}

type loginFailedRequest struct {
	signalActor
	UsernameAttempted string `json:"username_attempted"`
	Reason            string `json:"reason"`
}

// LoginFailed answers 429 once the login limit blocks the address.
func (h Handlers) LoginFailed(c *gin.Context) {
	var req loginFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res := h.Hooks.LoginFailed(c.Request.Context(), req.actor(c), req.UsernameAttempted, req.Reason)
	status := http.StatusOK
	if res.Decision.Blocked {
		setRetryAfter(c, res.Decision.RetryAfter(h.now()))
		status = http.StatusTooManyRequests
	}
	c.JSON(status, res)
}

func (h Handlers) LoggedOut(c *gin.Context) {
	var req signalActor
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c, "user_id required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": h.Hooks.LoggedOut(c.Request.Context(), req.actor(c), req.Username)})
}

// --- helpers ---

func (h Handlers) timeRange(c *gin.Context) (reporting.TimeRange, error) {
	r := reporting.LastDays(h.now(), DefaultReportDays)
	from, err := queryTime(c, "from")
	if err != nil {
		return r, err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return r, err
	}
	if !from.IsZero() {
		r.From = from
	}
	if !to.IsZero() {
		r.To = to
	}
	return r, nil
}

func parseFilters(c *gin.Context) (reporting.Filters, error) {
	f := reporting.Filters{
		UserID:     c.Query("user_id"),
		IPAddress:  c.Query("ip_address"),
		AssignedTo: c.Query("assigned_to"),
		Search:     strings.TrimSpace(c.Query("search")),
	}
	for _, v := range c.QueryArray("event_type") {
		f.EventTypes = append(f.EventTypes, security.EventType(v))
	}
	for _, v := range c.QueryArray("severity") {
		f.Severities = append(f.Severities, security.Severity(v))
	}
	if v := c.Query("is_resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, security.Invalid("is_resolved", "must be a boolean")
		}
		f.Resolved = &b
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"date_from", &f.DateFrom}, {"date_to", &f.DateTo}} {
		t, err := queryTime(c, p.key)
		if err != nil {
			return f, err
		}
		if !t.IsZero() {
			*p.dst = &t
		}
	}
	return f, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, security.Invalid(key, "must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	secs := int((d + time.Second - 1) / time.Second)
	c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
}
