package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"security-core/internal/events"
	"security-core/internal/ratelimit"
	"security-core/internal/rbac"
	"security-core/internal/security"
	"security-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventLogger is the slice of the event service the middleware writes to.
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, actor security.ActorContext, eventType security.EventType, severity security.Severity, details security.Details, opts ...events.EventOption) (security.SecurityEvent, error)
}

// APIEndpoint is the rate-limit endpoint shared by every API request.
const APIEndpoint = "api"

// RateLimitAPI counts each authenticated request against the caller's
// address under the api_call limit and rejects with 429 while blocked.
// A limiter failure rejects with 503.
func RateLimitAPI(l *ratelimit.Limiter, clock func() time.Time) gin.HandlerFunc {
	if clock == nil {
		clock = time.Now
	}
	return func(c *gin.Context) {
		actor := ActorFromRequest(c)
		d, err := l.RecordAttempt(c.Request.Context(), actor, actor.IPAddress, security.LimitAPICall, APIEndpoint,
			security.Details{"path": actor.RequestPath, "method": actor.RequestMethod})
		if err != nil {
			logger.FromGin(c).Warn("api rate limit check failed", zap.Error(err))
			abort(c, http.StatusServiceUnavailable, CodeRateLimited, "rate limiter unavailable")
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Blocked {
			setRetryAfter(c, d.RetryAfter(clock().UTC()))
			abort(c, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}

// PermissionDenied returns an rbac denial observer that records a
// permission_denied event. A failed write is logged and ignored.
func PermissionDenied(ev EventLogger) rbac.DeniedFunc {
	return func(c *gin.Context, role string) {
		actor := ActorFromRequest(c)
		if _, err := ev.LogSecurityEvent(c.Request.Context(), actor, security.EventPermissionDenied, security.SeverityMedium, security.Details{
			"role":   role,
			"path":   actor.RequestPath,
			"method": actor.RequestMethod,
		}); err != nil {
			logger.FromGin(c).Warn("permission denied event write failed", zap.Error(err))
		}
	}
}

const (
	headerCSRFToken = "X-CSRF-Token"
	cookieCSRFToken = "csrftoken"
)

// RequireCSRF enforces a double-submit token on unsafe methods for
// cookie-authenticated requests. Bearer-token requests are exempt. A
// mismatch records a csrf_failure event and rejects with 403.
func RequireCSRF(ev EventLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if c.GetHeader(authorizationHeader) != "" {
			c.Next()
			return
		}
		header := c.GetHeader(headerCSRFToken)
		cookie, err := c.Cookie(cookieCSRFToken)
		if err == nil && header != "" && subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1 {
			c.Next()
			return
		}
		reason := "token mismatch"
		switch {
		case err != nil:
			reason = "cookie missing"
		case header == "":
			reason = "header missing"
		}
		CSRFFailure(c, ev, reason)
	}
}

// CSRFFailure records a csrf_failure event and aborts with 403. It is also
// usable as the failure handler of another CSRF check.
func CSRFFailure(c *gin.Context, ev EventLogger, reason string) {
	actor := ActorFromRequest(c)
	if _, err := ev.LogSecurityEvent(c.Request.Context(), actor, security.EventCSRFFailure, security.SeverityMedium, security.Details{
		"reason": reason,
		"path":   actor.RequestPath,
		"method": actor.RequestMethod,
	}); err != nil {
		logger.FromGin(c).Warn("csrf failure event write failed", zap.Error(err))
	}
	abort(c, http.StatusForbidden, CodeCSRFFailure, "CSRF verification failed")
}

const authorizationHeader = "Authorization"
