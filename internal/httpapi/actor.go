package httpapi

import (
	"strings"

	"security-core/internal/auth"
	"security-core/internal/security"

	"github.com/gin-gonic/gin"
)

const (
	headerSessionID = "X-Session-Id"
	cookieSession   = "sessionid"
)

// ActorFromRequest builds the actor context for the authenticated caller.
// Tenant and user come from the verified token; the rest from the request.
func ActorFromRequest(c *gin.Context) security.ActorContext {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return security.ActorContext{
		Tenant:        id.TenantSchema,
		UserID:        id.UserID,
		Username:      id.Username,
		IPAddress:     c.ClientIP(),
		UserAgent:     security.Truncate(c.Request.UserAgent(), 500),
		SessionKey:    sessionKey(c),
		RequestPath:   security.Truncate(c.Request.URL.Path, 500),
		RequestMethod: c.Request.Method,
	}
}

func sessionKey(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(headerSessionID)); v != "" {
		return security.Truncate(v, 40)
	}
	if v, err := c.Cookie(cookieSession); err == nil {
		return security.Truncate(v, 40)
	}
	return ""
}

// signalActor is the end user an auth signal is about. The auth service
// relays the user's address and agent; the tenant always comes from the
// caller's token.
type signalActor struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	SessionKey string `json:"session_key"`
}

func (s signalActor) actor(c *gin.Context) security.ActorContext {
	a := ActorFromRequest(c)
	a.UserID = s.UserID
	a.Username = s.Username
	if s.IPAddress != "" {
		a.IPAddress = s.IPAddress
	}
	a.UserAgent = security.Truncate(s.UserAgent, 500)
	a.SessionKey = security.Truncate(s.SessionKey, 40)
	return a
}
