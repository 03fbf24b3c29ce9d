package auth

import (
	"net/http"
	"strings"
	"time"

	"security-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": msg})
}

// RequireAccessToken verifies a bearer access token, puts the Identity in
// the request context and tags the request logger with it. Role checks
// belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		tok, ok := strings.CutPrefix(raw, bearerPrefix)
		if !ok || tok == "" {
			unauthenticated(c, "missing bearer token")
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, m.now())
		if err != nil {
			logger.FromGin(c).Info("access token rejected", zap.Error(err))
			unauthenticated(c, "invalid token")
			return
		}

		id := claims.Identity()
		reqLogger := logger.FromGin(c).With(
			zap.String("tenant_schema", id.TenantSchema),
			zap.String("user_id", id.UserID),
			zap.String("role", id.Role),
		)
		ctx := WithIdentity(c.Request.Context(), id)
		c.Request = c.Request.WithContext(logger.With(ctx, reqLogger))
		c.Set("logger", reqLogger)
		c.Set("tenant_schema", id.TenantSchema)

		c.Next()
	}
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}
