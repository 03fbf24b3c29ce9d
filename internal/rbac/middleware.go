package rbac

import (
	"net/http"

	"security-core/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireTenant enforces the multi-tenant invariant: tenant_schema must exist in context.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, err := auth.TenantSchema(c.Request.Context())
		if err != nil || tenant == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_required", "message": "tenant_schema required"})
			return
		}
		c.Next()
	}
}

// DeniedFunc observes a role check failure before the 403 is written.
type DeniedFunc func(c *gin.Context, role string)

// Guard builds role checks that report denials to OnDenied.
type Guard struct {
	OnDenied DeniedFunc
}

// RequireAnyRole is Guard{}.AnyRole.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	return Guard{}.AnyRole(allowed...)
}

// AnyRole allows access if the caller has any of the provided roles.
// Rules:
// - super_admin bypasses all checks
// - hidden roles are denied unless explicitly allowed, and are not reported
// - tenant isolation is enforced via RequireTenant (use it in the chain)
func (g Guard) AnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role_required", "message": "role required"})
			return
		}

		if IsSuperAdmin(role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[role]; !ok {
			if g.OnDenied != nil && !IsHiddenRole(role) {
				g.OnDenied(c, role)
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "role not permitted"})
			return
		}
		c.Next()
	}
}
