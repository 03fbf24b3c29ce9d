package main

import (
	"context"
	"net/http"

	"security-core/internal/httpapi"
	"security-core/internal/rbac"

	"github.com/gin-gonic/gin"
)

// routeDeps is what the router needs from the running app.
type routeDeps struct {
	handlers httpapi.Handlers
	metrics  http.Handler
	ready    func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps, authMW gin.HandlerFunc) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.ready != nil {
			if err := d.ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics))
	}

	guard := rbac.Guard{OnDenied: httpapi.PermissionDenied(h.Events)}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireTenant())

	// Per-IP api_call limit. The auth-signals group below sits outside it:
	// the auth service relays every login from one address.
	api := v1.Group("", httpapi.RateLimitAPI(h.Limiter, h.Clock), httpapi.RequireCSRF(h.Events))

	readers := api.Group("", guard.AnyRole(rbac.Readers...))
	{
		readers.GET("/events", h.ListEvents)
		readers.GET("/events/:id", h.GetEvent)
		readers.GET("/events/:id/risk", h.CategorizeEvent)
		readers.GET("/events/:id/timeline", h.GetTimeline)
		readers.GET("/events/:id/related", h.GetRelatedEvents)
		readers.GET("/activities", h.ListActivities)
		readers.GET("/reports/statistics", h.GetStatistics)
		readers.GET("/reports/summary", h.GetCategorizedSummary)
		readers.GET("/audit", h.ListAudit)
		readers.GET("/audit/:id", h.GetAudit)
		readers.GET("/rate-limits", h.RateLimitStatus)
	}

	investigators := api.Group("", guard.AnyRole(rbac.Investigators...))
	{
		investigators.POST("/events/:id/assign", h.AssignEvent)
		investigators.POST("/events/:id/status", h.UpdateStatus)
		investigators.POST("/events/:id/notes", h.AddNote)
		investigators.POST("/events/:id/resolve", h.ResolveEvent)
		investigators.POST("/events/:id/reopen", h.ReopenEvent)
		investigators.POST("/events/bulk-resolve", h.BulkResolve)
		investigators.POST("/activities/:id/investigate", h.InvestigateActivity)
		investigators.POST("/threat/analyze-login", h.AnalyzeLogin)
	}

	// Event producers: investigators and the auth service.
	producers := api.Group("", guard.AnyRole(append([]string{rbac.RoleAuthService}, rbac.Investigators...)...))
	{
		producers.POST("/events", h.LogEvent)
		producers.POST("/activities", h.RecordActivity)
		producers.POST("/rate-limits/attempts", h.RecordAttempt)
	}

	admin := api.Group("", guard.AnyRole(rbac.Admins...))
	{
		admin.POST("/impersonations", h.LogImpersonation)
		admin.DELETE("/rate-limits", h.ResetRateLimit)
	}

	// Hidden auth_service role only; super_admin still bypasses.
	// Login failures are already counted per address by the login limit.
	signals := v1.Group("/auth-signals", httpapi.RequireCSRF(h.Events), guard.AnyRole(rbac.RoleAuthService))
	{
		signals.POST("/login-succeeded", h.LoginSucceeded)
		signals.POST("/login-failed", h.LoginFailed)
		signals.POST("/logout", h.LoggedOut)
	}
}
