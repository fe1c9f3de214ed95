package main

import (
	"net/http"

	"calldispatch/internal/app"
	"calldispatch/internal/auth"
	"calldispatch/internal/httpapi"
	"calldispatch/internal/rbac"
	"calldispatch/internal/telephony"
	"calldispatch/internal/usage"
	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := a.Ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "dispatching": a.DispatchLoop.IsRunning()})
	})

	// Provider webhooks (public, authenticated by signature or shared secret).
	hooks := r.Group("/webhooks")
	{
		twilio := telephony.TwilioStatusHandler{
			Sink:          a.Scheduler,
			AuthToken:     a.Config.Twilio.AuthToken,
			PublicBaseURL: a.Config.App.PublicBaseURL,
		}
		hooks.POST("/twilio/status", twilio.HandleStatus)

		completed := telephony.ProviderCompletionHandler{
			Sink:   a.Scheduler,
			Secret: a.Config.Webhook.Secret,
		}
		hooks.POST("/providers/:provider_id/completed", completed.HandleCompleted)
	}

	h := httpapi.Handlers{
		Calls:      a.Calls,
		Reports:    a.Reports,
		Registry:   a.Registry,
		Dispatcher: a.Scheduler,
	}

	// Token rotation is the only unauthenticated /v1 route.
	r.POST("/v1/auth/refresh", auth.RefreshHandler(a.Auth))

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.Auth), rbac.RequireUser())
	{
		calls := v1.Group("/calls")
		calls.POST("", usage.RequireCallsRemaining(a.Accountant), h.AdmitCall)
		calls.GET("", h.ListCalls)
		calls.GET("/:id", h.GetCall)
		calls.POST("/:id/cancel", h.CancelCall)

		v1.GET("/reports/calls", h.CallsReport)

		// Only operator/super_admin can reach admin endpoints.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleSuperAdmin))
		{
			admin.GET("/providers", h.ListProviders)
			admin.PUT("/providers/:id/health", h.SetProviderHealth)
			admin.POST("/providers/reconcile", h.ReconcileProviders)
			admin.POST("/dispatch/run", h.RunDispatch)
		}
	}
}
