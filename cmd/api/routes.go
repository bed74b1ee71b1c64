package main

import (
	"outreach-platform/internal/auth"
	"outreach-platform/internal/httpapi"
	"outreach-platform/internal/rbac"
	"outreach-platform/internal/session"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, ws *session.Handler) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// Realtime call transport. The JWT is the gate; patients connect
	// with short-lived tokens minted per call link.
	r.GET("/ws", authMW, ws.Serve)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			orgID, _ := auth.OrganizationID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "organization_id": orgID, "role": role})
		})

		// CAMPAIGNS routes
		campaigns := v1.Group("/campaigns")
		campaigns.Use(rbac.RequireOrganization())
		{
			campaigns.POST("", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator), h.CreateCampaign)
			campaigns.GET("/:campaign_id", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator, rbac.RoleClinician, rbac.RoleViewer), h.GetCampaign)
			campaigns.GET("/:campaign_id/patients", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator, rbac.RoleClinician, rbac.RoleViewer), h.ListCampaignPatients)
			campaigns.POST("/:campaign_id/dispatch", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator), h.DispatchCampaign)
		}

		// PATIENTS routes
		patients := v1.Group("/patients")
		patients.Use(rbac.RequireOrganization())
		{
			patients.POST("", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator), h.CreatePatient)
			patients.POST("/:patient_id/dispatch", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator), h.DispatchPatient)
		}

		// CALLS routes (read-only projections; call mutation happens
		// through the realtime session and the worker).
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireOrganization())
		calls.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator, rbac.RoleClinician))
		{
			calls.GET("", h.ListCallsByState)
			calls.GET("/:call_id", h.GetCall)
			calls.GET("/:call_id/events", h.ListCallEvents)
		}

		// REPORTS routes
		reports := v1.Group("/reports")
		reports.Use(rbac.RequireOrganization())
		reports.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleCoordinator, rbac.RoleViewer))
		{
			reports.GET("/calls-summary", h.CallsSummary)
			reports.GET("/outcomes", h.OutcomeMetrics)
			reports.GET("/sentiment", h.SentimentBreakdown)
		}

		// ADMIN routes
		// Only admin/super_admin can access admin endpoints by default.
		// Hidden service role is intentionally NOT included.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireOrganization())
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSuperAdmin))
		{
			admin.GET("/runtime", h.RuntimeState)
		}
	}
}
