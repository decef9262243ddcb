package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/auth"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/config"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/httpapi"
	"collections-dialer/internal/rbac"
	"collections-dialer/internal/reporting"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// recordStore is what both the recorder and reporting need from call records.
type recordStore interface {
	calls.Repository
	reporting.Repository
}

type routeDeps struct {
	cfg        config.Config
	auth       *auth.Manager
	controller *calls.Controller
	records    recordStore
	audit      *audit.Service
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
	db         *sql.DB
	rdb        *redis.Client
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", healthz(d))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry})))

	// PBX call webhooks (public, HMAC-signed when PBX_WEBHOOK_SECRET is set).
	webhook := telephony.WebhookHandler{Sink: d.dispatcher, Secret: d.cfg.PBX.WebhookSecret}
	r.POST("/webhooks/pbx", webhook.Handle)

	h := httpapi.Handlers{
		Calls:    d.controller,
		Progress: d.dispatcher,
		Records:  d.records,
		Reports:  reporting.NewService(d.records),
		Audit:    d.audit,
		Auth:     d.auth,
		LineID:   d.cfg.Dialer.LineID,
	}

	// Dev-only token issuance; production tokens come from the upstream IdP.
	if !d.cfg.IsProduction() {
		r.POST("/v1/auth/token", httpapi.ClientIP(), h.IssueToken)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), httpapi.ClientIP())
	{
		lineBound := rbac.RequireLine(d.cfg.Dialer.LineID)

		// Observing the line: agents on it and supervisors.
		observe := v1.Group("/calls")
		observe.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor), lineBound)
		{
			observe.GET("/current", h.Current)
			observe.GET("/events", h.Events)
		}

		// Driving the line: agents only.
		control := v1.Group("/calls")
		control.Use(rbac.RequireAnyRole(rbac.RoleAgent), lineBound)
		{
			control.POST("", h.Dial)
			control.POST("/current/hangup", h.Hangup)
			control.POST("/current/accept", h.Accept)
			control.POST("/current/reject", h.Reject)
			control.POST("/current/mute", h.Mute)
		}

		// Supervisor views.
		supervisor := v1.Group("")
		supervisor.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			supervisor.GET("/calls/records", h.ListRecords)
			supervisor.GET("/reports/calls", h.CallsSummary)
			supervisor.GET("/audit", h.AuditLog)
		}
	}
}

func healthz(d routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{
			"status":    "ok",
			"state":     d.controller.State(),
			"transport": d.controller.TransportName(),
		}
		if d.db != nil {
			if err := utils.HealthCheck(ctx, d.db, 2*time.Second); err != nil {
				status, body["status"], body["postgres"] = http.StatusServiceUnavailable, "degraded", err.Error()
			}
		}
		if d.rdb != nil {
			if err := d.rdb.Ping(ctx).Err(); err != nil {
				status, body["status"], body["redis"] = http.StatusServiceUnavailable, "degraded", err.Error()
			}
		}
		c.JSON(status, body)
	}
}
