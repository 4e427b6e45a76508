package handlers

import (
	"context"
	"net/http"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/middleware"
	"github.com/subculture-collective/agentrun/internal/services"
	"github.com/subculture-collective/agentrun/pkg/broker"
	"github.com/subculture-collective/agentrun/pkg/jwt"
)

// Pinger is what the health endpoint needs from the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Billing endpoints share one per-account limiter.
const (
	billingRateLimit = 10
	billingRateBurst = 20
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config  *config.Config
	DB      Pinger
	Broker  *broker.Client
	JWT     *jwt.Manager
	Runs    *services.RunService
	Stream  *services.StreamService
	Billing *services.BillingService
	Subs    *services.SubscriptionService
	Hooks   *services.WebhookService
	Recon   *services.ReconciliationService
	Log     *zap.Logger
}

// NewRouter assembles the full HTTP surface under /api/v1.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(requestid.New())
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(middleware.Metrics())
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))

	agents := NewAgentRunHandler(d.Runs, d.Stream, d.Log)
	billing := NewBillingHandler(d.Billing, d.Subs, d.Hooks, d.Log)
	admin := NewAdminHandler(d.Recon, d.Log)

	v1 := r.Group("/api/v1")

	v1.GET("/health", health(d.DB, d.Broker))
	v1.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1.POST("/billing/webhook", billing.Webhook)

	authed := v1.Group("", middleware.Auth(d.JWT))
	authed.POST("/agent/initiate", agents.Initiate)
	authed.POST("/thread/:thread_id/agent/start", agents.Start)
	authed.GET("/thread/:thread_id/agent-runs", agents.ListByThread)
	authed.GET("/thread/:thread_id/messages", agents.Messages)
	authed.GET("/project/:project_id", agents.Project)
	authed.POST("/agent-run/:run_id/stop", agents.Stop)
	authed.GET("/agent-run/:run_id", agents.Get)
	authed.GET("/agent-run/:run_id/stream", agents.Stream)

	bill := authed.Group("/billing", middleware.RateLimit(billingRateLimit, billingRateBurst))
	bill.POST("/deduct", middleware.RequireRole("service", "admin"), billing.Deduct)
	bill.GET("/balance", billing.Balance)
	bill.POST("/checkout", billing.Checkout)
	bill.GET("/subscription", billing.Subscription)
	bill.POST("/subscription/cancel", billing.CancelSubscription)

	ops := v1.Group("/admin", middleware.AdminKey(d.Config.Server.AdminKeyHash))
	ops.POST("/reconcile", admin.ReconcileAll)
	ops.POST("/reconcile/:job", admin.ReconcileJob)

	return r
}

func health(db Pinger, b *broker.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		if err := b.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "broker": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
