package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/handlers"
	"github.com/subculture-collective/agentrun/internal/repository"
	"github.com/subculture-collective/agentrun/internal/services"
	"github.com/subculture-collective/agentrun/pkg/broker"
	"github.com/subculture-collective/agentrun/pkg/database"
	"github.com/subculture-collective/agentrun/pkg/jwt"
	"github.com/subculture-collective/agentrun/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := logger.New(cfg.Server.LogLevel, !cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zl.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Environment,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	bk, err := broker.Connect(ctx, cfg.Redis.URL, zl)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bk.Close()

	jwtManager, err := jwt.NewManager(cfg.JWT.PrivateKey)
	if err != nil {
		return fmt.Errorf("init jwt: %w", err)
	}

	catalog, err := config.LoadCatalog(cfg.Billing.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// Instance identity scopes run-ownership leases in the broker.
	instanceID := uuid.NewString()[:8]

	creditRepo := repository.NewCreditRepository(db, zl)
	purchaseRepo := repository.NewPurchaseRepository(db, zl)
	subRepo := repository.NewSubscriptionRepository(db, zl)
	threadRepo := repository.NewThreadRepository(db, zl)
	runRepo := repository.NewAgentRunRepository(db, zl)
	webhookRepo := repository.NewWebhookRepository(db, zl)

	pricing := services.NewPricingService(catalog, cfg.Billing.Markup, cfg.Billing.MinimumCharge)
	gateway := services.NewStripeGateway(cfg.Stripe.SecretKey, bk, zl)
	sandbox := services.NewSandboxClient(cfg.Sandbox.URL, cfg.Sandbox.APIKey, zl)
	notify := services.NewNotificationService(cfg.SendGrid.APIKey, cfg.SendGrid.FromEmail, cfg.SendGrid.OpsEmail, zl)
	billing := services.NewBillingService(creditRepo, purchaseRepo, pricing, catalog, zl)
	runs := services.NewRunService(runRepo, threadRepo, billing, pricing, catalog, bk, sandbox,
		cfg.Billing.MinimumBalance, cfg.Billing.MaxParallelRuns, instanceID, zl)
	stream := services.NewStreamService(runRepo, bk, zl)
	subs := services.NewSubscriptionService(subRepo, creditRepo, billing, catalog, gateway, bk, notify,
		cfg.Billing.TrialCredits, cfg.Billing.TrialDays, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL, zl)
	hooks := services.NewWebhookService(webhookRepo, bk, subs, billing, cfg.Stripe.WebhookSecret, zl)
	recon := services.NewReconciliationService(creditRepo, purchaseRepo, runRepo, webhookRepo, subRepo,
		billing, gateway, bk, notify, cfg.Billing.ReconcileInterval, zl)

	router := handlers.NewRouter(handlers.Deps{
		Config:  cfg,
		DB:      db,
		Broker:  bk,
		JWT:     jwtManager,
		Runs:    runs,
		Stream:  stream,
		Billing: billing,
		Subs:    subs,
		Hooks:   hooks,
		Recon:   recon,
		Log:     zl,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout 0 keeps long-lived SSE connections open.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	reconCtx, stopRecon := context.WithCancel(context.Background())
	defer stopRecon()
	go recon.Run(reconCtx)

	serveErr := make(chan error, 1)
	go func() {
		zl.Info("api listening",
			zap.String("port", cfg.Server.Port),
			zap.String("instance_id", instanceID),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	stopRecon()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("server shutdown", zap.Error(err))
	}

	// Owned runs must reach a terminal state so live subscribers close out
	// instead of waiting on a dead worker lease.
	if stopped := runs.StopOwnedRuns(shutdownCtx); stopped > 0 {
		zl.Info("stopped owned runs", zap.Int("count", stopped))
	}
	return nil
}
