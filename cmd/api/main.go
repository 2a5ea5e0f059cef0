package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-engine/config"
	"settlement-engine/internal/adapter/gateway"
	httpHandler "settlement-engine/internal/adapter/http/handler"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/adapter/oracle"
	pgStorage "settlement-engine/internal/adapter/storage/postgres"
	redisStorage "settlement-engine/internal/adapter/storage/redis"
	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/service"
	"settlement-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Int("workers", cfg.Engine.Workers).
		Msg("Starting settlement engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize repositories
	transactor := pgStorage.NewTransactor(pool, cfg.Database.LockTimeout)
	eventRepo := pgStorage.NewEventRepo(pool)
	invoiceRepo := pgStorage.NewInvoiceRepo(pool)
	orderRepo := pgStorage.NewOrderRepo(pool)
	rateRepo := pgStorage.NewExchangeRateRepo(pool)
	accountRepo := pgStorage.NewAccountRepo(pool)
	intentRepo := pgStorage.NewPaymentIntentRepo(pool)
	feeRepo := pgStorage.NewFeeRepo(pool)
	payoutRepo := pgStorage.NewPayoutRepo(pool)
	auditRepo := pgStorage.NewAuditRepo(pool)

	// Initialize Redis stores
	webhookCache := redisStorage.NewCache(rdb, redisStorage.PrefixWebhook)
	rateCache := redisStorage.NewCache(rdb, redisStorage.PrefixRate)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Initialize collaborators
	rate, err := cfg.Fees.Rate()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid platform fee rate")
	}
	sigSvc := service.NewHMACSignatureService()
	gatewayClient := gateway.NewClient(cfg.Gateway, &http.Client{Timeout: cfg.Gateway.Timeout}, log)
	rateOracle := oracle.NewCachedOracle(
		oracle.NewClient(cfg.Oracle, &http.Client{Timeout: cfg.Oracle.Timeout}, log),
		rateCache,
		cfg.Oracle.CacheTTL,
		log,
	)
	notifier := service.NewAlertNotifier(cfg.Alert.WebhookURL, cfg.Alert.Secret, sigSvc, &http.Client{Timeout: 10 * time.Second}, log)

	// Initialize business services
	eventStore := service.NewEventStore(eventRepo, transactor, webhookCache, notifier, service.EventStoreConfig{
		MaxAttempts: cfg.Engine.MaxAttempts,
		BackoffBase: cfg.Engine.BackoffBase,
		BackoffMax:  cfg.Engine.BackoffMax,
		StuckAfter:  cfg.Engine.StuckAfter,
		DedupTTL:    cfg.Gateway.DedupTTL,
	}, log)
	accounts := service.NewAccountLedger(accountRepo, invoiceRepo, gatewayClient, transactor, log)
	invoiceSvc := service.NewInvoiceService(
		invoiceRepo, orderRepo, rateRepo, accounts, rateOracle, eventStore, transactor,
		cfg.Engine.RateLockExpiry, log,
	)
	reconciler := service.NewReconciler(invoiceRepo, orderRepo, rateRepo, intentRepo, eventStore, transactor, log)
	feeLedger := service.NewFeeLedger(feeRepo, invoiceRepo, orderRepo, rateRepo, accounts, gatewayClient, transactor, rate, log)
	payoutSvc := service.NewPayoutAggregator(payoutRepo, orderRepo, transactor, log)
	paymentSvc := service.NewPaymentService(invoiceRepo, orderRepo, rateRepo, gatewayClient, eventStore, log)
	auditSvc := service.NewAuditService(auditRepo, log)

	processor := service.NewEventProcessor(eventStore, reconciler, invoiceSvc, feeLedger, payoutSvc, service.ProcessorConfig{
		Workers:      cfg.Engine.Workers,
		BatchSize:    cfg.Engine.BatchSize,
		PollInterval: cfg.Engine.PollInterval,
	}, log)

	// Setup Gin router with all routes
	gin.SetMode(cfg.Server.Mode)
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		InvoiceSvc:     invoiceSvc,
		PaymentSvc:     paymentSvc,
		PayoutSvc:      payoutSvc,
		AccountSvc:     accounts,
		Events:         eventStore,
		SigSvc:         sigSvc,
		WebhookSecret:  cfg.Gateway.WebhookSecret,
		SigTolerance:   cfg.Gateway.SignatureTolerance,
		RateLimitStore: rateLimitStore,
		APILimit:       middleware.RateLimitRule{Limit: cfg.Limits.APIPerWindow, Window: cfg.Limits.Window},
		WebhookLimit:   middleware.RateLimitRule{Limit: cfg.Limits.WebhookPerWindow, Window: cfg.Limits.Window},
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
		HealthCheckers: []ports.HealthChecker{pgStorage.NewHealthCheck(pool), redisStorage.NewHealthCheck(rdb)},
		AuditSvc:       auditSvc,
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return processor.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Settlement engine stopped with error")
		os.Exit(1)
	}

	log.Info().Msg("Server exited")
}
