package handler

import (
	"time"

	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	InvoiceSvc     ports.InvoiceService
	PaymentSvc     ports.PaymentService
	PayoutSvc      ports.PayoutService
	AccountSvc     ports.AccountService
	Events         ports.EventStore
	SigSvc         ports.SignatureService
	WebhookSecret  string
	SigTolerance   time.Duration
	RateLimitStore middleware.RateLimitStore // nil = rate limiting disabled
	APILimit       middleware.RateLimitRule
	WebhookLimit   middleware.RateLimitRule
	MaxBodyBytes   int64
	HealthCheckers []ports.HealthChecker
	AuditSvc       ports.AuditService // nil = audit logging disabled
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))

	// Audit logging (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	// Health check (deep: verifies PostgreSQL and Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	rl := func(group string, rule middleware.RateLimitRule) gin.HandlerFunc {
		if deps.RateLimitStore == nil || rule.Limit <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// --- Gateway webhooks (signature-authenticated) ---
	webhookHandler := NewWebhookHandler(deps.Events, deps.Logger)
	r.POST("/webhooks/gateway",
		rl("webhooks", deps.WebhookLimit),
		middleware.GatewaySignature(deps.SigSvc, deps.WebhookSecret, deps.SigTolerance, deps.Logger),
		webhookHandler.Receive,
	)

	// API v1 routes
	v1 := r.Group("/api/v1", rl("api", deps.APILimit))

	invoiceHandler := NewInvoiceHandler(deps.InvoiceSvc, deps.PaymentSvc, deps.Events)
	invoices := v1.Group("/invoices")
	{
		invoices.POST("", invoiceHandler.CreateInvoice)
		invoices.GET("/:id", invoiceHandler.GetInvoice)
		invoices.POST("/:id/payments", invoiceHandler.StartPayment)
	}
	v1.POST("/orders/:id/rate-lock", invoiceHandler.RequestRateLock)

	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	payments := v1.Group("/payments")
	{
		payments.POST("/:intent_id/confirm", paymentHandler.ConfirmPayment)
		payments.POST("/:intent_id/refresh", paymentHandler.RefreshPayment)
	}

	payoutHandler := NewPayoutHandler(deps.PayoutSvc, deps.Events)
	payouts := v1.Group("/payouts")
	{
		payouts.POST("", payoutHandler.RequestPayout)
		payouts.GET("/preview", payoutHandler.PreviewPayout)
		payouts.GET("/:id", payoutHandler.GetPayout)
		payouts.POST("/:id/confirm", payoutHandler.ConfirmPayout)
	}

	accountHandler := NewAccountHandler(deps.AccountSvc)
	v1.GET("/accounts/:id", accountHandler.GetAccount)

	eventHandler := NewEventHandler(deps.Events)
	events := v1.Group("/events")
	{
		events.GET("/dead", eventHandler.ListDead)
		events.POST("/:id/requeue", eventHandler.Requeue)
	}

	return r
}
