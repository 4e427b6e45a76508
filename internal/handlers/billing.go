package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/metrics"
	"github.com/subculture-collective/agentrun/internal/middleware"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/services"
)

// BillingHandler serves credit, checkout and subscription endpoints plus the
// provider webhook.
type BillingHandler struct {
	billing *services.BillingService
	subs    *services.SubscriptionService
	hooks   *services.WebhookService
	log     *zap.Logger
}

func NewBillingHandler(billing *services.BillingService, subs *services.SubscriptionService, hooks *services.WebhookService, log *zap.Logger) *BillingHandler {
	return &BillingHandler{billing: billing, subs: subs, hooks: hooks, log: log.Named("handlers.billing")}
}

// Deduct handles POST /billing/deduct. Shortfalls answer 402 with the
// required/available detail; everything else is a 200 with the debit result.
func (h *BillingHandler) Deduct(c *gin.Context) {
	var req models.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, &models.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		respondError(c, h.log, &models.ValidationError{Field: "model", Reason: "must not be empty"})
		return
	}

	resp, res, err := h.billing.Deduct(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		metrics.CreditDeductions.WithLabelValues("error").Inc()
		respondError(c, h.log, err)
		return
	}
	if !resp.Success {
		metrics.CreditDeductions.WithLabelValues("insufficient").Inc()
		respondError(c, h.log, &models.InsufficientCreditsError{Required: res.Required, Available: res.Available})
		return
	}
	outcome := "ok"
	if res.DuplicatePrevented {
		outcome = "duplicate"
	}
	metrics.CreditDeductions.WithLabelValues(outcome).Inc()
	c.JSON(http.StatusOK, resp)
}

// Balance handles GET /billing/balance.
func (h *BillingHandler) Balance(c *gin.Context) {
	resp, err := h.billing.Balance(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Checkout handles POST /billing/checkout for credit purchases, paid
// subscriptions and trials.
func (h *BillingHandler) Checkout(c *gin.Context) {
	var req models.CreateCheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, &models.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}
	resp, err := h.subs.CreateCheckoutSession(c.Request.Context(), middleware.UserID(c), middleware.Email(c), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Subscription handles GET /billing/subscription.
func (h *BillingHandler) Subscription(c *gin.Context) {
	resp, err := h.subs.Status(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CancelSubscription handles POST /billing/subscription/cancel. Commitments
// defer the cancellation to the commitment end instead of the period end.
func (h *BillingHandler) CancelSubscription(c *gin.Context) {
	resp, err := h.subs.Cancel(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Webhook handles POST /billing/webhook. Bad signatures answer 400. A dedup
// record that cannot be written answers 500 so the provider redelivers.
// Every recorded event answers 200, whether or not processing succeeded.
func (h *BillingHandler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, h.log, &models.ValidationError{Field: "body", Reason: "unreadable payload"})
		return
	}

	if err := h.hooks.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		var validation *models.ValidationError
		if errors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
			return
		}
		h.log.Error("webhook not recorded", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
