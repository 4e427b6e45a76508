package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/metrics"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// completedMarkTTL keeps the broker's completed hint alive across the
// provider's typical redelivery window. The DB record is the durable truth.
const completedMarkTTL = 2 * time.Hour

// WebhookService verifies, deduplicates and dispatches provider events. The
// contract with the provider: once an event is recorded, the endpoint
// answers 200 whether or not processing succeeded, and failures are retried
// through redelivery against the failed record.
type WebhookService struct {
	repo    WebhookStore
	broker  *broker.Client
	subs    *SubscriptionService
	billing *BillingService
	secret  string
	log     *zap.Logger
}

func NewWebhookService(repo WebhookStore, b *broker.Client, subs *SubscriptionService, billing *BillingService, secret string, log *zap.Logger) *WebhookService {
	return &WebhookService{
		repo:    repo,
		broker:  b,
		subs:    subs,
		billing: billing,
		secret:  secret,
		log:     log.Named("webhooks"),
	}
}

// Process handles one raw webhook delivery. It returns an error only when
// the delivery must NOT be acknowledged: bad signature, or the dedup record
// could not be written. Processing failures are recorded and acknowledged so
// the provider's redelivery can reclaim them.
func (s *WebhookService) Process(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.secret)
	if err != nil {
		return &models.ValidationError{Field: "signature", Reason: "webhook signature verification failed"}
	}

	log := s.log.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	// Fast path: the broker remembers recent completions.
	if seen, err := s.broker.Exists(ctx, broker.WebhookEventKey(event.ID)); err == nil && seen {
		log.Debug("event already completed")
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		return nil
	}

	sum := sha256.Sum256(payload)
	claimed, prior, err := s.repo.CheckAndMark(ctx, event.ID, string(event.Type), hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if !claimed {
		if prior != nil && prior.State == models.WebhookCompleted {
			log.Debug("event already completed")
		} else {
			log.Info("event claimed by another instance")
		}
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		return nil
	}
	if prior != nil {
		log.Info("retrying previously failed event")
	}

	if err := s.dispatch(ctx, &event); err != nil {
		log.Error("event processing failed", zap.Error(err))
		sentry.CaptureException(fmt.Errorf("webhook %s (%s): %w", event.ID, event.Type, err))
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "failed").Inc()
		if merr := s.repo.MarkFailed(ctx, event.ID, err.Error()); merr != nil {
			log.Error("mark event failed", zap.Error(merr))
		}
		return nil
	}

	if err := s.repo.MarkCompleted(ctx, event.ID); err != nil {
		log.Error("mark event completed", zap.Error(err))
		return nil
	}
	if err := s.broker.Set(ctx, broker.WebhookEventKey(event.ID), "1", completedMarkTTL); err != nil {
		log.Debug("set completed mark", zap.Error(err))
	}
	metrics.WebhookEvents.WithLabelValues(string(event.Type), "ok").Inc()
	log.Info("event processed")
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		return s.subs.HandleCheckoutCompleted(ctx, &session, event.ID)

	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		return s.subs.HandleCheckoutExpired(ctx, &session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.subs.HandleSubscriptionEvent(ctx, string(event.Type), &sub, event.Data.PreviousAttributes, event.ID)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.subs.HandleSubscriptionDeleted(ctx, &sub, event.ID)

	case "invoice.payment_succeeded", "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.subs.HandleInvoicePaid(ctx, &inv, event.ID)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.subs.HandleInvoiceFailed(ctx, &inv)

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return fmt.Errorf("parse charge: %w", err)
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			s.log.Warn("refunded charge without payment intent", zap.String("charge_id", charge.ID))
			return nil
		}
		return s.billing.RefundPurchase(ctx, charge.PaymentIntent.ID, event.ID)

	case "payment_intent.refunded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("parse payment intent: %w", err)
		}
		return s.billing.RefundPurchase(ctx, pi.ID, event.ID)

	default:
		s.log.Debug("unhandled event type", zap.String("event_type", string(event.Type)))
		return nil
	}
}

