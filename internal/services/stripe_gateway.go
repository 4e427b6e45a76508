package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v81"
	stripeclient "github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	CustomerID string
	Mode       stripe.CheckoutSessionMode
	// PriceID drives subscription checkouts.
	PriceID string
	// AmountCents and ProductName drive one-off payment checkouts.
	AmountCents int64
	ProductName string
	TrialDays   int64
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// StripeGateway is the payment-provider boundary. Everything behind it can
// fail or be rate limited; callers must treat ErrProviderUnavailable as a
// refusal, not a retryable blip.
type StripeGateway interface {
	CreateCustomer(ctx context.Context, accountID uuid.UUID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelAt(ctx context.Context, id string, at time.Time) (*stripe.Subscription, error)
	CancelNow(ctx context.Context, id string) (*stripe.Subscription, error)
	ListRecentInvoices(ctx context.Context, subscriptionID string, limit int64) ([]*stripe.Invoice, error)
	StampSubscription(ctx context.Context, id string, metadata map[string]string) error
}

type stripeGateway struct {
	sc     *stripeclient.API
	cb     *gobreaker.CircuitBreaker
	broker *broker.Client
	log    *zap.Logger
}

// breakerOpenTTL matches the Retry-After hint handlers attach to
// provider-unavailable responses.
const breakerOpenTTL = 60 * time.Second

// NewStripeGateway wires the provider client behind a circuit breaker whose
// open state is advertised through the broker, so one tripped instance
// quiets the whole fleet.
func NewStripeGateway(secretKey string, b *broker.Client, log *zap.Logger) StripeGateway {
	sc := &stripeclient.API{}
	sc.Init(secretKey, nil)

	g := &stripeGateway{sc: sc, broker: b, log: log.Named("stripe_gateway")}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     breakerOpenTTL,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side mistakes (declined cards, bad params) must not
			// trip the breaker; only provider outages count.
			var sErr *stripe.Error
			if errors.As(err, &sErr) {
				return sErr.HTTPStatusCode > 0 && sErr.HTTPStatusCode < 500
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("stripe circuit state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			switch to {
			case gobreaker.StateOpen:
				if err := b.Set(ctx, broker.BreakerStateKey, "1", breakerOpenTTL); err != nil {
					g.log.Warn("advertise open circuit", zap.Error(err))
				}
			case gobreaker.StateClosed:
				if err := b.Delete(ctx, broker.BreakerStateKey); err != nil {
					g.log.Warn("clear circuit advertisement", zap.Error(err))
				}
			}
		},
	})
	return g
}

// remoteOpen reports whether another instance tripped the shared circuit.
func (g *stripeGateway) remoteOpen(ctx context.Context) bool {
	if g.broker == nil || g.cb.State() != gobreaker.StateClosed {
		return false
	}
	open, err := g.broker.Exists(ctx, broker.BreakerStateKey)
	if err != nil {
		// Broker trouble must not block payments; fall through to the call.
		return false
	}
	return open
}

func (g *stripeGateway) do(ctx context.Context, fn func() (any, error)) (any, error) {
	if g.remoteOpen(ctx) {
		return nil, models.ErrProviderUnavailable
	}
	res, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, models.ErrProviderUnavailable
	}
	return res, err
}

func (g *stripeGateway) CreateCustomer(ctx context.Context, accountID uuid.UUID, email string) (string, error) {
	res, err := g.do(ctx, func() (any, error) {
		params := &stripe.CustomerParams{
			Params: stripe.Params{Context: ctx},
			Email:  stripe.String(email),
		}
		params.AddMetadata("account_id", accountID.String())
		return g.sc.Customers.New(params)
	})
	if err != nil {
		return "", err
	}
	return res.(*stripe.Customer).ID, nil
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	res, err := g.do(ctx, func() (any, error) {
		params := &stripe.CheckoutSessionParams{
			Params:     stripe.Params{Context: ctx},
			Mode:       stripe.String(string(p.Mode)),
			Customer:   stripe.String(p.CustomerID),
			SuccessURL: stripe.String(p.SuccessURL),
			CancelURL:  stripe.String(p.CancelURL),
		}
		for k, v := range p.Metadata {
			params.AddMetadata(k, v)
		}

		switch p.Mode {
		case stripe.CheckoutSessionModeSubscription:
			params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			}}
			if p.TrialDays > 0 || len(p.Metadata) > 0 {
				params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
					Metadata: p.Metadata,
				}
				if p.TrialDays > 0 {
					params.SubscriptionData.TrialPeriodDays = stripe.Int64(p.TrialDays)
				}
			}
		case stripe.CheckoutSessionModePayment:
			params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(p.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			}}
			params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
				Metadata: p.Metadata,
			}
		}
		return g.sc.CheckoutSessions.New(params)
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.CheckoutSession), nil
}

func (g *stripeGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	res, err := g.do(ctx, func() (any, error) {
		return g.sc.CheckoutSessions.Get(id, &stripe.CheckoutSessionParams{
			Params: stripe.Params{Context: ctx},
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.CheckoutSession), nil
}

func (g *stripeGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	res, err := g.do(ctx, func() (any, error) {
		return g.sc.Subscriptions.Get(id, &stripe.SubscriptionParams{
			Params: stripe.Params{Context: ctx},
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.Subscription), nil
}

func (g *stripeGateway) CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	res, err := g.do(ctx, func() (any, error) {
		return g.sc.Subscriptions.Update(id, &stripe.SubscriptionParams{
			Params:            stripe.Params{Context: ctx},
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.Subscription), nil
}

// CancelAt schedules termination at an absolute time, used when a pricing
// commitment outlives the current billing period.
func (g *stripeGateway) CancelAt(ctx context.Context, id string, at time.Time) (*stripe.Subscription, error) {
	res, err := g.do(ctx, func() (any, error) {
		return g.sc.Subscriptions.Update(id, &stripe.SubscriptionParams{
			Params:   stripe.Params{Context: ctx},
			CancelAt: stripe.Int64(at.Unix()),
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.Subscription), nil
}

func (g *stripeGateway) CancelNow(ctx context.Context, id string) (*stripe.Subscription, error) {
	res, err := g.do(ctx, func() (any, error) {
		return g.sc.Subscriptions.Cancel(id, &stripe.SubscriptionCancelParams{
			Params: stripe.Params{Context: ctx},
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*stripe.Subscription), nil
}

func (g *stripeGateway) ListRecentInvoices(ctx context.Context, subscriptionID string, limit int64) ([]*stripe.Invoice, error) {
	res, err := g.do(ctx, func() (any, error) {
		params := &stripe.InvoiceListParams{
			Subscription: stripe.String(subscriptionID),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(limit)

		var invoices []*stripe.Invoice
		it := g.sc.Invoices.List(params)
		for it.Next() {
			invoices = append(invoices, it.Invoice())
		}
		return invoices, it.Err()
	})
	if err != nil {
		return nil, err
	}
	return res.([]*stripe.Invoice), nil
}

// StampSubscription marks a subscription as just touched by this service.
// The webhook classifier reads the stamp to tell internal updates apart
// from provider-driven renewals.
func (g *stripeGateway) StampSubscription(ctx context.Context, id string, metadata map[string]string) error {
	_, err := g.do(ctx, func() (any, error) {
		params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}
		return g.sc.Subscriptions.Update(id, params)
	})
	return err
}
