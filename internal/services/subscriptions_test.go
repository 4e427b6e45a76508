package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

type subServiceDeps struct {
	subs      *fakeSubs
	credits   *fakeCredits
	purchases *fakePurchases
	gateway   *fakeGateway
	broker    *broker.Client
	billing   *BillingService
}

func newTestSubscriptions(t *testing.T) (*SubscriptionService, *subServiceDeps) {
	t.Helper()
	b, _ := newTestBroker(t)
	d := &subServiceDeps{
		subs:      &fakeSubs{},
		credits:   &fakeCredits{},
		purchases: &fakePurchases{},
		gateway:   &fakeGateway{},
		broker:    b,
	}
	billing := newTestBilling(t, d.credits, d.purchases)
	d.billing = billing
	notify := NewNotificationService("", "noreply@agentrun.dev", "ops@agentrun.dev", zap.NewNop())
	svc := NewSubscriptionService(
		d.subs, d.credits, billing, testCatalog(t), d.gateway, b, notify,
		decimal.RequireFromString("5"), 7,
		"https://app.agentrun.dev/billing?checkout=success",
		"https://app.agentrun.dev/billing?checkout=cancelled",
		zap.NewNop(),
	)
	return svc, d
}

func customerAccount(d *subServiceDeps, accountID uuid.UUID, tier string, mutate ...func(*models.CreditAccount)) {
	d.credits.getAccount = func(context.Context, uuid.UUID) (*models.CreditAccount, error) {
		customerID := "cus_existing"
		acc := &models.CreditAccount{
			AccountID:        accountID,
			Tier:             tier,
			StripeCustomerID: &customerID,
		}
		for _, m := range mutate {
			m(acc)
		}
		return acc, nil
	}
}

func paidSubscription(priceID string, periodStart, periodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 "sub_1",
		Customer:           &stripe.Customer{ID: "cus_existing"},
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: priceID}}},
		},
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("credit purchase opens a pending row", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "pro")

		var params CheckoutParams
		d.gateway.createCheckout = func(_ context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
			params = p
			return &stripe.CheckoutSession{ID: "cs_topup", URL: "https://checkout.test/cs_topup"}, nil
		}
		var pendingAmount decimal.Decimal
		var pendingSession string
		d.purchases.createPending = func(_ context.Context, _ uuid.UUID, amount, _ decimal.Decimal, sessionID string) (*models.CreditPurchase, error) {
			pendingAmount = amount
			pendingSession = sessionID
			return &models.CreditPurchase{ID: uuid.New()}, nil
		}

		resp, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutCreditPurchase, CreditAmount: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, "cs_topup", resp.SessionID)
		assert.Equal(t, stripe.CheckoutSessionModePayment, params.Mode)
		assert.EqualValues(t, 1000, params.AmountCents)
		assert.Equal(t, "credit_purchase", params.Metadata["type"])
		assert.True(t, pendingAmount.Equal(decimal.RequireFromString("10")))
		assert.Equal(t, "cs_topup", pendingSession)
	})

	t.Run("free tier cannot buy credits", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutCreditPurchase, CreditAmount: 10,
		})
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("credit amount is bounded", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "pro")

		for _, amount := range []float64{0, -5, 5001} {
			_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
				Type: models.CheckoutCreditPurchase, CreditAmount: amount,
			})
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr, "amount %v", amount)
		}
	})

	t.Run("trial claims the lifetime slot before the provider call", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")

		var claimed bool
		d.subs.startTrialAttempt = func(context.Context, uuid.UUID) (bool, error) {
			claimed = true
			return true, nil
		}
		var params CheckoutParams
		d.gateway.createCheckout = func(_ context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
			require.True(t, claimed, "trial slot must be claimed before checkout")
			params = p
			return &stripe.CheckoutSession{ID: "cs_trial", URL: "https://checkout.test/cs_trial"}, nil
		}
		var historyStatus models.TrialHistoryStatus
		d.subs.setTrialHistory = func(_ context.Context, _ uuid.UUID, status models.TrialHistoryStatus) error {
			historyStatus = status
			return nil
		}

		resp, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutTrial,
		})
		require.NoError(t, err)
		assert.Equal(t, "cs_trial", resp.SessionID)
		assert.Equal(t, stripe.CheckoutSessionModeSubscription, params.Mode)
		assert.Equal(t, "price_trial_weekly", params.PriceID, "defaults to the catalog trial price")
		assert.EqualValues(t, 7, params.TrialDays)
		assert.Equal(t, models.TrialHistoryCheckoutCreated, historyStatus)
	})

	t.Run("a consumed trial slot refuses a second trial", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")
		d.subs.startTrialAttempt = func(context.Context, uuid.UUID) (bool, error) {
			return false, nil
		}
		d.subs.getTrialHistory = func(context.Context, uuid.UUID) (*models.TrialHistory, error) {
			return &models.TrialHistory{AccountID: accountID, Status: models.TrialHistoryConverted}, nil
		}

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutTrial,
		})
		var trialErr *models.TrialNotAllowedError
		require.ErrorAs(t, err, &trialErr)
		assert.Equal(t, models.TrialHistoryConverted, trialErr.Status)
	})

	t.Run("provider failure releases the trial back to retryable", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")
		d.gateway.createCheckout = func(context.Context, CheckoutParams) (*stripe.CheckoutSession, error) {
			return nil, models.ErrProviderUnavailable
		}
		var historyStatus models.TrialHistoryStatus
		d.subs.setTrialHistory = func(_ context.Context, _ uuid.UUID, status models.TrialHistoryStatus) error {
			historyStatus = status
			return nil
		}

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutTrial,
		})
		assert.ErrorIs(t, err, models.ErrProviderUnavailable)
		assert.Equal(t, models.TrialHistoryCheckoutFailed, historyStatus)
	})

	t.Run("existing subscription blocks a trial", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "pro", func(acc *models.CreditAccount) {
			subID := "sub_live"
			acc.StripeSubscriptionID = &subID
		})

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutTrial,
		})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("subscription checkout rejects unknown prices", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutSubscription, PriceID: "price_bogus",
		})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "price_id", verr.Field)
	})

	t.Run("converting checkout ends the live trial first", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "trial", func(acc *models.CreditAccount) {
			subID := "sub_trial"
			acc.StripeSubscriptionID = &subID
			acc.TrialStatus = models.TrialActive
		})

		var cancelledNow string
		d.gateway.cancelNow = func(_ context.Context, id string) (*stripe.Subscription, error) {
			cancelledNow = id
			return &stripe.Subscription{ID: id}, nil
		}

		_, err := svc.CreateCheckoutSession(ctx, accountID, "user@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutSubscription, PriceID: "price_pro_monthly",
		})
		require.NoError(t, err)
		assert.Equal(t, "sub_trial", cancelledNow)
	})

	t.Run("first checkout creates and links the billing profile", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		d.credits.getAccount = func(context.Context, uuid.UUID) (*models.CreditAccount, error) {
			return &models.CreditAccount{AccountID: accountID, Tier: "pro"}, nil
		}
		var createdEmail string
		d.gateway.createCustomer = func(_ context.Context, _ uuid.UUID, email string) (string, error) {
			createdEmail = email
			return "cus_new", nil
		}
		var linked string
		d.subs.linkCustomer = func(_ context.Context, _ uuid.UUID, customerID string) error {
			linked = customerID
			return nil
		}

		_, err := svc.CreateCheckoutSession(ctx, accountID, "fresh@example.test", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutCreditPurchase, CreditAmount: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, "fresh@example.test", createdEmail)
		assert.Equal(t, "cus_new", linked)
	})

	t.Run("no email and no profile fails closed", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		d.credits.getAccount = func(context.Context, uuid.UUID) (*models.CreditAccount, error) {
			return &models.CreditAccount{AccountID: accountID, Tier: "pro"}, nil
		}

		_, err := svc.CreateCheckoutSession(ctx, accountID, "", models.CreateCheckoutSessionRequest{
			Type: models.CheckoutCreditPurchase, CreditAmount: 10,
		})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "email", verr.Field)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("no subscription to cancel", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "free")

		_, err := svc.Cancel(ctx, accountID)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("a live commitment defers the end date", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "pro", func(acc *models.CreditAccount) {
			subID := "sub_committed"
			acc.StripeSubscriptionID = &subID
		})
		end := time.Now().UTC().AddDate(0, 6, 0).Truncate(time.Second)
		d.subs.activeCommitment = func(context.Context, uuid.UUID, time.Time) (*models.Commitment, error) {
			return &models.Commitment{
				StripeSubscriptionID: "sub_committed",
				AccountID:            accountID,
				Months:               12,
				StartDate:            end.AddDate(-1, 0, 0),
				EndDate:              end,
			}, nil
		}
		var cancelAt time.Time
		d.gateway.cancelAt = func(_ context.Context, _ string, at time.Time) (*stripe.Subscription, error) {
			cancelAt = at
			return &stripe.Subscription{ID: "sub_committed"}, nil
		}

		resp, err := svc.Cancel(ctx, accountID)
		require.NoError(t, err)
		assert.True(t, resp.Scheduled)
		assert.True(t, resp.CommitmentHeld)
		require.NotNil(t, resp.EffectiveAt)
		assert.True(t, resp.EffectiveAt.Equal(end))
		assert.True(t, cancelAt.Equal(end))
	})

	t.Run("without commitment the period end closes it", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		customerAccount(d, accountID, "pro", func(acc *models.CreditAccount) {
			subID := "sub_free_to_go"
			acc.StripeSubscriptionID = &subID
		})
		periodEnd := time.Now().Add(10 * 24 * time.Hour).Unix()
		d.gateway.cancelAtPeriodEnd = func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{ID: id, CurrentPeriodEnd: periodEnd}, nil
		}

		resp, err := svc.Cancel(ctx, accountID)
		require.NoError(t, err)
		assert.True(t, resp.Scheduled)
		assert.False(t, resp.CommitmentHeld)
		require.NotNil(t, resp.EffectiveAt)
		assert.Equal(t, periodEnd, resp.EffectiveAt.Unix())
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	svc, d := newTestSubscriptions(t)
	anchor := time.Now().UTC().Truncate(time.Second)
	customerAccount(d, accountID, "premium", func(acc *models.CreditAccount) {
		subID := "sub_live"
		acc.StripeSubscriptionID = &subID
		acc.BillingCycleAnchor = &anchor
		acc.TrialStatus = models.TrialConverted
	})
	d.subs.activeCommitment = func(context.Context, uuid.UUID, time.Time) (*models.Commitment, error) {
		return &models.Commitment{StripeSubscriptionID: "sub_live", AccountID: accountID, Months: 12}, nil
	}

	resp, err := svc.Status(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "premium", resp.Tier)
	assert.Equal(t, models.TrialConverted, resp.TrialStatus)
	require.NotNil(t, resp.Commitment)
	assert.Equal(t, 12, resp.Commitment.Months)
}

func TestHandleCheckoutCompleted(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("credit purchase grants through the billing path", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
		d.purchases.completeBySess = func(_ context.Context, sessionID, paymentIntentID string) (*models.CreditPurchase, bool, error) {
			require.Equal(t, "cs_topup", sessionID)
			require.Equal(t, "pi_1", paymentIntentID)
			return &models.CreditPurchase{
				ID: uuid.New(), AccountID: accountID,
				Amount: decimal.RequireFromString("10"),
				Status: models.PurchaseCompleted,
			}, true, nil
		}
		var granted decimal.Decimal
		d.credits.addCredits = func(_ context.Context, p repository.AddCreditsParams) (*models.AddCreditsResult, error) {
			granted = p.Amount
			return &models.AddCreditsResult{}, nil
		}

		session := &stripe.CheckoutSession{
			ID:            "cs_topup",
			Customer:      &stripe.Customer{ID: "cus_existing"},
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
			Metadata:      map[string]string{"type": "credit_purchase", "account_id": accountID.String()},
		}
		require.NoError(t, svc.HandleCheckoutCompleted(ctx, session, "evt_1"))
		assert.True(t, granted.Equal(decimal.RequireFromString("10")))
	})

	t.Run("trial checkout activates the trial", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
		trialEnd := time.Now().Add(7 * 24 * time.Hour).Unix()
		d.gateway.getSubscription = func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID:                 id,
				Status:             stripe.SubscriptionStatusTrialing,
				TrialEnd:           trialEnd,
				CurrentPeriodStart: time.Now().Unix(),
				Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_trial_weekly"}}},
				},
			}, nil
		}

		var tierSet string
		d.subs.updateSub = func(_ context.Context, _ uuid.UUID, tier, _ string, _ *time.Time) error {
			tierSet = tier
			return nil
		}
		var trialState string
		d.subs.setTrialState = func(_ context.Context, _ uuid.UUID, status string, endsAt *time.Time) error {
			trialState = status
			require.NotNil(t, endsAt)
			require.Equal(t, trialEnd, endsAt.Unix())
			return nil
		}
		var grant repository.AddCreditsParams
		d.credits.addCredits = func(_ context.Context, p repository.AddCreditsParams) (*models.AddCreditsResult, error) {
			grant = p
			return &models.AddCreditsResult{}, nil
		}

		session := &stripe.CheckoutSession{
			ID:           "cs_trial",
			Customer:     &stripe.Customer{ID: "cus_existing"},
			Subscription: &stripe.Subscription{ID: "sub_trial"},
			Metadata:     map[string]string{"type": "trial", "account_id": accountID.String()},
		}
		require.NoError(t, svc.HandleCheckoutCompleted(ctx, session, "evt_trial"))
		assert.Equal(t, "trial", tierSet)
		assert.Equal(t, string(models.TrialActive), trialState)
		assert.True(t, grant.Amount.Equal(decimal.RequireFromString("5")))
		assert.True(t, grant.IsExpiring)
		require.NotNil(t, grant.ExpiresAt)
		assert.Equal(t, trialEnd, grant.ExpiresAt.Unix())
	})

	t.Run("already-granted trial does not grant again", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
		d.gateway.getSubscription = func(_ context.Context, id string) (*stripe.Subscription, error) {
			return &stripe.Subscription{
				ID: id, Status: stripe.SubscriptionStatusTrialing,
				TrialEnd: time.Now().Add(24 * time.Hour).Unix(),
			}, nil
		}
		d.credits.hasTrialGrant = func(context.Context, uuid.UUID) (bool, error) {
			return true, nil
		}
		d.credits.addCredits = func(context.Context, repository.AddCreditsParams) (*models.AddCreditsResult, error) {
			t.Fatal("trial credits must only be granted once")
			return nil, nil
		}

		session := &stripe.CheckoutSession{
			ID:           "cs_trial",
			Customer:     &stripe.Customer{ID: "cus_existing"},
			Subscription: &stripe.Subscription{ID: "sub_trial"},
			Metadata:     map[string]string{"type": "trial"},
		}
		assert.NoError(t, svc.HandleCheckoutCompleted(ctx, session, "evt_redelivered"))
	})

	t.Run("unknown account is acknowledged and dropped", func(t *testing.T) {
		svc, _ := newTestSubscriptions(t)
		session := &stripe.CheckoutSession{
			ID:       "cs_orphan",
			Metadata: map[string]string{"type": "credit_purchase"},
		}
		assert.NoError(t, svc.HandleCheckoutCompleted(ctx, session, "evt_1"))
	})
}

func TestHandleCheckoutExpired(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("purchase session fails the pending row", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		var failedSession string
		d.purchases.markFailed = func(_ context.Context, sessionID string) error {
			failedSession = sessionID
			return nil
		}

		session := &stripe.CheckoutSession{ID: "cs_gone", Metadata: map[string]string{"type": "credit_purchase"}}
		require.NoError(t, svc.HandleCheckoutExpired(ctx, session))
		assert.Equal(t, "cs_gone", failedSession)
	})

	t.Run("trial session releases the slot for a retry", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		var status models.TrialHistoryStatus
		d.subs.setTrialHistory = func(_ context.Context, _ uuid.UUID, s models.TrialHistoryStatus) error {
			status = s
			return nil
		}

		session := &stripe.CheckoutSession{
			ID:       "cs_gone",
			Metadata: map[string]string{"type": "trial", "account_id": accountID.String()},
		}
		require.NoError(t, svc.HandleCheckoutExpired(ctx, session))
		assert.Equal(t, models.TrialHistoryCheckoutFailed, status)
	})
}

func TestHandleSubscriptionEvent(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	resolve := func(d *subServiceDeps) {
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
	}

	t.Run("created event sets the tier and leaves the grant to the invoice", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "free")

		var tierSet, subIDSet string
		d.subs.updateSub = func(_ context.Context, _ uuid.UUID, tier, subscriptionID string, _ *time.Time) error {
			tierSet = tier
			subIDSet = subscriptionID
			return nil
		}
		var commitment *models.Commitment
		d.subs.createCommitment = func(_ context.Context, c *models.Commitment) error {
			commitment = c
			return nil
		}
		d.credits.resetExpiring = func(context.Context, repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			t.Fatal("created events must not grant")
			return nil, nil
		}

		now := time.Now()
		sub := paidSubscription("price_pro_yearly", now.Unix(), now.AddDate(1, 0, 0).Unix())
		sub.StartDate = now.Unix()
		require.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.created", sub, nil, "evt_created"))
		assert.Equal(t, "pro", tierSet)
		assert.Equal(t, "sub_1", subIDSet)
		require.NotNil(t, commitment, "yearly price carries a 12 month term")
		assert.Equal(t, 12, commitment.Months)
		assert.Equal(t, "price_pro_yearly", commitment.PriceID)
	})

	t.Run("trialing subscription routes to trial activation", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)

		sub := paidSubscription("price_trial_weekly", time.Now().Unix(), time.Now().AddDate(0, 0, 7).Unix())
		sub.Status = stripe.SubscriptionStatusTrialing
		sub.TrialEnd = time.Now().AddDate(0, 0, 7).Unix()

		var trialState string
		d.subs.setTrialState = func(_ context.Context, _ uuid.UUID, status string, _ *time.Time) error {
			trialState = status
			return nil
		}

		require.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.created", sub, nil, "evt_trial"))
		assert.Equal(t, string(models.TrialActive), trialState)
	})

	t.Run("active subscription over an active trial converts it", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "trial", func(acc *models.CreditAccount) {
			acc.TrialStatus = models.TrialActive
		})

		var outcome models.TrialHistoryStatus
		var converted bool
		d.subs.finishTrial = func(_ context.Context, _ uuid.UUID, o models.TrialHistoryStatus, c bool) error {
			outcome = o
			converted = c
			return nil
		}
		var grant repository.GrantRenewalParams
		d.credits.grantRenewal = func(_ context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
			grant = p
			return &models.RenewalGrantResult{}, nil
		}

		now := time.Now()
		sub := paidSubscription("price_pro_monthly", now.Unix(), now.AddDate(0, 1, 0).Unix())
		prev := map[string]any{"status": string(stripe.SubscriptionStatusTrialing)}
		require.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.updated", sub, prev, "evt_convert"))
		assert.Equal(t, models.TrialHistoryConverted, outcome)
		assert.True(t, converted)
		assert.Equal(t, "trial_conversion", grant.ProcessedBy)
		assert.True(t, grant.Credits.Equal(decimal.RequireFromString("20")))
	})

	t.Run("update with a prorated upgrade invoice grants the new allotment", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro")

		// Period is hours old so the renewal-window vote cannot fire first.
		periodStart := time.Now().Add(-3 * time.Hour).Unix()
		periodEnd := time.Now().AddDate(0, 1, 0).Unix()
		d.gateway.listRecentInvoices = func(context.Context, string, int64) ([]*stripe.Invoice, error) {
			return []*stripe.Invoice{{
				ID:            "in_upgrade",
				Status:        stripe.InvoiceStatusPaid,
				BillingReason: stripe.InvoiceBillingReasonSubscriptionUpdate,
				Lines: &stripe.InvoiceLineItemList{Data: []*stripe.InvoiceLineItem{{
					Proration: true,
					Price:     &stripe.Price{ID: "price_premium_monthly"},
					Period:    &stripe.Period{Start: periodStart, End: periodEnd},
				}}},
			}}, nil
		}

		var reset repository.ResetExpiringParams
		d.credits.resetExpiring = func(_ context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			reset = p
			return &models.AddCreditsResult{}, nil
		}
		var stamped *time.Time
		d.subs.stampGrantDate = func(_ context.Context, _ uuid.UUID, nextGrant *time.Time) error {
			stamped = nextGrant
			return nil
		}

		sub := paidSubscription("price_premium_monthly", periodStart, periodEnd)
		require.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.updated", sub, map[string]any{}, "evt_upgrade"))
		assert.True(t, reset.NewCredits.Equal(decimal.RequireFromString("50")))
		assert.Equal(t, "upgrade", reset.Metadata["reason"])
		assert.Equal(t, periodEnd, reset.ExpiresAt.Unix())
		require.NotNil(t, stamped)
	})

	t.Run("renewal invoice in view leaves the grant to the invoice event", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro")

		periodStart := time.Now().Add(-3 * time.Hour).Unix()
		d.gateway.listRecentInvoices = func(context.Context, string, int64) ([]*stripe.Invoice, error) {
			return []*stripe.Invoice{{
				ID:            "in_cycle",
				Status:        stripe.InvoiceStatusPaid,
				BillingReason: stripe.InvoiceBillingReasonSubscriptionCycle,
				Lines: &stripe.InvoiceLineItemList{Data: []*stripe.InvoiceLineItem{{
					Price:  &stripe.Price{ID: "price_pro_monthly"},
					Period: &stripe.Period{Start: periodStart, End: time.Now().AddDate(0, 1, 0).Unix()},
				}}},
			}}, nil
		}
		d.credits.resetExpiring = func(context.Context, repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			t.Fatal("renewal updates must not grant here")
			return nil, nil
		}

		sub := paidSubscription("price_pro_monthly", periodStart, time.Now().AddDate(0, 1, 0).Unix())
		assert.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.updated", sub, map[string]any{}, "evt_renewal"))
	})

	t.Run("ambiguous update near the period boundary is presumed a renewal", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro")
		d.credits.resetExpiring = func(context.Context, repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			t.Fatal("boundary updates must not grant")
			return nil, nil
		}

		sub := paidSubscription("price_pro_monthly", time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		assert.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.updated", sub, map[string]any{}, "evt_ambiguous"))
	})

	t.Run("a period move onto a bigger tier is an upgrade", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro")

		periodStart := time.Now().Add(-2 * time.Hour).Unix()
		var reset repository.ResetExpiringParams
		d.credits.resetExpiring = func(_ context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			reset = p
			return &models.AddCreditsResult{}, nil
		}

		prev := map[string]any{
			"current_period_start": float64(time.Now().AddDate(0, -1, 0).Unix()),
			"items": map[string]any{
				"data": []any{
					map[string]any{"price": map[string]any{"id": "price_pro_monthly"}},
				},
			},
		}
		sub := paidSubscription("price_premium_monthly", periodStart, time.Now().AddDate(0, 1, 0).Unix())
		require.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.updated", sub, prev, "evt_step_up"))
		assert.True(t, reset.NewCredits.Equal(decimal.RequireFromString("50")))
	})

	t.Run("unknown price is dropped with an alert", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		d.subs.updateSub = func(context.Context, uuid.UUID, string, string, *time.Time) error {
			t.Fatal("unknown prices must not touch the account")
			return nil
		}

		sub := paidSubscription("price_unlisted", time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		assert.NoError(t, svc.HandleSubscriptionEvent(ctx, "customer.subscription.created", sub, nil, "evt_unknown"))
	})
}

func TestHandleSubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	resolve := func(d *subServiceDeps) {
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
	}

	t.Run("drops to free and clears the expiring bucket", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro", func(acc *models.CreditAccount) {
			subID := "sub_1"
			acc.StripeSubscriptionID = &subID
		})

		var reset repository.ResetExpiringParams
		d.credits.resetExpiring = func(_ context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
			reset = p
			return &models.AddCreditsResult{}, nil
		}
		var clearedOutcome string
		cleared := false
		d.subs.clearSub = func(_ context.Context, _ uuid.UUID, trialOutcome string) error {
			cleared = true
			clearedOutcome = trialOutcome
			return nil
		}

		sub := paidSubscription("price_pro_monthly", time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		require.NoError(t, svc.HandleSubscriptionDeleted(ctx, sub, "evt_del"))
		assert.True(t, reset.NewCredits.IsZero())
		assert.True(t, cleared)
		assert.Empty(t, clearedOutcome)
	})

	t.Run("superseded subscription delete is ignored", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		customerAccount(d, accountID, "pro", func(acc *models.CreditAccount) {
			subID := "sub_new"
			acc.StripeSubscriptionID = &subID
		})
		d.subs.clearSub = func(context.Context, uuid.UUID, string) error {
			t.Fatal("a superseded delete must not clear the live subscription")
			return nil
		}

		sub := paidSubscription("price_pro_monthly", time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		sub.ID = "sub_old"
		assert.NoError(t, svc.HandleSubscriptionDeleted(ctx, sub, "evt_stale"))
	})

	t.Run("an overdue trial closes as expired", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		past := time.Now().Add(-48 * time.Hour)
		customerAccount(d, accountID, "trial", func(acc *models.CreditAccount) {
			subID := "sub_1"
			acc.StripeSubscriptionID = &subID
			acc.TrialStatus = models.TrialActive
			acc.TrialEndsAt = &past
		})

		var outcome models.TrialHistoryStatus
		d.subs.finishTrial = func(_ context.Context, _ uuid.UUID, o models.TrialHistoryStatus, converted bool) error {
			outcome = o
			require.False(t, converted)
			return nil
		}
		var clearedOutcome string
		d.subs.clearSub = func(_ context.Context, _ uuid.UUID, trialOutcome string) error {
			clearedOutcome = trialOutcome
			return nil
		}

		sub := paidSubscription("price_trial_weekly", time.Now().Unix(), time.Now().AddDate(0, 0, 7).Unix())
		require.NoError(t, svc.HandleSubscriptionDeleted(ctx, sub, "evt_del"))
		assert.Equal(t, models.TrialHistoryExpired, outcome)
		assert.Equal(t, string(models.TrialExpired), clearedOutcome)
	})
}

func TestHandleInvoicePaid(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	resolve := func(d *subServiceDeps) {
		d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
			return accountID, nil
		}
	}

	cycleInvoice := func(periodStart, periodEnd int64) *stripe.Invoice {
		return &stripe.Invoice{
			ID:            "in_cycle",
			Customer:      &stripe.Customer{ID: "cus_existing"},
			Subscription:  &stripe.Subscription{ID: "sub_1"},
			BillingReason: stripe.InvoiceBillingReasonSubscriptionCycle,
			Lines: &stripe.InvoiceLineItemList{Data: []*stripe.InvoiceLineItem{{
				Price:  &stripe.Price{ID: "price_pro_monthly"},
				Period: &stripe.Period{Start: periodStart, End: periodEnd},
			}}},
		}
	}

	t.Run("cycle invoice grants the tier allotment", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)

		var grant repository.GrantRenewalParams
		d.credits.grantRenewal = func(_ context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
			grant = p
			return &models.RenewalGrantResult{}, nil
		}

		periodStart := time.Now().Unix()
		periodEnd := time.Now().AddDate(0, 1, 0).Unix()
		require.NoError(t, svc.HandleInvoicePaid(ctx, cycleInvoice(periodStart, periodEnd), "evt_inv"))
		assert.True(t, grant.Credits.Equal(decimal.RequireFromString("20")))
		assert.Equal(t, "invoice.subscription_cycle", grant.ProcessedBy)
		assert.Equal(t, "in_cycle", grant.InvoiceID)
		assert.Equal(t, periodStart, grant.PeriodStart.Unix())
	})

	t.Run("manual invoices never grant", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		d.credits.grantRenewal = func(context.Context, repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
			t.Fatal("manual invoices are not renewals")
			return nil, nil
		}

		inv := cycleInvoice(time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		inv.BillingReason = stripe.InvoiceBillingReasonManual
		assert.NoError(t, svc.HandleInvoicePaid(ctx, inv, "evt_manual"))
	})

	t.Run("missing plan line falls back to the subscription", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)

		periodStart := time.Now().Unix()
		periodEnd := time.Now().AddDate(0, 1, 0).Unix()
		d.gateway.getSubscription = func(_ context.Context, id string) (*stripe.Subscription, error) {
			return paidSubscription("price_premium_monthly", periodStart, periodEnd), nil
		}
		var grant repository.GrantRenewalParams
		d.credits.grantRenewal = func(_ context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
			grant = p
			return &models.RenewalGrantResult{}, nil
		}

		inv := cycleInvoice(periodStart, periodEnd)
		inv.Lines = nil
		require.NoError(t, svc.HandleInvoicePaid(ctx, inv, "evt_inv"))
		assert.True(t, grant.Credits.Equal(decimal.RequireFromString("50")))
	})

	t.Run("a busy renewal lock defers to the holder", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)

		periodStart := time.Now().Unix()
		lock, err := d.broker.AcquireLock(ctx, broker.RenewalLockName(accountID.String(), periodStart), time.Minute)
		require.NoError(t, err)
		defer lock.Release(ctx)

		err = svc.HandleInvoicePaid(ctx, cycleInvoice(periodStart, time.Now().AddDate(0, 1, 0).Unix()), "evt_inv")
		assert.ErrorIs(t, err, broker.ErrLockNotAcquired)
	})

	t.Run("duplicate grants acknowledge quietly", func(t *testing.T) {
		svc, d := newTestSubscriptions(t)
		resolve(d)
		d.credits.grantRenewal = func(context.Context, repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
			return &models.RenewalGrantResult{DuplicatePrevented: true, ProcessedBy: "invoice.subscription_cycle"}, nil
		}

		inv := cycleInvoice(time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())
		assert.NoError(t, svc.HandleInvoicePaid(ctx, inv, "evt_dup"))
	})
}

func TestHandleInvoiceFailed(t *testing.T) {
	svc, d := newTestSubscriptions(t)
	d.subs.byCustomer = func(context.Context, string) (uuid.UUID, error) {
		return uuid.New(), nil
	}

	inv := &stripe.Invoice{
		ID:                 "in_fail",
		Customer:           &stripe.Customer{ID: "cus_existing"},
		AttemptCount:       2,
		NextPaymentAttempt: time.Now().Add(24 * time.Hour).Unix(),
	}
	assert.NoError(t, svc.HandleInvoiceFailed(context.Background(), inv))
}
