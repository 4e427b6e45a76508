package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// updateClass is the outcome of the subscription.updated classifier. Renewals
// are granted by the invoice event; only upgrades grant here.
type updateClass string

const (
	classRenewalInvoice updateClass = "renewal_invoice"
	classUpgrade        updateClass = "upgrade"
	classRenewalWindow  updateClass = "renewal_window"
	classProcessed      updateClass = "already_processed"
	classMetadataOnly   updateClass = "metadata_only"
)

const (
	grantLockTTL = 30 * time.Second
	// renewalWindow is how close to a period boundary an ambiguous update is
	// presumed to be the renewal itself rather than a plan change.
	renewalWindow = 30 * time.Minute
	// maxPurchaseCredits bounds a single checkout top-up.
	maxPurchaseCredits = 5000
)

// SubscriptionService owns the subscription lifecycle: checkout creation,
// provider event handling, trial state and commitment-aware cancellation.
type SubscriptionService struct {
	subs    SubscriptionStore
	credits CreditStore
	billing *BillingService
	catalog *config.Catalog
	gateway StripeGateway
	broker  *broker.Client
	notify  *NotificationService

	trialCredits decimal.Decimal
	trialDays    int
	successURL   string
	cancelURL    string
	log          *zap.Logger
}

func NewSubscriptionService(
	subs SubscriptionStore,
	credits CreditStore,
	billing *BillingService,
	catalog *config.Catalog,
	gateway StripeGateway,
	b *broker.Client,
	notify *NotificationService,
	trialCredits decimal.Decimal,
	trialDays int,
	successURL, cancelURL string,
	log *zap.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		subs:         subs,
		credits:      credits,
		billing:      billing,
		catalog:      catalog,
		gateway:      gateway,
		broker:       b,
		notify:       notify,
		trialCredits: trialCredits,
		trialDays:    trialDays,
		successURL:   successURL,
		cancelURL:    cancelURL,
		log:          log.Named("subscriptions"),
	}
}

// CreateCheckoutSession builds a provider checkout for a credit top-up, a
// trial, or a paid subscription. The trial path claims the account's lifetime
// trial slot before touching the provider, so two concurrent requests cannot
// both mint a trial.
func (s *SubscriptionService) CreateCheckoutSession(ctx context.Context, accountID uuid.UUID, email string, req models.CreateCheckoutSessionRequest) (*models.CreateCheckoutSessionResponse, error) {
	account, err := s.billing.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, account, email)
	if err != nil {
		return nil, err
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}

	switch req.Type {
	case models.CheckoutCreditPurchase:
		return s.createPurchaseCheckout(ctx, account, customerID, successURL, cancelURL, req.CreditAmount)
	case models.CheckoutTrial:
		return s.createTrialCheckout(ctx, account, customerID, successURL, cancelURL, req.PriceID)
	case models.CheckoutSubscription:
		return s.createSubscriptionCheckout(ctx, account, customerID, successURL, cancelURL, req.PriceID)
	default:
		return nil, &models.ValidationError{Field: "type", Reason: "must be credit_purchase, trial or subscription"}
	}
}

func (s *SubscriptionService) createPurchaseCheckout(ctx context.Context, account *models.CreditAccount, customerID, successURL, cancelURL string, creditAmount float64) (*models.CreateCheckoutSessionResponse, error) {
	tier, ok := s.catalog.TierByName(account.Tier)
	if !ok || !tier.CanPurchaseCredits {
		return nil, fmt.Errorf("tier %s cannot purchase credits: %w", account.Tier, models.ErrForbidden)
	}
	amount := decimal.NewFromFloat(creditAmount)
	if amount.Sign() <= 0 || amount.GreaterThan(decimal.NewFromInt(maxPurchaseCredits)) {
		return nil, &models.ValidationError{Field: "credit_amount", Reason: fmt.Sprintf("must be between 0 and %d", maxPurchaseCredits)}
	}
	amount = amount.Round(2)

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:  customerID,
		Mode:        stripe.CheckoutSessionModePayment,
		AmountCents: amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
		ProductName: fmt.Sprintf("%s credits", amount.StringFixed(2)),
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Metadata: map[string]string{
			"type":          string(models.CheckoutCreditPurchase),
			"account_id":    account.AccountID.String(),
			"credit_amount": amount.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.billing.RecordPendingPurchase(ctx, account.AccountID, amount, session.ID); err != nil {
		return nil, err
	}
	s.log.Info("credit purchase checkout created",
		zap.String("account_id", account.AccountID.String()),
		zap.String("session_id", session.ID),
		zap.String("amount", amount.String()))
	return &models.CreateCheckoutSessionResponse{SessionID: session.ID, SessionURL: session.URL}, nil
}

func (s *SubscriptionService) createTrialCheckout(ctx context.Context, account *models.CreditAccount, customerID, successURL, cancelURL, priceID string) (*models.CreateCheckoutSessionResponse, error) {
	if account.StripeSubscriptionID != nil && *account.StripeSubscriptionID != "" {
		return nil, &models.ValidationError{Field: "type", Reason: "account already has a subscription"}
	}
	claimed, err := s.subs.StartTrialAttempt(ctx, account.AccountID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		var status models.TrialHistoryStatus
		if h, err := s.subs.GetTrialHistory(ctx, account.AccountID); err == nil {
			status = h.Status
		}
		return nil, &models.TrialNotAllowedError{Status: status}
	}

	if priceID == "" {
		trialTier, ok := s.catalog.TierByName(config.TierTrial)
		if !ok || len(trialTier.PriceIDs) == 0 {
			return nil, fmt.Errorf("no trial price configured")
		}
		priceID = trialTier.PriceIDs[0]
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		Mode:       stripe.CheckoutSessionModeSubscription,
		PriceID:    priceID,
		TrialDays:  int64(s.trialDays),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"type":       string(models.CheckoutTrial),
			"account_id": account.AccountID.String(),
		},
	})
	if err != nil {
		if herr := s.subs.SetTrialHistoryStatus(ctx, account.AccountID, models.TrialHistoryCheckoutFailed); herr != nil {
			s.log.Warn("mark trial checkout failed", zap.Error(herr))
		}
		return nil, err
	}
	if err := s.subs.SetTrialHistoryStatus(ctx, account.AccountID, models.TrialHistoryCheckoutCreated); err != nil {
		s.log.Warn("mark trial checkout created", zap.Error(err))
	}
	s.log.Info("trial checkout created",
		zap.String("account_id", account.AccountID.String()),
		zap.String("session_id", session.ID))
	return &models.CreateCheckoutSessionResponse{SessionID: session.ID, SessionURL: session.URL}, nil
}

func (s *SubscriptionService) createSubscriptionCheckout(ctx context.Context, account *models.CreditAccount, customerID, successURL, cancelURL, priceID string) (*models.CreateCheckoutSessionResponse, error) {
	if _, ok := s.catalog.TierByPriceID(priceID); !ok {
		return nil, &models.ValidationError{Field: "price_id", Reason: "unknown price"}
	}

	// Converting an active trial: the trial subscription ends now and the
	// paid one starts fresh, so the new period's invoice drives the grant.
	if account.TrialStatus == models.TrialActive && account.StripeSubscriptionID != nil && *account.StripeSubscriptionID != "" {
		if _, err := s.gateway.CancelNow(ctx, *account.StripeSubscriptionID); err != nil {
			return nil, fmt.Errorf("cancel trial subscription: %w", err)
		}
		s.log.Info("trial subscription cancelled for conversion",
			zap.String("account_id", account.AccountID.String()),
			zap.String("subscription_id", *account.StripeSubscriptionID))
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		Mode:       stripe.CheckoutSessionModeSubscription,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"type":       string(models.CheckoutSubscription),
			"account_id": account.AccountID.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription checkout created",
		zap.String("account_id", account.AccountID.String()),
		zap.String("session_id", session.ID),
		zap.String("price_id", priceID))
	return &models.CreateCheckoutSessionResponse{SessionID: session.ID, SessionURL: session.URL}, nil
}

func (s *SubscriptionService) ensureCustomer(ctx context.Context, account *models.CreditAccount, email string) (string, error) {
	if account.StripeCustomerID != nil && *account.StripeCustomerID != "" {
		return *account.StripeCustomerID, nil
	}
	if email == "" {
		return "", &models.ValidationError{Field: "email", Reason: "token carries no email; cannot create billing profile"}
	}
	customerID, err := s.gateway.CreateCustomer(ctx, account.AccountID, email)
	if err != nil {
		return "", err
	}
	if err := s.subs.LinkStripeCustomer(ctx, account.AccountID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

// Status reports the account's subscription, trial and commitment state.
func (s *SubscriptionService) Status(ctx context.Context, accountID uuid.UUID) (*models.SubscriptionStatusResponse, error) {
	account, err := s.billing.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	resp := &models.SubscriptionStatusResponse{
		Tier:                 account.Tier,
		TrialStatus:          account.TrialStatus,
		TrialEndsAt:          account.TrialEndsAt,
		StripeSubscriptionID: account.StripeSubscriptionID,
		BillingCycleAnchor:   account.BillingCycleAnchor,
		NextCreditGrant:      account.NextCreditGrant,
	}
	commitment, err := s.subs.ActiveCommitment(ctx, accountID, time.Now())
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	resp.Commitment = commitment
	return resp, nil
}

// Cancel schedules the subscription's end. A live commitment defers the end
// date to the commitment term; otherwise the current period closes it.
func (s *SubscriptionService) Cancel(ctx context.Context, accountID uuid.UUID) (*models.CancelSubscriptionResponse, error) {
	account, err := s.billing.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.StripeSubscriptionID == nil || *account.StripeSubscriptionID == "" {
		return nil, &models.ValidationError{Field: "subscription", Reason: "no active subscription"}
	}
	subID := *account.StripeSubscriptionID

	commitment, err := s.subs.ActiveCommitment(ctx, accountID, time.Now())
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if commitment != nil && commitment.Active(time.Now()) {
		if _, err := s.gateway.CancelAt(ctx, subID, commitment.EndDate); err != nil {
			return nil, err
		}
		effective := commitment.EndDate
		s.log.Info("cancel deferred to commitment end",
			zap.String("account_id", accountID.String()),
			zap.Time("effective_at", effective))
		return &models.CancelSubscriptionResponse{Scheduled: true, EffectiveAt: &effective, CommitmentHeld: true}, nil
	}

	sub, err := s.gateway.CancelAtPeriodEnd(ctx, subID)
	if err != nil {
		return nil, err
	}
	effective := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	s.log.Info("cancel scheduled at period end",
		zap.String("account_id", accountID.String()),
		zap.Time("effective_at", effective))
	return &models.CancelSubscriptionResponse{Scheduled: true, EffectiveAt: &effective}, nil
}

// HandleCheckoutCompleted routes checkout.session.completed by the type the
// session was minted with.
func (s *SubscriptionService) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession, eventID string) error {
	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	accountID, err := s.resolveAccount(ctx, customerID, session.Metadata)
	if err != nil {
		s.log.Warn("checkout completed for unknown account",
			zap.String("session_id", session.ID),
			zap.String("customer_id", customerID))
		return nil
	}

	switch models.CheckoutType(session.Metadata["type"]) {
	case models.CheckoutCreditPurchase:
		paymentIntentID := ""
		if session.PaymentIntent != nil {
			paymentIntentID = session.PaymentIntent.ID
		}
		return s.billing.CompletePurchase(ctx, session.ID, paymentIntentID, eventID)

	case models.CheckoutTrial:
		if session.Subscription == nil || session.Subscription.ID == "" {
			s.log.Warn("trial checkout without subscription", zap.String("session_id", session.ID))
			return nil
		}
		sub, err := s.gateway.GetSubscription(ctx, session.Subscription.ID)
		if err != nil {
			return err
		}
		return s.activateTrial(ctx, accountID, sub, eventID)

	case models.CheckoutSubscription:
		// Linking happened in resolveAccount; the subscription events carry
		// the rest.
		s.log.Debug("subscription checkout completed",
			zap.String("account_id", accountID.String()),
			zap.String("session_id", session.ID))
		return nil

	default:
		s.log.Warn("checkout session with unknown type",
			zap.String("session_id", session.ID),
			zap.String("type", session.Metadata["type"]))
		return nil
	}
}

// HandleCheckoutExpired releases whatever the abandoned session reserved: a
// pending purchase row, or the trial slot so the user can try again.
func (s *SubscriptionService) HandleCheckoutExpired(ctx context.Context, session *stripe.CheckoutSession) error {
	switch models.CheckoutType(session.Metadata["type"]) {
	case models.CheckoutCreditPurchase:
		return s.billing.FailPurchase(ctx, session.ID)
	case models.CheckoutTrial:
		accountID, err := s.resolveAccount(ctx, "", session.Metadata)
		if err != nil {
			return nil
		}
		return s.subs.SetTrialHistoryStatus(ctx, accountID, models.TrialHistoryCheckoutFailed)
	default:
		return nil
	}
}

// HandleSubscriptionEvent processes customer.subscription.created and
// .updated. Created events set tier and commitments and leave grants to the
// invoice; updated events run the renewal-vs-upgrade classifier first.
func (s *SubscriptionService) HandleSubscriptionEvent(ctx context.Context, eventType string, sub *stripe.Subscription, prevAttrs map[string]any, eventID string) error {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	accountID, err := s.resolveAccount(ctx, customerID, sub.Metadata)
	if err != nil {
		s.log.Warn("subscription event for unknown account",
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", customerID))
		return nil
	}

	priceID := subscriptionPriceID(sub)
	tier, ok := s.catalog.TierByPriceID(priceID)
	if !ok {
		s.log.Error("subscription on unknown price",
			zap.String("subscription_id", sub.ID),
			zap.String("price_id", priceID))
		return nil
	}

	if sub.Status == stripe.SubscriptionStatusTrialing && sub.TrialEnd > 0 {
		return s.activateTrial(ctx, accountID, sub, eventID)
	}

	account, err := s.billing.Account(ctx, accountID)
	if err != nil {
		return err
	}

	// In-place conversion: the trial subscription collected payment and went
	// active. The checkout-conversion path lands here too, as a created
	// event while the account still shows an active trial.
	prevStatus, hadPrevStatus := prevAttrs["status"].(string)
	converting := account.TrialStatus == models.TrialActive &&
		sub.Status == stripe.SubscriptionStatusActive &&
		(!hadPrevStatus || prevStatus == string(stripe.SubscriptionStatusTrialing))
	if converting {
		return s.convertTrial(ctx, accountID, tier, sub, eventID)
	}

	anchor := unixTime(sub.CurrentPeriodStart)
	if err := s.subs.UpdateSubscription(ctx, accountID, tier.Name, sub.ID, anchor); err != nil {
		return err
	}
	if err := s.recordCommitment(ctx, accountID, sub, priceID); err != nil {
		return err
	}

	if eventType != "customer.subscription.updated" {
		return nil
	}

	class := s.classifyUpdate(ctx, account, tier, sub, prevAttrs)
	s.log.Info("subscription update classified",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", sub.ID),
		zap.String("class", string(class)))

	if class == classUpgrade {
		return s.grantUpgrade(ctx, accountID, tier, sub, eventID)
	}
	return nil
}

// classifyUpdate decides what a subscription.updated event means. Votes run
// in a fixed order; the first that fires wins.
func (s *SubscriptionService) classifyUpdate(ctx context.Context, account *models.CreditAccount, tier *config.Tier, sub *stripe.Subscription, prevAttrs map[string]any) updateClass {
	// Invoice search: a non-update invoice covering the new period means the
	// provider billed a renewal, which the invoice event grants.
	invoices, err := s.gateway.ListRecentInvoices(ctx, sub.ID, 5)
	if err != nil {
		s.log.Warn("invoice search failed, classifying without it",
			zap.String("subscription_id", sub.ID), zap.Error(err))
	}
	for _, inv := range invoices {
		if !invoiceCoversPeriod(inv, sub.CurrentPeriodStart) {
			continue
		}
		switch inv.Status {
		case stripe.InvoiceStatusOpen, stripe.InvoiceStatusPaid, stripe.InvoiceStatusDraft:
		default:
			continue
		}
		if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionUpdate {
			return classRenewalInvoice
		}
		if invoiceHasProration(inv) {
			return classUpgrade
		}
	}

	// A moved period start together with a tier step up is an upgrade even
	// before its invoice shows up.
	if _, periodMoved := prevAttrs["current_period_start"]; periodMoved {
		if oldPrice, ok := previousPriceID(prevAttrs); ok {
			if oldTier, ok := s.catalog.TierByPriceID(oldPrice); ok &&
				tier.MonthlyCredits.GreaterThan(oldTier.MonthlyCredits) {
				return classUpgrade
			}
		}
	}

	// Near a period boundary an ambiguous update is presumed to be the
	// renewal; granting here would race the invoice.
	periodStart := time.Unix(sub.CurrentPeriodStart, 0)
	if d := time.Since(periodStart); d >= -renewalWindow && d <= renewalWindow {
		return classRenewalWindow
	}

	if account.LastRenewalPeriodStart != nil && *account.LastRenewalPeriodStart == sub.CurrentPeriodStart {
		return classProcessed
	}
	if granted, err := s.credits.HasGrantForPeriod(ctx, account.AccountID, sub.CurrentPeriodStart); err == nil && granted {
		return classProcessed
	}

	return classMetadataOnly
}

// grantUpgrade resets the expiring bucket to the new tier's allotment for
// the already-started period. It stamps last_grant_date only; the renewal
// stamps stay untouched so the next cycle still grants.
func (s *SubscriptionService) grantUpgrade(ctx context.Context, accountID uuid.UUID, tier *config.Tier, sub *stripe.Subscription, eventID string) error {
	lockName := broker.CreditGrantPeriodLockName("upgrade", accountID.String(), sub.CurrentPeriodStart)
	lock, err := s.broker.AcquireLock(ctx, lockName, grantLockTTL)
	if err != nil {
		return fmt.Errorf("upgrade grant for %s: %w", accountID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release upgrade lock", zap.Error(err))
		}
	}()

	if granted, err := s.credits.HasGrantForPeriod(ctx, accountID, sub.CurrentPeriodStart); err != nil {
		return err
	} else if granted {
		s.log.Debug("upgrade already granted",
			zap.String("account_id", accountID.String()),
			zap.Int64("period_start", sub.CurrentPeriodStart))
		return nil
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	res, err := s.credits.ResetExpiringCredits(ctx, repository.ResetExpiringParams{
		AccountID:     accountID,
		NewCredits:    tier.MonthlyCredits,
		Description:   fmt.Sprintf("Upgrade to %s", tier.Name),
		Type:          models.LedgerTierGrant,
		ExpiresAt:     periodEnd,
		StripeEventID: &eventID,
		Metadata: map[string]string{
			"period_start": fmt.Sprintf("%d", sub.CurrentPeriodStart),
			"period_end":   fmt.Sprintf("%d", sub.CurrentPeriodEnd),
			"reason":       "upgrade",
			"tier":         tier.Name,
		},
	})
	if err != nil {
		return err
	}
	if res.DuplicatePrevented {
		return nil
	}
	if err := s.subs.StampGrantDate(ctx, accountID, &periodEnd); err != nil {
		return err
	}
	s.log.Info("upgrade credits granted",
		zap.String("account_id", accountID.String()),
		zap.String("tier", tier.Name),
		zap.String("credits", tier.MonthlyCredits.String()),
		zap.Int64("period_start", sub.CurrentPeriodStart))
	return nil
}

// activateTrial flips the account onto the trial tier and grants the trial
// credits exactly once, expiring when the trial does.
func (s *SubscriptionService) activateTrial(ctx context.Context, accountID uuid.UUID, sub *stripe.Subscription, eventID string) error {
	lock, err := s.broker.AcquireLock(ctx, broker.CreditGrantLockName("trial", accountID.String()), grantLockTTL)
	if err != nil {
		return fmt.Errorf("trial activation for %s: %w", accountID, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release trial lock", zap.Error(err))
		}
	}()

	tierName := config.TierTrial
	if t, ok := s.catalog.TierByPriceID(subscriptionPriceID(sub)); ok {
		tierName = t.Name
	}
	trialEnd := time.Unix(sub.TrialEnd, 0).UTC()

	if err := s.subs.UpdateSubscription(ctx, accountID, tierName, sub.ID, unixTime(sub.CurrentPeriodStart)); err != nil {
		return err
	}
	if err := s.subs.SetTrialState(ctx, accountID, string(models.TrialActive), &trialEnd); err != nil {
		return err
	}
	if err := s.subs.ActivateTrialHistory(ctx, accountID); err != nil {
		// The history row should exist from checkout; a miss is worth an
		// alert but must not block the grant.
		s.log.Warn("activate trial history", zap.String("account_id", accountID.String()), zap.Error(err))
	}

	if granted, err := s.credits.HasTrialGrant(ctx, accountID); err != nil {
		return err
	} else if granted {
		return nil
	}
	res, err := s.credits.AddCredits(ctx, repository.AddCreditsParams{
		AccountID:     accountID,
		Amount:        s.trialCredits,
		IsExpiring:    true,
		Description:   "Trial credits",
		ExpiresAt:     &trialEnd,
		Type:          models.LedgerTierGrant,
		StripeEventID: &eventID,
		Metadata: map[string]string{
			"grant":        "trial",
			"period_start": fmt.Sprintf("%d", sub.CurrentPeriodStart),
		},
	})
	if err != nil {
		return err
	}
	if !res.DuplicatePrevented {
		s.log.Info("trial activated",
			zap.String("account_id", accountID.String()),
			zap.String("credits", s.trialCredits.String()),
			zap.Time("trial_end", trialEnd))
	}
	return nil
}

// convertTrial closes the trial record as converted and grants the paid
// tier's credits for the new period. The grant shares the renewal guard, so
// whichever of this path and the invoice event lands first wins.
func (s *SubscriptionService) convertTrial(ctx context.Context, accountID uuid.UUID, tier *config.Tier, sub *stripe.Subscription, eventID string) error {
	if err := s.subs.FinishTrialHistory(ctx, accountID, models.TrialHistoryConverted, true); err != nil {
		s.log.Warn("finish trial history", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	if err := s.subs.SetTrialState(ctx, accountID, string(models.TrialConverted), nil); err != nil {
		return err
	}
	if err := s.subs.UpdateSubscription(ctx, accountID, tier.Name, sub.ID, unixTime(sub.CurrentPeriodStart)); err != nil {
		return err
	}
	if err := s.recordCommitment(ctx, accountID, sub, subscriptionPriceID(sub)); err != nil {
		return err
	}

	lock, err := s.broker.AcquireLock(ctx, broker.RenewalLockName(accountID.String(), sub.CurrentPeriodStart), grantLockTTL)
	if err != nil {
		if errors.Is(err, broker.ErrLockNotAcquired) {
			// Another path is granting this period; its guard covers us.
			return nil
		}
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release renewal lock", zap.Error(err))
		}
	}()

	res, err := s.credits.GrantRenewalCredits(ctx, repository.GrantRenewalParams{
		AccountID:     accountID,
		PeriodStart:   time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		Credits:       tier.MonthlyCredits,
		ProcessedBy:   "trial_conversion",
		StripeEventID: &eventID,
	})
	if err != nil {
		return err
	}
	s.log.Info("trial converted",
		zap.String("account_id", accountID.String()),
		zap.String("tier", tier.Name),
		zap.Bool("duplicate_prevented", res.DuplicatePrevented))
	return nil
}

// HandleSubscriptionDeleted drops the account to the free tier and clears
// the expiring bucket. Purchased credits survive; a still-active trial is
// closed as cancelled or expired.
func (s *SubscriptionService) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription, eventID string) error {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	accountID, err := s.resolveAccount(ctx, customerID, sub.Metadata)
	if err != nil {
		s.log.Warn("subscription delete for unknown account",
			zap.String("subscription_id", sub.ID))
		return nil
	}
	account, err := s.billing.Account(ctx, accountID)
	if err != nil {
		return err
	}
	// A different, still-live subscription means this delete is stale (the
	// trial-conversion path cancels the old subscription after the new one
	// exists). Dropping the tier now would clobber the conversion.
	if account.StripeSubscriptionID != nil && *account.StripeSubscriptionID != sub.ID {
		s.log.Info("ignoring delete of superseded subscription",
			zap.String("account_id", accountID.String()),
			zap.String("deleted", sub.ID),
			zap.String("current", *account.StripeSubscriptionID))
		return nil
	}

	trialOutcome := ""
	if account.TrialStatus == models.TrialActive {
		outcome := models.TrialHistoryCancelled
		trialOutcome = string(models.TrialCancelled)
		if account.TrialEndsAt != nil && time.Now().After(*account.TrialEndsAt) {
			outcome = models.TrialHistoryExpired
			trialOutcome = string(models.TrialExpired)
		}
		if err := s.subs.FinishTrialHistory(ctx, accountID, outcome, false); err != nil {
			s.log.Warn("finish trial history", zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}

	if _, err := s.credits.ResetExpiringCredits(ctx, repository.ResetExpiringParams{
		AccountID:     accountID,
		NewCredits:    decimal.Zero,
		Description:   "Subscription ended",
		Type:          models.LedgerAdjustment,
		ExpiresAt:     time.Now().UTC(),
		StripeEventID: &eventID,
	}); err != nil {
		return err
	}
	if err := s.subs.ClearSubscription(ctx, accountID, trialOutcome); err != nil {
		return err
	}
	s.log.Info("subscription deleted",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", sub.ID),
		zap.String("trial_outcome", trialOutcome))
	return nil
}

// HandleInvoicePaid grants the billing period's credits for cycle and
// creation invoices. Update invoices belong to the upgrade path and manual
// ones to nobody.
func (s *SubscriptionService) HandleInvoicePaid(ctx context.Context, inv *stripe.Invoice, eventID string) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	switch inv.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCycle, stripe.InvoiceBillingReasonSubscriptionCreate:
	default:
		s.log.Debug("invoice ignored by billing reason",
			zap.String("invoice_id", inv.ID),
			zap.String("billing_reason", string(inv.BillingReason)))
		return nil
	}

	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	accountID, err := s.resolveAccount(ctx, customerID, nil)
	if err != nil {
		accountID, err = s.subs.AccountByStripeSubscription(ctx, inv.Subscription.ID)
		if err != nil {
			s.log.Warn("invoice for unknown account",
				zap.String("invoice_id", inv.ID),
				zap.String("customer_id", customerID))
			return nil
		}
	}

	priceID, periodStart, periodEnd, ok := invoicePlanLine(inv)
	if !ok {
		sub, err := s.gateway.GetSubscription(ctx, inv.Subscription.ID)
		if err != nil {
			return err
		}
		priceID = subscriptionPriceID(sub)
		periodStart, periodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	}
	tier, okTier := s.catalog.TierByPriceID(priceID)
	if !okTier {
		s.log.Error("invoice on unknown price",
			zap.String("invoice_id", inv.ID),
			zap.String("price_id", priceID))
		return nil
	}

	lock, err := s.broker.AcquireLock(ctx, broker.RenewalLockName(accountID.String(), periodStart), grantLockTTL)
	if err != nil {
		return fmt.Errorf("renewal for %s period %d: %w", accountID, periodStart, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release renewal lock", zap.Error(err))
		}
	}()

	res, err := s.credits.GrantRenewalCredits(ctx, repository.GrantRenewalParams{
		AccountID:     accountID,
		PeriodStart:   time.Unix(periodStart, 0).UTC(),
		PeriodEnd:     time.Unix(periodEnd, 0).UTC(),
		Credits:       tier.MonthlyCredits,
		ProcessedBy:   "invoice." + string(inv.BillingReason),
		InvoiceID:     inv.ID,
		StripeEventID: &eventID,
	})
	if err != nil {
		return err
	}
	if res.DuplicatePrevented {
		s.log.Info("renewal grant already processed",
			zap.String("account_id", accountID.String()),
			zap.Int64("period_start", periodStart),
			zap.String("processed_by", res.ProcessedBy))
		return nil
	}
	s.log.Info("renewal credits granted",
		zap.String("account_id", accountID.String()),
		zap.String("tier", tier.Name),
		zap.String("credits", tier.MonthlyCredits.String()),
		zap.String("invoice_id", inv.ID),
		zap.Int64("period_start", periodStart))
	return nil
}

// HandleInvoiceFailed records the failure and alerts; credits are never
// touched on a failed payment.
func (s *SubscriptionService) HandleInvoiceFailed(ctx context.Context, inv *stripe.Invoice) error {
	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	accountID, err := s.resolveAccount(ctx, customerID, nil)
	accountField := "unknown"
	if err == nil {
		accountField = accountID.String()
	}
	var nextRetry *time.Time
	if inv.NextPaymentAttempt > 0 {
		t := time.Unix(inv.NextPaymentAttempt, 0).UTC()
		nextRetry = &t
	}
	s.log.Warn("invoice payment failed",
		zap.String("account_id", accountField),
		zap.String("invoice_id", inv.ID),
		zap.Int64("attempt", inv.AttemptCount))
	if err := s.notify.SendPaymentFailed(ctx, accountField, inv.ID, int(inv.AttemptCount), nextRetry); err != nil {
		s.log.Warn("payment-failed alert", zap.Error(err))
	}
	return nil
}

// resolveAccount maps a provider customer to an account, falling back to the
// account_id we stamp into session and subscription metadata. The fallback
// also repairs a missing customer link.
func (s *SubscriptionService) resolveAccount(ctx context.Context, customerID string, metadata map[string]string) (uuid.UUID, error) {
	if customerID != "" {
		if id, err := s.subs.AccountByStripeCustomer(ctx, customerID); err == nil {
			return id, nil
		} else if !errors.Is(err, models.ErrNotFound) {
			return uuid.Nil, err
		}
	}
	raw, ok := metadata["account_id"]
	if !ok {
		return uuid.Nil, models.ErrNotFound
	}
	accountID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.ErrNotFound
	}
	if customerID != "" {
		if err := s.subs.LinkStripeCustomer(ctx, accountID, customerID); err != nil {
			s.log.Warn("repair customer link", zap.Error(err))
		}
	}
	return accountID, nil
}

func (s *SubscriptionService) recordCommitment(ctx context.Context, accountID uuid.UUID, sub *stripe.Subscription, priceID string) error {
	months := s.catalog.CommitmentMonths(priceID)
	if months <= 0 {
		return nil
	}
	start := time.Unix(sub.StartDate, 0).UTC()
	if sub.StartDate == 0 {
		start = time.Now().UTC()
	}
	return s.subs.CreateCommitment(ctx, &models.Commitment{
		StripeSubscriptionID: sub.ID,
		AccountID:            accountID,
		PriceID:              priceID,
		Months:               months,
		StartDate:            start,
		EndDate:              start.AddDate(0, months, 0),
	})
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

// invoicePlanLine finds the non-proration subscription line and returns its
// price and period.
func invoicePlanLine(inv *stripe.Invoice) (priceID string, periodStart, periodEnd int64, ok bool) {
	if inv.Lines == nil {
		return "", 0, 0, false
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Proration || line.Price == nil || line.Period == nil {
			continue
		}
		return line.Price.ID, line.Period.Start, line.Period.End, true
	}
	return "", 0, 0, false
}

func invoiceCoversPeriod(inv *stripe.Invoice, periodStart int64) bool {
	if inv.Lines == nil {
		return false
	}
	for _, line := range inv.Lines.Data {
		if line != nil && line.Period != nil && line.Period.Start == periodStart {
			return true
		}
	}
	return false
}

func invoiceHasProration(inv *stripe.Invoice) bool {
	if inv.Lines == nil {
		return false
	}
	for _, line := range inv.Lines.Data {
		if line != nil && line.Proration {
			return true
		}
	}
	return false
}

// previousPriceID digs the old price id out of the previous_attributes blob.
func previousPriceID(prevAttrs map[string]any) (string, bool) {
	items, ok := prevAttrs["items"].(map[string]any)
	if !ok {
		return "", false
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return "", false
	}
	first, ok := data[0].(map[string]any)
	if !ok {
		return "", false
	}
	price, ok := first["price"].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := price["id"].(string)
	return id, ok
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
