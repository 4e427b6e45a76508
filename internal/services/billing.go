package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
)

// BillingService fronts the credit ledger: token deducts, balance reads,
// purchase completion and refund clawback.
type BillingService struct {
	credits   CreditStore
	purchases PurchaseStore
	pricing   *PricingService
	catalog   *config.Catalog
	log       *zap.Logger
}

func NewBillingService(credits CreditStore, purchases PurchaseStore, pricing *PricingService, catalog *config.Catalog, log *zap.Logger) *BillingService {
	return &BillingService{
		credits:   credits,
		purchases: purchases,
		pricing:   pricing,
		catalog:   catalog,
		log:       log.Named("billing"),
	}
}

// deductKey derives the idempotency key for one logical deduct: the same
// message (or the same token batch within the hour) charges once.
func deductKey(accountID uuid.UUID, req models.DeductRequest, now time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "deduct|%s|%s|%d|%d|%s",
		accountID, req.Model, req.PromptTokens, req.CompletionTokens,
		now.UTC().Format("2006010215"))
	if req.ThreadID != nil {
		fmt.Fprintf(h, "|t:%s", req.ThreadID)
	}
	if req.MessageID != nil {
		fmt.Fprintf(h, "|m:%s", req.MessageID)
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// Deduct prices the token usage and debits the account. Shortfalls come back
// as Success=false, never as an error.
func (s *BillingService) Deduct(ctx context.Context, accountID uuid.UUID, req models.DeductRequest) (*models.DeductResponse, *models.UseCreditsResult, error) {
	cost, err := s.pricing.Cost(req.Model, req.PromptTokens, req.CompletionTokens)
	if err != nil {
		return nil, nil, err
	}
	if cost.IsZero() {
		return &models.DeductResponse{Success: true, Cost: decimal.Zero}, &models.UseCreditsResult{Success: true}, nil
	}

	key := deductKey(accountID, req, time.Now())
	res, err := s.credits.UseCredits(ctx, repository.UseCreditsParams{
		AccountID:      accountID,
		Amount:         cost,
		Description:    fmt.Sprintf("Usage: %s (%d prompt + %d completion tokens)", req.Model, req.PromptTokens, req.CompletionTokens),
		ThreadID:       req.ThreadID,
		MessageID:      req.MessageID,
		IdempotencyKey: &key,
	})
	if err != nil {
		return nil, nil, err
	}
	if res.DuplicatePrevented {
		s.log.Info("duplicate deduct prevented",
			zap.String("account_id", accountID.String()),
			zap.String("idempotency_key", key))
	}

	return &models.DeductResponse{
		Success:         res.Success,
		Cost:            cost,
		NewBalance:      res.NewBalance,
		FromExpiring:    res.FromExpiring,
		FromNonExpiring: res.FromNonExpiring,
	}, res, nil
}

// Balance reads the account state, lazily creating the row for new accounts.
func (s *BillingService) Balance(ctx context.Context, accountID uuid.UUID) (*models.BalanceResponse, error) {
	acc, err := s.credits.GetAccount(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		if err := s.credits.EnsureAccount(ctx, accountID); err != nil {
			return nil, err
		}
		acc, err = s.credits.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	canPurchase := false
	if tier, ok := s.catalog.TierByName(acc.Tier); ok {
		canPurchase = tier.CanPurchaseCredits
	}
	return &models.BalanceResponse{
		Balance:            acc.Balance,
		ExpiringCredits:    acc.ExpiringCredits,
		NonExpiringCredits: acc.NonExpiringCredits,
		Tier:               acc.Tier,
		TrialStatus:        acc.TrialStatus,
		CanPurchaseCredits: canPurchase,
	}, nil
}

// Account returns the raw credit account row.
func (s *BillingService) Account(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error) {
	return s.credits.GetAccount(ctx, accountID)
}

// SufficientBalance is the pre-run gate: the account must hold at least the
// configured minimum to start a run.
func (s *BillingService) SufficientBalance(ctx context.Context, accountID uuid.UUID, minimum decimal.Decimal) (bool, decimal.Decimal, error) {
	acc, err := s.credits.GetAccount(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return false, decimal.Zero, nil
	}
	if err != nil {
		return false, decimal.Zero, err
	}
	return acc.Balance.GreaterThanOrEqual(minimum), acc.Balance, nil
}

// CompletePurchase lands bought credits after checkout finishes. The
// purchase row flips exactly once; the ledger dedup on the provider event is
// a second net under it.
func (s *BillingService) CompletePurchase(ctx context.Context, sessionID, paymentIntentID, stripeEventID string) error {
	purchase, flipped, err := s.purchases.CompleteBySession(ctx, sessionID, paymentIntentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Not a credit purchase session (subscription checkouts share
			// the event type); nothing to do.
			return nil
		}
		return err
	}
	if !flipped && purchase.Status != models.PurchaseCompleted {
		// pending -> failed elsewhere; do not grant
		return fmt.Errorf("purchase %s in state %s, refusing grant", purchase.ID, purchase.Status)
	}

	res, err := s.credits.AddCredits(ctx, repository.AddCreditsParams{
		AccountID:     purchase.AccountID,
		Amount:        purchase.Amount,
		IsExpiring:    false,
		Description:   fmt.Sprintf("Purchased %s credits", purchase.Amount),
		Type:          models.LedgerPurchase,
		StripeEventID: &stripeEventID,
	})
	if err != nil {
		return err
	}
	if res.DuplicatePrevented {
		s.log.Info("duplicate purchase grant prevented",
			zap.String("session_id", sessionID),
			zap.String("event_id", stripeEventID))
		return nil
	}
	s.log.Info("purchase credited",
		zap.String("account_id", purchase.AccountID.String()),
		zap.String("amount", purchase.Amount.String()),
		zap.String("balance_after", res.BalanceAfter.String()))
	return nil
}

// RecordPendingPurchase opens the purchase row that a later checkout webhook
// completes or fails.
func (s *BillingService) RecordPendingPurchase(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, sessionID string) error {
	_, err := s.purchases.CreatePending(ctx, accountID, amount, amount, sessionID)
	return err
}

// FailPurchase marks an abandoned or expired checkout.
func (s *BillingService) FailPurchase(ctx context.Context, sessionID string) error {
	return s.purchases.MarkFailedBySession(ctx, sessionID)
}

// RefundPurchase claws back credits for a refunded payment. Only what is
// still on the account comes back; the balance never goes negative.
func (s *BillingService) RefundPurchase(ctx context.Context, paymentIntentID, stripeEventID string) error {
	purchase, err := s.purchases.RefundByPaymentIntent(ctx, paymentIntentID)
	if errors.Is(err, models.ErrNotFound) {
		// Refund for something we never credited (or already refunded).
		s.log.Info("refund for unknown or already-refunded payment",
			zap.String("payment_intent_id", paymentIntentID))
		return nil
	}
	if err != nil {
		return err
	}

	res, err := s.credits.ClawbackCredits(ctx, purchase.AccountID, purchase.Amount,
		fmt.Sprintf("Refund of purchase %s", purchase.ID), &stripeEventID)
	if err != nil {
		return err
	}
	s.log.Info("purchase refunded",
		zap.String("account_id", purchase.AccountID.String()),
		zap.String("clawed_back", res.FromExpiring.Add(res.FromNonExpiring).String()),
		zap.String("new_balance", res.NewBalance.String()))
	return nil
}
