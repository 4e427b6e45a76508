package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// PurchaseRepository tracks credit top-ups from checkout through refund.
type PurchaseRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewPurchaseRepository(db *database.DB, log *zap.Logger) *PurchaseRepository {
	return &PurchaseRepository{db: db, log: log.Named("purchase_repo")}
}

func (r *PurchaseRepository) CreatePending(ctx context.Context, accountID uuid.UUID, amount, pricePaid decimal.Decimal, sessionID string) (*models.CreditPurchase, error) {
	p := &models.CreditPurchase{
		ID:              uuid.New(),
		AccountID:       accountID,
		Amount:          amount,
		PricePaid:       pricePaid,
		Status:          models.PurchasePending,
		StripeSessionID: &sessionID,
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO credit_purchases (id, account_id, amount, price_paid, status, stripe_session_id, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, now())
		RETURNING created_at`,
		p.ID, p.AccountID, p.Amount.String(), p.PricePaid.String(), string(p.Status), sessionID).
		Scan(&p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create pending purchase: %w", err)
	}
	return p, nil
}

// CompleteBySession flips a pending purchase to completed. The second return
// reports whether this call performed the flip; false with a purchase means
// someone already completed it.
func (r *PurchaseRepository) CompleteBySession(ctx context.Context, sessionID, paymentIntentID string) (*models.CreditPurchase, bool, error) {
	p, err := r.scanOne(ctx, `
		UPDATE credit_purchases
		SET status = 'completed', stripe_payment_intent_id = $2, completed_at = now()
		WHERE stripe_session_id = $1 AND status = 'pending'
		RETURNING id, account_id, amount::text, price_paid::text, status,
		          stripe_session_id, stripe_payment_intent_id, created_at, completed_at`,
		sessionID, paymentIntentID)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}
	existing, err := r.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PurchaseRepository) MarkFailedBySession(ctx context.Context, sessionID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_purchases SET status = 'failed'
		WHERE stripe_session_id = $1 AND status = 'pending'`, sessionID)
	if err != nil {
		return fmt.Errorf("fail purchase: %w", err)
	}
	return nil
}

// RefundByPaymentIntent marks the completed purchase refunded and returns it
// so the caller can claw the credits back. Only a completed purchase flips.
func (r *PurchaseRepository) RefundByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error) {
	return r.scanOne(ctx, `
		UPDATE credit_purchases
		SET status = 'refunded'
		WHERE stripe_payment_intent_id = $1 AND status = 'completed'
		RETURNING id, account_id, amount::text, price_paid::text, status,
		          stripe_session_id, stripe_payment_intent_id, created_at, completed_at`,
		paymentIntentID)
}

func (r *PurchaseRepository) GetBySession(ctx context.Context, sessionID string) (*models.CreditPurchase, error) {
	return r.scanOne(ctx, `
		SELECT id, account_id, amount::text, price_paid::text, status,
		       stripe_session_id, stripe_payment_intent_id, created_at, completed_at
		FROM credit_purchases WHERE stripe_session_id = $1`, sessionID)
}

// ListStalePending returns pending purchases old enough that their checkout
// should have resolved, so the reconciler can ask the provider what happened.
func (r *PurchaseRepository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditPurchase, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, amount::text, price_paid::text, status,
		       stripe_session_id, stripe_payment_intent_id, created_at, completed_at
		FROM credit_purchases
		WHERE status = 'pending' AND created_at < now() - make_interval(secs => $1)
		ORDER BY created_at
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("stale purchase scan: %w", err)
	}
	defer rows.Close()

	var out []models.CreditPurchase
	for rows.Next() {
		var p models.CreditPurchase
		var amountStr, priceStr string
		if err := rows.Scan(&p.ID, &p.AccountID, &amountStr, &priceStr, &p.Status,
			&p.StripeSessionID, &p.StripePaymentIntentID, &p.CreatedAt, &p.CompletedAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if p.PricePaid, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price_paid: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExpireStalePending fails pending purchases whose checkout never finished.
func (r *PurchaseRepository) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_purchases SET status = 'failed'
		WHERE status = 'pending' AND created_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("expire stale purchases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PurchaseRepository) scanOne(ctx context.Context, query string, args ...any) (*models.CreditPurchase, error) {
	var p models.CreditPurchase
	var amountStr, priceStr string
	err := r.db.Pool.QueryRow(ctx, query, args...).
		Scan(&p.ID, &p.AccountID, &amountStr, &priceStr, &p.Status,
			&p.StripeSessionID, &p.StripePaymentIntentID, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if p.PricePaid, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse price_paid: %w", err)
	}
	return &p, nil
}
