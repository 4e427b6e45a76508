package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// SubscriptionRepository mutates tier, trial and commitment state on credit
// accounts, plus the trial_history and commitments tables.
type SubscriptionRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewSubscriptionRepository(db *database.DB, log *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, log: log.Named("subscription_repo")}
}

func (r *SubscriptionRepository) LinkStripeCustomer(ctx context.Context, accountID uuid.UUID, customerID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_accounts SET stripe_customer_id = $2, updated_at = now()
		WHERE account_id = $1`, accountID, customerID)
	if err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) AccountByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := r.db.Pool.QueryRow(ctx,
		`SELECT account_id FROM credit_accounts WHERE stripe_customer_id = $1`,
		customerID).Scan(&accountID)
	if err != nil {
		if errNoRows(err) {
			return uuid.Nil, models.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("account by stripe customer: %w", err)
	}
	return accountID, nil
}

func (r *SubscriptionRepository) AccountByStripeSubscription(ctx context.Context, subscriptionID string) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := r.db.Pool.QueryRow(ctx,
		`SELECT account_id FROM credit_accounts WHERE stripe_subscription_id = $1`,
		subscriptionID).Scan(&accountID)
	if err != nil {
		if errNoRows(err) {
			return uuid.Nil, models.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("account by stripe subscription: %w", err)
	}
	return accountID, nil
}

// UpdateSubscription moves the account onto a tier and records the Stripe
// linkage and billing anchor.
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, accountID uuid.UUID, tier, subscriptionID string, anchor *time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_accounts
		SET tier = $2, stripe_subscription_id = $3,
		    billing_cycle_anchor = COALESCE($4, billing_cycle_anchor),
		    updated_at = now()
		WHERE account_id = $1`,
		accountID, tier, subscriptionID, anchor)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// StampGrantDate records that an out-of-cycle grant just landed. It moves
// last_grant_date only; renewal stamps stay untouched so the next cycle's
// invoice still grants normally.
func (r *SubscriptionRepository) StampGrantDate(ctx context.Context, accountID uuid.UUID, nextGrant *time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_accounts
		SET last_grant_date = now(),
		    next_credit_grant = COALESCE($2, next_credit_grant),
		    updated_at = now()
		WHERE account_id = $1`, accountID, nextGrant)
	if err != nil {
		return fmt.Errorf("stamp grant date: %w", err)
	}
	return nil
}

// ClearSubscription drops the account to the free tier. Trial status moves
// only when the account is currently on a trial; a plain subscription delete
// leaves past trial outcomes alone.
func (r *SubscriptionRepository) ClearSubscription(ctx context.Context, accountID uuid.UUID, trialOutcome string) error {
	var err error
	if trialOutcome != "" {
		_, err = r.db.Pool.Exec(ctx, `
			UPDATE credit_accounts
			SET tier = 'free', stripe_subscription_id = NULL,
			    trial_status = $2, updated_at = now()
			WHERE account_id = $1`, accountID, trialOutcome)
	} else {
		_, err = r.db.Pool.Exec(ctx, `
			UPDATE credit_accounts
			SET tier = 'free', stripe_subscription_id = NULL, updated_at = now()
			WHERE account_id = $1`, accountID)
	}
	if err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) SetTrialState(ctx context.Context, accountID uuid.UUID, status string, endsAt *time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE credit_accounts
		SET trial_status = $2, trial_ends_at = COALESCE($3, trial_ends_at), updated_at = now()
		WHERE account_id = $1`, accountID, status, endsAt)
	if err != nil {
		return fmt.Errorf("set trial state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// StartTrialAttempt claims the lifetime trial slot, re-entering only from
// retryable checkout states. Returns false when a past trial blocks it.
func (r *SubscriptionRepository) StartTrialAttempt(ctx context.Context, accountID uuid.UUID) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trial_history (account_id, status, converted_to_paid, created_at, updated_at)
		VALUES ($1, 'checkout_pending', false, now(), now())
		ON CONFLICT (account_id) DO UPDATE
		SET status = 'checkout_pending', updated_at = now()
		WHERE trial_history.status IN ('checkout_pending', 'checkout_created', 'checkout_failed')`,
		accountID)
	if err != nil {
		return false, fmt.Errorf("start trial attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTrialHistoryStatus records checkout progress before the trial is live.
func (r *SubscriptionRepository) SetTrialHistoryStatus(ctx context.Context, accountID uuid.UUID, status models.TrialHistoryStatus) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trial_history SET status = $2, updated_at = now()
		WHERE account_id = $1`, accountID, string(status))
	if err != nil {
		return fmt.Errorf("set trial history status: %w", err)
	}
	return nil
}

// ActivateTrialHistory moves the record to active and stamps the start.
func (r *SubscriptionRepository) ActivateTrialHistory(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trial_history
		SET status = 'active', started_at = now(), updated_at = now()
		WHERE account_id = $1 AND status IN ('checkout_pending', 'checkout_created')`,
		accountID)
	if err != nil {
		return fmt.Errorf("activate trial history: %w", err)
	}
	return nil
}

// FinishTrialHistory records the lifetime outcome of an active trial.
func (r *SubscriptionRepository) FinishTrialHistory(ctx context.Context, accountID uuid.UUID, outcome models.TrialHistoryStatus, convertedToPaid bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE trial_history
		SET status = $2, converted_to_paid = $3, ended_at = now(), updated_at = now()
		WHERE account_id = $1 AND status = 'active'`,
		accountID, string(outcome), convertedToPaid)
	if err != nil {
		return fmt.Errorf("finish trial history: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetTrialHistory(ctx context.Context, accountID uuid.UUID) (*models.TrialHistory, error) {
	var h models.TrialHistory
	err := r.db.Pool.QueryRow(ctx, `
		SELECT account_id, status, started_at, ended_at, converted_to_paid, created_at, updated_at
		FROM trial_history WHERE account_id = $1`, accountID).
		Scan(&h.AccountID, &h.Status, &h.StartedAt, &h.EndedAt, &h.ConvertedToPaid, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get trial history: %w", err)
	}
	return &h, nil
}

// CreateCommitment records a minimum-term contract keyed on the provider
// subscription and mirrors it onto the account row for fast checks.
func (r *SubscriptionRepository) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO commitments (stripe_subscription_id, account_id, price_id, months, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (stripe_subscription_id) DO NOTHING`,
		c.StripeSubscriptionID, c.AccountID, c.PriceID, c.Months, c.StartDate, c.EndDate)
	if err != nil {
		return fmt.Errorf("create commitment: %w", err)
	}
	commitmentType := fmt.Sprintf("%d_months", c.Months)
	_, err = r.db.Pool.Exec(ctx, `
		UPDATE credit_accounts
		SET commitment_type = $2, commitment_end_date = $3, updated_at = now()
		WHERE account_id = $1`, c.AccountID, commitmentType, c.EndDate)
	if err != nil {
		return fmt.Errorf("mirror commitment: %w", err)
	}
	return nil
}

// ActiveCommitment returns the commitment still in force, if any.
func (r *SubscriptionRepository) ActiveCommitment(ctx context.Context, accountID uuid.UUID, now time.Time) (*models.Commitment, error) {
	var c models.Commitment
	err := r.db.Pool.QueryRow(ctx, `
		SELECT stripe_subscription_id, account_id, price_id, months, start_date, end_date, created_at
		FROM commitments
		WHERE account_id = $1 AND end_date > $2
		ORDER BY end_date DESC LIMIT 1`, accountID, now).
		Scan(&c.StripeSubscriptionID, &c.AccountID, &c.PriceID, &c.Months,
			&c.StartDate, &c.EndDate, &c.CreatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("active commitment: %w", err)
	}
	return &c, nil
}

// ExpiredTrialAccounts lists accounts whose trial window lapsed without
// conversion, for the reconciler.
func (r *SubscriptionRepository) ExpiredTrialAccounts(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT account_id FROM credit_accounts
		WHERE trial_status = 'active' AND trial_ends_at IS NOT NULL AND trial_ends_at < $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired trial scan: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
