package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// CreditRepository owns every mutation of credit_accounts and credit_ledger.
// Each operation is one SERIALIZABLE transaction over a row lock; there is no
// non-transactional fallback.
type CreditRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewCreditRepository(db *database.DB, log *zap.Logger) *CreditRepository {
	return &CreditRepository{db: db, log: log.Named("credit_repo")}
}

// AddCreditsParams mirrors the atomic add operation.
type AddCreditsParams struct {
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	IsExpiring     bool
	Description    string
	ExpiresAt      *time.Time
	Type           models.LedgerType
	StripeEventID  *string
	IdempotencyKey *string
	Metadata       map[string]string
}

// UseCreditsParams mirrors the atomic debit operation.
type UseCreditsParams struct {
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	Description    string
	ThreadID       *uuid.UUID
	MessageID      *uuid.UUID
	IdempotencyKey *string
}

// ResetExpiringParams replaces the expiring bucket.
type ResetExpiringParams struct {
	AccountID     uuid.UUID
	NewCredits    decimal.Decimal
	Description   string
	Type          models.LedgerType
	ExpiresAt     time.Time
	StripeEventID *string
	Metadata      map[string]string
}

// GrantRenewalParams grants one billing period exactly once.
type GrantRenewalParams struct {
	AccountID     uuid.UUID
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Credits       decimal.Decimal
	ProcessedBy   string
	InvoiceID     string
	StripeEventID *string
}

type lockedAccount struct {
	expiring    decimal.Decimal
	nonExpiring decimal.Decimal
	balance     decimal.Decimal
	rebalanced  bool
}

// rebalanceBuckets restores balance == expiring + non_expiring. Within the
// epsilon the balance is silently normalised to the bucket sum; beyond it,
// buckets drain expiring-first down to the stored balance, or the balance
// drops to the bucket sum, whichever direction the drift runs.
func rebalanceBuckets(exp, non, bal decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal, bool) {
	sum := exp.Add(non)
	drift := sum.Sub(bal)
	if drift.Abs().LessThanOrEqual(models.Epsilon) {
		return exp, non, sum, false
	}
	if drift.Sign() > 0 {
		excess := drift
		drainExp := decimal.Min(exp, excess)
		exp = exp.Sub(drainExp)
		excess = excess.Sub(drainExp)
		if excess.Sign() > 0 {
			non = non.Sub(decimal.Min(non, excess))
		}
	}
	return exp, non, exp.Add(non), true
}

// drainBuckets takes amount out of first, then second, flooring both at
// zero. Callers choose the drain order.
func drainBuckets(first, second, amount decimal.Decimal) (fromFirst, fromSecond decimal.Decimal) {
	fromFirst = decimal.Min(first, amount)
	fromSecond = decimal.Min(second, amount.Sub(fromFirst))
	return fromFirst, fromSecond
}

// EnsureAccount lazily creates the credit account row.
func (r *CreditRepository) EnsureAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO credit_accounts (account_id, expiring_credits, non_expiring_credits, balance, tier, trial_status, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 'free', 'none', now(), now())
		ON CONFLICT (account_id) DO NOTHING`, accountID)
	if err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	return nil
}

func ensureAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (account_id, expiring_credits, non_expiring_credits, balance, tier, trial_status, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 'free', 'none', now(), now())
		ON CONFLICT (account_id) DO NOTHING`, accountID)
	return err
}

func (r *CreditRepository) lockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*lockedAccount, error) {
	var expStr, nonStr, balStr string
	err := tx.QueryRow(ctx, `
		SELECT expiring_credits::text, non_expiring_credits::text, balance::text
		FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID).
		Scan(&expStr, &nonStr, &balStr)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("lock credit account: %w", err)
	}

	exp, err := decimal.NewFromString(expStr)
	if err != nil {
		return nil, fmt.Errorf("parse expiring_credits: %w", err)
	}
	non, err := decimal.NewFromString(nonStr)
	if err != nil {
		return nil, fmt.Errorf("parse non_expiring_credits: %w", err)
	}
	bal, err := decimal.NewFromString(balStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	newExp, newNon, newBal, corrected := rebalanceBuckets(exp, non, bal)
	if corrected {
		r.log.Error("credit balance corruption detected, rebalancing",
			zap.String("alert", "balance_corruption"),
			zap.String("account_id", accountID.String()),
			zap.String("stored_balance", bal.String()),
			zap.String("bucket_sum", exp.Add(non).String()),
		)
	}
	return &lockedAccount{expiring: newExp, nonExpiring: newNon, balance: newBal, rebalanced: corrected}, nil
}

func (r *CreditRepository) updateBuckets(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, acc *lockedAccount, expiresAt *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET expiring_credits = $2::numeric,
		    non_expiring_credits = $3::numeric,
		    balance = $4::numeric,
		    credits_expire_at = COALESCE($5, credits_expire_at),
		    updated_at = now()
		WHERE account_id = $1`,
		accountID, acc.expiring.String(), acc.nonExpiring.String(), acc.balance.String(), expiresAt)
	if err != nil {
		return fmt.Errorf("update credit buckets: %w", err)
	}
	return nil
}

type ledgerRow struct {
	accountID      uuid.UUID
	amount         decimal.Decimal
	balanceAfter   decimal.Decimal
	ledgerType     models.LedgerType
	description    string
	isExpiring     bool
	expiresAt      *time.Time
	threadID       *uuid.UUID
	messageID      *uuid.UUID
	stripeEventID  *string
	idempotencyKey *string
	metadata       map[string]string
}

func insertLedgerTx(ctx context.Context, tx pgx.Tx, row ledgerRow) error {
	var meta []byte
	if len(row.metadata) > 0 {
		b, err := json.Marshal(row.metadata)
		if err != nil {
			return fmt.Errorf("marshal ledger metadata: %w", err)
		}
		meta = b
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger
			(id, account_id, amount, balance_after, type, description, is_expiring,
			 expires_at, thread_id, message_id, stripe_event_id, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`,
		uuid.New(), row.accountID, row.amount.String(), row.balanceAfter.String(),
		string(row.ledgerType), row.description, row.isExpiring,
		row.expiresAt, row.threadID, row.messageID, row.stripeEventID, row.idempotencyKey, meta)
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

// findDuplicate looks for a prior ledger entry with the same provider event
// or idempotency key. Returns the balance recorded by that entry.
func findDuplicate(ctx context.Context, tx pgx.Tx, stripeEventID, idemKey *string) (decimal.Decimal, bool, error) {
	query := `SELECT balance_after::text FROM credit_ledger WHERE `
	var arg string
	switch {
	case stripeEventID != nil && *stripeEventID != "":
		query += `stripe_event_id = $1`
		arg = *stripeEventID
	case idemKey != nil && *idemKey != "":
		query += `idempotency_key = $1`
		arg = *idemKey
	default:
		return decimal.Zero, false, nil
	}
	var balStr string
	err := tx.QueryRow(ctx, query+` ORDER BY created_at DESC LIMIT 1`, arg).Scan(&balStr)
	if err != nil {
		if errNoRows(err) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("duplicate lookup: %w", err)
	}
	bal, err := decimal.NewFromString(balStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse balance_after: %w", err)
	}
	return bal, true, nil
}

// AddCredits atomically credits one bucket and appends a ledger row.
// Duplicate provider events and idempotency keys short-circuit to the
// previously recorded balance.
func (r *CreditRepository) AddCredits(ctx context.Context, p AddCreditsParams) (*models.AddCreditsResult, error) {
	if p.Amount.Sign() <= 0 {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var res models.AddCreditsResult

	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		if bal, dup, err := findDuplicate(ctx, tx, p.StripeEventID, p.IdempotencyKey); err != nil {
			return err
		} else if dup {
			res = models.AddCreditsResult{DuplicatePrevented: true, BalanceAfter: bal}
			return nil
		}

		if err := ensureAccountTx(ctx, tx, p.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		acc, err := r.lockAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}

		preBalance := acc.balance
		if p.IsExpiring {
			acc.expiring = acc.expiring.Add(p.Amount)
		} else {
			acc.nonExpiring = acc.nonExpiring.Add(p.Amount)
		}
		acc.balance = acc.expiring.Add(acc.nonExpiring)

		if acc.balance.Sub(preBalance.Add(p.Amount)).Abs().GreaterThan(models.Epsilon) {
			return fmt.Errorf("credit add postcondition failed: pre %s + %s != post %s",
				preBalance, p.Amount, acc.balance)
		}

		var expiresAt *time.Time
		if p.IsExpiring {
			expiresAt = p.ExpiresAt
		}
		if err := r.updateBuckets(ctx, tx, p.AccountID, acc, expiresAt); err != nil {
			return err
		}
		if err := insertLedgerTx(ctx, tx, ledgerRow{
			accountID:      p.AccountID,
			amount:         p.Amount,
			balanceAfter:   acc.balance,
			ledgerType:     p.Type,
			description:    p.Description,
			isExpiring:     p.IsExpiring,
			expiresAt:      p.ExpiresAt,
			stripeEventID:  p.StripeEventID,
			idempotencyKey: p.IdempotencyKey,
			metadata:       p.Metadata,
		}); err != nil {
			return err
		}

		res = models.AddCreditsResult{
			BalanceAfter:       acc.balance,
			ExpiringCredits:    acc.expiring,
			NonExpiringCredits: acc.nonExpiring,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("AddCredits: %w", err)
	}
	return &res, nil
}

// UseCredits atomically debits, spending the expiring bucket first. An
// insufficient balance is not an error: the result carries the shortfall.
func (r *CreditRepository) UseCredits(ctx context.Context, p UseCreditsParams) (*models.UseCreditsResult, error) {
	if p.Amount.Sign() <= 0 {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var res models.UseCreditsResult

	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		if bal, dup, err := findDuplicate(ctx, tx, nil, p.IdempotencyKey); err != nil {
			return err
		} else if dup {
			res = models.UseCreditsResult{Success: true, DuplicatePrevented: true, NewBalance: bal}
			return nil
		}

		acc, err := r.lockAccount(ctx, tx, p.AccountID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				res = models.UseCreditsResult{Success: false, Required: p.Amount, Available: decimal.Zero}
				return nil
			}
			return err
		}

		if acc.balance.LessThan(p.Amount) {
			res = models.UseCreditsResult{
				Success:            false,
				Required:           p.Amount,
				Available:          acc.balance,
				ExpiringCredits:    acc.expiring,
				NonExpiringCredits: acc.nonExpiring,
				NewBalance:         acc.balance,
			}
			// Rebalance corrections still need to land.
			if acc.rebalanced {
				return r.updateBuckets(ctx, tx, p.AccountID, acc, nil)
			}
			return nil
		}

		fromExpiring, fromNonExpiring := drainBuckets(acc.expiring, acc.nonExpiring, p.Amount)
		acc.expiring = acc.expiring.Sub(fromExpiring)
		acc.nonExpiring = acc.nonExpiring.Sub(fromNonExpiring)
		acc.balance = acc.expiring.Add(acc.nonExpiring)

		if err := r.updateBuckets(ctx, tx, p.AccountID, acc, nil); err != nil {
			return err
		}
		if err := insertLedgerTx(ctx, tx, ledgerRow{
			accountID:      p.AccountID,
			amount:         p.Amount.Neg(),
			balanceAfter:   acc.balance,
			ledgerType:     models.LedgerUsage,
			description:    p.Description,
			threadID:       p.ThreadID,
			messageID:      p.MessageID,
			idempotencyKey: p.IdempotencyKey,
		}); err != nil {
			return err
		}

		res = models.UseCreditsResult{
			Success:            true,
			FromExpiring:       fromExpiring,
			FromNonExpiring:    fromNonExpiring,
			NewBalance:         acc.balance,
			ExpiringCredits:    acc.expiring,
			NonExpiringCredits: acc.nonExpiring,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("UseCredits: %w", err)
	}
	return &res, nil
}

// ResetExpiringCredits replaces the expiring bucket, preserving the
// non-expiring one.
func (r *CreditRepository) ResetExpiringCredits(ctx context.Context, p ResetExpiringParams) (*models.AddCreditsResult, error) {
	if p.NewCredits.Sign() < 0 {
		return nil, &models.ValidationError{Field: "new_credits", Reason: "must not be negative"}
	}
	var res models.AddCreditsResult

	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		if bal, dup, err := findDuplicate(ctx, tx, p.StripeEventID, nil); err != nil {
			return err
		} else if dup {
			res = models.AddCreditsResult{DuplicatePrevented: true, BalanceAfter: bal}
			return nil
		}

		if err := ensureAccountTx(ctx, tx, p.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		acc, err := r.lockAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}

		delta := p.NewCredits.Sub(acc.expiring)
		acc.expiring = p.NewCredits
		acc.balance = acc.expiring.Add(acc.nonExpiring)

		expiresAt := p.ExpiresAt
		if err := r.updateBuckets(ctx, tx, p.AccountID, acc, &expiresAt); err != nil {
			return err
		}

		ledgerType := p.Type
		if ledgerType == "" {
			ledgerType = models.LedgerAdjustment
		}
		if err := insertLedgerTx(ctx, tx, ledgerRow{
			accountID:     p.AccountID,
			amount:        delta,
			balanceAfter:  acc.balance,
			ledgerType:    ledgerType,
			description:   p.Description,
			isExpiring:    true,
			expiresAt:     &expiresAt,
			stripeEventID: p.StripeEventID,
			metadata:      p.Metadata,
		}); err != nil {
			return err
		}

		res = models.AddCreditsResult{
			BalanceAfter:       acc.balance,
			ExpiringCredits:    acc.expiring,
			NonExpiringCredits: acc.nonExpiring,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ResetExpiringCredits: %w", err)
	}
	return &res, nil
}

// GrantRenewalCredits grants one billing period exactly once, guarded by the
// period-start stamp and the ledger. The expiring bucket resets to the tier
// credits for the new period.
func (r *CreditRepository) GrantRenewalCredits(ctx context.Context, p GrantRenewalParams) (*models.RenewalGrantResult, error) {
	var res models.RenewalGrantResult
	periodUnix := p.PeriodStart.Unix()

	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := ensureAccountTx(ctx, tx, p.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		var lastPeriod *int64
		var lastInvoice *string
		err := tx.QueryRow(ctx, `
			SELECT last_renewal_period_start, last_processed_invoice_id
			FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, p.AccountID).
			Scan(&lastPeriod, &lastInvoice)
		if err != nil {
			return fmt.Errorf("lock renewal stamps: %w", err)
		}
		if lastPeriod != nil && *lastPeriod == periodUnix {
			prior := "unknown"
			if lastInvoice != nil {
				prior = "invoice:" + *lastInvoice
			}
			res = models.RenewalGrantResult{DuplicatePrevented: true, ProcessedBy: prior}
			return nil
		}

		// Second guard: a tier_grant ledger row stamped with this period.
		var priorProcessor string
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(metadata->>'processed_by', 'unknown')
			FROM credit_ledger
			WHERE account_id = $1 AND type = 'tier_grant' AND metadata->>'period_start' = $2
			LIMIT 1`, p.AccountID, fmt.Sprintf("%d", periodUnix)).Scan(&priorProcessor)
		if err == nil {
			res = models.RenewalGrantResult{DuplicatePrevented: true, ProcessedBy: priorProcessor}
			return nil
		}
		if !errNoRows(err) {
			return fmt.Errorf("renewal ledger guard: %w", err)
		}

		if bal, dup, err := findDuplicate(ctx, tx, p.StripeEventID, nil); err != nil {
			return err
		} else if dup {
			res = models.RenewalGrantResult{DuplicatePrevented: true, ProcessedBy: "event", BalanceAfter: bal}
			return nil
		}

		acc, err := r.lockAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}

		delta := p.Credits.Sub(acc.expiring)
		acc.expiring = p.Credits
		acc.balance = acc.expiring.Add(acc.nonExpiring)

		expiresAt := p.PeriodEnd
		if err := r.updateBuckets(ctx, tx, p.AccountID, acc, &expiresAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE credit_accounts
			SET last_renewal_period_start = $2,
			    last_processed_invoice_id = $3,
			    last_grant_date = now(),
			    next_credit_grant = $4,
			    updated_at = now()
			WHERE account_id = $1`,
			p.AccountID, periodUnix, p.InvoiceID, p.PeriodEnd)
		if err != nil {
			return fmt.Errorf("stamp renewal: %w", err)
		}

		if err := insertLedgerTx(ctx, tx, ledgerRow{
			accountID:     p.AccountID,
			amount:        delta,
			balanceAfter:  acc.balance,
			ledgerType:    models.LedgerTierGrant,
			description:   p.Description(),
			isExpiring:    true,
			expiresAt:     &expiresAt,
			stripeEventID: p.StripeEventID,
			metadata: map[string]string{
				"period_start": fmt.Sprintf("%d", periodUnix),
				"period_end":   fmt.Sprintf("%d", p.PeriodEnd.Unix()),
				"processed_by": p.ProcessedBy,
				"invoice_id":   p.InvoiceID,
			},
		}); err != nil {
			return err
		}

		res = models.RenewalGrantResult{BalanceAfter: acc.balance}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GrantRenewalCredits: %w", err)
	}
	return &res, nil
}

// Description renders the renewal ledger description including the period,
// which backs the one-grant-per-period property.
func (p GrantRenewalParams) Description() string {
	return fmt.Sprintf("Renewal credits for period starting %s (invoice %s)",
		p.PeriodStart.UTC().Format("2006-01-02"), p.InvoiceID)
}

// ClawbackCredits removes previously purchased credits after a refund.
// Non-expiring drains first (purchases are non-expiring); the account floors
// at zero rather than going negative.
func (r *CreditRepository) ClawbackCredits(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string, stripeEventID *string) (*models.UseCreditsResult, error) {
	if amount.Sign() <= 0 {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var res models.UseCreditsResult

	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, dup, err := findDuplicate(ctx, tx, stripeEventID, nil); err != nil {
			return err
		} else if dup {
			res = models.UseCreditsResult{Success: true}
			return nil
		}

		acc, err := r.lockAccount(ctx, tx, accountID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				res = models.UseCreditsResult{Success: false, Required: amount}
				return nil
			}
			return err
		}

		fromNonExpiring, fromExpiring := drainBuckets(acc.nonExpiring, acc.expiring, amount)
		acc.nonExpiring = acc.nonExpiring.Sub(fromNonExpiring)
		acc.expiring = acc.expiring.Sub(fromExpiring)
		acc.balance = acc.expiring.Add(acc.nonExpiring)

		deducted := fromNonExpiring.Add(fromExpiring)
		if err := r.updateBuckets(ctx, tx, accountID, acc, nil); err != nil {
			return err
		}
		if deducted.Sign() > 0 {
			if err := insertLedgerTx(ctx, tx, ledgerRow{
				accountID:     accountID,
				amount:        deducted.Neg(),
				balanceAfter:  acc.balance,
				ledgerType:    models.LedgerRefund,
				description:   description,
				stripeEventID: stripeEventID,
			}); err != nil {
				return err
			}
		}

		res = models.UseCreditsResult{
			Success:            true,
			FromExpiring:       fromExpiring,
			FromNonExpiring:    fromNonExpiring,
			NewBalance:         acc.balance,
			ExpiringCredits:    acc.expiring,
			NonExpiringCredits: acc.nonExpiring,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ClawbackCredits: %w", err)
	}
	return &res, nil
}

// GetAccount reads the credit account without locking.
func (r *CreditRepository) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT account_id, expiring_credits::text, non_expiring_credits::text, balance::text,
		       tier, trial_status, trial_ends_at, stripe_customer_id, stripe_subscription_id,
		       billing_cycle_anchor, next_credit_grant, last_grant_date,
		       last_processed_invoice_id, last_renewal_period_start,
		       commitment_type, commitment_end_date, created_at, updated_at
		FROM credit_accounts WHERE account_id = $1`, accountID)

	var a models.CreditAccount
	var expStr, nonStr, balStr string
	err := row.Scan(&a.AccountID, &expStr, &nonStr, &balStr,
		&a.Tier, &a.TrialStatus, &a.TrialEndsAt, &a.StripeCustomerID, &a.StripeSubscriptionID,
		&a.BillingCycleAnchor, &a.NextCreditGrant, &a.LastGrantDate,
		&a.LastProcessedInvoiceID, &a.LastRenewalPeriodStart,
		&a.CommitmentType, &a.CommitmentEndDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	if a.ExpiringCredits, err = decimal.NewFromString(expStr); err != nil {
		return nil, fmt.Errorf("parse expiring_credits: %w", err)
	}
	if a.NonExpiringCredits, err = decimal.NewFromString(nonStr); err != nil {
		return nil, fmt.Errorf("parse non_expiring_credits: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balStr); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

// HasTrialGrant reports whether a trial credit grant already landed.
func (r *CreditRepository) HasTrialGrant(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_ledger
			WHERE account_id = $1 AND type = 'tier_grant' AND metadata->>'grant' = 'trial'
		)`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("trial grant lookup: %w", err)
	}
	return exists, nil
}

// HasGrantForPeriod reports whether any tier grant was recorded for the
// given billing period start, regardless of which path granted it.
func (r *CreditRepository) HasGrantForPeriod(ctx context.Context, accountID uuid.UUID, periodStart int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_ledger
			WHERE account_id = $1 AND type = 'tier_grant' AND metadata->>'period_start' = $2
		)`, accountID, fmt.Sprintf("%d", periodStart)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("period grant lookup: %w", err)
	}
	return exists, nil
}

// AccountsWithDrift lists accounts whose stored balance disagrees with the
// bucket sum beyond the epsilon.
func (r *CreditRepository) AccountsWithDrift(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT account_id FROM credit_accounts
		WHERE abs(balance - (expiring_credits + non_expiring_credits)) > 0.01
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("drift scan: %w", err)
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

// ReconcileBalance re-locks one account and applies the rebalance rules.
func (r *CreditRepository) ReconcileBalance(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var corrected bool
	err := inSerializableTx(ctx, r.db, func(tx pgx.Tx) error {
		acc, err := r.lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		corrected = acc.rebalanced
		if acc.rebalanced {
			return r.updateBuckets(ctx, tx, accountID, acc, nil)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ReconcileBalance: %w", err)
	}
	return corrected, nil
}

// DoubleCharge is a pair of suspiciously identical ledger debits.
type DoubleCharge struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Description string
	FirstID     uuid.UUID
	SecondID    uuid.UUID
	Gap         time.Duration
}

// FindDoubleCharges scans the recent ledger for identical debits within the
// window. Detection only; resolution is a human call.
func (r *CreditRepository) FindDoubleCharges(ctx context.Context, since time.Time, window time.Duration) ([]DoubleCharge, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT a.account_id, a.amount::text, a.description, a.id, b.id,
		       EXTRACT(EPOCH FROM (b.created_at - a.created_at))
		FROM credit_ledger a
		JOIN credit_ledger b
		  ON a.account_id = b.account_id
		 AND a.amount = b.amount
		 AND a.description = b.description
		 AND a.id <> b.id
		 AND b.created_at > a.created_at
		 AND b.created_at - a.created_at <= make_interval(secs => $2)
		WHERE a.type = 'usage'
		  AND a.created_at >= $1
		ORDER BY a.created_at`, since, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("double charge scan: %w", err)
	}
	defer rows.Close()

	var out []DoubleCharge
	for rows.Next() {
		var dc DoubleCharge
		var amountStr string
		var gapSeconds float64
		if err := rows.Scan(&dc.AccountID, &amountStr, &dc.Description, &dc.FirstID, &dc.SecondID, &gapSeconds); err != nil {
			return nil, err
		}
		if dc.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		dc.Gap = time.Duration(gapSeconds * float64(time.Second))
		out = append(out, dc)
	}
	return out, rows.Err()
}

// SweepExpiredCredits zeroes expiring buckets past their expiry, writing one
// expired ledger row per account. Returns the number of swept accounts.
func (r *CreditRepository) SweepExpiredCredits(ctx context.Context) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		WITH candidates AS (
			SELECT account_id, expiring_credits, non_expiring_credits
			FROM credit_accounts
			WHERE credits_expire_at IS NOT NULL
			  AND credits_expire_at < now()
			  AND expiring_credits > 0
			FOR UPDATE SKIP LOCKED
		), swept AS (
			UPDATE credit_accounts ca
			SET expiring_credits = 0,
			    balance = c.non_expiring_credits,
			    updated_at = now()
			FROM candidates c
			WHERE ca.account_id = c.account_id
		)
		INSERT INTO credit_ledger
			(id, account_id, amount, balance_after, type, description, is_expiring, created_at)
		SELECT gen_random_uuid(), c.account_id, -c.expiring_credits, c.non_expiring_credits,
		       'expired', 'Expiring credits removed past expiry', true, now()
		FROM candidates c`)
	if err != nil {
		return 0, fmt.Errorf("SweepExpiredCredits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
