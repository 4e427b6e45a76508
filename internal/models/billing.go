package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// Money fields travel as JSON numbers, matching the public API contract.
	decimal.MarshalJSONWithoutQuotes = true
}

// Epsilon is the tolerance for every money comparison.
var Epsilon = decimal.RequireFromString("0.01")

// CreditAccount is the per-account balance row. balance must always equal
// expiring + non_expiring (invariant enforced on every mutation).
type CreditAccount struct {
	AccountID          uuid.UUID       `json:"account_id"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal `json:"non_expiring_credits"`
	Balance            decimal.Decimal `json:"balance"`
	Tier               string          `json:"tier"`
	TrialStatus        TrialStatus     `json:"trial_status"`
	TrialEndsAt        *time.Time      `json:"trial_ends_at,omitempty"`

	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	BillingCycleAnchor   *time.Time `json:"billing_cycle_anchor,omitempty"`

	NextCreditGrant        *time.Time `json:"next_credit_grant,omitempty"`
	LastGrantDate          *time.Time `json:"last_grant_date,omitempty"`
	LastProcessedInvoiceID *string    `json:"last_processed_invoice_id,omitempty"`
	// LastRenewalPeriodStart is the unix timestamp of the last granted
	// renewal period. Reserved for the invoice-driven grant path.
	LastRenewalPeriodStart *int64 `json:"last_renewal_period_start,omitempty"`

	CommitmentType    *string    `json:"commitment_type,omitempty"`
	CommitmentEndDate *time.Time `json:"commitment_end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerType classifies credit ledger entries.
type LedgerType string

const (
	LedgerTierGrant  LedgerType = "tier_grant"
	LedgerPurchase   LedgerType = "purchase"
	LedgerUsage      LedgerType = "usage"
	LedgerRefund     LedgerType = "refund"
	LedgerAdjustment LedgerType = "adjustment"
	LedgerExpired    LedgerType = "expired"
)

// CreditLedgerEntry is append-only. Entries are never mutated or deleted.
type CreditLedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Type          LedgerType      `json:"type"`
	Description   string          `json:"description"`
	IsExpiring    bool            `json:"is_expiring"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ThreadID      *uuid.UUID      `json:"thread_id,omitempty"`
	MessageID     *uuid.UUID      `json:"message_id,omitempty"`
	StripeEventID *string         `json:"stripe_event_id,omitempty"`
	// IdempotencyKey dedupes logical operations within an hour bucket.
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// PurchaseStatus tracks a credit purchase through checkout and refund.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// CreditPurchase is one top-up bought through checkout.
type CreditPurchase struct {
	ID                    uuid.UUID       `json:"id"`
	AccountID             uuid.UUID       `json:"account_id"`
	Amount                decimal.Decimal `json:"amount"`
	PricePaid             decimal.Decimal `json:"price_paid"`
	Status                PurchaseStatus  `json:"status"`
	StripeSessionID       *string         `json:"stripe_session_id,omitempty"`
	StripePaymentIntentID *string         `json:"stripe_payment_intent_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// AddCreditsResult reports an atomic credit grant.
type AddCreditsResult struct {
	DuplicatePrevented bool            `json:"duplicate_prevented"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal `json:"non_expiring_credits"`
}

// UseCreditsResult reports an atomic debit. When Success is false, Required
// and Available explain the shortfall.
type UseCreditsResult struct {
	Success            bool            `json:"success"`
	DuplicatePrevented bool            `json:"duplicate_prevented,omitempty"`
	Required           decimal.Decimal `json:"required"`
	Available          decimal.Decimal `json:"available"`
	FromExpiring       decimal.Decimal `json:"from_expiring"`
	FromNonExpiring    decimal.Decimal `json:"from_non_expiring"`
	NewBalance         decimal.Decimal `json:"new_balance"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal `json:"non_expiring_credits"`
}

// RenewalGrantResult reports an atomic renewal grant keyed on period start.
type RenewalGrantResult struct {
	DuplicatePrevented bool            `json:"duplicate_prevented"`
	ProcessedBy        string          `json:"processed_by,omitempty"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
}

// DeductRequest is the body of POST /billing/deduct.
type DeductRequest struct {
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	Model            string     `json:"model"`
	ThreadID         *uuid.UUID `json:"thread_id,omitempty"`
	MessageID        *uuid.UUID `json:"message_id,omitempty"`
}

// DeductResponse is the body returned by POST /billing/deduct.
type DeductResponse struct {
	Success         bool            `json:"success"`
	Cost            decimal.Decimal `json:"cost"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	FromExpiring    decimal.Decimal `json:"from_expiring"`
	FromNonExpiring decimal.Decimal `json:"from_non_expiring"`
}

// BalanceResponse is the body of GET /billing/balance.
type BalanceResponse struct {
	Balance            decimal.Decimal `json:"balance"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal `json:"non_expiring_credits"`
	Tier               string          `json:"tier"`
	TrialStatus        TrialStatus     `json:"trial_status"`
	CanPurchaseCredits bool            `json:"can_purchase_credits"`
}
