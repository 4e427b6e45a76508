package models

import (
	"time"

	"github.com/google/uuid"
)

// TrialStatus on the credit account row.
type TrialStatus string

const (
	TrialNone      TrialStatus = "none"
	TrialActive    TrialStatus = "active"
	TrialConverted TrialStatus = "converted"
	TrialCancelled TrialStatus = "cancelled"
	TrialExpired   TrialStatus = "expired"
)

// TrialHistoryStatus is the lifetime trial record state. Only the checkout
// states may be retried; everything else permanently blocks a new trial.
type TrialHistoryStatus string

const (
	TrialHistoryCheckoutPending TrialHistoryStatus = "checkout_pending"
	TrialHistoryCheckoutCreated TrialHistoryStatus = "checkout_created"
	TrialHistoryCheckoutFailed  TrialHistoryStatus = "checkout_failed"
	TrialHistoryActive          TrialHistoryStatus = "active"
	TrialHistoryConverted       TrialHistoryStatus = "converted"
	TrialHistoryCancelled       TrialHistoryStatus = "cancelled"
	TrialHistoryExpired         TrialHistoryStatus = "expired"
)

// Retryable reports whether the state allows starting a new trial checkout.
func (s TrialHistoryStatus) Retryable() bool {
	switch s {
	case TrialHistoryCheckoutPending, TrialHistoryCheckoutCreated, TrialHistoryCheckoutFailed:
		return true
	}
	return false
}

// TrialHistory is the one-per-account lifetime trial record.
type TrialHistory struct {
	AccountID       uuid.UUID          `json:"account_id"`
	Status          TrialHistoryStatus `json:"status"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
	ConvertedToPaid bool               `json:"converted_to_paid"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Commitment records a minimum-duration contract on a subscription.
type Commitment struct {
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	AccountID            uuid.UUID `json:"account_id"`
	PriceID              string    `json:"price_id"`
	Months               int       `json:"months"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	CreatedAt            time.Time `json:"created_at"`
}

// Active reports whether the commitment still blocks immediate cancellation.
func (c *Commitment) Active(now time.Time) bool {
	return now.Before(c.EndDate)
}

// CheckoutType routes checkout.session.completed by session metadata.
type CheckoutType string

const (
	CheckoutCreditPurchase CheckoutType = "credit_purchase"
	CheckoutTrial          CheckoutType = "trial"
	CheckoutSubscription   CheckoutType = "subscription"
)

// CreateCheckoutSessionRequest is the body of POST /billing/checkout.
type CreateCheckoutSessionRequest struct {
	// Type selects credit_purchase, trial or subscription.
	Type CheckoutType `json:"type"`
	// PriceID picks the subscription price for subscription/trial checkouts.
	PriceID string `json:"price_id,omitempty"`
	// CreditAmount is the credit top-up size for credit_purchase checkouts.
	CreditAmount float64 `json:"credit_amount,omitempty"`
	SuccessURL   string  `json:"success_url,omitempty"`
	CancelURL    string  `json:"cancel_url,omitempty"`
}

// CreateCheckoutSessionResponse carries the provider session handle.
type CreateCheckoutSessionResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// SubscriptionStatusResponse is the body of GET /billing/subscription.
type SubscriptionStatusResponse struct {
	Tier                 string      `json:"tier"`
	TrialStatus          TrialStatus `json:"trial_status"`
	TrialEndsAt          *time.Time  `json:"trial_ends_at,omitempty"`
	StripeSubscriptionID *string     `json:"stripe_subscription_id,omitempty"`
	BillingCycleAnchor   *time.Time  `json:"billing_cycle_anchor,omitempty"`
	NextCreditGrant      *time.Time  `json:"next_credit_grant,omitempty"`
	Commitment           *Commitment `json:"commitment,omitempty"`
}

// CancelSubscriptionResponse reports when the cancellation takes effect.
type CancelSubscriptionResponse struct {
	Scheduled   bool       `json:"scheduled"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
	// CommitmentHeld is true when a minimum term deferred the cancel date.
	CommitmentHeld bool `json:"commitment_held"`
}
