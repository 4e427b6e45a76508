package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors shared across services. Handlers translate these to HTTP.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrRunTerminal rejects transitions out of a terminal run state.
	ErrRunTerminal = errors.New("agent run already in a terminal state")
	// ErrProviderUnavailable is surfaced while the payment-provider circuit
	// is open. Callers should retry after the breaker cooldown.
	ErrProviderUnavailable = errors.New("payment provider temporarily unavailable")
)

// InsufficientCreditsError maps to 402 with the shortfall detail.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s",
		e.Required.StringFixed(4), e.Available.StringFixed(4))
}

// ModelAccessError maps to 403 when a tier does not allow a model.
type ModelAccessError struct {
	Model string
	Tier  string
}

func (e *ModelAccessError) Error() string {
	return fmt.Sprintf("model %s is not available on tier %s", e.Model, e.Tier)
}

// ConcurrencyLimitError maps to 429 when the parallel-run cap is reached.
type ConcurrencyLimitError struct {
	RunningCount     int
	Limit            int
	RunningThreadIDs []uuid.UUID
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("parallel run limit reached: %d of %d", e.RunningCount, e.Limit)
}

// ProjectLimitError maps to 403 when a tier's project cap is reached.
type ProjectLimitError struct {
	Count int
	Limit int
}

func (e *ProjectLimitError) Error() string {
	return fmt.Sprintf("project limit reached: %d of %d", e.Count, e.Limit)
}

// TrialNotAllowedError maps to 403 when an account already consumed its
// one lifetime trial.
type TrialNotAllowedError struct {
	Status TrialHistoryStatus
}

func (e *TrialNotAllowedError) Error() string {
	return fmt.Sprintf("trial not allowed: prior trial in state %s", e.Status)
}

// ValidationError maps to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
