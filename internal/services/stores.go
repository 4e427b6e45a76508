package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
)

// Store contracts consumed by the services, satisfied by the repository
// types. Tests substitute in-memory fakes.

type CreditStore interface {
	EnsureAccount(ctx context.Context, accountID uuid.UUID) error
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error)
	AddCredits(ctx context.Context, p repository.AddCreditsParams) (*models.AddCreditsResult, error)
	UseCredits(ctx context.Context, p repository.UseCreditsParams) (*models.UseCreditsResult, error)
	ResetExpiringCredits(ctx context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error)
	GrantRenewalCredits(ctx context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error)
	ClawbackCredits(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string, stripeEventID *string) (*models.UseCreditsResult, error)
	HasTrialGrant(ctx context.Context, accountID uuid.UUID) (bool, error)
	HasGrantForPeriod(ctx context.Context, accountID uuid.UUID, periodStart int64) (bool, error)
	AccountsWithDrift(ctx context.Context, limit int) ([]uuid.UUID, error)
	ReconcileBalance(ctx context.Context, accountID uuid.UUID) (bool, error)
	FindDoubleCharges(ctx context.Context, since time.Time, window time.Duration) ([]repository.DoubleCharge, error)
	SweepExpiredCredits(ctx context.Context) (int, error)
}

type PurchaseStore interface {
	CreatePending(ctx context.Context, accountID uuid.UUID, amount, pricePaid decimal.Decimal, sessionID string) (*models.CreditPurchase, error)
	CompleteBySession(ctx context.Context, sessionID, paymentIntentID string) (*models.CreditPurchase, bool, error)
	MarkFailedBySession(ctx context.Context, sessionID string) error
	RefundByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditPurchase, error)
	ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error)
}

type SubscriptionStore interface {
	LinkStripeCustomer(ctx context.Context, accountID uuid.UUID, customerID string) error
	AccountByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error)
	AccountByStripeSubscription(ctx context.Context, subscriptionID string) (uuid.UUID, error)
	UpdateSubscription(ctx context.Context, accountID uuid.UUID, tier, subscriptionID string, anchor *time.Time) error
	StampGrantDate(ctx context.Context, accountID uuid.UUID, nextGrant *time.Time) error
	ClearSubscription(ctx context.Context, accountID uuid.UUID, trialOutcome string) error
	SetTrialState(ctx context.Context, accountID uuid.UUID, status string, endsAt *time.Time) error
	StartTrialAttempt(ctx context.Context, accountID uuid.UUID) (bool, error)
	SetTrialHistoryStatus(ctx context.Context, accountID uuid.UUID, status models.TrialHistoryStatus) error
	ActivateTrialHistory(ctx context.Context, accountID uuid.UUID) error
	FinishTrialHistory(ctx context.Context, accountID uuid.UUID, outcome models.TrialHistoryStatus, convertedToPaid bool) error
	GetTrialHistory(ctx context.Context, accountID uuid.UUID) (*models.TrialHistory, error)
	CreateCommitment(ctx context.Context, c *models.Commitment) error
	ActiveCommitment(ctx context.Context, accountID uuid.UUID, now time.Time) (*models.Commitment, error)
	ExpiredTrialAccounts(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type RunStore interface {
	Create(ctx context.Context, p repository.CreateParams) (*models.AgentRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error)
	AccountIDForRun(ctx context.Context, runID uuid.UUID) (uuid.UUID, error)
	ListByThread(ctx context.Context, threadID uuid.UUID) ([]models.AgentRun, error)
	TransitionToTerminal(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, errorMsg *string) error
	CountRunningForAccount(ctx context.Context, accountID uuid.UUID) (int, []uuid.UUID, error)
	ListRunning(ctx context.Context, olderThan time.Duration, limit int) ([]models.AgentRun, error)
}

type ThreadStore interface {
	CreateProject(ctx context.Context, accountID uuid.UUID, name string) (*models.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	SetProjectSandbox(ctx context.Context, projectID uuid.UUID, sandboxID string) error
	CountProjects(ctx context.Context, accountID uuid.UUID) (int, error)
	CreateThread(ctx context.Context, projectID, accountID uuid.UUID) (*models.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*models.Thread, error)
	CreateMessage(ctx context.Context, threadID uuid.UUID, msgType string, isLLM bool, content any) (*models.Message, error)
	ListMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]models.Message, error)
}

type WebhookStore interface {
	CheckAndMark(ctx context.Context, eventID, eventType, payloadHash string) (bool, *models.WebhookEvent, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	StuckProcessing(ctx context.Context, olderThanSeconds float64, limit int) ([]models.WebhookEvent, error)
}
