package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// Function-field fakes for the store contracts. Unset fields fall back to
// benign defaults so each test only wires what it asserts on.

func newTestBroker(t *testing.T) (*broker.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewWithClient(rdb, zap.NewNop()), mr
}

func testCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	c, err := config.LoadCatalog("")
	require.NoError(t, err)
	return c
}

type fakeCredits struct {
	ensureAccount     func(ctx context.Context, accountID uuid.UUID) error
	getAccount        func(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error)
	addCredits        func(ctx context.Context, p repository.AddCreditsParams) (*models.AddCreditsResult, error)
	useCredits        func(ctx context.Context, p repository.UseCreditsParams) (*models.UseCreditsResult, error)
	resetExpiring     func(ctx context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error)
	grantRenewal      func(ctx context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error)
	clawback          func(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string, stripeEventID *string) (*models.UseCreditsResult, error)
	hasTrialGrant     func(ctx context.Context, accountID uuid.UUID) (bool, error)
	hasGrantForPeriod func(ctx context.Context, accountID uuid.UUID, periodStart int64) (bool, error)
	accountsWithDrift func(ctx context.Context, limit int) ([]uuid.UUID, error)
	reconcileBalance  func(ctx context.Context, accountID uuid.UUID) (bool, error)
	findDoubleCharges func(ctx context.Context, since time.Time, window time.Duration) ([]repository.DoubleCharge, error)
	sweepExpired      func(ctx context.Context) (int, error)
}

func (f *fakeCredits) EnsureAccount(ctx context.Context, accountID uuid.UUID) error {
	if f.ensureAccount != nil {
		return f.ensureAccount(ctx, accountID)
	}
	return nil
}

func (f *fakeCredits) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error) {
	if f.getAccount != nil {
		return f.getAccount(ctx, accountID)
	}
	return nil, models.ErrNotFound
}

func (f *fakeCredits) AddCredits(ctx context.Context, p repository.AddCreditsParams) (*models.AddCreditsResult, error) {
	if f.addCredits != nil {
		return f.addCredits(ctx, p)
	}
	return &models.AddCreditsResult{}, nil
}

func (f *fakeCredits) UseCredits(ctx context.Context, p repository.UseCreditsParams) (*models.UseCreditsResult, error) {
	if f.useCredits != nil {
		return f.useCredits(ctx, p)
	}
	return &models.UseCreditsResult{Success: true}, nil
}

func (f *fakeCredits) ResetExpiringCredits(ctx context.Context, p repository.ResetExpiringParams) (*models.AddCreditsResult, error) {
	if f.resetExpiring != nil {
		return f.resetExpiring(ctx, p)
	}
	return &models.AddCreditsResult{}, nil
}

func (f *fakeCredits) GrantRenewalCredits(ctx context.Context, p repository.GrantRenewalParams) (*models.RenewalGrantResult, error) {
	if f.grantRenewal != nil {
		return f.grantRenewal(ctx, p)
	}
	return &models.RenewalGrantResult{}, nil
}

func (f *fakeCredits) ClawbackCredits(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string, stripeEventID *string) (*models.UseCreditsResult, error) {
	if f.clawback != nil {
		return f.clawback(ctx, accountID, amount, description, stripeEventID)
	}
	return &models.UseCreditsResult{Success: true}, nil
}

func (f *fakeCredits) HasTrialGrant(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if f.hasTrialGrant != nil {
		return f.hasTrialGrant(ctx, accountID)
	}
	return false, nil
}

func (f *fakeCredits) HasGrantForPeriod(ctx context.Context, accountID uuid.UUID, periodStart int64) (bool, error) {
	if f.hasGrantForPeriod != nil {
		return f.hasGrantForPeriod(ctx, accountID, periodStart)
	}
	return false, nil
}

func (f *fakeCredits) AccountsWithDrift(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if f.accountsWithDrift != nil {
		return f.accountsWithDrift(ctx, limit)
	}
	return nil, nil
}

func (f *fakeCredits) ReconcileBalance(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if f.reconcileBalance != nil {
		return f.reconcileBalance(ctx, accountID)
	}
	return false, nil
}

func (f *fakeCredits) FindDoubleCharges(ctx context.Context, since time.Time, window time.Duration) ([]repository.DoubleCharge, error) {
	if f.findDoubleCharges != nil {
		return f.findDoubleCharges(ctx, since, window)
	}
	return nil, nil
}

func (f *fakeCredits) SweepExpiredCredits(ctx context.Context) (int, error) {
	if f.sweepExpired != nil {
		return f.sweepExpired(ctx)
	}
	return 0, nil
}

type fakePurchases struct {
	createPending    func(ctx context.Context, accountID uuid.UUID, amount, pricePaid decimal.Decimal, sessionID string) (*models.CreditPurchase, error)
	completeBySess   func(ctx context.Context, sessionID, paymentIntentID string) (*models.CreditPurchase, bool, error)
	markFailed       func(ctx context.Context, sessionID string) error
	refundByIntent   func(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error)
	listStalePending func(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditPurchase, error)
	expireStale      func(ctx context.Context, olderThan time.Duration) (int, error)
}

func (f *fakePurchases) CreatePending(ctx context.Context, accountID uuid.UUID, amount, pricePaid decimal.Decimal, sessionID string) (*models.CreditPurchase, error) {
	if f.createPending != nil {
		return f.createPending(ctx, accountID, amount, pricePaid, sessionID)
	}
	return &models.CreditPurchase{ID: uuid.New(), AccountID: accountID, Amount: amount, PricePaid: pricePaid, StripeSessionID: &sessionID}, nil
}

func (f *fakePurchases) CompleteBySession(ctx context.Context, sessionID, paymentIntentID string) (*models.CreditPurchase, bool, error) {
	if f.completeBySess != nil {
		return f.completeBySess(ctx, sessionID, paymentIntentID)
	}
	return nil, false, models.ErrNotFound
}

func (f *fakePurchases) MarkFailedBySession(ctx context.Context, sessionID string) error {
	if f.markFailed != nil {
		return f.markFailed(ctx, sessionID)
	}
	return nil
}

func (f *fakePurchases) RefundByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error) {
	if f.refundByIntent != nil {
		return f.refundByIntent(ctx, paymentIntentID)
	}
	return nil, models.ErrNotFound
}

func (f *fakePurchases) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditPurchase, error) {
	if f.listStalePending != nil {
		return f.listStalePending(ctx, olderThan, limit)
	}
	return nil, nil
}

func (f *fakePurchases) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if f.expireStale != nil {
		return f.expireStale(ctx, olderThan)
	}
	return 0, nil
}

type fakeSubs struct {
	linkCustomer      func(ctx context.Context, accountID uuid.UUID, customerID string) error
	byCustomer        func(ctx context.Context, customerID string) (uuid.UUID, error)
	bySubscription    func(ctx context.Context, subscriptionID string) (uuid.UUID, error)
	updateSub         func(ctx context.Context, accountID uuid.UUID, tier, subscriptionID string, anchor *time.Time) error
	stampGrantDate    func(ctx context.Context, accountID uuid.UUID, nextGrant *time.Time) error
	clearSub          func(ctx context.Context, accountID uuid.UUID, trialOutcome string) error
	setTrialState     func(ctx context.Context, accountID uuid.UUID, status string, endsAt *time.Time) error
	startTrialAttempt func(ctx context.Context, accountID uuid.UUID) (bool, error)
	setTrialHistory   func(ctx context.Context, accountID uuid.UUID, status models.TrialHistoryStatus) error
	activateTrial     func(ctx context.Context, accountID uuid.UUID) error
	finishTrial       func(ctx context.Context, accountID uuid.UUID, outcome models.TrialHistoryStatus, convertedToPaid bool) error
	getTrialHistory   func(ctx context.Context, accountID uuid.UUID) (*models.TrialHistory, error)
	createCommitment  func(ctx context.Context, c *models.Commitment) error
	activeCommitment  func(ctx context.Context, accountID uuid.UUID, now time.Time) (*models.Commitment, error)
	expiredTrials     func(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

func (f *fakeSubs) LinkStripeCustomer(ctx context.Context, accountID uuid.UUID, customerID string) error {
	if f.linkCustomer != nil {
		return f.linkCustomer(ctx, accountID, customerID)
	}
	return nil
}

func (f *fakeSubs) AccountByStripeCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	if f.byCustomer != nil {
		return f.byCustomer(ctx, customerID)
	}
	return uuid.Nil, models.ErrNotFound
}

func (f *fakeSubs) AccountByStripeSubscription(ctx context.Context, subscriptionID string) (uuid.UUID, error) {
	if f.bySubscription != nil {
		return f.bySubscription(ctx, subscriptionID)
	}
	return uuid.Nil, models.ErrNotFound
}

func (f *fakeSubs) UpdateSubscription(ctx context.Context, accountID uuid.UUID, tier, subscriptionID string, anchor *time.Time) error {
	if f.updateSub != nil {
		return f.updateSub(ctx, accountID, tier, subscriptionID, anchor)
	}
	return nil
}

func (f *fakeSubs) StampGrantDate(ctx context.Context, accountID uuid.UUID, nextGrant *time.Time) error {
	if f.stampGrantDate != nil {
		return f.stampGrantDate(ctx, accountID, nextGrant)
	}
	return nil
}

func (f *fakeSubs) ClearSubscription(ctx context.Context, accountID uuid.UUID, trialOutcome string) error {
	if f.clearSub != nil {
		return f.clearSub(ctx, accountID, trialOutcome)
	}
	return nil
}

func (f *fakeSubs) SetTrialState(ctx context.Context, accountID uuid.UUID, status string, endsAt *time.Time) error {
	if f.setTrialState != nil {
		return f.setTrialState(ctx, accountID, status, endsAt)
	}
	return nil
}

func (f *fakeSubs) StartTrialAttempt(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if f.startTrialAttempt != nil {
		return f.startTrialAttempt(ctx, accountID)
	}
	return true, nil
}

func (f *fakeSubs) SetTrialHistoryStatus(ctx context.Context, accountID uuid.UUID, status models.TrialHistoryStatus) error {
	if f.setTrialHistory != nil {
		return f.setTrialHistory(ctx, accountID, status)
	}
	return nil
}

func (f *fakeSubs) ActivateTrialHistory(ctx context.Context, accountID uuid.UUID) error {
	if f.activateTrial != nil {
		return f.activateTrial(ctx, accountID)
	}
	return nil
}

func (f *fakeSubs) FinishTrialHistory(ctx context.Context, accountID uuid.UUID, outcome models.TrialHistoryStatus, convertedToPaid bool) error {
	if f.finishTrial != nil {
		return f.finishTrial(ctx, accountID, outcome, convertedToPaid)
	}
	return nil
}

func (f *fakeSubs) GetTrialHistory(ctx context.Context, accountID uuid.UUID) (*models.TrialHistory, error) {
	if f.getTrialHistory != nil {
		return f.getTrialHistory(ctx, accountID)
	}
	return nil, models.ErrNotFound
}

func (f *fakeSubs) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	if f.createCommitment != nil {
		return f.createCommitment(ctx, c)
	}
	return nil
}

func (f *fakeSubs) ActiveCommitment(ctx context.Context, accountID uuid.UUID, now time.Time) (*models.Commitment, error) {
	if f.activeCommitment != nil {
		return f.activeCommitment(ctx, accountID, now)
	}
	return nil, models.ErrNotFound
}

func (f *fakeSubs) ExpiredTrialAccounts(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if f.expiredTrials != nil {
		return f.expiredTrials(ctx, now, limit)
	}
	return nil, nil
}

type fakeRuns struct {
	create        func(ctx context.Context, p repository.CreateParams) (*models.AgentRun, error)
	getByID       func(ctx context.Context, id uuid.UUID) (*models.AgentRun, error)
	accountForRun func(ctx context.Context, runID uuid.UUID) (uuid.UUID, error)
	listByThread  func(ctx context.Context, threadID uuid.UUID) ([]models.AgentRun, error)
	transition    func(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, errorMsg *string) error
	countRunning  func(ctx context.Context, accountID uuid.UUID) (int, []uuid.UUID, error)
	listRunning   func(ctx context.Context, olderThan time.Duration, limit int) ([]models.AgentRun, error)
}

func (f *fakeRuns) Create(ctx context.Context, p repository.CreateParams) (*models.AgentRun, error) {
	if f.create != nil {
		return f.create(ctx, p)
	}
	return &models.AgentRun{
		ID:        uuid.New(),
		ThreadID:  p.ThreadID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
		Metadata:  p.Metadata,
	}, nil
}

func (f *fakeRuns) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error) {
	if f.getByID != nil {
		return f.getByID(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (f *fakeRuns) AccountIDForRun(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	if f.accountForRun != nil {
		return f.accountForRun(ctx, runID)
	}
	return uuid.Nil, models.ErrNotFound
}

func (f *fakeRuns) ListByThread(ctx context.Context, threadID uuid.UUID) ([]models.AgentRun, error) {
	if f.listByThread != nil {
		return f.listByThread(ctx, threadID)
	}
	return nil, nil
}

func (f *fakeRuns) TransitionToTerminal(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, errorMsg *string) error {
	if f.transition != nil {
		return f.transition(ctx, id, status, errorMsg)
	}
	return nil
}

func (f *fakeRuns) CountRunningForAccount(ctx context.Context, accountID uuid.UUID) (int, []uuid.UUID, error) {
	if f.countRunning != nil {
		return f.countRunning(ctx, accountID)
	}
	return 0, nil, nil
}

func (f *fakeRuns) ListRunning(ctx context.Context, olderThan time.Duration, limit int) ([]models.AgentRun, error) {
	if f.listRunning != nil {
		return f.listRunning(ctx, olderThan, limit)
	}
	return nil, nil
}

type fakeThreads struct {
	createProject func(ctx context.Context, accountID uuid.UUID, name string) (*models.Project, error)
	getProject    func(ctx context.Context, id uuid.UUID) (*models.Project, error)
	setSandbox    func(ctx context.Context, projectID uuid.UUID, sandboxID string) error
	countProjects func(ctx context.Context, accountID uuid.UUID) (int, error)
	createThread  func(ctx context.Context, projectID, accountID uuid.UUID) (*models.Thread, error)
	getThread     func(ctx context.Context, id uuid.UUID) (*models.Thread, error)
	createMessage func(ctx context.Context, threadID uuid.UUID, msgType string, isLLM bool, content any) (*models.Message, error)
	listMessages  func(ctx context.Context, threadID uuid.UUID, limit int) ([]models.Message, error)
}

func (f *fakeThreads) CreateProject(ctx context.Context, accountID uuid.UUID, name string) (*models.Project, error) {
	if f.createProject != nil {
		return f.createProject(ctx, accountID, name)
	}
	return &models.Project{ID: uuid.New(), AccountID: accountID, Name: name}, nil
}

func (f *fakeThreads) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	if f.getProject != nil {
		return f.getProject(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (f *fakeThreads) SetProjectSandbox(ctx context.Context, projectID uuid.UUID, sandboxID string) error {
	if f.setSandbox != nil {
		return f.setSandbox(ctx, projectID, sandboxID)
	}
	return nil
}

func (f *fakeThreads) CountProjects(ctx context.Context, accountID uuid.UUID) (int, error) {
	if f.countProjects != nil {
		return f.countProjects(ctx, accountID)
	}
	return 0, nil
}

func (f *fakeThreads) CreateThread(ctx context.Context, projectID, accountID uuid.UUID) (*models.Thread, error) {
	if f.createThread != nil {
		return f.createThread(ctx, projectID, accountID)
	}
	return &models.Thread{ID: uuid.New(), ProjectID: projectID, AccountID: accountID}, nil
}

func (f *fakeThreads) GetThread(ctx context.Context, id uuid.UUID) (*models.Thread, error) {
	if f.getThread != nil {
		return f.getThread(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (f *fakeThreads) CreateMessage(ctx context.Context, threadID uuid.UUID, msgType string, isLLM bool, content any) (*models.Message, error) {
	if f.createMessage != nil {
		return f.createMessage(ctx, threadID, msgType, isLLM, content)
	}
	return &models.Message{ID: uuid.New(), ThreadID: threadID, Type: msgType, IsLLMMessage: isLLM}, nil
}

func (f *fakeThreads) ListMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]models.Message, error) {
	if f.listMessages != nil {
		return f.listMessages(ctx, threadID, limit)
	}
	return nil, nil
}

type fakeWebhookStore struct {
	checkAndMark    func(ctx context.Context, eventID, eventType, payloadHash string) (bool, *models.WebhookEvent, error)
	markCompleted   func(ctx context.Context, eventID string) error
	markFailed      func(ctx context.Context, eventID, errMsg string) error
	stuckProcessing func(ctx context.Context, olderThanSeconds float64, limit int) ([]models.WebhookEvent, error)
}

func (f *fakeWebhookStore) CheckAndMark(ctx context.Context, eventID, eventType, payloadHash string) (bool, *models.WebhookEvent, error) {
	if f.checkAndMark != nil {
		return f.checkAndMark(ctx, eventID, eventType, payloadHash)
	}
	return true, nil, nil
}

func (f *fakeWebhookStore) MarkCompleted(ctx context.Context, eventID string) error {
	if f.markCompleted != nil {
		return f.markCompleted(ctx, eventID)
	}
	return nil
}

func (f *fakeWebhookStore) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	if f.markFailed != nil {
		return f.markFailed(ctx, eventID, errMsg)
	}
	return nil
}

func (f *fakeWebhookStore) StuckProcessing(ctx context.Context, olderThanSeconds float64, limit int) ([]models.WebhookEvent, error) {
	if f.stuckProcessing != nil {
		return f.stuckProcessing(ctx, olderThanSeconds, limit)
	}
	return nil, nil
}

type fakeGateway struct {
	createCustomer     func(ctx context.Context, accountID uuid.UUID, email string) (string, error)
	createCheckout     func(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error)
	getCheckout        func(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	getSubscription    func(ctx context.Context, id string) (*stripe.Subscription, error)
	cancelAtPeriodEnd  func(ctx context.Context, id string) (*stripe.Subscription, error)
	cancelAt           func(ctx context.Context, id string, at time.Time) (*stripe.Subscription, error)
	cancelNow          func(ctx context.Context, id string) (*stripe.Subscription, error)
	listRecentInvoices func(ctx context.Context, subscriptionID string, limit int64) ([]*stripe.Invoice, error)
	stampSubscription  func(ctx context.Context, id string, metadata map[string]string) error
}

func (f *fakeGateway) CreateCustomer(ctx context.Context, accountID uuid.UUID, email string) (string, error) {
	if f.createCustomer != nil {
		return f.createCustomer(ctx, accountID, email)
	}
	return "cus_test", nil
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	if f.createCheckout != nil {
		return f.createCheckout(ctx, p)
	}
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.test/cs_test"}, nil
}

func (f *fakeGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if f.getCheckout != nil {
		return f.getCheckout(ctx, id)
	}
	return &stripe.CheckoutSession{ID: id}, nil
}

func (f *fakeGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.getSubscription != nil {
		return f.getSubscription(ctx, id)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakeGateway) CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.cancelAtPeriodEnd != nil {
		return f.cancelAtPeriodEnd(ctx, id)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakeGateway) CancelAt(ctx context.Context, id string, at time.Time) (*stripe.Subscription, error) {
	if f.cancelAt != nil {
		return f.cancelAt(ctx, id, at)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakeGateway) CancelNow(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.cancelNow != nil {
		return f.cancelNow(ctx, id)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakeGateway) ListRecentInvoices(ctx context.Context, subscriptionID string, limit int64) ([]*stripe.Invoice, error) {
	if f.listRecentInvoices != nil {
		return f.listRecentInvoices(ctx, subscriptionID, limit)
	}
	return nil, nil
}

func (f *fakeGateway) StampSubscription(ctx context.Context, id string, metadata map[string]string) error {
	if f.stampSubscription != nil {
		return f.stampSubscription(ctx, id, metadata)
	}
	return nil
}

type fakeSandbox struct {
	createSandbox func(ctx context.Context, projectID uuid.UUID) (string, error)
	uploadFile    func(ctx context.Context, sandboxID, filePath string, content []byte) error
	listFiles     func(ctx context.Context, sandboxID, dir string) ([]string, error)
	deleteSandbox func(ctx context.Context, sandboxID string) error
}

func (f *fakeSandbox) CreateSandbox(ctx context.Context, projectID uuid.UUID) (string, error) {
	if f.createSandbox != nil {
		return f.createSandbox(ctx, projectID)
	}
	return "sbx_test", nil
}

func (f *fakeSandbox) UploadFile(ctx context.Context, sandboxID, filePath string, content []byte) error {
	if f.uploadFile != nil {
		return f.uploadFile(ctx, sandboxID, filePath, content)
	}
	return nil
}

func (f *fakeSandbox) ListFiles(ctx context.Context, sandboxID, dir string) ([]string, error) {
	if f.listFiles != nil {
		return f.listFiles(ctx, sandboxID, dir)
	}
	return nil, nil
}

func (f *fakeSandbox) DeleteSandbox(ctx context.Context, sandboxID string) error {
	if f.deleteSandbox != nil {
		return f.deleteSandbox(ctx, sandboxID)
	}
	return nil
}
