package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/metrics"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

const (
	reconcileLockTTL = 10 * time.Minute
	// stalePurchaseAge is how long a pending purchase may sit before the
	// provider is asked what actually happened to its checkout.
	stalePurchaseAge = 24 * time.Hour
	// abandonedPurchaseAge is when a still-pending purchase is closed out
	// without asking the provider; checkout sessions expire long before this.
	abandonedPurchaseAge = 7 * 24 * time.Hour
	// overdueTrialGrace is how far past trial_ends_at a still-active trial
	// must be before it is reported as a missed provider webhook.
	overdueTrialGrace = 24 * time.Hour
	// staleRunAge is how long a run may show running before its broker lease
	// is checked.
	staleRunAge = 10 * time.Minute
	// stuckWebhookAge is how long an event may sit in processing before it
	// is failed so redelivery can reclaim it.
	stuckWebhookAge = time.Hour
	// doubleChargeWindow pairs identical debits landing this close together.
	doubleChargeWindow = 60 * time.Second

	reconcileBatch = 100
)

// ReconciliationService is the background safety net: it repairs drifted
// balances, recovers purchases whose webhook never arrived, expires what
// should have expired, and reaps orphaned runs. Every job takes a
// fleet-wide lock so exactly one instance runs it per cycle.
type ReconciliationService struct {
	credits   CreditStore
	purchases PurchaseStore
	runs      RunStore
	webhooks  WebhookStore
	subs      SubscriptionStore
	billing   *BillingService
	gateway   StripeGateway
	broker    *broker.Client
	notify    *NotificationService
	interval  time.Duration
	log       *zap.Logger
}

func NewReconciliationService(
	credits CreditStore,
	purchases PurchaseStore,
	runs RunStore,
	webhooks WebhookStore,
	subs SubscriptionStore,
	billing *BillingService,
	gateway StripeGateway,
	b *broker.Client,
	notify *NotificationService,
	interval time.Duration,
	log *zap.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		credits:   credits,
		purchases: purchases,
		runs:      runs,
		webhooks:  webhooks,
		subs:      subs,
		billing:   billing,
		gateway:   gateway,
		broker:    b,
		notify:    notify,
		interval:  interval,
		log:       log.Named("reconciliation"),
	}
}

// Run loops until the context ends. One pass fires immediately so a fresh
// deploy repairs promptly.
func (s *ReconciliationService) Run(ctx context.Context) {
	s.log.Info("reconciliation loop started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("reconciliation pass", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
		}
	}
}

type reconcileJob struct {
	name string
	fn   func(ctx context.Context, report *strings.Builder) (int, error)
}

func (s *ReconciliationService) jobs() []reconcileJob {
	return []reconcileJob{
		{"reconcile_failed_payments", s.reconcileFailedPayments},
		{"verify_balance_consistency", s.verifyBalanceConsistency},
		{"detect_double_charges", s.detectDoubleCharges},
		{"cleanup_expired_credits", s.cleanupExpiredCredits},
		{"reap_stale_runs", s.reapStaleRuns},
		{"fail_stuck_webhooks", s.failStuckWebhooks},
		{"report_overdue_trials", s.reportOverdueTrials},
	}
}

// RunJob executes a single job by name, for the admin trigger. Unknown names
// come back as ErrNotFound.
func (s *ReconciliationService) RunJob(ctx context.Context, name string) (string, error) {
	for _, job := range s.jobs() {
		if job.name != name {
			continue
		}
		var report strings.Builder
		fmt.Fprintf(&report, "# Reconciliation %s\n", time.Now().UTC().Format(time.RFC3339))
		_, err := s.runJob(ctx, job, &report)
		return report.String(), err
	}
	return "", fmt.Errorf("reconciliation job %q: %w", name, models.ErrNotFound)
}

// RunOnce executes every job once and returns the markdown report. Jobs are
// independent; one failing does not stop the rest.
func (s *ReconciliationService) RunOnce(ctx context.Context) (string, error) {
	jobs := s.jobs()

	var report strings.Builder
	fmt.Fprintf(&report, "# Reconciliation %s\n", time.Now().UTC().Format(time.RFC3339))
	totalFindings := 0
	var errs []error

	for _, job := range jobs {
		findings, err := s.runJob(ctx, job, &report)
		totalFindings += findings
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.name, err))
		}
	}

	out := report.String()
	if totalFindings > 0 || len(errs) > 0 {
		if err := s.notify.SendReconciliationReport(ctx, out); err != nil {
			s.log.Warn("send reconciliation report", zap.Error(err))
		}
	}
	return out, errors.Join(errs...)
}

func (s *ReconciliationService) runJob(ctx context.Context, job reconcileJob, report *strings.Builder) (int, error) {
	lock, err := s.broker.AcquireLock(ctx, "reconcile:"+job.name, reconcileLockTTL)
	if err != nil {
		if errors.Is(err, broker.ErrLockNotAcquired) {
			metrics.ReconcileJobs.WithLabelValues(job.name, "skipped").Inc()
			s.log.Debug("job held elsewhere", zap.String("job", job.name))
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release job lock", zap.String("job", job.name), zap.Error(err))
		}
	}()

	fmt.Fprintf(report, "\n## %s\n", job.name)
	findings, err := job.fn(ctx, report)
	if err != nil {
		metrics.ReconcileJobs.WithLabelValues(job.name, "error").Inc()
		fmt.Fprintf(report, "- ERROR: %v\n", err)
		s.log.Error("reconciliation job failed", zap.String("job", job.name), zap.Error(err))
		return findings, err
	}
	metrics.ReconcileJobs.WithLabelValues(job.name, "ok").Inc()
	if findings == 0 {
		report.WriteString("- clean\n")
	} else {
		metrics.ReconcileFindings.WithLabelValues(job.name).Add(float64(findings))
	}
	s.log.Info("reconciliation job done", zap.String("job", job.name), zap.Int("findings", findings))
	return findings, nil
}

// reconcileFailedPayments resolves pending purchases whose webhook never
// landed: paid checkouts get their credits, dead checkouts get failed.
func (s *ReconciliationService) reconcileFailedPayments(ctx context.Context, report *strings.Builder) (int, error) {
	stale, err := s.purchases.ListStalePending(ctx, stalePurchaseAge, reconcileBatch)
	if err != nil {
		return 0, err
	}
	findings := 0
	for _, p := range stale {
		if p.StripeSessionID == nil {
			continue
		}
		sessionID := *p.StripeSessionID
		session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			s.log.Warn("checkout session lookup",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		switch {
		case session.Status == stripe.CheckoutSessionStatusComplete &&
			session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			paymentIntentID := ""
			if session.PaymentIntent != nil {
				paymentIntentID = session.PaymentIntent.ID
			}
			// Synthesized event id keeps recovery idempotent across cycles.
			if err := s.billing.CompletePurchase(ctx, sessionID, paymentIntentID, "reconcile:"+sessionID); err != nil {
				s.log.Error("recover missed purchase",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			findings++
			fmt.Fprintf(report, "- recovered paid purchase %s (%s credits, account %s)\n",
				p.ID, p.Amount, p.AccountID)

		case session.Status == stripe.CheckoutSessionStatusExpired:
			if err := s.billing.FailPurchase(ctx, sessionID); err != nil {
				s.log.Error("expire dead purchase",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			findings++
			fmt.Fprintf(report, "- failed expired purchase %s (account %s)\n", p.ID, p.AccountID)
		}
	}

	// Pending rows old enough to be beyond the provider's session retention
	// cannot be resolved above; close them out.
	expired, err := s.purchases.ExpireStalePending(ctx, abandonedPurchaseAge)
	if err != nil {
		return findings, err
	}
	if expired > 0 {
		findings += expired
		fmt.Fprintf(report, "- expired %d abandoned pending purchases\n", expired)
	}
	return findings, nil
}

// verifyBalanceConsistency repairs accounts whose stored balance disagrees
// with the bucket sum beyond the epsilon.
func (s *ReconciliationService) verifyBalanceConsistency(ctx context.Context, report *strings.Builder) (int, error) {
	ids, err := s.credits.AccountsWithDrift(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	findings := 0
	for _, id := range ids {
		corrected, err := s.credits.ReconcileBalance(ctx, id)
		if err != nil {
			s.log.Error("reconcile balance", zap.String("account_id", id.String()), zap.Error(err))
			continue
		}
		if corrected {
			findings++
			fmt.Fprintf(report, "- repaired balance drift on account %s\n", id)
			sentry.CaptureMessage(fmt.Sprintf("balance drift repaired on account %s", id))
		}
	}
	return findings, nil
}

// detectDoubleCharges reports identical debits landing close together.
// Detection only; refunds are a human decision.
func (s *ReconciliationService) detectDoubleCharges(ctx context.Context, report *strings.Builder) (int, error) {
	lookback := 2 * s.interval
	if lookback < 24*time.Hour {
		lookback = 24 * time.Hour
	}
	pairs, err := s.credits.FindDoubleCharges(ctx, time.Now().Add(-lookback), doubleChargeWindow)
	if err != nil {
		return 0, err
	}
	for _, dc := range pairs {
		fmt.Fprintf(report, "- possible double charge: account %s, amount %s, %s apart (%s / %s)\n",
			dc.AccountID, dc.Amount, dc.Gap, dc.FirstID, dc.SecondID)
	}
	if len(pairs) > 0 {
		sentry.CaptureMessage(fmt.Sprintf("%d possible double charges detected", len(pairs)))
	}
	return len(pairs), nil
}

// cleanupExpiredCredits sweeps expiring buckets past their expiry.
func (s *ReconciliationService) cleanupExpiredCredits(ctx context.Context, report *strings.Builder) (int, error) {
	n, err := s.credits.SweepExpiredCredits(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		fmt.Fprintf(report, "- swept expired credits on %d accounts\n", n)
	}
	return n, nil
}

// reapStaleRuns fails runs that show running but whose worker lease is gone.
func (s *ReconciliationService) reapStaleRuns(ctx context.Context, report *strings.Builder) (int, error) {
	running, err := s.runs.ListRunning(ctx, staleRunAge, reconcileBatch)
	if err != nil {
		return 0, err
	}
	findings := 0
	for _, run := range running {
		leases, err := s.broker.ScanKeys(ctx, broker.ActiveRunPattern(run.ID.String()))
		if err != nil {
			return findings, err
		}
		if len(leases) > 0 {
			continue
		}
		reason := "worker lease lost"
		err = s.runs.TransitionToTerminal(ctx, run.ID, models.RunStatusFailed, &reason)
		if err != nil {
			if errors.Is(err, models.ErrRunTerminal) {
				continue
			}
			s.log.Error("reap stale run", zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		// Wake any live subscribers so they read the terminal state.
		if err := s.broker.Publish(ctx, broker.RunControlChannel(run.ID.String()), broker.ControlError); err != nil {
			s.log.Warn("publish reap signal", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
		metrics.RunsFinished.WithLabelValues(string(models.RunStatusFailed)).Inc()
		findings++
		fmt.Fprintf(report, "- reaped orphaned run %s (started %s)\n",
			run.ID, run.StartedAt.UTC().Format(time.RFC3339))
	}
	return findings, nil
}

// failStuckWebhooks fails events claimed but never finished, so the
// provider's redelivery can claim them again.
func (s *ReconciliationService) failStuckWebhooks(ctx context.Context, report *strings.Builder) (int, error) {
	stuck, err := s.webhooks.StuckProcessing(ctx, stuckWebhookAge.Seconds(), reconcileBatch)
	if err != nil {
		return 0, err
	}
	for _, ev := range stuck {
		if err := s.webhooks.MarkFailed(ctx, ev.EventID, "stuck in processing, failed by reconciler"); err != nil {
			s.log.Error("fail stuck webhook", zap.String("event_id", ev.EventID), zap.Error(err))
			continue
		}
		fmt.Fprintf(report, "- failed stuck webhook %s (%s)\n", ev.EventID, ev.Type)
	}
	return len(stuck), nil
}

// reportOverdueTrials flags trials still active well past their end date,
// which means the provider's subscription.deleted (or conversion) webhook
// never landed. Report only; credits and state stay untouched until the
// event is replayed or an operator intervenes.
func (s *ReconciliationService) reportOverdueTrials(ctx context.Context, report *strings.Builder) (int, error) {
	overdue, err := s.subs.ExpiredTrialAccounts(ctx, time.Now().Add(-overdueTrialGrace), reconcileBatch)
	if err != nil {
		return 0, err
	}
	for _, id := range overdue {
		fmt.Fprintf(report, "- trial on account %s overdue beyond grace, provider webhook missing\n", id)
	}
	if len(overdue) > 0 {
		sentry.CaptureMessage(fmt.Sprintf("reconciliation: %d overdue trials without a provider webhook", len(overdue)))
	}
	return len(overdue), nil
}
