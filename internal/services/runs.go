package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subculture-collective/agentrun/config"
	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/internal/repository"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// activeRunTTL bounds how long an orphaned ownership lease can linger after
// an instance dies without running its shutdown path.
const activeRunTTL = 24 * time.Hour

// RunService owns the run lifecycle: admission checks, dispatch to the
// worker bus, stop propagation and instance shutdown reaping.
type RunService struct {
	runs        RunStore
	threads     ThreadStore
	billing     *BillingService
	pricing     *PricingService
	catalog     *config.Catalog
	broker      *broker.Client
	sandbox     SandboxClient
	minBalance  decimal.Decimal
	maxParallel int
	instanceID  string
	log         *zap.Logger
}

func NewRunService(
	runs RunStore,
	threads ThreadStore,
	billing *BillingService,
	pricing *PricingService,
	catalog *config.Catalog,
	b *broker.Client,
	sandbox SandboxClient,
	minBalance decimal.Decimal,
	maxParallel int,
	instanceID string,
	log *zap.Logger,
) *RunService {
	return &RunService{
		runs:        runs,
		threads:     threads,
		billing:     billing,
		pricing:     pricing,
		catalog:     catalog,
		broker:      b,
		sandbox:     sandbox,
		minBalance:  minBalance,
		maxParallel: maxParallel,
		instanceID:  instanceID,
		log:         log.Named("runs"),
	}
}

// InstanceID identifies this API instance in ownership leases.
func (s *RunService) InstanceID() string { return s.instanceID }

// authorizeThread loads the thread and hides it from non-owners.
func (s *RunService) authorizeThread(ctx context.Context, accountID, threadID uuid.UUID) (*models.Thread, error) {
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.AccountID != accountID {
		// Foreign threads look like missing ones.
		return nil, models.ErrNotFound
	}
	return thread, nil
}

// authorizeRun resolves a run and hides it from non-owners.
func (s *RunService) authorizeRun(ctx context.Context, accountID, runID uuid.UUID) (*models.AgentRun, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	owner, err := s.runs.AccountIDForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if owner != accountID {
		return nil, models.ErrNotFound
	}
	return run, nil
}

// resolveAgentConfig applies the closed resolution order: explicit agent if
// requested, otherwise the platform default (nil).
func resolveAgentConfig(req models.StartAgentRunRequest) *models.AgentConfig {
	if req.AgentID == nil {
		return nil
	}
	return &models.AgentConfig{
		AgentID:   req.AgentID,
		VersionID: req.AgentVersionID,
	}
}

// StartRun admits and dispatches a run on the thread. The three admission
// checks run concurrently; any failure aborts before anything is written.
func (s *RunService) StartRun(ctx context.Context, accountID, threadID uuid.UUID, req models.StartAgentRunRequest, requestID string) (*models.AgentRun, error) {
	thread, err := s.authorizeThread(ctx, accountID, threadID)
	if err != nil {
		return nil, err
	}

	model := s.pricing.Canonical(req.ModelName)

	account, err := s.billing.Account(ctx, accountID)
	tier := config.TierFree
	if err == nil {
		tier = account.Tier
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		allowed, err := s.pricing.ModelAllowed(tier, model)
		if err != nil {
			return err
		}
		if !allowed {
			return &models.ModelAccessError{Model: model, Tier: tier}
		}
		return nil
	})
	g.Go(func() error {
		ok, balance, err := s.billing.SufficientBalance(gctx, accountID, s.minBalance)
		if err != nil {
			return err
		}
		if !ok {
			return &models.InsufficientCreditsError{Required: s.minBalance, Available: balance}
		}
		return nil
	})
	g.Go(func() error {
		count, threadIDs, err := s.runs.CountRunningForAccount(gctx, accountID)
		if err != nil {
			return err
		}
		if count >= s.maxParallel {
			return &models.ConcurrencyLimitError{
				RunningCount:     count,
				Limit:            s.maxParallel,
				RunningThreadIDs: threadIDs,
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agentConfig := resolveAgentConfig(req)
	metadata, err := json.Marshal(map[string]any{"model_name": model})
	if err != nil {
		return nil, fmt.Errorf("marshal run metadata: %w", err)
	}
	run, err := s.runs.Create(ctx, repository.CreateParams{
		ThreadID:       threadID,
		AgentID:        req.AgentID,
		AgentVersionID: req.AgentVersionID,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}

	leaseKey := broker.ActiveRunKey(s.instanceID, run.ID.String())
	if err := s.broker.Set(ctx, leaseKey, "running", activeRunTTL); err != nil {
		s.failDispatch(run.ID, "broker lease failed")
		return nil, fmt.Errorf("register run lease: %w", err)
	}

	job := models.RunJob{
		AgentRunID:  run.ID,
		ThreadID:    threadID,
		InstanceID:  s.instanceID,
		ProjectID:   thread.ProjectID,
		ModelName:   model,
		AgentConfig: agentConfig,
		RequestID:   requestID,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		s.failDispatch(run.ID, "job marshal failed")
		return nil, fmt.Errorf("marshal run job: %w", err)
	}
	if err := s.broker.RPush(ctx, broker.JobQueueKey, payload); err != nil {
		s.failDispatch(run.ID, "job enqueue failed")
		_ = s.broker.Delete(context.WithoutCancel(ctx), leaseKey)
		return nil, fmt.Errorf("enqueue run job: %w", err)
	}

	s.log.Info("run started",
		zap.String("agent_run_id", run.ID.String()),
		zap.String("thread_id", threadID.String()),
		zap.String("model", model),
		zap.String("request_id", requestID))
	return run, nil
}

// failDispatch marks a run failed when dispatch never reached the worker.
func (s *RunService) failDispatch(runID uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := "dispatch failed: " + reason
	if err := s.runs.TransitionToTerminal(ctx, runID, models.RunStatusFailed, &msg); err != nil {
		s.log.Error("mark dispatch failure", zap.String("agent_run_id", runID.String()), zap.Error(err))
	}
}

// GetRun returns the run after an ownership check.
func (s *RunService) GetRun(ctx context.Context, accountID, runID uuid.UUID) (*models.AgentRun, error) {
	return s.authorizeRun(ctx, accountID, runID)
}

// ListThreadRuns lists the thread's runs, newest first.
func (s *RunService) ListThreadRuns(ctx context.Context, accountID, threadID uuid.UUID) ([]models.AgentRun, error) {
	if _, err := s.authorizeThread(ctx, accountID, threadID); err != nil {
		return nil, err
	}
	return s.runs.ListByThread(ctx, threadID)
}

// ListThreadMessages lists the thread's messages, oldest first.
func (s *RunService) ListThreadMessages(ctx context.Context, accountID, threadID uuid.UUID, limit int) ([]models.Message, error) {
	if _, err := s.authorizeThread(ctx, accountID, threadID); err != nil {
		return nil, err
	}
	return s.threads.ListMessages(ctx, threadID, limit)
}

// GetProject returns a project after an ownership check. Foreign projects
// read as not found.
func (s *RunService) GetProject(ctx context.Context, accountID, projectID uuid.UUID) (*models.Project, error) {
	project, err := s.threads.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.AccountID != accountID {
		return nil, models.ErrNotFound
	}
	return project, nil
}

// StopRun stops a live run on behalf of its owner.
func (s *RunService) StopRun(ctx context.Context, accountID, runID uuid.UUID, errorMsg string) error {
	run, err := s.authorizeRun(ctx, accountID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return models.ErrRunTerminal
	}
	return s.stop(ctx, runID, errorMsg)
}

// stop is the shared termination path. The DB transition is the commit
// point; everything after is signal propagation and cleanup.
func (s *RunService) stop(ctx context.Context, runID uuid.UUID, errorMsg string) error {
	runKey := runID.String()

	// Buffered responses are fetched best-effort for the log; the stream
	// list is about to be torn down.
	if n, err := s.broker.LLen(ctx, broker.RunResponsesKey(runKey)); err == nil {
		s.log.Info("stopping run", zap.String("agent_run_id", runKey), zap.Int64("buffered_responses", n))
	}

	status := models.RunStatusStopped
	var errPtr *string
	if errorMsg != "" {
		status = models.RunStatusFailed
		errPtr = &errorMsg
	}
	if err := s.runs.TransitionToTerminal(ctx, runID, status, errPtr); err != nil {
		return err
	}

	if err := s.broker.Publish(ctx, broker.RunControlChannel(runKey), broker.ControlStop); err != nil {
		s.log.Warn("publish stop on global channel", zap.String("agent_run_id", runKey), zap.Error(err))
	}
	keys, err := s.broker.ScanKeys(ctx, broker.ActiveRunPattern(runKey))
	if err != nil {
		s.log.Warn("scan ownership leases", zap.String("agent_run_id", runKey), zap.Error(err))
	}
	for _, key := range keys {
		instanceID := instanceFromLease(key, runKey)
		if instanceID == "" {
			continue
		}
		if err := s.broker.Publish(ctx, broker.InstanceControlChannel(runKey, instanceID), broker.ControlStop); err != nil {
			s.log.Warn("publish stop on instance channel",
				zap.String("agent_run_id", runKey), zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	if err := s.broker.Delete(ctx, broker.RunResponsesKey(runKey)); err != nil {
		s.log.Warn("delete response list", zap.String("agent_run_id", runKey), zap.Error(err))
	}

	s.log.Info("run stopped",
		zap.String("agent_run_id", runKey),
		zap.String("status", string(status)))
	return nil
}

// instanceFromLease extracts the instance id out of active_run:{i}:{run}.
func instanceFromLease(key, runID string) string {
	trimmed := strings.TrimPrefix(key, "active_run:")
	trimmed = strings.TrimSuffix(trimmed, ":"+runID)
	if trimmed == key || trimmed == "" {
		return ""
	}
	return trimmed
}

// UploadFile is one file posted with initiate_session.
type UploadFile struct {
	Path    string
	Content []byte
}

// InitiateSession bootstraps project, sandbox (only when files arrive),
// thread and first message, then starts the run.
func (s *RunService) InitiateSession(ctx context.Context, accountID uuid.UUID, prompt, modelName string, files []UploadFile, agentID *uuid.UUID, requestID string) (*models.InitiateSessionResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &models.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}

	account, err := s.billing.Account(ctx, accountID)
	tier := config.TierFree
	if err == nil {
		tier = account.Tier
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if t, ok := s.catalog.TierByName(tier); ok && t.ProjectLimit > 0 {
		count, err := s.threads.CountProjects(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if count >= t.ProjectLimit {
			return nil, &models.ProjectLimitError{Count: count, Limit: t.ProjectLimit}
		}
	}

	project, err := s.threads.CreateProject(ctx, accountID, projectName(prompt))
	if err != nil {
		return nil, err
	}

	var uploaded []string
	if len(files) > 0 {
		sandboxID, err := s.sandbox.CreateSandbox(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		if err := s.threads.SetProjectSandbox(ctx, project.ID, sandboxID); err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := s.sandbox.UploadFile(ctx, sandboxID, f.Path, f.Content); err != nil {
				return nil, fmt.Errorf("upload %s: %w", f.Path, err)
			}
			if err := VerifyUpload(ctx, s.sandbox, sandboxID, f.Path); err != nil {
				return nil, err
			}
			uploaded = append(uploaded, f.Path)
		}
	}

	thread, err := s.threads.CreateThread(ctx, project.ID, accountID)
	if err != nil {
		return nil, err
	}

	content := prompt
	if len(uploaded) > 0 {
		content = fmt.Sprintf("%s\n\nAttached files:\n%s", prompt, strings.Join(uploaded, "\n"))
	}
	if _, err := s.threads.CreateMessage(ctx, thread.ID, "user", false, map[string]string{
		"role":    "user",
		"content": content,
	}); err != nil {
		return nil, err
	}

	run, err := s.StartRun(ctx, accountID, thread.ID, models.StartAgentRunRequest{
		ModelName: modelName,
		AgentID:   agentID,
	}, requestID)
	if err != nil {
		return nil, err
	}

	return &models.InitiateSessionResponse{
		ProjectID:  project.ID,
		ThreadID:   thread.ID,
		AgentRunID: run.ID,
	}, nil
}

func projectName(prompt string) string {
	name := strings.TrimSpace(prompt)
	if len(name) > 40 {
		name = name[:40]
	}
	if name == "" {
		name = "New project"
	}
	return name
}

// StopOwnedRuns reaps every run this instance owns. Called on shutdown so
// subscribers see a terminal event instead of a silent hang.
func (s *RunService) StopOwnedRuns(ctx context.Context) int {
	keys, err := s.broker.ScanKeys(ctx, broker.InstanceRunsPattern(s.instanceID))
	if err != nil {
		s.log.Error("scan owned runs", zap.Error(err))
		return 0
	}

	prefix := fmt.Sprintf("active_run:%s:", s.instanceID)
	stopped := 0
	for _, key := range keys {
		runKey := strings.TrimPrefix(key, prefix)
		runID, err := uuid.Parse(runKey)
		if err != nil {
			s.log.Warn("skip malformed lease key", zap.String("key", key))
			continue
		}
		msg := fmt.Sprintf("Instance %s shutting down", s.instanceID)
		if err := s.stop(ctx, runID, msg); err != nil {
			if !errors.Is(err, models.ErrRunTerminal) && !errors.Is(err, models.ErrNotFound) {
				s.log.Error("reap owned run", zap.String("agent_run_id", runKey), zap.Error(err))
			}
		} else {
			stopped++
		}
		if err := s.broker.Delete(ctx, key); err != nil {
			s.log.Warn("delete owned lease", zap.String("key", key), zap.Error(err))
		}
	}
	if stopped > 0 {
		s.log.Info("reaped owned runs on shutdown", zap.Int("count", stopped))
	}
	return stopped
}
