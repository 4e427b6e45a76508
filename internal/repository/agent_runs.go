package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// AgentRunRepository persists run rows. The status column is the source of
// truth for liveness; Redis only carries the stream.
type AgentRunRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewAgentRunRepository(db *database.DB, log *zap.Logger) *AgentRunRepository {
	return &AgentRunRepository{db: db, log: log.Named("agent_run_repo")}
}

// CreateParams seeds a new running row.
type CreateParams struct {
	ThreadID       uuid.UUID
	AgentID        *uuid.UUID
	AgentVersionID *uuid.UUID
	Metadata       json.RawMessage
}

func (r *AgentRunRepository) Create(ctx context.Context, p CreateParams) (*models.AgentRun, error) {
	run := &models.AgentRun{
		ID:             uuid.New(),
		ThreadID:       p.ThreadID,
		AgentID:        p.AgentID,
		AgentVersionID: p.AgentVersionID,
		Status:         models.RunStatusRunning,
		Metadata:       p.Metadata,
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO agent_runs (id, thread_id, agent_id, agent_version_id, status, metadata, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now())
		RETURNING started_at, created_at, updated_at`,
		run.ID, run.ThreadID, run.AgentID, run.AgentVersionID, string(run.Status), run.Metadata).
		Scan(&run.StartedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create agent run: %w", err)
	}
	return run, nil
}

func (r *AgentRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error) {
	var run models.AgentRun
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, thread_id, agent_id, agent_version_id, status, error, metadata,
		       started_at, completed_at, created_at, updated_at
		FROM agent_runs WHERE id = $1`, id).
		Scan(&run.ID, &run.ThreadID, &run.AgentID, &run.AgentVersionID, &run.Status, &run.Error,
			&run.Metadata, &run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get agent run: %w", err)
	}
	return &run, nil
}

// AccountIDForRun resolves the owning account through the thread.
func (r *AgentRunRepository) AccountIDForRun(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := r.db.Pool.QueryRow(ctx, `
		SELECT t.account_id
		FROM agent_runs ar JOIN threads t ON t.id = ar.thread_id
		WHERE ar.id = $1`, runID).Scan(&accountID)
	if err != nil {
		if errNoRows(err) {
			return uuid.Nil, models.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("resolve run account: %w", err)
	}
	return accountID, nil
}

func (r *AgentRunRepository) ListByThread(ctx context.Context, threadID uuid.UUID) ([]models.AgentRun, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, thread_id, agent_id, agent_version_id, status, error, metadata,
		       started_at, completed_at, created_at, updated_at
		FROM agent_runs WHERE thread_id = $1
		ORDER BY created_at DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs for thread: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows pgx.Rows) ([]models.AgentRun, error) {
	var runs []models.AgentRun
	for rows.Next() {
		var run models.AgentRun
		if err := rows.Scan(&run.ID, &run.ThreadID, &run.AgentID, &run.AgentVersionID,
			&run.Status, &run.Error, &run.Metadata,
			&run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionToTerminal moves a running run to a terminal status. The WHERE
// clause makes the first terminal transition win; later ones report
// ErrRunTerminal. Transitions between terminal states never happen.
func (r *AgentRunRepository) TransitionToTerminal(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, errorMsg *string) error {
	if !status.IsTerminal() {
		return &models.ValidationError{Field: "status", Reason: "not a terminal status"}
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, error = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, string(status), errorMsg)
	if err != nil {
		return fmt.Errorf("transition run %s to %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run is already terminal or it never existed.
		var current string
		err := r.db.Pool.QueryRow(ctx, `SELECT status FROM agent_runs WHERE id = $1`, id).Scan(&current)
		if err != nil {
			if errNoRows(err) {
				return models.ErrNotFound
			}
			return fmt.Errorf("check run status: %w", err)
		}
		return models.ErrRunTerminal
	}
	return nil
}

// CountRunningForAccount returns how many runs are live for the account and
// which threads they belong to. Only runs started in the last 24h count;
// anything older marked running is a leak the reconciler will reap, and it
// must not starve the account.
func (r *AgentRunRepository) CountRunningForAccount(ctx context.Context, accountID uuid.UUID) (int, []uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT ar.thread_id
		FROM agent_runs ar JOIN threads t ON t.id = ar.thread_id
		WHERE t.account_id = $1 AND ar.status = 'running'
		  AND ar.started_at > now() - interval '24 hours'`, accountID)
	if err != nil {
		return 0, nil, fmt.Errorf("count running runs: %w", err)
	}
	defer rows.Close()

	var threadIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		threadIDs = append(threadIDs, id)
	}
	return len(threadIDs), threadIDs, rows.Err()
}

// ListRunning returns runs still marked running, oldest first. The
// reconciler cross-checks these against the broker's active-run keys.
func (r *AgentRunRepository) ListRunning(ctx context.Context, olderThan time.Duration, limit int) ([]models.AgentRun, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, thread_id, agent_id, agent_version_id, status, error, metadata,
		       started_at, completed_at, created_at, updated_at
		FROM agent_runs
		WHERE status = 'running' AND started_at < now() - make_interval(secs => $1)
		ORDER BY started_at
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}
