package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// ThreadRepository persists projects, threads and messages.
type ThreadRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewThreadRepository(db *database.DB, log *zap.Logger) *ThreadRepository {
	return &ThreadRepository{db: db, log: log.Named("thread_repo")}
}

func (r *ThreadRepository) CreateProject(ctx context.Context, accountID uuid.UUID, name string) (*models.Project, error) {
	p := &models.Project{ID: uuid.New(), AccountID: accountID, Name: name}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO projects (id, account_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING created_at, updated_at`,
		p.ID, p.AccountID, p.Name).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (r *ThreadRepository) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account_id, name, sandbox_id, created_at, updated_at
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.AccountID, &p.Name, &p.SandboxID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (r *ThreadRepository) SetProjectSandbox(ctx context.Context, projectID uuid.UUID, sandboxID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE projects SET sandbox_id = $2, updated_at = now() WHERE id = $1`,
		projectID, sandboxID)
	if err != nil {
		return fmt.Errorf("set project sandbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *ThreadRepository) CountProjects(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM projects WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

func (r *ThreadRepository) CreateThread(ctx context.Context, projectID, accountID uuid.UUID) (*models.Thread, error) {
	t := &models.Thread{ID: uuid.New(), ProjectID: projectID, AccountID: accountID}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO threads (id, project_id, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING created_at, updated_at`,
		t.ID, t.ProjectID, t.AccountID).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

func (r *ThreadRepository) GetThread(ctx context.Context, id uuid.UUID) (*models.Thread, error) {
	var t models.Thread
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, project_id, account_id, created_at, updated_at
		FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

func (r *ThreadRepository) CreateMessage(ctx context.Context, threadID uuid.UUID, msgType string, isLLM bool, content any) (*models.Message, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal message content: %w", err)
	}
	m := &models.Message{ID: uuid.New(), ThreadID: threadID, Type: msgType, IsLLMMessage: isLLM, Content: body}
	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, type, is_llm_message, content, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at`,
		m.ID, m.ThreadID, m.Type, m.IsLLMMessage, m.Content).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

func (r *ThreadRepository) ListMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]models.Message, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, thread_id, type, is_llm_message, content, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at
		LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Type, &m.IsLLMMessage, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
