package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/database"
)

// WebhookRepository is the durable dedup record for provider events. The
// broker's fast-path mark expires; this table does not.
type WebhookRepository struct {
	db  *database.DB
	log *zap.Logger
}

func NewWebhookRepository(db *database.DB, log *zap.Logger) *WebhookRepository {
	return &WebhookRepository{db: db, log: log.Named("webhook_repo")}
}

// CheckAndMark claims the event for processing. Exactly one caller wins a
// fresh event; a previously failed event can be claimed again by one caller.
// Completed and in-flight events are not claimable.
func (r *WebhookRepository) CheckAndMark(ctx context.Context, eventID, eventType, payloadHash string) (bool, *models.WebhookEvent, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, state, payload_hash, first_seen_at, updated_at)
		VALUES ($1, $2, 'processing', $3, now(), now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, payloadHash)
	if err != nil {
		return false, nil, fmt.Errorf("mark webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	prior, err := r.Get(ctx, eventID)
	if err != nil {
		return false, nil, err
	}
	if prior.State == models.WebhookFailed {
		tag, err := r.db.Pool.Exec(ctx, `
			UPDATE webhook_events SET state = 'processing', error = NULL, updated_at = now()
			WHERE event_id = $1 AND state = 'failed'`, eventID)
		if err != nil {
			return false, nil, fmt.Errorf("reclaim failed webhook event: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return true, prior, nil
		}
	}
	return false, prior, nil
}

func (r *WebhookRepository) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE webhook_events SET state = 'completed', completed_at = now(), updated_at = now()
		WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE webhook_events SET state = 'failed', error = $2, updated_at = now()
		WHERE event_id = $1`, eventID, errMsg)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}

// StuckProcessing lists events claimed but never finished, for the reconciler.
func (r *WebhookRepository) StuckProcessing(ctx context.Context, olderThanSeconds float64, limit int) ([]models.WebhookEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT event_id, type, state, payload_hash, error, first_seen_at, completed_at
		FROM webhook_events
		WHERE state = 'processing' AND first_seen_at < now() - make_interval(secs => $1)
		ORDER BY first_seen_at
		LIMIT $2`, olderThanSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("stuck webhook scan: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		var ev models.WebhookEvent
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.State, &ev.PayloadHash, &ev.Error, &ev.FirstSeenAt, &ev.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
