package models

import "time"

// WebhookState is the processing state of a provider event record.
type WebhookState string

const (
	WebhookProcessing WebhookState = "processing"
	WebhookCompleted  WebhookState = "completed"
	WebhookFailed     WebhookState = "failed"
)

// WebhookEvent is the dedup record for one provider event. A completed
// event must never be re-processed.
type WebhookEvent struct {
	EventID     string       `json:"event_id"`
	Type        string       `json:"type"`
	State       WebhookState `json:"state"`
	PayloadHash string       `json:"payload_hash"`
	Error       *string      `json:"error,omitempty"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
