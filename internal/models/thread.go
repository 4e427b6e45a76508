package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project groups threads and optionally owns a sandbox for uploaded files.
type Project struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	SandboxID *string   `json:"sandbox_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is a conversation the runs attach to. Authorisation resolves
// through the owning account.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry in a thread. The control plane only writes the
// initial user message; everything else comes from the worker.
type Message struct {
	ID           uuid.UUID       `json:"id"`
	ThreadID     uuid.UUID       `json:"thread_id"`
	Type         string          `json:"type"`
	IsLLMMessage bool            `json:"is_llm_message"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"created_at"`
}
