package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentRunStatus is the run state machine. running is the only non-terminal
// state; terminal states are absorbing.
type AgentRunStatus string

const (
	RunStatusRunning   AgentRunStatus = "running"
	RunStatusCompleted AgentRunStatus = "completed"
	RunStatusFailed    AgentRunStatus = "failed"
	RunStatusStopped   AgentRunStatus = "stopped"
)

// IsTerminal reports whether the status absorbs further transitions.
func (s AgentRunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// AgentRun is one execution of an LLM-driven task.
type AgentRun struct {
	ID             uuid.UUID       `json:"id"`
	ThreadID       uuid.UUID       `json:"thread_id"`
	AgentID        *uuid.UUID      `json:"agent_id,omitempty"`
	AgentVersionID *uuid.UUID      `json:"agent_version_id,omitempty"`
	Status         AgentRunStatus  `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AgentConfig is the resolved configuration handed to the worker. The
// resolution cases are closed: platform default, custom agent, custom agent
// with pinned version.
type AgentConfig struct {
	AgentID      *uuid.UUID `json:"agent_id,omitempty"`
	VersionID    *uuid.UUID `json:"version_id,omitempty"`
	Name         string     `json:"name"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Model        string     `json:"model,omitempty"`
	Tools        []string   `json:"tools,omitempty"`
	IsDefault    bool       `json:"is_default"`
}

// RunJob is the payload enqueued on the job bus for the worker fleet.
type RunJob struct {
	AgentRunID  uuid.UUID    `json:"agent_run_id"`
	ThreadID    uuid.UUID    `json:"thread_id"`
	InstanceID  string       `json:"instance_id"`
	ProjectID   uuid.UUID    `json:"project_id"`
	ModelName   string       `json:"model_name"`
	AgentConfig *AgentConfig `json:"agent_config,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}

// StartAgentRunRequest is the body of POST /thread/{id}/agent/start.
type StartAgentRunRequest struct {
	ModelName      string     `json:"model_name"`
	AgentID        *uuid.UUID `json:"agent_id,omitempty"`
	AgentVersionID *uuid.UUID `json:"agent_version_id,omitempty"`
}

// StartAgentRunResponse confirms a dispatched run.
type StartAgentRunResponse struct {
	AgentRunID uuid.UUID      `json:"agent_run_id"`
	Status     AgentRunStatus `json:"status"`
}

// StopAgentRunRequest optionally carries the error that caused the stop.
type StopAgentRunRequest struct {
	Error string `json:"error,omitempty"`
}

// InitiateSessionResponse is returned by POST /agent/initiate.
type InitiateSessionResponse struct {
	ProjectID  uuid.UUID `json:"project_id"`
	ThreadID   uuid.UUID `json:"thread_id"`
	AgentRunID uuid.UUID `json:"agent_run_id"`
}

// StatusEnvelope is the control shape inside a response envelope. Workers
// emit arbitrary JSON objects; only {type:"status"} ones affect stream
// termination.
type StatusEnvelope struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// EnvelopeStatus extracts (type, status) from a raw response envelope.
// Malformed envelopes return empty strings; the stream forwards them as-is.
func EnvelopeStatus(raw []byte) (string, string) {
	var env StatusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", ""
	}
	return env.Type, env.Status
}

// IsTerminalStreamStatus reports whether a status envelope ends the stream.
func IsTerminalStreamStatus(status string) bool {
	switch status {
	case "completed", "failed", "stopped", "error":
		return true
	}
	return false
}
