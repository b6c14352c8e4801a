// Package engine owns workflows: the per-workflow state machine, stage
// dispatch and result correlation, recovery, and the programmatic surface the
// control plane wraps.
package engine

import (
	"encoding/json"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SkippedMarker is recorded in stage outputs for stages routed through
// on_failure="skip".
const SkippedMarker = `{"skipped":true}`

// Workflow is one invocation of a stage graph.
type Workflow struct {
	ID            string                     `json:"id"`
	Type          string                     `json:"type"`
	Name          string                     `json:"name,omitempty"`
	PlatformID    string                     `json:"platform_id,omitempty"`
	Status        Status                     `json:"status"`
	CurrentStage  string                     `json:"current_stage,omitempty"`
	PreviousStage string                     `json:"previous_stage,omitempty"`
	Progress      int                        `json:"progress"`
	Priority      envelope.Priority          `json:"priority"`
	StageOutputs  map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	LastError     string                     `json:"last_error,omitempty"`
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`

	// Version is the CAS token guarding every mutation.
	Version int64 `json:"version"`

	// Dispatch bookkeeping: the single outstanding task for the current
	// stage, and how often that stage has been retried.
	OutstandingTaskID string `json:"outstanding_task_id,omitempty"`
	StageAttempts     int    `json:"stage_attempts"`

	// PendingStage holds the next stage frozen by a pause; Resume dispatches it.
	PendingStage string `json:"pending_stage,omitempty"`

	// UsedFallback marks that the built-in sequence is driving this workflow.
	UsedFallback bool `json:"used_fallback,omitempty"`

	// CreatePayload seeds the first stage's task payload.
	CreatePayload json.RawMessage `json:"create_payload,omitempty"`
}

// recordOutput stores a stage's result fragment.
func (w *Workflow) recordOutput(stage string, output json.RawMessage) {
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[string]json.RawMessage)
	}
	if output == nil {
		output = json.RawMessage("null")
	}
	w.StageOutputs[stage] = output
}

// advanceProgress raises progress, never lowering it.
func (w *Workflow) advanceProgress(p int) {
	if p > w.Progress {
		w.Progress = p
	}
}

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	PlatformID string            `json:"platform_id,omitempty"`
	Priority   envelope.Priority `json:"priority,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
}

// Filter selects workflows for listing.
type Filter struct {
	Status     Status `json:"status,omitempty"`
	Type       string `json:"type,omitempty"`
	PlatformID string `json:"platform_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
