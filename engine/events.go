package engine

import "time"

// Event types published on the workflow:events ticker.
const (
	EventCreated        = "workflow.created"
	EventStarted        = "workflow.started"
	EventStageStarted   = "workflow.stage.started"
	EventStageCompleted = "workflow.stage.completed"
	EventStageFailed    = "workflow.stage.failed"
	EventStageSkipped   = "workflow.stage.skipped"
	EventCompleted      = "workflow.completed"
	EventFailed         = "workflow.failed"
	EventCancelled      = "workflow.cancelled"
	EventPaused         = "workflow.paused"
	EventResumed        = "workflow.resumed"
	EventDefinitionGone = "workflow.definition_gone"
)

// Event is the payload broadcast for every workflow lifecycle change.
type Event struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	Stage        string    `json:"stage,omitempty"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}
