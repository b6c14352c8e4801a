package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/fault"
)

// Event types used for agent traffic.
const (
	TypeTaskRequest = "agent.task.request"
	TypeTaskResult  = "agent.task.result"
	TypeDeadLetter  = "system.dead_letter"
)

// agentTypePattern constrains agent types to kebab-case identifiers.
var agentTypePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Priority orders tasks within an agent's mailbox.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// TaskStatus tracks a dispatched task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailure   TaskStatus = "failure"
	TaskPartial   TaskStatus = "partial"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
	TaskRetrying  TaskStatus = "retrying"
)

// Retry budget bounds for a task.
const (
	MaxRetriesCeiling = 10
	MinTimeoutMs      = 1000
)

// WorkflowContext situates a task inside its workflow.
type WorkflowContext struct {
	WorkflowType  string                     `json:"workflow_type"`
	WorkflowName  string                     `json:"workflow_name,omitempty"`
	CurrentStage  string                     `json:"current_stage"`
	PreviousStage string                     `json:"previous_stage,omitempty"`
	StageOutputs  map[string]json.RawMessage `json:"stage_outputs,omitempty"`
}

// Task is the agent envelope payload: a unit of work addressed to one agent type.
// Payload is a discriminated union keyed by AgentType; the core validates it
// against the registered schema and never inspects it further.
type Task struct {
	TaskID          string          `json:"task_id"`
	WorkflowID      string          `json:"workflow_id"`
	AgentType       string          `json:"agent_type"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TimeoutMs       int             `json:"timeout_ms"`
	Context         WorkflowContext `json:"workflow_context"`
	TraceID         string          `json:"trace_id,omitempty"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	EnvelopeVersion int             `json:"envelope_version"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ValidAgentType reports whether s is a legal kebab-case agent type.
func ValidAgentType(s string) bool {
	return agentTypePattern.MatchString(s)
}

// ValidateTask checks the structural invariants of a task.
func ValidateTask(t *Task) error {
	if t == nil {
		return fault.New(fault.KindValidation, "nil task")
	}
	if _, err := uuid.Parse(t.TaskID); err != nil {
		return fault.Newf(fault.KindValidation, "task_id %q is not a UUID", t.TaskID)
	}
	if t.WorkflowID == "" {
		return fault.New(fault.KindValidation, "workflow_id missing")
	}
	if !ValidAgentType(t.AgentType) {
		return fault.Newf(fault.KindValidation, "agent_type %q is not kebab-case", t.AgentType)
	}
	switch t.Priority {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fault.Newf(fault.KindValidation, "priority %q unknown", t.Priority)
	}
	switch t.Status {
	case TaskPending, TaskQueued, TaskRunning, TaskSuccess, TaskFailure,
		TaskPartial, TaskTimeout, TaskCancelled, TaskRetrying:
	default:
		return fault.Newf(fault.KindValidation, "status %q unknown", t.Status)
	}
	if t.MaxRetries < 0 || t.MaxRetries > MaxRetriesCeiling {
		return fault.Newf(fault.KindValidation, "max_retries %d outside [0,%d]", t.MaxRetries, MaxRetriesCeiling)
	}
	if t.TimeoutMs < MinTimeoutMs {
		return fault.Newf(fault.KindValidation, "timeout_ms %d below %d", t.TimeoutMs, MinTimeoutMs)
	}
	if t.Context.CurrentStage == "" {
		return fault.New(fault.KindValidation, "workflow_context.current_stage missing")
	}
	return nil
}

// NewTaskEnvelope wraps a task in a request envelope addressed to its agent type.
func NewTaskEnvelope(t *Task, opts ...Option) (*Envelope, error) {
	if err := ValidateTask(t); err != nil {
		return nil, err
	}
	return New(TypeTaskRequest, t, opts...)
}

// ParseTask validates env as an agent task envelope and decodes its task.
func ParseTask(env *Envelope) (*Task, error) {
	if env.Type != TypeTaskRequest {
		return nil, fault.Newf(fault.KindValidation, "envelope type %q is not %s", env.Type, TypeTaskRequest)
	}
	task, err := DecodePayload[Task](env)
	if err != nil {
		return nil, err
	}
	if err := ValidateTask(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ResultMetrics captures resource consumption for one task execution.
type ResultMetrics struct {
	DurationMs  int64 `json:"duration_ms"`
	TokensUsed  int   `json:"tokens_used,omitempty"`
	APICalls    int   `json:"api_calls,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// TaskResult is reported by an agent when a task finishes.
type TaskResult struct {
	TaskID           string          `json:"task_id"`
	WorkflowID       string          `json:"workflow_id"`
	AgentID          string          `json:"agent_id"`
	Stage            string          `json:"stage,omitempty"`
	Status           TaskStatus      `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	Errors           []string        `json:"errors,omitempty"`
	Artifacts        []string        `json:"artifacts,omitempty"`
	Metrics          ResultMetrics   `json:"metrics"`
	NextStage        string          `json:"next_stage,omitempty"`
	NextStagePayload json.RawMessage `json:"next_stage_payload,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// ValidateResult checks the structural invariants of a task result.
func ValidateResult(r *TaskResult) error {
	if r == nil {
		return fault.New(fault.KindValidation, "nil result")
	}
	if r.TaskID == "" {
		return fault.New(fault.KindValidation, "result task_id missing")
	}
	if r.WorkflowID == "" {
		return fault.New(fault.KindValidation, "result workflow_id missing")
	}
	switch r.Status {
	case TaskSuccess, TaskFailure, TaskPartial, TaskTimeout:
	default:
		return fault.Newf(fault.KindValidation, "result status %q unknown", r.Status)
	}
	if r.CompletedAt.IsZero() {
		return fault.New(fault.KindValidation, "result completed_at missing")
	}
	return nil
}

// NewResultEnvelope wraps a task result in a result envelope.
func NewResultEnvelope(r *TaskResult, opts ...Option) (*Envelope, error) {
	if err := ValidateResult(r); err != nil {
		return nil, err
	}
	return New(TypeTaskResult, r, opts...)
}

// ParseResult validates env as a result envelope and decodes its result.
func ParseResult(env *Envelope) (*TaskResult, error) {
	if env.Type != TypeTaskResult {
		return nil, fault.Newf(fault.KindValidation, "envelope type %q is not %s", env.Type, TypeTaskResult)
	}
	res, err := DecodePayload[TaskResult](env)
	if err != nil {
		return nil, err
	}
	if err := ValidateResult(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeadLetter wraps an envelope that exhausted its retry budget.
type DeadLetter struct {
	EnvelopeID string `json:"envelope_id"`
	Type       string `json:"type"`
	Topic      string `json:"topic"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// NewDeadLetterEnvelope builds the system.dead_letter wrapper for env.
func NewDeadLetterEnvelope(env *Envelope, topic string, lastErr error) (*Envelope, error) {
	dl := DeadLetter{
		EnvelopeID: env.ID,
		Type:       env.Type,
		Topic:      topic,
		Attempts:   env.Meta.Attempts,
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}
	out, err := New(TypeDeadLetter, dl, WithCorrelation(env.CorrID))
	if err != nil {
		return nil, fmt.Errorf("build dead letter: %w", err)
	}
	return out, nil
}
