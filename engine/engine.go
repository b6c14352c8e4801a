package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/state"
)

// consumerGroup is the durable group engines share on the results stream.
const consumerGroup = "engine"

// Metrics exposes engine counters.
type Metrics struct {
	Dispatches              int64 `json:"dispatches"`
	LateResultsDiscarded    int64 `json:"late_results_discarded"`
	DuplicateResultsIgnored int64 `json:"duplicate_results_ignored"`
	TimeoutsSynthesized     int64 `json:"timeouts_synthesized"`
}

// Engine drives workflows: it dispatches stage tasks, correlates results,
// applies the per-workflow state machine, and persists snapshots for crash
// recovery. Results for one workflow are serialized by a local mutex plus the
// distributed lock; every store write is CAS-guarded.
type Engine struct {
	instanceID string
	store      Store
	fabric     bus.Bus
	resolver   *definition.Resolver
	states     *state.Manager
	consumer   *bus.Consumer
	logger     *slog.Logger

	mu     sync.Mutex
	serial map[string]*sync.Mutex
	timers map[string]*time.Timer

	dispatches       atomic.Int64
	lateResults      atomic.Int64
	duplicateResults atomic.Int64
	timeouts         atomic.Int64

	unsub bus.Unsubscribe
}

// New creates an engine. The consumer supplies the shared delivery pipeline
// (dedupe, retries, DLQ) for the results subscription.
func New(store Store, fabric bus.Bus, resolver *definition.Resolver, states *state.Manager, consumer *bus.Consumer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		instanceID: uuid.NewString(),
		store:      store,
		fabric:     fabric,
		resolver:   resolver,
		states:     states,
		consumer:   consumer,
		logger:     logger,
		serial:     make(map[string]*sync.Mutex),
		timers:     make(map[string]*time.Timer),
	}
}

// InstanceID identifies this engine instance for lock ownership.
func (e *Engine) InstanceID() string { return e.instanceID }

// Start subscribes the engine to the durable results stream.
func (e *Engine) Start(ctx context.Context) error {
	handler := e.consumer.Wrap(bus.ResultsTopic, e.handleResultEnvelope)
	unsub, err := e.fabric.Subscribe(ctx, bus.ResultsTopic, handler, bus.SubscribeOptions{
		ConsumerGroup: consumerGroup,
		FromBeginning: true,
	})
	if err != nil {
		return err
	}
	e.unsub = unsub
	e.logger.Info("engine started", "instance_id", e.instanceID)
	return nil
}

// Stop unsubscribes and cancels outstanding dispatch timers.
func (e *Engine) Stop() {
	if e.unsub != nil {
		_ = e.unsub()
	}
	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.logger.Info("engine stopped", "instance_id", e.instanceID)
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Dispatches:              e.dispatches.Load(),
		LateResultsDiscarded:    e.lateResults.Load(),
		DuplicateResultsIgnored: e.duplicateResults.Load(),
		TimeoutsSynthesized:     e.timeouts.Load(),
	}
}

// lockFor returns the local serialization mutex for one workflow.
func (e *Engine) lockFor(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.serial[workflowID]
	if !ok {
		m = &sync.Mutex{}
		e.serial[workflowID] = m
	}
	return m
}

// CreateWorkflow creates a workflow and starts it: the first stage is
// resolved and dispatched immediately.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateRequest) (*Workflow, error) {
	if req.Type == "" {
		return nil, fault.New(fault.KindValidation, "workflow type required")
	}
	if req.Priority == "" {
		req.Priority = envelope.PriorityMedium
	}

	w := &Workflow{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Name:          req.Name,
		PlatformID:    req.PlatformID,
		Status:        StatusInitiated,
		Priority:      req.Priority,
		StartedAt:     time.Now().UTC(),
		CreatePayload: req.Payload,
	}
	if err := e.store.Create(w); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, w, EventCreated, "", "")

	serial := e.lockFor(w.ID)
	serial.Lock()
	defer serial.Unlock()

	w, err := e.store.Get(w.ID)
	if err != nil {
		return nil, err
	}

	tr, err := e.resolver.First(w.Type, w.PlatformID)
	if err != nil {
		return nil, err
	}
	w.Status = StatusRunning
	w.UsedFallback = tr.IsFallback
	if err := e.dispatch(ctx, w, tr, w.CreatePayload); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, w); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, w, EventStarted, w.CurrentStage, "")
	return w, nil
}

// GetWorkflow returns one workflow.
func (e *Engine) GetWorkflow(id string) (*Workflow, error) {
	return e.store.Get(id)
}

// ListWorkflows returns workflows matching the filter.
func (e *Engine) ListWorkflows(f Filter) ([]*Workflow, error) {
	return e.store.List(f)
}

// CancelWorkflow transitions a workflow to cancelled. In-flight task results
// arriving afterwards are acknowledged and discarded; running agent work is
// not forcibly killed.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.administer(ctx, id, func(w *Workflow) error {
		if w.Status.Terminal() {
			return fault.Newf(fault.KindConflict, "workflow %s already %s", id, w.Status)
		}
		e.disarmTimer(w.OutstandingTaskID)
		w.OutstandingTaskID = ""
		w.PendingStage = ""
		e.complete(ctx, w, StatusCancelled, "cancelled by operator")
		return nil
	})
}

// PauseWorkflow freezes the next dispatch of a running workflow.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.administer(ctx, id, func(w *Workflow) error {
		if w.Status != StatusRunning {
			return fault.Newf(fault.KindConflict, "workflow %s is %s, not running", id, w.Status)
		}
		w.Status = StatusPaused
		e.publishEvent(ctx, w, EventPaused, w.CurrentStage, "")
		return nil
	})
}

// ResumeWorkflow resumes a paused workflow, dispatching any frozen stage.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.administer(ctx, id, func(w *Workflow) error {
		if w.Status != StatusPaused {
			return fault.Newf(fault.KindConflict, "workflow %s is %s, not paused", id, w.Status)
		}
		w.Status = StatusRunning
		e.publishEvent(ctx, w, EventResumed, w.CurrentStage, "")
		if w.PendingStage != "" {
			tr, err := e.resolver.Stage(w.Type, e.platformFor(w), w.PendingStage)
			if err != nil {
				return err
			}
			w.PendingStage = ""
			return e.dispatch(ctx, w, tr, nil)
		}
		return nil
	})
}

// RetryWorkflow re-dispatches the failing stage of a failed workflow.
func (e *Engine) RetryWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.administer(ctx, id, func(w *Workflow) error {
		if w.Status != StatusFailed {
			return fault.Newf(fault.KindConflict, "workflow %s is %s, not failed", id, w.Status)
		}
		tr, err := e.resolver.Stage(w.Type, e.platformFor(w), w.CurrentStage)
		if err != nil {
			return err
		}
		w.Status = StatusRunning
		w.LastError = ""
		w.CompletedAt = nil
		w.StageAttempts = 0
		e.publishEvent(ctx, w, EventResumed, w.CurrentStage, "retry")
		return e.dispatch(ctx, w, tr, nil)
	})
}

// administer runs an administrative mutation under the workflow's locks.
func (e *Engine) administer(ctx context.Context, id string, fn func(*Workflow) error) (*Workflow, error) {
	serial := e.lockFor(id)
	serial.Lock()
	defer serial.Unlock()

	w, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// handleResultEnvelope applies one task result to its workflow.
func (e *Engine) handleResultEnvelope(ctx context.Context, env *envelope.Envelope) error {
	result, err := envelope.ParseResult(env)
	if err != nil {
		e.logger.Warn("discarding malformed result", "envelope_id", env.ID, "error", err)
		return nil
	}

	serial := e.lockFor(result.WorkflowID)
	serial.Lock()
	defer serial.Unlock()

	owned, err := e.states.AcquireLock(ctx, result.WorkflowID, e.instanceID)
	if err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "acquire workflow lock", err)
	}
	if !owned {
		// Another instance is driving this workflow; let redelivery find it.
		return fault.Newf(fault.KindConflict, "workflow %s locked elsewhere", result.WorkflowID)
	}
	defer func() {
		_ = e.states.ReleaseLock(ctx, result.WorkflowID, e.instanceID)
	}()

	w, err := e.store.Get(result.WorkflowID)
	if err != nil {
		e.logger.Warn("result for unknown workflow", "workflow_id", result.WorkflowID)
		return nil
	}

	if w.Status.Terminal() {
		e.lateResults.Add(1)
		e.logger.Debug("discarding late result for terminal workflow",
			"workflow_id", w.ID, "task_id", result.TaskID, "status", w.Status)
		return nil
	}
	if result.TaskID != w.OutstandingTaskID {
		e.duplicateResults.Add(1)
		e.logger.Debug("ignoring stale or duplicate result",
			"workflow_id", w.ID, "task_id", result.TaskID, "outstanding", w.OutstandingTaskID)
		return nil
	}

	e.disarmTimer(result.TaskID)
	stage := w.CurrentStage

	switch result.Status {
	case envelope.TaskSuccess, envelope.TaskPartial:
		err = e.stageCompleted(ctx, w, stage, result)
	default:
		err = e.stageFailed(ctx, w, stage, result)
	}
	if err != nil {
		return err
	}

	if err := e.persist(ctx, w); err != nil {
		return err
	}
	return e.states.SaveCheckpoint(ctx, &state.Checkpoint{
		WorkflowID:         w.ID,
		LastProcessedMsgID: env.ID,
	})
}

// stageCompleted advances a workflow past a successfully completed stage.
func (e *Engine) stageCompleted(ctx context.Context, w *Workflow, stage string, result *envelope.TaskResult) error {
	w.recordOutput(stage, result.Output)
	w.PreviousStage = stage
	w.OutstandingTaskID = ""
	w.StageAttempts = 0
	e.publishEvent(ctx, w, EventStageCompleted, stage, "")

	return e.advance(ctx, w, stage, result.NextStagePayload)
}

// advance resolves the transition after stage and either dispatches, freezes
// (paused), or completes the workflow.
func (e *Engine) advance(ctx context.Context, w *Workflow, stage string, nextPayload json.RawMessage) error {
	tr, err := e.resolver.AfterSuccess(w.Type, e.platformFor(w), stage)
	if fault.Is(err, fault.KindNotFound) && w.PlatformID != "" && !w.UsedFallback {
		// The platform definition disappeared mid-workflow: fall back to the
		// built-in sequence and restart it from its first stage.
		e.logger.Warn("platform definition gone, falling back",
			"workflow_id", w.ID, "platform_id", w.PlatformID, "stage", stage)
		e.publishEvent(ctx, w, EventDefinitionGone, stage, "definition deleted")
		w.UsedFallback = true
		first, ferr := e.resolver.First(w.Type, "")
		if ferr != nil {
			return ferr
		}
		return e.dispatch(ctx, w, first, nextPayload)
	}
	if err != nil {
		return err
	}
	if tr.IsFallback && !w.UsedFallback && w.PlatformID != "" {
		e.publishEvent(ctx, w, EventDefinitionGone, stage, "definition deleted")
		w.UsedFallback = true
	}

	w.advanceProgress(tr.Progress)

	if tr.Terminal {
		e.complete(ctx, w, StatusSucceeded, "")
		return nil
	}
	if w.Status == StatusPaused {
		w.PendingStage = tr.Stage
		return nil
	}
	return e.dispatch(ctx, w, tr, nextPayload)
}

// stageFailed applies the stage's retry budget, then its on_failure routing.
func (e *Engine) stageFailed(ctx context.Context, w *Workflow, stage string, result *envelope.TaskResult) error {
	reason := "stage failed"
	if len(result.Errors) > 0 {
		reason = result.Errors[0]
	}
	if result.Status == envelope.TaskTimeout {
		reason = "STAGE_TIMEOUT"
	}
	w.LastError = reason
	e.publishEvent(ctx, w, EventStageFailed, stage, reason)

	budget := e.resolver.RetryBudget(w.Type, e.platformFor(w), stage)
	if w.StageAttempts < budget.MaxRetries {
		w.StageAttempts++
		tr, err := e.resolver.Stage(w.Type, e.platformFor(w), stage)
		if err != nil {
			return err
		}
		e.logger.Info("retrying stage",
			"workflow_id", w.ID, "stage", stage,
			"attempt", w.StageAttempts, "max_retries", budget.MaxRetries)
		return e.dispatch(ctx, w, tr, nil)
	}

	routing, err := e.resolver.OnFailure(w.Type, e.platformFor(w), stage)
	if err != nil {
		return err
	}
	switch routing.Action {
	case definition.ActionSkip:
		w.recordOutput(stage, json.RawMessage(SkippedMarker))
		w.PreviousStage = stage
		w.OutstandingTaskID = ""
		w.StageAttempts = 0
		e.publishEvent(ctx, w, EventStageSkipped, stage, reason)
		return e.advance(ctx, w, stage, nil)
	case definition.ActionGoto:
		w.OutstandingTaskID = ""
		w.StageAttempts = 0
		tr, err := e.resolver.Stage(w.Type, e.platformFor(w), routing.Target)
		if err != nil {
			return err
		}
		return e.dispatch(ctx, w, tr, nil)
	default:
		w.OutstandingTaskID = ""
		e.complete(ctx, w, StatusFailed, reason)
		return nil
	}
}

// dispatch builds and publishes the task envelope for one stage and arms its
// timeout. At most one task is outstanding per workflow.
func (e *Engine) dispatch(ctx context.Context, w *Workflow, tr definition.Transition, payload json.RawMessage) error {
	timeoutMs := int(tr.Timeout.Milliseconds())
	if timeoutMs < envelope.MinTimeoutMs {
		timeoutMs = envelope.MinTimeoutMs
	}

	task := &envelope.Task{
		TaskID:          uuid.NewString(),
		WorkflowID:      w.ID,
		AgentType:       tr.AgentType,
		Priority:        w.Priority,
		Status:          envelope.TaskQueued,
		RetryCount:      w.StageAttempts,
		MaxRetries:      tr.Retry.MaxRetries,
		TimeoutMs:       timeoutMs,
		EnvelopeVersion: envelope.CurrentVersion,
		Payload:         payload,
		Context: envelope.WorkflowContext{
			WorkflowType:  w.Type,
			WorkflowName:  w.Name,
			CurrentStage:  tr.Stage,
			PreviousStage: w.PreviousStage,
			StageOutputs:  w.StageOutputs,
		},
	}

	env, err := envelope.NewTaskEnvelope(task, envelope.WithSource("engine:"+e.instanceID))
	if err != nil {
		return err
	}
	topic := bus.AgentTasksTopic(tr.AgentType)
	if err := e.fabric.Publish(ctx, topic, env, bus.PublishOptions{MirrorToStream: true}); err != nil {
		return fault.Wrap(fault.KindBusUnavailable, "dispatch "+topic, err)
	}

	w.CurrentStage = tr.Stage
	w.OutstandingTaskID = task.TaskID
	e.dispatches.Add(1)
	e.armTimer(w.ID, task.TaskID, tr.Stage, time.Duration(timeoutMs)*time.Millisecond)
	e.publishEvent(ctx, w, EventStageStarted, tr.Stage, "")

	e.logger.Info("dispatched stage",
		"workflow_id", w.ID, "stage", tr.Stage, "agent_type", tr.AgentType,
		"task_id", task.TaskID, "fallback", tr.IsFallback)
	return nil
}

// armTimer schedules a synthesized TIMEOUT for a dispatched task.
func (e *Engine) armTimer(workflowID, taskID, stage string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[taskID] = time.AfterFunc(d, func() {
		e.timeoutTask(workflowID, taskID, stage)
	})
}

func (e *Engine) disarmTimer(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[taskID]; ok {
		timer.Stop()
		delete(e.timers, taskID)
	}
}

// timeoutTask synthesizes a stage failure when the dispatch deadline elapses
// without a result.
func (e *Engine) timeoutTask(workflowID, taskID, stage string) {
	ctx := context.Background()
	e.disarmTimer(taskID)

	serial := e.lockFor(workflowID)
	serial.Lock()
	defer serial.Unlock()

	w, err := e.store.Get(workflowID)
	if err != nil || w.Status.Terminal() || w.OutstandingTaskID != taskID {
		return
	}
	e.timeouts.Add(1)
	e.logger.Warn("stage dispatch timed out", "workflow_id", workflowID, "stage", stage, "task_id", taskID)

	result := &envelope.TaskResult{
		TaskID:      taskID,
		WorkflowID:  workflowID,
		Status:      envelope.TaskTimeout,
		Errors:      []string{"STAGE_TIMEOUT"},
		CompletedAt: time.Now().UTC(),
	}
	if err := e.stageFailed(ctx, w, stage, result); err != nil {
		e.logger.Error("failed to apply stage timeout", "workflow_id", workflowID, "error", err)
		return
	}
	if err := e.persist(ctx, w); err != nil {
		e.logger.Error("failed to persist after timeout", "workflow_id", workflowID, "error", err)
	}
}

// complete moves a workflow to a terminal status.
func (e *Engine) complete(ctx context.Context, w *Workflow, status Status, reason string) {
	now := time.Now().UTC()
	w.Status = status
	w.CompletedAt = &now
	if status == StatusSucceeded {
		w.advanceProgress(100)
	}

	event := EventCompleted
	switch status {
	case StatusFailed:
		event = EventFailed
	case StatusCancelled:
		event = EventCancelled
	}
	e.publishEvent(ctx, w, event, w.CurrentStage, reason)
	e.logger.Info("workflow finished",
		"workflow_id", w.ID, "status", status, "progress", w.Progress, "reason", reason)
}

// persist CAS-updates the store and writes the recovery snapshot.
func (e *Engine) persist(ctx context.Context, w *Workflow) error {
	if err := e.store.Update(w); err != nil {
		return err
	}

	machineCtx, err := json.Marshal(w)
	if err != nil {
		return err
	}
	snap := &state.Snapshot{
		WorkflowID:     w.ID,
		CurrentStage:   w.CurrentStage,
		Status:         string(w.Status),
		Progress:       w.Progress,
		Version:        w.Version,
		MachineContext: machineCtx,
	}
	if err := e.states.SaveSnapshot(ctx, snap); err != nil {
		// Snapshot loss is recoverable; the store remains authoritative.
		e.logger.Warn("failed to save snapshot", "workflow_id", w.ID, "error", err)
	}
	return nil
}

// Recover rebuilds a workflow from its persisted snapshot after a restart.
// The workflow resumes at the recorded stage; the outstanding task id is
// restored so the in-flight result still correlates, and no completed stage
// is re-dispatched.
func (e *Engine) Recover(ctx context.Context, workflowID string) (*Workflow, error) {
	rec, err := e.states.RecoverWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Snapshot == nil {
		return nil, fault.Newf(fault.KindNotFound, "no snapshot for workflow %s", workflowID)
	}

	var w Workflow
	if err := json.Unmarshal(rec.Snapshot.MachineContext, &w); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode machine context", err)
	}

	if existing, err := e.store.Get(workflowID); err == nil {
		return existing, nil
	}
	w.Version = 0
	if err := e.store.Create(&w); err != nil {
		return nil, err
	}
	e.logger.Info("recovered workflow",
		"workflow_id", w.ID, "stage", w.CurrentStage, "status", w.Status, "progress", w.Progress)
	return e.store.Get(workflowID)
}

func (e *Engine) platformFor(w *Workflow) string {
	if w.UsedFallback {
		return ""
	}
	return w.PlatformID
}

// publishEvent broadcasts a workflow lifecycle event on the event ticker.
func (e *Engine) publishEvent(ctx context.Context, w *Workflow, eventType, stage, reason string) {
	env, err := envelope.New(eventType, Event{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Stage:        stage,
		Status:       w.Status,
		Progress:     w.Progress,
		Reason:       reason,
		At:           time.Now().UTC(),
	}, envelope.WithSource("engine:"+e.instanceID))
	if err != nil {
		e.logger.Error("failed to build event envelope", "type", eventType, "error", err)
		return
	}
	if err := e.fabric.Publish(ctx, bus.WorkflowEventsTopic, env, bus.PublishOptions{}); err != nil {
		e.logger.Warn("failed to publish workflow event", "type", eventType, "error", err)
	}
}
