package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/membus"
	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/state"
)

type mapSource map[string]*definition.Definition

func (m mapSource) Lookup(platformID, workflowType string) (*definition.Definition, bool) {
	def, ok := m[platformID+"|"+workflowType]
	return def, ok
}

type harness struct {
	engine *Engine
	fabric *membus.Bus
	store  *MemStore
	kv     *memkv.Store
	states *state.Manager
}

func newHarness(t *testing.T, src definition.Source) *harness {
	t.Helper()
	logger := slog.Default()
	fabric := membus.New(logger)
	kvStore := memkv.New()
	states := state.NewManager(kvStore, logger)
	store := NewMemStore()
	consumer := bus.NewConsumer(fabric, kvStore, logger)
	eng := New(store, fabric, definition.NewResolver(src), states, consumer, logger)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		eng.Stop()
		_ = fabric.Close()
	})
	return &harness{engine: eng, fabric: fabric, store: store, kv: kvStore, states: states}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// lastTask reads the most recent task dispatched on an agent topic.
func lastTask(t *testing.T, fabric *membus.Bus, agentType string) *envelope.Task {
	t.Helper()
	log := fabric.Log(bus.AgentTasksTopic(agentType))
	require.NotEmpty(t, log, "no dispatch on %s", bus.AgentTasksTopic(agentType))
	task, err := envelope.ParseTask(log[len(log)-1])
	require.NoError(t, err)
	return task
}

// reportResult publishes a task result envelope on the results stream.
func reportResult(t *testing.T, fabric *membus.Bus, result *envelope.TaskResult) *envelope.Envelope {
	t.Helper()
	result.CompletedAt = time.Now().UTC()
	if result.AgentID == "" {
		result.AgentID = "test-agent"
	}
	env, err := envelope.NewResultEnvelope(result)
	require.NoError(t, err)
	require.NoError(t, fabric.Publish(context.Background(), bus.ResultsTopic, env, bus.PublishOptions{MirrorToStream: true}))
	return env
}

func succeed(t *testing.T, h *harness, agentType string) {
	t.Helper()
	task := lastTask(t, h.fabric, agentType)
	reportResult(t, h.fabric, &envelope.TaskResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Status:     envelope.TaskSuccess,
		Output:     json.RawMessage(`{"ok":true}`),
		Metrics:    envelope.ResultMetrics{DurationMs: 10},
	})
}

func workflowStatus(h *harness, id string) Status {
	w, err := h.engine.GetWorkflow(id)
	if err != nil {
		return ""
	}
	return w.Status
}

func workflowStage(h *harness, id string) string {
	w, err := h.engine.GetWorkflow(id)
	if err != nil {
		return ""
	}
	return w.CurrentStage
}

func mlSource() mapSource {
	return mapSource{"ml-platform|custom": {
		PlatformID:   "ml-platform",
		WorkflowType: "custom",
		Enabled:      true,
		Stages: []definition.Stage{
			{Name: "data-preparation", AgentType: "data-validation", TimeoutMs: 60000,
				Retry: definition.RetryStrategy{MaxRetries: 2, BackoffMs: 100}, OnSuccess: "model-training", OnFailure: "END", Weight: 30},
			{Name: "model-training", AgentType: "ml-training", TimeoutMs: 120000,
				Retry: definition.RetryStrategy{MaxRetries: 2, BackoffMs: 100}, OnSuccess: "model-evaluation", OnFailure: "END", Weight: 50},
			{Name: "model-evaluation", AgentType: "validation", TimeoutMs: 60000,
				Retry: definition.RetryStrategy{MaxRetries: 1, BackoffMs: 100}, OnSuccess: "END", OnFailure: "END", Weight: 20},
		},
	}}
}

// Happy-path app workflow over the built-in sequence: eight stages, eight
// dispatches in order, progress to 100.
func TestAppWorkflowHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "app", Name: "shop"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, w.Status)
	assert.Equal(t, "initialization", w.CurrentStage)

	stages := definition.BuiltinSequence("app")
	for _, stage := range stages {
		waitFor(t, func() bool { return workflowStage(h, w.ID) == stage })
		succeed(t, h, definition.BuiltinAgent(stage))
	}

	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusSucceeded })
	final, err := h.engine.GetWorkflow(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "monitoring", final.CurrentStage)
	assert.NotNil(t, final.CompletedAt)
	assert.Len(t, final.StageOutputs, 8)

	// Exactly one dispatch per stage, in sequence order.
	seen := map[string]int{}
	for _, stage := range stages {
		agent := definition.BuiltinAgent(stage)
		if _, done := seen[agent]; done {
			continue
		}
		seen[agent] = len(h.fabric.Log(bus.AgentTasksTopic(agent)))
	}
	total := 0
	for _, n := range seen {
		total += n
	}
	assert.Equal(t, 8, total)
	assert.Equal(t, int64(8), h.engine.Metrics().Dispatches)
}

// Custom three-stage ML definition: progress trajectory 0→30→80→100,
// definition-resolved agents, no fallback.
func TestCustomDefinitionProgressTrajectory(t *testing.T) {
	h := newHarness(t, mlSource())
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "custom", PlatformID: "ml-platform"})
	require.NoError(t, err)
	assert.Equal(t, "data-preparation", w.CurrentStage)
	assert.Equal(t, 0, w.Progress)
	assert.False(t, w.UsedFallback)

	succeed(t, h, "data-validation")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-training" })
	mid, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, 30, mid.Progress)

	succeed(t, h, "ml-training")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-evaluation" })
	mid, _ = h.engine.GetWorkflow(w.ID)
	assert.Equal(t, 80, mid.Progress)

	succeed(t, h, "validation")
	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusSucceeded })
	final, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, 100, final.Progress)
}

// Stage failure consumes the retry budget, then on_failure=END fails the
// workflow with the stage error preserved.
func TestStageFailureRetriesThenEnds(t *testing.T) {
	h := newHarness(t, mlSource())
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "custom", PlatformID: "ml-platform"})
	require.NoError(t, err)

	succeed(t, h, "data-validation")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-training" })

	fail := func() {
		task := lastTask(t, h.fabric, "ml-training")
		reportResult(t, h.fabric, &envelope.TaskResult{
			TaskID:     task.TaskID,
			WorkflowID: task.WorkflowID,
			Status:     envelope.TaskFailure,
			Errors:     []string{"loss diverged"},
		})
	}

	// max_retries=2: the original dispatch plus two retries.
	fail()
	waitFor(t, func() bool { return len(h.fabric.Log(bus.AgentTasksTopic("ml-training"))) == 2 })
	fail()
	waitFor(t, func() bool { return len(h.fabric.Log(bus.AgentTasksTopic("ml-training"))) == 3 })
	fail()

	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusFailed })
	final, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, "model-training", final.CurrentStage)
	assert.Equal(t, "loss diverged", final.LastError)
	assert.Len(t, h.fabric.Log(bus.AgentTasksTopic("ml-training")), 3)
	assert.NotNil(t, final.CompletedAt)
}

// on_failure=skip records the stage as skipped and advances.
func TestStageFailureSkipAdvances(t *testing.T) {
	src := mlSource()
	src["ml-platform|custom"].Stages[1].OnFailure = "skip"
	src["ml-platform|custom"].Stages[1].Retry.MaxRetries = 0
	h := newHarness(t, src)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "custom", PlatformID: "ml-platform"})
	require.NoError(t, err)

	succeed(t, h, "data-validation")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-training" })

	task := lastTask(t, h.fabric, "ml-training")
	reportResult(t, h.fabric, &envelope.TaskResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Status:     envelope.TaskFailure,
		Errors:     []string{"flaky infra"},
	})

	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-evaluation" })
	mid, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, StatusRunning, mid.Status)
	assert.JSONEq(t, SkippedMarker, string(mid.StageOutputs["model-training"]))
}

// A redelivered result envelope and a duplicate result with a fresh envelope
// id both leave the workflow unchanged.
func TestLateDuplicateResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "bugfix"})
	require.NoError(t, err)
	assert.Equal(t, "initialization", w.CurrentStage)

	task := lastTask(t, h.fabric, "scaffold")
	result := &envelope.TaskResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Status:     envelope.TaskSuccess,
		Metrics:    envelope.ResultMetrics{DurationMs: 5},
	}
	env := reportResult(t, h.fabric, result)
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "validation" })

	// Redeliver the identical envelope: the dedupe ledger absorbs it.
	require.NoError(t, h.fabric.Publish(ctx, bus.ResultsTopic, env, bus.PublishOptions{MirrorToStream: true}))

	// Same result under a fresh envelope id: stale task id is ignored.
	reportResult(t, h.fabric, result)
	waitFor(t, func() bool { return h.engine.Metrics().DuplicateResultsIgnored == 1 })

	mid, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, "validation", mid.CurrentStage)
	assert.Equal(t, StatusRunning, mid.Status)
	assert.Len(t, h.fabric.Log(bus.AgentTasksTopic("validation")), 1, "no additional dispatch")
}

// A result arriving after cancellation is acknowledged and discarded.
func TestLateResultAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "bugfix"})
	require.NoError(t, err)
	task := lastTask(t, h.fabric, "scaffold")

	cancelled, err := h.engine.CancelWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	reportResult(t, h.fabric, &envelope.TaskResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Status:     envelope.TaskSuccess,
	})
	waitFor(t, func() bool { return h.engine.Metrics().LateResultsDiscarded == 1 })

	final, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, StatusCancelled, final.Status, "terminal workflows stay terminal")
}

// Pause freezes the next dispatch; the racing completion still applies.
func TestPauseFreezesNextDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "bugfix"})
	require.NoError(t, err)

	_, err = h.engine.PauseWorkflow(ctx, w.ID)
	require.NoError(t, err)

	// The in-flight initialization result still applies while paused.
	succeed(t, h, "scaffold")
	waitFor(t, func() bool {
		mid, _ := h.engine.GetWorkflow(w.ID)
		return mid.PendingStage == "validation"
	})
	mid, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, StatusPaused, mid.Status)
	assert.Empty(t, h.fabric.Log(bus.AgentTasksTopic("validation")), "dispatch frozen by pause")
	assert.Equal(t, 15, mid.Progress, "completion applied before the pause took effect")

	_, err = h.engine.ResumeWorkflow(ctx, w.ID)
	require.NoError(t, err)
	waitFor(t, func() bool { return len(h.fabric.Log(bus.AgentTasksTopic("validation"))) == 1 })
	resumed, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, StatusRunning, resumed.Status)
	assert.Equal(t, "validation", resumed.CurrentStage)
}

// A dispatch deadline without a result synthesizes a timeout, which consumes
// the stage retry budget like any failure.
func TestStageTimeoutSynthesized(t *testing.T) {
	src := mapSource{"fast|custom": {
		PlatformID:   "fast",
		WorkflowType: "custom",
		Enabled:      true,
		Stages: []definition.Stage{
			{Name: "only-stage", AgentType: "scaffold", TimeoutMs: 1000,
				Retry: definition.RetryStrategy{MaxRetries: 0}, OnSuccess: "END", OnFailure: "END", Weight: 100},
		},
	}}
	h := newHarness(t, src)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "custom", PlatformID: "fast"})
	require.NoError(t, err)

	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusFailed })
	final, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, "STAGE_TIMEOUT", final.LastError)
	assert.Equal(t, int64(1), h.engine.Metrics().TimeoutsSynthesized)
}

// Crash recovery: a fresh engine resumes from the snapshot at the recorded
// stage, with no duplicate dispatch of completed stages.
func TestRecoverWorkflowAfterRestart(t *testing.T) {
	logger := slog.Default()
	sharedKV := memkv.New()
	states := state.NewManager(sharedKV, logger)

	// First engine instance completes three app stages, then "crashes".
	fabric1 := membus.New(logger)
	store1 := NewMemStore()
	eng1 := New(store1, fabric1, definition.NewResolver(nil), states,
		bus.NewConsumer(fabric1, sharedKV, logger), logger)
	require.NoError(t, eng1.Start(context.Background()))

	h1 := &harness{engine: eng1, fabric: fabric1, store: store1, kv: sharedKV, states: states}
	w, err := eng1.CreateWorkflow(context.Background(), CreateRequest{Type: "app"})
	require.NoError(t, err)

	for _, stage := range []string{"initialization", "scaffolding", "dependency_installation"} {
		waitFor(t, func() bool { return workflowStage(h1, w.ID) == stage })
		succeed(t, h1, definition.BuiltinAgent(stage))
	}
	waitFor(t, func() bool { return workflowStage(h1, w.ID) == "validation" })
	eng1.Stop()
	_ = fabric1.Close()

	// Second instance recovers from the shared KV.
	fabric2 := membus.New(logger)
	store2 := NewMemStore()
	eng2 := New(store2, fabric2, definition.NewResolver(nil), states,
		bus.NewConsumer(fabric2, sharedKV, logger), logger)
	require.NoError(t, eng2.Start(context.Background()))
	defer func() {
		eng2.Stop()
		_ = fabric2.Close()
	}()

	recovered, err := eng2.Recover(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "validation", recovered.CurrentStage)
	assert.Equal(t, StatusRunning, recovered.Status)
	assert.Equal(t, 45, recovered.Progress)
	assert.NotEmpty(t, recovered.OutstandingTaskID, "in-flight dispatch survives recovery")

	h2 := &harness{engine: eng2, fabric: fabric2, store: store2, kv: sharedKV, states: states}
	reportResult(t, h2.fabric, &envelope.TaskResult{
		TaskID:     recovered.OutstandingTaskID,
		WorkflowID: w.ID,
		Status:     envelope.TaskSuccess,
	})

	waitFor(t, func() bool { return workflowStage(h2, w.ID) == "e2e_testing" })
	resumed, _ := eng2.GetWorkflow(w.ID)
	assert.GreaterOrEqual(t, resumed.Progress, 60)
	assert.Empty(t, fabric2.Log(bus.AgentTasksTopic("scaffold")), "completed stages are not re-dispatched")
}

// RetryWorkflow re-dispatches the failing stage of a failed workflow.
func TestRetryFailedWorkflow(t *testing.T) {
	src := mlSource()
	src["ml-platform|custom"].Stages[0].Retry.MaxRetries = 0
	h := newHarness(t, src)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "custom", PlatformID: "ml-platform"})
	require.NoError(t, err)

	task := lastTask(t, h.fabric, "data-validation")
	reportResult(t, h.fabric, &envelope.TaskResult{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		Status:     envelope.TaskFailure,
		Errors:     []string{"bad input"},
	})
	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusFailed })

	retried, err := h.engine.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, retried.Status)
	assert.Empty(t, retried.LastError)
	assert.Len(t, h.fabric.Log(bus.AgentTasksTopic("data-validation")), 2)

	succeed(t, h, "data-validation")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "model-training" })
}

// Workflow context carried on dispatched tasks names the workflow stage,
// which is distinct from the agent type.
func TestDispatchCarriesWorkflowContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{
		Type: "app", Name: "shop", Payload: json.RawMessage(`{"template":"web"}`),
	})
	require.NoError(t, err)

	task := lastTask(t, h.fabric, "scaffold")
	assert.Equal(t, "initialization", task.Context.CurrentStage)
	assert.Equal(t, "scaffold", task.AgentType)
	assert.Equal(t, "app", task.Context.WorkflowType)
	assert.Equal(t, "shop", task.Context.WorkflowName)
	assert.JSONEq(t, `{"template":"web"}`, string(task.Payload))

	succeed(t, h, "scaffold")
	waitFor(t, func() bool { return workflowStage(h, w.ID) == "scaffolding" })

	next := lastTask(t, h.fabric, "scaffold")
	assert.Equal(t, "scaffolding", next.Context.CurrentStage)
	assert.Equal(t, "initialization", next.Context.PreviousStage)
	assert.Contains(t, next.Context.StageOutputs, "initialization")
}

// Snapshots track every applied transition (no lost updates).
func TestSnapshotMatchesFinalState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, CreateRequest{Type: "bugfix"})
	require.NoError(t, err)

	for _, stage := range definition.BuiltinSequence("bugfix") {
		waitFor(t, func() bool { return workflowStage(h, w.ID) == stage })
		succeed(t, h, definition.BuiltinAgent(stage))
	}
	waitFor(t, func() bool { return workflowStatus(h, w.ID) == StatusSucceeded })

	snap, err := kv.GetJSON[state.Snapshot](ctx, h.kv, kv.StateKey(w.ID))
	require.NoError(t, err)
	final, _ := h.engine.GetWorkflow(w.ID)
	assert.Equal(t, string(final.Status), snap.Status)
	assert.Equal(t, final.Progress, snap.Progress)
	assert.Equal(t, final.CurrentStage, snap.CurrentStage)
}
