package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/fault"
)

func TestNewSetsDefaults(t *testing.T) {
	env, err := New("workflow.created", map[string]string{"name": "demo"},
		WithSource("engine"), WithTenant("acme"))
	require.NoError(t, err)

	_, err = uuid.Parse(env.ID)
	assert.NoError(t, err)
	_, err = uuid.Parse(env.CorrID)
	assert.NoError(t, err)
	assert.Equal(t, "workflow.created", env.Type)
	assert.Equal(t, 0, env.Meta.Attempts)
	assert.Equal(t, CurrentVersion, env.Meta.Version)
	assert.Equal(t, "engine", env.Source)
	assert.Equal(t, "acme", env.TenantID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestNewRejectsBadType(t *testing.T) {
	for _, typ := range []string{"Workflow.Created", "has space", "under_score", ""} {
		_, err := New(typ, nil)
		assert.Error(t, err, typ)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err), typ)
	}
}

func TestRetryPreservesCorrelation(t *testing.T) {
	orig, err := New("agent.task.request", map[string]int{"n": 1})
	require.NoError(t, err)

	next := Retry(orig, errors.New("handler blew up"))
	assert.NotEqual(t, orig.ID, next.ID)
	assert.Equal(t, orig.CorrID, next.CorrID)
	assert.Equal(t, orig.Meta.Attempts+1, next.Meta.Attempts)
	assert.Equal(t, orig.Meta.Version+1, next.Meta.Version)
	assert.Equal(t, "handler blew up", next.Meta.LastError)
	// The original is untouched.
	assert.Equal(t, 0, orig.Meta.Attempts)
}

func TestSerializeParseRoundTrip(t *testing.T) {
	orig, err := New("phase.plan.request", map[string]string{"goal": "ship"},
		WithCorrelation(uuid.NewString()), WithSource("coordinator"))
	require.NoError(t, err)

	data, err := Serialize(orig)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, parsed.ID)
	assert.Equal(t, orig.Type, parsed.Type)
	assert.Equal(t, orig.CorrID, parsed.CorrID)
	assert.Equal(t, orig.Meta, parsed.Meta)
	assert.JSONEq(t, string(orig.Payload), string(parsed.Payload))
	assert.True(t, orig.Timestamp.Equal(parsed.Timestamp))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = Parse([]byte(`{"id":"nope","type":"a.b","ts":"2026-01-01T00:00:00Z","meta":{"attempts":0,"version":1}}`))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestWireFieldNames(t *testing.T) {
	env, err := New("system.health_check", nil)
	require.NoError(t, err)
	data, err := Serialize(env)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"id", "type", "ts", "meta"} {
		assert.Contains(t, m, key)
	}
	var meta map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(m["meta"], &meta))
	assert.Contains(t, meta, "attempts")
	assert.Contains(t, meta, "version")
}

func TestHasExhaustedRetries(t *testing.T) {
	env := &Envelope{Meta: Meta{Attempts: 3}}
	assert.True(t, HasExhaustedRetries(env, 3))
	assert.True(t, HasExhaustedRetries(env, 2))
	assert.False(t, HasExhaustedRetries(env, 4))
}

func TestTypeGuards(t *testing.T) {
	tests := []struct {
		typ       string
		req, res  bool
		errs, sys bool
	}{
		{"agent.task.request", true, false, false, false},
		{"agent.task.result", false, true, false, false},
		{"phase.deploy.error", false, false, true, false},
		{"system.shutdown", false, false, false, true},
		{"workflow.events", false, false, false, false},
	}
	for _, tt := range tests {
		env := &Envelope{Type: tt.typ}
		assert.Equal(t, tt.req, IsRequest(env), tt.typ)
		assert.Equal(t, tt.res, IsResult(env), tt.typ)
		assert.Equal(t, tt.errs, IsError(env), tt.typ)
		assert.Equal(t, tt.sys, IsSystem(env), tt.typ)
	}
}

func TestDeadLetterEnvelope(t *testing.T) {
	orig, err := New("agent.task.request", map[string]int{"n": 1})
	require.NoError(t, err)
	orig.Meta.Attempts = 5

	dl, err := NewDeadLetterEnvelope(orig, "agent:scaffold:tasks", errors.New("exec failed"))
	require.NoError(t, err)
	assert.Equal(t, TypeDeadLetter, dl.Type)
	assert.Equal(t, orig.CorrID, dl.CorrID)

	payload, err := DecodePayload[DeadLetter](dl)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, payload.EnvelopeID)
	assert.Equal(t, 5, payload.Attempts)
	assert.Equal(t, "exec failed", payload.LastError)
}

func validTask() *Task {
	return &Task{
		TaskID:          uuid.NewString(),
		WorkflowID:      uuid.NewString(),
		AgentType:       "scaffold",
		Priority:        PriorityMedium,
		Status:          TaskPending,
		MaxRetries:      3,
		TimeoutMs:       30000,
		Context:         WorkflowContext{WorkflowType: "app", CurrentStage: "scaffolding"},
		EnvelopeVersion: CurrentVersion,
	}
}

func TestValidateTask(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		ok     bool
	}{
		{"valid", func(*Task) {}, true},
		{"custom kebab agent", func(tk *Task) { tk.AgentType = "ml-training" }, true},
		{"bad agent type", func(tk *Task) { tk.AgentType = "ML_Training" }, false},
		{"bad task id", func(tk *Task) { tk.TaskID = "t-1" }, false},
		{"missing workflow", func(tk *Task) { tk.WorkflowID = "" }, false},
		{"bad priority", func(tk *Task) { tk.Priority = "urgent" }, false},
		{"bad status", func(tk *Task) { tk.Status = "done" }, false},
		{"retries over ceiling", func(tk *Task) { tk.MaxRetries = 11 }, false},
		{"timeout too low", func(tk *Task) { tk.TimeoutMs = 500 }, false},
		{"missing stage", func(tk *Task) { tk.Context.CurrentStage = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := ValidateTask(task)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, fault.KindValidation, fault.KindOf(err))
			}
		})
	}
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	task := validTask()
	env, err := NewTaskEnvelope(task)
	require.NoError(t, err)
	assert.Equal(t, TypeTaskRequest, env.Type)

	data, err := Serialize(env)
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)

	got, err := ParseTask(parsed)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, task.Context.CurrentStage, got.Context.CurrentStage)
}

func TestParseResultValidates(t *testing.T) {
	res := &TaskResult{
		TaskID:      uuid.NewString(),
		WorkflowID:  uuid.NewString(),
		AgentID:     "scaffold-1",
		Status:      TaskSuccess,
		Metrics:     ResultMetrics{DurationMs: 1200},
		CompletedAt: time.Now().UTC(),
	}
	env, err := NewResultEnvelope(res)
	require.NoError(t, err)

	got, err := ParseResult(env)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, got.TaskID)

	res.Status = TaskRetrying // not a legal terminal result status
	_, err = NewResultEnvelope(res)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
