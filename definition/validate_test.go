package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/semflow/fault"
)

func mlDefinition() *Definition {
	return &Definition{
		PlatformID:   "ml-platform",
		WorkflowType: "custom",
		Enabled:      true,
		Stages: []Stage{
			{Name: "data-preparation", AgentType: "data-validation", TimeoutMs: 60000,
				Retry: RetryStrategy{MaxRetries: 2, BackoffMs: 500}, OnSuccess: "model-training", OnFailure: "END", Weight: 30},
			{Name: "model-training", AgentType: "ml-training", TimeoutMs: 120000,
				Retry: RetryStrategy{MaxRetries: 2, BackoffMs: 500}, OnSuccess: "model-evaluation", OnFailure: "END", Weight: 50},
			{Name: "model-evaluation", AgentType: "validation", TimeoutMs: 60000,
				Retry: RetryStrategy{MaxRetries: 1, BackoffMs: 500}, OnSuccess: "END", OnFailure: "END", Weight: 20},
		},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	assert.NoError(t, Validate(mlDefinition()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"cycle", func(d *Definition) { d.Stages[2].OnSuccess = "data-preparation" }},
		{"failure-edge cycle", func(d *Definition) { d.Stages[2].OnFailure = "model-training"; d.Stages[1].OnFailure = "model-evaluation" }},
		{"missing on_success target", func(d *Definition) { d.Stages[0].OnSuccess = "nonexistent" }},
		{"missing on_failure target", func(d *Definition) { d.Stages[1].OnFailure = "nonexistent" }},
		{"duplicate stage", func(d *Definition) { d.Stages[1].Name = "data-preparation" }},
		{"negative weight", func(d *Definition) { d.Stages[0].Weight = -1 }},
		{"weights over budget", func(d *Definition) { d.Stages[1].Weight = 80 }},
		{"bad agent type", func(d *Definition) { d.Stages[0].AgentType = "Data_Validation" }},
		{"reserved stage name", func(d *Definition) { d.Stages[0].Name = "END"; d.Stages[1].Name = "start" }},
		{"no stages", func(d *Definition) { d.Stages = nil }},
		{"missing platform", func(d *Definition) { d.PlatformID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mlDefinition()
			tt.mutate(d)
			err := Validate(d)
			assert.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		})
	}
}

func TestValidateUnreachableStage(t *testing.T) {
	d := mlDefinition()
	d.Stages = append(d.Stages, Stage{
		Name: "orphan", AgentType: "validation", TimeoutMs: 60000,
		OnSuccess: "END", OnFailure: "END", Weight: 0,
	})
	err := Validate(d)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "unreachable")
}

func TestValidateSkipRoutesAreLegal(t *testing.T) {
	d := mlDefinition()
	d.Stages[1].OnFailure = "skip"
	assert.NoError(t, Validate(d))
}

func TestValidateFailureRecoveryEdge(t *testing.T) {
	// A failure edge jumping forward is legal as long as the graph stays acyclic.
	d := mlDefinition()
	d.Stages[0].OnFailure = "model-evaluation"
	assert.NoError(t, Validate(d))
}
