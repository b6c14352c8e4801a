// Package definition models platform-scoped workflow definitions (stage
// graphs), validates them, and resolves stage transitions for the workflow
// engine, falling back to built-in stage sequences when no definition applies.
package definition

import "time"

// Terminal targets in a stage graph.
const (
	// TargetEnd terminates the workflow.
	TargetEnd = "END"
	// TargetSkip (on_failure only) advances as if the stage succeeded,
	// marking it skipped.
	TargetSkip = "skip"
)

// Defaults applied to fallback (built-in) stages.
const (
	FallbackTimeout    = 5 * time.Minute
	FallbackMaxRetries = 3
	FallbackBackoffMs  = 1000
	// FallbackProgressStep is the per-stage progress increment for built-in
	// sequences.
	FallbackProgressStep = 15
)

// RetryStrategy bounds per-stage retries.
type RetryStrategy struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	BackoffMs  int `yaml:"backoff_ms" json:"backoff_ms"`
}

// Stage is one node of a stage graph.
type Stage struct {
	Name      string        `yaml:"name" json:"name"`
	AgentType string        `yaml:"agent_type" json:"agent_type"`
	TimeoutMs int           `yaml:"timeout_ms" json:"timeout_ms"`
	Retry     RetryStrategy `yaml:"retry_strategy" json:"retry_strategy"`
	OnSuccess string        `yaml:"on_success" json:"on_success"`
	OnFailure string        `yaml:"on_failure" json:"on_failure"`
	Weight    int           `yaml:"weight" json:"weight"`
}

// Definition is a platform-scoped stage graph for one workflow type.
type Definition struct {
	PlatformID   string  `yaml:"platform_id" json:"platform_id"`
	WorkflowType string  `yaml:"workflow_type" json:"workflow_type"`
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Stages       []Stage `yaml:"stages" json:"stages"`
}

// StageByName returns the named stage, or nil.
func (d *Definition) StageByName(name string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// Entry returns the first stage of the graph.
func (d *Definition) Entry() *Stage {
	if len(d.Stages) == 0 {
		return nil
	}
	return &d.Stages[0]
}

// builtinSequences are the fallback stage sequences per workflow type.
var builtinSequences = map[string][]string{
	"app":        {"initialization", "scaffolding", "dependency_installation", "validation", "e2e_testing", "integration", "deployment", "monitoring"},
	"feature":    {"initialization", "scaffolding", "dependency_installation", "validation", "e2e_testing"},
	"bugfix":     {"initialization", "validation", "e2e_testing"},
	"service":    {"initialization", "scaffolding", "dependency_installation", "validation", "integration", "deployment"},
	"capability": {"initialization", "implementation", "validation"},
}

// stageAgents maps built-in stage names to the agent type that executes them.
var stageAgents = map[string]string{
	"initialization":          "scaffold",
	"scaffolding":             "scaffold",
	"dependency_installation": "scaffold",
	"implementation":          "scaffold",
	"validation":              "validation",
	"e2e_testing":             "e2e",
	"integration":             "integration",
	"deployment":              "deployment",
	"monitoring":              "monitoring",
}

// BuiltinSequence returns the fallback stage sequence for a workflow type.
// Unknown types use the "app" sequence.
func BuiltinSequence(workflowType string) []string {
	if seq, ok := builtinSequences[workflowType]; ok {
		return seq
	}
	return builtinSequences["app"]
}

// BuiltinAgent returns the agent type that executes a built-in stage.
func BuiltinAgent(stage string) string {
	if agent, ok := stageAgents[stage]; ok {
		return agent
	}
	return "scaffold"
}
