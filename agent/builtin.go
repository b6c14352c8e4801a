package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/llm"
)

// stagePrompts seed the model for each built-in agent type.
var stagePrompts = map[string]string{
	TypeScaffold:    "You scaffold application projects. Produce the file plan and commands for the requested stage.",
	TypeValidation:  "You validate generated projects: lint findings, type errors, and structural problems. Report pass or fail with findings.",
	TypeE2E:         "You design and evaluate end-to-end test runs for the requested application. Report scenarios and outcomes.",
	TypeIntegration: "You integrate application components and verify their contracts. Report integration status.",
	TypeDeployment:  "You plan deployment rollouts for the built artifact. Report the rollout steps and status.",
	TypeMonitoring:  "You configure monitoring and verify service health after deployment. Report the observed state.",
	TypeDebug:       "You diagnose failures from prior stage outputs and propose fixes.",
	TypeRecovery:    "You plan recovery actions for a failed pipeline run.",
}

// llmOutput is the opaque result fragment the built-in executors produce.
type llmOutput struct {
	Summary    string `json:"summary"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// NewLLMExecutor returns the built-in executor for one agent type: a thin
// model-backed worker proving the runtime contract. The client's breaker
// fails fast while the model API is down.
func NewLLMExecutor(agentType string, client *llm.Client) Executor {
	system, ok := stagePrompts[agentType]
	if !ok {
		system = fmt.Sprintf("You execute the %q stage of a software-delivery pipeline.", agentType)
	}

	return ExecutorFunc(func(ctx context.Context, task *envelope.Task) (*envelope.TaskResult, error) {
		user := fmt.Sprintf("Workflow %s (%s), stage %s.",
			task.Context.WorkflowName, task.Context.WorkflowType, task.Context.CurrentStage)
		if len(task.Payload) > 0 {
			user += "\nStage input:\n" + string(task.Payload)
		}

		resp, err := client.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
		})
		if err != nil {
			return nil, err
		}

		output, err := json.Marshal(llmOutput{
			Summary:    resp.Content,
			Model:      resp.Model,
			TokensUsed: resp.Usage.TotalTokens,
		})
		if err != nil {
			return nil, err
		}
		return &envelope.TaskResult{
			Status: envelope.TaskSuccess,
			Output: output,
			Metrics: envelope.ResultMetrics{
				TokensUsed: resp.Usage.TotalTokens,
				APICalls:   1,
			},
		}, nil
	})
}
