package bus

import "fmt"

// Fixed topics. The strings are part of the external contract.
const (
	// ResultsTopic carries task results from agents to the engine.
	ResultsTopic = "orchestrator:results"

	// WorkflowEventsTopic is the pub/sub event ticker consumed by aggregators and UIs.
	WorkflowEventsTopic = "workflow:events"

	// DLQTopic is the dead-letter sink.
	DLQTopic = "dlq:failed"

	// System event topics.
	HealthCheckTopic = "system.health_check"
	ShutdownTopic    = "system.shutdown"
)

// Phases handled by the orchestration coordinators.
const (
	PhasePlan    = "plan"
	PhaseCode    = "code"
	PhaseCertify = "certify"
	PhaseDeploy  = "deploy"
	PhaseMonitor = "monitor"
)

// AgentTasksTopic is the canonical inbound topic for agents of a type.
// All task traffic routes through this one form.
func AgentTasksTopic(agentType string) string {
	return fmt.Sprintf("agent:%s:tasks", agentType)
}

// PhaseRequestTopic carries inbound work for a phase coordinator.
func PhaseRequestTopic(phase string) string {
	return fmt.Sprintf("phase.%s.request", phase)
}

// PhaseResultTopic carries a phase coordinator's results.
func PhaseResultTopic(phase string) string {
	return fmt.Sprintf("phase.%s.result", phase)
}

// PhaseErrorTopic carries a phase coordinator's errors.
func PhaseErrorTopic(phase string) string {
	return fmt.Sprintf("phase.%s.error", phase)
}
