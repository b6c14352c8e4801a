package kv

import "time"

// TTLs for the core key classes.
const (
	SeenTTL       = 24 * time.Hour
	StateTTL      = 7 * 24 * time.Hour
	CheckpointTTL = 7 * 24 * time.Hour
	LockTTL       = 30 * time.Second
)

// RegistryKey is the hash holding one field per registered agent.
const RegistryKey = "agents:registry"

// SeenKey is the idempotency-ledger key for an envelope id.
func SeenKey(envelopeID string) string {
	return "seen:" + envelopeID
}

// StateKey holds a workflow's state snapshot.
func StateKey(workflowID string) string {
	return "workflow:state:" + workflowID
}

// CheckpointKey holds a workflow's recovery checkpoint.
func CheckpointKey(workflowID string) string {
	return "workflow:checkpoint:" + workflowID
}

// LockKey holds a workflow's coordination lock.
func LockKey(workflowID string) string {
	return "workflow:lock:" + workflowID
}
