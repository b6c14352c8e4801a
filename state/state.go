// Package state persists workflow snapshots and recovery checkpoints and
// coordinates engine instances through a weak, TTL-guarded workflow lock.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/semflow/kv"
)

// Snapshot is the persisted view of a workflow's position.
type Snapshot struct {
	WorkflowID   string            `json:"workflow_id"`
	CurrentStage string            `json:"current_stage"`
	Status       string            `json:"status"`
	Progress     int               `json:"progress"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastUpdated  time.Time         `json:"last_updated"`
	Version      int64             `json:"version"`
	// MachineContext optionally carries the state machine's private context.
	MachineContext json.RawMessage `json:"state_machine_context,omitempty"`
}

// Checkpoint records the id of the last result envelope the engine applied
// to a workflow.
type Checkpoint struct {
	WorkflowID          string    `json:"workflow_id"`
	LastProcessedMsgID  string    `json:"last_processed_message_id"`
	CheckpointTimestamp time.Time `json:"checkpoint_timestamp"`
}

// lockRecord is the stored owner of a workflow lock.
type lockRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Recovered bundles what an engine needs to resume a workflow after restart.
type Recovered struct {
	Snapshot   *Snapshot
	Checkpoint *Checkpoint
}

// Manager is the state and coordination layer over the KV port.
type Manager struct {
	store  kv.Store
	logger *slog.Logger
}

// NewManager creates a state manager.
func NewManager(store kv.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// SaveSnapshot writes the workflow snapshot with the 7-day TTL.
func (m *Manager) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	s.LastUpdated = time.Now().UTC()
	return kv.SetJSON(ctx, m.store, kv.StateKey(s.WorkflowID), s, kv.StateTTL)
}

// LoadSnapshot reads a workflow snapshot, or returns nil when none exists.
func (m *Manager) LoadSnapshot(ctx context.Context, workflowID string) (*Snapshot, error) {
	s, err := kv.GetJSON[Snapshot](ctx, m.store, kv.StateKey(workflowID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSnapshot removes a workflow snapshot.
func (m *Manager) DeleteSnapshot(ctx context.Context, workflowID string) error {
	return m.store.Del(ctx, kv.StateKey(workflowID))
}

// SaveCheckpoint records the last processed message id for a workflow.
func (m *Manager) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.CheckpointTimestamp = time.Now().UTC()
	return kv.SetJSON(ctx, m.store, kv.CheckpointKey(cp.WorkflowID), cp, kv.CheckpointTTL)
}

// LoadCheckpoint reads a workflow checkpoint, or returns nil when none exists.
func (m *Manager) LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	cp, err := kv.GetJSON[Checkpoint](ctx, m.store, kv.CheckpointKey(workflowID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// AcquireLock claims the workflow lock for instanceID. The lock is weak: it
// coordinates cooperative engines and expires after 30 seconds. Acquisition
// is confirmed by reading back the stored owner, and callers must still CAS
// every state mutation, since transient double-ownership is possible.
func (m *Manager) AcquireLock(ctx context.Context, workflowID, instanceID string) (bool, error) {
	rec := lockRecord{InstanceID: instanceID, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	if _, err := m.store.SetNX(ctx, kv.LockKey(workflowID), data, kv.LockTTL); err != nil {
		return false, err
	}

	// Read back: the holder is whoever's instance id is now stored.
	current, err := kv.GetJSON[lockRecord](ctx, m.store, kv.LockKey(workflowID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current.InstanceID == instanceID, nil
}

// ReleaseLock deletes the workflow lock only when instanceID owns it.
func (m *Manager) ReleaseLock(ctx context.Context, workflowID, instanceID string) error {
	current, err := kv.GetJSON[lockRecord](ctx, m.store, kv.LockKey(workflowID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.InstanceID != instanceID {
		m.logger.Debug("skipping release of foreign lock",
			"workflow_id", workflowID, "owner", current.InstanceID, "instance", instanceID)
		return nil
	}
	return m.store.Del(ctx, kv.LockKey(workflowID))
}

// RecoverWorkflow loads the snapshot and checkpoint for a workflow, or
// returns nil when neither exists. The engine resumes from the snapshot's
// recorded stage; no component skips messages by the checkpointed id.
func (m *Manager) RecoverWorkflow(ctx context.Context, workflowID string) (*Recovered, error) {
	snap, err := m.LoadSnapshot(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cp, err := m.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if snap == nil && cp == nil {
		return nil, nil
	}
	return &Recovered{Snapshot: snap, Checkpoint: cp}, nil
}
