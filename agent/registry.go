package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/kv"
)

// Registration is an agent's entry in the shared registry hash.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Type         string    `json:"type"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register writes the agent's registry entry.
func Register(ctx context.Context, store kv.Store, reg Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return store.HSet(ctx, kv.RegistryKey, reg.AgentID, data)
}

// Deregister removes the agent's registry entry.
func Deregister(ctx context.Context, store kv.Store, agentID string) error {
	return store.HDel(ctx, kv.RegistryKey, agentID)
}

// Registry is the read side of the agent registry, backing list_agents and
// get_agent on the programmatic surface.
type Registry struct {
	store kv.Store
}

// NewRegistry creates a registry view.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	fields, err := r.store.HGetAll(ctx, kv.RegistryKey)
	if err != nil {
		return nil, err
	}
	out := make([]Registration, 0, len(fields))
	for id, data := range fields {
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			// A corrupt entry should not hide the rest of the fleet.
			continue
		}
		if reg.AgentID == "" {
			reg.AgentID = id
		}
		out = append(out, reg)
	}
	return out, nil
}

// Get returns one registered agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*Registration, error) {
	data, err := r.store.HGet(ctx, kv.RegistryKey, agentID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "agent %s", agentID)
	}
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}
