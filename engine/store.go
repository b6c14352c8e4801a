package engine

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/c360studio/semflow/fault"
)

// Store is the workflow repository. Updates are guarded by the workflow's
// version: a stale write is a CONFLICT and the caller re-reads and reapplies.
type Store interface {
	Create(w *Workflow) error
	Get(id string) (*Workflow, error)
	Update(w *Workflow) error
	List(f Filter) ([]*Workflow, error)
}

// MemStore is the in-memory workflow arena. Subsystems hold workflow ids and
// look up through the store, never back-references.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	order     []string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{workflows: make(map[string]*Workflow)}
}

func cloneWorkflow(w *Workflow) *Workflow {
	c := *w
	if w.StageOutputs != nil {
		c.StageOutputs = make(map[string]json.RawMessage, len(w.StageOutputs))
		for k, v := range w.StageOutputs {
			c.StageOutputs[k] = v
		}
	}
	if w.CompletedAt != nil {
		at := *w.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Create implements Store.
func (s *MemStore) Create(w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.ID]; exists {
		return fault.Newf(fault.KindConflict, "workflow %s already exists", w.ID)
	}
	w.Version = 1
	s.workflows[w.ID] = cloneWorkflow(w)
	s.order = append(s.order, w.ID)
	return nil
}

// Get implements Store.
func (s *MemStore) Get(id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "workflow %s", id)
	}
	return cloneWorkflow(w), nil
}

// Update implements Store. The caller's version must match the stored one;
// on success the version advances.
func (s *MemStore) Update(w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.workflows[w.ID]
	if !ok {
		return fault.Newf(fault.KindNotFound, "workflow %s", w.ID)
	}
	if current.Version != w.Version {
		return fault.Newf(fault.KindConflict, "workflow %s version %d behind %d", w.ID, w.Version, current.Version)
	}
	w.Version++
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

// List implements Store. Results are in creation order, newest last.
func (s *MemStore) List(f Filter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.order))
	for _, id := range s.order {
		w := s.workflows[id]
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Type != "" && w.Type != f.Type {
			continue
		}
		if f.PlatformID != "" && w.PlatformID != f.PlatformID {
			continue
		}
		out = append(out, cloneWorkflow(w))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
