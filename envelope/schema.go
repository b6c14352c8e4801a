package envelope

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360studio/semflow/fault"
)

// Migration upgrades a payload from an older schema version to the current one.
type Migration func(payload json.RawMessage) (json.RawMessage, error)

// SchemaRegistry validates envelope payloads by event type. Types without a
// registered schema pass through unvalidated (forward compatibility); the
// caller decides how to route unknown types.
type SchemaRegistry struct {
	mu         sync.RWMutex
	schemas    map[string]*gojsonschema.Schema
	versions   map[string]int
	migrations map[string]map[int]Migration
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas:    make(map[string]*gojsonschema.Schema),
		versions:   make(map[string]int),
		migrations: make(map[string]map[int]Migration),
	}
}

// Register compiles and stores the JSON schema for an event type at the given version.
func (r *SchemaRegistry) Register(eventType string, version int, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fault.Wrap(fault.KindValidation, "compile schema for "+eventType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = schema
	r.versions[eventType] = version
	return nil
}

// RegisterMigration stores an upgrade path for payloads of eventType at fromVersion.
func (r *SchemaRegistry) RegisterMigration(eventType string, fromVersion int, m Migration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrations[eventType] == nil {
		r.migrations[eventType] = make(map[int]Migration)
	}
	r.migrations[eventType][fromVersion] = m
}

// Known reports whether a schema is registered for the event type.
func (r *SchemaRegistry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Validate checks env's payload against the registered schema for its type.
// Unknown types return (false, nil): not validated, not an error. A version
// behind the registered one is upgraded through the migration chain when one
// exists, mutating env.Payload; otherwise a SCHEMA_MISMATCH error is returned
// and the envelope belongs in the DLQ.
func (r *SchemaRegistry) Validate(env *Envelope) (known bool, err error) {
	r.mu.RLock()
	schema, ok := r.schemas[env.Type]
	want := r.versions[env.Type]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if env.Meta.Version < want {
		if err := r.migrate(env, want); err != nil {
			return true, err
		}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(env.Payload))
	if err != nil {
		return true, fault.Wrap(fault.KindSchemaMismatch, "validate "+env.Type, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return true, fault.Newf(fault.KindValidation, "payload for %s: %s", env.Type, strings.Join(msgs, "; "))
	}
	return true, nil
}

func (r *SchemaRegistry) migrate(env *Envelope, want int) error {
	r.mu.RLock()
	chain := r.migrations[env.Type]
	r.mu.RUnlock()

	for v := env.Meta.Version; v < want; v++ {
		m, ok := chain[v]
		if !ok {
			return fault.Newf(fault.KindSchemaMismatch,
				"no migration for %s from version %d", env.Type, v)
		}
		upgraded, err := m(env.Payload)
		if err != nil {
			return fault.Wrap(fault.KindSchemaMismatch, "migrate "+env.Type, err)
		}
		env.Payload = upgraded
	}
	env.Meta.Version = want
	return nil
}
