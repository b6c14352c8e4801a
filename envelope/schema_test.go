package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/fault"
)

const scaffoldSchema = `{
	"type": "object",
	"required": ["project_name"],
	"properties": {
		"project_name": {"type": "string"},
		"framework": {"type": "string"}
	}
}`

func TestRegistryValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Register("agent.scaffold.request", 1, scaffoldSchema))

	env, err := New("agent.scaffold.request", map[string]string{"project_name": "shop"})
	require.NoError(t, err)

	known, err := reg.Validate(env)
	assert.True(t, known)
	assert.NoError(t, err)
}

func TestRegistryRejectsBadPayload(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Register("agent.scaffold.request", 1, scaffoldSchema))

	env, err := New("agent.scaffold.request", map[string]int{"framework": 7})
	require.NoError(t, err)

	known, err := reg.Validate(env)
	assert.True(t, known)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRegistryUnknownTypePassesThrough(t *testing.T) {
	reg := NewSchemaRegistry()
	env, err := New("agent.future.request", map[string]string{"anything": "goes"})
	require.NoError(t, err)

	known, err := reg.Validate(env)
	assert.False(t, known)
	assert.NoError(t, err)
	assert.False(t, reg.Known("agent.future.request"))
}

func TestRegistryMigration(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Register("agent.scaffold.request", 2, scaffoldSchema))
	reg.RegisterMigration("agent.scaffold.request", 1, func(p json.RawMessage) (json.RawMessage, error) {
		var old struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(p, &old); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"project_name": old.Name})
	})

	env, err := New("agent.scaffold.request", map[string]string{"name": "shop"})
	require.NoError(t, err)
	env.Meta.Version = 1

	known, err := reg.Validate(env)
	assert.True(t, known)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Meta.Version)
	assert.JSONEq(t, `{"project_name":"shop"}`, string(env.Payload))
}

func TestRegistryMissingMigrationIsSchemaMismatch(t *testing.T) {
	reg := NewSchemaRegistry()
	require.NoError(t, reg.Register("agent.scaffold.request", 3, scaffoldSchema))

	env, err := New("agent.scaffold.request", map[string]string{"project_name": "shop"})
	require.NoError(t, err)
	env.Meta.Version = 1

	known, err := reg.Validate(env)
	assert.True(t, known)
	assert.Equal(t, fault.KindSchemaMismatch, fault.KindOf(err))
}
