package jsonrole

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCompilesEveryKnownSchema(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		SchemaScopeContract, SchemaReviewOutput, SchemaSecurityOutput,
		SchemaTestPlanOutput, SchemaCodexPromptOutput, SchemaGateOutput,
		SchemaStage2Judgement,
	} {
		s, err := r.Schema(name)
		require.NoError(t, err, name)
		require.NotNil(t, s, name)
	}
}

func TestRegistryExamplesValidateAgainstTheirOwnSchema(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		SchemaScopeContract, SchemaReviewOutput, SchemaSecurityOutput,
		SchemaTestPlanOutput, SchemaCodexPromptOutput, SchemaGateOutput,
		SchemaStage2Judgement,
	} {
		schema, err := r.Schema(name)
		require.NoError(t, err, name)
		example, err := r.Example(name)
		require.NoError(t, err, name)

		var doc interface{}
		require.NoError(t, json.Unmarshal([]byte(example), &doc), name)
		assert.NoError(t, schema.Validate(doc), name)
	}
}

func TestRegistryUnknownSchemaErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Schema("not_a_real_schema")
	assert.Error(t, err)
}

func TestRegistryCachesCompiledSchema(t *testing.T) {
	r := NewRegistry()
	a, err := r.Schema(SchemaGateOutput)
	require.NoError(t, err)
	b, err := r.Schema(SchemaGateOutput)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
