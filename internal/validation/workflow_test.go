package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/pkg/schema"
)

func TestWorkflowValidator_ValidDefinition(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup(schema.FunctionTypeRest), mockLanguages{"jq"})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID:        "orders",
		Functions: []schema.FunctionDefinition{{Name: "get", Operation: "https://example.com/orders"}},
		States: []schema.StateDefinition{
			{Name: "fetch", Type: schema.StateTypeOperation, Transition: "nap",
				Actions: []schema.ActionDefinition{{FunctionRef: &schema.FunctionRef{RefName: "get"}}}},
			{Name: "nap", Type: schema.StateTypeSleep, Duration: schema.Duration(time.Second), End: true},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/", result.Errors[0].Path)
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{ID: "wf", States: []schema.StateDefinition{{Name: "a", Type: "bogus", Transition: "ghost"}}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, "states[0].transition", e.Path, "semantic stage skipped")
	}
	assert.Contains(t, errorPaths(result), "states[0].type")
}

func TestWorkflowValidator_SemanticSkipsGraph(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{ID: "wf", States: []schema.StateDefinition{inject("a", "ghost"), inject("orphan", "")}}
	result := wv.Validate(def)
	assert.Equal(t, []string{"states[0].transition"}, errorPaths(result))
	assert.Empty(t, result.Warnings, "graph stage did not run")
}

func TestWorkflowValidator_GraphErrors(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{ID: "wf", States: []schema.StateDefinition{inject("a", "b"), inject("b", "a"), inject("c", "")}}
	err = wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	ce, ok := err.(*schema.CadenzaError)
	require.True(t, ok)
	assert.Equal(t, 2, ce.Details["error_count"])
	assert.Equal(t, 1, ce.Details["warning_count"])
}

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	assert.NoError(t, wv.ValidateInput(map[string]any{"name": "ada"}, personSchema()))
	assert.Error(t, wv.ValidateInput(map[string]any{}, personSchema()))
}
