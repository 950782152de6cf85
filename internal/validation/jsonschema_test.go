package validation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/pkg/schema"
)

func minimalDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "greeting",
		States: []schema.StateDefinition{
			{Name: "hello", Type: schema.StateTypeInject, Data: map[string]any{"msg": "hi"}, End: true},
		},
	}
}

func requireValidationError(t *testing.T, err error) *schema.CadenzaError {
	t.Helper()
	require.Error(t, err)
	ce, ok := err.(*schema.CadenzaError)
	require.True(t, ok, "expected *schema.CadenzaError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
	return ce
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.NotNil(t, v.workflowSchema)
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	ce := requireValidationError(t, v.ValidateDefinition(nil))
	assert.Contains(t, ce.Message, "nil")
}

func TestValidateDefinition_MinimalValid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateDefinition(minimalDefinition()))
}

func TestValidateDefinition_FullValid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	yes := true
	def := &schema.WorkflowDefinition{
		ID:              "orders",
		Version:         "1.2.0",
		Name:            "Order processing",
		Key:             "${ .orderId }",
		ExpressionLang:  "jq",
		DataInputSchema: map[string]any{"type": "object"},
		Start: &schema.StartDefinition{
			StateName: "fetch",
			Schedule:  &schema.ScheduleDefinition{Cron: &schema.CronDefinition{Expression: "0 * * * *"}},
		},
		Timeouts: &schema.TimeoutsDefinition{WorkflowExecTimeout: &schema.WorkflowExecTimeout{Duration: schema.Duration(time.Hour)}},
		Functions: []schema.FunctionDefinition{
			{Name: "getOrder", Type: schema.FunctionTypeRest, Operation: "GET https://api.example.com/orders/{id}"},
		},
		States: []schema.StateDefinition{
			{
				Name:       "fetch",
				Type:       schema.StateTypeOperation,
				ActionMode: schema.ActionModeParallel,
				Actions: []schema.ActionDefinition{{
					Name:             "get",
					Condition:        "${ .orderId != null }",
					FunctionRef:      &schema.FunctionRef{RefName: "getOrder", Arguments: map[string]any{"id": "${ .orderId }"}},
					Sleep:            &schema.ActionSleep{Before: schema.Duration(time.Second)},
					ActionDataFilter: &schema.ActionDataFilter{Results: "${ .body }", ToStateData: "order", UseResults: &yes},
				}},
				Transition:      "route",
				StateDataFilter: &schema.StateDataFilter{Input: "${ . }"},
			},
			{
				Name:             "route",
				Type:             schema.StateTypeSwitch,
				DataConditions:   []schema.DataCondition{{Condition: "${ .order.paid }", Transition: "wait"}},
				DefaultCondition: &schema.DefaultCondition{End: true},
			},
			{Name: "wait", Type: schema.StateTypeSleep, Duration: schema.Duration(time.Minute), End: true},
		},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_MissingStates(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	requireValidationError(t, v.ValidateDefinition(&schema.WorkflowDefinition{ID: "empty"}))
}

func TestValidateDefinition_EmptyStates(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	requireValidationError(t, v.ValidateDefinition(&schema.WorkflowDefinition{ID: "empty", States: []schema.StateDefinition{}}))
}

func TestValidateDefinition_MissingID(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.ID = ""
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_IDWithVersionSeparator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.ID = "greeting:1.0"
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_InvalidStateType(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.States[0].Type = "parallel"
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_InvalidExpressionLang(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.ExpressionLang = "javascript"
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_InvalidFunctionType(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.Functions = []schema.FunctionDefinition{{Name: "f", Type: "grpc", Operation: "svc.Call"}}
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_FunctionMissingOperation(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := minimalDefinition()
	def.Functions = []schema.FunctionDefinition{{Name: "f", Type: schema.FunctionTypeRest}}
	requireValidationError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_MultipleViolations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID: "broken",
		States: []schema.StateDefinition{
			{Name: "", Type: "nope"},
			{Name: "ok", Type: "also-nope"},
		},
	}
	ce := requireValidationError(t, v.ValidateDefinition(def))
	issues, ok := ce.Details["errors"].([]schema.ValidationIssue)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(issues), 2)
	var paths []string
	for _, i := range issues {
		paths = append(paths, i.Path)
	}
	assert.Contains(t, paths, "states[0].type")
	assert.Contains(t, paths, "states[1].type")
}

func TestInstancePath(t *testing.T) {
	assert.Equal(t, "/", instancePath(nil))
	assert.Equal(t, "states[2].actions[0].functionRef", instancePath([]string{"states", "2", "actions", "0", "functionRef"}))
	assert.Equal(t, "[0]", instancePath([]string{"0"}))
}

// --- ValidateInput ---

func personSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": 1},
			"age":  map[string]any{"type": "integer", "minimum": 0},
		},
	}
}

func TestValidateInput_NoSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
	assert.NoError(t, v.ValidateInput(nil, map[string]any{}))
}

func TestValidateInput_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateInput(map[string]any{"name": "ada", "age": 36}, personSchema()))
}

func TestValidateInput_MissingRequired(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	ce := requireValidationError(t, v.ValidateInput(map[string]any{"age": 36}, personSchema()))
	assert.Contains(t, ce.Message, "name")
}

func TestValidateInput_NilInputIsEmptyObject(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	requireValidationError(t, v.ValidateInput(nil, personSchema()))
	assert.NoError(t, v.ValidateInput(nil, map[string]any{"type": "object"}))
}

func TestValidateInput_WrongType(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	requireValidationError(t, v.ValidateInput(map[string]any{"name": "ada", "age": "old"}, personSchema()))
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	ce := requireValidationError(t, v.ValidateInput(map[string]any{}, map[string]any{"type": 42}))
	assert.Contains(t, ce.Message, "invalid input schema")
}

func TestValidateInput_SchemaCached(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInput(map[string]any{"name": "ada"}, personSchema()))
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_Concurrent(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := personSchema()
			s["title"] = string(rune('a' + i%4))
			assert.NoError(t, v.ValidateInput(map[string]any{"name": "ada"}, s))
		}(i)
	}
	wg.Wait()
}
