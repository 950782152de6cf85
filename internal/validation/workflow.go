package validation

import (
	"errors"

	"github.com/rendis/cadenza/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (state, transition and function references)
// 3. Graph (reachability, termination)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	functions  FunctionLookup
	languages  LanguageLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// Either lookup may be nil to skip the corresponding availability check.
func NewWorkflowValidator(functions FunctionLookup, languages LanguageLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		functions:  functions,
		languages:  languages,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, wv.functions, wv.languages))

	// Stage 3: Graph (skip if semantic errors, the graph may be invalid).
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input any, inputSchema map[string]any) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural runs the JSON Schema stage and lifts its violations
// into issues located by instance path.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var ce *schema.CadenzaError
	if !errors.As(err, &ce) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if issues, ok := ce.Details["errors"].([]schema.ValidationIssue); ok {
		result.Errors = append(result.Errors, issues...)
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}

var (
	_ Validator = (*WorkflowValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
