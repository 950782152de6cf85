package validation

import "github.com/rendis/cadenza/pkg/schema"

// Validator checks workflow definitions before they are registered and
// instance input before an instance is created.
// Uses JSON Schema Draft 2020-12 for both.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input any, inputSchema map[string]any) error
}

// FunctionLookup reports whether a function type can be invoked.
type FunctionLookup interface {
	Has(typ schema.FunctionType) bool
}

// LanguageLookup reports whether an expression language is available.
type LanguageLookup interface {
	HasLanguage(lang string) bool
}
