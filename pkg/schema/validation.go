package schema

import "fmt"

// ValidationSeverity separates blocking errors from advisory warnings.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding about a workflow definition or an input
// document. Path locates it, e.g. "states[2].actions[0].functionRef".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation stage. Only
// errors make a definition unusable.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(&r.Errors, path, code, message, SeverityError)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(&r.Warnings, path, code, message, SeverityWarning)
}

func (r *ValidationResult) add(into *[]ValidationIssue, path, code, message string, sev ValidationSeverity) {
	*into = append(*into, ValidationIssue{Path: path, Code: code, Message: message, Severity: sev})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result and a VALIDATION_ERROR carrying
// every issue otherwise. A single error becomes the message itself.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("validation failed with %d errors, first: %s", n, msg)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
