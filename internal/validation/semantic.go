package validation

import (
	"fmt"
	"time"

	"github.com/rendis/cadenza/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: unique state and function names, start state and transition
// references, function references and types, per-type state requirements,
// the implicit start schedule and the execution timeout.
func validateSemantic(def *schema.WorkflowDefinition, functions FunctionLookup, languages LanguageLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.ExpressionLang != "" && languages != nil && !languages.HasLanguage(def.ExpressionLang) {
		result.AddError("expressionLang", schema.ErrCodeValidation,
			fmt.Sprintf("expression language %q is not available", def.ExpressionLang))
	}

	states := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		if states[s.Name] {
			result.AddError(fmt.Sprintf("states[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state name %q", s.Name))
		}
		states[s.Name] = true
	}

	declared := make(map[string]bool, len(def.Functions))
	for i, fn := range def.Functions {
		path := fmt.Sprintf("functions[%d]", i)
		if declared[fn.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate function name %q", fn.Name))
		}
		declared[fn.Name] = true
		if functions != nil && !functions.Has(fn.Type) {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("function type %q is not registered", fn.Type))
		}
	}

	if def.Start != nil && def.Start.StateName != "" && !states[def.Start.StateName] {
		result.AddError("start.stateName", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent state %q", def.Start.StateName))
	}
	if def.Start != nil && def.Start.Schedule != nil {
		if err := def.Start.Schedule.Validate(); err != nil {
			result.AddError("start.schedule", schema.ErrCodeValidation, err.Error())
		}
	}
	if def.Timeouts != nil && def.Timeouts.WorkflowExecTimeout != nil && def.ExecTimeout() <= 0 {
		result.AddError("timeouts.workflowExecTimeout.duration", schema.ErrCodeValidation,
			"workflow execution timeout must be positive")
	}

	for i := range def.States {
		validateStateSemantic(&def.States[i], fmt.Sprintf("states[%d]", i), states, declared, result)
	}

	return result
}

// validateStateSemantic checks a single state.
func validateStateSemantic(state *schema.StateDefinition, path string, states, declared map[string]bool, result *schema.ValidationResult) {
	checkTransition := func(p, transition string, end bool) {
		switch {
		case transition != "" && end:
			result.AddError(p, schema.ErrCodeValidation, "cannot both transition and end")
		case transition == "" && !end:
			result.AddError(p, schema.ErrCodeValidation, "must either transition or end")
		case transition != "" && !states[transition]:
			result.AddError(p+".transition", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent state %q", transition))
		}
	}

	switch state.Type {
	case schema.StateTypeSwitch:
		if len(state.DataConditions) == 0 && state.DefaultCondition == nil {
			result.AddError(path, schema.ErrCodeValidation, "switch state needs data conditions or a default condition")
		}
		for j, c := range state.DataConditions {
			checkTransition(fmt.Sprintf("%s.dataConditions[%d]", path, j), c.Transition, c.End)
		}
		if d := state.DefaultCondition; d != nil {
			checkTransition(path+".defaultCondition", d.Transition, d.End)
		} else {
			result.AddWarning(path+".defaultCondition", schema.ErrCodeValidation,
				"switch state without default condition faults when no condition matches")
		}
		if state.Transition != "" || state.End {
			result.AddWarning(path, schema.ErrCodeValidation, "switch state transition and end are ignored")
		}
		return

	case schema.StateTypeOperation:
		if len(state.Actions) == 0 {
			result.AddError(path+".actions", schema.ErrCodeValidation, "operation state needs at least one action")
		}
		for j, a := range state.Actions {
			validateAction(&a, fmt.Sprintf("%s.actions[%d]", path, j), declared, result)
		}

	case schema.StateTypeSleep:
		if state.Duration <= 0 {
			result.AddError(path+".duration", schema.ErrCodeValidation, "sleep state needs a positive duration")
		}

	case schema.StateTypeInject:
		if len(state.Data) == 0 {
			result.AddWarning(path+".data", schema.ErrCodeValidation, "inject state has no data")
		}
	}

	checkTransition(path, state.Transition, state.End)
}

// validateAction checks function references and sleep durations of an action.
func validateAction(action *schema.ActionDefinition, path string, declared map[string]bool, result *schema.ValidationResult) {
	if ref := action.FunctionRef; ref != nil && !declared[ref.RefName] {
		result.AddError(path+".functionRef.refName", schema.ErrCodeValidation,
			fmt.Sprintf("references undeclared function %q", ref.RefName))
	}
	if action.FunctionRef == nil && action.ActionDataFilter != nil {
		result.AddWarning(path+".actionDataFilter", schema.ErrCodeValidation,
			"action without functionRef passes its input through")
	}
	if s := action.Sleep; s != nil && (s.Before < 0 || s.After < 0) {
		result.AddError(path+".sleep", schema.ErrCodeValidation, "sleep durations must not be negative")
	}
	if action.Sleep != nil && action.Sleep.Before.Std() > 24*time.Hour {
		result.AddWarning(path+".sleep.before", schema.ErrCodeValidation,
			fmt.Sprintf("long sleep (%s) holds a worker for its whole duration", action.Sleep.Before))
	}
}
