package schema

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the serverless-workflow subset cadenza executes.
type WorkflowDefinition struct {
	ID              string               `json:"id" yaml:"id"`
	Version         string               `json:"version,omitempty" yaml:"version,omitempty"`
	Name            string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string               `json:"description,omitempty" yaml:"description,omitempty"`
	Key             string               `json:"key,omitempty" yaml:"key,omitempty"`                       // expression producing the instance key
	ExpressionLang  string               `json:"expressionLang,omitempty" yaml:"expressionLang,omitempty"` // jq | cel | expr (default: jq)
	DataInputSchema map[string]any       `json:"dataInputSchema,omitempty" yaml:"dataInputSchema,omitempty"`
	Start           *StartDefinition     `json:"start,omitempty" yaml:"start,omitempty"`
	Timeouts        *TimeoutsDefinition  `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	Functions       []FunctionDefinition `json:"functions,omitempty" yaml:"functions,omitempty"`
	States          []StateDefinition    `json:"states" yaml:"states"`
}

// Ref returns the "id:version" reference of the definition.
func (w *WorkflowDefinition) Ref() string {
	if w.Version == "" {
		return w.ID
	}
	return w.ID + ":" + w.Version
}

// StartStateName returns the configured start state, or the first state.
func (w *WorkflowDefinition) StartStateName() string {
	if w.Start != nil && w.Start.StateName != "" {
		return w.Start.StateName
	}
	if len(w.States) > 0 {
		return w.States[0].Name
	}
	return ""
}

// State looks up a state by name.
func (w *WorkflowDefinition) State(name string) (*StateDefinition, bool) {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i], true
		}
	}
	return nil, false
}

// Function looks up a function by name.
func (w *WorkflowDefinition) Function(name string) (*FunctionDefinition, bool) {
	for i := range w.Functions {
		if w.Functions[i].Name == name {
			return &w.Functions[i], true
		}
	}
	return nil, false
}

// ExecTimeout returns the workflow execution timeout, or zero when unset.
func (w *WorkflowDefinition) ExecTimeout() Duration {
	if w.Timeouts == nil || w.Timeouts.WorkflowExecTimeout == nil {
		return 0
	}
	return w.Timeouts.WorkflowExecTimeout.Duration
}

// StartDefinition names the first state and an optional schedule that
// implicitly instantiates the workflow. It also accepts a bare state name.
type StartDefinition struct {
	StateName string              `json:"stateName" yaml:"stateName"`
	Schedule  *ScheduleDefinition `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

func (s *StartDefinition) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = StartDefinition{StateName: name}
		return nil
	}
	type plain StartDefinition
	return json.Unmarshal(data, (*plain)(s))
}

func (s *StartDefinition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = StartDefinition{StateName: value.Value}
		return nil
	}
	type plain StartDefinition
	return value.Decode((*plain)(s))
}

// TimeoutsDefinition holds workflow-level timeouts.
type TimeoutsDefinition struct {
	WorkflowExecTimeout *WorkflowExecTimeout `json:"workflowExecTimeout,omitempty" yaml:"workflowExecTimeout,omitempty"`
}

// WorkflowExecTimeout bounds the total run time of an instance. When it
// elapses the instance is suspended.
type WorkflowExecTimeout struct {
	Duration Duration `json:"duration" yaml:"duration"`
}

// FunctionType enumerates the effect kinds a function can perform.
type FunctionType string

const (
	FunctionTypeRest       FunctionType = "rest"
	FunctionTypeExpression FunctionType = "expression"
	FunctionTypeCustom     FunctionType = "custom"
)

// FunctionDefinition declares a callable effect.
type FunctionDefinition struct {
	Name      string         `json:"name" yaml:"name"`
	Type      FunctionType   `json:"type,omitempty" yaml:"type,omitempty"` // default: rest
	Operation string         `json:"operation" yaml:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StateType enumerates the kinds of states in a workflow.
type StateType string

const (
	StateTypeInject    StateType = "inject"
	StateTypeOperation StateType = "operation"
	StateTypeSwitch    StateType = "switch"
	StateTypeSleep     StateType = "sleep"
)

// ActionMode controls how an operation state runs its actions.
type ActionMode string

const (
	ActionModeSequential ActionMode = "sequential"
	ActionModeParallel   ActionMode = "parallel"
)

// StateDefinition describes a single state in a workflow.
type StateDefinition struct {
	Name             string             `json:"name" yaml:"name"`
	Type             StateType          `json:"type" yaml:"type"`
	Transition       string             `json:"transition,omitempty" yaml:"transition,omitempty"`
	End              bool               `json:"end,omitempty" yaml:"end,omitempty"`
	Data             map[string]any     `json:"data,omitempty" yaml:"data,omitempty"`             // inject
	ActionMode       ActionMode         `json:"actionMode,omitempty" yaml:"actionMode,omitempty"` // operation
	Actions          []ActionDefinition `json:"actions,omitempty" yaml:"actions,omitempty"`       // operation
	DataConditions   []DataCondition    `json:"dataConditions,omitempty" yaml:"dataConditions,omitempty"`
	DefaultCondition *DefaultCondition  `json:"defaultCondition,omitempty" yaml:"defaultCondition,omitempty"`
	Duration         Duration           `json:"duration,omitempty" yaml:"duration,omitempty"` // sleep
	StateDataFilter  *StateDataFilter   `json:"stateDataFilter,omitempty" yaml:"stateDataFilter,omitempty"`
}

// StateDataFilter reshapes the data entering and leaving a state.
type StateDataFilter struct {
	Input  string `json:"input,omitempty" yaml:"input,omitempty"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// ActionDefinition is a single effect invocation inside an operation state.
type ActionDefinition struct {
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	Condition        string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	FunctionRef      *FunctionRef      `json:"functionRef,omitempty" yaml:"functionRef,omitempty"`
	Sleep            *ActionSleep      `json:"sleep,omitempty" yaml:"sleep,omitempty"`
	ActionDataFilter *ActionDataFilter `json:"actionDataFilter,omitempty" yaml:"actionDataFilter,omitempty"`
}

// FunctionRef references a declared function and its arguments.
type FunctionRef struct {
	RefName   string         `json:"refName" yaml:"refName"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// ActionSleep delays an action before the effect and after its completion.
type ActionSleep struct {
	Before Duration `json:"before,omitempty" yaml:"before,omitempty"`
	After  Duration `json:"after,omitempty" yaml:"after,omitempty"`
}

// ActionDataFilter selects the part of an action result merged into the
// state data.
type ActionDataFilter struct {
	Results     string `json:"results,omitempty" yaml:"results,omitempty"`
	ToStateData string `json:"toStateData,omitempty" yaml:"toStateData,omitempty"` // top-level key to store results under
	UseResults  *bool  `json:"useResults,omitempty" yaml:"useResults,omitempty"`
}

// DataCondition is one branch of a switch state.
type DataCondition struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Condition  string `json:"condition" yaml:"condition"`
	Transition string `json:"transition,omitempty" yaml:"transition,omitempty"`
	End        bool   `json:"end,omitempty" yaml:"end,omitempty"`
}

// DefaultCondition is taken when no data condition of a switch matches.
type DefaultCondition struct {
	Transition string `json:"transition,omitempty" yaml:"transition,omitempty"`
	End        bool   `json:"end,omitempty" yaml:"end,omitempty"`
}
