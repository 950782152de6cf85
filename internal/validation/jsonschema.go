package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/cadenza/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cadenza.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "states"],
  "properties": {
    "id": { "type": "string", "minLength": 1, "pattern": "^[^:]+$" },
    "version": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "key": { "type": "string" },
    "expressionLang": { "type": "string", "enum": ["jq", "cel", "expr"] },
    "dataInputSchema": { "type": "object" },
    "start": {
      "type": "object",
      "properties": {
        "stateName": { "type": "string" },
        "schedule": { "$ref": "#/$defs/schedule" }
      }
    },
    "timeouts": {
      "type": "object",
      "properties": {
        "workflowExecTimeout": {
          "type": "object",
          "required": ["duration"],
          "properties": { "duration": { "type": "string" } }
        }
      }
    },
    "functions": {
      "type": "array",
      "items": { "$ref": "#/$defs/function" }
    },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "schedule": {
      "type": "object",
      "properties": {
        "cron": {
          "type": "object",
          "required": ["expression"],
          "properties": {
            "expression": { "type": "string", "minLength": 1 },
            "validUntil": { "type": "string" }
          }
        },
        "interval": { "type": "string" },
        "timezone": { "type": "string" }
      }
    },
    "function": {
      "type": "object",
      "required": ["name", "operation"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["rest", "expression", "custom"] },
        "operation": { "type": "string", "minLength": 1 },
        "metadata": { "type": "object" }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["inject", "operation", "switch", "sleep"] },
        "transition": { "type": "string" },
        "end": { "type": "boolean" },
        "data": { "type": "object" },
        "actionMode": { "type": "string", "enum": ["sequential", "parallel"] },
        "actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "dataConditions": { "type": "array", "items": { "$ref": "#/$defs/dataCondition" } },
        "defaultCondition": {
          "type": "object",
          "properties": {
            "transition": { "type": "string" },
            "end": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "duration": { "type": "string" },
        "stateDataFilter": {
          "type": "object",
          "properties": {
            "input": { "type": "string" },
            "output": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "condition": { "type": "string" },
        "functionRef": {
          "type": "object",
          "required": ["refName"],
          "properties": {
            "refName": { "type": "string", "minLength": 1 },
            "arguments": { "type": "object" }
          },
          "additionalProperties": false
        },
        "sleep": {
          "type": "object",
          "properties": {
            "before": { "type": "string" },
            "after": { "type": "string" }
          },
          "additionalProperties": false
        },
        "actionDataFilter": {
          "type": "object",
          "properties": {
            "results": { "type": "string" },
            "toStateData": { "type": "string" },
            "useResults": { "type": "boolean" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "dataCondition": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "name": { "type": "string" },
        "condition": { "type": "string", "minLength": 1 },
        "transition": { "type": "string" },
        "end": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://cadenza.dev/schemas/workflow.json"

// JSONSchemaValidator validates definitions against the workflow JSON Schema
// and instance input against a definition's dataInputSchema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toCadenzaError(err)
	}
	return nil
}

// ValidateInput validates input against inputSchema. A nil input is checked
// as an empty object. The schema is compiled once and cached.
func (v *JSONSchemaValidator) ValidateInput(input any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}

	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	if input == nil {
		input = map[string]any{}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toCadenzaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("cadenza://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

var printer = message.NewPrinter(language.English)

// toCadenzaError converts a jsonschema.ValidationError into a validation
// CadenzaError whose details list every leaf violation as an issue.
func toCadenzaError(err error) *schema.CadenzaError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	result := &schema.ValidationResult{}
	collectViolations(verr, result)
	if result.Valid() {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	var ce *schema.CadenzaError
	errors.As(result.ToError(), &ce)
	return ce
}

// collectViolations walks a ValidationError tree and adds its leaves to result.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		result.AddError(instancePath(verr.InstanceLocation), schema.ErrCodeValidation, verr.ErrorKind.LocalizedString(printer))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

// instancePath renders a JSON pointer as the dotted path used by the other
// validation stages, e.g. states[0].type.
func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range loc {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
