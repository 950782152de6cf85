package schema

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// ScheduleDefinition describes when a schedule occurs. Exactly one of Cron
// or Interval is set.
type ScheduleDefinition struct {
	Cron     *CronDefinition `json:"cron,omitempty" yaml:"cron,omitempty"`
	Interval Duration        `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timezone string          `json:"timezone,omitempty" yaml:"timezone,omitempty"` // IANA name, cron only
}

// IsCron reports whether the schedule is cron based.
func (d ScheduleDefinition) IsCron() bool {
	return d.Cron != nil
}

// Validate checks that exactly one trigger kind is configured.
func (d ScheduleDefinition) Validate() error {
	switch {
	case d.Cron != nil && d.Interval != 0:
		return NewError(ErrCodeValidation, "schedule must define either cron or interval, not both")
	case d.Cron == nil && d.Interval <= 0:
		return NewError(ErrCodeValidation, "schedule must define a cron expression or a positive interval")
	case d.Cron != nil && d.Cron.Expression == "":
		return NewError(ErrCodeValidation, "cron expression is empty")
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return NewErrorf(ErrCodeValidation, "unknown timezone %q", d.Timezone).WithCause(err)
		}
	}
	return nil
}

// CronDefinition is a cron expression with an optional end of validity. It
// also accepts a bare expression string.
type CronDefinition struct {
	Expression string     `json:"expression" yaml:"expression"`
	ValidUntil *time.Time `json:"validUntil,omitempty" yaml:"validUntil,omitempty"`
}

func (c *CronDefinition) UnmarshalJSON(data []byte) error {
	var expr string
	if err := json.Unmarshal(data, &expr); err == nil {
		*c = CronDefinition{Expression: expr}
		return nil
	}
	type plain CronDefinition
	return json.Unmarshal(data, (*plain)(c))
}

func (c *CronDefinition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*c = CronDefinition{Expression: value.Value}
		return nil
	}
	type plain CronDefinition
	return value.Decode((*plain)(c))
}
