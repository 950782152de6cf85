// Package occurrence computes when a schedule definition next fires.
package occurrence

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/cadenza/pkg/schema"
)

// parser accepts 5-field expressions, an optional leading seconds field,
// descriptors such as @hourly and a CRON_TZ= prefix.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	cacheMu sync.RWMutex
	cache   = map[string]cron.Schedule{}
)

// Parse parses and caches a cron expression, applying tz (UTC when empty)
// unless the expression carries its own CRON_TZ/TZ prefix.
func Parse(expression, tz string) (cron.Schedule, error) {
	spec := strings.TrimSpace(expression)
	if tz == "" {
		tz = "UTC"
	}
	if tz != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=" + tz + " " + spec
	}

	cacheMu.RLock()
	sched, ok := cache[spec]
	cacheMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", expression).WithCause(err)
	}
	cacheMu.Lock()
	cache[spec] = sched
	cacheMu.Unlock()
	return sched, nil
}

// Next returns the first occurrence of def strictly after anchor, or nil when
// the definition never occurs again.
func Next(def schema.ScheduleDefinition, anchor time.Time) (*time.Time, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	if !def.IsCron() {
		next := anchor.Add(def.Interval.Std()).UTC()
		return &next, nil
	}

	sched, err := Parse(def.Cron.Expression, def.Timezone)
	if err != nil {
		return nil, err
	}
	next := sched.Next(anchor)
	if next.IsZero() {
		return nil, nil
	}
	if def.Cron.ValidUntil != nil && next.After(*def.Cron.ValidUntil) {
		return nil, nil
	}
	next = next.UTC()
	return &next, nil
}
