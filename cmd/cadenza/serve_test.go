package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/internal/validation"
	"github.com/rendis/cadenza/pkg/schema"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func everyMinute(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: "1.0.0",
		Start: &schema.StartDefinition{
			StateName: "stamp",
			Schedule:  &schema.ScheduleDefinition{Interval: schema.Duration(time.Minute)},
		},
		States: []schema.StateDefinition{
			{Name: "stamp", Type: schema.StateTypeInject, Data: map[string]any{"stamped": true}, End: true},
		},
	}
}

func TestApp_ImplicitScheduleRunsInstances(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)

	a, err := build(ctx, Config{DBPath: memoryDBPath, PoolSize: 2, ExpressionLang: "jq"}, clock, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.shutdown(nil)
		_ = a.store.Close()
	})
	require.NoError(t, a.defs.Register(everyMinute("heartbeat")))

	require.NoError(t, a.start(ctx))

	schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: "heartbeat"})
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, schema.ActivationImplicit, schedules[0].ActivationType)
	require.NotNil(t, schedules[0].NextOccurenceAt)
	assert.Equal(t, epoch.Add(time.Minute), *schedules[0].NextOccurenceAt)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		done, err := a.store.ListInstances(ctx, store.InstanceFilter{
			Statuses: []schema.InstanceStatus{schema.InstanceStatusCompleted},
		})
		return err == nil && len(done) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Completing the occurrence re-arms the interval from the completion time.
	require.Eventually(t, func() bool {
		sch, err := a.service.GetSchedule(ctx, schedules[0].ID)
		if err != nil || sch.NextOccurenceAt == nil {
			return false
		}
		return sch.NextOccurenceAt.Equal(epoch.Add(2 * time.Minute))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_RejectsUnknownExpressionLanguage(t *testing.T) {
	_, err := build(context.Background(), Config{DBPath: memoryDBPath, PoolSize: 1, ExpressionLang: "lua"},
		clockwork.NewFakeClockAt(epoch), discardLogger())
	assert.Error(t, err)
}

func TestValidateFile(t *testing.T) {
	exprs, err := expressions.NewProvider("jq")
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(functions.NewDefaultRegistry(functions.RestConfig{}, exprs, nil), exprs)
	require.NoError(t, err)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
id: greet
version: 1.0.0
states:
  - name: hello
    type: inject
    data:
      greeting: hi
    end: true
`), 0o644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
id: broken
version: 1.0.0
states:
  - name: first
    type: inject
    transition: nowhere
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	files, err := definitionFiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{good, bad}, files)

	var out bytes.Buffer
	assert.True(t, validateFile(&out, v, good))
	assert.Contains(t, out.String(), "greet:1.0.0")

	out.Reset()
	assert.False(t, validateFile(&out, v, bad))
	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), "nowhere")
}

func TestExampleDefinitionsAreValid(t *testing.T) {
	exprs, err := expressions.NewProvider("jq")
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(functions.NewDefaultRegistry(functions.RestConfig{}, exprs, nil), exprs)
	require.NoError(t, err)

	files, err := definitionFiles(filepath.Join("..", "..", "examples", "definitions"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var out bytes.Buffer
	for _, f := range files {
		assert.True(t, validateFile(&out, v, f), out.String())
	}
}
