package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

type staticDefinitions map[string]*schema.WorkflowDefinition

func (d staticDefinitions) Get(_ context.Context, ref string) (*schema.WorkflowDefinition, error) {
	if def, ok := d[ref]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", ref)
}

type runnerEnv struct {
	store  store.Store
	runner *Runner
	custom *functions.CustomFunctions

	mu       sync.Mutex
	finished []string
}

func newRunnerEnv(t *testing.T, clock clockwork.Clock, defs ...*schema.WorkflowDefinition) *runnerEnv {
	t.Helper()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	provider, err := expressions.NewProvider("")
	require.NoError(t, err)

	registry := staticDefinitions{}
	for _, def := range defs {
		registry[def.Ref()] = def
	}
	custom := functions.NewCustomFunctions()
	env := &runnerEnv{
		store:  s,
		custom: custom,
		runner: NewRunner(s, registry, provider, functions.NewDefaultRegistry(functions.RestConfig{}, provider, custom), RunnerConfig{
			PoolSize: 4,
			Clock:    clock,
		}),
	}
	env.runner.OnFinished(func(_ context.Context, w *aggregate.WorkflowInstance) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.finished = append(env.finished, w.ID)
	})
	t.Cleanup(env.runner.Shutdown)
	return env
}

func (e *runnerEnv) startInstance(t *testing.T, def *schema.WorkflowDefinition, key string, input any) string {
	t.Helper()
	now := time.Now()
	w, err := aggregate.NewWorkflowInstance(now, aggregate.NewInstanceParams{
		DefinitionID: def.ID,
		WorkflowRef:  def.Ref(),
		Key:          key,
		InputData:    input,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(now))
	repo := store.NewRepository[*aggregate.WorkflowInstance](e.store, aggregate.TypeInstance)
	require.NoError(t, repo.Add(context.Background(), w))
	require.NoError(t, repo.SaveChanges(context.Background()))
	return w.ID
}

func (e *runnerEnv) load(t *testing.T, id string) *aggregate.WorkflowInstance {
	t.Helper()
	w, err := store.NewRepository[*aggregate.WorkflowInstance](e.store, aggregate.TypeInstance).Find(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (e *runnerEnv) runToEnd(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Run(ctx, id))
	require.NoError(t, e.runner.Wait(ctx, id))
}

func topLevel(w *aggregate.WorkflowInstance) []aggregate.ActivityRecord {
	var out []aggregate.ActivityRecord
	for _, a := range w.Activities {
		if a.ParentID == "" {
			out = append(out, a)
		}
	}
	return out
}

func greetingWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "greeting",
		Version: "1.0.0",
		States: []schema.StateDefinition{
			{Name: "greet", Type: schema.StateTypeInject, Data: map[string]any{"greeting": "${ \"hello \" + .name }"}, Transition: "route"},
			{
				Name:             "route",
				Type:             schema.StateTypeSwitch,
				DataConditions:   []schema.DataCondition{{Condition: "${ .name == \"ada\" }", Transition: "done"}},
				DefaultCondition: &schema.DefaultCondition{End: true},
			},
			{Name: "done", Type: schema.StateTypeInject, Data: map[string]any{"done": true}, End: true},
		},
	}
}

func TestRunner_CompletesInstance(t *testing.T) {
	def := greetingWorkflow()
	env := newRunnerEnv(t, nil, def)
	id := env.startInstance(t, def, "k1", map[string]any{"name": "ada"})

	env.runToEnd(t, id)

	w := env.load(t, id)
	require.Equal(t, schema.InstanceStatusCompleted, w.Status)
	assert.Equal(t, map[string]any{"name": "ada", "greeting": "hello ada", "done": true}, w.Output)

	acts := topLevel(w)
	require.Len(t, acts, 4)
	names := []string{}
	for _, a := range acts {
		assert.Equal(t, schema.ActivityStatusCompleted, a.Status)
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"start", "greet", "route", "done"}, names)
	assert.Equal(t, []string{id}, env.finished)
	assert.False(t, env.runner.Running(id))
}

func TestRunner_FaultsInstance(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID:        "failing",
		Functions: []schema.FunctionDefinition{{Name: "explode", Type: schema.FunctionTypeCustom, Operation: "explode"}},
		States: []schema.StateDefinition{
			{Name: "call", Type: schema.StateTypeOperation, End: true, Actions: []schema.ActionDefinition{callAction("explode")}},
		},
	}
	env := newRunnerEnv(t, nil, def)
	require.NoError(t, env.custom.Register("explode", func(ctx context.Context, args map[string]any, input any) (any, error) {
		return nil, errors.New("kaboom")
	}))
	id := env.startInstance(t, def, "k1", map[string]any{})

	env.runToEnd(t, id)

	w := env.load(t, id)
	require.Equal(t, schema.InstanceStatusFaulted, w.Status)
	require.NotNil(t, w.Error)
	assert.Equal(t, schema.ErrCodeProcessorFault, w.Error.Code)
	assert.Contains(t, w.Error.Message, "kaboom")

	var action *aggregate.ActivityRecord
	for i := range w.Activities {
		if w.Activities[i].Type == schema.ActivityTypeAction {
			action = &w.Activities[i]
		}
	}
	require.NotNil(t, action)
	assert.Equal(t, schema.ActivityStatusFaulted, action.Status)
}

func TestRunner_UnknownDefinitionFaults(t *testing.T) {
	def := greetingWorkflow()
	env := newRunnerEnv(t, nil)
	id := env.startInstance(t, def, "k1", nil)

	env.runToEnd(t, id)

	w := env.load(t, id)
	require.Equal(t, schema.InstanceStatusFaulted, w.Status)
	assert.Equal(t, schema.ErrCodeNotFound, w.Error.Code)
}

func TestRunner_IgnoresInstanceNotRunning(t *testing.T) {
	def := greetingWorkflow()
	env := newRunnerEnv(t, nil, def)
	w, err := aggregate.NewWorkflowInstance(time.Now(), aggregate.NewInstanceParams{
		DefinitionID: def.ID, WorkflowRef: def.Ref(), Key: "pending",
	})
	require.NoError(t, err)
	repo := store.NewRepository[*aggregate.WorkflowInstance](env.store, aggregate.TypeInstance)
	require.NoError(t, repo.Add(context.Background(), w))
	require.NoError(t, repo.SaveChanges(context.Background()))

	env.runToEnd(t, w.ID)

	loaded := env.load(t, w.ID)
	assert.Equal(t, schema.InstanceStatusPending, loaded.Status)
	assert.Empty(t, loaded.Activities)
	assert.Empty(t, env.finished)
}

func TestRunner_StopAbandonsActivityAndResumeReruns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	def := &schema.WorkflowDefinition{
		ID: "napper",
		States: []schema.StateDefinition{
			{Name: "nap", Type: schema.StateTypeSleep, Duration: schema.Duration(time.Hour), Transition: "wake"},
			{Name: "wake", Type: schema.StateTypeInject, Data: map[string]any{"awake": true}, End: true},
		},
	}
	env := newRunnerEnv(t, clock, def)
	id := env.startInstance(t, def, "k1", map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, env.runner.Run(ctx, id))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.True(t, env.runner.Stop(ctx, id))
	assert.False(t, env.runner.Running(id))

	w := env.load(t, id)
	require.Equal(t, schema.InstanceStatusRunning, w.Status)
	acts := topLevel(w)
	require.Len(t, acts, 2)
	assert.Equal(t, "nap", acts[1].Name)
	assert.False(t, acts[1].Status.Terminal(), "stopped activity is abandoned")

	require.NoError(t, env.runner.Run(ctx, id))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)
	require.NoError(t, env.runner.Wait(ctx, id))

	w = env.load(t, id)
	require.Equal(t, schema.InstanceStatusCompleted, w.Status)
	acts = topLevel(w)
	require.Len(t, acts, 4)
	assert.Equal(t, "nap", acts[2].Name)
	assert.NotEqual(t, acts[1].ID, acts[2].ID)
	assert.Equal(t, schema.ActivityStatusCompleted, acts[2].Status)
	assert.Equal(t, map[string]any{"awake": true}, w.Output)
}

func TestRunner_RecoverRunsRunningInstances(t *testing.T) {
	def := greetingWorkflow()
	env := newRunnerEnv(t, nil, def)
	a := env.startInstance(t, def, "a", map[string]any{"name": "ada"})
	b := env.startInstance(t, def, "b", map[string]any{"name": "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := env.runner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, env.runner.Wait(ctx, a))
	require.NoError(t, env.runner.Wait(ctx, b))

	assert.Equal(t, schema.InstanceStatusCompleted, env.load(t, a).Status)
	wb := env.load(t, b)
	assert.Equal(t, schema.InstanceStatusCompleted, wb.Status)
	assert.Equal(t, map[string]any{"name": "bob", "greeting": "hello bob"}, wb.Output)
}

func TestRunner_RunIsIdempotentWhileActive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	def := &schema.WorkflowDefinition{
		ID:     "napper",
		States: []schema.StateDefinition{{Name: "nap", Type: schema.StateTypeSleep, Duration: schema.Duration(time.Minute), End: true}},
	}
	env := newRunnerEnv(t, clock, def)
	id := env.startInstance(t, def, "k1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.runner.Run(ctx, id))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, env.runner.Run(ctx, id))
	clock.Advance(time.Minute)
	require.NoError(t, env.runner.Wait(ctx, id))

	w := env.load(t, id)
	assert.Equal(t, schema.InstanceStatusCompleted, w.Status)
	assert.Len(t, topLevel(w), 2)
}

func TestResumeFrom(t *testing.T) {
	completed := func(name, next string) aggregate.ActivityRecord {
		return aggregate.ActivityRecord{ID: name, Name: name, Type: schema.ActivityTypeInject, Status: schema.ActivityStatusCompleted, Output: name, Next: next}
	}

	t.Run("empty journal starts", func(t *testing.T) {
		w := &aggregate.WorkflowInstance{}
		w.InputData = "in"
		next, out := resumeFrom(w)
		require.Nil(t, out)
		assert.True(t, next.start)
		assert.Equal(t, "in", next.input)
	})

	t.Run("follows last transition", func(t *testing.T) {
		w := &aggregate.WorkflowInstance{}
		w.Activities = []aggregate.ActivityRecord{completed("a", "b")}
		next, out := resumeFrom(w)
		require.Nil(t, out)
		assert.Equal(t, "b", next.state)
		assert.Equal(t, "a", next.input)
	})

	t.Run("ignores child activities", func(t *testing.T) {
		w := &aggregate.WorkflowInstance{}
		w.Activities = []aggregate.ActivityRecord{
			completed("a", ""),
			{ID: "child", ParentID: "a", Type: schema.ActivityTypeAction, Status: schema.ActivityStatusPending},
		}
		next, out := resumeFrom(w)
		require.Nil(t, next)
		assert.Equal(t, "a", out.output)
	})

	t.Run("reruns abandoned state", func(t *testing.T) {
		w := &aggregate.WorkflowInstance{}
		w.Activities = []aggregate.ActivityRecord{
			completed("a", "b"),
			{ID: "b1", Name: "b", Type: schema.ActivityTypeSleep, Status: schema.ActivityStatusPending, Input: "a"},
		}
		next, out := resumeFrom(w)
		require.Nil(t, out)
		assert.Equal(t, "b", next.state)
		assert.Equal(t, "a", next.input)
	})

	t.Run("faulted state faults instance", func(t *testing.T) {
		w := &aggregate.WorkflowInstance{}
		w.Activities = []aggregate.ActivityRecord{
			{ID: "x", Name: "x", Status: schema.ActivityStatusFaulted, Error: &aggregate.Fault{Code: schema.ErrCodeTimeout, Message: "late"}},
		}
		next, out := resumeFrom(w)
		require.Nil(t, next)
		assert.True(t, schema.IsCode(out.err, schema.ErrCodeTimeout))
	})
}
