package runtime

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/cadenza/pkg/schema"
)

// OperationProcessor runs the actions of an operation state as child
// processors, one after another or all at once, and folds their results into
// the state data in declaration order.
type OperationProcessor struct {
	stateBase

	mu      sync.Mutex
	index   map[string]int // child activity id -> action index
	results []*Signal
}

func (p *OperationProcessor) Process(ctx context.Context) error {
	actions := p.state.Actions
	p.index = make(map[string]int, len(actions))
	p.results = make([]*Signal, len(actions))

	var err error
	if p.state.ActionMode == schema.ActionModeParallel {
		err = p.runParallel(ctx)
	} else {
		err = p.runSequential(ctx)
	}
	if err != nil {
		return err
	}

	data := p.activity.Output
	for i, sig := range p.results {
		if sig == nil {
			continue
		}
		switch sig.Status {
		case schema.ActivityStatusFaulted:
			return p.OnNext(ctx, Faulted(p.activity, sig.Err))
		case schema.ActivityStatusCompleted:
			data = mergeResult(actions[i].ActionDataFilter, data, sig.Output)
		}
	}
	return p.complete(ctx, p, data, p.transition())
}

// runSequential feeds each action the data produced so far and stops at the
// first fault.
func (p *OperationProcessor) runSequential(ctx context.Context) error {
	data := p.activity.Output
	for i := range p.state.Actions {
		def := &p.state.Actions[i]
		child := p.spawn(i, def, data)
		if err := p.rc.Execute(ctx, child); err != nil {
			return err
		}
		sig := p.result(i)
		if sig == nil {
			continue
		}
		if sig.Status == schema.ActivityStatusFaulted {
			return nil
		}
		if sig.Status == schema.ActivityStatusCompleted {
			data = mergeResult(def.ActionDataFilter, data, sig.Output)
		}
	}
	return nil
}

func (p *OperationProcessor) runParallel(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	input := p.activity.Output
	for i := range p.state.Actions {
		child := p.spawn(i, &p.state.Actions[i], input)
		g.Go(func() error {
			return p.rc.Execute(gctx, child)
		})
	}
	return g.Wait()
}

func (p *OperationProcessor) spawn(i int, def *schema.ActionDefinition, input any) *ActionProcessor {
	child := NewActionProcessor(p.rc, p, p.activity.ID, def, input)
	p.mu.Lock()
	p.index[child.activity.ID] = i
	p.mu.Unlock()
	return child
}

func (p *OperationProcessor) result(i int) *Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[i]
}

// OnNext records child signals and forwards the operation's own.
func (p *OperationProcessor) OnNext(ctx context.Context, sig Signal) error {
	if sig.Activity != p.activity {
		p.mu.Lock()
		defer p.mu.Unlock()
		if i, ok := p.index[sig.Activity.ID]; ok {
			p.results[i] = &sig
		}
		return nil
	}
	return p.forward(ctx, sig)
}
