package runtime

import "context"

// SleepProcessor waits for the state duration and passes its data through.
type SleepProcessor struct {
	stateBase
}

func (p *SleepProcessor) Process(ctx context.Context) error {
	if err := p.rc.sleep(ctx, p.state.Duration.Std()); err != nil {
		return err
	}
	return p.complete(ctx, p, p.activity.Output, p.transition())
}
