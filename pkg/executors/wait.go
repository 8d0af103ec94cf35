package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// WaitExecutor sleeps for the configured duration. The sleep is
// context-aware: a cancelled or timed-out run does not hold the goroutine.
type WaitExecutor struct{}

func (e *WaitExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	cfg := step.Wait
	if cfg == nil {
		return Failure(ErrKindBadConfig, fmt.Errorf("step %q: wait step has no wait config", step.ID)), nil
	}

	d := time.Duration(cfg.Seconds * float64(time.Second))
	start := time.Now()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &StepResult{
		Success: true,
		Output:  map[string]any{"waited_ms": time.Since(start).Milliseconds()},
	}, nil
}
