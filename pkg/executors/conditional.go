package executors

import (
	"context"
	"fmt"

	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
)

// ConditionalExecutor evaluates a boolean expression and emits the chosen
// branch as output.next_step. The engine honors that choice over any
// declarative transition for the step.
type ConditionalExecutor struct{}

func (e *ConditionalExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	cfg := step.Cond
	if cfg == nil {
		return Failure(ErrKindBadConfig, fmt.Errorf("step %q: conditional step has no condition config", step.ID)), nil
	}

	result, err := EvalCondition(cfg.Condition, ec)
	if err != nil {
		return Failure(ErrKindCondition, fmt.Errorf("step %q: %w", step.ID, err)), nil
	}

	next := cfg.IfFalse
	if result {
		next = cfg.IfTrue
	}
	return &StepResult{
		Success: true,
		Output: map[string]any{
			"condition":        template.Interpolate(cfg.Condition, ec.TemplateContext()),
			"condition_result": result,
			"next_step":        next,
		},
	}, nil
}
