package executors

import (
	"context"

	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
)

// AwaitingReview is the status a human_review step reports in its output.
// The engine sees it and pauses the run without following any transition.
const AwaitingReview = "awaiting_review"

// HumanReviewExecutor does not block waiting for a person. It records what
// the reviewer needs to see and returns immediately; pausing and resuming
// the run is the engine's and the store's job.
type HumanReviewExecutor struct{}

func (e *HumanReviewExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	output := map[string]any{"status": AwaitingReview}
	if cfg := step.Review; cfg != nil {
		if cfg.Instructions != "" {
			output["instructions"] = template.Interpolate(cfg.Instructions, ec.TemplateContext())
		}
		if cfg.Assignee != "" {
			output["assignee"] = cfg.Assignee
		}
	}
	return &StepResult{Success: true, Output: output}, nil
}
