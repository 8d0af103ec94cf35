package runtime

import (
	"context"
	"fmt"

	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/schema"
)

// Resume continues a paused run with a review decision. Approval routes
// through the review step's success transition; rejection takes its
// on_failure edge when one exists and otherwise fails the run.
//
// The protocol version is pinned at execution start: a resume always runs
// the version the execution began with, even if a newer one was published
// while the run sat paused.
func (e *Engine) Resume(ctx context.Context, executionID string, decision ReviewDecision) (*ExecutionRecord, error) {
	rec, err := e.Store.Load(executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if rec.Status != StatusPaused {
		return nil, fmt.Errorf("execution %s is %s, only paused executions can be resumed", executionID, rec.Status)
	}

	proto, err := e.Protocols.Version(ctx, rec.ProtocolName, rec.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("load protocol %s v%d: %w", rec.ProtocolName, rec.ProtocolVersion, err)
	}

	step := proto.StepByID(rec.CurrentStep)
	if step == nil || step.Type != schema.StepHumanReview {
		return nil, fmt.Errorf("execution %s paused at %q, which is not a human_review step in %s v%d",
			executionID, rec.CurrentStep, rec.ProtocolName, rec.ProtocolVersion)
	}

	ec := rehydrateContext(proto, rec)

	// Fold the decision into the review step's output so downstream steps
	// can reference it.
	review := map[string]any{"status": "approved", "approved": decision.Approved}
	if !decision.Approved {
		review["status"] = "rejected"
	}
	if decision.ReviewedBy != "" {
		review["reviewed_by"] = decision.ReviewedBy
	}
	if decision.Notes != "" {
		review["notes"] = decision.Notes
	}
	if prior, ok := ec.StepOutputs[step.ID].(map[string]any); ok {
		for k, v := range review {
			prior[k] = v
		}
		review = prior
	}
	ec.RecordOutput(step.ID, review)
	rec.StepOutputs = ec.StepOutputs

	rec.Status = StatusRunning
	ev := event(rec.ExecutionID, "execution_resumed", step.ID)
	ev.Success = decision.Approved
	e.trace(ev)
	e.persist(rec)
	fmt.Fprintf(e.out(), "▶ Resuming %s at step %q (approved=%t)\n", executionID, step.ID, decision.Approved)

	if decision.Approved {
		next := e.routeSuccess(proto, step, &executors.StepResult{Success: true, Output: review}, ec, rec)
		e.runLoop(ctx, proto, ec, rec, next)
		return rec, nil
	}

	if t, ok := proto.Transitions[step.ID]; ok && t.OnFailure != "" {
		e.runLoop(ctx, proto, ec, rec, t.OnFailure)
		return rec, nil
	}
	e.failRun(rec, ErrKindReviewRejected,
		fmt.Errorf("review at step %q rejected by %s", step.ID, orUnknown(decision.ReviewedBy)))
	return rec, nil
}

// rehydrateContext rebuilds the in-memory execution context from a persisted
// record. Scaffold data is reused as persisted, not re-fetched.
func rehydrateContext(proto *schema.Protocol, rec *ExecutionRecord) *executors.ExecutionContext {
	ec := executors.NewExecutionContext(rec.ExecutionID, rec.WorkspaceID, proto, rec.Inputs)
	if rec.Scaffold != nil {
		ec.Scaffold = rec.Scaffold
	}
	if rec.StepOutputs != nil {
		ec.StepOutputs = rec.StepOutputs
	}
	if rec.Variables != nil {
		ec.Variables = rec.Variables
	}
	return ec
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown reviewer"
	}
	return s
}
