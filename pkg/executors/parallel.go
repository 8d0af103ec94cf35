package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// ParallelExecutor fans the referenced steps out onto goroutines and joins
// them all before returning. Each branch runs against an isolated view of
// step_outputs; the merged results land after the join, so branches never
// observe each other mid-flight.
//
// The parallel step succeeds only if every branch succeeds, and its
// execution time is the slowest branch, not the sum.
type ParallelExecutor struct {
	Dispatch *Dispatcher
}

type branchResult struct {
	stepID string
	result *StepResult
	err    error
}

func (e *ParallelExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	cfg := step.Parallel
	if cfg == nil || len(cfg.Steps) == 0 {
		return Failure(ErrKindBadConfig, fmt.Errorf("step %q: parallel step has no sub-steps", step.ID)), nil
	}

	results := make([]branchResult, len(cfg.Steps))
	var wg sync.WaitGroup
	for i, ref := range cfg.Steps {
		child := ec.Protocol.StepByID(ref)
		if child == nil {
			results[i] = branchResult{stepID: ref, err: fmt.Errorf("step %q: parallel references unknown step %q", step.ID, ref)}
			continue
		}

		wg.Add(1)
		go func(i int, child *schema.Step) {
			defer wg.Done()
			results[i] = branchResult{stepID: child.ID, result: e.runBranch(ctx, ec.childView(), child)}
		}(i, child)
	}
	wg.Wait()

	output := make(map[string]any, len(results))
	var failed []string
	var maxMS int64
	tokens := 0
	allOK := true

	for _, br := range results {
		if br.err != nil {
			allOK = false
			failed = append(failed, br.stepID)
			output[br.stepID] = map[string]any{"success": false, "error": br.err.Error()}
			continue
		}
		r := br.result
		entry := map[string]any{
			"success":           r.Success,
			"output":            r.Output,
			"execution_time_ms": r.ExecutionTimeMS,
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		output[br.stepID] = entry

		tokens += r.TokensUsed
		if r.ExecutionTimeMS > maxMS {
			maxMS = r.ExecutionTimeMS
		}
		if !r.Success {
			allOK = false
			failed = append(failed, br.stepID)
		} else if r.Output != nil {
			// Successful branch outputs become visible under their own ids
			// for downstream templates.
			ec.RecordOutput(br.stepID, r.Output)
		}
	}

	result := &StepResult{
		Success:         allOK,
		Output:          output,
		TokensUsed:      tokens,
		ExecutionTimeMS: maxMS,
	}
	if !allOK {
		sort.Strings(failed)
		result.Error = fmt.Sprintf("parallel step %q: branch(es) failed: %s", step.ID, strings.Join(failed, ", "))
		result.ErrorKind = ErrKindToolFailure
	}
	return result, nil
}

// runBranch executes one child step under its own timeout and measures it.
func (e *ParallelExecutor) runBranch(ctx context.Context, view *ExecutionContext, child *schema.Step) *StepResult {
	branchCtx, cancel := context.WithTimeout(ctx, time.Duration(child.Timeout())*time.Second)
	defer cancel()

	start := time.Now()
	result, err := e.Dispatch.Execute(branchCtx, view, child)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		kind := ErrKindToolFailure
		if branchCtx.Err() == context.DeadlineExceeded {
			kind = ErrKindTimeout
		}
		result = Failure(kind, err)
	}
	if result.ExecutionTimeMS == 0 {
		result.ExecutionTimeMS = elapsed
	}
	return result
}
