package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/hydrate"
	"github.com/matterdesk/protoflow/pkg/schema"
)

// Engine error kinds for failures that happen outside any executor.
const (
	ErrKindProtocolNotFound = "protocol_not_found"
	ErrKindInputValidation  = "input_validation"
	ErrKindStepLimit        = "step_limit_exceeded"
	ErrKindChainDepth       = "chain_depth_exceeded"
	ErrKindReviewRejected   = "review_rejected"
	ErrKindCancelled        = "execution_cancelled"
)

// Engine runs protocols. All collaborators are explicit; nothing is pulled
// from globals, which keeps runs reproducible and tests hermetic.
type Engine struct {
	Protocols ProtocolSource
	Store     ExecutionStore
	Hydrator  hydrate.Hydrator
	Dispatch  *executors.Dispatcher

	// Out receives step-by-step progress. Defaults to os.Stdout.
	Out io.Writer

	// NewID generates execution ids. Defaults to uuid.NewString.
	NewID func() string
}

// NewEngine wires an engine around its collaborators.
func NewEngine(protocols ProtocolSource, store ExecutionStore, hydrator hydrate.Hydrator, dispatch *executors.Dispatcher) *Engine {
	return &Engine{
		Protocols: protocols,
		Store:     store,
		Hydrator:  hydrator,
		Dispatch:  dispatch,
		Out:       os.Stdout,
		NewID:     uuid.NewString,
	}
}

// Execute runs a protocol to completion, pause, or failure. The returned
// record always reflects the outcome; a failed run is a record with
// Status=failed, not a Go error.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{
		ExecutionID:       e.newID(),
		ProtocolName:      req.ProtocolName,
		WorkspaceID:       req.WorkspaceID,
		Status:            StatusPending,
		Trigger:           req.Trigger,
		ParentExecutionID: req.ParentExecutionID,
		ChainDepth:        req.ChainDepth,
		Inputs:            req.Inputs,
		StartedAt:         time.Now().UTC(),
	}
	if rec.Trigger == "" {
		rec.Trigger = TriggerManual
	}

	if req.ChainDepth > MaxChainDepth {
		return e.fail(rec, ErrKindChainDepth,
			fmt.Errorf("chain depth %d exceeds limit %d", req.ChainDepth, MaxChainDepth)), nil
	}

	proto, err := e.loadProtocol(ctx, req)
	if err != nil {
		return e.fail(rec, ErrKindProtocolNotFound, err), nil
	}
	rec.ProtocolVersion = proto.Metadata.Version

	inputs, err := resolveInputs(proto.Scaffold.Inputs, req.Inputs)
	if err != nil {
		return e.fail(rec, ErrKindInputValidation, err), nil
	}
	rec.Inputs = inputs

	ec := executors.NewExecutionContext(rec.ExecutionID, rec.WorkspaceID, proto, inputs)

	rec.Status = StatusRunning
	e.persist(rec)
	e.trace(event(rec.ExecutionID, "execution_started", ""))
	fmt.Fprintf(e.out(), "▶ Protocol: %s v%d [%s]\n", proto.Metadata.Name, proto.Metadata.Version, rec.ExecutionID)

	if e.Hydrator != nil && len(proto.Scaffold.ContextSources) > 0 {
		scaffold, herr := e.Hydrator.Hydrate(ctx, proto.Scaffold, inputs, rec.WorkspaceID)
		if herr != nil {
			return e.fail(rec, ErrKindInputValidation, fmt.Errorf("hydrate scaffold: %w", herr)), nil
		}
		ec.Scaffold = scaffold
	}
	rec.Scaffold = ec.Scaffold

	e.runLoop(ctx, proto, ec, rec, proto.EntryStep())
	return rec, nil
}

// runLoop drives the step loop from the given step until END, pause,
// failure, or the safety limit. It finalizes and persists the record.
func (e *Engine) runLoop(ctx context.Context, proto *schema.Protocol, ec *executors.ExecutionContext, rec *ExecutionRecord, current string) {
	usedFallback := false

	for iteration := 0; ; iteration++ {
		if current == schema.EndStep {
			e.complete(rec)
			return
		}
		if iteration >= SafetyLimit {
			e.failRun(rec, ErrKindStepLimit,
				fmt.Errorf("protocol %q exceeded the %d-step safety limit at step %q", proto.Metadata.Name, SafetyLimit, current))
			return
		}
		if ctx.Err() != nil {
			e.failRun(rec, ErrKindCancelled, fmt.Errorf("execution cancelled: %w", ctx.Err()))
			return
		}

		step := proto.StepByID(current)
		if step == nil {
			e.failRun(rec, executors.ErrKindUnknownStep,
				fmt.Errorf("transition routed to unknown step %q", current))
			return
		}

		rec.CurrentStep = current
		fmt.Fprintf(e.out(), "\n▶ Step: %s [%s]\n", step.Type, step.ID)
		e.trace(event(rec.ExecutionID, "step_started", step.ID))

		result, attempts := e.runStep(ctx, ec, step)
		e.recordStep(rec, step, result, attempts)

		if result.Success {
			fmt.Fprintf(e.out(), "  ✓ Step %q passed (%dms)\n", step.ID, result.ExecutionTimeMS)
			if result.Output != nil {
				ec.RecordOutput(step.ID, result.Output)
				rec.StepOutputs = ec.StepOutputs
			}

			if step.Type == schema.StepHumanReview {
				e.pause(rec, step.ID)
				return
			}

			current = e.routeSuccess(proto, step, result, ec, rec)
			continue
		}

		fmt.Fprintf(e.out(), "  ✗ Step %q failed: %s\n", step.ID, result.Error)

		// Failure routing: an explicit on_failure edge wins, then the
		// protocol-level fallback (once, and never to the failing step
		// itself), then the run fails.
		if t, ok := proto.Transitions[step.ID]; ok && t.OnFailure != "" {
			current = t.OnFailure
			continue
		}
		if fb := globalFallback(proto); fb != "" && !usedFallback && fb != step.ID {
			usedFallback = true
			fmt.Fprintf(e.out(), "  → Fallback: %s\n", fb)
			ev := event(rec.ExecutionID, "fallback_routed", step.ID)
			ev.Next = fb
			e.trace(ev)
			current = fb
			continue
		}

		e.failRun(rec, result.ErrorKind,
			fmt.Errorf("step %q failed after %d attempt(s): %s", step.ID, attempts, result.Error))
		return
	}
}

// runStep executes one step with its timeout and retry policy. Retries are
// linear: sleep backoff_ms * attempt between tries.
func (e *Engine) runStep(ctx context.Context, ec *executors.ExecutionContext, step *schema.Step) (*executors.StepResult, int) {
	attempts := 1
	backoff := 0
	if step.Retry != nil {
		attempts += step.Retry.MaxAttempts
		backoff = step.Retry.BackoffMS
	}
	timeout := time.Duration(step.Timeout()) * time.Second

	var result *executors.StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		r, err := e.Dispatch.Execute(stepCtx, ec, step)
		elapsed := time.Since(start).Milliseconds()
		timedOut := stepCtx.Err() == context.DeadlineExceeded
		cancel()

		if err != nil {
			r = executors.Failure(executors.ErrKindToolFailure, err)
		}
		if !r.Success && timedOut {
			// A timeout is its own failure mode, whatever error the
			// executor surfaced on the way down.
			r.ErrorKind = executors.ErrKindTimeout
			r.Error = fmt.Sprintf("step %q timed out after %s", step.ID, timeout)
		}
		if r.ExecutionTimeMS == 0 {
			r.ExecutionTimeMS = elapsed
		}
		result = r

		if r.Success {
			return result, attempt
		}

		ev := event(ec.ExecutionID, "step_attempt_failed", step.ID)
		ev.Attempt = attempt
		ev.Error = r.Error
		ev.ErrorKind = r.ErrorKind
		ev.DurationMS = r.ExecutionTimeMS
		e.trace(ev)

		if attempt < attempts {
			fmt.Fprintf(e.out(), "  ↻ Retry %d/%d for step %q\n", attempt, attempts-1, step.ID)
			if !sleepCtx(ctx, time.Duration(backoff*attempt)*time.Millisecond) {
				return result, attempt
			}
		}
	}
	return result, attempts
}

// routeSuccess picks the next step after a successful one. A conditional
// step's own branch decision beats any declared transition; then a bare next,
// then on_success, then the first true on_condition entry, then END.
func (e *Engine) routeSuccess(proto *schema.Protocol, step *schema.Step, result *executors.StepResult, ec *executors.ExecutionContext, rec *ExecutionRecord) string {
	if step.Type == schema.StepConditional && result.Output != nil {
		if next, ok := result.Output["next_step"].(string); ok && next != "" {
			return next
		}
	}

	t, ok := proto.Transitions[step.ID]
	if !ok {
		return schema.EndStep
	}
	if t.Next != "" {
		return t.Next
	}
	if t.OnSuccess != "" {
		return t.OnSuccess
	}
	for _, ct := range t.OnCondition {
		match, err := executors.EvalCondition(ct.Condition, ec)
		if err != nil {
			fmt.Fprintf(e.out(), "  ⊘ Transition condition skipped: %v\n", err)
			ev := event(rec.ExecutionID, "transition_condition_error", step.ID)
			ev.Error = err.Error()
			e.trace(ev)
			continue
		}
		if match {
			return ct.Next
		}
	}
	return schema.EndStep
}

func (e *Engine) recordStep(rec *ExecutionRecord, step *schema.Step, result *executors.StepResult, attempts int) {
	now := time.Now().UTC()
	sr := StepRecord{
		StepID:          step.ID,
		Type:            step.Type,
		Attempts:        attempts,
		Success:         result.Success,
		Output:          result.Output,
		Error:           result.Error,
		ErrorKind:       result.ErrorKind,
		TokensUsed:      result.TokensUsed,
		ExecutionTimeMS: result.ExecutionTimeMS,
		StartedAt:       now.Add(-time.Duration(result.ExecutionTimeMS) * time.Millisecond),
		CompletedAt:     now,
	}
	rec.StepsCompleted = append(rec.StepsCompleted, sr)
	if step.Type == schema.StepLLMCall && result.Success {
		rec.LLMCalls++
	}
	rec.TotalTokens += result.TokensUsed

	name := "step_completed"
	if !result.Success {
		name = "step_failed"
	}
	ev := event(rec.ExecutionID, name, step.ID)
	ev.Attempt = attempts
	ev.Success = result.Success
	ev.Error = result.Error
	ev.ErrorKind = result.ErrorKind
	ev.DurationMS = result.ExecutionTimeMS
	ev.Tokens = result.TokensUsed
	e.trace(ev)
	e.persist(rec)
}

func (e *Engine) complete(rec *ExecutionRecord) {
	rec.Status = StatusCompleted
	rec.CurrentStep = ""
	now := time.Now().UTC()
	rec.CompletedAt = &now
	e.trace(event(rec.ExecutionID, "execution_completed", ""))
	e.persist(rec)
	fmt.Fprintf(e.out(), "\n✓ Protocol completed (%d steps, %d tokens)\n", len(rec.StepsCompleted), rec.TotalTokens)
}

func (e *Engine) pause(rec *ExecutionRecord, stepID string) {
	rec.Status = StatusPaused
	rec.CurrentStep = stepID
	e.trace(event(rec.ExecutionID, "execution_paused", stepID))
	e.persist(rec)
	fmt.Fprintf(e.out(), "\n⏸ Paused at step %q awaiting human review\n", stepID)
	fmt.Fprintf(e.out(), "  Resume with: protoflow resume %s --approve\n", rec.ExecutionID)
}

func (e *Engine) failRun(rec *ExecutionRecord, kind string, err error) {
	rec.Status = StatusFailed
	rec.Error = err.Error()
	rec.ErrorKind = kind
	now := time.Now().UTC()
	rec.CompletedAt = &now
	ev := event(rec.ExecutionID, "execution_failed", rec.CurrentStep)
	ev.Error = rec.Error
	ev.ErrorKind = kind
	e.trace(ev)
	e.persist(rec)
	fmt.Fprintf(e.out(), "\n✗ Execution failed: %s\n", rec.Error)
}

// fail finalizes a run that never made it into the step loop.
func (e *Engine) fail(rec *ExecutionRecord, kind string, err error) *ExecutionRecord {
	e.failRun(rec, kind, err)
	return rec
}

func (e *Engine) loadProtocol(ctx context.Context, req ExecutionRequest) (*schema.Protocol, error) {
	if req.Version > 0 {
		return e.Protocols.Version(ctx, req.ProtocolName, req.Version)
	}
	return e.Protocols.Latest(ctx, req.ProtocolName)
}

// resolveInputs validates caller inputs against the scaffold declaration
// and applies defaults for absent optional inputs.
func resolveInputs(defs []schema.InputDef, supplied map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(supplied))
	for k, v := range supplied {
		inputs[k] = v
	}
	for _, def := range defs {
		if _, ok := inputs[def.Name]; ok {
			continue
		}
		if def.Required {
			return nil, fmt.Errorf("required input %q not supplied", def.Name)
		}
		if def.Default != nil {
			inputs[def.Name] = def.Default
		}
	}
	return inputs, nil
}

func globalFallback(proto *schema.Protocol) string {
	if proto.ErrorHandling == nil {
		return ""
	}
	return proto.ErrorHandling.GlobalFallback
}

// persist saves the record. Persistence is best-effort: storage trouble is
// reported but never fails a run.
func (e *Engine) persist(rec *ExecutionRecord) {
	if e.Store == nil {
		return
	}
	if err := e.Store.Save(rec); err != nil {
		fmt.Fprintf(os.Stderr, "⊘ persist execution %s: %v\n", rec.ExecutionID, err)
	}
}

func (e *Engine) trace(ev TraceEvent) {
	if e.Store == nil {
		return
	}
	if err := e.Store.AppendEvent(ev.ExecutionID, ev); err != nil {
		fmt.Fprintf(os.Stderr, "⊘ trace execution %s: %v\n", ev.ExecutionID, err)
	}
}

func (e *Engine) out() io.Writer {
	if e.Out != nil {
		return e.Out
	}
	return os.Stdout
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
