// Package executors implements the per-step-type execution strategies the
// engine dispatches to. Each executor receives the shared execution context
// and returns a uniform StepResult envelope; the engine owns timeouts,
// retries and routing.
package executors

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/matterdesk/protoflow/pkg/llm"
	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
	"github.com/matterdesk/protoflow/pkg/tools"
)

// Error kinds carried on failed StepResults. The repair controller maps
// these onto its error classes when diagnosing a failed run.
const (
	ErrKindTimeout      = "timeout_exceeded"
	ErrKindToolNotFound = "tool_not_found"
	ErrKindToolFailure  = "tool_execution_failure"
	ErrKindLLMTransport = "llm_transport_failure"
	ErrKindCondition    = "condition_error"
	ErrKindBadConfig    = "invalid_step_config"
	ErrKindUnknownStep  = "unknown_step"
)

// StepResult is the uniform envelope every executor returns. A failed step
// sets Success=false and Error; Output is executor-specific and lands in the
// execution context's step_outputs under the step id.
type StepResult struct {
	Success         bool           `json:"success"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	TokensUsed      int            `json:"tokens_used,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// Failure builds a failed result with the given kind and error.
func Failure(kind string, err error) *StepResult {
	return &StepResult{Success: false, Error: err.Error(), ErrorKind: kind}
}

// ExecutionContext is the mutable state of one run, threaded through every
// step. Scaffold is set once by hydration; StepOutputs is append-only, one
// entry per completed step.
type ExecutionContext struct {
	ExecutionID string
	WorkspaceID string
	Protocol    *schema.Protocol

	Inputs      map[string]any
	Scaffold    map[string]any
	StepOutputs map[string]any
	Variables   map[string]any
}

// NewExecutionContext initializes an empty context for the given run.
func NewExecutionContext(executionID, workspaceID string, proto *schema.Protocol, inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkspaceID: workspaceID,
		Protocol:    proto,
		Inputs:      inputs,
		Scaffold:    map[string]any{},
		StepOutputs: map[string]any{},
		Variables:   map[string]any{},
	}
}

// TemplateContext exposes the execution state under the names templates
// reference. "steps" is an alias for "step_outputs".
func (ec *ExecutionContext) TemplateContext() map[string]any {
	return map[string]any{
		"execution_id": ec.ExecutionID,
		"workspace_id": ec.WorkspaceID,
		"inputs":       ec.Inputs,
		"scaffold":     ec.Scaffold,
		"step_outputs": ec.StepOutputs,
		"steps":        ec.StepOutputs,
		"variables":    ec.Variables,
	}
}

// RecordOutput stores a completed step's output under its id.
func (ec *ExecutionContext) RecordOutput(stepID string, output map[string]any) {
	ec.StepOutputs[stepID] = output
}

// childView returns a context sharing the parent's read-only state but with
// an isolated step_outputs copy, so parallel branches cannot observe each
// other's writes mid-flight.
func (ec *ExecutionContext) childView() *ExecutionContext {
	outputs := make(map[string]any, len(ec.StepOutputs))
	for k, v := range ec.StepOutputs {
		outputs[k] = v
	}
	return &ExecutionContext{
		ExecutionID: ec.ExecutionID,
		WorkspaceID: ec.WorkspaceID,
		Protocol:    ec.Protocol,
		Inputs:      ec.Inputs,
		Scaffold:    ec.Scaffold,
		StepOutputs: outputs,
		Variables:   ec.Variables,
	}
}

// StepExecutor runs one step type. Implementations report step failures
// inside the StepResult; the error return is reserved for conditions that
// make the result itself meaningless.
type StepExecutor interface {
	Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error)
}

// Dispatcher routes a step to the executor for its type. The set of types
// is sealed: an unknown type is an explicit error, never a silent skip.
type Dispatcher struct {
	llmCall     *LLMCallExecutor
	conditional *ConditionalExecutor
	tool        *ToolExecutionExecutor
	wait        *WaitExecutor
	review      *HumanReviewExecutor
	parallel    *ParallelExecutor
}

// NewDispatcher wires the six step executors around the given collaborators.
func NewDispatcher(client llm.Client, registry tools.Registry) *Dispatcher {
	d := &Dispatcher{
		llmCall:     &LLMCallExecutor{Client: client},
		conditional: &ConditionalExecutor{},
		tool:        &ToolExecutionExecutor{Registry: registry},
		wait:        &WaitExecutor{},
		review:      &HumanReviewExecutor{},
	}
	d.parallel = &ParallelExecutor{Dispatch: d}
	return d
}

// Execute dispatches the step by type.
func (d *Dispatcher) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	switch step.Type {
	case schema.StepLLMCall:
		return d.llmCall.Execute(ctx, ec, step)
	case schema.StepConditional:
		return d.conditional.Execute(ctx, ec, step)
	case schema.StepToolExecution:
		return d.tool.Execute(ctx, ec, step)
	case schema.StepWait:
		return d.wait.Execute(ctx, ec, step)
	case schema.StepHumanReview:
		return d.review.Execute(ctx, ec, step)
	case schema.StepParallel:
		return d.parallel.Execute(ctx, ec, step)
	default:
		return nil, fmt.Errorf("step %q: no executor for step type %q", step.ID, step.Type)
	}
}

// EvalCondition interpolates the expression against the execution context,
// then evaluates it as a side-effect-free boolean. Used both by conditional
// steps and by on_condition transition routing.
func EvalCondition(cond string, ec *ExecutionContext) (bool, error) {
	interpolated := template.Interpolate(cond, ec.TemplateContext())

	program, err := expr.Compile(interpolated, expr.Env(ec.TemplateContext()), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", interpolated, err)
	}
	out, err := expr.Run(program, ec.TemplateContext())
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", interpolated, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", interpolated)
	}
	return b, nil
}
