package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
	"github.com/matterdesk/protoflow/pkg/tools"
)

// ToolExecutionExecutor invokes a registered tool with interpolated params.
type ToolExecutionExecutor struct {
	Registry tools.Registry
}

func (e *ToolExecutionExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	cfg := step.Tool
	if cfg == nil {
		return Failure(ErrKindBadConfig, fmt.Errorf("step %q: tool_execution step has no tool config", step.ID)), nil
	}

	params := InterpolateParams(cfg.Params, ec.TemplateContext())

	out, err := tools.Invoke(ctx, e.Registry, cfg.Name, params)
	if err != nil {
		kind := ErrKindToolFailure
		if errors.Is(err, tools.ErrToolNotFound) {
			kind = ErrKindToolNotFound
		}
		return Failure(kind, fmt.Errorf("step %q: tool %q: %w", step.ID, cfg.Name, err)), nil
	}

	output, ok := out.(map[string]any)
	if !ok {
		output = map[string]any{"result": out}
	}
	return &StepResult{Success: true, Output: output}, nil
}

// InterpolateParams resolves templates in string params. A string that
// interpolates to a JSON object or array is decoded back into structured
// form, so a param like "{{scaffold.tickets}}" passes real data to the
// tool instead of serialized text. Non-string values pass through.
func InterpolateParams(params map[string]any, tctx map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, tctx)
	}
	return out
}

func interpolateValue(v any, tctx map[string]any) any {
	switch t := v.(type) {
	case string:
		s := template.Interpolate(t, tctx)
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
		}
		return s
	case map[string]any:
		return InterpolateParams(t, tctx)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = interpolateValue(item, tctx)
		}
		return out
	default:
		return v
	}
}
