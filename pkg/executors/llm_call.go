package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matterdesk/protoflow/pkg/llm"
	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
)

// LLMCallExecutor sends an interpolated prompt to the language model.
//
// A transport failure fails the step. A malformed JSON reply when a
// structured response was requested does NOT: the model answered, so the
// step succeeds with {raw_response, parse_error: true} and downstream
// routing decides what to do with it.
type LLMCallExecutor struct {
	Client llm.Client
}

func (e *LLMCallExecutor) Execute(ctx context.Context, ec *ExecutionContext, step *schema.Step) (*StepResult, error) {
	cfg := step.LLM
	if cfg == nil {
		return Failure(ErrKindBadConfig, fmt.Errorf("step %q: llm_call step has no llm config", step.ID)), nil
	}
	if e.Client == nil {
		return Failure(ErrKindLLMTransport, fmt.Errorf("step %q: no llm client configured", step.ID)), nil
	}

	tctx := ec.TemplateContext()
	var messages []llm.Message
	if cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: template.Interpolate(cfg.SystemPrompt, tctx)})
	}
	messages = append(messages, llm.Message{Role: "user", Content: template.Interpolate(cfg.UserPromptTemplate, tctx)})

	req := llm.Request{
		Model:          cfg.Model,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Messages:       messages,
		ResponseFormat: cfg.ResponseFormat,
	}
	if req.Model == "" {
		req.Model = e.Client.ModelName()
	}
	if cfg.OutputSchema != nil && req.ResponseFormat == "" {
		req.ResponseFormat = "json"
	}

	resp, err := e.Client.Complete(ctx, req)
	if err != nil {
		return Failure(ErrKindLLMTransport, fmt.Errorf("step %q: llm call: %w", step.ID, err)), nil
	}

	result := &StepResult{Success: true, TokensUsed: resp.TotalTokens}
	if req.ResponseFormat == "json" {
		result.Output = parseStructured(resp.Content, cfg.OutputSchema)
	} else {
		result.Output = map[string]any{"content": resp.Content}
	}
	return result, nil
}

// parseStructured decodes a JSON reply. Parse failure is a data condition,
// not a step failure: the raw text is preserved and flagged.
func parseStructured(raw string, outputSchema map[string]any) map[string]any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]any{"raw_response": raw, "parse_error": true}
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		obj = map[string]any{"content": parsed}
	}
	if outputSchema != nil {
		if err := validateAgainstSchema(parsed, outputSchema); err != nil {
			return map[string]any{"raw_response": raw, "parse_error": true, "schema_error": err.Error()}
		}
	}
	return obj
}
