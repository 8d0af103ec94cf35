package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/matterdesk/protoflow/pkg/diagram"
	"github.com/matterdesk/protoflow/pkg/runtime"
	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/store"
)

// Handlers binds the MCP tools to a live engine and store.
type Handlers struct {
	Engine *runtime.Engine
	Store  *store.FS
}

// HandleValidate implements the protoflow/validate MCP tool.
func (h *Handlers) HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	p, errs := schema.ValidateFile(path)
	if len(errs) > 0 {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s v%d is valid (%d steps)",
		p.Metadata.Name, p.Metadata.Version, len(p.Steps))), nil
}

// HandleRun implements the protoflow/run MCP tool.
func (h *Handlers) HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name, _ := args["protocol"].(string)
	if name == "" {
		return errorResult("protocol argument is required"), nil
	}

	version := 0
	if v, ok := args["version"].(float64); ok {
		version = int(v)
	}
	inputs, _ := args["inputs"].(map[string]any)
	workspaceID, _ := args["workspace_id"].(string)

	rec, err := h.Engine.Execute(ctx, runtime.ExecutionRequest{
		ProtocolName: name,
		Version:      version,
		Inputs:       inputs,
		WorkspaceID:  workspaceID,
		Trigger:      runtime.TriggerEvent,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return recordResult(rec), nil
}

// HandleResume implements the protoflow/resume MCP tool.
func (h *Handlers) HandleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	executionID, _ := args["execution_id"].(string)
	if executionID == "" {
		return errorResult("execution_id argument is required"), nil
	}
	approve, _ := args["approve"].(bool)
	notes, _ := args["notes"].(string)

	rec, err := h.Engine.Resume(ctx, executionID, runtime.ReviewDecision{
		Approved:   approve,
		Notes:      notes,
		ReviewedBy: "mcp-agent",
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return recordResult(rec), nil
}

// HandleGetExecution implements the protoflow/get_execution MCP tool.
func (h *Handlers) HandleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	executionID, _ := args["execution_id"].(string)

	if executionID != "" {
		rec, err := h.Store.Load(executionID)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		data, _ := json.MarshalIndent(rec, "", "  ")
		return textResult(string(data)), nil
	}

	recs, err := h.Store.List()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	summaries := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, map[string]any{
			"execution_id": rec.ExecutionID,
			"protocol":     fmt.Sprintf("%s v%d", rec.ProtocolName, rec.ProtocolVersion),
			"status":       rec.Status,
			"current_step": rec.CurrentStep,
			"started_at":   rec.StartedAt,
		})
	}
	data, _ := json.MarshalIndent(summaries, "", "  ")
	return textResult(string(data)), nil
}

// HandleDiagram implements the protoflow/diagram MCP tool.
func (h *Handlers) HandleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name, _ := args["protocol"].(string)
	if name == "" {
		return errorResult("protocol argument is required"), nil
	}
	format := diagram.FormatMermaid
	if f, ok := args["format"].(string); ok && f != "" {
		format = diagram.Format(f)
	}

	p, err := h.Store.Latest(ctx, name)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	out, err := diagram.Generate(p, format)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

// HandleSchema implements the protoflow/schema MCP tool.
func (h *Handlers) HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// recordResult renders an execution record; failed runs flag IsError so
// agents notice without parsing.
func recordResult(rec *runtime.ExecutionRecord) *mcp.CallToolResult {
	response := map[string]any{
		"execution_id": rec.ExecutionID,
		"protocol":     fmt.Sprintf("%s v%d", rec.ProtocolName, rec.ProtocolVersion),
		"status":       rec.Status,
		"steps":        len(rec.StepsCompleted),
		"llm_calls":    rec.LLMCalls,
		"total_tokens": rec.TotalTokens,
	}
	if rec.Status == runtime.StatusPaused {
		response["current_step"] = rec.CurrentStep
	}
	if rec.Error != "" {
		response["error"] = rec.Error
		response["error_kind"] = rec.ErrorKind
	}
	data, _ := json.MarshalIndent(response, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: rec.Status == runtime.StatusFailed,
	}
}

func formatErrors(errs []*schema.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
