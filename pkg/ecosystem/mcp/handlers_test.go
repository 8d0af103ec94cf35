package mcp

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/runtime"
	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/store"
	"github.com/matterdesk/protoflow/pkg/tools"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	fs, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	reg.RegisterFunc("echo", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params["message"]}, nil
	})

	engine := runtime.NewEngine(fs, fs, nil, executors.NewDispatcher(nil, reg))
	engine.Out = io.Discard

	p := &schema.Protocol{
		APIVersion: "protocol/v1",
		Metadata:   schema.Metadata{Name: "echo-proto", Version: 1},
		Steps: []schema.Step{
			{ID: "say", Type: schema.StepToolExecution,
				Tool: &schema.ToolConfig{Name: "echo", Params: map[string]any{"message": "{{inputs.message}}"}}},
		},
	}
	if err := fs.Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	return &Handlers{Engine: engine, Store: fs}
}

func TestHandleRun(t *testing.T) {
	h := newTestHandlers(t)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"protocol": "echo-proto",
		"inputs":   map[string]any{"message": "hi"},
	}

	result, err := h.HandleRun(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("run failed: %+v", result.Content)
	}
	text := result.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, `"status": "completed"`) {
		t.Fatalf("unexpected response: %s", text)
	}
}

func TestHandleRunMissingProtocol(t *testing.T) {
	h := newTestHandlers(t)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{}

	result, err := h.HandleRun(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for missing protocol argument")
	}
}

func TestHandleRunUnknownProtocolFlagsError(t *testing.T) {
	h := newTestHandlers(t)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"protocol": "missing"}

	result, err := h.HandleRun(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("a failed run must set IsError")
	}
}

func TestHandleGetExecutionList(t *testing.T) {
	h := newTestHandlers(t)

	runReq := mcp.CallToolRequest{}
	runReq.Params.Arguments = map[string]any{"protocol": "echo-proto"}
	if _, err := h.HandleRun(context.Background(), runReq); err != nil {
		t.Fatal(err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{}
	result, err := h.HandleGetExecution(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	text := result.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, "echo-proto v1") {
		t.Fatalf("list missing execution: %s", text)
	}
}

func TestHandleDiagram(t *testing.T) {
	h := newTestHandlers(t)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"protocol": "echo-proto"}

	result, err := h.HandleDiagram(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("diagram failed: %+v", result.Content)
	}
	text := result.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, "flowchart TD") {
		t.Fatalf("unexpected diagram: %s", text)
	}
}

func TestHandleSchema(t *testing.T) {
	h := newTestHandlers(t)

	result, err := h.HandleSchema(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || len(result.Content) == 0 {
		t.Fatal("expected schema content")
	}
}
