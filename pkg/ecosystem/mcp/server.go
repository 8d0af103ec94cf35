// Package mcp exposes the protocol engine to AI agents over the Model
// Context Protocol: run and validate protocols, inspect executions, resume
// paused runs, and render diagrams.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server with the protoflow tools registered.
func NewServer(version string, h *Handlers) *server.MCPServer {
	s := server.NewMCPServer(
		"protoflow",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("protoflow/validate",
			mcp.WithDescription("Validate a protocol YAML file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the protocol YAML file")),
		),
		h.HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("protoflow/run",
			mcp.WithDescription("Run a published protocol with the given inputs"),
			mcp.WithString("protocol", mcp.Required(), mcp.Description("Protocol name")),
			mcp.WithNumber("version", mcp.Description("Protocol version (default: latest)")),
			mcp.WithObject("inputs", mcp.Description("Input values, keyed by input name")),
			mcp.WithString("workspace_id", mcp.Description("Workspace the run belongs to")),
		),
		h.HandleRun,
	)

	s.AddTool(
		mcp.NewTool("protoflow/resume",
			mcp.WithDescription("Resume a paused execution with a review decision"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The paused execution")),
			mcp.WithBoolean("approve", mcp.Required(), mcp.Description("Approve or reject the review")),
			mcp.WithString("notes", mcp.Description("Reviewer notes")),
		),
		h.HandleResume,
	)

	s.AddTool(
		mcp.NewTool("protoflow/get_execution",
			mcp.WithDescription("Fetch one execution record, or list recent executions when no id is given"),
			mcp.WithString("execution_id", mcp.Description("Execution id (optional)")),
		),
		h.HandleGetExecution,
	)

	s.AddTool(
		mcp.NewTool("protoflow/diagram",
			mcp.WithDescription("Render a protocol's step graph"),
			mcp.WithString("protocol", mcp.Required(), mcp.Description("Protocol name")),
			mcp.WithString("format", mcp.Description("Diagram format: mermaid (default) or ascii")),
		),
		h.HandleDiagram,
	)

	s.AddTool(
		mcp.NewTool("protoflow/schema",
			mcp.WithDescription("Export the protocol JSON Schema"),
		),
		h.HandleSchema,
	)

	return s
}
