// Package main provides the protoflow-mcp binary — MCP server for AI agents.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	pfmcp "github.com/matterdesk/protoflow/pkg/ecosystem/mcp"
	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/hydrate"
	"github.com/matterdesk/protoflow/pkg/llm"
	"github.com/matterdesk/protoflow/pkg/runtime"
	"github.com/matterdesk/protoflow/pkg/store"
	"github.com/matterdesk/protoflow/pkg/tools"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	baseDir := os.Getenv("PROTOFLOW_STORE")
	if baseDir == "" {
		baseDir = store.DefaultBaseDir
	}
	fs, err := store.New(baseDir)
	if err != nil {
		return err
	}

	reg := tools.NewRegistry()
	if binary := os.Getenv("PROTOFLOW_MCP_TOOLS"); binary != "" {
		proc, err := tools.SpawnMCP(context.Background(), binary, nil, 10*time.Second)
		if err != nil {
			return fmt.Errorf("spawn tool server %q: %w", binary, err)
		}
		defer proc.Shutdown(2 * time.Second)
		proc.RegisterAll(reg, "tools")
	}

	var client llm.Client
	if os.Getenv("PROTOFLOW_LLM_ENDPOINT") != "" {
		c, err := llm.NewOpenAIClientFromEnv()
		if err != nil {
			return err
		}
		client = c
	}

	engine := runtime.NewEngine(fs, fs, hydrate.NewSourceHydrator(reg), executors.NewDispatcher(client, reg))
	// Progress glyphs would corrupt the stdio JSON-RPC stream.
	engine.Out = os.Stderr

	s := pfmcp.NewServer(version, &pfmcp.Handlers{Engine: engine, Store: fs})
	return server.ServeStdio(s)
}
