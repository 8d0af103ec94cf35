package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// TestMCPIntegration builds a mock MCP server and tests the full flow:
// spawn, initialize handshake, tools/list discovery, tools/call, shutdown.
func TestMCPIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mockBin := buildMockMCPServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	t.Run("spawn and discover tools", func(t *testing.T) {
		proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("SpawnMCP: %v", err)
		}
		defer proc.Shutdown(2 * time.Second)

		names := proc.ToolNames()
		if len(names) == 0 {
			t.Fatal("expected discovered tools, got none")
		}
		if !containsName(names, "echo") {
			t.Error("expected 'echo' tool to be discovered")
		}
		if !containsName(names, "lookup_lead") {
			t.Error("expected 'lookup_lead' tool to be discovered")
		}
	})

	t.Run("call echo tool", func(t *testing.T) {
		proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("SpawnMCP: %v", err)
		}
		defer proc.Shutdown(2 * time.Second)

		result, err := proc.CallTool(ctx, "echo", map[string]any{
			"message": "hello-from-mcp",
		})
		if err != nil {
			t.Fatalf("CallTool echo: %v", err)
		}
		if result != "hello-from-mcp" {
			t.Errorf("result = %q, want %q", result, "hello-from-mcp")
		}
	})

	t.Run("call returns JSON text", func(t *testing.T) {
		proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("SpawnMCP: %v", err)
		}
		defer proc.Shutdown(2 * time.Second)

		result, err := proc.CallTool(ctx, "lookup_lead", nil)
		if err != nil {
			t.Fatalf("CallTool lookup_lead: %v", err)
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(result), &record); err != nil {
			t.Fatalf("result %q is not JSON: %v", result, err)
		}
		if record["lead_id"] != "lead-42" {
			t.Errorf("lead_id = %v, want lead-42", record["lead_id"])
		}
	})

	t.Run("tool error", func(t *testing.T) {
		proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("SpawnMCP: %v", err)
		}
		defer proc.Shutdown(2 * time.Second)

		_, err = proc.CallTool(ctx, "failing", nil)
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "something went wrong") {
			t.Errorf("error = %q, expected 'something went wrong'", err.Error())
		}
	})

	t.Run("multiple calls reuse process", func(t *testing.T) {
		proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("SpawnMCP: %v", err)
		}
		defer proc.Shutdown(2 * time.Second)

		for i := 0; i < 3; i++ {
			result, err := proc.CallTool(ctx, "echo", map[string]any{"message": "iteration"})
			if err != nil {
				t.Fatalf("call iteration %d: %v", i, err)
			}
			if result != "iteration" {
				t.Errorf("iteration %d: got %q, want %q", i, result, "iteration")
			}
		}
	})
}

// TestMCPRegisterAll spawns the mock server, registers its tools into a
// registry under a namespace, and invokes them through the Tool interface.
func TestMCPRegisterAll(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mockBin := buildMockMCPServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	proc, err := SpawnMCP(ctx, mockBin, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("SpawnMCP: %v", err)
	}
	defer proc.Shutdown(2 * time.Second)

	reg := NewRegistry()
	proc.RegisterAll(reg, "crm")

	if _, ok := reg.Lookup("crm.echo"); !ok {
		t.Fatalf("crm.echo not registered; registry holds %v", reg.Names())
	}

	out, err := Invoke(ctx, reg, "crm.echo", map[string]any{"message": "via-registry"})
	if err != nil {
		t.Fatalf("Invoke crm.echo: %v", err)
	}
	if out != "via-registry" {
		t.Errorf("out = %v, want via-registry", out)
	}

	if _, err := Invoke(ctx, reg, "crm.nonexistent", nil); err == nil {
		t.Error("expected tool-not-found error for unregistered name")
	}
}

func buildMockMCPServer(t *testing.T) string {
	t.Helper()
	mockSrc := filepath.Join("..", "..", "testdata", "tools", "mock-mcp-server.go")
	if _, err := os.Stat(mockSrc); err != nil {
		t.Fatalf("mock MCP server source not found: %v", err)
	}

	ext := ""
	if runtime.GOOS == "windows" {
		ext = ".exe"
	}
	mockBin := filepath.Join(t.TempDir(), "mock-mcp-server"+ext)

	buildCmd := exec.Command("go", "build", "-o", mockBin, mockSrc)
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		t.Fatalf("build mock MCP server: %v", err)
	}
	return mockBin
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
