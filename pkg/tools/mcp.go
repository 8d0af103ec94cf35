package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MCPProcess manages a persistent MCP server process. MCP uses JSON-RPC 2.0
// over stdio with an initialization handshake; each tool discovered via
// tools/list can be registered into a Registry.
type MCPProcess struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	reader *bufio.Reader
	nextID int64
	tools  []string // discovered tool names from tools/list
	mu     sync.Mutex
	done   chan struct{}
}

// jsonrpcResponse is a generic JSON-RPC 2.0 response frame.
type jsonrpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mcpContent is an item in an MCP tools/call response content array.
type mcpContent struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
}

// mcpCallResult is the result of an MCP tools/call response.
type mcpCallResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// SpawnMCP starts an MCP server process and performs the initialization
// handshake plus tool discovery.
func SpawnMCP(ctx context.Context, binary string, argv []string, startupTimeout time.Duration) (*MCPProcess, error) {
	cmd := exec.CommandContext(ctx, binary, argv...)
	cmd.Env = os.Environ()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start MCP process %q: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	// Drain stderr in background
	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			fmt.Fprintf(os.Stderr, "  [mcp:%s] %s\n", binary, scanner.Text())
		}
	}()

	p := &MCPProcess{
		cmd:    cmd,
		stdin:  json.NewEncoder(stdinPipe),
		reader: bufio.NewReader(stdout),
		done:   done,
	}

	if startupTimeout <= 0 {
		startupTimeout = 15 * time.Second
	}
	initCtx, initCancel := context.WithTimeout(ctx, startupTimeout)
	defer initCancel()

	if err := p.sendInitialize(initCtx); err != nil {
		p.kill()
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}
	p.sendNotification("notifications/initialized", nil)

	if err := p.discoverTools(initCtx); err != nil {
		fmt.Fprintf(os.Stderr, "  [mcp:%s] warning: tools/list failed: %v\n", binary, err)
		// Non-fatal — tools may be called by name even without discovery
	}

	return p, nil
}

// ToolNames returns the tool names discovered during the handshake.
func (p *MCPProcess) ToolNames() []string {
	return append([]string(nil), p.tools...)
}

// RegisterAll registers every discovered tool into the registry, prefixed
// with the given namespace (e.g. "crm" registers "crm.lookup_lead").
func (p *MCPProcess) RegisterAll(reg *MapRegistry, namespace string) {
	for _, name := range p.tools {
		registered := name
		if namespace != "" {
			registered = namespace + "." + name
		}
		reg.Register(registered, &mcpTool{proc: p, name: name})
	}
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	proc *MCPProcess
	name string
}

// Invoke calls the remote tool. MCP results are text content; the returned
// value is the joined text, which callers re-parse when JSON-shaped.
func (t *mcpTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return t.proc.CallTool(ctx, t.name, params)
}

// sendInitialize sends the MCP initialize request and reads the response.
func (p *MCPProcess) sendInitialize(ctx context.Context) error {
	id := atomic.AddInt64(&p.nextID, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "protoflow",
				"version": "0.1.0",
			},
		},
	}
	if err := p.writeMessage(req); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		return fmt.Errorf("read initialize response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// sendNotification sends a JSON-RPC notification (no id, no response expected).
func (p *MCPProcess) sendNotification(method string, params any) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	p.writeMessage(msg)
}

// discoverTools calls tools/list to discover available tool names.
func (p *MCPProcess) discoverTools(ctx context.Context) error {
	id := atomic.AddInt64(&p.nextID, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/list",
	}
	if err := p.writeMessage(req); err != nil {
		return err
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}

	var listResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	for _, t := range listResult.Tools {
		p.tools = append(p.tools, t.Name)
	}
	return nil
}

// CallTool invokes an MCP tool by name with the given arguments.
func (p *MCPProcess) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return "", fmt.Errorf("MCP process has exited")
	default:
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	if err := p.writeMessage(req); err != nil {
		return "", fmt.Errorf("send tools/call: %w", err)
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		return "", fmt.Errorf("read tools/call response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("tools/call error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}

	var callResult mcpCallResult
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		// Fallback: return raw result as string
		return string(resp.Result), nil
	}

	if callResult.IsError {
		var errTexts []string
		for _, c := range callResult.Content {
			if c.Type == "text" {
				errTexts = append(errTexts, c.Text)
			}
		}
		return "", fmt.Errorf("MCP tool error: %s", strings.Join(errTexts, "; "))
	}

	var texts []string
	for _, c := range callResult.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// Shutdown sends an interrupt and waits up to grace before killing.
func (p *MCPProcess) Shutdown(grace time.Duration) error {
	// MCP has no standard shutdown method — interrupt and wait
	p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.kill()
	}
}

// kill terminates the process.
func (p *MCPProcess) kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// writeMessage encodes and writes a JSON message followed by a newline.
func (p *MCPProcess) writeMessage(msg any) error {
	return p.stdin.Encode(msg)
}

// readResponse reads a single JSON-RPC response, skipping notifications.
func (p *MCPProcess) readResponse(ctx context.Context) (*jsonrpcResponse, error) {
	type readResult struct {
		resp *jsonrpcResponse
		err  error
	}

	ch := make(chan readResult, 1)
	go func() {
		for {
			line, err := p.reader.ReadString('\n')
			if err != nil {
				ch <- readResult{err: fmt.Errorf("read: %w", err)}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var resp jsonrpcResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				continue // skip malformed or notification frames
			}
			if resp.ID == nil {
				continue // notification, keep reading
			}
			ch <- readResult{resp: &resp}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("MCP process exited while awaiting response")
	case r := <-ch:
		return r.resp, r.err
	}
}
