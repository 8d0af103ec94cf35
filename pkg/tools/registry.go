// Package tools implements the tool registry consumed by tool_execution
// steps and tool-backed hydration sources. Tools are shared, stateless
// collaborators safe for concurrent use by many runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when a step names a tool the registry does
// not hold. The engine classifies this failure as fatal-per-step, not as a
// tool execution failure.
var ErrToolNotFound = errors.New("tool not found")

// Tool executes one named capability with already-interpolated parameters.
type Tool interface {
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Func adapts a plain function to the Tool interface.
type Func func(ctx context.Context, params map[string]any) (any, error)

// Invoke calls the wrapped function.
func (f Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Registry resolves tool names to implementations.
type Registry interface {
	Lookup(name string) (Tool, bool)
}

// MapRegistry is an in-memory Registry keyed by tool name.
type MapRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *MapRegistry {
	return &MapRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under the given name, replacing any previous entry.
func (r *MapRegistry) Register(name string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
}

// RegisterFunc adds a function-backed tool under the given name.
func (r *MapRegistry) RegisterFunc(name string, f Func) {
	r.Register(name, f)
}

// Lookup returns the tool registered under name.
func (r *MapRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted names of all registered tools.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke is a convenience that looks up and calls a tool in one step.
func Invoke(ctx context.Context, reg Registry, name string, params map[string]any) (any, error) {
	t, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return t.Invoke(ctx, params)
}
