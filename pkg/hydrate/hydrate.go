// Package hydrate fetches a protocol's scaffold context before the step
// loop starts. Sources are fetched concurrently; a failing source yields a
// null value for its key rather than aborting the run, and every source's
// result is truncated to its token budget.
package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/template"
	"github.com/matterdesk/protoflow/pkg/tools"
)

// CharsPerToken approximates the byte cost of one token for budgeting.
const CharsPerToken = 4

// Hydrator fetches the declared context sources for one run.
type Hydrator interface {
	Hydrate(ctx context.Context, scaffold schema.Scaffold, inputs map[string]any, workspaceID string) (map[string]any, error)
}

// SourceHydrator resolves tool-backed and static context sources through a
// tool registry. It is stateless and safe for concurrent use.
type SourceHydrator struct {
	Registry tools.Registry
}

// NewSourceHydrator creates a hydrator backed by the given registry.
func NewSourceHydrator(reg tools.Registry) *SourceHydrator {
	return &SourceHydrator{Registry: reg}
}

// Hydrate fans out one fetch per context source and joins the results.
// The returned map has one key per declared source; failed sources map to
// nil. The error return is reserved for context cancellation.
func (h *SourceHydrator) Hydrate(ctx context.Context, scaffold schema.Scaffold, inputs map[string]any, workspaceID string) (map[string]any, error) {
	results := make(map[string]any, len(scaffold.ContextSources))
	if len(scaffold.ContextSources) == 0 {
		return results, nil
	}

	tmplCtx := map[string]any{
		"inputs":       inputs,
		"workspace_id": workspaceID,
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, src := range scaffold.ContextSources {
		wg.Add(1)
		go func(src schema.ContextSource) {
			defer wg.Done()
			val, err := h.fetch(ctx, src, tmplCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  ⊘ context source %q failed: %v\n", src.Key, err)
				val = nil
			}
			mu.Lock()
			results[src.Key] = Truncate(val, src.Budget())
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// fetch resolves a single source.
func (h *SourceHydrator) fetch(ctx context.Context, src schema.ContextSource, tmplCtx map[string]any) (any, error) {
	switch src.Kind {
	case "static":
		return src.Value, nil
	case "tool":
		params := make(map[string]any, len(src.Params)+1)
		for k, v := range src.Params {
			params[k] = template.Interpolate(v, tmplCtx)
		}
		if src.Query != "" {
			params["query"] = template.Interpolate(src.Query, tmplCtx)
		}
		return tools.Invoke(ctx, h.Registry, src.Tool, params)
	default:
		return nil, fmt.Errorf("unknown context source kind %q", src.Kind)
	}
}

// Truncate clips a source value to a token budget (≈4 chars/token).
// Strings are clipped directly; structured values whose JSON form exceeds
// the budget degrade to a clipped JSON string.
func Truncate(val any, maxTokens int) any {
	if val == nil {
		return nil
	}
	limit := maxTokens * CharsPerToken

	if s, ok := val.(string); ok {
		if len(s) <= limit {
			return s
		}
		return s[:limit]
	}

	data, err := json.Marshal(val)
	if err != nil || len(data) <= limit {
		return val
	}
	return string(data[:limit])
}
