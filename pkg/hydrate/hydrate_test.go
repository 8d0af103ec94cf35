package hydrate

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/tools"
)

func TestHydrateFansOutAndToleratesFailure(t *testing.T) {
	reg := tools.NewRegistry()
	reg.RegisterFunc("lookup_lead", func(ctx context.Context, params map[string]any) (any, error) {
		if params["id"] != "lead-7" {
			t.Errorf("params.id = %v, want lead-7 (interpolated)", params["id"])
		}
		return map[string]any{"name": "Acme"}, nil
	})
	reg.RegisterFunc("broken", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, fmt.Errorf("upstream unavailable")
	})

	scaffold := schema.Scaffold{
		ContextSources: []schema.ContextSource{
			{Key: "lead", Kind: "tool", Tool: "lookup_lead", Params: map[string]string{"id": "{{inputs.lead_id}}"}},
			{Key: "news", Kind: "tool", Tool: "broken"},
			{Key: "region", Kind: "static", Value: "emea"},
			{Key: "ghost", Kind: "tool", Tool: "not_registered"},
		},
	}

	h := NewSourceHydrator(reg)
	got, err := h.Hydrate(context.Background(), scaffold, map[string]any{"lead_id": "lead-7"}, "ws-1")
	if err != nil {
		t.Fatalf("Hydrate error: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 keys, got %d: %v", len(got), got)
	}
	lead, ok := got["lead"].(map[string]any)
	if !ok || lead["name"] != "Acme" {
		t.Errorf("lead = %v", got["lead"])
	}
	if got["news"] != nil {
		t.Errorf("failed source should be nil, got %v", got["news"])
	}
	if got["ghost"] != nil {
		t.Errorf("unregistered tool source should be nil, got %v", got["ghost"])
	}
	if got["region"] != "emea" {
		t.Errorf("region = %v, want emea", got["region"])
	}
}

func TestTruncateBudget(t *testing.T) {
	long := strings.Repeat("x", 100)

	if out := Truncate(long, 10); len(out.(string)) != 40 {
		t.Errorf("truncated length = %d, want 40", len(out.(string)))
	}
	if out := Truncate("short", 10); out != "short" {
		t.Errorf("short string changed: %v", out)
	}
	if out := Truncate(nil, 10); out != nil {
		t.Errorf("nil should stay nil, got %v", out)
	}

	big := map[string]any{"blob": long}
	out := Truncate(big, 10)
	s, ok := out.(string)
	if !ok || len(s) != 40 {
		t.Errorf("oversized object should degrade to clipped JSON, got %T %v", out, out)
	}

	small := map[string]any{"k": "v"}
	if out := Truncate(small, 10); fmt.Sprintf("%v", out) != fmt.Sprintf("%v", small) {
		t.Errorf("small object changed: %v", out)
	}
}
