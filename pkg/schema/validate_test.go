package schema

import (
	"strings"
	"testing"
)

// validProtocol builds a protocol that passes all validation phases.
func validProtocol() *Protocol {
	return &Protocol{
		APIVersion: "protocol/v1",
		Metadata:   Metadata{Name: "test", Version: 1},
		Steps: []Step{
			{ID: "start", Type: StepWait, Wait: &WaitConfig{Seconds: 1}},
			{ID: "done", Type: StepHumanReview},
		},
		Transitions: map[string]Transition{
			"start": {Next: "done"},
			"done":  {Next: EndStep},
		},
	}
}

func TestValidateAcceptsValidProtocol(t *testing.T) {
	if errs := Validate(validProtocol()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateDomainRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Protocol)
		wantSub string
	}{
		{
			name:    "duplicate step id",
			mutate:  func(p *Protocol) { p.Steps[1].ID = "start" },
			wantSub: "duplicate step id",
		},
		{
			name:    "reserved step id",
			mutate:  func(p *Protocol) { p.Steps[1].ID = EndStep },
			wantSub: "reserved",
		},
		{
			name:    "unknown transition target",
			mutate:  func(p *Protocol) { p.Transitions["start"] = Transition{Next: "ghost"} },
			wantSub: "unknown step",
		},
		{
			name: "transition for unknown source",
			mutate: func(p *Protocol) {
				p.Transitions["ghost"] = Transition{Next: EndStep}
			},
			wantSub: "transition declared for unknown step",
		},
		{
			name: "mixed transition forms",
			mutate: func(p *Protocol) {
				p.Transitions["start"] = Transition{Next: "done", OnFailure: EndStep}
			},
			wantSub: "cannot combine",
		},
		{
			name:    "wait without config",
			mutate:  func(p *Protocol) { p.Steps[0].Wait = nil },
			wantSub: "requires 'wait' configuration",
		},
		{
			name: "conditional route to unknown step",
			mutate: func(p *Protocol) {
				p.Steps[0] = Step{
					ID:   "start",
					Type: StepConditional,
					Cond: &ConditionalConfig{Condition: "true", IfTrue: "ghost", IfFalse: "done"},
				}
			},
			wantSub: "unknown step",
		},
		{
			name: "tool step without name",
			mutate: func(p *Protocol) {
				p.Steps[0] = Step{ID: "start", Type: StepToolExecution, Tool: &ToolConfig{}}
			},
			wantSub: "requires a tool name",
		},
		{
			name: "parallel self reference",
			mutate: func(p *Protocol) {
				p.Steps[0] = Step{ID: "start", Type: StepParallel,
					Parallel: &ParallelConfig{Steps: []string{"start"}}}
			},
			wantSub: "cannot reference itself",
		},
		{
			name: "parallel fan-out of human review",
			mutate: func(p *Protocol) {
				p.Steps[0] = Step{ID: "start", Type: StepParallel,
					Parallel: &ParallelConfig{Steps: []string{"done"}}}
			},
			wantSub: "cannot fan out human_review",
		},
		{
			name: "bad global fallback",
			mutate: func(p *Protocol) {
				p.ErrorHandling = &ErrorHandling{GlobalFallback: "ghost"}
			},
			wantSub: "global fallback references unknown step",
		},
		{
			name: "required input with default",
			mutate: func(p *Protocol) {
				p.Scaffold.Inputs = []InputDef{{Name: "x", Required: true, Default: "y"}}
			},
			wantSub: "a default would never apply",
		},
		{
			name: "retry below one attempt",
			mutate: func(p *Protocol) {
				p.Steps[0].Retry = &RetryPolicy{MaxAttempts: 0}
			},
			wantSub: "max_attempts >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProtocol()
			tt.mutate(p)
			errs := ValidateDomain(p)
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e.Message, tt.wantSub) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("no error contains %q; got %v", tt.wantSub, errs)
			}
		})
	}
}

func TestValidateFileReportsStructuralError(t *testing.T) {
	_, errs := ValidateFile("testdata/does-not-exist.yaml")
	if len(errs) != 1 || errs[0].Phase != "structural" {
		t.Fatalf("expected one structural error, got %v", errs)
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatalf("GenerateJSONSchema error: %v", err)
	}
	for _, want := range []string{"protocol-v1.json", "transitions", "error_handling"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
