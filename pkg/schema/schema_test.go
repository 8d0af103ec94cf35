package schema

import (
	"strings"
	"testing"
)

const minimalProtocol = `
apiVersion: protocol/v1
metadata:
  name: enrich-lead
  version: 1
  intent: Enrich a CRM lead with firmographic data
scaffold:
  inputs:
    - name: lead_id
      required: true
    - name: depth
      default: shallow
  context_sources:
    - key: lead
      kind: tool
      tool: lookup_lead
      params:
        id: "{{inputs.lead_id}}"
steps:
  - id: classify
    type: llm_call
    llm:
      model: gpt-4o-mini
      user_prompt_template: "Classify {{scaffold.lead}}"
      response_format: json
  - id: notify
    type: tool_execution
    tool:
      name: send_notification
      params:
        channel: sales
transitions:
  classify: notify
  notify: END
`

func TestLoadMinimalProtocol(t *testing.T) {
	p, err := Load(strings.NewReader(minimalProtocol))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if p.Metadata.Name != "enrich-lead" {
		t.Errorf("metadata.name = %q, want enrich-lead", p.Metadata.Name)
	}
	if p.Metadata.Version != 1 {
		t.Errorf("metadata.version = %d, want 1", p.Metadata.Version)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(p.Steps))
	}
	if p.Steps[0].Type != StepLLMCall {
		t.Errorf("steps[0].type = %q, want llm_call", p.Steps[0].Type)
	}
	if p.EntryStep() != "classify" {
		t.Errorf("entry step = %q, want classify", p.EntryStep())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := strings.Replace(minimalProtocol, "intent:", "intentt:", 1)
	if _, err := Load(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown-field error, got nil")
	}
}

func TestTransitionForms(t *testing.T) {
	doc := `
apiVersion: protocol/v1
metadata:
  name: forms
  version: 1
steps:
  - id: a
    type: wait
    wait: {seconds: 1}
  - id: b
    type: wait
    wait: {seconds: 1}
  - id: c
    type: wait
    wait: {seconds: 1}
transitions:
  a: b
  b:
    on_success: c
    on_failure: END
  c:
    on_condition:
      - condition: 'outcome == "retry"'
        next: a
`
	p, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ta := p.Transitions["a"]
	if !ta.Unconditional() || ta.Next != "b" {
		t.Errorf("transition a = %+v, want bare next=b", ta)
	}

	tb := p.Transitions["b"]
	if tb.OnSuccess != "c" || tb.OnFailure != EndStep {
		t.Errorf("transition b = %+v, want on_success=c on_failure=END", tb)
	}

	tc := p.Transitions["c"]
	if len(tc.OnCondition) != 1 || tc.OnCondition[0].Next != "a" {
		t.Errorf("transition c = %+v, want one on_condition entry to a", tc)
	}
}

func TestStepTimeoutDefault(t *testing.T) {
	s := Step{ID: "x", Type: StepWait}
	if got := s.Timeout(); got != DefaultStepTimeoutSeconds {
		t.Errorf("Timeout() = %d, want %d", got, DefaultStepTimeoutSeconds)
	}
	s.TimeoutSeconds = 5
	if got := s.Timeout(); got != 5 {
		t.Errorf("Timeout() = %d, want 5", got)
	}
}

func TestStepByID(t *testing.T) {
	p, err := Load(strings.NewReader(minimalProtocol))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if s := p.StepByID("notify"); s == nil || s.Type != StepToolExecution {
		t.Errorf("StepByID(notify) = %+v, want tool_execution step", s)
	}
	if s := p.StepByID("missing"); s != nil {
		t.Errorf("StepByID(missing) = %+v, want nil", s)
	}
}
