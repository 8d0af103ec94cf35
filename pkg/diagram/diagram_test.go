package diagram

import (
	"strings"
	"testing"

	"github.com/matterdesk/protoflow/pkg/schema"
)

func sampleProtocol() *schema.Protocol {
	return &schema.Protocol{
		APIVersion: "protocol/v1",
		Metadata:   schema.Metadata{Name: "ticket-triage", Version: 2},
		Steps: []schema.Step{
			{ID: "classify", Type: schema.StepLLMCall, Title: "Classify ticket",
				LLM: &schema.LLMConfig{UserPromptTemplate: "classify"}},
			{ID: "route", Type: schema.StepConditional,
				Cond: &schema.ConditionalConfig{Condition: "x > 1", IfTrue: "escalate", IfFalse: "resolve"}},
			{ID: "escalate", Type: schema.StepHumanReview},
			{ID: "resolve", Type: schema.StepToolExecution,
				Tool: &schema.ToolConfig{Name: "close_ticket"}},
		},
		Transitions: map[string]schema.Transition{
			"classify": {Next: "route"},
			"escalate": {Next: schema.EndStep},
			"resolve":  {Next: schema.EndStep},
		},
	}
}

func TestGenerateMermaid(t *testing.T) {
	out, err := Generate(sampleProtocol(), FormatMermaid)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"flowchart TD",
		"START([Start]) --> classify",
		`classify -->`,
		`route -->|"true"| escalate`,
		`route -->|"false"| resolve`,
		"escalate --> END_",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("mermaid output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateASCII(t *testing.T) {
	out, err := Generate(sampleProtocol(), FormatASCII)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ticket-triage v2", "Classify ticket", "true → escalate", "◉ END"} {
		if !strings.Contains(out, want) {
			t.Errorf("ascii output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateUnknownFormat(t *testing.T) {
	if _, err := Generate(sampleProtocol(), Format("svg")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
