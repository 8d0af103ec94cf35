// Package schema defines the Go struct types for the protocol YAML schema
// and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// EndStep is the sentinel transition target that terminates the step loop.
const EndStep = "END"

// DefaultStepTimeoutSeconds applies when a step declares no timeout.
const DefaultStepTimeoutSeconds = 60

// DefaultSourceMaxTokens is the per-source hydration budget when a context
// source declares no max_tokens.
const DefaultSourceMaxTokens = 2000

// StepType identifies the kind of work a step performs.
type StepType string

const (
	StepLLMCall       StepType = "llm_call"
	StepConditional   StepType = "conditional"
	StepToolExecution StepType = "tool_execution"
	StepWait          StepType = "wait"
	StepHumanReview   StepType = "human_review"
	StepParallel      StepType = "parallel"
)

// KnownStepTypes lists every step type the engine dispatches on.
var KnownStepTypes = []StepType{
	StepLLMCall, StepConditional, StepToolExecution,
	StepWait, StepHumanReview, StepParallel,
}

// Protocol is the top-level document defining a versioned workflow.
// Protocols are immutable once published; a patch produces a new version.
type Protocol struct {
	APIVersion    string                `yaml:"apiVersion"     json:"apiVersion" jsonschema:"required,enum=protocol/v1"`
	Metadata      Metadata              `yaml:"metadata"       json:"metadata"   jsonschema:"required"`
	Scaffold      Scaffold              `yaml:"scaffold,omitempty"      json:"scaffold,omitempty"`
	Steps         []Step                `yaml:"steps"          json:"steps"      jsonschema:"required,minItems=1"`
	Transitions   map[string]Transition `yaml:"transitions,omitempty"   json:"transitions,omitempty"`
	ErrorHandling *ErrorHandling        `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
}

// Metadata identifies a protocol and its revision.
type Metadata struct {
	Name    string `yaml:"name"             json:"name"    jsonschema:"required"`
	Version int    `yaml:"version"          json:"version" jsonschema:"required,minimum=1"`
	Intent  string `yaml:"intent,omitempty" json:"intent,omitempty"`
}

// Scaffold declares the inputs and context sources a protocol needs
// before its first step runs.
type Scaffold struct {
	Inputs         []InputDef      `yaml:"inputs,omitempty"          json:"inputs,omitempty"`
	ContextSources []ContextSource `yaml:"context_sources,omitempty" json:"context_sources,omitempty"`
}

// InputDef describes one caller-supplied input.
type InputDef struct {
	Name        string `yaml:"name"                  json:"name" jsonschema:"required"`
	Required    bool   `yaml:"required,omitempty"    json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"     json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ContextSource describes one hydration source. The hydrator fetches each
// source independently; a failing source yields a null value, never an
// aborted run.
type ContextSource struct {
	Key       string            `yaml:"key"                  json:"key"  jsonschema:"required"`
	Kind      string            `yaml:"kind"                 json:"kind" jsonschema:"required,enum=tool,enum=static"`
	Tool      string            `yaml:"tool,omitempty"       json:"tool,omitempty"`
	Query     string            `yaml:"query,omitempty"      json:"query,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"     json:"params,omitempty"`
	Value     any               `yaml:"value,omitempty"      json:"value,omitempty"`
	MaxTokens int               `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Budget returns the effective token budget for this source.
func (cs ContextSource) Budget() int {
	if cs.MaxTokens > 0 {
		return cs.MaxTokens
	}
	return DefaultSourceMaxTokens
}

// Step is a single unit of work. Dispatched to an executor based on Type.
// Exactly one type-specific config block should be set, matching Type.
type Step struct {
	ID             string       `yaml:"id"    json:"id"    jsonschema:"required"`
	Type           StepType     `yaml:"type"  json:"type"  jsonschema:"required,enum=llm_call,enum=conditional,enum=tool_execution,enum=wait,enum=human_review,enum=parallel"`
	Title          string       `yaml:"title,omitempty"           json:"title,omitempty"`
	TimeoutSeconds int          `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" jsonschema:"minimum=0"`
	Retry          *RetryPolicy `yaml:"retry,omitempty"           json:"retry,omitempty"`

	LLM      *LLMConfig         `yaml:"llm,omitempty"       json:"llm,omitempty"`
	Cond     *ConditionalConfig `yaml:"condition,omitempty" json:"condition,omitempty"`
	Tool     *ToolConfig        `yaml:"tool,omitempty"      json:"tool,omitempty"`
	Wait     *WaitConfig        `yaml:"wait,omitempty"      json:"wait,omitempty"`
	Review   *ReviewConfig      `yaml:"review,omitempty"    json:"review,omitempty"`
	Parallel *ParallelConfig    `yaml:"parallel,omitempty"  json:"parallel,omitempty"`
}

// Timeout returns the effective step timeout in seconds.
func (s Step) Timeout() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return DefaultStepTimeoutSeconds
}

// RetryPolicy controls sequential re-invocation of a failed step.
// A step with max_attempts 3 is invoked 4 times: 1 initial + 3 retries,
// sleeping backoff_ms * attempt between tries (linear).
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"         json:"max_attempts" jsonschema:"required,minimum=1"`
	BackoffMS   int `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty" jsonschema:"minimum=0"`
}

// LLMConfig configures an llm_call step. Prompts are interpolated against
// the execution context before the request is sent.
type LLMConfig struct {
	Model              string         `yaml:"model,omitempty"           json:"model,omitempty"`
	Temperature        *float64       `yaml:"temperature,omitempty"     json:"temperature,omitempty"`
	MaxTokens          int            `yaml:"max_tokens,omitempty"      json:"max_tokens,omitempty"`
	SystemPrompt       string         `yaml:"system_prompt,omitempty"   json:"system_prompt,omitempty"`
	UserPromptTemplate string         `yaml:"user_prompt_template"      json:"user_prompt_template" jsonschema:"required"`
	ResponseFormat     string         `yaml:"response_format,omitempty" json:"response_format,omitempty" jsonschema:"enum=text,enum=json"`
	OutputSchema       map[string]any `yaml:"output_schema,omitempty"   json:"output_schema,omitempty"`
}

// ConditionalConfig configures a conditional step. The condition is
// interpolated, then evaluated as a side-effect-free boolean expression.
type ConditionalConfig struct {
	Condition string `yaml:"condition" json:"condition" jsonschema:"required"`
	IfTrue    string `yaml:"if_true"   json:"if_true"   jsonschema:"required"`
	IfFalse   string `yaml:"if_false"  json:"if_false"  jsonschema:"required"`
}

// ToolConfig configures a tool_execution step.
type ToolConfig struct {
	Name   string         `yaml:"name"             json:"name" jsonschema:"required"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// WaitConfig configures a wait step.
type WaitConfig struct {
	Seconds float64 `yaml:"seconds" json:"seconds" jsonschema:"required"`
}

// ReviewConfig configures a human_review step. Reaching one pauses the run.
type ReviewConfig struct {
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Assignee     string `yaml:"assignee,omitempty"     json:"assignee,omitempty"`
}

// ParallelConfig configures a parallel step: the referenced steps execute
// concurrently and the parallel step joins them before continuing.
type ParallelConfig struct {
	Steps []string `yaml:"steps" json:"steps" jsonschema:"required,minItems=1"`
}

// Transition routes from a completed step to the next one. Two YAML forms
// are accepted: a bare step id (unconditional) or an object with
// on_success / on_failure / on_condition routing. The bare form is
// normalized into Next on decode.
type Transition struct {
	Next        string                  `yaml:"next,omitempty"         json:"next,omitempty"`
	OnSuccess   string                  `yaml:"on_success,omitempty"   json:"on_success,omitempty"`
	OnFailure   string                  `yaml:"on_failure,omitempty"   json:"on_failure,omitempty"`
	OnCondition []ConditionalTransition `yaml:"on_condition,omitempty" json:"on_condition,omitempty"`
}

// Unconditional reports whether this transition is the bare-id form.
func (t Transition) Unconditional() bool {
	return t.Next != "" && t.OnSuccess == "" && t.OnFailure == "" && len(t.OnCondition) == 0
}

// Targets returns every step id this transition can route to.
func (t Transition) Targets() []string {
	var out []string
	for _, id := range []string{t.Next, t.OnSuccess, t.OnFailure} {
		if id != "" {
			out = append(out, id)
		}
	}
	for _, ct := range t.OnCondition {
		if ct.Next != "" {
			out = append(out, ct.Next)
		}
	}
	return out
}

// ConditionalTransition is one entry in an on_condition list. The first
// entry whose condition evaluates true wins.
type ConditionalTransition struct {
	Condition string `yaml:"condition" json:"condition" jsonschema:"required"`
	Next      string `yaml:"next"      json:"next"      jsonschema:"required"`
}

// transitionObject mirrors Transition for object-form decoding without
// recursing into UnmarshalYAML.
type transitionObject struct {
	Next        string                  `yaml:"next"`
	OnSuccess   string                  `yaml:"on_success"`
	OnFailure   string                  `yaml:"on_failure"`
	OnCondition []ConditionalTransition `yaml:"on_condition"`
}

// UnmarshalYAML accepts both the bare-string and the object transition form.
func (t *Transition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var target string
		if err := node.Decode(&target); err != nil {
			return err
		}
		*t = Transition{Next: target}
		return nil
	}
	var obj transitionObject
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*t = Transition(obj)
	return nil
}

// ErrorHandling declares protocol-level failure routing. When a step
// exhausts its retries, the run routes to global_fallback once before
// failing outright.
type ErrorHandling struct {
	GlobalFallback string `yaml:"global_fallback,omitempty" json:"global_fallback,omitempty"`
}

// EntryStep returns the id of the protocol's entry point: the first step.
func (p *Protocol) EntryStep() string {
	if len(p.Steps) == 0 {
		return EndStep
	}
	return p.Steps[0].ID
}

// StepByID returns the step with the given id, or nil.
func (p *Protocol) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// LoadFile reads and parses a protocol YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields). Returns the parsed Protocol or an error.
func LoadFile(path string) (*Protocol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open protocol: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a protocol from an io.Reader with strict unknown-field rejection.
func Load(r io.Reader) (*Protocol, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Protocol
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode protocol: %w", err)
	}
	return &p, nil
}
