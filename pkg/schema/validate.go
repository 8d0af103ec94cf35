package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].tool.name")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a protocol file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Protocol, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return p, Validate(p)
}

// Validate runs the semantic and domain phases on a parsed protocol.
// Returns nil when the protocol is valid.
func Validate(p *Protocol) []*ValidationError {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(p)...)
	allErrors = append(allErrors, ValidateDomain(p)...)
	if len(allErrors) > 0 {
		return allErrors
	}
	return nil
}

// validateSemantic validates the protocol against the generated JSON Schema.
func validateSemantic(p *Protocol) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fail(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("protocol-v1.json", schemaDoc); err != nil {
		return fail(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("protocol-v1.json")
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(p *Protocol) []*ValidationError {
	var errs []*ValidationError

	domainErr := func(path, msg string) {
		errs = append(errs, &ValidationError{
			Phase: "domain", Path: path, Message: msg, Severity: "error",
		})
	}

	if p.APIVersion != "protocol/v1" {
		domainErr("apiVersion", fmt.Sprintf("unrecognized apiVersion %q, expected %q", p.APIVersion, "protocol/v1"))
	}
	if p.Metadata.Name == "" {
		domainErr("metadata.name", "protocol requires a name")
	}
	if p.Metadata.Version < 1 {
		domainErr("metadata.version", "protocol version must be >= 1")
	}

	if len(p.Steps) == 0 {
		domainErr("steps", "protocol must contain at least one step")
	}

	// Step ID uniqueness
	seen := make(map[string]int)
	for i, s := range p.Steps {
		if s.ID == "" {
			domainErr(fmt.Sprintf("steps[%d].id", i), "step requires an id")
			continue
		}
		if s.ID == EndStep {
			domainErr(fmt.Sprintf("steps[%d].id", i), fmt.Sprintf("step id %q is reserved", EndStep))
		}
		if prev, ok := seen[s.ID]; ok {
			domainErr(fmt.Sprintf("steps[%d].id", i),
				fmt.Sprintf("duplicate step id %q (first at steps[%d]); step ids must be unique", s.ID, prev))
		}
		seen[s.ID] = i
	}

	validTarget := func(id string) bool {
		if id == EndStep {
			return true
		}
		_, ok := seen[id]
		return ok
	}

	// Type-specific config validation
	for i, s := range p.Steps {
		path := func(field string) string { return fmt.Sprintf("steps[%d].%s", i, field) }
		switch s.Type {
		case StepLLMCall:
			if s.LLM == nil {
				domainErr(path("llm"), fmt.Sprintf("llm_call step %q requires 'llm' configuration", s.ID))
			} else if s.LLM.UserPromptTemplate == "" {
				domainErr(path("llm.user_prompt_template"), fmt.Sprintf("llm_call step %q requires a user prompt template", s.ID))
			}
		case StepConditional:
			if s.Cond == nil {
				domainErr(path("condition"), fmt.Sprintf("conditional step %q requires 'condition' configuration", s.ID))
			} else {
				if s.Cond.Condition == "" {
					domainErr(path("condition.condition"), fmt.Sprintf("conditional step %q requires an expression", s.ID))
				}
				for field, target := range map[string]string{"if_true": s.Cond.IfTrue, "if_false": s.Cond.IfFalse} {
					if target == "" {
						domainErr(path("condition."+field), fmt.Sprintf("conditional step %q requires %s", s.ID, field))
					} else if !validTarget(target) {
						domainErr(path("condition."+field), fmt.Sprintf("conditional step %q routes %s to unknown step %q", s.ID, field, target))
					}
				}
			}
		case StepToolExecution:
			if s.Tool == nil {
				domainErr(path("tool"), fmt.Sprintf("tool_execution step %q requires 'tool' configuration", s.ID))
			} else if s.Tool.Name == "" {
				domainErr(path("tool.name"), fmt.Sprintf("tool_execution step %q requires a tool name", s.ID))
			}
		case StepWait:
			if s.Wait == nil {
				domainErr(path("wait"), fmt.Sprintf("wait step %q requires 'wait' configuration", s.ID))
			} else if s.Wait.Seconds <= 0 {
				domainErr(path("wait.seconds"), fmt.Sprintf("wait step %q requires seconds > 0", s.ID))
			}
		case StepHumanReview:
			// Review config is optional; the pause behavior needs nothing else.
		case StepParallel:
			if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
				domainErr(path("parallel.steps"), fmt.Sprintf("parallel step %q requires at least one sub-step", s.ID))
				break
			}
			for j, ref := range s.Parallel.Steps {
				refPath := fmt.Sprintf("steps[%d].parallel.steps[%d]", i, j)
				if ref == s.ID {
					domainErr(refPath, fmt.Sprintf("parallel step %q cannot reference itself", s.ID))
					continue
				}
				idx, ok := seen[ref]
				if !ok {
					domainErr(refPath, fmt.Sprintf("parallel step %q references unknown step %q", s.ID, ref))
					continue
				}
				switch p.Steps[idx].Type {
				case StepParallel:
					domainErr(refPath, fmt.Sprintf("parallel step %q cannot nest parallel step %q", s.ID, ref))
				case StepHumanReview:
					domainErr(refPath, fmt.Sprintf("parallel step %q cannot fan out human_review step %q", s.ID, ref))
				}
			}
		default:
			domainErr(path("type"), fmt.Sprintf("step %q has unknown type %q", s.ID, s.Type))
		}

		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			domainErr(path("retry.max_attempts"), fmt.Sprintf("step %q retry requires max_attempts >= 1", s.ID))
		}
		if s.TimeoutSeconds < 0 {
			domainErr(path("timeout_seconds"), fmt.Sprintf("step %q timeout must be >= 0", s.ID))
		}
	}

	// Transition sources and targets
	for source, t := range p.Transitions {
		if _, ok := seen[source]; !ok {
			domainErr(fmt.Sprintf("transitions.%s", source),
				fmt.Sprintf("transition declared for unknown step %q", source))
		}
		for _, target := range t.Targets() {
			if !validTarget(target) {
				domainErr(fmt.Sprintf("transitions.%s", source),
					fmt.Sprintf("transition from %q targets unknown step %q", source, target))
			}
		}
		for j, ct := range t.OnCondition {
			if ct.Condition == "" {
				domainErr(fmt.Sprintf("transitions.%s.on_condition[%d]", source, j),
					"on_condition entry requires a condition expression")
			}
		}
		if t.Next != "" && (t.OnSuccess != "" || t.OnFailure != "" || len(t.OnCondition) > 0) {
			domainErr(fmt.Sprintf("transitions.%s", source),
				"transition cannot combine a bare next target with result-dependent routing")
		}
	}

	// Global fallback must name a real step
	if p.ErrorHandling != nil && p.ErrorHandling.GlobalFallback != "" {
		if _, ok := seen[p.ErrorHandling.GlobalFallback]; !ok {
			domainErr("error_handling.global_fallback",
				fmt.Sprintf("global fallback references unknown step %q", p.ErrorHandling.GlobalFallback))
		}
	}

	// Scaffold inputs: names unique, defaults only meaningful on optional inputs
	inputSeen := make(map[string]int)
	for i, in := range p.Scaffold.Inputs {
		if in.Name == "" {
			domainErr(fmt.Sprintf("scaffold.inputs[%d].name", i), "input requires a name")
			continue
		}
		if prev, ok := inputSeen[in.Name]; ok {
			domainErr(fmt.Sprintf("scaffold.inputs[%d].name", i),
				fmt.Sprintf("duplicate input %q (first at scaffold.inputs[%d])", in.Name, prev))
		}
		inputSeen[in.Name] = i
		if in.Required && in.Default != nil {
			domainErr(fmt.Sprintf("scaffold.inputs[%d].default", i),
				fmt.Sprintf("input %q is required; a default would never apply", in.Name))
		}
	}

	// Context sources: keys unique, tool sources name a tool
	sourceSeen := make(map[string]int)
	for i, cs := range p.Scaffold.ContextSources {
		if cs.Key == "" {
			domainErr(fmt.Sprintf("scaffold.context_sources[%d].key", i), "context source requires a key")
			continue
		}
		if prev, ok := sourceSeen[cs.Key]; ok {
			domainErr(fmt.Sprintf("scaffold.context_sources[%d].key", i),
				fmt.Sprintf("duplicate context source key %q (first at scaffold.context_sources[%d])", cs.Key, prev))
		}
		sourceSeen[cs.Key] = i
		switch cs.Kind {
		case "tool":
			if cs.Tool == "" {
				domainErr(fmt.Sprintf("scaffold.context_sources[%d].tool", i),
					fmt.Sprintf("tool context source %q requires a tool name", cs.Key))
			}
		case "static":
			if cs.Value == nil {
				domainErr(fmt.Sprintf("scaffold.context_sources[%d].value", i),
					fmt.Sprintf("static context source %q requires a value", cs.Key))
			}
		default:
			domainErr(fmt.Sprintf("scaffold.context_sources[%d].kind", i),
				fmt.Sprintf("context source %q has unknown kind %q", cs.Key, cs.Kind))
		}
	}

	return errs
}
