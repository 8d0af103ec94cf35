package executors

import (
	"fmt"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// validateAgainstSchema checks a parsed LLM reply against the step's
// declared output_schema (a JSON Schema fragment embedded in the protocol).
func validateAgainstSchema(doc any, outputSchema map[string]any) error {
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("output-schema.json", normalizeSchemaDoc(outputSchema)); err != nil {
		return fmt.Errorf("add output schema: %w", err)
	}
	sch, err := c.Compile("output-schema.json")
	if err != nil {
		return fmt.Errorf("compile output schema: %w", err)
	}
	return sch.Validate(doc)
}

// normalizeSchemaDoc converts YAML-decoded maps (map[string]any with nested
// map[string]any values is fine, but yaml.v3 can produce map[any]any deeper
// in) into the pure map[string]any tree the schema compiler expects.
func normalizeSchemaDoc(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeSchemaDoc(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeSchemaDoc(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeSchemaDoc(val)
		}
		return out
	default:
		return v
	}
}
