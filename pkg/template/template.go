// Package template implements the {{path}} placeholder language used in
// protocol prompts, tool parameters, and hydration queries.
//
// A placeholder holds a dotted path with optional array indexing and an
// optional filter pipeline: {{steps.classify.output.items[0]|truncate:80}}.
// A path that cannot be resolved leaves the original token in place; callers
// must tolerate partially-unresolved strings.
package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// tokenRe matches {{ ... }} placeholders. Nested braces are not supported.
var tokenRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// segmentRe matches one path segment with optional [idx] suffixes.
var segmentRe = regexp.MustCompile(`^([^\[\]]+)((\[\d+\])*)$`)

// indexRe extracts individual [idx] suffixes.
var indexRe = regexp.MustCompile(`\[(\d+)\]`)

// Interpolate replaces every resolvable {{path|filters}} token in tmpl with
// its string form. Unresolvable tokens are left verbatim.
func Interpolate(tmpl string, ctx map[string]any) string {
	return tokenRe.ReplaceAllStringFunc(tmpl, func(token string) string {
		expr := strings.TrimSpace(token[2 : len(token)-2])
		val, ok := Eval(expr, ctx)
		if !ok {
			return token
		}
		return Stringify(val)
	})
}

// Eval resolves a full placeholder expression: a path followed by an
// optional filter pipeline. The boolean reports whether the expression
// produced a defined value.
func Eval(expr string, ctx map[string]any) (any, bool) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])

	val, defined := Resolve(path, ctx)
	for _, raw := range parts[1:] {
		val, defined = applyFilter(strings.TrimSpace(raw), val, defined)
	}
	if !defined {
		return nil, false
	}
	return val, true
}

// Resolve walks a dotted path (with optional [idx] array access per
// segment) through the context. The boolean is false if any segment is
// missing, out of range, or traverses a non-container.
func Resolve(path string, ctx map[string]any) (any, bool) {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		m := segmentRe.FindStringSubmatch(strings.TrimSpace(seg))
		if m == nil {
			return nil, false
		}
		name := m[1]

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[name]
		if !ok {
			return nil, false
		}

		for _, im := range indexRe.FindAllStringSubmatch(m[2], -1) {
			idx, err := strconv.Atoi(im[1])
			if err != nil {
				return nil, false
			}
			arr, ok := toSlice(cur)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// applyFilter applies one pipeline stage. Filters are pure; unknown filters
// pass the value through unchanged so a typo degrades gracefully instead of
// swallowing the whole token.
func applyFilter(raw string, val any, defined bool) (any, bool) {
	name, arg := raw, ""
	if i := strings.Index(raw, ":"); i >= 0 {
		name, arg = raw[:i], raw[i+1:]
	}

	switch name {
	case "default":
		if !defined || val == nil || val == "" {
			return arg, true
		}
		return val, true

	case "length":
		if arr, ok := toSlice(val); ok {
			return len(arr), defined
		}
		return 0, defined

	case "truncate":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return val, defined
		}
		s := Stringify(val)
		if len(s) <= n {
			return s, defined
		}
		return s[:n] + "...", defined

	case "first":
		arr, ok := toSlice(val)
		if !ok {
			return val, defined
		}
		n := filterCount(arg, len(arr))
		return arr[:n], defined

	case "last":
		arr, ok := toSlice(val)
		if !ok {
			return val, defined
		}
		n := filterCount(arg, len(arr))
		return arr[len(arr)-n:], defined

	case "join":
		arr, ok := toSlice(val)
		if !ok {
			return val, defined
		}
		sep := arg
		if sep == "" {
			sep = ", "
		}
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = Stringify(v)
		}
		return strings.Join(parts, sep), defined

	case "format":
		switch arg {
		case "numbered_list":
			arr, ok := toSlice(val)
			if !ok {
				return val, defined
			}
			var b strings.Builder
			for i, v := range arr {
				fmt.Fprintf(&b, "%d. %s\n", i+1, Stringify(v))
			}
			return strings.TrimRight(b.String(), "\n"), defined
		case "json":
			data, err := json.MarshalIndent(val, "", "  ")
			if err != nil {
				return val, defined
			}
			return string(data), defined
		}
		return val, defined

	default:
		return val, defined
	}
}

// filterCount clamps a first:N / last:N argument to [1, max]; a missing or
// invalid argument means 1.
func filterCount(arg string, max int) int {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

// toSlice normalizes slice-typed values into []any.
func toSlice(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(arr))
		for i, m := range arr {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

// Stringify converts a resolved value to its substitution form: primitives
// use their string form, objects and arrays are JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
