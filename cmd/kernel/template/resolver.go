package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Error reports a template reference that did not resolve. The runner
// surfaces it as a node failure of kind template_error.
type Error struct {
	Ref string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template: unresolved reference %q", e.Ref)
}

// Scope is what template expressions resolve against: the node's
// incoming input, the execution variables, and any upstream node output.
type Scope struct {
	Input  map[string]interface{}
	Vars   map[string]interface{}
	Output func(nodeID string) (map[string]interface{}, bool)
}

// Expressions:
//   {{ $input.<path> }}   - path into the resolved node input
//   {{ $vars.<name> }}    - execution variable
//   {{ $output.<node_id>.<path> }} - any upstream node's output
var exprPattern = regexp.MustCompile(`\{\{\s*(\$(?:input|vars|output)(?:\.[^{}\s]+)?)\s*\}\}`)

// ResolveConfig resolves every template expression in a config map.
// Strings that are a single expression keep the referenced value's type;
// strings with surrounding text interpolate. Maps and arrays resolve
// recursively; other values pass through.
func ResolveConfig(config map[string]interface{}, scope Scope) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(config))
	for key, value := range config {
		rv, err := resolveValue(value, scope)
		if err != nil {
			return nil, fmt.Errorf("resolve config key %q: %w", key, err)
		}
		resolved[key] = rv
	}
	return resolved, nil
}

// ResolveString resolves one templated string outside of a config map
func ResolveString(s string, scope Scope) (interface{}, error) {
	return resolveString(s, scope)
}

func resolveValue(value interface{}, scope Scope) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, inner := range v {
			rv, err := resolveValue(inner, scope)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, inner := range v {
			rv, err := resolveValue(inner, scope)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func resolveString(s string, scope Scope) (interface{}, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one expression keeps the value's type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, err := lookup(s[m[2]:m[3]], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup resolves one $input/$vars/$output reference
func lookup(ref string, scope Scope) (interface{}, error) {
	parts := strings.SplitN(strings.TrimPrefix(ref, "$"), ".", 2)
	root := parts[0]
	path := ""
	if len(parts) == 2 {
		path = parts[1]
	}

	switch root {
	case "input":
		if path == "" {
			return scope.Input, nil
		}
		return extract(scope.Input, path, ref)

	case "vars":
		if path == "" {
			return nil, &Error{Ref: ref}
		}
		name, rest, _ := strings.Cut(path, ".")
		value, ok := scope.Vars[name]
		if !ok {
			return nil, &Error{Ref: ref}
		}
		if rest == "" {
			return value, nil
		}
		return extract(value, rest, ref)

	case "output":
		if path == "" || scope.Output == nil {
			return nil, &Error{Ref: ref}
		}
		nodeID, rest, _ := strings.Cut(path, ".")
		out, ok := scope.Output(nodeID)
		if !ok {
			return nil, &Error{Ref: ref}
		}
		if rest == "" {
			return out, nil
		}
		return extract(out, rest, ref)
	}

	return nil, &Error{Ref: ref}
}

// extract pulls a gjson path out of an arbitrary JSON-like value
func extract(value interface{}, path, ref string) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal for path extraction: %w", err)
	}

	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, &Error{Ref: ref}
	}
	return result.Value(), nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
