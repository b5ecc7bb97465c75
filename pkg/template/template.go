// Package template resolves {{scope.name}} placeholders in step parameters.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// placeholderPattern matches {{inputs.x}}, {{vars.a.b}}, {{secret.x}}, {{secrets.x}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(inputs|vars|secrets?)\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Bindings is the three-scope binding set placeholders resolve against.
type Bindings struct {
	Inputs  map[string]interface{}
	Vars    map[string]interface{}
	Secrets map[string]interface{}
}

// MissingError reports a placeholder with no binding.
type MissingError struct {
	Placeholder string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("unresolved template variable: %s", e.Placeholder)
}

// Resolve substitutes placeholders in value. Maps and slices are resolved
// recursively; a string that is exactly one placeholder resolves to the bound
// value with its original type.
func Resolve(value interface{}, b Bindings) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, b)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			r, err := Resolve(item, b)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := Resolve(item, b)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveParams resolves every value of a step's params.
func ResolveParams(params map[string]interface{}, b Bindings) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	out, err := Resolve(params, b)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// ResolveString resolves s and renders the result as text.
func ResolveString(s string, b Bindings) (string, error) {
	v, err := resolveString(s, b)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// HasPlaceholder reports whether s contains at least one placeholder.
func HasPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}

func resolveString(s string, b Bindings) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the bound type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s, s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]], b)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		v, err := lookup(s[m[0]:m[1]], s[m[2]:m[3]], s[m[4]:m[5]], b)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(v))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func lookup(placeholder, scope, path string, b Bindings) (interface{}, error) {
	var root map[string]interface{}
	switch scope {
	case "inputs":
		root = b.Inputs
	case "vars":
		root = b.Vars
	default:
		root = b.Secrets
	}
	v, ok := Lookup(root, path)
	if !ok {
		return nil, &MissingError{Placeholder: placeholder}
	}
	return v, nil
}

// Lookup walks a dotted path through nested maps and slices.
func Lookup(root map[string]interface{}, path string) (interface{}, bool) {
	if root == nil {
		return nil, false
	}
	if v, ok := root[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = root
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a bound value for embedding in a larger string.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case flow.RequestRef:
		return val.RequestID
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
