package flow

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Condition is a boolean tree evaluated against page state and variables.
// Exactly one field is expected to be set per node.
type Condition struct {
	// Leaves
	URLIncludes    string     `yaml:"url_includes,omitempty"`
	URLMatches     string     `yaml:"url_matches,omitempty"`
	ElementVisible *Target    `yaml:"element_visible,omitempty"`
	ElementExists  *Target    `yaml:"element_exists,omitempty"`
	VarEquals      *VarEquals `yaml:"var_equals,omitempty"`
	VarTruthy      string     `yaml:"var_truthy,omitempty"`
	VarFalsy       string     `yaml:"var_falsy,omitempty"`
	Expr           string     `yaml:"expr,omitempty"`

	// Compounds
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`

	// Unknown holds keys that matched no known condition kind.
	Unknown []string `yaml:"-"`
}

// VarEquals compares a variable to a literal value.
type VarEquals struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
}

var conditionKeys = map[string]bool{
	"url_includes": true, "url_matches": true, "element_visible": true, "element_exists": true,
	"var_equals": true, "var_truthy": true, "var_falsy": true, "expr": true, "all": true, "any": true,
}

// UnmarshalYAML decodes a condition node and records unrecognised keys.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	type plain Condition
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Condition(p)
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if !conditionKeys[key] {
				c.Unknown = append(c.Unknown, key)
			}
		}
		sort.Strings(c.Unknown)
	} else {
		c.Unknown = append(c.Unknown, fmt.Sprintf("<%s>", node.Tag))
	}
	return nil
}

// UnmarshalYAML accepts either a selector scalar or a {selector, fallbacks} mapping.
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Selector = node.Value
		return nil
	}
	type plain Target
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Target(p)
	return nil
}

// ConditionFromValue converts a generic parameter value (as decoded from YAML
// params) into a Condition.
func ConditionFromValue(v any) (*Condition, error) {
	switch c := v.(type) {
	case *Condition:
		return c, nil
	case Condition:
		return &c, nil
	case nil:
		return nil, fmt.Errorf("condition is empty")
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode condition: %w", err)
	}
	var cond Condition
	if err := yaml.Unmarshal(data, &cond); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return &cond, nil
}

// Kind returns the name of the populated condition kind, or "" if none is set.
func (c *Condition) Kind() string {
	switch {
	case c == nil:
		return ""
	case len(c.All) > 0:
		return "all"
	case len(c.Any) > 0:
		return "any"
	case c.URLIncludes != "":
		return "url_includes"
	case c.URLMatches != "":
		return "url_matches"
	case c.ElementVisible != nil:
		return "element_visible"
	case c.ElementExists != nil:
		return "element_exists"
	case c.VarEquals != nil:
		return "var_equals"
	case c.VarTruthy != "":
		return "var_truthy"
	case c.VarFalsy != "":
		return "var_falsy"
	case c.Expr != "":
		return "expr"
	}
	return ""
}

// NeedsPage reports whether evaluating the condition requires a page driver.
func (c *Condition) NeedsPage() bool {
	if c == nil {
		return false
	}
	switch c.Kind() {
	case "url_includes", "url_matches", "element_visible", "element_exists":
		return true
	case "all":
		return anyNeedsPage(c.All)
	case "any":
		return anyNeedsPage(c.Any)
	}
	return false
}

func anyNeedsPage(conds []Condition) bool {
	for i := range conds {
		if conds[i].NeedsPage() {
			return true
		}
	}
	return false
}
