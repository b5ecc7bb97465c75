// Package condition evaluates skip_if and assert condition trees.
package condition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/template"
)

// DefaultProbeTimeout bounds each element probe.
const DefaultProbeTimeout = 1500 * time.Millisecond

// Evaluator evaluates conditions against a page and a variable map.
// It holds no run state; Driver may be nil when no page exists.
type Evaluator struct {
	Driver       core.Driver
	ProbeTimeout time.Duration
}

// New creates an evaluator bound to a page driver.
func New(driver core.Driver) *Evaluator {
	return &Evaluator{Driver: driver, ProbeTimeout: DefaultProbeTimeout}
}

// Evaluate returns the condition's value. Leaves that cannot be evaluated
// count as false; their problems are joined into the returned error, which
// callers log as a warning and never treat as fatal.
func (e *Evaluator) Evaluate(ctx context.Context, c *flow.Condition, vars map[string]interface{}) (bool, error) {
	var warnings []error
	ok := e.eval(ctx, c, vars, &warnings)
	return ok, errors.Join(warnings...)
}

func (e *Evaluator) eval(ctx context.Context, c *flow.Condition, vars map[string]interface{}, warnings *[]error) bool {
	warn := func(format string, args ...interface{}) bool {
		*warnings = append(*warnings, core.ErrConditionEvaluation.WithMessage(fmt.Sprintf(format, args...)))
		return false
	}

	if c == nil {
		return warn("empty condition")
	}
	if len(c.Unknown) > 0 {
		return warn("unknown condition keys: %s", strings.Join(c.Unknown, ", "))
	}

	switch c.Kind() {
	case "all":
		for i := range c.All {
			if !e.eval(ctx, &c.All[i], vars, warnings) {
				return false
			}
		}
		return true

	case "any":
		for i := range c.Any {
			if e.eval(ctx, &c.Any[i], vars, warnings) {
				return true
			}
		}
		return false

	case "url_includes":
		if e.Driver == nil {
			return warn("url_includes needs a page")
		}
		return strings.Contains(e.Driver.CurrentURL(), c.URLIncludes)

	case "url_matches":
		if e.Driver == nil {
			return warn("url_matches needs a page")
		}
		re, err := regexp.Compile(c.URLMatches)
		if err != nil {
			return warn("invalid url_matches pattern %q: %v", c.URLMatches, err)
		}
		return re.MatchString(e.Driver.CurrentURL())

	case "element_visible":
		if e.Driver == nil {
			return warn("element_visible needs a page")
		}
		return e.probe(ctx, *c.ElementVisible, true)

	case "element_exists":
		if e.Driver == nil {
			return warn("element_exists needs a page")
		}
		return e.probe(ctx, *c.ElementExists, false)

	case "var_equals":
		if c.VarEquals.Name == "" {
			return warn("var_equals requires a name")
		}
		v, _ := template.Lookup(vars, c.VarEquals.Name)
		return Equal(v, c.VarEquals.Value)

	case "var_truthy":
		v, _ := template.Lookup(vars, c.VarTruthy)
		return Truthy(v)

	case "var_falsy":
		v, _ := template.Lookup(vars, c.VarFalsy)
		return !Truthy(v)

	case "expr":
		ok, err := evalExpr(c.Expr, vars)
		if err != nil {
			return warn("%v", err)
		}
		return ok
	}

	return warn("condition has no recognised kind")
}

// probe reports whether any candidate selector of the target matches.
// Each candidate gets its own short deadline; per-candidate errors count as no match.
func (e *Evaluator) probe(ctx context.Context, target flow.Target, requireVisible bool) bool {
	timeout := e.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	for _, sel := range target.Candidates() {
		if ctx.Err() != nil {
			return false
		}
		if e.probeOne(ctx, sel, timeout, requireVisible) {
			return true
		}
	}
	return false
}

func (e *Evaluator) probeOne(ctx context.Context, sel string, timeout time.Duration, requireVisible bool) bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	elements, err := e.Driver.Locate(pctx, sel)
	if err != nil || len(elements) == 0 {
		return false
	}
	if !requireVisible {
		return true
	}
	for _, el := range elements {
		visible, err := e.Driver.Act(pctx, el, core.Action{Kind: core.ActionIsVisible})
		if err == nil && visible == "true" {
			return true
		}
	}
	return false
}

func evalExpr(code string, vars map[string]interface{}) (bool, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	env := map[string]interface{}{"vars": vars}
	program, err := expr.Compile(code, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", code, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", code, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", code, output)
	}
	return result, nil
}

// Truthy applies loose truthiness: nil, false, zero numbers, the empty string
// and empty request refs are false.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case flow.RequestRef:
		return val.RequestID != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0 && !math.IsNaN(val)
	}
	return true
}

// Equal compares a variable to a literal, treating numbers of different Go
// types (YAML ints vs JSON floats) as equal when their values match.
func Equal(actual, expected interface{}) bool {
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		return af == ef
	}
	if ref, ok := actual.(flow.RequestRef); ok {
		return ref.RequestID == fmt.Sprint(expected)
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
