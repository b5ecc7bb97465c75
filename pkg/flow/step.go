package flow

import (
	"fmt"
	"strings"
)

// StepType represents the type of step.
type StepType string

// Step type constants.
const (
	// Page interaction
	StepNavigate         StepType = "navigate"
	StepClick            StepType = "click"
	StepFill             StepType = "fill"
	StepExtractText      StepType = "extract_text"
	StepExtractAttribute StepType = "extract_attribute"
	StepWaitFor          StepType = "wait_for"

	// Assertions
	StepAssert StepType = "assert"

	// Variables & control
	StepSetVar  StepType = "set_var"
	StepCollect StepType = "collect"
	StepScript  StepType = "script"
	StepSleep   StepType = "sleep"

	// Network
	StepNetworkFind    StepType = "network_find"
	StepNetworkReplay  StepType = "network_replay"
	StepNetworkExtract StepType = "network_extract"
)

// KnownStepTypes lists every step type the interpreter can dispatch.
var KnownStepTypes = []StepType{
	StepNavigate, StepClick, StepFill, StepExtractText, StepExtractAttribute, StepWaitFor,
	StepAssert, StepSetVar, StepCollect, StepScript, StepSleep,
	StepNetworkFind, StepNetworkReplay, StepNetworkExtract,
}

// IsKnownStepType reports whether t is dispatchable.
func IsKnownStepType(t StepType) bool {
	for _, k := range KnownStepTypes {
		if k == t {
			return true
		}
	}
	return false
}

// OnceScope selects the once-cache partition for a step.
type OnceScope string

// OnceScope values
const (
	OnceNone    OnceScope = ""
	OnceSession OnceScope = "session"
	OnceProfile OnceScope = "profile"
)

// OnErrorPolicy decides what happens when a non-optional step fails.
type OnErrorPolicy string

// OnErrorPolicy values
const (
	OnErrorDefault  OnErrorPolicy = "" // Defer to the run-level default
	OnErrorStop     OnErrorPolicy = "stop"
	OnErrorContinue OnErrorPolicy = "continue"
)

// Step is a single declarative instruction. Steps are immutable once loaded;
// the interpreter resolves templates into a copy of Params before each execution.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Type      StepType       `yaml:"type" json:"type"`
	Params    map[string]any `yaml:"params" json:"params,omitempty"`
	Label     string         `yaml:"label" json:"label,omitempty"`
	Once      OnceScope      `yaml:"once" json:"once,omitempty"`
	SkipIf    *Condition     `yaml:"skip_if" json:"skip_if,omitempty"`
	Optional  bool           `yaml:"optional" json:"optional,omitempty"`
	OnError   OnErrorPolicy  `yaml:"onError" json:"onError,omitempty"`
	TimeoutMs int            `yaml:"timeoutMs" json:"timeoutMs,omitempty"`
}

// IsOptional returns whether the step is optional.
func (s Step) IsOptional() bool { return s.Optional }

// Describe returns a human-readable description.
func (s Step) Describe() string {
	if s.Label != "" {
		return fmt.Sprintf("%s (%s)", s.Label, s.Type)
	}
	return fmt.Sprintf("%s (%s)", s.ID, s.Type)
}

// Param returns a raw parameter value.
func (s Step) Param(name string) (any, bool) {
	v, ok := s.Params[name]
	return v, ok
}

// StringParam returns a parameter as a string ("" if missing).
func (s Step) StringParam(name string) string {
	v, ok := s.Params[name]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// BoolParam returns a parameter as a bool.
func (s Step) BoolParam(name string) bool {
	switch v := s.Params[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// Dependency classifies what a step needs to execute.
type Dependency int

const (
	// DependsOnPage steps need a live page driver.
	DependsOnPage Dependency = iota
	// DependsOnSnapshot steps only need a captured request with a matching snapshot.
	// network_find identifies the request; network_replay re-issues it.
	DependsOnSnapshot
	// DependsOnNothing steps are pure variable/control steps.
	DependsOnNothing
)

// Dependency returns the step's execution dependency.
func (s Step) Dependency() Dependency {
	switch s.Type {
	case StepSetVar, StepCollect, StepScript, StepSleep, StepNetworkExtract:
		return DependsOnNothing
	case StepNetworkFind, StepNetworkReplay:
		return DependsOnSnapshot
	case StepAssert:
		if c := s.AssertCondition(); c != nil && !c.NeedsPage() {
			return DependsOnNothing
		}
		return DependsOnPage
	default:
		return DependsOnPage
	}
}

// AssertCondition decodes the condition carried by an assert step.
func (s Step) AssertCondition() *Condition {
	raw, ok := s.Params["condition"]
	if !ok {
		return nil
	}
	c, err := ConditionFromValue(raw)
	if err != nil {
		return nil
	}
	return c
}

// TargetParam decodes a target parameter (selector string or {selector, fallbacks}).
func TargetParam(v any) (Target, error) {
	switch t := v.(type) {
	case string:
		return Target{Selector: t}, nil
	case Target:
		return t, nil
	case map[string]any:
		var target Target
		if sel, ok := t["selector"].(string); ok {
			target.Selector = sel
		}
		switch fb := t["fallbacks"].(type) {
		case []any:
			for _, f := range fb {
				target.Fallbacks = append(target.Fallbacks, fmt.Sprint(f))
			}
		case []string:
			target.Fallbacks = append(target.Fallbacks, fb...)
		}
		if target.Selector == "" && len(target.Fallbacks) == 0 {
			return Target{}, fmt.Errorf("target has no selector")
		}
		return target, nil
	case nil:
		return Target{}, fmt.Errorf("target is required")
	default:
		return Target{}, fmt.Errorf("unsupported target type %T", v)
	}
}

// Target identifies a page element with optional fallback alternatives.
type Target struct {
	Selector  string   `yaml:"selector" json:"selector"`
	Fallbacks []string `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// Candidates returns the primary selector followed by fallbacks.
func (t Target) Candidates() []string {
	var out []string
	if t.Selector != "" {
		out = append(out, t.Selector)
	}
	return append(out, t.Fallbacks...)
}

// String returns the primary selector.
func (t Target) String() string {
	if t.Selector != "" {
		return t.Selector
	}
	if len(t.Fallbacks) > 0 {
		return t.Fallbacks[0]
	}
	return ""
}

// RequestRef marks a variable value as a reference to a captured network request.
// Network-producing steps store these so the once-cache can harvest referenced
// entries without sniffing strings.
type RequestRef struct {
	RequestID string `json:"$requestRef"`
}

// String returns the referenced request id.
func (r RequestRef) String() string { return r.RequestID }
