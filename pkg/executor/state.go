package executor

import (
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/template"
)

// RunState is the mutable state of one run. The interpreter owns it; the
// recovery controller and setup re-runs work on the same instance.
type RunState struct {
	Inputs       map[string]interface{}
	Secrets      map[string]interface{}
	Vars         map[string]interface{}
	Collectibles map[string]interface{}
}

// NewRunState creates run state with flow input defaults overridden by inputs.
func NewRunState(defaults map[string]string, inputs, secrets map[string]interface{}) *RunState {
	s := &RunState{
		Inputs:       make(map[string]interface{}, len(defaults)+len(inputs)),
		Secrets:      make(map[string]interface{}, len(secrets)),
		Vars:         make(map[string]interface{}),
		Collectibles: make(map[string]interface{}),
	}
	for k, v := range defaults {
		s.Inputs[k] = v
	}
	for k, v := range inputs {
		s.Inputs[k] = v
	}
	for k, v := range secrets {
		s.Secrets[k] = v
	}
	return s
}

// Bindings returns the template binding set over the live maps.
func (s *RunState) Bindings() template.Bindings {
	return template.Bindings{Inputs: s.Inputs, Vars: s.Vars, Secrets: s.Secrets}
}

// VarsView returns a shallow copy of vars for a step to read while it runs.
func (s *RunState) VarsView() map[string]interface{} {
	return copyMap(s.Vars)
}

// Apply merges a step's output into the live maps.
func (s *RunState) Apply(out core.StepOutput) {
	for k, v := range out.Vars {
		s.Vars[k] = v
	}
	for k, v := range out.Collectibles {
		s.Collectibles[k] = v
	}
}

// CollectiblesCopy returns a copy of the collectibles gathered so far.
func (s *RunState) CollectiblesCopy() map[string]interface{} {
	return copyMap(s.Collectibles)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// requestRefs returns every request ref reachable from v.
func requestRefs(v interface{}) []flow.RequestRef {
	switch val := v.(type) {
	case flow.RequestRef:
		return []flow.RequestRef{val}
	case *flow.RequestRef:
		if val == nil {
			return nil
		}
		return []flow.RequestRef{*val}
	case map[string]interface{}:
		var refs []flow.RequestRef
		for _, item := range val {
			refs = append(refs, requestRefs(item)...)
		}
		return refs
	case []interface{}:
		var refs []flow.RequestRef
		for _, item := range val {
			refs = append(refs, requestRefs(item)...)
		}
		return refs
	}
	return nil
}
