// Package flow handles parsing and representation of declarative web flow files.
package flow

// Flow represents a parsed flow file.
type Flow struct {
	SourcePath string // Path to the source file
	Config     Config // Flow configuration (name, inputs, tags)
	Steps      []Step // Steps to execute, strictly in order
}

// Config represents flow-level configuration.
type Config struct {
	Name   string            `yaml:"name"`
	Tags   []string          `yaml:"tags"`
	Inputs map[string]string `yaml:"inputs"` // Default input values
	URL    string            `yaml:"url"`    // Optional start URL (informational)
}

// StepByID returns the step with the given id, or nil.
func (f *Flow) StepByID(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// OnceSteps returns the steps flagged with a once scope, in declared order.
func (f *Flow) OnceSteps() []Step {
	var steps []Step
	for _, s := range f.Steps {
		if s.Once != OnceNone {
			steps = append(steps, s)
		}
	}
	return steps
}
