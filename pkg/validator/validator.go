// Package validator validates flow files before execution.
// It parses files upfront and checks every step for structural errors so
// malformed flows are rejected before any page driver is launched.
package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	File    string
	StepID  string
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.File != "" && e.StepID != "":
		return fmt.Sprintf("%s: step %q: %s", e.File, e.StepID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("step %q: %s", e.StepID, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// Result contains the validation result.
type Result struct {
	// Files is the list of flow file paths that parsed successfully.
	Files []string
	// Errors contains all validation errors found.
	Errors []error
}

// IsValid returns true if there are no validation errors.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

// requiredParams lists the parameters each step type cannot run without.
var requiredParams = map[flow.StepType][]string{
	flow.StepNavigate:         {"url"},
	flow.StepClick:            {"target"},
	flow.StepFill:             {"target", "value"},
	flow.StepExtractText:      {"target", "out"},
	flow.StepExtractAttribute: {"target", "name", "out"},
	flow.StepWaitFor:          {"target"},
	flow.StepAssert:           {"condition"},
	flow.StepSetVar:           {"name", "value"},
	flow.StepCollect:          {"name", "value"},
	flow.StepScript:           {"code"},
	flow.StepSleep:            {"ms"},
	flow.StepNetworkFind:      {"urlIncludes", "out"},
	flow.StepNetworkReplay:    {"request", "out"},
	flow.StepNetworkExtract:   {"from", "path", "out"},
}

// Validator validates flow files.
type Validator struct{}

// New creates a new Validator.
func New() *Validator {
	return &Validator{}
}

// Validate validates a file or directory of flow files.
func (v *Validator) Validate(path string) *Result {
	result := &Result{}

	info, err := os.Stat(path)
	if err != nil {
		result.Errors = append(result.Errors, &ValidationError{
			File:    path,
			Message: fmt.Sprintf("cannot access: %v", err),
		})
		return result
	}

	var files []string
	if info.IsDir() {
		files, err = v.collectFlowFiles(path)
		if err != nil {
			result.Errors = append(result.Errors, &ValidationError{
				File:    path,
				Message: fmt.Sprintf("failed to scan directory: %v", err),
			})
			return result
		}
	} else {
		files = []string{path}
	}

	for _, file := range files {
		f, err := flow.ParseFile(file)
		if err != nil {
			result.Errors = append(result.Errors, &ValidationError{
				File:    file,
				Message: fmt.Sprintf("parse error: %v", err),
			})
			continue
		}
		errs := ValidateFlow(f)
		if len(errs) == 0 {
			result.Files = append(result.Files, file)
		}
		result.Errors = append(result.Errors, errs...)
	}

	return result
}

// collectFlowFiles finds all .yaml/.yml files in a directory.
func (v *Validator) collectFlowFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if (ext == ".yaml" || ext == ".yml") && !isConfigFile(info.Name()) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

func isConfigFile(name string) bool {
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
	return base == "webflow"
}

// ValidateFlow checks a parsed flow. It returns every problem found rather
// than stopping at the first.
func ValidateFlow(f *flow.Flow) []error {
	var errs []error
	add := func(stepID, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{
			File:    f.SourcePath,
			StepID:  stepID,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(f.Steps) == 0 {
		add("", "flow has no steps")
	}

	seen := make(map[string]bool, len(f.Steps))
	for i, step := range f.Steps {
		if step.ID == "" {
			add("", "step %d has no id", i+1)
		} else if seen[step.ID] {
			add(step.ID, "duplicate step id")
		}
		seen[step.ID] = true

		if !flow.IsKnownStepType(step.Type) {
			add(step.ID, "unknown step type %q", step.Type)
			continue
		}

		switch step.Once {
		case flow.OnceNone, flow.OnceSession, flow.OnceProfile:
		default:
			add(step.ID, "invalid once scope %q (want session or profile)", step.Once)
		}

		switch step.OnError {
		case flow.OnErrorDefault, flow.OnErrorStop, flow.OnErrorContinue:
		default:
			add(step.ID, "invalid onError %q (want stop or continue)", step.OnError)
		}

		if step.TimeoutMs < 0 {
			add(step.ID, "timeoutMs must not be negative")
		}

		for _, p := range requiredParams[step.Type] {
			if _, ok := step.Params[p]; !ok {
				add(step.ID, "missing required param %q", p)
			}
		}

		if step.SkipIf != nil {
			for _, msg := range checkCondition(step.SkipIf) {
				add(step.ID, "skip_if: %s", msg)
			}
		}
		if step.Type == flow.StepAssert {
			if raw, ok := step.Params["condition"]; ok {
				cond, err := flow.ConditionFromValue(raw)
				if err != nil {
					add(step.ID, "condition: %v", err)
				} else {
					for _, msg := range checkCondition(cond) {
						add(step.ID, "condition: %s", msg)
					}
				}
			}
		}
	}

	return errs
}

// checkCondition reports structural problems. Unknown kinds are not errors:
// the evaluator treats them as false with a warning.
func checkCondition(c *flow.Condition) []string {
	var msgs []string
	if c.URLMatches != "" {
		if _, err := regexp.Compile(c.URLMatches); err != nil {
			msgs = append(msgs, fmt.Sprintf("url_matches: invalid regex: %v", err))
		}
	}
	if c.VarEquals != nil && c.VarEquals.Name == "" {
		msgs = append(msgs, "var_equals: name is required")
	}
	for i := range c.All {
		msgs = append(msgs, checkCondition(&c.All[i])...)
	}
	for i := range c.Any {
		msgs = append(msgs, checkCondition(&c.Any[i])...)
	}
	return msgs
}
