package executor

import (
	"fmt"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// RunError is returned when a run stops on a failed step. It carries what
// the run produced before the failure.
type RunError struct {
	Collectibles  map[string]interface{}
	StepsExecuted int
	FailedStepID  string
	Meta          core.RunMeta
	Steps         []core.StepResult
	Err           error
}

func (e *RunError) Error() string {
	if e.FailedStepID == "" {
		return fmt.Sprintf("run failed after %d steps: %v", e.StepsExecuted, e.Err)
	}
	return fmt.Sprintf("step %s failed after %d/%d steps: %v", e.FailedStepID, e.StepsExecuted, e.Meta.StepsTotal, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// SetupStepError is a once step that failed while re-running setup.
type SetupStepError struct {
	StepID string
	Err    error
}

func (e *SetupStepError) Error() string {
	return fmt.Sprintf("setup step %s: %v", e.StepID, e.Err)
}

func (e *SetupStepError) Unwrap() error {
	return e.Err
}
