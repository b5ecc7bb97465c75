// Package report provides run reporting: event sinks, failure artifacts and
// a JSON/HTML run report with live updates.
//
// Layout of an output directory:
//   - report.json: run report (rewritten as steps complete)
//   - report.html: static view of report.json
//   - events.jsonl: structured run events, one per line
//   - artifacts/: failure screenshots and page HTML
package report

import (
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// Version is the report schema version.
const Version = "1.0.0"

// Run is the report of one flow run.
type Run struct {
	Version     string          `json:"version"`
	UpdateSeq   uint64          `json:"updateSeq"`
	RunID       string          `json:"runId,omitempty"`
	Flow        FlowInfo        `json:"flow"`
	Status      core.StepStatus `json:"status"`
	Mode        string          `json:"mode,omitempty"`
	FellBack    bool            `json:"fellBack,omitempty"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
	DurationMs  int64           `json:"durationMs"`
	URL         string          `json:"url,omitempty"`
	Runner      RunnerInfo      `json:"runner"`

	StepsExecuted int    `json:"stepsExecuted"`
	StepsTotal    int    `json:"stepsTotal"`
	FailedStepID  string `json:"failedStepId,omitempty"`
	Error         string `json:"error,omitempty"`

	Summary      Summary                `json:"summary"`
	Collectibles map[string]interface{} `json:"collectibles,omitempty"`
	Steps        []core.StepResult      `json:"steps"`
	Artifacts    []string               `json:"artifacts,omitempty"`
}

// FlowInfo identifies the flow that ran.
type FlowInfo struct {
	Name       string   `json:"name"`
	SourcePath string   `json:"sourcePath"`
	Tags       []string `json:"tags,omitempty"`
}

// RunnerInfo contains runner metadata.
type RunnerInfo struct {
	Version string `json:"version"`
	Driver  string `json:"driver"`
}

// Summary contains step counts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Warned  int `json:"warned"`
}

// Outcome is the final state of a run as reported by the executor.
type Outcome struct {
	Meta         core.RunMeta
	Steps        []core.StepResult
	Collectibles map[string]interface{}
	FailedStepID string
	Err          error
}

func summarize(total int, steps []core.StepResult) Summary {
	s := Summary{Total: total}
	for _, step := range steps {
		switch step.Status {
		case core.StatusPassed:
			s.Passed++
		case core.StatusFailed:
			s.Failed++
		case core.StatusSkipped:
			s.Skipped++
		case core.StatusWarned:
			s.Warned++
		}
	}
	return s
}

func runStatus(steps []core.StepResult, err error) core.StepStatus {
	if err != nil {
		return core.StatusFailed
	}
	r := core.RunResult{Steps: steps}
	return r.AggregateStatus()
}
