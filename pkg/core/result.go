package core

import (
	"time"
)

// NetworkEntry is one redacted request/response pair observed on the page.
// It is safe to log and to persist.
type NetworkEntry struct {
	ID                      string            `json:"id"`
	Timestamp               int64             `json:"ts"` // Unix millis when the request started
	Method                  string            `json:"method"`
	URL                     string            `json:"url"`
	ResourceType            string            `json:"resourceType,omitempty"`
	RedactedRequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RedactedPostData        string            `json:"postData,omitempty"`
	Status                  int               `json:"status,omitempty"` // Zero until the response arrives
	RedactedResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBodySnippet     string            `json:"responseBodySnippet,omitempty"`
	IsLikelyAPI             bool              `json:"isLikelyApi"`
}

// StepOutput is the vars/collectibles delta a step produced, plus the network
// entries referenced by new request-ref variables. It is the unit memoized for once steps.
type StepOutput struct {
	Vars           map[string]interface{} `json:"vars,omitempty"`
	Collectibles   map[string]interface{} `json:"collectibles,omitempty"`
	NetworkEntries []NetworkEntry         `json:"networkEntries,omitempty"`
}

// IsEmpty reports whether the output carries no state.
func (o StepOutput) IsEmpty() bool {
	return len(o.Vars) == 0 && len(o.Collectibles) == 0 && len(o.NetworkEntries) == 0
}

// StepResult captures the outcome of executing a single step
type StepResult struct {
	// Identity
	StepID string `json:"stepId"`
	Index  int    `json:"index"` // 0-based position in flow
	Type   string `json:"type"`
	Label  string `json:"label,omitempty"`

	// Execution context
	ExecutedBy ExecutedBy `json:"executedBy"`

	// Status
	Status   StepStatus    `json:"status"`
	Category ErrorCategory `json:"errorCategory,omitempty"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	Message string `json:"message,omitempty"` // Skip reason or warning
	Error   string `json:"error,omitempty"`

	// Auth recovery tracking
	Attempt   int  `json:"attempt"`             // 1-based; >1 after a post-recovery retry
	Recovered bool `json:"recovered,omitempty"` // True if passed after an auth recovery
}

// RunMeta is the metadata returned with a run result.
type RunMeta struct {
	RunID         string `json:"runId"`
	URL           string `json:"url"` // Page URL at the end of the run (empty in HTTP mode)
	DurationMs    int64  `json:"durationMs"`
	StepsExecuted int    `json:"stepsExecuted"`
	StepsTotal    int    `json:"stepsTotal"`
	Mode          string `json:"mode"`               // "http" or "browser"
	FellBack      bool   `json:"fellBack,omitempty"` // HTTP-first attempt was demoted to browser
}

// Run modes
const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
)

// RunResult is the outcome of a successful run.
type RunResult struct {
	Collectibles map[string]interface{} `json:"collectibles"`
	Meta         RunMeta                `json:"meta"`
	Steps        []StepResult           `json:"steps,omitempty"`

	// Summary (computed)
	PassedSteps  int `json:"passedSteps"`
	FailedSteps  int `json:"failedSteps"`
	SkippedSteps int `json:"skippedSteps"`
	WarnedSteps  int `json:"warnedSteps"`
}

// ComputeSummary calculates step counts from the Steps slice
func (r *RunResult) ComputeSummary() {
	r.PassedSteps = 0
	r.FailedSteps = 0
	r.SkippedSteps = 0
	r.WarnedSteps = 0

	for _, step := range r.Steps {
		switch step.Status {
		case StatusPassed:
			r.PassedSteps++
		case StatusFailed:
			r.FailedSteps++
		case StatusSkipped:
			r.SkippedSteps++
		case StatusWarned:
			r.WarnedSteps++
		}
	}
}

// AggregateStatus determines the run status from step results
// Rules:
// - Any failed step → StatusFailed
// - All passed (with optional warned) → StatusPassed or StatusWarned
func (r *RunResult) AggregateStatus() StepStatus {
	warned := false
	for _, step := range r.Steps {
		switch step.Status {
		case StatusFailed:
			return StatusFailed
		case StatusWarned:
			warned = true
		}
	}
	if warned {
		return StatusWarned
	}
	return StatusPassed
}

// Outcome is how the failure-handling path resolved a step failure.
type Outcome int

// Outcome values
const (
	OutcomeStopped   Outcome = iota // Run stops with Err
	OutcomeContinued                // Failure tolerated; move to the next step
	OutcomeRetried                  // Step succeeded on a retry; move to the next step
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeContinued:
		return "continued"
	case OutcomeRetried:
		return "retried"
	default:
		return "stopped"
	}
}

// FailureResult is the tagged result of handling a step failure.
type FailureResult struct {
	Outcome Outcome
	Err     error
}
