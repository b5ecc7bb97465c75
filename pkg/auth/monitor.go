package auth

import (
	"sync"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// Failure is one response classified as an auth failure.
type Failure struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	StepID string `json:"stepId"`
}

// Monitor passively classifies responses and records auth failures against
// the step executing when they arrived.
type Monitor struct {
	policy  Policy
	matcher *matcher

	mu       sync.Mutex
	current  string
	failures []Failure
	onDetect []func(Failure)
}

// NewMonitor compiles policy into a monitor.
func NewMonitor(policy Policy) (*Monitor, error) {
	m, err := compileMatcher(policy)
	if err != nil {
		return nil, err
	}
	return &Monitor{policy: policy, matcher: m}, nil
}

// Policy returns the monitor's policy.
func (m *Monitor) Policy() Policy { return m.policy }

// IsAuthFailure reports whether a response matches the policy.
func (m *Monitor) IsAuthFailure(url string, status int) bool {
	if !m.policy.Enabled {
		return false
	}
	codeMatch := false
	for _, code := range m.policy.MatchStatusCodes {
		if code == status {
			codeMatch = true
			break
		}
	}
	return codeMatch && m.matcher.match(url)
}

// Attach subscribes the monitor to a page driver's responses.
func (m *Monitor) Attach(d core.Driver) {
	d.OnResponse(func(r core.Response) { m.observe(r.Request.URL, r.Status, r.StepID) })
}

// OnDetect registers a callback invoked for every recorded failure.
func (m *Monitor) OnDetect(fn func(Failure)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDetect = append(m.onDetect, fn)
}

// SetCurrentStep tags subsequent failures with stepID.
func (m *Monitor) SetCurrentStep(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = stepID
}

// Observe records a failure if the response matches, tagged with the
// current step.
func (m *Monitor) Observe(url string, status int) bool {
	return m.observe(url, status, "")
}

// observe tags the failure with stepID, or the current step when the
// response carries none.
func (m *Monitor) observe(url string, status int, stepID string) bool {
	if !m.IsAuthFailure(url, status) {
		return false
	}
	m.mu.Lock()
	if stepID == "" {
		stepID = m.current
	}
	f := Failure{URL: url, Status: status, StepID: stepID}
	m.failures = append(m.failures, f)
	callbacks := append([]func(Failure){}, m.onDetect...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(f)
	}
	return true
}

// FailuresFor returns the failures recorded for stepID.
func (m *Monitor) FailuresFor(stepID string) []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Failure
	for _, f := range m.failures {
		if f.StepID == stepID {
			out = append(out, f)
		}
	}
	return out
}

// HasFailures reports whether stepID has recorded failures.
func (m *Monitor) HasFailures(stepID string) bool {
	return len(m.FailuresFor(stepID)) > 0
}

// ClearStep drops the failures recorded for stepID.
func (m *Monitor) ClearStep(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.failures[:0]
	for _, f := range m.failures {
		if f.StepID != stepID {
			kept = append(kept, f)
		}
	}
	m.failures = kept
}

// All returns every recorded failure.
func (m *Monitor) All() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Failure(nil), m.failures...)
}
