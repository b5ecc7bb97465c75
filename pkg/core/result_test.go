package core

import "testing"

func TestRunResultComputeSummary(t *testing.T) {
	r := RunResult{Steps: []StepResult{
		{Status: StatusPassed},
		{Status: StatusSkipped},
		{Status: StatusWarned},
		{Status: StatusPassed},
	}}
	r.ComputeSummary()

	if r.PassedSteps != 2 {
		t.Errorf("PassedSteps = %d, want 2", r.PassedSteps)
	}
	if r.SkippedSteps != 1 || r.WarnedSteps != 1 || r.FailedSteps != 0 {
		t.Errorf("unexpected summary: %+v", r)
	}
	if got := r.AggregateStatus(); got != StatusWarned {
		t.Errorf("AggregateStatus() = %v, want warned", got)
	}
}

func TestRunResultAggregateStatusFailed(t *testing.T) {
	r := RunResult{Steps: []StepResult{{Status: StatusPassed}, {Status: StatusFailed}}}
	if got := r.AggregateStatus(); got != StatusFailed {
		t.Errorf("AggregateStatus() = %v, want failed", got)
	}
}

func TestStepOutputIsEmpty(t *testing.T) {
	if !(StepOutput{}).IsEmpty() {
		t.Error("zero StepOutput should be empty")
	}
	out := StepOutput{Vars: map[string]interface{}{"token": "x"}}
	if out.IsEmpty() {
		t.Error("StepOutput with vars should not be empty")
	}
}

func TestHeaderValue(t *testing.T) {
	h := map[string]string{"Content-Type": "application/json"}
	if got := HeaderValue(h, "content-type"); got != "application/json" {
		t.Errorf("HeaderValue() = %q", got)
	}
	if got := HeaderValue(h, "x-missing"); got != "" {
		t.Errorf("HeaderValue(missing) = %q, want empty", got)
	}
	resp := &HTTPResponse{Headers: h}
	if resp.ContentType() != "application/json" {
		t.Errorf("ContentType() = %q", resp.ContentType())
	}
}

func TestArtifactLabel(t *testing.T) {
	if got := ArtifactLabel(2, "login/submit"); got != "step-003-login_submit" {
		t.Errorf("ArtifactLabel() = %q", got)
	}
}

func TestArtifactConfigShouldCapture(t *testing.T) {
	c := DefaultArtifactConfig()
	if !c.ShouldCapture(StatusFailed) {
		t.Error("should capture on failure by default")
	}
	if c.ShouldCapture(StatusWarned) {
		t.Error("should not capture on warned")
	}
}

func TestStepStatusText(t *testing.T) {
	b, err := StatusWarned.MarshalText()
	if err != nil || string(b) != "warned" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var s StepStatus
	if err := s.UnmarshalText([]byte("skipped")); err != nil || s != StatusSkipped {
		t.Errorf("UnmarshalText = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown status")
	}

	var c ErrorCategory
	if err := c.UnmarshalText([]byte("snapshot")); err != nil || c != ErrCategorySnapshot {
		t.Errorf("category = %v, %v", c, err)
	}
}
