package report

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/driver/mock"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

func testFlow() *flow.Flow {
	return &flow.Flow{
		SourcePath: "flows/login.yaml",
		Config:     flow.Config{Tags: []string{"smoke"}},
		Steps: []flow.Step{
			{ID: "open", Type: flow.StepNavigate},
			{ID: "submit", Type: flow.StepClick},
		},
	}
}

func TestRunWriterLifecycle(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, testFlow(), RunnerInfo{Version: "test", Driver: "mock"})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r, err := ReadRun(dir)
	if err != nil {
		t.Fatalf("ReadRun after Start: %v", err)
	}
	if r.Status != core.StatusRunning {
		t.Errorf("status = %v, want running", r.Status)
	}
	if r.Flow.Name != "login" {
		t.Errorf("flow name = %q, want login", r.Flow.Name)
	}

	passed := core.StepResult{StepID: "open", Index: 0, Type: "navigate", Status: core.StatusPassed, ExecutedBy: core.ExecutedByDriver}
	w.StepDone(passed)

	err = w.End(Outcome{
		Meta:         core.RunMeta{RunID: "run-1", Mode: core.ModeBrowser, DurationMs: 1500, StepsExecuted: 2, StepsTotal: 2},
		Steps:        []core.StepResult{passed, {StepID: "submit", Index: 1, Type: "click", Status: core.StatusWarned}},
		Collectibles: map[string]interface{}{"token": "abc"},
	})
	if err != nil {
		t.Fatalf("End: %v", err)
	}

	r, err = ReadRun(dir)
	if err != nil {
		t.Fatalf("ReadRun after End: %v", err)
	}
	if r.Status != core.StatusWarned {
		t.Errorf("status = %v, want warned", r.Status)
	}
	if r.RunID != "run-1" || r.Mode != core.ModeBrowser {
		t.Errorf("meta = %q/%q", r.RunID, r.Mode)
	}
	if r.Summary.Passed != 1 || r.Summary.Warned != 1 || r.Summary.Total != 2 {
		t.Errorf("summary = %+v", r.Summary)
	}
	if r.EndTime == nil {
		t.Error("EndTime not set")
	}
	if r.Collectibles["token"] != "abc" {
		t.Errorf("collectibles = %v", r.Collectibles)
	}

	html, err := os.ReadFile(filepath.Join(dir, "report.html"))
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	if !strings.Contains(string(html), "submit") || !strings.Contains(string(html), "warned") {
		t.Error("html missing step rows")
	}
}

func TestRunWriterFailure(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, testFlow(), RunnerInfo{})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := core.StepResult{StepID: "submit", Index: 1, Status: core.StatusFailed, Error: "element not found"}
	w.StepDone(failed)

	// Failed steps flush without waiting for the debounce.
	r, err := ReadRun(dir)
	if err != nil {
		t.Fatalf("ReadRun: %v", err)
	}
	if len(r.Steps) != 1 || r.Summary.Failed != 1 {
		t.Errorf("steps = %d, failed = %d", len(r.Steps), r.Summary.Failed)
	}

	if err := w.End(Outcome{FailedStepID: "submit", Err: errors.New("element not found")}); err != nil {
		t.Fatalf("End: %v", err)
	}
	got := w.Run()
	if got.Status != core.StatusFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
	if got.FailedStepID != "submit" || got.Error != "element not found" {
		t.Errorf("failure = %q %q", got.FailedStepID, got.Error)
	}
	if len(got.Steps) != 1 {
		t.Errorf("End without steps should keep recorded steps, got %d", len(got.Steps))
	}
}

func TestRunWriterDebouncedFlush(t *testing.T) {
	dir := t.TempDir()
	w := NewRunWriter(dir, testFlow(), RunnerInfo{})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.StepDone(core.StepResult{StepID: "open", Status: core.StatusPassed})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := ReadRun(dir)
		if err == nil && len(r.Steps) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("debounced flush never wrote the step")
}

func TestFlowName(t *testing.T) {
	tests := []struct {
		f    *flow.Flow
		want string
	}{
		{&flow.Flow{Config: flow.Config{Name: "Checkout"}}, "Checkout"},
		{&flow.Flow{SourcePath: "a/b/search.yml"}, "search"},
		{&flow.Flow{}, "flow"},
	}
	for _, tt := range tests {
		if got := flowName(tt.f); got != tt.want {
			t.Errorf("flowName = %q, want %q", got, tt.want)
		}
	}
}

func TestArtifactDir(t *testing.T) {
	dir := t.TempDir()
	a := NewArtifactDir(dir, mock.New(mock.Config{}))
	if a.Shooter == nil {
		t.Fatal("mock driver should provide screenshots")
	}

	label := core.ArtifactLabel(2, "submit form")
	if err := a.SaveScreenshot(context.Background(), label); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}
	if err := a.SaveHTML(context.Background(), label, "<html></html>"); err != nil {
		t.Fatalf("SaveHTML: %v", err)
	}

	got := listArtifacts(dir)
	want := []string{"artifacts/step-003-submit_form.html", "artifacts/step-003-submit_form.png"}
	if len(got) != len(want) {
		t.Fatalf("artifacts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("artifacts[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGenerateHTMLEmbedsScreenshots(t *testing.T) {
	dir := t.TempDir()
	a := &ArtifactDir{Dir: filepath.Join(dir, ArtifactsDir), Shooter: mock.New(mock.Config{})}
	if err := a.SaveScreenshot(context.Background(), "step-001-open"); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}

	run := &Run{
		Flow:      FlowInfo{Name: "embed"},
		Status:    core.StatusFailed,
		Artifacts: listArtifacts(dir),
		Error:     "boom",
	}
	out := filepath.Join(dir, "out.html")
	if err := GenerateHTML(run, HTMLConfig{OutputPath: out, ReportDir: dir, EmbedAssets: true}); err != nil {
		t.Fatalf("GenerateHTML: %v", err)
	}
	data, _ := os.ReadFile(out)
	if !strings.Contains(string(data), `<img src="data:image/png;base64,`) {
		t.Error("screenshot not embedded")
	}
	if strings.Contains(string(data), "ZgotmplZ") {
		t.Error("template sanitized the embedded image URL")
	}
	if !strings.Contains(string(data), "boom") {
		t.Error("error missing from html")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{250, "250ms"},
		{1500, "1.5s"},
		{125000, "2m 5s"},
	}
	for _, tt := range tests {
		ms := tt.ms
		if got := formatDuration(&ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
	if got := formatDuration(nil); got != "-" {
		t.Errorf("formatDuration(nil) = %q", got)
	}
}

func TestEventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	l, err := OpenEventLog(path)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	core.EmitTo(l, core.EventRunStarted, "", "", map[string]interface{}{"runId": "r1"})
	core.EmitTo(l, core.EventStepFinished, "open", "", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l.Emit(core.NewEvent(core.EventWarning, "", "after close", nil))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var e core.Event
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Type != core.EventStepFinished || e.StepID != "open" {
		t.Errorf("event = %+v", e)
	}
}

func TestZapSinkLevels(t *testing.T) {
	coreLog, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(coreLog))

	core.EmitTo(sink, core.EventStepStarted, "a", "", nil)
	core.EmitTo(sink, core.EventAuthFailureDetected, "a", "401", map[string]interface{}{"status": 401})
	core.EmitTo(sink, core.EventAuthRecoveryExhaust, "a", "", nil)
	core.EmitTo(sink, core.EventRunFinished, "", "", map[string]interface{}{"status": "passed"})

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	want := []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d level = %v, want %v", i, entries[i].Level, lvl)
		}
	}
	if entries[1].Message != "auth_failure_detected: 401" {
		t.Errorf("message = %q", entries[1].Message)
	}
	if entries[1].ContextMap()["step"] != "a" {
		t.Errorf("fields = %v", entries[1].ContextMap())
	}
}

func TestMultiSink(t *testing.T) {
	if _, ok := NewMultiSink(nil, nil).(core.NopSink); !ok {
		t.Error("all-nil sinks should collapse to NopSink")
	}

	a, b := NewMemorySink(), NewMemorySink()
	if got := NewMultiSink(nil, a); got != core.EventSink(a) {
		t.Error("a single sink should be returned as is")
	}

	sink := NewMultiSink(a, nil, b)
	core.EmitTo(sink, core.EventWarning, "x", "careful", nil)
	core.EmitTo(sink, core.EventWarning, "y", "again", nil)
	core.EmitTo(sink, core.EventError, "y", "bad", nil)

	if a.Count(core.EventWarning) != 2 || b.Count(core.EventWarning) != 2 {
		t.Errorf("warnings = %d/%d", a.Count(core.EventWarning), b.Count(core.EventWarning))
	}
	errs := b.Find(core.EventError)
	if len(errs) != 1 || errs[0].Message != "bad" {
		t.Errorf("errors = %+v", errs)
	}
	if len(a.Events()) != 3 {
		t.Errorf("events = %d", len(a.Events()))
	}
}
