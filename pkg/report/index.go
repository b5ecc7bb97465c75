package report

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
)

// flushDelay debounces progress writes.
const flushDelay = 100 * time.Millisecond

// RunWriter keeps report.json and report.html current while a run progresses.
// Step updates are debounced; Start and End flush immediately.
type RunWriter struct {
	mu        sync.Mutex
	outputDir string
	path      string
	run       *Run
	timer     *time.Timer
	closed    bool
}

// NewRunWriter creates a writer for a run of f.
func NewRunWriter(outputDir string, f *flow.Flow, runner RunnerInfo) *RunWriter {
	return &RunWriter{
		outputDir: outputDir,
		path:      filepath.Join(outputDir, "report.json"),
		run: &Run{
			Version:    Version,
			Flow:       FlowInfo{Name: flowName(f), SourcePath: f.SourcePath, Tags: f.Config.Tags},
			Status:     core.StatusPending,
			StepsTotal: len(f.Steps),
			Runner:     runner,
			Steps:      []core.StepResult{},
		},
	}
}

// Start marks the run as started.
func (w *RunWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ensureDir(w.outputDir); err != nil {
		return err
	}
	now := time.Now()
	w.run.Status = core.StatusRunning
	w.run.StartTime = now
	return w.flushLocked()
}

// StepDone records a finished or skipped step.
func (w *RunWriter) StepDone(result core.StepResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.run.Steps = append(w.run.Steps, result)
	w.run.Summary = summarize(w.run.StepsTotal, w.run.Steps)

	if result.Status == core.StatusFailed {
		w.flushOrWarn()
		return
	}
	if w.timer == nil && !w.closed {
		w.timer = time.AfterFunc(flushDelay, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.flushOrWarn()
		})
	}
}

// End records the final outcome and writes the report.
func (w *RunWriter) End(out Outcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.run.EndTime = &now
	w.run.RunID = out.Meta.RunID
	w.run.Mode = out.Meta.Mode
	w.run.FellBack = out.Meta.FellBack
	w.run.URL = out.Meta.URL
	w.run.DurationMs = out.Meta.DurationMs
	w.run.StepsExecuted = out.Meta.StepsExecuted
	if out.Meta.StepsTotal > 0 {
		w.run.StepsTotal = out.Meta.StepsTotal
	}
	if out.Steps != nil {
		w.run.Steps = out.Steps
	}
	w.run.Collectibles = out.Collectibles
	w.run.FailedStepID = out.FailedStepID
	if out.Err != nil {
		w.run.Error = out.Err.Error()
	}
	w.run.Status = runStatus(w.run.Steps, out.Err)
	w.run.Summary = summarize(w.run.StepsTotal, w.run.Steps)
	w.run.Artifacts = listArtifacts(w.outputDir)
	w.closed = true
	return w.flushLocked()
}

// Run returns a copy of the current report.
func (w *RunWriter) Run() Run {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := *w.run
	r.Steps = append([]core.StepResult(nil), w.run.Steps...)
	return r
}

func (w *RunWriter) flushOrWarn() {
	if err := w.flushLocked(); err != nil {
		logger.Warn("report flush: %v", err)
	}
}

// flushLocked writes report.json and regenerates report.html.
func (w *RunWriter) flushLocked() error {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.run.UpdateSeq++
	w.run.LastUpdated = time.Now()

	if err := atomicWriteJSON(w.path, w.run); err != nil {
		return err
	}
	return GenerateHTML(w.run, HTMLConfig{
		OutputPath: filepath.Join(w.outputDir, "report.html"),
		ReportDir:  w.outputDir,
	})
}

func flowName(f *flow.Flow) string {
	if f.Config.Name != "" {
		return f.Config.Name
	}
	if f.SourcePath == "" {
		return "flow"
	}
	base := filepath.Base(f.SourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
