// Package executor runs flows: the FlowRunner interprets steps and the Runner
// picks the execution mode and wires the collaborators around it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/webflow-runner/pkg/auth"
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
	"github.com/devicelab-dev/webflow-runner/pkg/metrics"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
	"github.com/devicelab-dev/webflow-runner/pkg/oncecache"
	"github.com/devicelab-dev/webflow-runner/pkg/report"
	"github.com/devicelab-dev/webflow-runner/pkg/snapshot"
	"github.com/devicelab-dev/webflow-runner/pkg/validator"
)

// Defaults for RunnerConfig fields left at zero.
const (
	DefaultFindTimeout = 10 * time.Second
	DefaultNetworkWait = 3 * time.Second
	DefaultHTTPTimeout = 30 * time.Second
)

// LaunchFunc starts a page driver for a browser-mode run. The returned
// close function releases it.
type LaunchFunc func(ctx context.Context) (core.Driver, func() error, error)

// ArtifactFunc builds the artifact sink for a launched driver.
type ArtifactFunc func(driver core.Driver) core.ArtifactSink

// RunnerConfig configures the flow runner.
type RunnerConfig struct {
	// Identity
	SessionID string
	ProfileID string
	PackDir   string // Holds the profile once-cache and the snapshot store

	// Bindings
	Inputs  map[string]interface{}
	Secrets map[string]interface{}

	// Execution policy
	HTTPFirst       bool
	StopOnError     bool // Setup re-run failures during auth recovery stop the run
	DefaultOnError  flow.OnErrorPolicy
	DefaultTimeout  time.Duration
	FindTimeout     time.Duration
	NetworkWait     time.Duration
	Policy          auth.Policy
	Guard           auth.GuardConfig
	CaptureCapacity int
	BodyLimit       int
	MaxReplayBody   int
	SnapshotTTL     time.Duration
	HTTPTimeout     time.Duration
	Artifacts       core.ArtifactConfig

	// Collaborators
	LaunchDriver LaunchFunc
	ArtifactSink ArtifactFunc
	Events       core.EventSink
	Metrics      *metrics.Metrics

	// Live progress callbacks
	OnStepComplete func(idx int, result core.StepResult)
}

// Runner orchestrates one flow run: HTTP-first when possible, browser otherwise.
type Runner struct {
	config RunnerConfig
	now    func() time.Time
}

// New creates a new Runner.
func New(cfg RunnerConfig) *Runner {
	if cfg.FindTimeout <= 0 {
		cfg.FindTimeout = DefaultFindTimeout
	}
	if cfg.NetworkWait <= 0 {
		cfg.NetworkWait = DefaultNetworkWait
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.CaptureCapacity <= 0 {
		cfg.CaptureCapacity = network.DefaultCapacity
	}
	return &Runner{config: cfg, now: time.Now}
}

// Run executes f. On failure the error is a *RunError carrying the partial result.
func (r *Runner) Run(ctx context.Context, f *flow.Flow) (*core.RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	events := r.events()

	if errs := validator.ValidateFlow(f); len(errs) > 0 {
		return nil, &RunError{
			Meta: core.RunMeta{RunID: runID, StepsTotal: len(f.Steps)},
			Err:  core.ErrValidation.WithCause(errors.Join(errs...)),
		}
	}

	core.EmitTo(events, core.EventRunStarted, "", f.Config.Name, map[string]interface{}{
		"runId":  runID,
		"source": f.SourcePath,
		"steps":  len(f.Steps),
	})

	// Load the once-cache; persist it whatever happens.
	cache := oncecache.New()
	loc := oncecache.Location{SessionID: r.config.SessionID, ProfileID: r.config.ProfileID, ProfileDir: r.config.PackDir}
	if err := cache.LoadFromDisk(loc); err != nil {
		logger.Warn("once-cache load: %v", err)
		core.EmitTo(events, core.EventWarning, "", fmt.Sprintf("once-cache load: %v", err), nil)
	}
	defer func() {
		if err := cache.Persist(loc); err != nil {
			logger.Warn("once-cache persist: %v", err)
		}
	}()

	store := r.openStore()

	result, err := r.execute(ctx, f, cache, store, events)

	mode := core.ModeBrowser
	status := core.StatusPassed
	var meta *core.RunMeta
	if err != nil {
		status = core.StatusFailed
		var runErr *RunError
		if !errors.As(err, &runErr) {
			runErr = &RunError{Meta: core.RunMeta{StepsTotal: len(f.Steps)}, Err: err}
			err = runErr
		}
		meta = &runErr.Meta
	} else {
		meta = &result.Meta
		status = result.AggregateStatus()
	}
	meta.RunID = runID
	meta.DurationMs = time.Since(start).Milliseconds()
	if meta.Mode != "" {
		mode = meta.Mode
	}

	core.EmitTo(events, core.EventRunFinished, "", "", map[string]interface{}{
		"runId":         runID,
		"status":        status.String(),
		"mode":          mode,
		"fellBack":      meta.FellBack,
		"durationMs":    meta.DurationMs,
		"stepsExecuted": meta.StepsExecuted,
		"stepsTotal":    meta.StepsTotal,
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// execute tries HTTP mode when enabled and compatible, and falls back to
// the browser on any failure there.
func (r *Runner) execute(ctx context.Context, f *flow.Flow, cache *oncecache.Cache, store *snapshot.Store, events core.EventSink) (*core.RunResult, error) {
	fellBack := false
	if r.config.HTTPFirst && store != nil {
		isCached := func(s flow.Step) bool {
			return cache.IsExecuted(s.ID, oncecache.EffectiveScope(s.Once, r.config.SessionID))
		}
		ok, reason := snapshot.Compatible(f, store, isCached, r.now())
		if ok {
			staged := cache.Clone()
			// Events of the attempt are held back until it is known to have succeeded.
			held := report.NewMemorySink()
			var steps []core.StepResult
			result, err := r.runHTTP(ctx, f, staged, store, held, func(_ int, res core.StepResult) {
				steps = append(steps, res)
			})
			if err == nil {
				cache.Adopt(staged)
				for _, e := range held.Events() {
					events.Emit(e)
				}
				if r.config.OnStepComplete != nil {
					for _, res := range steps {
						r.config.OnStepComplete(res.Index, res)
					}
				}
				return result, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			fellBack = true
			r.config.Metrics.SnapshotFallback()
			logger.Warn("http-first run failed, falling back to browser: %v", err)
			core.EmitTo(events, core.EventWarning, "", "http-first run failed, falling back to browser", map[string]interface{}{
				"error":    err.Error(),
				"category": core.CategoryOf(err).String(),
			})
		} else {
			logger.Debug("http-first skipped: %s", reason)
		}
	}

	result, err := r.runBrowser(ctx, f, cache, store, events)
	if err != nil {
		var runErr *RunError
		if errors.As(err, &runErr) {
			runErr.Meta.FellBack = fellBack
		}
		return nil, err
	}
	result.Meta.FellBack = fellBack
	return result, nil
}

// runHTTP interprets f without a page, serving network steps from snapshots.
// Step completions go to onStep rather than the configured callback.
func (r *Runner) runHTTP(ctx context.Context, f *flow.Flow, cache *oncecache.Cache, store *snapshot.Store, events core.EventSink, onStep func(int, core.StepResult)) (*core.RunResult, error) {
	httpNet := snapshot.NewHTTPNetwork(store, snapshot.NewHTTPClient(r.config.HTTPTimeout))
	if r.config.MaxReplayBody > 0 {
		httpNet.MaxBody = r.config.MaxReplayBody
	}
	httpNet.Now = r.now

	buf := network.NewBuffer(r.config.CaptureCapacity)
	state := NewRunState(f.Config.Inputs, r.config.Inputs, r.config.Secrets)
	cfg := r.flowConfig(core.ModeHTTP)
	cfg.OnStepComplete = onStep
	fr := NewFlowRunner(f, state, FlowDeps{
		Network: httpNet,
		Buffer:  buf,
		Cache:   cache,
		Events:  events,
	}, cfg)
	return fr.Run(ctx)
}

// runBrowser launches a page and runs f with capture, auth monitoring,
// recovery and snapshot recording wired in.
func (r *Runner) runBrowser(ctx context.Context, f *flow.Flow, cache *oncecache.Cache, store *snapshot.Store, events core.EventSink) (*core.RunResult, error) {
	if r.config.LaunchDriver == nil {
		return nil, &RunError{Meta: core.RunMeta{Mode: core.ModeBrowser, StepsTotal: len(f.Steps)}, Err: fmt.Errorf("no page driver available")}
	}
	driver, closeDriver, err := r.config.LaunchDriver(ctx)
	if err != nil {
		return nil, &RunError{Meta: core.RunMeta{Mode: core.ModeBrowser, StepsTotal: len(f.Steps)}, Err: fmt.Errorf("launch page driver: %w", err)}
	}
	defer func() {
		if closeDriver == nil {
			return
		}
		if err := closeDriver(); err != nil {
			logger.Warn("close page driver: %v", err)
		}
	}()

	buf := network.NewBuffer(r.config.CaptureCapacity)
	if r.config.BodyLimit > 0 {
		buf.SetBodyLimit(r.config.BodyLimit)
	}
	buf.Attach(driver)

	monitor, err := auth.NewMonitor(r.config.Policy)
	if err != nil {
		return nil, &RunError{Meta: core.RunMeta{Mode: core.ModeBrowser, StepsTotal: len(f.Steps)}, Err: core.ErrInvalidConfig.WithCause(err)}
	}
	monitor.Attach(driver)
	monitor.OnDetect(func(fail auth.Failure) {
		core.EmitTo(events, core.EventAuthFailureDetected, fail.StepID, "", map[string]interface{}{
			"url":    fail.URL,
			"status": fail.Status,
		})
	})

	recovery := auth.NewController(monitor, cache, events)
	recovery.SessionID = r.config.SessionID
	recovery.ProfileID = r.config.ProfileID
	recovery.StopOnError = r.config.StopOnError

	recorder := snapshot.NewRecorder(r.config.SnapshotTTL)

	var artifacts core.ArtifactSink
	if r.config.ArtifactSink != nil {
		artifacts = r.config.ArtifactSink(driver)
	}

	state := NewRunState(f.Config.Inputs, r.config.Inputs, r.config.Secrets)
	fr := NewFlowRunner(f, state, FlowDeps{
		Driver:    driver,
		Network:   newBrowserNetwork(buf, driver, recorder, store, r.config.MaxReplayBody),
		Buffer:    buf,
		Cache:     cache,
		Monitor:   monitor,
		Recovery:  recovery,
		Events:    events,
		Artifacts: artifacts,
	}, r.flowConfig(core.ModeBrowser))

	if err := r.runGuard(ctx, driver, fr, events); err != nil {
		runErr := &RunError{
			Collectibles: state.CollectiblesCopy(),
			Meta:         core.RunMeta{Mode: core.ModeBrowser, StepsTotal: len(f.Steps), URL: driver.CurrentURL()},
			Err:          err,
		}
		var setupErr *SetupStepError
		if errors.As(err, &setupErr) {
			runErr.FailedStepID = setupErr.StepID
		}
		return nil, runErr
	}

	result, err := fr.Run(ctx)
	if err != nil {
		return nil, err
	}

	// Snapshots are only ever written after a fully successful browser run.
	if store != nil {
		if snaps := recorder.Snapshots(); len(snaps) > 0 {
			if err := store.Merge(snaps); err != nil {
				logger.Warn("snapshot merge: %v", err)
			} else {
				logger.Info("recorded %d snapshots to %s", len(snaps), store.Path())
			}
		}
	}
	return result, nil
}

// runGuard runs the pre-flight auth check and, when it fails, the once
// steps as a login phase.
func (r *Runner) runGuard(ctx context.Context, driver core.Driver, fr *FlowRunner, events core.EventSink) error {
	guard := auth.NewGuard(r.config.Guard, r.config.Policy, driver)
	if !guard.Enabled() {
		return nil
	}
	ok, reason, err := guard.Check(ctx)
	if err != nil {
		logger.Warn("auth guard: %v", err)
		reason = err.Error()
	}
	if ok {
		logger.Debug("auth guard passed")
		return nil
	}
	logger.Info("auth guard failed (%s), running setup", reason)
	core.EmitTo(events, core.EventWarning, "", "auth guard failed, running setup", map[string]interface{}{"reason": reason})
	if err := fr.RunSetup(ctx); err != nil {
		if r.config.StopOnError {
			return fmt.Errorf("auth guard setup: %w", err)
		}
		logger.Warn("auth guard setup: %v", err)
	}
	return nil
}

func (r *Runner) flowConfig(mode string) FlowConfig {
	return FlowConfig{
		Mode:           mode,
		SessionID:      r.config.SessionID,
		DefaultOnError: r.config.DefaultOnError,
		DefaultTimeout: r.config.DefaultTimeout,
		FindTimeout:    r.config.FindTimeout,
		NetworkWait:    r.config.NetworkWait,
		Artifacts:      r.config.Artifacts,
		OnStepComplete: r.config.OnStepComplete,
	}
}

func (r *Runner) openStore() *snapshot.Store {
	if r.config.PackDir == "" {
		return nil
	}
	store, err := snapshot.Open(snapshot.StorePath(r.config.PackDir))
	if err != nil {
		logger.Warn("snapshot store: %v", err)
	}
	return store
}

// events fans out to the caller's sink and the metrics collector.
func (r *Runner) events() core.EventSink {
	var sinks []core.EventSink
	if r.config.Events != nil {
		sinks = append(sinks, r.config.Events)
	}
	if r.config.Metrics != nil {
		sinks = append(sinks, r.config.Metrics)
	}
	return report.NewMultiSink(sinks...)
}
