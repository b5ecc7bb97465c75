package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/auth"
	"github.com/devicelab-dev/webflow-runner/pkg/condition"
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
	"github.com/devicelab-dev/webflow-runner/pkg/oncecache"
	"github.com/devicelab-dev/webflow-runner/pkg/template"
)

const (
	// artifactTimeout bounds failure artifact capture.
	artifactTimeout     = 10 * time.Second
	networkFlushTimeout = 2 * time.Second
)

// FlowConfig configures one interpretation of a flow.
type FlowConfig struct {
	Mode           string             // core.ModeBrowser or core.ModeHTTP
	SessionID      string             // Selects the once-cache partition for once: session steps
	DefaultOnError flow.OnErrorPolicy // Used when a step declares none; empty means stop
	DefaultTimeout time.Duration      // Used when a step declares no timeoutMs; 0 = none
	FindTimeout    time.Duration      // Bounds element lookups
	NetworkWait    time.Duration      // Default network_find polling window
	Artifacts      core.ArtifactConfig

	// Live progress callbacks
	OnStepStart    func(idx int, step flow.Step)
	OnStepComplete func(idx int, result core.StepResult)
}

// FlowDeps are the collaborators a FlowRunner borrows for one run.
// Driver, Buffer, Monitor and Recovery are nil in HTTP mode.
type FlowDeps struct {
	Driver    core.Driver
	Network   Network
	Buffer    *network.Buffer
	Cache     *oncecache.Cache
	Monitor   *auth.Monitor
	Recovery  *auth.Controller
	Events    core.EventSink
	Artifacts core.ArtifactSink
}

// FlowRunner executes a single flow, one step at a time.
type FlowRunner struct {
	flow      *flow.Flow
	config    FlowConfig
	state     *RunState
	driver    core.Driver
	network   Network
	buffer    *network.Buffer
	cache     *oncecache.Cache
	monitor   *auth.Monitor
	recovery  *auth.Controller
	cond      *condition.Evaluator
	events    core.EventSink
	artifacts core.ArtifactSink

	attempts      map[string]int
	results       []core.StepResult
	stepsExecuted int
}

// NewFlowRunner creates an interpreter over f sharing state with its caller.
func NewFlowRunner(f *flow.Flow, state *RunState, deps FlowDeps, cfg FlowConfig) *FlowRunner {
	if cfg.Mode == "" {
		cfg.Mode = core.ModeBrowser
	}
	events := deps.Events
	if events == nil {
		events = core.NopSink{}
	}
	return &FlowRunner{
		flow:      f,
		config:    cfg,
		state:     state,
		driver:    deps.Driver,
		network:   deps.Network,
		buffer:    deps.Buffer,
		cache:     deps.Cache,
		monitor:   deps.Monitor,
		recovery:  deps.Recovery,
		cond:      condition.New(deps.Driver),
		events:    events,
		artifacts: deps.Artifacts,
		attempts:  make(map[string]int),
	}
}

// State returns the run state the interpreter works on.
func (fr *FlowRunner) State() *RunState { return fr.state }

// Run executes every step in order. On failure the error is a *RunError
// carrying the partial result.
func (fr *FlowRunner) Run(ctx context.Context) (*core.RunResult, error) {
	start := time.Now()

	for i, step := range fr.flow.Steps {
		// Check context cancellation
		if ctx.Err() != nil {
			return nil, fr.runError(step.ID, start, fmt.Errorf("execution cancelled: %w", ctx.Err()))
		}

		if err := fr.runStep(ctx, i, step); err != nil {
			return nil, fr.runError(step.ID, start, err)
		}
	}

	result := &core.RunResult{
		Collectibles: fr.state.CollectiblesCopy(),
		Meta:         fr.meta(start),
		Steps:        fr.results,
	}
	result.ComputeSummary()
	return result, nil
}

func (fr *FlowRunner) meta(start time.Time) core.RunMeta {
	m := core.RunMeta{
		DurationMs:    time.Since(start).Milliseconds(),
		StepsExecuted: fr.stepsExecuted,
		StepsTotal:    len(fr.flow.Steps),
		Mode:          fr.config.Mode,
	}
	if fr.driver != nil {
		m.URL = fr.driver.CurrentURL()
	}
	return m
}

func (fr *FlowRunner) runError(stepID string, start time.Time, err error) *RunError {
	return &RunError{
		Collectibles:  fr.state.CollectiblesCopy(),
		StepsExecuted: fr.stepsExecuted,
		FailedStepID:  stepID,
		Meta:          fr.meta(start),
		Steps:         fr.results,
		Err:           err,
	}
}

// runStep drives one step through once-cache, skip_if, execution and
// failure handling. A non-nil error stops the run.
func (fr *FlowRunner) runStep(ctx context.Context, idx int, step flow.Step) error {
	if fr.config.OnStepStart != nil {
		fr.config.OnStepStart(idx, step)
	}

	if step.Once != flow.OnceNone && fr.cache != nil {
		scope := oncecache.EffectiveScope(step.Once, fr.config.SessionID)
		if out, ok := fr.cache.Outputs(step.ID, scope); ok {
			fr.restore(out)
			fr.skip(idx, step, core.ExecutedByCache, "once", fmt.Sprintf("already executed in %s scope", scope))
			return nil
		}
	}

	if step.SkipIf != nil {
		skip, warn := fr.cond.Evaluate(ctx, step.SkipIf, fr.state.Vars)
		if warn != nil {
			fr.warn(step.ID, "skip_if", warn)
		}
		if skip {
			fr.skip(idx, step, core.ExecutedByRunner, "skip_if", "skip_if condition is true")
			return nil
		}
	}

	result := core.StepResult{
		StepID:     step.ID,
		Index:      idx,
		Type:       string(step.Type),
		Label:      step.Label,
		ExecutedBy: fr.executedBy(step),
		Status:     core.StatusRunning,
		StartTime:  time.Now(),
	}
	core.EmitTo(fr.events, core.EventStepStarted, step.ID, step.Describe(), core.StepRef(step))

	err := fr.attempt(ctx, step)
	if err == nil {
		result.Status = core.StatusPassed
		fr.finish(&result, nil)
		return nil
	}

	core.EmitTo(fr.events, core.EventError, step.ID, err.Error(), map[string]interface{}{
		"category": core.CategoryOf(err).String(),
	})

	handled := fr.handleFailure(ctx, step, err)
	switch handled.Outcome {
	case core.OutcomeRetried:
		result.Status = core.StatusPassed
		result.Recovered = true
		fr.finish(&result, nil)
		return nil
	case core.OutcomeContinued:
		result.Status = core.StatusWarned
		result.Message = "failure tolerated"
		fr.finish(&result, handled.Err)
		return nil
	default:
		result.Status = core.StatusFailed
		fr.finish(&result, handled.Err)
		fr.captureArtifacts(ctx, idx, step)
		return handled.Err
	}
}

func (fr *FlowRunner) finish(result *core.StepResult, err error) {
	result.Duration = time.Since(result.StartTime)
	result.Attempt = fr.attempts[result.StepID]
	if err != nil {
		result.Error = err.Error()
		result.Category = core.CategoryOf(err)
	}
	if result.Status != core.StatusFailed {
		fr.stepsExecuted++
	}
	fr.results = append(fr.results, *result)

	data := map[string]interface{}{
		"status":     result.Status.String(),
		"durationMs": result.Duration.Milliseconds(),
		"executedBy": string(result.ExecutedBy),
		"attempt":    result.Attempt,
	}
	if result.Recovered {
		data["recovered"] = true
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	core.EmitTo(fr.events, core.EventStepFinished, result.StepID, result.Message, data)

	if fr.config.OnStepComplete != nil {
		fr.config.OnStepComplete(result.Index, *result)
	}
}

func (fr *FlowRunner) skip(idx int, step flow.Step, by core.ExecutedBy, reason, msg string) {
	fr.stepsExecuted++
	result := core.StepResult{
		StepID:     step.ID,
		Index:      idx,
		Type:       string(step.Type),
		Label:      step.Label,
		ExecutedBy: by,
		Status:     core.StatusSkipped,
		StartTime:  time.Now(),
		Message:    msg,
	}
	fr.results = append(fr.results, result)
	core.EmitTo(fr.events, core.EventStepSkipped, step.ID, msg, map[string]interface{}{
		"reason":     reason,
		"executedBy": string(by),
	})
	if fr.config.OnStepComplete != nil {
		fr.config.OnStepComplete(idx, result)
	}
}

// restore merges a memoized output back into the run.
func (fr *FlowRunner) restore(out core.StepOutput) {
	fr.state.Apply(out)
	if fr.buffer != nil && len(out.NetworkEntries) > 0 {
		fr.buffer.Import(out.NetworkEntries)
	}
}

// attempt resolves, executes and commits one step with no failure handling.
func (fr *FlowRunner) attempt(ctx context.Context, step flow.Step) error {
	fr.attempts[step.ID]++
	if fr.monitor != nil {
		fr.monitor.SetCurrentStep(step.ID)
	}
	if an, ok := fr.driver.(core.AsyncNetwork); ok {
		an.SetStep(step.ID)
	}

	params, err := template.ResolveParams(step.Params, fr.state.Bindings())
	if err != nil {
		return core.ErrStepFailure.WithMessage("resolve params").WithCause(err)
	}

	out, err := fr.execute(ctx, stepCall{step: step, params: params, vars: fr.state.VarsView()})
	if err != nil {
		return err
	}

	fr.state.Apply(out)
	if step.Once != flow.OnceNone && fr.cache != nil {
		fr.memoize(step, out)
	}
	return nil
}

// execute runs the step under its deadline. Work that outlives the deadline
// is abandoned and its output discarded.
func (fr *FlowRunner) execute(ctx context.Context, c stepCall) (core.StepOutput, error) {
	timeout := fr.config.DefaultTimeout
	if c.step.TimeoutMs > 0 {
		timeout = time.Duration(c.step.TimeoutMs) * time.Millisecond
	}
	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out core.StepOutput
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: core.ErrStepFailure.WithMessage(fmt.Sprintf("step panicked: %v", r))}
			}
		}()
		out, err := fr.dispatch(stepCtx, c)
		done <- outcome{out: out, err: err}
	}()

	timedOut := func() error {
		return core.ErrStepTimeout.
			WithMessage(fmt.Sprintf("step %s exceeded %s", c.step.ID, timeout)).
			WithCause(stepCtx.Err())
	}

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return core.StepOutput{}, timedOut()
		}
		return o.out, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return core.StepOutput{}, ctx.Err()
		}
		return core.StepOutput{}, timedOut()
	}
}

// memoize stores a once step's output together with the network entries its
// new request refs point at.
func (fr *FlowRunner) memoize(step flow.Step, out core.StepOutput) {
	if fr.buffer != nil {
		seen := make(map[string]bool)
		for _, v := range out.Vars {
			for _, ref := range requestRefs(v) {
				if seen[ref.RequestID] {
					continue
				}
				seen[ref.RequestID] = true
				if entry, ok := fr.buffer.Entry(ref.RequestID); ok {
					out.NetworkEntries = append(out.NetworkEntries, entry)
				}
			}
		}
	}
	scope := oncecache.EffectiveScope(step.Once, fr.config.SessionID)
	fr.cache.MarkExecuted(step.ID, scope, out)
	logger.Debug("memoized once step %s in %s scope", step.ID, scope)
}

// handleFailure decides what a step failure means for the run. Auth failures
// go through recovery first; exhausting the recovery budget is terminal.
// Anything else honours optional, then onError.
func (fr *FlowRunner) handleFailure(ctx context.Context, step flow.Step, err error) core.FailureResult {
	fr.flushNetwork(ctx)
	if fr.recovery.ShouldRecover(step.ID) {
		res := fr.recovery.Recover(ctx, step, err, fr)
		if res.Outcome == core.OutcomeRetried || errors.Is(res.Err, core.ErrAuthRecoveryExhausted) {
			return res
		}
		if res.Err != nil {
			err = res.Err
		}
	}

	// A stale snapshot must demote the run, never be tolerated.
	if fr.config.Mode == core.ModeHTTP && core.CategoryOf(err) == core.ErrCategorySnapshot {
		return core.FailureResult{Outcome: core.OutcomeStopped, Err: err}
	}

	if step.IsOptional() {
		logger.Warn("optional step %s failed: %v", step.ID, err)
		return core.FailureResult{Outcome: core.OutcomeContinued, Err: err}
	}

	policy := step.OnError
	if policy == flow.OnErrorDefault {
		policy = fr.config.DefaultOnError
	}
	if policy == flow.OnErrorContinue {
		logger.Warn("step %s failed, continuing: %v", step.ID, err)
		return core.FailureResult{Outcome: core.OutcomeContinued, Err: err}
	}
	return core.FailureResult{Outcome: core.OutcomeStopped, Err: err}
}

// flushNetwork waits for responses the driver has received but not yet
// delivered, so auth failures are recorded before they are checked.
func (fr *FlowRunner) flushNetwork(ctx context.Context) {
	an, ok := fr.driver.(core.AsyncNetwork)
	if !ok {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, networkFlushTimeout)
	defer cancel()
	if err := an.Flush(flushCtx); err != nil {
		logger.Warn("network flush before failure handling: %v", err)
	}
}

// ExecuteStep runs one step with normal timeout semantics. It is the retry
// path of the recovery controller.
func (fr *FlowRunner) ExecuteStep(ctx context.Context, step flow.Step) error {
	return fr.attempt(ctx, step)
}

// RunSetup executes every once step regardless of the cache, as a login
// phase. Optional steps may fail; other failures are joined as
// *SetupStepError values in step order.
func (fr *FlowRunner) RunSetup(ctx context.Context) error {
	var errs []error
	for _, step := range fr.flow.OnceSteps() {
		if step.SkipIf != nil {
			skip, warn := fr.cond.Evaluate(ctx, step.SkipIf, fr.state.Vars)
			if warn != nil {
				fr.warn(step.ID, "skip_if", warn)
			}
			if skip {
				continue
			}
		}
		if err := fr.attempt(ctx, step); err != nil {
			if step.IsOptional() {
				logger.Warn("optional setup step %s failed: %v", step.ID, err)
				continue
			}
			errs = append(errs, &SetupStepError{StepID: step.ID, Err: err})
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// captureArtifacts saves a screenshot and the page HTML for a stopping failure.
func (fr *FlowRunner) captureArtifacts(ctx context.Context, idx int, step flow.Step) {
	cfg := fr.config.Artifacts
	if fr.artifacts == nil || fr.driver == nil || !cfg.ShouldCapture(core.StatusFailed) {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), artifactTimeout)
	defer cancel()

	label := core.ArtifactLabel(idx, step.ID)
	if cfg.Screenshot {
		if err := fr.artifacts.SaveScreenshot(actx, label); err != nil {
			logger.Warn("screenshot for %s: %v", step.ID, err)
		}
	}
	if cfg.HTML {
		html, err := fr.driver.Content(actx)
		if err != nil {
			logger.Warn("page content for %s: %v", step.ID, err)
			return
		}
		if err := fr.artifacts.SaveHTML(actx, label, html); err != nil {
			logger.Warn("html for %s: %v", step.ID, err)
		}
	}
}

func (fr *FlowRunner) warn(stepID, what string, err error) {
	logger.Warn("step %s %s: %v", stepID, what, err)
	core.EmitTo(fr.events, core.EventWarning, stepID, fmt.Sprintf("%s: %v", what, err), nil)
}

var _ auth.StepExecutor = (*FlowRunner)(nil)
