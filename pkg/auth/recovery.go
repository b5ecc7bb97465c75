package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
	"github.com/devicelab-dev/webflow-runner/pkg/oncecache"
)

// StepExecutor is the slice of the interpreter the recovery protocol drives.
type StepExecutor interface {
	// ExecuteStep runs one step with normal timeout semantics and no failure handling.
	ExecuteStep(ctx context.Context, step flow.Step) error
	// RunSetup re-executes every once step of the flow.
	RunSetup(ctx context.Context) error
}

// Controller runs the bounded recovery protocol for one run.
type Controller struct {
	Monitor     *Monitor
	Cache       *oncecache.Cache
	SessionID   string
	ProfileID   string
	StopOnError bool // Setup re-run failures stop the run
	Events      core.EventSink

	used  int
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a controller bound to a monitor and cache.
func NewController(m *Monitor, cache *oncecache.Cache, events core.EventSink) *Controller {
	return &Controller{Monitor: m, Cache: cache, Events: events, sleep: sleepCtx}
}

// Used returns how many recoveries this run has consumed.
func (c *Controller) Used() int { return c.used }

// ShouldRecover reports whether a failure of stepID is an auth failure.
func (c *Controller) ShouldRecover(stepID string) bool {
	return c != nil && c.Monitor != nil && c.Monitor.Policy().Enabled && c.Monitor.HasFailures(stepID)
}

// Recover handles a failed step that recorded auth failures. Both budgets are
// checked before any action is taken.
func (c *Controller) Recover(ctx context.Context, step flow.Step, stepErr error, exec StepExecutor) core.FailureResult {
	policy := c.Monitor.Policy()
	failures := c.Monitor.FailuresFor(step.ID)

	if c.used >= policy.MaxRecoveriesPerRun {
		core.EmitTo(c.Events, core.EventAuthRecoveryExhaust, step.ID, "auth recovery budget exhausted", map[string]interface{}{
			"recoveriesUsed": c.used,
			"max":            policy.MaxRecoveriesPerRun,
		})
		return core.FailureResult{
			Outcome: core.OutcomeStopped,
			Err: core.ErrAuthRecoveryExhausted.
				WithMessage(fmt.Sprintf("auth recovery exhausted after %d recoveries", c.used)).
				WithCause(stepErr),
		}
	}

	c.used++
	core.EmitTo(c.Events, core.EventAuthRecoveryStarted, step.ID, "", map[string]interface{}{
		"attempt":  c.used,
		"failures": len(failures),
	})
	logger.Info("auth recovery %d/%d for step %s (%d failures)", c.used, policy.MaxRecoveriesPerRun, step.ID, len(failures))

	c.clearCache()

	if err := exec.RunSetup(ctx); err != nil {
		logger.Warn("auth recovery setup failed: %v", err)
		if c.StopOnError {
			c.finished(step.ID, false, 0)
			return core.FailureResult{Outcome: core.OutcomeStopped, Err: fmt.Errorf("auth recovery setup: %w", err)}
		}
	}

	c.Monitor.ClearStep(step.ID)

	if policy.CooldownMs > 0 {
		if err := c.sleep(ctx, time.Duration(policy.CooldownMs)*time.Millisecond); err != nil {
			c.finished(step.ID, false, 0)
			return core.FailureResult{Outcome: core.OutcomeStopped, Err: stepErr}
		}
	}

	for attempt := 1; attempt <= policy.MaxStepRetryAfterRecovery; attempt++ {
		err := exec.ExecuteStep(ctx, step)
		if err == nil {
			c.finished(step.ID, true, attempt)
			return core.FailureResult{Outcome: core.OutcomeRetried}
		}
		logger.Warn("step %s retry %d after recovery failed: %v", step.ID, attempt, err)
		if ctx.Err() != nil {
			break
		}
	}

	c.finished(step.ID, false, policy.MaxStepRetryAfterRecovery)
	return core.FailureResult{Outcome: core.OutcomeStopped, Err: stepErr}
}

func (c *Controller) finished(stepID string, success bool, retries int) {
	core.EmitTo(c.Events, core.EventAuthRecoveryFinished, stepID, "", map[string]interface{}{
		"success": success,
		"retries": retries,
	})
}

// clearCache invalidates the partitions tied to the run's identities, or both
// when the run has neither.
func (c *Controller) clearCache() {
	if c.Cache == nil {
		return
	}
	switch {
	case c.SessionID == "" && c.ProfileID == "":
		c.Cache.ClearAll()
	default:
		if c.SessionID != "" {
			c.Cache.Clear(flow.OnceSession)
		}
		if c.ProfileID != "" {
			c.Cache.Clear(flow.OnceProfile)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
