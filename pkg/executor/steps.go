package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/jsengine"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
	"github.com/devicelab-dev/webflow-runner/pkg/network"
	"github.com/devicelab-dev/webflow-runner/pkg/template"
)

// pollInterval is how often element and network lookups are retried.
const pollInterval = 100 * time.Millisecond

// errNoPage is returned by page steps when the run has no page driver.
var errNoPage = core.ErrStepFailure.WithMessage("step needs a page but the run has none")

// stepCall is one execution attempt of a step with resolved params and a
// read-only view of vars.
type stepCall struct {
	step   flow.Step
	params map[string]interface{}
	vars   map[string]interface{}
}

func (c stepCall) str(name string) string {
	return template.Stringify(c.params[name])
}

func (c stepCall) bool(name string) bool {
	switch v := c.params[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (c stepCall) int(name string) (int, error) {
	raw, ok := c.params[name]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("param %s: %q is not a number", name, v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", name, raw)
}

func (c stepCall) target() (flow.Target, error) {
	return flow.TargetParam(c.params["target"])
}

// output builds a step output assigning value to out, and to the
// collectibles as well when collect is set.
func (c stepCall) output(value interface{}) core.StepOutput {
	out := core.StepOutput{Vars: map[string]interface{}{c.str("out"): value}}
	if c.bool("collect") {
		out.Collectibles = map[string]interface{}{c.str("out"): value}
	}
	return out
}

// executedBy reports which component serves a step.
func (fr *FlowRunner) executedBy(step flow.Step) core.ExecutedBy {
	switch step.Type {
	case flow.StepNetworkFind, flow.StepNetworkReplay:
		if fr.config.Mode == core.ModeHTTP {
			return core.ExecutedBySnapshot
		}
		return core.ExecutedByDriver
	}
	if step.Dependency() == flow.DependsOnNothing {
		return core.ExecutedByRunner
	}
	return core.ExecutedByDriver
}

// dispatch runs one step. It never mutates run state; the caller applies the
// returned output once the step has succeeded.
func (fr *FlowRunner) dispatch(ctx context.Context, c stepCall) (core.StepOutput, error) {
	switch c.step.Type {
	case flow.StepNavigate:
		return core.StepOutput{}, fr.navigate(ctx, c)
	case flow.StepClick:
		return core.StepOutput{}, fr.click(ctx, c)
	case flow.StepFill:
		return core.StepOutput{}, fr.fill(ctx, c)
	case flow.StepExtractText:
		return fr.extract(ctx, c, core.Action{Kind: core.ActionText})
	case flow.StepExtractAttribute:
		return fr.extract(ctx, c, core.Action{Kind: core.ActionAttribute, Name: c.str("name")})
	case flow.StepWaitFor:
		return core.StepOutput{}, fr.waitFor(ctx, c)
	case flow.StepAssert:
		return core.StepOutput{}, fr.assert(ctx, c)
	case flow.StepSetVar:
		return core.StepOutput{Vars: map[string]interface{}{c.str("name"): c.params["value"]}}, nil
	case flow.StepCollect:
		return core.StepOutput{Collectibles: map[string]interface{}{c.str("name"): c.params["value"]}}, nil
	case flow.StepScript:
		return fr.script(ctx, c)
	case flow.StepSleep:
		return core.StepOutput{}, sleep(ctx, c)
	case flow.StepNetworkFind:
		return fr.networkFind(ctx, c)
	case flow.StepNetworkReplay:
		return fr.networkReplay(ctx, c)
	case flow.StepNetworkExtract:
		return networkExtract(c)
	}
	return core.StepOutput{}, core.ErrStepFailure.WithMessage(fmt.Sprintf("unknown step type: %s", c.step.Type))
}

// ===========================================
// Page steps
// ===========================================

func (fr *FlowRunner) navigate(ctx context.Context, c stepCall) error {
	if fr.driver == nil {
		return errNoPage
	}
	url := c.str("url")
	if err := fr.driver.Navigate(ctx, url); err != nil {
		return core.ErrStepFailure.WithMessage(fmt.Sprintf("navigate to %s", url)).WithCause(err)
	}
	return nil
}

func (fr *FlowRunner) click(ctx context.Context, c stepCall) error {
	el, err := fr.find(ctx, c, true)
	if err != nil {
		return err
	}
	if _, err := fr.driver.Act(ctx, el, core.Action{Kind: core.ActionClick}); err != nil {
		return core.ErrStepFailure.WithMessage("click").WithCause(err)
	}
	return nil
}

func (fr *FlowRunner) fill(ctx context.Context, c stepCall) error {
	el, err := fr.find(ctx, c, true)
	if err != nil {
		return err
	}
	if _, err := fr.driver.Act(ctx, el, core.Action{Kind: core.ActionFill, Value: c.str("value")}); err != nil {
		return core.ErrStepFailure.WithMessage("fill").WithCause(err)
	}
	return nil
}

func (fr *FlowRunner) extract(ctx context.Context, c stepCall, action core.Action) (core.StepOutput, error) {
	el, err := fr.find(ctx, c, false)
	if err != nil {
		return core.StepOutput{}, err
	}
	value, err := fr.driver.Act(ctx, el, action)
	if err != nil {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage(string(c.step.Type)).WithCause(err)
	}
	return c.output(value), nil
}

// waitFor polls until the target reaches state (default visible).
func (fr *FlowRunner) waitFor(ctx context.Context, c stepCall) error {
	if fr.driver == nil {
		return errNoPage
	}
	target, err := c.target()
	if err != nil {
		return core.ErrStepFailure.WithMessage(err.Error())
	}
	state := c.str("state")
	if state == "" {
		state = "visible"
	}
	ctx, cancel := fr.findContext(ctx)
	defer cancel()

	for {
		visible, attached := fr.targetState(ctx, target)
		switch state {
		case "visible":
			if visible {
				return nil
			}
		case "attached":
			if attached {
				return nil
			}
		case "hidden":
			if !visible {
				return nil
			}
		case "detached":
			if !attached {
				return nil
			}
		default:
			return core.ErrStepFailure.WithMessage(fmt.Sprintf("unknown wait state %q", state))
		}
		if err := sleepFor(ctx, pollInterval); err != nil {
			return core.ErrElementNotFound.WithMessage(fmt.Sprintf("%s did not become %s", target, state)).WithCause(err)
		}
	}
}

func (fr *FlowRunner) targetState(ctx context.Context, target flow.Target) (visible, attached bool) {
	for _, sel := range target.Candidates() {
		els, err := fr.driver.Locate(ctx, sel)
		if err != nil || len(els) == 0 {
			continue
		}
		attached = true
		for _, el := range els {
			if v, err := fr.driver.Act(ctx, el, core.Action{Kind: core.ActionIsVisible}); err == nil && v == "true" {
				return true, true
			}
		}
	}
	return false, attached
}

// find resolves the step's target to one element, trying fallbacks in order
// and polling until the find timeout.
func (fr *FlowRunner) find(ctx context.Context, c stepCall, requireVisible bool) (core.ElementHandle, error) {
	if fr.driver == nil {
		return nil, errNoPage
	}
	target, err := c.target()
	if err != nil {
		return nil, core.ErrStepFailure.WithMessage(err.Error())
	}
	fctx, cancel := fr.findContext(ctx)
	defer cancel()

	for {
		for _, sel := range target.Candidates() {
			els, err := fr.driver.Locate(fctx, sel)
			if err != nil {
				logger.Debug("locate %s: %v", sel, err)
				continue
			}
			for _, el := range els {
				if !requireVisible {
					return el, nil
				}
				if v, err := fr.driver.Act(fctx, el, core.Action{Kind: core.ActionIsVisible}); err == nil && v == "true" {
					return el, nil
				}
			}
		}
		if err := sleepFor(fctx, pollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, core.ErrElementNotFound.WithMessage(fmt.Sprintf("element not found: %s", target)).
				WithDetails(map[string]interface{}{"candidates": target.Candidates()})
		}
	}
}

func (fr *FlowRunner) findContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if fr.config.FindTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fr.config.FindTimeout)
}

func (fr *FlowRunner) assert(ctx context.Context, c stepCall) error {
	cond, err := flow.ConditionFromValue(c.params["condition"])
	if err != nil {
		return core.ErrStepFailure.WithMessage(fmt.Sprintf("assert: %v", err))
	}
	ok, warn := fr.cond.Evaluate(ctx, cond, c.vars)
	if warn != nil {
		fr.warn(c.step.ID, "assert condition", warn)
	}
	if !ok {
		return core.ErrAssertionFailed.WithMessage(fmt.Sprintf("assertion %s is false", cond.Kind()))
	}
	return nil
}

// ===========================================
// Runner steps
// ===========================================

// script runs code in a fresh engine. Values assigned to output become vars;
// values assigned to collect become collectibles.
func (fr *FlowRunner) script(ctx context.Context, c stepCall) (core.StepOutput, error) {
	engine := jsengine.New()
	engine.Bind("vars", c.vars)
	engine.Bind("inputs", fr.state.Inputs)
	if err := engine.Run(ctx, c.str("code")); err != nil {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage("script").WithCause(err)
	}
	return core.StepOutput{Vars: engine.Output(), Collectibles: engine.Collected()}, nil
}

func sleep(ctx context.Context, c stepCall) error {
	ms, err := c.int("ms")
	if err != nil {
		return core.ErrStepFailure.WithMessage(err.Error())
	}
	return sleepFor(ctx, time.Duration(ms)*time.Millisecond)
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ===========================================
// Network steps
// ===========================================

// networkFind looks up the newest captured request matching the query,
// polling for up to waitMs. The result is stored as a request ref.
func (fr *FlowRunner) networkFind(ctx context.Context, c stepCall) (core.StepOutput, error) {
	status, err := c.int("status")
	if err != nil {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage(err.Error())
	}
	q := network.Query{
		URLIncludes: c.str("urlIncludes"),
		Method:      c.str("method"),
		Status:      status,
		APIOnly:     c.bool("apiOnly"),
	}
	wait := fr.config.NetworkWait
	if _, ok := c.params["waitMs"]; ok {
		ms, err := c.int("waitMs")
		if err != nil {
			return core.StepOutput{}, core.ErrStepFailure.WithMessage(err.Error())
		}
		wait = time.Duration(ms) * time.Millisecond
	}
	deadline := time.Now().Add(wait)

	for {
		ref, err := fr.network.Find(ctx, c.step, q)
		if err == nil {
			return c.output(ref), nil
		}
		if !errors.Is(err, ErrNoMatchingRequest) || !time.Now().Before(deadline) {
			var ee *core.ExecutionError
			if errors.As(err, &ee) {
				return core.StepOutput{}, err
			}
			return core.StepOutput{}, core.ErrStepFailure.WithMessage("network_find").WithCause(err)
		}
		if err := sleepFor(ctx, pollInterval); err != nil {
			return core.StepOutput{}, err
		}
	}
}

// networkReplay re-issues a found request with overrides from the params.
func (fr *FlowRunner) networkReplay(ctx context.Context, c stepCall) (core.StepOutput, error) {
	ref, err := requestRefParam(c.params["request"], c.vars)
	if err != nil {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage(err.Error())
	}
	ov, err := network.OverridesFromParams(c.params)
	if err != nil {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage("network_replay").WithCause(err)
	}
	res, err := fr.network.Replay(ctx, c.step, ref, ov)
	if err != nil {
		var ee *core.ExecutionError
		if errors.As(err, &ee) {
			return core.StepOutput{}, err
		}
		return core.StepOutput{}, core.ErrStepFailure.WithMessage("network_replay").WithCause(err)
	}
	return c.output(res.Value()), nil
}

// requestRefParam accepts a request ref, a variable name holding one, or a raw id.
func requestRefParam(v interface{}, vars map[string]interface{}) (flow.RequestRef, error) {
	switch r := v.(type) {
	case flow.RequestRef:
		return r, nil
	case *flow.RequestRef:
		if r != nil {
			return *r, nil
		}
	case string:
		if r == "" {
			break
		}
		if held, ok := template.Lookup(vars, r); ok {
			if ref, ok := held.(flow.RequestRef); ok {
				return ref, nil
			}
		}
		return flow.RequestRef{RequestID: r}, nil
	}
	return flow.RequestRef{}, fmt.Errorf("request must reference a found request, got %T", v)
}

// networkExtract reads a dotted path out of a replay result held in a variable.
func networkExtract(c stepCall) (core.StepOutput, error) {
	var source interface{}
	switch from := c.params["from"].(type) {
	case string:
		v, ok := template.Lookup(c.vars, from)
		if !ok {
			return core.StepOutput{}, core.ErrStepFailure.WithMessage(fmt.Sprintf("network_extract: variable %q is not set", from))
		}
		source = v
	default:
		source = from
	}
	root, ok := source.(map[string]interface{})
	if !ok {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage(fmt.Sprintf("network_extract: source is %T, not a replay result", source))
	}
	path := c.str("path")
	value, ok := template.Lookup(root, path)
	if !ok {
		return core.StepOutput{}, core.ErrStepFailure.WithMessage(fmt.Sprintf("network_extract: path %q not found", path))
	}
	return c.output(value), nil
}
