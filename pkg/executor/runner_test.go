package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/devicelab-dev/webflow-runner/pkg/auth"
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/driver/mock"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/metrics"
	"github.com/devicelab-dev/webflow-runner/pkg/report"
	"github.com/devicelab-dev/webflow-runner/pkg/snapshot"
)

// launcher hands out one mock driver per launch and counts launches.
type launcher struct {
	launches int32
	closes   int32
	newPage  func() *mock.Driver
	last     atomic.Value
}

func (l *launcher) launch(ctx context.Context) (core.Driver, func() error, error) {
	atomic.AddInt32(&l.launches, 1)
	d := l.newPage()
	l.last.Store(d)
	return d, func() error {
		atomic.AddInt32(&l.closes, 1)
		return nil
	}, nil
}

func (l *launcher) driver() *mock.Driver {
	d, _ := l.last.Load().(*mock.Driver)
	return d
}

func TestRunner_ValidationError(t *testing.T) {
	f := &flow.Flow{Steps: []flow.Step{{ID: "a", Type: "teleport"}}}
	r := New(RunnerConfig{LaunchDriver: (&launcher{newPage: func() *mock.Driver { return mock.New(mock.Config{}) }}).launch})
	_, err := r.Run(context.Background(), f)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Meta.RunID == "" {
		t.Errorf("validation failure should still carry a run id: %+v", runErr)
	}
}

func TestRunner_NoDriver(t *testing.T) {
	f := parseFlow(t, `
- id: open
  type: navigate
  params:
    url: https://app.test
`)
	_, err := New(RunnerConfig{}).Run(context.Background(), f)
	if err == nil {
		t.Fatal("expected an error without a page driver")
	}
}

func TestRunner_OnceStepsRunOncePerProfile(t *testing.T) {
	var logins int32
	l := &launcher{newPage: func() *mock.Driver {
		d := mock.New(mock.Config{
			OnNavigate: func(d *mock.Driver, url string) error {
				if url == "https://app.test/login" {
					atomic.AddInt32(&logins, 1)
				}
				return nil
			},
		})
		d.AddElement(&mock.Element{Selector: "#greeting", Text: "hello"})
		return d
	}}
	f := parseFlow(t, `
- id: login
  type: navigate
  once: profile
  params:
    url: https://app.test/login
- id: marker
  type: set_var
  once: profile
  params:
    name: loggedInAt
    value: first-run
- id: greet
  type: extract_text
  params:
    target: "#greeting"
    out: greeting
    collect: true
`)
	cfg := RunnerConfig{ProfileID: "team-a", PackDir: t.TempDir(), LaunchDriver: l.launch}

	first, err := New(cfg).Run(context.Background(), f)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	events := report.NewMemorySink()
	cfg.Events = events
	second, err := New(cfg).Run(context.Background(), f)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if atomic.LoadInt32(&logins) != 1 {
		t.Errorf("login ran %d times, want 1", logins)
	}
	if first.Collectibles["greeting"] != "hello" || second.Collectibles["greeting"] != "hello" {
		t.Errorf("collectibles = %v / %v", first.Collectibles, second.Collectibles)
	}
	if second.SkippedSteps != 2 {
		t.Errorf("second run skipped = %d, want 2", second.SkippedSteps)
	}
	if second.Meta.RunID == "" || second.Meta.RunID == first.Meta.RunID {
		t.Errorf("run ids = %q / %q", first.Meta.RunID, second.Meta.RunID)
	}
	if atomic.LoadInt32(&l.closes) != 2 {
		t.Errorf("driver closed %d times, want 2", l.closes)
	}

	finished := events.Find(core.EventRunFinished)
	if len(finished) != 1 {
		t.Fatalf("run_finished events = %d", len(finished))
	}
	if finished[0].Data["status"] != "passed" || finished[0].Data["mode"] != core.ModeBrowser {
		t.Errorf("run_finished = %+v", finished[0].Data)
	}
	if events.Count(core.EventRunStarted) != 1 {
		t.Errorf("run_started events = %d", events.Count(core.EventRunStarted))
	}
}

// apiFlow logs in and finds the API request once, then only talks to the
// API, so with snapshots in place it can run without a page.
const apiFlow = `
- id: login
  type: navigate
  once: profile
  params:
    url: https://app.test/login
- id: find
  type: network_find
  once: profile
  params:
    urlIncludes: /api/items
    out: itemsReq
- id: replay
  type: network_replay
  params:
    request: itemsReq
    out: items
- id: total
  type: network_extract
  params:
    from: items
    path: json.total
    out: total
    collect: true
`

func apiLauncher(apiURL string) *launcher {
	return &launcher{newPage: func() *mock.Driver {
		return mock.New(mock.Config{
			OnNavigate: func(d *mock.Driver, url string) error {
				d.Emit(mock.Exchange{
					URL:          apiURL,
					ResourceType: "fetch",
					Status:       200,
					RespHeaders:  map[string]string{"content-type": "application/json"},
					Body:         `{"total": 3, "items": []}`,
				})
				return nil
			},
			OnFetch: func(ctx context.Context, req core.HTTPRequest) (*core.HTTPResponse, error) {
				return &core.HTTPResponse{
					Status:  200,
					Headers: map[string]string{"content-type": "application/json"},
					Body:    []byte(`{"total": 3, "items": []}`),
				}, nil
			},
		})
	}}
}

func TestRunner_HTTPFirstMatchesBrowserRun(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total": 3, "items": []}`))
	}))
	defer srv.Close()

	l := apiLauncher(srv.URL + "/api/items")
	packDir := t.TempDir()
	cfg := RunnerConfig{ProfileID: "p1", PackDir: packDir, HTTPFirst: true, LaunchDriver: l.launch}

	// No snapshots yet: the first run needs the browser and records them.
	browser, err := New(cfg).Run(context.Background(), parseFlow(t, apiFlow))
	if err != nil {
		t.Fatalf("browser run: %v", err)
	}
	if browser.Meta.Mode != core.ModeBrowser || browser.Meta.FellBack {
		t.Errorf("first run meta = %+v", browser.Meta)
	}
	store, err := snapshot.Open(snapshot.StorePath(packDir))
	if err != nil || store.Len() != 2 {
		t.Fatalf("snapshot store: len=%d err=%v", store.Len(), err)
	}

	events := report.NewMemorySink()
	cfg.Events = events
	httpRun, err := New(cfg).Run(context.Background(), parseFlow(t, apiFlow))
	if err != nil {
		t.Fatalf("http run: %v", err)
	}
	if httpRun.Meta.Mode != core.ModeHTTP {
		t.Errorf("second run mode = %q, want http", httpRun.Meta.Mode)
	}
	if atomic.LoadInt32(&l.launches) != 1 {
		t.Errorf("browser launched %d times, want 1", l.launches)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
	if httpRun.Collectibles["total"] != browser.Collectibles["total"] {
		t.Errorf("collectibles differ: http=%v browser=%v", httpRun.Collectibles, browser.Collectibles)
	}
	if httpRun.Steps[2].ExecutedBy != core.ExecutedBySnapshot {
		t.Errorf("replay executedBy = %q", httpRun.Steps[2].ExecutedBy)
	}
	if events.Count(core.EventStepFinished) != 2 {
		t.Errorf("step_finished events = %d", events.Count(core.EventStepFinished))
	}
}

func TestRunner_HTTPFirstFallsBackOnMismatch(t *testing.T) {
	var shape atomic.Value
	shape.Store(`{"total": 3, "items": []}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(shape.Load().(string)))
	}))
	defer srv.Close()

	l := apiLauncher(srv.URL + "/api/items")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := RunnerConfig{ProfileID: "p1", PackDir: t.TempDir(), HTTPFirst: true, LaunchDriver: l.launch, Metrics: m}

	if _, err := New(cfg).Run(context.Background(), parseFlow(t, apiFlow)); err != nil {
		t.Fatalf("recording run: %v", err)
	}

	// The API changed shape: the snapshot no longer matches.
	shape.Store(`{"error": "gone"}`)
	events := report.NewMemorySink()
	cfg.Events = events
	var completed []core.StepResult
	cfg.OnStepComplete = func(_ int, res core.StepResult) {
		completed = append(completed, res)
	}
	result, err := New(cfg).Run(context.Background(), parseFlow(t, apiFlow))
	if err != nil {
		t.Fatalf("fallback run: %v", err)
	}
	// Only the browser run reports step progress.
	if len(completed) != 4 {
		t.Errorf("OnStepComplete calls = %d, want 4", len(completed))
	}
	for _, res := range completed {
		if res.ExecutedBy == core.ExecutedBySnapshot {
			t.Errorf("step %s reported from the abandoned http attempt", res.StepID)
		}
	}
	if result.Meta.Mode != core.ModeBrowser || !result.Meta.FellBack {
		t.Errorf("meta = %+v, want browser after fallback", result.Meta)
	}
	if result.Collectibles["total"] != float64(3) {
		t.Errorf("total = %#v", result.Collectibles["total"])
	}
	if atomic.LoadInt32(&l.launches) != 2 {
		t.Errorf("launches = %d, want 2", l.launches)
	}
	if got := testutil.ToFloat64(m.SnapshotFallbacks); got != 1 {
		t.Errorf("snapshot fallbacks = %v, want 1", got)
	}
	// Events of the abandoned HTTP attempt are not reported.
	if events.Count(core.EventError) != 0 {
		t.Errorf("error events leaked from the http attempt: %d", events.Count(core.EventError))
	}
	if events.Count(core.EventWarning) == 0 {
		t.Error("fallback should be reported as a warning")
	}
}

func TestRunner_GuardRunsSetupWhenLoggedOut(t *testing.T) {
	var logins int32
	l := &launcher{newPage: func() *mock.Driver {
		return mock.New(mock.Config{
			StartURL: "https://app.test/login?next=/home",
			OnNavigate: func(d *mock.Driver, url string) error {
				if url == "https://app.test/login" {
					atomic.AddInt32(&logins, 1)
					d.SetURL("https://app.test/home")
				}
				return nil
			},
		})
	}}
	f := parseFlow(t, `
- id: login
  type: navigate
  once: session
  params:
    url: https://app.test/login
- id: check
  type: assert
  params:
    condition:
      url_includes: /home
`)
	r := New(RunnerConfig{
		LaunchDriver: l.launch,
		Guard:        auth.GuardConfig{Enabled: true, Strategy: auth.GuardURL, LoginURLIncludes: []string{"/login"}},
	})
	result, err := r.Run(context.Background(), f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&logins) != 1 {
		t.Errorf("login ran %d times, want 1", logins)
	}
	if result.Steps[0].Status != core.StatusSkipped || result.Steps[0].ExecutedBy != core.ExecutedByCache {
		t.Errorf("login step = %+v", result.Steps[0])
	}
}

func TestRunner_GuardSetupFailureNamesStep(t *testing.T) {
	l := &launcher{newPage: func() *mock.Driver {
		return mock.New(mock.Config{
			StartURL: "https://app.test/login",
			OnNavigate: func(d *mock.Driver, url string) error {
				if url == "https://app.test/sso" {
					return errors.New("sso unreachable")
				}
				return nil
			},
		})
	}}
	f := parseFlow(t, `
- id: open-login
  type: navigate
  once: session
  params:
    url: https://app.test/login
- id: sso
  type: navigate
  once: session
  params:
    url: https://app.test/sso
- id: check
  type: assert
  params:
    condition:
      url_includes: /home
`)
	r := New(RunnerConfig{
		LaunchDriver: l.launch,
		StopOnError:  true,
		Guard:        auth.GuardConfig{Enabled: true, Strategy: auth.GuardURL, LoginURLIncludes: []string{"/login"}},
	})
	_, err := r.Run(context.Background(), f)
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error = %v, want *RunError", err)
	}
	if runErr.FailedStepID != "sso" {
		t.Errorf("FailedStepID = %q, want sso", runErr.FailedStepID)
	}
}

func TestRunner_FailureCarriesPartialResult(t *testing.T) {
	l := &launcher{newPage: func() *mock.Driver { return mock.New(mock.Config{}) }}
	f := parseFlow(t, `
- id: keep
  type: collect
  params:
    name: orderId
    value: "{{inputs.order}}"
- id: missing
  type: click
  params:
    target: "#pay"
`)
	var completed []string
	events := report.NewMemorySink()
	r := New(RunnerConfig{
		LaunchDriver: l.launch,
		Inputs:       map[string]interface{}{"order": "A-17"},
		FindTimeout:  50 * time.Millisecond,
		Events:       events,
		OnStepComplete: func(idx int, res core.StepResult) {
			completed = append(completed, res.StepID)
		},
	})
	_, err := r.Run(context.Background(), f)
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("error = %v", err)
	}
	if runErr.Collectibles["orderId"] != "A-17" {
		t.Errorf("collectibles = %v", runErr.Collectibles)
	}
	if runErr.StepsExecuted != 1 || runErr.FailedStepID != "missing" {
		t.Errorf("stepsExecuted=%d failed=%q", runErr.StepsExecuted, runErr.FailedStepID)
	}
	if runErr.Meta.RunID == "" || runErr.Meta.Mode != core.ModeBrowser {
		t.Errorf("meta = %+v", runErr.Meta)
	}
	if len(completed) != 2 {
		t.Errorf("OnStepComplete calls = %v", completed)
	}
	finished := events.Find(core.EventRunFinished)
	if len(finished) != 1 || finished[0].Data["status"] != "failed" {
		t.Errorf("run_finished = %+v", finished)
	}
	if l.driver().CallCount("screenshot") != 0 {
		t.Error("no artifact sink configured, nothing should be captured")
	}
}
