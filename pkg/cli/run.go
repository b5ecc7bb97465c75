package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/webflow-runner/pkg/config"
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/driver/browser"
	"github.com/devicelab-dev/webflow-runner/pkg/executor"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/logger"
	"github.com/devicelab-dev/webflow-runner/pkg/metrics"
	"github.com/devicelab-dev/webflow-runner/pkg/report"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a flow pack",
	ArgsUsage: "<pack-dir>",
	Description: `Run the flow of a pack directory. The pack holds webflow.yaml, the flow
file, the profile once-cache and the request snapshots recorded by browser runs.

Reports are generated in the output directory:
  - Default: ./reports/<timestamp>/
  - With --output: <output>/<timestamp>/
  - With --output and --flatten: <output>/ (no timestamp subfolder)

Examples:
  webflow-runner run ./packs/invoices
  webflow-runner run ./packs/invoices -i month=2024-05 -s password=hunter2
  webflow-runner run ./packs/invoices --http-first --profile acme --session nightly
  webflow-runner run ./packs/invoices --no-headless --browser firefox`,
	Flags: []cli.Flag{
		// Configuration
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to webflow.yaml (default: <pack-dir>/webflow.yaml)",
		},
		&cli.StringFlag{
			Name:  "flow",
			Usage: "Flow file to run (overrides the config)",
		},

		// Bindings
		&cli.StringSliceFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "Flow inputs (KEY=VALUE)",
		},
		&cli.StringSliceFlag{
			Name:    "secret",
			Aliases: []string{"s"},
			Usage:   "Secrets (KEY=VALUE); never written to reports",
		},

		// Identity
		&cli.StringFlag{
			Name:    "session",
			Usage:   "Session id scoping the once-cache",
			EnvVars: []string{"WEBFLOW_SESSION"},
		},
		&cli.StringFlag{
			Name:    "profile",
			Usage:   "Profile id scoping the once-cache across sessions",
			EnvVars: []string{"WEBFLOW_PROFILE"},
		},

		// Execution
		&cli.BoolFlag{
			Name:    "http-first",
			Usage:   "Replay recorded snapshots over HTTP before launching a browser",
			EnvVars: []string{"WEBFLOW_HTTP_FIRST"},
		},
		&cli.BoolFlag{
			Name:    "headless",
			Usage:   "Run the browser headless",
			Value:   true,
			EnvVars: []string{"WEBFLOW_HEADLESS"},
		},
		&cli.StringFlag{
			Name:    "browser",
			Usage:   "Browser engine (chromium, firefox, webkit)",
			EnvVars: []string{"WEBFLOW_BROWSER"},
		},
		&cli.BoolFlag{
			Name:  "install-browser",
			Usage: "Download the Playwright driver and browser before running",
		},
		&cli.DurationFlag{
			Name:  "step-timeout",
			Usage: "Default per-step timeout",
		},

		// Output
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output directory for reports",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},
		&cli.StringFlag{
			Name:  "events",
			Usage: "Write run events as JSON lines to this file (default: <output>/events.jsonl)",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write Prometheus metrics in textfile format to this file",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the run result as JSON on stdout",
		},
	},
	Action: runFlow,
}

// RunConfig holds the resolved settings of one run.
type RunConfig struct {
	PackDir     string
	FlowPath    string
	OutputDir   string
	EventsPath  string
	MetricsPath string
	JSON        bool
	Verbose     bool

	SessionID string
	ProfileID string
	Inputs    map[string]interface{}
	Secrets   map[string]interface{}
	HTTPFirst bool

	Config  *config.Config
	Browser browser.Config
}

// runOptions are the command-line values that override the pack config.
type runOptions struct {
	ConfigPath     string
	Flow           string
	Inputs         []string
	Secrets        []string
	SessionID      string
	ProfileID      string
	HTTPFirst      bool
	Headless       *bool
	Browser        string
	InstallBrowser bool
	StepTimeout    time.Duration
	Output         string
	Flatten        bool
	Events         string
	MetricsFile    string
	JSON           bool
	Verbose        bool
}

func optionsFromContext(c *cli.Context) runOptions {
	opts := runOptions{
		ConfigPath:     c.String("config"),
		Flow:           c.String("flow"),
		Inputs:         c.StringSlice("input"),
		Secrets:        c.StringSlice("secret"),
		SessionID:      c.String("session"),
		ProfileID:      c.String("profile"),
		HTTPFirst:      c.Bool("http-first"),
		Browser:        c.String("browser"),
		InstallBrowser: c.Bool("install-browser"),
		StepTimeout:    c.Duration("step-timeout"),
		Output:         c.String("output"),
		Flatten:        c.Bool("flatten"),
		Events:         c.String("events"),
		MetricsFile:    c.String("metrics-file"),
		JSON:           c.Bool("json"),
		Verbose:        c.Bool("verbose"),
	}
	if c.IsSet("headless") {
		h := c.Bool("headless")
		opts.Headless = &h
	}
	return opts
}

func runFlow(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("a pack directory is required")
	}
	opts := optionsFromContext(c)

	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.Load(opts.ConfigPath)
	} else {
		cfg, err = config.LoadFromDir(c.Args().First())
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rc, err := buildRunConfig(c.Args().First(), cfg, opts)
	if err != nil {
		return err
	}
	return executeRun(c.Context, rc)
}

// buildRunConfig merges the pack config with command-line overrides.
func buildRunConfig(packDir string, cfg *config.Config, opts runOptions) (*RunConfig, error) {
	info, err := os.Stat(packDir)
	if err != nil {
		return nil, fmt.Errorf("pack directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pack directory: %s is not a directory", packDir)
	}

	if opts.Flow != "" {
		cfg.Flow = opts.Flow
	}
	if opts.StepTimeout > 0 {
		cfg.StepTimeoutMs = int(opts.StepTimeout.Milliseconds())
	}
	if opts.Headless != nil {
		cfg.Browser.Headless = opts.Headless
	}
	if opts.Browser != "" {
		cfg.Browser.Name = opts.Browser
	}

	outputDir, err := resolveOutputDir(opts.Output, opts.Flatten)
	if err != nil {
		return nil, err
	}
	eventsPath := opts.Events
	if eventsPath == "" {
		eventsPath = filepath.Join(outputDir, "events.jsonl")
	}

	inputs := make(map[string]interface{}, len(cfg.Inputs)+len(opts.Inputs))
	for k, v := range cfg.Inputs {
		inputs[k] = v
	}
	for k, v := range parseKeyValues(opts.Inputs) {
		inputs[k] = v
	}
	secrets := make(map[string]interface{}, len(opts.Secrets))
	for k, v := range parseKeyValues(opts.Secrets) {
		secrets[k] = v
	}

	return &RunConfig{
		PackDir:     packDir,
		FlowPath:    cfg.FlowPath(packDir),
		OutputDir:   outputDir,
		EventsPath:  eventsPath,
		MetricsPath: opts.MetricsFile,
		JSON:        opts.JSON,
		Verbose:     opts.Verbose,
		SessionID:   opts.SessionID,
		ProfileID:   opts.ProfileID,
		Inputs:      inputs,
		Secrets:     secrets,
		HTTPFirst:   opts.HTTPFirst || cfg.HTTPFirst,
		Config:      cfg,
		Browser: browser.Config{
			Browser:        cfg.Browser.Name,
			Headless:       cfg.Headless(),
			UserDataDir:    cfg.Browser.UserDataDir,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Install:        opts.InstallBrowser,
			DriverDir:      config.GetDriversDir(),
		},
	}, nil
}

// resolveOutputDir determines the output directory based on flags.
// - No --output: ./reports/<timestamp>/
// - --output given: <output>/<timestamp>/
// - --output + --flatten: <output>/ (error if --output not given)
func resolveOutputDir(output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}

	baseDir := output
	if baseDir == "" {
		baseDir = "./reports"
	}

	if flatten {
		return filepath.Clean(baseDir), nil
	}

	// Create timestamp-based subfolder
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}

// runnerConfig maps resolved settings onto the executor's configuration.
func runnerConfig(rc *RunConfig) (executor.RunnerConfig, error) {
	ttl, err := rc.Config.SnapshotTTLDuration()
	if err != nil {
		return executor.RunnerConfig{}, err
	}
	onError := rc.Config.OnError
	if onError == flow.OnErrorDefault {
		onError = flow.OnErrorStop
	}
	return executor.RunnerConfig{
		SessionID:       rc.SessionID,
		ProfileID:       rc.ProfileID,
		PackDir:         rc.PackDir,
		Inputs:          rc.Inputs,
		Secrets:         rc.Secrets,
		HTTPFirst:       rc.HTTPFirst,
		StopOnError:     rc.Config.StopOnError,
		DefaultOnError:  onError,
		DefaultTimeout:  rc.Config.StepTimeout(),
		FindTimeout:     rc.Config.FindTimeout(),
		NetworkWait:     rc.Config.NetworkWait(),
		Policy:          rc.Config.Auth,
		Guard:           rc.Config.Guard,
		CaptureCapacity: rc.Config.Capture.Capacity,
		BodyLimit:       rc.Config.Capture.BodyLimit,
		MaxReplayBody:   rc.Config.Capture.MaxReplayBody,
		SnapshotTTL:     ttl,
		Artifacts:       rc.Config.Artifacts,
	}, nil
}

func executeRun(parent context.Context, rc *RunConfig) error {
	// 1. Create output directory
	if err := os.MkdirAll(rc.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// 2. Initialize logging
	level := rc.Config.LogLevel
	if rc.Verbose {
		level = "debug"
	}
	logPath := filepath.Join(rc.OutputDir, "webflow-runner.log")
	if err := logger.Init(logPath, level); err != nil {
		fmt.Printf("Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()

	logger.Info("=== Run started ===")
	logger.Info("Pack: %s", rc.PackDir)
	logger.Info("Output directory: %s", rc.OutputDir)

	// 3. Parse the flow
	f, err := flow.ParseFile(rc.FlowPath)
	if err != nil {
		logger.Error("Flow parse failed: %v", err)
		return err
	}

	// 4. Event sinks
	console, err := report.NewConsoleLogger(rc.Verbose)
	if err != nil {
		return fmt.Errorf("console logger: %w", err)
	}
	defer func() { _ = console.Sync() }()

	eventLog, err := report.OpenEventLog(rc.EventsPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := eventLog.Close(); err != nil {
			logger.Warn("event log: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// 5. Report writer
	writer := report.NewRunWriter(rc.OutputDir, f, report.RunnerInfo{
		Version: Version,
		Driver:  "playwright/" + driverName(rc.Browser),
	})
	if err := writer.Start(); err != nil {
		logger.Warn("report start: %v", err)
	}

	// 6. Cancel on SIGINT/SIGTERM; the browser is closed by the runner
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rcfg, err := runnerConfig(rc)
	if err != nil {
		return err
	}
	rcfg.Events = report.NewMultiSink(eventLog, report.NewZapSink(console))
	rcfg.Metrics = m
	rcfg.LaunchDriver = launchBrowser(rc.Browser)
	rcfg.ArtifactSink = func(d core.Driver) core.ArtifactSink {
		return report.NewArtifactDir(rc.OutputDir, d)
	}
	rcfg.OnStepComplete = func(_ int, result core.StepResult) {
		writer.StepDone(result)
		printStep(result)
	}

	printHeader(f, rc)
	result, runErr := executor.New(rcfg).Run(ctx, f)

	// 7. Final report
	outcome := buildOutcome(result, runErr)
	if err := writer.End(outcome); err != nil {
		logger.Warn("report end: %v", err)
	}
	if rc.MetricsPath != "" {
		if err := metrics.WriteTextfile(rc.MetricsPath, registry); err != nil {
			logger.Warn("metrics textfile: %v", err)
		}
	}

	printSummary(writer.Run(), rc.OutputDir)
	if rc.JSON {
		if err := printJSON(outcome); err != nil {
			return err
		}
	}

	if runErr != nil {
		logger.Error("Run failed: %v", runErr)
		return cli.Exit("", 1)
	}
	logger.Info("=== Run finished ===")
	return nil
}

// launchBrowser returns the executor's driver factory for cfg.
func launchBrowser(cfg browser.Config) executor.LaunchFunc {
	return func(ctx context.Context) (core.Driver, func() error, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		d, err := browser.Launch(cfg)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
}

func driverName(cfg browser.Config) string {
	if cfg.Browser == "" {
		return "chromium"
	}
	return strings.ToLower(cfg.Browser)
}

// buildOutcome turns the runner's return values into a report outcome.
func buildOutcome(result *core.RunResult, err error) report.Outcome {
	if err == nil {
		if result == nil {
			return report.Outcome{}
		}
		return report.Outcome{Meta: result.Meta, Steps: result.Steps, Collectibles: result.Collectibles}
	}
	out := report.Outcome{Err: err}
	var runErr *executor.RunError
	if errors.As(err, &runErr) {
		out.Meta = runErr.Meta
		out.Steps = runErr.Steps
		out.Collectibles = runErr.Collectibles
		out.FailedStepID = runErr.FailedStepID
		out.Meta.StepsExecuted = runErr.StepsExecuted
	}
	return out
}

type jsonResult struct {
	Status       string                 `json:"status"`
	Meta         core.RunMeta           `json:"meta"`
	Collectibles map[string]interface{} `json:"collectibles"`
	FailedStepID string                 `json:"failedStepId,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func printJSON(out report.Outcome) error {
	res := jsonResult{
		Status:       "passed",
		Meta:         out.Meta,
		Collectibles: out.Collectibles,
		FailedStepID: out.FailedStepID,
	}
	if res.Collectibles == nil {
		res.Collectibles = map[string]interface{}{}
	}
	if out.Err != nil {
		res.Status = "failed"
		res.Error = out.Err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// parseKeyValues parses KEY=VALUE pairs; entries without '=' are ignored.
func parseKeyValues(pairs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range pairs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			result[parts[0]] = parts[1]
		}
	}
	return result
}
