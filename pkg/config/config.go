// Package config handles configuration for webflow-runner.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/webflow-runner/pkg/auth"
	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// DefaultFlowFile is the flow loaded from a pack directory when none is configured.
const DefaultFlowFile = "flow.yaml"

// Config represents the pack configuration (webflow.yaml).
type Config struct {
	// Flow selection
	Flow   string            `yaml:"flow"`   // Flow file, relative to the pack directory
	Inputs map[string]string `yaml:"inputs"` // Input overrides applied before CLI --input

	// Execution policy
	HTTPFirst     bool               `yaml:"httpFirst"`
	StopOnError   bool               `yaml:"stopOnError"`
	OnError       flow.OnErrorPolicy `yaml:"onError"`
	StepTimeoutMs int                `yaml:"stepTimeoutMs"`
	FindTimeoutMs int                `yaml:"findTimeoutMs"`
	NetworkWaitMs int                `yaml:"networkWaitMs"`
	SnapshotTTL   string             `yaml:"snapshotTTL"` // Go duration, e.g. "24h"; empty never expires

	// Network capture
	Capture CaptureConfig `yaml:"capture"`

	// Auth
	Auth  auth.Policy      `yaml:"auth"`
	Guard auth.GuardConfig `yaml:"guard"`

	// Browser
	Browser BrowserConfig `yaml:"browser"`

	// Output
	Artifacts core.ArtifactConfig `yaml:"artifacts"`
	LogLevel  string              `yaml:"logLevel"`
}

// CaptureConfig bounds the network capture buffer.
type CaptureConfig struct {
	Capacity      int `yaml:"capacity"`      // Entries kept; 0 uses the buffer default
	BodyLimit     int `yaml:"bodyLimit"`     // Response bytes kept per entry
	MaxReplayBody int `yaml:"maxReplayBody"` // Replay response bytes kept
}

// BrowserConfig selects and shapes the browser.
type BrowserConfig struct {
	Name           string `yaml:"name"`     // chromium, firefox, webkit
	Headless       *bool  `yaml:"headless"` // Default: true
	ViewportWidth  int    `yaml:"viewportWidth"`
	ViewportHeight int    `yaml:"viewportHeight"`
	UserDataDir    string `yaml:"userDataDir"` // Persistent browser profile
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Flow:      DefaultFlowFile,
		OnError:   flow.OnErrorStop,
		Auth:      auth.DefaultPolicy(),
		Artifacts: core.DefaultArtifactConfig(),
		LogLevel:  "info",
	}
}

// Load loads configuration from a file. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Flow == "" {
		cfg.Flow = DefaultFlowFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir looks for webflow.yaml or webflow.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range []string{"webflow.yaml", "webflow.yml"} {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return Load(configPath)
		}
	}

	// No config file found, return defaults
	return Default(), nil
}

// Validate checks enum values, budgets and patterns.
func (c *Config) Validate() error {
	var errs []error
	switch c.OnError {
	case flow.OnErrorDefault, flow.OnErrorStop, flow.OnErrorContinue:
	default:
		errs = append(errs, fmt.Errorf("onError must be %q or %q, got %q", flow.OnErrorStop, flow.OnErrorContinue, c.OnError))
	}
	if c.StepTimeoutMs < 0 || c.FindTimeoutMs < 0 || c.NetworkWaitMs < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Capture.Capacity < 0 || c.Capture.BodyLimit < 0 || c.Capture.MaxReplayBody < 0 {
		errs = append(errs, errors.New("capture limits must not be negative"))
	}
	if _, err := c.SnapshotTTLDuration(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if err := c.Guard.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}
	return errors.Join(errs...)
}

// FlowPath resolves the flow file against the pack directory.
func (c *Config) FlowPath(packDir string) string {
	name := c.Flow
	if name == "" {
		name = DefaultFlowFile
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(packDir, name)
}

// Headless reports whether the browser runs headless (default true).
func (c *Config) Headless() bool {
	return c.Browser.Headless == nil || *c.Browser.Headless
}

// SnapshotTTLDuration parses SnapshotTTL. Empty means no expiry.
func (c *Config) SnapshotTTLDuration() (time.Duration, error) {
	if c.SnapshotTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SnapshotTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid snapshotTTL %q: %w", c.SnapshotTTL, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("snapshotTTL must not be negative")
	}
	return d, nil
}

// StepTimeout returns the default per-step timeout (0 when unset).
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}

// FindTimeout returns the element lookup timeout (0 when unset).
func (c *Config) FindTimeout() time.Duration {
	return time.Duration(c.FindTimeoutMs) * time.Millisecond
}

// NetworkWait returns the network_find polling window (0 when unset).
func (c *Config) NetworkWait() time.Duration {
	return time.Duration(c.NetworkWaitMs) * time.Millisecond
}
