package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/auth"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "webflow.yaml", `
flow: flows/checkout.yaml
inputs:
  region: eu
httpFirst: true
stopOnError: true
onError: continue
stepTimeoutMs: 15000
findTimeoutMs: 2000
networkWaitMs: 500
snapshotTTL: 24h
capture:
  capacity: 50
  bodyLimit: 4096
auth:
  enabled: true
  matchStatusCodes: [401]
  urlIncludes: ["/api/"]
  maxRecoveriesPerRun: 2
guard:
  enabled: true
  strategy: url
  loginUrlIncludes: ["/login"]
browser:
  name: firefox
  headless: false
logLevel: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Flow != "flows/checkout.yaml" {
		t.Errorf("Flow = %q", cfg.Flow)
	}
	if cfg.Inputs["region"] != "eu" {
		t.Errorf("Inputs = %v", cfg.Inputs)
	}
	if !cfg.HTTPFirst || !cfg.StopOnError || cfg.OnError != flow.OnErrorContinue {
		t.Errorf("policy = httpFirst:%v stopOnError:%v onError:%q", cfg.HTTPFirst, cfg.StopOnError, cfg.OnError)
	}
	if cfg.StepTimeout() != 15*time.Second || cfg.FindTimeout() != 2*time.Second || cfg.NetworkWait() != 500*time.Millisecond {
		t.Errorf("timeouts = %v %v %v", cfg.StepTimeout(), cfg.FindTimeout(), cfg.NetworkWait())
	}
	if ttl, _ := cfg.SnapshotTTLDuration(); ttl != 24*time.Hour {
		t.Errorf("SnapshotTTL = %v", ttl)
	}
	if cfg.Capture.Capacity != 50 || cfg.Capture.BodyLimit != 4096 {
		t.Errorf("Capture = %+v", cfg.Capture)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.MatchStatusCodes) != 1 || cfg.Auth.MaxRecoveriesPerRun != 2 {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	// Keys absent from the file keep the policy defaults
	if cfg.Auth.MaxStepRetryAfterRecovery != 1 || cfg.Auth.CooldownMs != 500 {
		t.Errorf("auth defaults lost: %+v", cfg.Auth)
	}
	if cfg.Guard.Strategy != auth.GuardURL {
		t.Errorf("Guard = %+v", cfg.Guard)
	}
	if cfg.Browser.Name != "firefox" || cfg.Headless() {
		t.Errorf("Browser = %+v headless=%v", cfg.Browser, cfg.Headless())
	}
	if !cfg.Artifacts.CaptureOnFailure {
		t.Error("artifact defaults lost")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/webflow.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "webflow.yaml", `inputs: [invalid yaml`)

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"onError", "onError: retry", "onError"},
		{"ttl", "snapshotTTL: soon", "snapshotTTL"},
		{"negative timeout", "stepTimeoutMs: -1", "timeouts"},
		{"negative capture", "capture:\n  capacity: -5", "capture"},
		{"auth regex", "auth:\n  urlRegex: '('", "auth"},
		{"guard selector", "guard:\n  enabled: true\n  strategy: selector", "guard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "webflow.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "webflow.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Flow != DefaultFlowFile {
		t.Errorf("Flow = %q, want %q", cfg.Flow, DefaultFlowFile)
	}
	if cfg.OnError != flow.OnErrorStop {
		t.Errorf("OnError = %q, want stop", cfg.OnError)
	}
	if !cfg.Headless() {
		t.Error("expected headless by default")
	}
}

func TestLoadFromDir(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "webflow.yaml", "httpFirst: true")
		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if !cfg.HTTPFirst {
			t.Error("expected httpFirst from webflow.yaml")
		}
	})

	t.Run("yml", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, "webflow.yml", "stopOnError: true")
		cfg, err := LoadFromDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if !cfg.StopOnError {
			t.Error("expected stopOnError from webflow.yml")
		}
	})

	t.Run("missing", func(t *testing.T) {
		cfg, err := LoadFromDir(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Flow != DefaultFlowFile || cfg.Auth.Enabled {
			t.Errorf("expected defaults, got %+v", cfg)
		}
	})
}

func TestFlowPath(t *testing.T) {
	cfg := Default()
	if got := cfg.FlowPath("/packs/shop"); got != filepath.Join("/packs/shop", "flow.yaml") {
		t.Errorf("default FlowPath = %q", got)
	}
	cfg.Flow = "/abs/flow.yaml"
	if got := cfg.FlowPath("/packs/shop"); got != "/abs/flow.yaml" {
		t.Errorf("absolute FlowPath = %q", got)
	}
}
