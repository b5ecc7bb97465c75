package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// Guard strategies
const (
	GuardSelector = "selector" // Authenticated when Selector is visible
	GuardURL      = "url"      // Authenticated when the URL contains no login marker
)

// DefaultGuardTimeout bounds the selector probe.
const DefaultGuardTimeout = 3 * time.Second

// GuardConfig configures the pre-flight auth check.
type GuardConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Strategy         string   `yaml:"strategy" json:"strategy"`
	URL              string   `yaml:"url" json:"url,omitempty"` // Opened before checking, if set
	Selector         string   `yaml:"selector" json:"selector,omitempty"`
	LoginURLIncludes []string `yaml:"loginUrlIncludes" json:"loginUrlIncludes,omitempty"`
	TimeoutMs        int      `yaml:"timeoutMs" json:"timeoutMs,omitempty"`
}

// Validate checks that the configured strategy has what it needs.
func (g GuardConfig) Validate() error {
	if !g.Enabled {
		return nil
	}
	switch g.Strategy {
	case GuardSelector:
		if g.Selector == "" {
			return fmt.Errorf("guard strategy %q requires a selector", g.Strategy)
		}
	case GuardURL:
		if len(g.LoginURLIncludes) == 0 {
			return fmt.Errorf("guard strategy %q requires loginUrlIncludes", g.Strategy)
		}
	default:
		return fmt.Errorf("unknown guard strategy %q", g.Strategy)
	}
	return nil
}

// Guard runs one strategy check before the main flow.
type Guard struct {
	cfg    GuardConfig
	driver core.Driver
}

// NewGuard creates a guard. loginURLIncludes from the policy fill in an
// unset guard list.
func NewGuard(cfg GuardConfig, policy Policy, driver core.Driver) *Guard {
	if len(cfg.LoginURLIncludes) == 0 {
		cfg.LoginURLIncludes = policy.LoginURLIncludes
	}
	return &Guard{cfg: cfg, driver: driver}
}

// Enabled reports whether the guard should run.
func (g *Guard) Enabled() bool { return g != nil && g.cfg.Enabled }

// Check reports whether the session looks authenticated. Probe errors count
// as not authenticated; only a failed navigation is returned as an error.
func (g *Guard) Check(ctx context.Context) (bool, string, error) {
	if g.cfg.URL != "" {
		if err := g.driver.Navigate(ctx, g.cfg.URL); err != nil {
			return false, "", fmt.Errorf("guard navigation: %w", err)
		}
	}

	switch g.cfg.Strategy {
	case GuardURL:
		current := g.driver.CurrentURL()
		for _, marker := range g.cfg.LoginURLIncludes {
			if marker != "" && strings.Contains(current, marker) {
				return false, fmt.Sprintf("url %s contains %q", current, marker), nil
			}
		}
		return true, "", nil

	default:
		timeout := DefaultGuardTimeout
		if g.cfg.TimeoutMs > 0 {
			timeout = time.Duration(g.cfg.TimeoutMs) * time.Millisecond
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		els, err := g.driver.Locate(pctx, g.cfg.Selector)
		if err != nil || len(els) == 0 {
			return false, fmt.Sprintf("selector %s not found", g.cfg.Selector), nil
		}
		for _, el := range els {
			if v, err := g.driver.Act(pctx, el, core.Action{Kind: core.ActionIsVisible}); err == nil && v == "true" {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("selector %s not visible", g.cfg.Selector), nil
	}
}
