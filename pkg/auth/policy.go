// Package auth detects authentication failures in page traffic and recovers
// the session by re-running setup steps and retrying the failed step.
package auth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Policy configures auth failure detection and recovery.
type Policy struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	MatchStatusCodes []int    `yaml:"matchStatusCodes" json:"matchStatusCodes"`
	URLIncludes      []string `yaml:"urlIncludes" json:"urlIncludes,omitempty"`
	URLRegex         string   `yaml:"urlRegex" json:"urlRegex,omitempty"`
	URLGlobs         []string `yaml:"urlGlobs" json:"urlGlobs,omitempty"`
	LoginURLIncludes []string `yaml:"loginUrlIncludes" json:"loginUrlIncludes,omitempty"`

	MaxRecoveriesPerRun       int `yaml:"maxRecoveriesPerRun" json:"maxRecoveriesPerRun"`
	MaxStepRetryAfterRecovery int `yaml:"maxStepRetryAfterRecovery" json:"maxStepRetryAfterRecovery"`
	CooldownMs                int `yaml:"cooldownMs" json:"cooldownMs"`
}

// DefaultPolicy returns a disabled policy with conservative budgets.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                   false,
		MatchStatusCodes:          []int{401, 403},
		MaxRecoveriesPerRun:       1,
		MaxStepRetryAfterRecovery: 1,
		CooldownMs:                500,
	}
}

// Validate checks that budgets are non-negative and patterns compile.
func (p Policy) Validate() error {
	if p.MaxRecoveriesPerRun < 0 || p.MaxStepRetryAfterRecovery < 0 || p.CooldownMs < 0 {
		return fmt.Errorf("auth policy budgets must not be negative")
	}
	_, err := compileMatcher(p)
	return err
}

// matcher is the compiled URL filter of a policy.
type matcher struct {
	includes []string
	re       *regexp.Regexp
	globs    []glob.Glob
}

func compileMatcher(p Policy) (*matcher, error) {
	m := &matcher{includes: p.URLIncludes}
	if p.URLRegex != "" {
		re, err := regexp.Compile(p.URLRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid urlRegex: %w", err)
		}
		m.re = re
	}
	for _, pattern := range p.URLGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid urlGlob %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// match applies every configured filter; unconfigured filters pass.
func (m *matcher) match(url string) bool {
	if len(m.includes) > 0 && !containsAny(url, m.includes) {
		return false
	}
	if m.re != nil && !m.re.MatchString(url) {
		return false
	}
	if len(m.globs) > 0 {
		matched := false
		for _, g := range m.globs {
			if g.Match(url) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
