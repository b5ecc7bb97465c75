// Package core provides the execution model types for webflow-runner.
package core

import (
	"context"
	"fmt"
	"strings"
)

// ArtifactConfig controls what is captured on a stopping failure
type ArtifactConfig struct {
	CaptureOnFailure bool `yaml:"captureOnFailure" json:"captureOnFailure"` // Default: true
	Screenshot       bool `yaml:"screenshot" json:"screenshot"`             // Default: true
	HTML             bool `yaml:"html" json:"html"`                         // Default: true
}

// DefaultArtifactConfig returns sensible defaults for artifact capture
func DefaultArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		CaptureOnFailure: true,
		Screenshot:       true,
		HTML:             true,
	}
}

// ShouldCapture returns true if artifacts should be captured for the given status
func (c ArtifactConfig) ShouldCapture(status StepStatus) bool {
	return status == StatusFailed && c.CaptureOnFailure
}

// ArtifactLabel builds a filesystem-friendly label for a failed step.
func ArtifactLabel(index int, stepID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, stepID)
	return fmt.Sprintf("step-%03d-%s", index+1, clean)
}

// NullArtifactSink is a no-op implementation for HTTP mode and tests
type NullArtifactSink struct{}

// SaveScreenshot does nothing
func (NullArtifactSink) SaveScreenshot(context.Context, string) error { return nil }

// SaveHTML does nothing
func (NullArtifactSink) SaveHTML(context.Context, string, string) error { return nil }
