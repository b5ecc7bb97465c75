package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// ArtifactDir writes failure artifacts as <label>.png and <label>.html.
type ArtifactDir struct {
	Dir     string
	Shooter core.Screenshotter // nil disables screenshots
}

// NewArtifactDir creates a sink under outputDir/artifacts. The driver is used
// for screenshots when it supports them.
func NewArtifactDir(outputDir string, driver core.Driver) *ArtifactDir {
	a := &ArtifactDir{Dir: filepath.Join(outputDir, ArtifactsDir)}
	if s, ok := driver.(core.Screenshotter); ok {
		a.Shooter = s
	}
	return a
}

// SaveScreenshot captures the page and writes <label>.png.
func (a *ArtifactDir) SaveScreenshot(ctx context.Context, label string) error {
	if a.Shooter == nil {
		return nil
	}
	data, err := a.Shooter.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	return a.write(label+".png", data)
}

// SaveHTML writes <label>.html.
func (a *ArtifactDir) SaveHTML(_ context.Context, label, html string) error {
	return a.write(label+".html", []byte(html))
}

func (a *ArtifactDir) write(name string, data []byte) error {
	if err := ensureDir(a.Dir); err != nil {
		return err
	}
	path := filepath.Join(a.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

var _ core.ArtifactSink = (*ArtifactDir)(nil)
