package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Path to write the HTML file
	EmbedAssets bool   // Embed screenshots as base64 (makes file larger but portable)
	Title       string // Report title (default: flow name)
	ReportDir   string // Directory containing report.json (needed for asset paths)
}

// GenerateHTML renders run as a static HTML page.
func GenerateHTML(run *Run, cfg HTMLConfig) error {
	if cfg.Title == "" {
		cfg.Title = run.Flow.Name
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(cfg.ReportDir, "report.html")
	}

	html, err := renderHTML(buildHTMLData(run, cfg))
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

// HTMLData contains all data needed for the HTML template.
type HTMLData struct {
	Title       string
	GeneratedAt string
	Run         *Run
	Duration    string
	StatusClass string
	Steps       []StepHTMLData
	Artifacts   []ArtifactHTMLData
}

// StepHTMLData contains step data formatted for HTML.
type StepHTMLData struct {
	core.StepResult
	Number      int
	StatusClass string
	DurationStr string
}

// ArtifactHTMLData is one artifact link or embedded image.
type ArtifactHTMLData struct {
	Name    string
	Href    template.URL
	IsImage bool
}

func buildHTMLData(run *Run, cfg HTMLConfig) HTMLData {
	steps := make([]StepHTMLData, len(run.Steps))
	for i, s := range run.Steps {
		ms := s.Duration.Milliseconds()
		steps[i] = StepHTMLData{
			StepResult:  s,
			Number:      s.Index + 1,
			StatusClass: s.Status.String(),
			DurationStr: formatDuration(&ms),
		}
	}

	var artifacts []ArtifactHTMLData
	for _, rel := range run.Artifacts {
		a := ArtifactHTMLData{Name: filepath.Base(rel), Href: template.URL(filepath.ToSlash(rel))}
		if strings.HasSuffix(rel, ".png") {
			a.IsImage = true
			if cfg.EmbedAssets {
				a.Href = loadAsBase64(filepath.Join(cfg.ReportDir, rel))
			}
		}
		artifacts = append(artifacts, a)
	}

	var duration string
	if run.EndTime != nil {
		duration = formatDuration(&run.DurationMs)
	} else {
		ms := time.Since(run.StartTime).Milliseconds()
		duration = formatDuration(&ms)
	}

	return HTMLData{
		Title:       cfg.Title,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		Run:         run,
		Duration:    duration,
		StatusClass: run.Status.String(),
		Steps:       steps,
		Artifacts:   artifacts,
	}
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	d := time.Duration(*ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", *ms)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

// loadAsBase64 returns the PNG at path as a data URL, typed so html/template
// keeps it in src and href attributes.
func loadAsBase64(path string) template.URL {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(data))
}

func renderHTML(data HTMLData) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        :root {
            --bg: #ffffff;
            --bg-alt: #f9fafb;
            --text: #111827;
            --muted: #6b7280;
            --border: #e5e7eb;
            --passed: #22c55e;
            --failed: #ef4444;
            --skipped: #eab308;
            --warned: #f97316;
            --running: #06b6d4;
            --pending: #6b7280;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; color: var(--text); background: var(--bg-alt); padding: 24px; }
        header { background: var(--bg); border: 1px solid var(--border); border-radius: 8px; padding: 16px 20px; margin-bottom: 16px; }
        h1 { font-size: 20px; margin-bottom: 6px; }
        .meta { color: var(--muted); font-size: 13px; display: flex; gap: 16px; flex-wrap: wrap; }
        .badge { display: inline-block; padding: 2px 8px; border-radius: 10px; font-size: 12px; font-weight: 600; color: #fff; }
        .badge.passed { background: var(--passed); }
        .badge.failed { background: var(--failed); }
        .badge.skipped { background: var(--skipped); }
        .badge.warned { background: var(--warned); }
        .badge.running { background: var(--running); }
        .badge.pending { background: var(--pending); }
        .error { margin-top: 10px; color: var(--failed); font-family: monospace; font-size: 13px; white-space: pre-wrap; }
        table { width: 100%; border-collapse: collapse; background: var(--bg); border: 1px solid var(--border); border-radius: 8px; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid var(--border); font-size: 13px; vertical-align: top; }
        th { color: var(--muted); font-weight: 500; }
        td.num { color: var(--muted); width: 40px; }
        td.msg { font-family: monospace; color: var(--muted); }
        section { margin-top: 16px; }
        h2 { font-size: 15px; margin-bottom: 8px; }
        .artifacts img { max-width: 480px; border: 1px solid var(--border); border-radius: 4px; display: block; margin: 6px 0 12px; }
        pre { background: var(--bg); border: 1px solid var(--border); border-radius: 8px; padding: 12px; font-size: 12px; overflow-x: auto; }
    </style>
</head>
<body>
    <header>
        <h1>{{.Title}} <span class="badge {{.StatusClass}}">{{.Run.Status}}</span></h1>
        <div class="meta">
            <span>{{.Run.Flow.SourcePath}}</span>
            {{if .Run.Mode}}<span>mode: {{.Run.Mode}}{{if .Run.FellBack}} (fell back from http){{end}}</span>{{end}}
            <span>steps: {{.Run.StepsExecuted}}/{{.Run.StepsTotal}}</span>
            <span>passed {{.Run.Summary.Passed}} · failed {{.Run.Summary.Failed}} · skipped {{.Run.Summary.Skipped}} · warned {{.Run.Summary.Warned}}</span>
            <span>duration: {{.Duration}}</span>
            {{if .Run.RunID}}<span>run: {{.Run.RunID}}</span>{{end}}
            <span>generated {{.GeneratedAt}}</span>
        </div>
        {{if .Run.Error}}<div class="error">{{if .Run.FailedStepID}}{{.Run.FailedStepID}}: {{end}}{{.Run.Error}}</div>{{end}}
    </header>

    <table>
        <thead>
            <tr><th>#</th><th>Step</th><th>Type</th><th>Status</th><th>By</th><th>Duration</th><th>Details</th></tr>
        </thead>
        <tbody>
        {{range .Steps}}
            <tr>
                <td class="num">{{.Number}}</td>
                <td>{{if .Label}}{{.Label}}{{else}}{{.StepID}}{{end}}</td>
                <td>{{.Type}}</td>
                <td><span class="badge {{.StatusClass}}">{{.Status}}</span>{{if .Recovered}} recovered{{end}}</td>
                <td>{{.ExecutedBy}}</td>
                <td>{{.DurationStr}}</td>
                <td class="msg">{{if .Error}}{{.Error}}{{else}}{{.Message}}{{end}}</td>
            </tr>
        {{end}}
        </tbody>
    </table>

    {{if .Run.Collectibles}}
    <section>
        <h2>Collectibles</h2>
        <pre>{{range $k, $v := .Run.Collectibles}}{{$k}}: {{$v}}
{{end}}</pre>
    </section>
    {{end}}

    {{if .Artifacts}}
    <section class="artifacts">
        <h2>Artifacts</h2>
        {{range .Artifacts}}
            {{if .IsImage}}<a href="{{.Href}}">{{.Name}}</a><img src="{{.Href}}" alt="{{.Name}}">{{else}}<div><a href="{{.Href}}">{{.Name}}</a></div>{{end}}
        {{end}}
    </section>
    {{end}}
</body>
</html>
`
