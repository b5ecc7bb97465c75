package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
	"github.com/devicelab-dev/webflow-runner/pkg/report"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold in milliseconds (5 seconds)
const slowThresholdMs = 5000

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

func printHeader(f *flow.Flow, rc *RunConfig) {
	name := f.Config.Name
	if name == "" {
		name = rc.FlowPath
	}
	mode := "browser"
	if rc.HTTPFirst {
		mode = "http-first"
	}
	fmt.Printf("\n  %s%s%s %s(%d steps, %s)%s\n",
		color(colorBold), name, color(colorReset),
		color(colorGray), len(f.Steps), mode, color(colorReset))
	fmt.Println(strings.Repeat("─", 60))
}

// printStep prints one finished step as a progress line.
func printStep(r core.StepResult) {
	fmt.Println(formatStepLine(r))
	if r.Status == core.StatusFailed && r.Error != "" {
		fmt.Printf("      %s╰─%s %s\n", color(colorGray), color(colorReset), r.Error)
	}
}

func formatStepLine(r core.StepResult) string {
	desc := r.StepID
	if r.Label != "" {
		desc = r.Label
	}
	desc = fmt.Sprintf("%s (%s)", desc, r.Type)
	ms := r.Duration.Milliseconds()
	durStr := formatDuration(ms)

	var note string
	switch {
	case r.ExecutedBy == core.ExecutedByCache:
		note = " [cached]"
	case r.ExecutedBy == core.ExecutedBySnapshot:
		note = " [http]"
	}
	if r.Recovered {
		note += " [recovered]"
	}

	switch r.Status {
	case core.StatusPassed:
		symbol, symbolColor, durColor := "✓", color(colorGreen), ""
		if ms >= slowThresholdMs {
			symbol, symbolColor, durColor = "⚠", color(colorYellow), color(colorYellow)
		}
		return fmt.Sprintf("    %s%s%s %s%s %s(%s)%s",
			symbolColor, symbol, color(colorReset), desc, note, durColor, durStr, color(colorReset))
	case core.StatusSkipped:
		reason := ""
		if r.Message != "" {
			reason = ": " + r.Message
		}
		return fmt.Sprintf("    %s-%s %s%s%s%s%s",
			color(colorGray), color(colorReset), desc, note, color(colorGray), reason, color(colorReset))
	case core.StatusWarned:
		return fmt.Sprintf("    %s!%s %s%s (%s) %s%s%s",
			color(colorYellow), color(colorReset), desc, note, durStr, color(colorGray), r.Error, color(colorReset))
	default:
		return fmt.Sprintf("    %s✗%s %s%s (%s)", color(colorRed), color(colorReset), desc, note, durStr)
	}
}

func printSummary(run report.Run, outputDir string) {
	fmt.Println(strings.Repeat("─", 60))

	statusColor := color(colorGreen)
	if run.Status == core.StatusFailed {
		statusColor = color(colorRed)
	}
	mode := run.Mode
	if run.FellBack {
		mode += " (fell back from http)"
	}
	fmt.Printf("  %s%s%s  %d/%d steps  %s  %s%s%s\n",
		statusColor, strings.ToUpper(run.Status.String()), color(colorReset),
		run.StepsExecuted, run.StepsTotal, formatDuration(run.DurationMs),
		color(colorGray), mode, color(colorReset))
	fmt.Printf("  passed %d  failed %d  skipped %d  warned %d\n",
		run.Summary.Passed, run.Summary.Failed, run.Summary.Skipped, run.Summary.Warned)

	if run.Error != "" {
		fmt.Printf("  %s%s%s\n", color(colorRed), run.Error, color(colorReset))
	}

	if len(run.Collectibles) > 0 {
		fmt.Printf("\n  %sCollectibles%s\n", color(colorCyan), color(colorReset))
		keys := make([]string, 0, len(run.Collectibles))
		for k := range run.Collectibles {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s: %v\n", k, run.Collectibles[k])
		}
	}

	fmt.Printf("\n  Report: %s\n\n", outputDir)
}

// formatDuration formats milliseconds to a human-readable string.
// Shows milliseconds for values < 1s, seconds otherwise.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}
