package report

import (
	"fmt"
	"strings"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// MarkdownReporter renders runs as a human-readable Markdown summary.
type MarkdownReporter struct{}

// NewMarkdownReporter creates a Markdown reporter.
func NewMarkdownReporter() *MarkdownReporter {
	return &MarkdownReporter{}
}

// Render implements engine.Reporter.
func (r *MarkdownReporter) Render(run *engine.Run, units []engine.CheckUnit, findings []engine.Finding) ([]byte, error) {
	doc := BuildDocument(run, units, findings)

	var b strings.Builder
	fmt.Fprintf(&b, "# Verification Report: %s\n\n", doc.Run.SuiteName)
	fmt.Fprintf(&b, "- **Run:** `%s`\n", doc.Run.ID)
	fmt.Fprintf(&b, "- **Status:** %s %s\n", statusEmoji(doc.Run.Status), doc.Run.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", doc.Run.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- **Duration:** %s\n", doc.Run.Duration)

	s := doc.Run.Summary
	fmt.Fprintf(&b, "- **Units:** %d total, %d passed, %d failed, %d skipped, %d cancelled\n",
		s.Total, s.Passed, s.Failed, s.Skipped, s.Cancelled)
	fmt.Fprintf(&b, "- **Findings:** %d\n\n", len(doc.Findings))

	if len(doc.Projects) > 0 {
		b.WriteString("## Projects\n\n")
		b.WriteString("| Project | Passed | Failed | Skipped | Findings |\n")
		b.WriteString("|---------|--------|--------|---------|----------|\n")
		for _, p := range doc.Projects {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d |\n",
				p.ProjectID, p.Passed, p.Failed, p.Skipped, p.Findings)
		}
		b.WriteString("\n")
	}

	if len(doc.Findings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range doc.Findings {
			fmt.Fprintf(&b, "### %s %s\n\n", severityEmoji(f.Severity), f.Title)
			fmt.Fprintf(&b, "- **Project:** %s\n", f.ProjectID)
			if f.UnitID != "" {
				fmt.Fprintf(&b, "- **Unit:** `%s`\n", f.UnitID)
			}
			fmt.Fprintf(&b, "- **Source:** %s\n", f.Source)
			fmt.Fprintf(&b, "- **Severity:** %s\n", f.Severity)
			if f.Detail != "" {
				fmt.Fprintf(&b, "\n%s\n", f.Detail)
			}
			b.WriteString("\n")
		}
	}

	failed := failedUnits(doc.Units)
	if len(failed) > 0 {
		b.WriteString("## Failed Units\n\n")
		b.WriteString("| Unit | Project | Kind | Attempts | Error |\n")
		b.WriteString("|------|---------|------|----------|-------|\n")
		for _, u := range failed {
			errText := u.Error
			if u.ErrorClass != "" {
				errText = fmt.Sprintf("[%s] %s", u.ErrorClass, u.Error)
			}
			fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %s |\n",
				u.ID, u.ProjectID, u.Kind, u.Attempts, escapePipes(errText))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\nGenerated at %s\n", doc.Generated.Format("2006-01-02 15:04:05 MST"))
	return []byte(b.String()), nil
}

// Format implements engine.Reporter.
func (r *MarkdownReporter) Format() string {
	return "markdown"
}

func failedUnits(units []UnitInfo) []UnitInfo {
	var failed []UnitInfo
	for _, u := range units {
		if u.Status == engine.UnitStatusFailed {
			failed = append(failed, u)
		}
	}
	return failed
}

func statusEmoji(status engine.RunStatus) string {
	switch status {
	case engine.RunStatusPassed:
		return "✅"
	case engine.RunStatusFailed:
		return "❌"
	case engine.RunStatusRunning:
		return "🔄"
	default:
		return "⏸"
	}
}

func severityEmoji(severity engine.Severity) string {
	switch severity {
	case engine.SeverityCritical:
		return "🚨"
	case engine.SeverityHigh:
		return "❗"
	case engine.SeverityMedium:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
