package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func sampleRun() (*engine.Run, []engine.CheckUnit, []engine.Finding) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	completed := started.Add(95 * time.Second)

	run := &engine.Run{
		ID:          "run-1",
		SuiteName:   "ecosystem-smoke",
		Status:      engine.RunStatusPartial,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    95 * time.Second,
		Summary:     engine.RunSummary{Total: 3, Passed: 1, Failed: 1, Skipped: 1, Findings: 1},
	}

	units := []engine.CheckUnit{
		{
			ID: "search_flow/start", ScenarioID: "search_flow", ProjectID: "arxiv_server",
			Kind: engine.StepKindExec, Status: engine.UnitStatusPassed,
			Result: &engine.StepResult{Duration: 1200 * time.Millisecond, Attempts: 1},
		},
		{
			ID: "search_flow/query", ScenarioID: "search_flow", ProjectID: "arxiv_server",
			Kind: engine.StepKindHTTP, Status: engine.UnitStatusFailed,
			Result: &engine.StepResult{
				Duration: 300 * time.Millisecond,
				Attempts: 3,
				Error:    engine.NewTransientError("upstream returned 503", nil),
			},
		},
		{
			ID: "render_flow/build", ScenarioID: "render_flow", ProjectID: "doc_hub",
			Kind: engine.StepKindExec, Status: engine.UnitStatusSkipped,
		},
	}

	findings := []engine.Finding{
		{
			ID: "f-1", RunID: "run-1", ProjectID: "arxiv_server", UnitID: "search_flow/trap",
			Source: engine.FindingSourceHoneypot, Severity: engine.SeverityCritical,
			Title: "honeypot search_flow/trap passed", Detail: "probe succeeded where failure was required",
			DetectedAt: started.Add(30 * time.Second),
		},
	}

	return run, units, findings
}

func TestBuildDocument(t *testing.T) {
	run, units, findings := sampleRun()
	doc := BuildDocument(run, units, findings)

	if doc.Run.ID != "run-1" || doc.Run.Status != engine.RunStatusPartial {
		t.Errorf("Unexpected run info: %+v", doc.Run)
	}
	if len(doc.Units) != 3 || len(doc.Findings) != 1 {
		t.Fatalf("Expected 3 units and 1 finding, got %d/%d", len(doc.Units), len(doc.Findings))
	}

	if len(doc.Projects) != 2 {
		t.Fatalf("Expected 2 project entries, got %d", len(doc.Projects))
	}
	// Sorted by project ID.
	if doc.Projects[0].ProjectID != "arxiv_server" || doc.Projects[1].ProjectID != "doc_hub" {
		t.Errorf("Unexpected project order: %+v", doc.Projects)
	}

	arxiv := doc.Projects[0]
	if arxiv.Total != 2 || arxiv.Passed != 1 || arxiv.Failed != 1 || arxiv.Findings != 1 {
		t.Errorf("Unexpected arxiv_server stats: %+v", arxiv)
	}

	var failed *UnitInfo
	for i := range doc.Units {
		if doc.Units[i].ID == "search_flow/query" {
			failed = &doc.Units[i]
		}
	}
	if failed == nil {
		t.Fatal("Missing failed unit in document")
	}
	if failed.Error != "upstream returned 503" || failed.ErrorClass != "transient" {
		t.Errorf("Unexpected error info: %+v", failed)
	}
	if failed.Attempts != 3 || failed.DurationMS != 300 {
		t.Errorf("Unexpected attempt info: %+v", failed)
	}
}

func TestJSONReporter(t *testing.T) {
	run, units, findings := sampleRun()
	r := NewJSONReporter()

	if r.Format() != "json" {
		t.Errorf("Unexpected format: %s", r.Format())
	}

	data, err := r.Render(run, units, findings)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Rendered JSON does not parse: %v", err)
	}
	if doc.Run.SuiteName != "ecosystem-smoke" {
		t.Errorf("Unexpected suite name: %s", doc.Run.SuiteName)
	}
	if len(doc.Findings) != 1 || doc.Findings[0].Severity != engine.SeverityCritical {
		t.Errorf("Unexpected findings: %+v", doc.Findings)
	}
}

func TestMarkdownReporter(t *testing.T) {
	run, units, findings := sampleRun()
	r := NewMarkdownReporter()

	if r.Format() != "markdown" {
		t.Errorf("Unexpected format: %s", r.Format())
	}

	data, err := r.Render(run, units, findings)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := string(data)

	for _, want := range []string{
		"# Verification Report: ecosystem-smoke",
		"## Projects",
		"| arxiv_server | 1 | 1 | 0 | 1 |",
		"## Findings",
		"honeypot search_flow/trap passed",
		"## Failed Units",
		"[transient] upstream returned 503",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Markdown output missing %q", want)
		}
	}
}

func TestMarkdownReporter_NoFindings(t *testing.T) {
	run, units, _ := sampleRun()
	run.Status = engine.RunStatusPassed
	for i := range units {
		units[i].Status = engine.UnitStatusPassed
		if units[i].Result != nil {
			units[i].Result.Error = nil
		}
	}

	data, err := NewMarkdownReporter().Render(run, units, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "## Findings") || strings.Contains(out, "## Failed Units") {
		t.Errorf("Expected no findings or failed sections:\n%s", out)
	}
}
