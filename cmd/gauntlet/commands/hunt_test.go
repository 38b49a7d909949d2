package commands

import (
	"context"
	"fmt"
	"testing"

	"github.com/gauntlet-dev/gauntlet/pkg/compliance"
	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
)

type fakeBaselineStore struct {
	rows map[string]*stores.ProjectBaseline
}

func newFakeBaselineStore() *fakeBaselineStore {
	return &fakeBaselineStore{rows: make(map[string]*stores.ProjectBaseline)}
}

func (s *fakeBaselineStore) GetProjectBaseline(_ context.Context, projectID string) (*stores.ProjectBaseline, error) {
	if b, ok := s.rows[projectID]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, fmt.Errorf("project baseline %s: %w", projectID, stores.ErrNotFound)
}

func (s *fakeBaselineStore) UpsertProjectBaseline(_ context.Context, baseline *stores.ProjectBaseline) error {
	copied := *baseline
	s.rows[baseline.ProjectID] = &copied
	return nil
}

func scanWithTests(projectID string, tests int) *compliance.ScanReport {
	return &compliance.ScanReport{
		ProjectID: projectID,
		Files: []compliance.FileFacts{
			{Path: "tests/test_main.py", TestCount: tests, AssertionCount: tests * 3},
		},
		TotalTests:      tests,
		TotalAssertions: tests * 3,
	}
}

func TestReconcileBaselines_FirstScanRecordsBaseline(t *testing.T) {
	store := newFakeBaselineStore()
	checks := []projectCheck{
		{ProjectID: "arxiv_server", Allowed: true, Scan: scanWithTests("arxiv_server", 6)},
	}

	findings, err := reconcileBaselines(context.Background(), store, "run-1", checks)
	if err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Expected no drift on first scan, got %d findings", len(findings))
	}

	b, ok := store.rows["arxiv_server"]
	if !ok {
		t.Fatal("Expected baseline to be recorded")
	}
	if b.TotalTests != 6 || b.FactsHash == "" {
		t.Errorf("Unexpected baseline: %+v", b)
	}
	if b.RunID == nil || *b.RunID != "run-1" {
		t.Errorf("Expected baseline tied to run, got %v", b.RunID)
	}
}

func TestReconcileBaselines_DriftProducesFinding(t *testing.T) {
	store := newFakeBaselineStore()
	ctx := context.Background()

	first := []projectCheck{
		{ProjectID: "arxiv_server", Allowed: true, Scan: scanWithTests("arxiv_server", 6)},
	}
	if _, err := reconcileBaselines(ctx, store, "run-1", first); err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}

	second := []projectCheck{
		{ProjectID: "arxiv_server", Allowed: true, Scan: scanWithTests("arxiv_server", 4)},
	}
	findings, err := reconcileBaselines(ctx, store, "run-2", second)
	if err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("Expected 1 drift finding, got %d", len(findings))
	}
	if findings[0].Source != engine.FindingSourceBaseline {
		t.Errorf("Expected baseline source, got %s", findings[0].Source)
	}
	if findings[0].Severity != engine.SeverityMedium {
		t.Errorf("Expected medium severity for shrinking suite, got %s", findings[0].Severity)
	}

	// An allowed scan moves the baseline forward.
	if b := store.rows["arxiv_server"]; b.TotalTests != 4 {
		t.Errorf("Expected baseline advanced to 4 tests, got %d", b.TotalTests)
	}
}

func TestReconcileBaselines_BlockedScanKeepsBaseline(t *testing.T) {
	store := newFakeBaselineStore()
	ctx := context.Background()

	first := []projectCheck{
		{ProjectID: "doc_hub", Allowed: true, Scan: scanWithTests("doc_hub", 10)},
	}
	if _, err := reconcileBaselines(ctx, store, "run-1", first); err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}

	blocked := []projectCheck{
		{ProjectID: "doc_hub", Allowed: false, Scan: scanWithTests("doc_hub", 2)},
	}
	findings, err := reconcileBaselines(ctx, store, "run-2", blocked)
	if err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("Expected drift finding for blocked project, got %d", len(findings))
	}

	if b := store.rows["doc_hub"]; b.TotalTests != 10 {
		t.Errorf("Expected baseline pinned at last-good facts, got %d tests", b.TotalTests)
	}
}

func TestReconcileBaselines_SkipsUnscannedProjects(t *testing.T) {
	store := newFakeBaselineStore()
	checks := []projectCheck{{ProjectID: "remote_only", Allowed: true}}

	findings, err := reconcileBaselines(context.Background(), store, "run-1", checks)
	if err != nil {
		t.Fatalf("reconcileBaselines failed: %v", err)
	}
	if len(findings) != 0 || len(store.rows) != 0 {
		t.Errorf("Expected nothing for unscanned project, got %d findings, %d rows",
			len(findings), len(store.rows))
	}
}
