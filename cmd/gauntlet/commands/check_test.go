package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/compliance"
	"github.com/gauntlet-dev/gauntlet/pkg/suite"
)

func TestScanProject_PrefersLocalPath(t *testing.T) {
	dir := t.TempDir()
	source := "def test_search():\n    assert True\n\ndef test_rank():\n    assert 1 == 1\n"
	if err := os.WriteFile(filepath.Join(dir, "test_sample.py"), []byte(source), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// A remote declaration must not shadow a checkout that is present
	// locally, even with no remote scanner configured.
	project := suite.ProjectConfig{
		ID:     "arxiv_server",
		Path:   dir,
		Remote: &suite.RemoteConfig{Host: "arxiv.internal", User: "deploy"},
	}

	scanner := compliance.NewScanner(zerolog.Nop())
	report, err := scanProject(context.Background(), scanner, nil, project)
	if err != nil {
		t.Fatalf("scanProject failed: %v", err)
	}
	if report == nil {
		t.Fatal("Expected a local scan report, got nil")
	}
	if report.TotalTests != 2 {
		t.Errorf("Expected 2 tests from local scan, got %d", report.TotalTests)
	}
}

func TestScanProject_RemoteOnlySkippedWithoutWorker(t *testing.T) {
	project := suite.ProjectConfig{
		ID:     "doc_hub",
		Path:   "/srv/doc_hub",
		Remote: &suite.RemoteConfig{Host: "docs.internal", User: "deploy"},
	}

	scanner := compliance.NewScanner(zerolog.Nop())
	report, err := scanProject(context.Background(), scanner, nil, project)
	if err != nil {
		t.Fatalf("scanProject failed: %v", err)
	}
	if report != nil {
		t.Errorf("Expected remote-only project to be skipped, got %+v", report)
	}
}

func TestScanProject_NoPath(t *testing.T) {
	scanner := compliance.NewScanner(zerolog.Nop())
	report, err := scanProject(context.Background(), scanner, nil, suite.ProjectConfig{ID: "bare"})
	if err != nil {
		t.Fatalf("scanProject failed: %v", err)
	}
	if report != nil {
		t.Errorf("Expected pathless project to be skipped, got %+v", report)
	}
}
