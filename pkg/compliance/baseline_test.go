package compliance

import (
	"testing"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func baselineScan() *ScanReport {
	return &ScanReport{
		ProjectID: "arxiv_server",
		Root:      "/srv/arxiv",
		Files: []FileFacts{
			{
				Path:           "tests/test_search.py",
				TestCount:      5,
				AssertionCount: 18,
				HoneypotTests:  []Marker{{Line: 40, Text: "def test_honeypot_search"}},
			},
			{
				Path:           "tests/integration/test_api.py",
				Integration:    true,
				TestCount:      3,
				AssertionCount: 9,
			},
		},
		TotalTests:      8,
		TotalAssertions: 27,
		HoneypotTests:   1,
		ScannedAt:       time.Now(),
	}
}

func TestFactsHash_IgnoresFileOrder(t *testing.T) {
	a := baselineScan()
	b := baselineScan()
	b.Files[0], b.Files[1] = b.Files[1], b.Files[0]

	if FactsHash(a) != FactsHash(b) {
		t.Error("Expected hash to be independent of file order")
	}
}

func TestFactsHash_ChangesWithFacts(t *testing.T) {
	a := baselineScan()
	b := baselineScan()
	b.Files[0].AssertionCount--

	if FactsHash(a) == FactsHash(b) {
		t.Error("Expected hash to change when assertion count changes")
	}
}

func TestDetectDrift_NoBaseline(t *testing.T) {
	if drift := DetectDrift(baselineScan(), nil); drift != nil {
		t.Errorf("Expected no drift without a baseline, got %+v", drift)
	}
}

func TestDetectDrift_MatchingHash(t *testing.T) {
	scan := baselineScan()
	if drift := DetectDrift(scan, BaselineFromScan(scan)); drift != nil {
		t.Errorf("Expected no drift against own baseline, got %+v", drift)
	}
}

func TestDetectDrift_ReportsDeltas(t *testing.T) {
	baseline := BaselineFromScan(baselineScan())

	changed := baselineScan()
	changed.Files = changed.Files[:1]
	changed.TotalTests = 5
	changed.TotalAssertions = 18

	drift := DetectDrift(changed, baseline)
	if drift == nil {
		t.Fatal("Expected drift after dropping a test file")
	}
	if drift.TestsDelta != -3 {
		t.Errorf("Expected tests delta -3, got %d", drift.TestsDelta)
	}
	if drift.AssertionsDelta != -9 {
		t.Errorf("Expected assertions delta -9, got %d", drift.AssertionsDelta)
	}
	if drift.BaselineHash == drift.CurrentHash {
		t.Error("Expected differing hashes in drift")
	}
}

func TestDrift_FindingSeverity(t *testing.T) {
	shrunk := &Drift{ProjectID: "p", TestsDelta: -2}
	finding := shrunk.Finding("run-1")
	if finding.Severity != engine.SeverityMedium {
		t.Errorf("Expected medium severity for shrinking suite, got %s", finding.Severity)
	}
	if finding.Source != engine.FindingSourceBaseline {
		t.Errorf("Expected baseline source, got %s", finding.Source)
	}
	if finding.RunID != "run-1" {
		t.Errorf("Expected run ID on finding, got %q", finding.RunID)
	}

	grown := &Drift{ProjectID: "p", TestsDelta: 4, AssertionsDelta: 12}
	if f := grown.Finding("run-1"); f.Severity != engine.SeverityLow {
		t.Errorf("Expected low severity for growing suite, got %s", f.Severity)
	}
}
