package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// Baseline is the recorded last-good compliance facts for a project.
type Baseline struct {
	// ProjectID is the project the baseline belongs to.
	ProjectID string `json:"project_id"`

	// FactsHash fingerprints the per-file scan facts.
	FactsHash string `json:"facts_hash"`

	// TotalTests is the test count at baseline time.
	TotalTests int `json:"total_tests"`

	// TotalAssertions is the assertion count at baseline time.
	TotalAssertions int `json:"total_assertions"`

	// HoneypotTests is the honeypot count at baseline time.
	HoneypotTests int `json:"honeypot_tests"`

	// RecordedAt is when the baseline was taken.
	RecordedAt time.Time `json:"recorded_at"`
}

// BaselineFromScan captures a scan's facts as a new baseline.
func BaselineFromScan(report *ScanReport) *Baseline {
	return &Baseline{
		ProjectID:       report.ProjectID,
		FactsHash:       FactsHash(report),
		TotalTests:      report.TotalTests,
		TotalAssertions: report.TotalAssertions,
		HoneypotTests:   report.HoneypotTests,
		RecordedAt:      time.Now().UTC(),
	}
}

// FactsHash returns a stable fingerprint of a scan's per-file facts.
// File order does not affect the hash, so rescans of an unchanged tree
// always produce the same value.
func FactsHash(report *ScanReport) string {
	lines := make([]string, 0, len(report.Files))
	for _, f := range report.Files {
		lines = append(lines, fmt.Sprintf("%s|%t|%d|%d|%d|%d|%d",
			f.Path, f.Integration, f.TestCount, f.AssertionCount,
			len(f.MockUsages), len(f.SkipMarkers), len(f.HoneypotTests)))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Drift describes how a scan's facts diverged from the recorded
// baseline.
type Drift struct {
	// ProjectID is the drifted project.
	ProjectID string `json:"project_id"`

	// BaselineHash is the recorded facts hash.
	BaselineHash string `json:"baseline_hash"`

	// CurrentHash is the facts hash of the new scan.
	CurrentHash string `json:"current_hash"`

	// TestsDelta is the test count change since the baseline.
	TestsDelta int `json:"tests_delta"`

	// AssertionsDelta is the assertion count change since the baseline.
	AssertionsDelta int `json:"assertions_delta"`

	// HoneypotDelta is the honeypot count change since the baseline.
	HoneypotDelta int `json:"honeypot_delta"`

	// BaselineRecordedAt is when the baseline was taken.
	BaselineRecordedAt time.Time `json:"baseline_recorded_at"`
}

// DetectDrift compares a scan against a project's baseline. A nil
// baseline or a matching hash returns nil.
func DetectDrift(report *ScanReport, baseline *Baseline) *Drift {
	if baseline == nil {
		return nil
	}
	current := FactsHash(report)
	if current == baseline.FactsHash {
		return nil
	}
	return &Drift{
		ProjectID:          report.ProjectID,
		BaselineHash:       baseline.FactsHash,
		CurrentHash:        current,
		TestsDelta:         report.TotalTests - baseline.TotalTests,
		AssertionsDelta:    report.TotalAssertions - baseline.TotalAssertions,
		HoneypotDelta:      report.HoneypotTests - baseline.HoneypotTests,
		BaselineRecordedAt: baseline.RecordedAt,
	}
}

// Finding converts a drift into an engine finding. Shrinking test
// surface is what drift detection exists to catch, so a drop in tests
// or assertions raises the severity.
func (d *Drift) Finding(runID string) engine.Finding {
	severity := engine.SeverityLow
	if d.TestsDelta < 0 || d.AssertionsDelta < 0 {
		severity = engine.SeverityMedium
	}

	evidence, _ := json.Marshal(d)
	return engine.Finding{
		RunID:     runID,
		ProjectID: d.ProjectID,
		Source:    engine.FindingSourceBaseline,
		Severity:  severity,
		Title:     fmt.Sprintf("baseline drift: %s", d.ProjectID),
		Detail: fmt.Sprintf("test facts changed since baseline of %s: tests %+d, assertions %+d, honeypots %+d",
			d.BaselineRecordedAt.Format(time.RFC3339), d.TestsDelta, d.AssertionsDelta, d.HoneypotDelta),
		Evidence:   evidence,
		DetectedAt: time.Now().UTC(),
	}
}
