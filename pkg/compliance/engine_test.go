package compliance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestEngine_BuiltinPoliciesLoaded(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != 5 {
		t.Errorf("Expected 5 built-in policies, got %d", len(policies))
	}

	if _, err := e.GetPolicy("mock-free-integration"); err != nil {
		t.Errorf("Expected mock-free-integration policy: %v", err)
	}
	if _, err := e.GetPolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestEngine_EvaluateScan_MockedIntegrationIsBlocking(t *testing.T) {
	e := newTestEngine(t)

	report := &ScanReport{
		ProjectID:  "arxiv_server",
		TotalTests: 2,
		// A honeypot exists, so only the mock violation should fire.
		HoneypotTests: 1,
		Files: []FileFacts{
			{
				Path:           "tests/integration/test_search.py",
				Integration:    true,
				TestCount:      2,
				AssertionCount: 3,
				MockUsages:     []Marker{{Line: 4, Text: "client = MagicMock()"}},
			},
		},
		ScannedAt: time.Now(),
	}

	result, err := e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected mocked integration test to block")
	}

	var mockViolation *Violation
	for i := range result.Violations {
		if result.Violations[i].Policy == "mock-free-integration" {
			mockViolation = &result.Violations[i]
		}
	}
	if mockViolation == nil {
		t.Fatalf("Expected mock-free-integration violation, got: %+v", result.Violations)
	}
	if mockViolation.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", mockViolation.Severity)
	}
	if mockViolation.File != "tests/integration/test_search.py" || mockViolation.Line != 4 {
		t.Errorf("Expected file/line from the deny result, got %s:%d", mockViolation.File, mockViolation.Line)
	}
	if mockViolation.ProjectID != "arxiv_server" {
		t.Errorf("Expected project ID on violation, got %q", mockViolation.ProjectID)
	}
}

func TestEngine_EvaluateScan_UnitTestMocksAllowed(t *testing.T) {
	e := newTestEngine(t)

	report := &ScanReport{
		ProjectID:     "doc_hub",
		TotalTests:    1,
		HoneypotTests: 1,
		Files: []FileFacts{
			{
				Path:           "tests/test_render.py",
				Integration:    false,
				TestCount:      1,
				AssertionCount: 2,
				MockUsages:     []Marker{{Line: 2, Text: "renderer = MagicMock()"}},
			},
		},
	}

	result, err := e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}

	for _, v := range result.Violations {
		if v.Policy == "mock-free-integration" {
			t.Errorf("Unit-test mocks must not trigger the integration policy: %+v", v)
		}
	}
}

func TestEngine_EvaluateScan_MissingHoneypots(t *testing.T) {
	e := newTestEngine(t)

	report := &ScanReport{
		ProjectID:     "doc_hub",
		TotalTests:    12,
		HoneypotTests: 0,
		Files: []FileFacts{
			{Path: "tests/test_a.py", TestCount: 12, AssertionCount: 20},
		},
	}

	result, err := e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected missing honeypots to block")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "honeypot-coverage" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected honeypot-coverage violation, got: %+v", result.Violations)
	}
}

func TestEngine_EvaluateScan_LowAssertionDensityWarns(t *testing.T) {
	e := newTestEngine(t)

	report := &ScanReport{
		ProjectID:     "doc_hub",
		TotalTests:    4,
		HoneypotTests: 1,
		Files: []FileFacts{
			{Path: "tests/test_a.py", TestCount: 4, AssertionCount: 1},
		},
	}

	result, err := e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}

	// Warnings alone do not block.
	if !result.Allowed {
		t.Errorf("Expected warnings-only result to be allowed, violations: %+v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "assertion-density" && v.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected assertion-density warning, got: %+v", result.Violations)
	}
}

func TestEngine_EvaluateRun_InstantPass(t *testing.T) {
	e := newTestEngine(t)

	units := []UnitDigest{
		{ID: "s/fast", ProjectID: "p", Status: "passed", DurationMS: 0, Attempts: 1},
		{ID: "s/slow", ProjectID: "p", Status: "passed", DurationMS: 120, Attempts: 1},
		{ID: "s/trap", ProjectID: "p", Status: "passed", Honeypot: true, DurationMS: 0, Attempts: 1},
	}

	result, err := e.EvaluateRun(context.Background(), "p", units)
	if err != nil {
		t.Fatalf("EvaluateRun failed: %v", err)
	}

	var instant []Violation
	for _, v := range result.Violations {
		if v.Policy == "no-instant-passes" {
			instant = append(instant, v)
		}
	}
	if len(instant) != 1 {
		t.Fatalf("Expected exactly 1 instant-pass violation, got %d: %+v", len(instant), result.Violations)
	}
	if !result.Allowed {
		t.Error("Expected instant-pass warning not to block")
	}
}

func TestEngine_DisablePolicy(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("no-skipped-tests"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	report := &ScanReport{
		ProjectID:     "p",
		TotalTests:    1,
		HoneypotTests: 1,
		Files: []FileFacts{
			{Path: "tests/test_a.py", TestCount: 1, AssertionCount: 1,
				SkipMarkers: []Marker{{Line: 3, Text: "@unittest.skip"}}},
		},
	}

	result, err := e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}
	for _, v := range result.Violations {
		if v.Policy == "no-skipped-tests" {
			t.Errorf("Disabled policy still fired: %+v", v)
		}
	}

	if err := e.EnablePolicy("no-skipped-tests"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = e.EvaluateScan(context.Background(), report)
	if err != nil {
		t.Fatalf("EvaluateScan failed: %v", err)
	}
	found := false
	for _, v := range result.Violations {
		if v.Policy == "no-skipped-tests" {
			found = true
		}
	}
	if !found {
		t.Error("Re-enabled policy did not fire")
	}
}

func TestEngine_LoadPolicies_FromRegoFile(t *testing.T) {
	dir := t.TempDir()
	custom := `# Flags projects scanning more than 100 test files
package gauntlet.compliance.custom

import rego.v1

deny contains violation if {
	input.scan
	count(input.scan.files) > 100
	violation := {
		"message": "test tree too large to audit",
		"severity": "warning",
	}
}
`
	path := filepath.Join(dir, "tree-size.rego")
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	policy, err := e.GetPolicy("tree-size")
	if err != nil {
		t.Fatalf("Expected loaded policy: %v", err)
	}
	if policy.Description == "" {
		t.Error("Expected description extracted from leading comment")
	}
}

func TestToFindings(t *testing.T) {
	result := &Result{
		Violations: []Violation{
			{
				Policy:     "mock-free-integration",
				ProjectID:  "p",
				File:       "tests/integration/test_x.py",
				Line:       9,
				Message:    "integration test uses a mock",
				Severity:   SeverityCritical,
				DetectedAt: time.Now(),
			},
			{
				Policy:    "assertion-density",
				ProjectID: "p",
				Message:   "too few assertions",
				Severity:  SeverityWarning,
			},
		},
	}

	findings := ToFindings(result, "run1")
	if len(findings) != 2 {
		t.Fatalf("Expected 2 findings, got %d", len(findings))
	}
	if findings[0].Source != engine.FindingSourceCompliance {
		t.Errorf("Expected compliance source, got %s", findings[0].Source)
	}
	if findings[0].Severity != engine.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", findings[0].Severity)
	}
	if findings[1].Severity != engine.SeverityMedium {
		t.Errorf("Expected medium severity for warning, got %s", findings[1].Severity)
	}
	if findings[0].RunID != "run1" {
		t.Errorf("Expected run ID propagated, got %q", findings[0].RunID)
	}
}

func TestDigestUnits(t *testing.T) {
	units := []engine.CheckUnit{
		{
			ID:        "s/a",
			ProjectID: "p",
			Status:    engine.UnitStatusPassed,
			Honeypot:  true,
			Result: &engine.StepResult{
				Duration: 250 * time.Millisecond,
				Attempts: 2,
			},
		},
		{ID: "s/b", ProjectID: "p", Status: engine.UnitStatusSkipped},
	}

	digests := DigestUnits(units)
	if len(digests) != 2 {
		t.Fatalf("Expected 2 digests, got %d", len(digests))
	}
	if digests[0].DurationMS != 250 || digests[0].Attempts != 2 || !digests[0].Honeypot {
		t.Errorf("Unexpected digest: %+v", digests[0])
	}
	if digests[1].Status != "skipped" {
		t.Errorf("Expected skipped status, got %s", digests[1].Status)
	}
}
