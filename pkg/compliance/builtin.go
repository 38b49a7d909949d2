package compliance

import (
	"time"
)

// GetBuiltinPolicies returns all built-in compliance policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		mockFreeIntegrationPolicy(),
		noSkippedTestsPolicy(),
		assertionDensityPolicy(),
		honeypotCoveragePolicy(),
		instantPassPolicy(),
	}
}

// mockFreeIntegrationPolicy flags mocking constructs in integration tests.
// A mocked integration test verifies nothing about the real system.
func mockFreeIntegrationPolicy() Policy {
	return Policy{
		Name:        "mock-free-integration",
		Description: "Integration tests must exercise real components, not mocks",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"mocks", "integration"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gauntlet.compliance.mocks

import rego.v1

deny contains violation if {
	input.facts
	input.facts.integration
	some usage in input.facts.mock_usages
	violation := {
		"message": sprintf("integration test %s uses a mock at line %d: %s", [input.facts.path, usage.line, usage.text]),
		"severity": "critical",
		"file": input.facts.path,
		"line": usage.line,
	}
}
`,
	}
}

// noSkippedTestsPolicy flags skip annotations in test files.
func noSkippedTestsPolicy() Policy {
	return Policy{
		Name:        "no-skipped-tests",
		Description: "Skipped tests hide regressions and must be removed or fixed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"skips"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gauntlet.compliance.skips

import rego.v1

deny contains violation if {
	input.facts
	some marker in input.facts.skip_markers
	violation := {
		"message": sprintf("test file %s skips a test at line %d: %s", [input.facts.path, marker.line, marker.text]),
		"severity": "error",
		"file": input.facts.path,
		"line": marker.line,
	}
}
`,
	}
}

// assertionDensityPolicy flags test files with fewer assertions than tests.
func assertionDensityPolicy() Policy {
	return Policy{
		Name:        "assertion-density",
		Description: "Every test function should make at least one assertion",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"assertions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gauntlet.compliance.assertions

import rego.v1

deny contains violation if {
	input.facts
	input.facts.test_count > 0
	input.facts.assertion_count < input.facts.test_count
	violation := {
		"message": sprintf("test file %s has %d tests but only %d assertions", [input.facts.path, input.facts.test_count, input.facts.assertion_count]),
		"severity": "warning",
		"file": input.facts.path,
	}
}
`,
	}
}

// honeypotCoveragePolicy requires at least one honeypot test per project.
func honeypotCoveragePolicy() Policy {
	return Policy{
		Name:        "honeypot-coverage",
		Description: "Projects with tests must carry honeypot tests that verify failures are detected",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"honeypots"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gauntlet.compliance.honeypots

import rego.v1

deny contains violation if {
	input.scan
	input.scan.total_tests > 0
	input.scan.honeypot_tests == 0
	violation := {
		"message": sprintf("project %s has %d tests but no honeypot tests", [input.scan.project_id, input.scan.total_tests]),
		"severity": "error",
	}
}
`,
	}
}

// instantPassPolicy flags non-honeypot units that pass in zero time.
// A check that finishes instantly usually did not touch the target.
func instantPassPolicy() Policy {
	return Policy{
		Name:        "no-instant-passes",
		Description: "Passing checks with zero duration are suspect and likely vacuous",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"durations"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gauntlet.compliance.durations

import rego.v1

deny contains violation if {
	some unit in input.units
	unit.status == "passed"
	not unit.honeypot
	unit.duration_ms == 0
	violation := {
		"message": sprintf("unit %s passed in zero time", [unit.id]),
		"severity": "warning",
	}
}
`,
	}
}
