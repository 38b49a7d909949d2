package compliance

import (
	"time"
)

// Severity represents the severity level of a compliance violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that should block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that defeat the purpose of the
	// test suite, such as mocked integration tests.
	SeverityCritical Severity = "critical"
)

// Policy represents a compliance rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single compliance violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ProjectID is the project the violation concerns.
	ProjectID string `json:"project_id,omitempty"`

	// File is the test file the violation was found in, if any.
	File string `json:"file,omitempty"`

	// Line is the offending line, if known.
	Line int `json:"line,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of a compliance evaluation.
type Result struct {
	// Allowed indicates whether the project passes compliance.
	Allowed bool `json:"allowed"`

	// Violations lists all violations, blocking and not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Marker is a single matched pattern in a test file.
type Marker struct {
	// Line is the 1-indexed line number of the match.
	Line int `json:"line"`

	// Text is the trimmed matched line.
	Text string `json:"text"`
}

// FileFacts are the extracted facts about one test file.
type FileFacts struct {
	// Path is the file path relative to the project root.
	Path string `json:"path"`

	// Integration marks files that belong to an integration test tree.
	Integration bool `json:"integration"`

	// TestCount is the number of test functions found.
	TestCount int `json:"test_count"`

	// AssertionCount is the number of assertion statements found.
	AssertionCount int `json:"assertion_count"`

	// MockUsages are occurrences of mocking constructs.
	MockUsages []Marker `json:"mock_usages,omitempty"`

	// SkipMarkers are occurrences of skip annotations.
	SkipMarkers []Marker `json:"skip_markers,omitempty"`

	// HoneypotTests are test functions named as honeypots.
	HoneypotTests []Marker `json:"honeypot_tests,omitempty"`
}

// ScanReport aggregates file facts for one project.
type ScanReport struct {
	// ProjectID is the scanned project.
	ProjectID string `json:"project_id"`

	// Root is the directory that was scanned.
	Root string `json:"root"`

	// Files are the per-file facts.
	Files []FileFacts `json:"files"`

	// TotalTests is the number of test functions across all files.
	TotalTests int `json:"total_tests"`

	// TotalAssertions is the number of assertions across all files.
	TotalAssertions int `json:"total_assertions"`

	// HoneypotTests is the number of honeypot test functions found.
	HoneypotTests int `json:"honeypot_tests"`

	// ScannedAt is when the scan ran.
	ScannedAt time.Time `json:"scanned_at"`
}

// Input is the document handed to Rego policies.
type Input struct {
	// Facts are per-file facts, set when evaluating a single file.
	Facts *FileFacts `json:"facts,omitempty"`

	// Scan is the aggregate report, set when evaluating a project.
	Scan *ScanReport `json:"scan,omitempty"`

	// Units are completed check units, set when evaluating a run.
	Units []UnitDigest `json:"units,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// UnitDigest is the slice of a check unit that run policies inspect.
type UnitDigest struct {
	// ID is the check unit ID.
	ID string `json:"id"`

	// ProjectID is the probed project.
	ProjectID string `json:"project_id"`

	// Status is the terminal unit status.
	Status string `json:"status"`

	// Honeypot marks honeypot units.
	Honeypot bool `json:"honeypot"`

	// DurationMS is the execution time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Attempts is the number of execution attempts.
	Attempts int `json:"attempts"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// ProjectID is the project under evaluation.
	ProjectID string `json:"project_id,omitempty"`

	// Operation is what is being evaluated ("scan", "run").
	Operation string `json:"operation,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
