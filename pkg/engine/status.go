package engine

import "fmt"

// RunStatus represents the overall status of a verification run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusPassed indicates every check unit in the run passed.
	RunStatusPassed RunStatus = "passed"

	// RunStatusFailed indicates the run failed with no passing units,
	// or was aborted by a scheduling error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates a mixed outcome: some units passed while
	// others failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPassed,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnitStatus represents the execution status of a single check unit.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit has not started yet.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusBlocked indicates the unit is waiting on dependencies.
	UnitStatusBlocked UnitStatus = "blocked"

	// UnitStatusRunning indicates the unit is executing.
	UnitStatusRunning UnitStatus = "running"

	// UnitStatusPassed indicates the unit's probe and assertions succeeded.
	UnitStatusPassed UnitStatus = "passed"

	// UnitStatusFailed indicates the unit failed after exhausting retries.
	UnitStatusFailed UnitStatus = "failed"

	// UnitStatusSkipped indicates the unit was skipped because a required
	// dependency failed or the project's circuit breaker was open.
	UnitStatusSkipped UnitStatus = "skipped"

	// UnitStatusCancelled indicates the unit never ran because the run
	// was cancelled.
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal returns true if the unit status represents a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusPassed || s == UnitStatusFailed ||
		s == UnitStatusSkipped || s == UnitStatusCancelled
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusBlocked, UnitStatusRunning,
		UnitStatusPassed, UnitStatusFailed, UnitStatusSkipped, UnitStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// StepKind identifies the probe type that executes a step.
type StepKind string

const (
	// StepKindExec runs a local subprocess (project test commands, linters).
	StepKindExec StepKind = "exec"

	// StepKindHTTP performs a live HTTP endpoint check.
	StepKindHTTP StepKind = "http"

	// StepKindWASM invokes a WASM check plugin.
	StepKindWASM StepKind = "wasm"

	// StepKindSSH runs a command on a remote project host.
	StepKindSSH StepKind = "ssh"
)

// Validate checks if the step kind is valid.
func (k StepKind) Validate() error {
	switch k {
	case StepKindExec, StepKindHTTP, StepKindWASM, StepKindSSH:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// Severity represents the severity of a finding.
type Severity string

const (
	// SeverityInfo is an informational observation.
	SeverityInfo Severity = "info"

	// SeverityLow is a minor defect that does not affect correctness.
	SeverityLow Severity = "low"

	// SeverityMedium is a defect that degrades behavior.
	SeverityMedium Severity = "medium"

	// SeverityHigh is a defect that breaks a documented behavior.
	SeverityHigh Severity = "high"

	// SeverityCritical is a defect that invalidates the project's test
	// suite itself, such as a honeypot test that passes.
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable ordering for severities, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// FindingSource identifies which subsystem produced a finding.
type FindingSource string

const (
	// FindingSourceProbe marks findings produced by a failed probe step.
	FindingSourceProbe FindingSource = "probe"

	// FindingSourceHoneypot marks findings produced by honeypot inversion.
	FindingSourceHoneypot FindingSource = "honeypot"

	// FindingSourceCompliance marks findings produced by policy evaluation.
	FindingSourceCompliance FindingSource = "compliance"

	// FindingSourceBaseline marks findings produced by baseline drift
	// detection.
	FindingSourceBaseline FindingSource = "baseline"
)
