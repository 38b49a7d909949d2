package engine

import (
	"context"
	"encoding/json"
)

// Prober executes check units of one step kind.
type Prober interface {
	// Kind returns the step kind this prober handles.
	Kind() StepKind

	// Execute runs the unit's probe against the given project and returns
	// the raw result. Honeypot inversion and assertions are applied by the
	// caller, not by individual probers.
	Execute(ctx context.Context, project *Project, unit *CheckUnit) (*StepResult, error)
}

// ProbeRegistry resolves the prober for a check unit and applies the
// cross-cutting result rules (honeypot inversion, Starlark assertions).
type ProbeRegistry interface {
	// ExecuteUnit runs a check unit end-to-end.
	ExecuteUnit(ctx context.Context, project *Project, unit *CheckUnit) (*StepResult, error)

	// Kinds lists the registered step kinds.
	Kinds() []StepKind
}

// StateManager persists runs, unit results, and findings.
type StateManager interface {
	// SaveRun creates or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// SaveUnitResult persists the result of a completed check unit.
	SaveUnitResult(ctx context.Context, runID string, unit *CheckUnit) error

	// SaveFinding persists a finding.
	SaveFinding(ctx context.Context, finding *Finding) error
}

// EventPublisher publishes execution timeline events.
type EventPublisher interface {
	// Publish publishes a single event. Implementations must not block
	// the scheduler; buffering is the publisher's responsibility.
	Publish(ctx context.Context, event *Event) error
}

// AssertEvaluator evaluates a step assertion against probe output.
// Implemented by the suite package's Starlark evaluator.
type AssertEvaluator interface {
	// Assert runs the script with the probe output bound as `result`.
	// It returns false with a message when the assertion does not hold.
	Assert(ctx context.Context, script string, output json.RawMessage) (bool, string, error)
}

// Reporter renders a completed run into an output format.
type Reporter interface {
	// Render renders the run, its units, and findings.
	Render(run *Run, units []CheckUnit, findings []Finding) ([]byte, error)

	// Format returns the output format name (e.g., "json", "markdown").
	Format() string
}
