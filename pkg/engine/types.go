package engine

import (
	"encoding/json"
	"time"
)

// Project represents an external project in the ecosystem under verification.
type Project struct {
	// ID is the unique identifier for this project (e.g., "arxiv_server").
	ID string `json:"id"`

	// Name is the human-readable project name.
	Name string `json:"name"`

	// Path is the local checkout path, if the project is available locally.
	Path string `json:"path,omitempty"`

	// BaseURL is the service endpoint for live probes, if any.
	BaseURL string `json:"base_url,omitempty"`

	// Remote describes the SSH target for remote execution, if any.
	Remote *RemoteTarget `json:"remote,omitempty"`

	// Labels are key-value pairs for organizing and selecting projects.
	Labels map[string]string `json:"labels,omitempty"`

	// Annotations are additional project metadata.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// RemoteTarget describes an SSH-reachable host that runs a project.
type RemoteTarget struct {
	// Host is the hostname or IP address.
	Host string `json:"host"`

	// Port is the SSH port (default 22).
	Port int `json:"port,omitempty"`

	// User is the SSH user.
	User string `json:"user"`

	// ArtifactDir is the remote directory test artifacts are fetched from.
	ArtifactDir string `json:"artifact_dir,omitempty"`
}

// Scenario is a multi-step interaction exercised against a project.
type Scenario struct {
	// ID is the unique identifier for this scenario within a suite.
	ID string `json:"id"`

	// Name is the human-readable scenario name.
	Name string `json:"name"`

	// Description explains what the scenario verifies.
	Description string `json:"description,omitempty"`

	// ProjectID is the project this scenario targets.
	ProjectID string `json:"project_id"`

	// Steps are the ordered steps of the scenario. A step without explicit
	// dependencies requires the preceding step.
	Steps []Step `json:"steps"`

	// Labels are key-value pairs for filtering scenarios.
	Labels map[string]string `json:"labels,omitempty"`
}

// Step is a single probe invocation within a scenario.
type Step struct {
	// ID is the step identifier, unique within its scenario.
	ID string `json:"id"`

	// Name is the human-readable step name.
	Name string `json:"name,omitempty"`

	// Kind selects the probe that executes this step.
	Kind StepKind `json:"kind"`

	// Params is the probe-specific configuration.
	Params json.RawMessage `json:"params"`

	// Honeypot marks a step that must fail. A passing honeypot step is
	// converted into a critical finding.
	Honeypot bool `json:"honeypot,omitempty"`

	// Assert is an optional Starlark expression evaluated against the
	// probe output. It must set `ok = True` for the step to pass.
	Assert string `json:"assert,omitempty"`

	// DependsOn lists step IDs within the scenario this step depends on.
	DependsOn []StepDependency `json:"depends_on,omitempty"`

	// Timeout is the maximum duration for executing this step.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries is the maximum number of retry attempts allowed.
	MaxRetries int `json:"max_retries,omitempty"`
}

// StepDependency is a dependency edge between steps of one scenario.
type StepDependency struct {
	// StepID is the step this step depends on.
	StepID string `json:"step_id"`

	// Type is the dependency type.
	Type DependencyType `json:"type"`
}

// CheckUnit represents a unit of scheduled work: one step of one scenario,
// bound to a concrete project.
type CheckUnit struct {
	// ID is the unique identifier for this check unit.
	ID string `json:"id"`

	// ScenarioID is the scenario this unit belongs to.
	ScenarioID string `json:"scenario_id"`

	// StepID is the originating step within the scenario.
	StepID string `json:"step_id"`

	// ProjectID is the project this unit probes.
	ProjectID string `json:"project_id"`

	// Kind selects the probe that executes this unit.
	Kind StepKind `json:"kind"`

	// Params is the probe-specific configuration.
	Params json.RawMessage `json:"params"`

	// Honeypot marks a unit whose probe must fail.
	Honeypot bool `json:"honeypot,omitempty"`

	// Assert is the Starlark assertion evaluated against probe output.
	Assert string `json:"assert,omitempty"`

	// Status is the current execution status of this unit.
	Status UnitStatus `json:"status"`

	// Dependencies lists unit IDs that must complete before this unit.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// ExecutionOrder is the topological level assigned by the DAG builder.
	ExecutionOrder int `json:"execution_order"`

	// Retries is the number of retry attempts performed so far.
	Retries int `json:"retries"`

	// MaxRetries is the maximum number of retry attempts allowed.
	MaxRetries int `json:"max_retries"`

	// Timeout is the maximum duration for executing this unit.
	Timeout time.Duration `json:"timeout"`

	// Metadata contains additional unit metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Result is the execution result once the unit completes.
	Result *StepResult `json:"result,omitempty"`
}

// Dependency represents an edge in the execution DAG.
type Dependency struct {
	// TargetID is the ID of the check unit this depends on.
	TargetID string `json:"target_id"`

	// Type is the type of dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType represents the type of dependency between check units.
type DependencyType string

const (
	// DependencyRequire indicates a hard dependency that must pass.
	DependencyRequire DependencyType = "require"

	// DependencyOrder indicates ordering without a success requirement.
	DependencyOrder DependencyType = "order"

	// DependencyNotify indicates a soft dependency that never blocks.
	DependencyNotify DependencyType = "notify"
)

// StepResult represents the outcome of executing a check unit.
type StepResult struct {
	// UnitID is the ID of the check unit this result belongs to.
	UnitID string `json:"unit_id"`

	// Status indicates whether the execution passed or failed.
	Status UnitStatus `json:"status"`

	// StartedAt is when the execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the execution completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// Output contains probe-specific output data (status codes, excerpts).
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the classified error that occurred, if any.
	Error *CheckError `json:"error,omitempty"`

	// Findings are defects recorded while executing this unit.
	Findings []Finding `json:"findings,omitempty"`

	// Attempts is the number of execution attempts, including the first.
	Attempts int `json:"attempts"`
}

// Finding is a recorded defect surfaced by a probe, a honeypot, or a
// compliance scan.
type Finding struct {
	// ID is the unique identifier for this finding.
	ID string `json:"id"`

	// RunID is the run during which the finding was recorded.
	RunID string `json:"run_id"`

	// ProjectID is the project the finding concerns.
	ProjectID string `json:"project_id"`

	// ScenarioID is the scenario that surfaced the finding, if any.
	ScenarioID string `json:"scenario_id,omitempty"`

	// UnitID is the check unit that surfaced the finding, if any.
	UnitID string `json:"unit_id,omitempty"`

	// Source identifies the subsystem that produced the finding.
	Source FindingSource `json:"source"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`

	// Title is a one-line summary.
	Title string `json:"title"`

	// Detail is the full description of the defect.
	Detail string `json:"detail,omitempty"`

	// Evidence contains structured supporting data (outputs, locations).
	Evidence json.RawMessage `json:"evidence,omitempty"`

	// DetectedAt is when the finding was recorded.
	DetectedAt time.Time `json:"detected_at"`
}

// Plan represents a complete verification plan built from a suite.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// SuiteName is the suite the plan was built from.
	SuiteName string `json:"suite_name"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Units are all the check units to be executed.
	Units []CheckUnit `json:"units"`

	// Graph is the DAG representation of the plan.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`

	// Metadata contains additional plan metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Scenarios is the number of scenarios in the plan.
	Scenarios int `json:"scenarios"`

	// Units is the total number of check units.
	Units int `json:"units"`

	// Projects is the number of distinct projects targeted.
	Projects int `json:"projects"`

	// Honeypots is the number of honeypot units.
	Honeypots int `json:"honeypots"`

	// ByKind counts units per step kind.
	ByKind map[StepKind]int `json:"by_kind,omitempty"`
}

// ExecutionGraph represents the DAG of check units.
type ExecutionGraph struct {
	// Nodes maps check unit IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the unit IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the maximum depth of the graph.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	// ID is the check unit ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the incoming edges (units this depends on).
	Dependencies []string `json:"dependencies"`

	// Dependents are the outgoing edges (units that depend on this).
	Dependents []string `json:"dependents"`
}

// GraphEdge represents an edge in the execution graph.
type GraphEdge struct {
	// From is the source unit ID.
	From string `json:"from"`

	// To is the target unit ID.
	To string `json:"to"`

	// Type is the dependency type.
	Type DependencyType `json:"type"`
}

// Run represents an execution run of a plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the ID of the plan being executed.
	PlanID string `json:"plan_id"`

	// SuiteName is the suite the plan was built from.
	SuiteName string `json:"suite_name"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// User is the user who initiated the run.
	User string `json:"user,omitempty"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`

	// Metadata contains additional run metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the total number of check units.
	Total int `json:"total"`

	// Passed is the number of units that passed.
	Passed int `json:"passed"`

	// Failed is the number of units that failed.
	Failed int `json:"failed"`

	// Skipped is the number of units that were skipped.
	Skipped int `json:"skipped"`

	// Cancelled is the number of units cancelled before execution.
	Cancelled int `json:"cancelled"`

	// Pending is the number of units still pending.
	Pending int `json:"pending"`

	// Running is the number of units currently running.
	Running int `json:"running"`

	// Findings is the number of findings recorded during the run.
	Findings int `json:"findings"`
}

// Event represents a timeline event during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// UnitID is the ID of the check unit, if applicable.
	UnitID string `json:"unit_id,omitempty"`

	// ProjectID is the ID of the project, if applicable.
	ProjectID string `json:"project_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EventType identifies the kind of timeline event.
type EventType string

// Event types emitted by the scheduler and monitor.
const (
	EventTypeRunStarted     EventType = "run.started"
	EventTypeRunCompleted   EventType = "run.completed"
	EventTypeRunFailed      EventType = "run.failed"
	EventTypeUnitStarted    EventType = "unit.started"
	EventTypeUnitPassed     EventType = "unit.passed"
	EventTypeUnitFailed     EventType = "unit.failed"
	EventTypeUnitSkipped    EventType = "unit.skipped"
	EventTypeUnitRetried    EventType = "unit.retried"
	EventTypeBreakerOpened  EventType = "breaker.opened"
	EventTypeBreakerClosed  EventType = "breaker.closed"
	EventTypeFindingCreated EventType = "finding.created"
	EventTypeHealthChanged  EventType = "health.changed"
	EventTypeWarning        EventType = "warning"
)
