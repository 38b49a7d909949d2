package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound marks lookups for rows that do not exist. Callers
// distinguish it from infrastructure failures with errors.Is.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a verification run row.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPartial   RunStatus = "partial"
)

// UnitStatus represents the status of a unit result row.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusPassed    UnitStatus = "passed"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// EventLevel represents the severity level of an event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// HealthState represents the recorded health of a project.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateUnknown   HealthState = "unknown"
)

// Run represents a verification run row.
type Run struct {
	ID          string     `json:"id"`
	SuiteName   string     `json:"suite_name"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"`  // JSON blob
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UnitResult represents the persisted result of one check unit.
type UnitResult struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	ScenarioID  string     `json:"scenario_id"`
	ProjectID   string     `json:"project_id"`
	Kind        string     `json:"kind"`
	Status      UnitStatus `json:"status"`
	Honeypot    bool       `json:"honeypot"`
	Attempts    int        `json:"attempts"`
	DurationMS  int64      `json:"duration_ms"`
	Output      *string    `json:"output,omitempty"` // JSON blob
	Error       *string    `json:"error,omitempty"`  // JSON blob
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Finding represents a persisted defect row.
type Finding struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ProjectID  string    `json:"project_id"`
	ScenarioID *string   `json:"scenario_id,omitempty"`
	UnitID     *string   `json:"unit_id,omitempty"`
	Source     string    `json:"source"`
	Severity   string    `json:"severity"`
	Title      string    `json:"title"`
	Detail     *string   `json:"detail,omitempty"`
	Evidence   *string   `json:"evidence,omitempty"` // JSON blob
	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event represents an append-only timeline event row.
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	UnitID    *string    `json:"unit_id,omitempty"`
	ProjectID *string    `json:"project_id,omitempty"`
	Level     EventLevel `json:"level"`
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// ProjectHealth represents the rolling health of one project.
type ProjectHealth struct {
	ProjectID           string      `json:"project_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastRunID           *string     `json:"last_run_id,omitempty"`
	LastPassedAt        *time.Time  `json:"last_passed_at,omitempty"`
	Message             *string     `json:"message,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// ProjectBaseline records the last-good compliance facts for a project.
// The hash fingerprints the per-file scan facts; a later scan with a
// different hash means the project's test surface drifted.
type ProjectBaseline struct {
	ProjectID       string    `json:"project_id"`
	FactsHash       string    `json:"facts_hash"`
	TotalTests      int       `json:"total_tests"`
	TotalAssertions int       `json:"total_assertions"`
	HoneypotTests   int       `json:"honeypot_tests"`
	RunID           *string   `json:"run_id,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// FindingFilter narrows finding queries.
type FindingFilter struct {
	RunID     *string
	ProjectID *string
	Source    *string
	Severity  *string
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Unit result operations
	UpsertUnitResult(ctx context.Context, result *UnitResult) error
	GetUnitResult(ctx context.Context, id, runID string) (*UnitResult, error)
	ListUnitResultsByRun(ctx context.Context, runID string) ([]*UnitResult, error)

	// Finding operations
	CreateFinding(ctx context.Context, finding *Finding) error
	ListFindings(ctx context.Context, filter FindingFilter, limit, offset int) ([]*Finding, error)
	CountFindingsBySeverity(ctx context.Context, runID string) (map[string]int, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Project health operations
	UpsertProjectHealth(ctx context.Context, health *ProjectHealth) error
	GetProjectHealth(ctx context.Context, projectID string) (*ProjectHealth, error)
	ListProjectHealth(ctx context.Context) ([]*ProjectHealth, error)

	// Project baseline operations
	UpsertProjectBaseline(ctx context.Context, baseline *ProjectBaseline) error
	GetProjectBaseline(ctx context.Context, projectID string) (*ProjectBaseline, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
