package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		dbPath: dbPath,
		logger: logger.With().Str("component", "sqlite-store").Logger(),
	}
}

// Init opens the database and configures the connection pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting; the DSN pragma applies
	// it to every pooled connection.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	s.logger.Info().Str("path", s.dbPath).Msg("database opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.logger.Info().Msg("migrations applied")
	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// CommitTx commits a transaction.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Summary == "" {
		run.Summary = "{}"
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	query := `
		INSERT INTO runs (id, suite_name, status, started_at, completed_at, error, summary, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.SuiteName, run.Status, run.StartedAt, run.CompletedAt,
		run.Error, run.Summary, run.Metadata, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, suite_name, status, started_at, completed_at, error, summary, metadata, created_at, updated_at
		FROM runs WHERE id = ?`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.SuiteName, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.Error, &run.Summary, &run.Metadata, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run row.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now()

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?, summary = ?, metadata = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		run.Status, run.CompletedAt, run.Error, run.Summary, run.Metadata, run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// ListRuns lists runs ordered by start time, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, suite_name, status, started_at, completed_at, error, summary, metadata, created_at, updated_at
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.SuiteName, &run.Status, &run.StartedAt, &run.CompletedAt,
			&run.Error, &run.Summary, &run.Metadata, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run and its dependent rows.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertUnitResult inserts or replaces a unit result row.
func (s *SQLiteStore) UpsertUnitResult(ctx context.Context, result *UnitResult) error {
	now := time.Now()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	query := `
		INSERT INTO unit_results (id, run_id, scenario_id, project_id, kind, status, honeypot, attempts,
			duration_ms, output, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, run_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			duration_ms = excluded.duration_ms,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		result.ID, result.RunID, result.ScenarioID, result.ProjectID, result.Kind,
		result.Status, result.Honeypot, result.Attempts, result.DurationMS,
		result.Output, result.Error, result.StartedAt, result.CompletedAt,
		result.CreatedAt, result.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert unit result: %w", err)
	}
	return nil
}

// GetUnitResult retrieves a single unit result.
func (s *SQLiteStore) GetUnitResult(ctx context.Context, id, runID string) (*UnitResult, error) {
	query := `
		SELECT id, run_id, scenario_id, project_id, kind, status, honeypot, attempts,
			duration_ms, output, error, started_at, completed_at, created_at, updated_at
		FROM unit_results WHERE id = ? AND run_id = ?`

	r := &UnitResult{}
	err := s.db.QueryRowContext(ctx, query, id, runID).Scan(
		&r.ID, &r.RunID, &r.ScenarioID, &r.ProjectID, &r.Kind, &r.Status, &r.Honeypot,
		&r.Attempts, &r.DurationMS, &r.Output, &r.Error, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unit result %s/%s: %w", runID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit result: %w", err)
	}
	return r, nil
}

// ListUnitResultsByRun lists all unit results for a run.
func (s *SQLiteStore) ListUnitResultsByRun(ctx context.Context, runID string) ([]*UnitResult, error) {
	query := `
		SELECT id, run_id, scenario_id, project_id, kind, status, honeypot, attempts,
			duration_ms, output, error, started_at, completed_at, created_at, updated_at
		FROM unit_results WHERE run_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	var results []*UnitResult
	for rows.Next() {
		r := &UnitResult{}
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.ScenarioID, &r.ProjectID, &r.Kind, &r.Status, &r.Honeypot,
			&r.Attempts, &r.DurationMS, &r.Output, &r.Error, &r.StartedAt, &r.CompletedAt,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateFinding inserts a new finding row.
func (s *SQLiteStore) CreateFinding(ctx context.Context, finding *Finding) error {
	finding.CreatedAt = time.Now()
	if finding.DetectedAt.IsZero() {
		finding.DetectedAt = finding.CreatedAt
	}

	query := `
		INSERT INTO findings (id, run_id, project_id, scenario_id, unit_id, source, severity,
			title, detail, evidence, detected_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		finding.ID, finding.RunID, finding.ProjectID, finding.ScenarioID, finding.UnitID,
		finding.Source, finding.Severity, finding.Title, finding.Detail, finding.Evidence,
		finding.DetectedAt, finding.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create finding: %w", err)
	}
	return nil
}

// ListFindings lists findings matching the filter, newest first.
func (s *SQLiteStore) ListFindings(ctx context.Context, filter FindingFilter, limit, offset int) ([]*Finding, error) {
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []interface{}

	if filter.RunID != nil {
		conditions = append(conditions, "run_id = ?")
		args = append(args, *filter.RunID)
	}
	if filter.ProjectID != nil {
		conditions = append(conditions, "project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	if filter.Source != nil {
		conditions = append(conditions, "source = ?")
		args = append(args, *filter.Source)
	}
	if filter.Severity != nil {
		conditions = append(conditions, "severity = ?")
		args = append(args, *filter.Severity)
	}

	query := `
		SELECT id, run_id, project_id, scenario_id, unit_id, source, severity,
			title, detail, evidence, detected_at, created_at
		FROM findings`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	var findings []*Finding
	for rows.Next() {
		f := &Finding{}
		if err := rows.Scan(
			&f.ID, &f.RunID, &f.ProjectID, &f.ScenarioID, &f.UnitID, &f.Source, &f.Severity,
			&f.Title, &f.Detail, &f.Evidence, &f.DetectedAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// CountFindingsBySeverity counts a run's findings grouped by severity.
func (s *SQLiteStore) CountFindingsBySeverity(ctx context.Context, runID string) (map[string]int, error) {
	query := `SELECT severity, COUNT(*) FROM findings WHERE run_id = ? GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan finding count: %w", err)
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (run_id, unit_id, project_id, level, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.UnitID, event.ProjectID, event.Level, event.Type,
		event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents retrieves events, optionally filtered by run and level.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []interface{}

	if runID != nil {
		conditions = append(conditions, "run_id = ?")
		args = append(args, *runID)
	}
	if level != nil {
		conditions = append(conditions, "level = ?")
		args = append(args, *level)
	}

	query := `SELECT id, run_id, unit_id, project_id, level, type, message, details, timestamp FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.UnitID, &e.ProjectID, &e.Level, &e.Type,
			&e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertProjectHealth inserts or updates a project's health row.
func (s *SQLiteStore) UpsertProjectHealth(ctx context.Context, health *ProjectHealth) error {
	health.UpdatedAt = time.Now()

	query := `
		INSERT INTO project_health (project_id, state, consecutive_failures, last_run_id, last_passed_at, message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_run_id = excluded.last_run_id,
			last_passed_at = excluded.last_passed_at,
			message = excluded.message,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		health.ProjectID, health.State, health.ConsecutiveFailures, health.LastRunID,
		health.LastPassedAt, health.Message, health.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project health: %w", err)
	}
	return nil
}

// GetProjectHealth retrieves the health row for a project.
func (s *SQLiteStore) GetProjectHealth(ctx context.Context, projectID string) (*ProjectHealth, error) {
	query := `
		SELECT project_id, state, consecutive_failures, last_run_id, last_passed_at, message, updated_at
		FROM project_health WHERE project_id = ?`

	h := &ProjectHealth{}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&h.ProjectID, &h.State, &h.ConsecutiveFailures, &h.LastRunID,
		&h.LastPassedAt, &h.Message, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project health %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project health: %w", err)
	}
	return h, nil
}

// ListProjectHealth lists health rows for all projects.
func (s *SQLiteStore) ListProjectHealth(ctx context.Context) ([]*ProjectHealth, error) {
	query := `
		SELECT project_id, state, consecutive_failures, last_run_id, last_passed_at, message, updated_at
		FROM project_health ORDER BY project_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list project health: %w", err)
	}
	defer rows.Close()

	var all []*ProjectHealth
	for rows.Next() {
		h := &ProjectHealth{}
		if err := rows.Scan(
			&h.ProjectID, &h.State, &h.ConsecutiveFailures, &h.LastRunID,
			&h.LastPassedAt, &h.Message, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project health: %w", err)
		}
		all = append(all, h)
	}
	return all, rows.Err()
}

// UpsertProjectBaseline records the last-good compliance facts for a
// project, replacing any earlier baseline.
func (s *SQLiteStore) UpsertProjectBaseline(ctx context.Context, baseline *ProjectBaseline) error {
	if baseline.RecordedAt.IsZero() {
		baseline.RecordedAt = time.Now()
	}

	query := `
		INSERT INTO project_baselines (project_id, facts_hash, total_tests, total_assertions, honeypot_tests, run_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			facts_hash = excluded.facts_hash,
			total_tests = excluded.total_tests,
			total_assertions = excluded.total_assertions,
			honeypot_tests = excluded.honeypot_tests,
			run_id = excluded.run_id,
			recorded_at = excluded.recorded_at`

	_, err := s.db.ExecContext(ctx, query,
		baseline.ProjectID, baseline.FactsHash, baseline.TotalTests,
		baseline.TotalAssertions, baseline.HoneypotTests, baseline.RunID,
		baseline.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project baseline: %w", err)
	}
	return nil
}

// GetProjectBaseline retrieves the recorded baseline for a project.
func (s *SQLiteStore) GetProjectBaseline(ctx context.Context, projectID string) (*ProjectBaseline, error) {
	query := `
		SELECT project_id, facts_hash, total_tests, total_assertions, honeypot_tests, run_id, recorded_at
		FROM project_baselines WHERE project_id = ?`

	b := &ProjectBaseline{}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&b.ProjectID, &b.FactsHash, &b.TotalTests, &b.TotalAssertions,
		&b.HoneypotTests, &b.RunID, &b.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project baseline %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project baseline: %w", err)
	}
	return b, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
