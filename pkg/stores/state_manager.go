package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// StateAdapter bridges the scheduler's persistence interfaces onto a Store.
// It implements engine.StateManager and engine.EventPublisher.
type StateAdapter struct {
	store  Store
	logger zerolog.Logger
}

// NewStateAdapter creates a state adapter over the given store.
func NewStateAdapter(store Store, logger zerolog.Logger) *StateAdapter {
	return &StateAdapter{
		store:  store,
		logger: logger.With().Str("component", "state-adapter").Logger(),
	}
}

// SaveRun creates the run row on first save and updates it afterwards.
func (a *StateAdapter) SaveRun(ctx context.Context, run *engine.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return err
	}

	if _, err := a.store.GetRun(ctx, run.ID); err != nil {
		return a.store.CreateRun(ctx, row)
	}
	return a.store.UpdateRun(ctx, row)
}

// GetRun retrieves a run by ID.
func (a *StateAdapter) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	row, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rowToRun(row)
}

// SaveUnitResult persists a completed check unit's result.
func (a *StateAdapter) SaveUnitResult(ctx context.Context, runID string, unit *engine.CheckUnit) error {
	row := &UnitResult{
		ID:         unit.ID,
		RunID:      runID,
		ScenarioID: unit.ScenarioID,
		ProjectID:  unit.ProjectID,
		Kind:       string(unit.Kind),
		Status:     UnitStatus(unit.Status),
		Honeypot:   unit.Honeypot,
		Attempts:   unit.Retries + 1,
	}

	if r := unit.Result; r != nil {
		row.Attempts = r.Attempts
		row.DurationMS = r.Duration.Milliseconds()
		if !r.StartedAt.IsZero() {
			started := r.StartedAt
			row.StartedAt = &started
		}
		if !r.CompletedAt.IsZero() {
			completed := r.CompletedAt
			row.CompletedAt = &completed
		}
		if len(r.Output) > 0 {
			output := string(r.Output)
			row.Output = &output
		}
		if r.Error != nil {
			data, err := json.Marshal(r.Error)
			if err != nil {
				return fmt.Errorf("failed to marshal unit error: %w", err)
			}
			errJSON := string(data)
			row.Error = &errJSON
		}
	}

	return a.store.UpsertUnitResult(ctx, row)
}

// SaveFinding persists a finding, assigning an ID when absent.
func (a *StateAdapter) SaveFinding(ctx context.Context, finding *engine.Finding) error {
	if finding.ID == "" {
		finding.ID = uuid.New().String()
	}

	row := &Finding{
		ID:         finding.ID,
		RunID:      finding.RunID,
		ProjectID:  finding.ProjectID,
		Source:     string(finding.Source),
		Severity:   string(finding.Severity),
		Title:      finding.Title,
		DetectedAt: finding.DetectedAt,
	}
	if finding.ScenarioID != "" {
		scenarioID := finding.ScenarioID
		row.ScenarioID = &scenarioID
	}
	if finding.UnitID != "" {
		unitID := finding.UnitID
		row.UnitID = &unitID
	}
	if finding.Detail != "" {
		detail := finding.Detail
		row.Detail = &detail
	}
	if len(finding.Evidence) > 0 {
		evidence := string(finding.Evidence)
		row.Evidence = &evidence
	}

	return a.store.CreateFinding(ctx, row)
}

// Publish appends a timeline event. Events are best-effort; failures are
// logged rather than propagated to the scheduler.
func (a *StateAdapter) Publish(ctx context.Context, event *engine.Event) error {
	row := &Event{
		Level:     EventLevel(event.Level),
		Type:      string(event.Type),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if row.Level == "" {
		row.Level = EventLevelInfo
	}
	if event.RunID != "" {
		runID := event.RunID
		row.RunID = &runID
	}
	if event.UnitID != "" {
		unitID := event.UnitID
		row.UnitID = &unitID
	}
	if event.ProjectID != "" {
		projectID := event.ProjectID
		row.ProjectID = &projectID
	}
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err == nil {
			details := string(data)
			row.Details = &details
		}
	}

	if err := a.store.AppendEvent(ctx, row); err != nil {
		a.logger.Warn().Err(err).
			Str("type", string(event.Type)).
			Str("run_id", event.RunID).
			Msg("failed to append event")
	}
	return nil
}

// runSummaryEnvelope is the JSON shape stored in the runs.summary column.
type runSummaryEnvelope struct {
	PlanID   string            `json:"plan_id,omitempty"`
	User     string            `json:"user,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
	Summary  engine.RunSummary `json:"summary"`
}

func runToRow(run *engine.Run) (*Run, error) {
	envelope := runSummaryEnvelope{
		PlanID:   run.PlanID,
		User:     run.User,
		Duration: run.Duration,
		Summary:  run.Summary,
	}
	summary, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run summary: %w", err)
	}

	metadata := "{}"
	if len(run.Metadata) > 0 {
		data, err := json.Marshal(run.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run metadata: %w", err)
		}
		metadata = string(data)
	}

	return &Run{
		ID:          run.ID,
		SuiteName:   run.SuiteName,
		Status:      RunStatus(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Summary:     string(summary),
		Metadata:    metadata,
	}, nil
}

func rowToRun(row *Run) (*engine.Run, error) {
	run := &engine.Run{
		ID:          row.ID,
		SuiteName:   row.SuiteName,
		Status:      engine.RunStatus(row.Status),
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}

	if row.Summary != "" && row.Summary != "{}" {
		var envelope runSummaryEnvelope
		if err := json.Unmarshal([]byte(row.Summary), &envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}
		run.PlanID = envelope.PlanID
		run.User = envelope.User
		run.Duration = envelope.Duration
		run.Summary = envelope.Summary
	}

	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run metadata: %w", err)
		}
	}

	return run, nil
}
