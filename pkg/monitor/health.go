package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
)

// HealthStore is the slice of the store the health tracker needs.
type HealthStore interface {
	UpsertProjectHealth(ctx context.Context, health *stores.ProjectHealth) error
	GetProjectHealth(ctx context.Context, projectID string) (*stores.ProjectHealth, error)
	ListProjectHealth(ctx context.Context) ([]*stores.ProjectHealth, error)
}

// HealthChangeFunc is invoked when a project's health state transitions.
type HealthChangeFunc func(projectID string, oldState, newState stores.HealthState)

// HealthTracker derives per-project health from completed runs.
//
// One failed run degrades a project; unhealthyThreshold consecutive
// failing runs mark it unhealthy. Any passing run resets it to healthy.
type HealthTracker struct {
	store              HealthStore
	logger             zerolog.Logger
	unhealthyThreshold int
	onChange           HealthChangeFunc
}

// NewHealthTracker creates a health tracker. A threshold below 1 defaults to 3.
func NewHealthTracker(store HealthStore, unhealthyThreshold int, logger zerolog.Logger) *HealthTracker {
	if unhealthyThreshold < 1 {
		unhealthyThreshold = 3
	}
	return &HealthTracker{
		store:              store,
		logger:             logger.With().Str("component", "health-tracker").Logger(),
		unhealthyThreshold: unhealthyThreshold,
	}
}

// OnChange registers a callback for health state transitions.
func (t *HealthTracker) OnChange(fn HealthChangeFunc) {
	t.onChange = fn
}

// ObserveRun updates project health from a completed run's units.
func (t *HealthTracker) ObserveRun(ctx context.Context, run *engine.Run, units []engine.CheckUnit) error {
	outcomes := projectOutcomes(units)

	for projectID, failed := range outcomes {
		if err := t.observeProject(ctx, run.ID, projectID, failed); err != nil {
			return fmt.Errorf("failed to update health for project %s: %w", projectID, err)
		}
	}
	return nil
}

// projectOutcomes reduces units to a per-project failure flag. Skipped
// units do not count either way; a project with only skipped units keeps
// its previous state untouched by observeProject's pass branch, so it is
// omitted entirely.
func projectOutcomes(units []engine.CheckUnit) map[string]bool {
	outcomes := make(map[string]bool)
	for i := range units {
		u := &units[i]
		switch u.Status {
		case engine.UnitStatusFailed:
			outcomes[u.ProjectID] = true
		case engine.UnitStatusPassed:
			if _, seen := outcomes[u.ProjectID]; !seen {
				outcomes[u.ProjectID] = false
			}
		}
	}
	return outcomes
}

func (t *HealthTracker) observeProject(ctx context.Context, runID, projectID string, failed bool) error {
	current, err := t.store.GetProjectHealth(ctx, projectID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		current = &stores.ProjectHealth{
			ProjectID: projectID,
			State:     stores.HealthStateUnknown,
		}
	case err != nil:
		// A read failure must not reset the failure streak.
		return err
	}

	oldState := current.State
	lastRunID := runID
	current.LastRunID = &lastRunID

	if failed {
		current.ConsecutiveFailures++
		if current.ConsecutiveFailures >= t.unhealthyThreshold {
			current.State = stores.HealthStateUnhealthy
		} else {
			current.State = stores.HealthStateDegraded
		}
		msg := fmt.Sprintf("%d consecutive failing runs", current.ConsecutiveFailures)
		current.Message = &msg
	} else {
		current.ConsecutiveFailures = 0
		current.State = stores.HealthStateHealthy
		current.Message = nil
		now := time.Now().UTC()
		current.LastPassedAt = &now
	}

	if err := t.store.UpsertProjectHealth(ctx, current); err != nil {
		return err
	}

	if current.State != oldState {
		t.logger.Info().
			Str("project_id", projectID).
			Str("old_state", string(oldState)).
			Str("new_state", string(current.State)).
			Int("consecutive_failures", current.ConsecutiveFailures).
			Msg("project health changed")
		if t.onChange != nil {
			t.onChange(projectID, oldState, current.State)
		}
	}
	return nil
}

// Snapshot returns the current health of all tracked projects.
func (t *HealthTracker) Snapshot(ctx context.Context) ([]*stores.ProjectHealth, error) {
	return t.store.ListProjectHealth(ctx)
}
