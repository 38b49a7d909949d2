package monitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
)

type fakeHealthStore struct {
	rows    map[string]*stores.ProjectHealth
	getErr  error
	upserts int
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{rows: make(map[string]*stores.ProjectHealth)}
}

func (s *fakeHealthStore) UpsertProjectHealth(_ context.Context, health *stores.ProjectHealth) error {
	copied := *health
	s.rows[health.ProjectID] = &copied
	s.upserts++
	return nil
}

func (s *fakeHealthStore) GetProjectHealth(_ context.Context, projectID string) (*stores.ProjectHealth, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if h, ok := s.rows[projectID]; ok {
		copied := *h
		return &copied, nil
	}
	return nil, fmt.Errorf("project health %s: %w", projectID, stores.ErrNotFound)
}

func (s *fakeHealthStore) ListProjectHealth(_ context.Context) ([]*stores.ProjectHealth, error) {
	var all []*stores.ProjectHealth
	for _, h := range s.rows {
		copied := *h
		all = append(all, &copied)
	}
	return all, nil
}

func runWith(id string) *engine.Run {
	return &engine.Run{ID: id, SuiteName: "ecosystem-smoke"}
}

func unitsFor(projectID string, statuses ...engine.UnitStatus) []engine.CheckUnit {
	units := make([]engine.CheckUnit, 0, len(statuses))
	for i, status := range statuses {
		units = append(units, engine.CheckUnit{
			ID:        fmt.Sprintf("s/u%d", i),
			ProjectID: projectID,
			Status:    status,
		})
	}
	return units
}

func TestHealthTracker_PassingRunIsHealthy(t *testing.T) {
	store := newFakeHealthStore()
	tracker := NewHealthTracker(store, 3, zerolog.Nop())

	err := tracker.ObserveRun(context.Background(), runWith("run-1"),
		unitsFor("arxiv_server", engine.UnitStatusPassed, engine.UnitStatusPassed))
	if err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}

	h, err := store.GetProjectHealth(context.Background(), "arxiv_server")
	if err != nil {
		t.Fatalf("GetProjectHealth failed: %v", err)
	}
	if h.State != stores.HealthStateHealthy {
		t.Errorf("Expected healthy, got %s", h.State)
	}
	if h.LastPassedAt == nil {
		t.Error("Expected last_passed_at to be set")
	}
	if h.LastRunID == nil || *h.LastRunID != "run-1" {
		t.Errorf("Expected last run ID, got %v", h.LastRunID)
	}
}

func TestHealthTracker_FailuresEscalate(t *testing.T) {
	store := newFakeHealthStore()
	tracker := NewHealthTracker(store, 3, zerolog.Nop())
	ctx := context.Background()

	failing := unitsFor("doc_hub", engine.UnitStatusPassed, engine.UnitStatusFailed)

	for i, wantState := range []stores.HealthState{
		stores.HealthStateDegraded,
		stores.HealthStateDegraded,
		stores.HealthStateUnhealthy,
	} {
		if err := tracker.ObserveRun(ctx, runWith(fmt.Sprintf("run-%d", i)), failing); err != nil {
			t.Fatalf("ObserveRun failed: %v", err)
		}
		h, err := store.GetProjectHealth(ctx, "doc_hub")
		if err != nil {
			t.Fatalf("GetProjectHealth failed: %v", err)
		}
		if h.State != wantState {
			t.Errorf("Run %d: expected %s, got %s", i, wantState, h.State)
		}
		if h.ConsecutiveFailures != i+1 {
			t.Errorf("Run %d: expected %d failures, got %d", i, i+1, h.ConsecutiveFailures)
		}
	}

	// A passing run resets the streak.
	passing := unitsFor("doc_hub", engine.UnitStatusPassed)
	if err := tracker.ObserveRun(ctx, runWith("run-4"), passing); err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}
	h, _ := store.GetProjectHealth(ctx, "doc_hub")
	if h.State != stores.HealthStateHealthy || h.ConsecutiveFailures != 0 {
		t.Errorf("Expected reset to healthy, got %+v", h)
	}
}

func TestHealthTracker_SkippedUnitsDoNotCount(t *testing.T) {
	store := newFakeHealthStore()
	tracker := NewHealthTracker(store, 3, zerolog.Nop())

	err := tracker.ObserveRun(context.Background(), runWith("run-1"),
		unitsFor("doc_hub", engine.UnitStatusSkipped, engine.UnitStatusSkipped))
	if err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}

	if _, err := store.GetProjectHealth(context.Background(), "doc_hub"); err == nil {
		t.Error("Expected no health row for all-skipped project")
	}
}

func TestHealthTracker_ReadErrorDoesNotResetStreak(t *testing.T) {
	store := newFakeHealthStore()
	tracker := NewHealthTracker(store, 3, zerolog.Nop())
	ctx := context.Background()

	failing := unitsFor("doc_hub", engine.UnitStatusFailed)
	if err := tracker.ObserveRun(ctx, runWith("run-1"), failing); err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}
	if err := tracker.ObserveRun(ctx, runWith("run-2"), failing); err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}

	// A transient store failure must surface, not rebuild from zero.
	store.getErr = fmt.Errorf("database is locked")
	upserts := store.upserts
	if err := tracker.ObserveRun(ctx, runWith("run-3"), failing); err == nil {
		t.Fatal("Expected ObserveRun to propagate the store error")
	}
	if store.upserts != upserts {
		t.Error("Expected no upsert after a failed read")
	}

	store.getErr = nil
	if err := tracker.ObserveRun(ctx, runWith("run-4"), failing); err != nil {
		t.Fatalf("ObserveRun failed: %v", err)
	}
	h, err := store.GetProjectHealth(ctx, "doc_hub")
	if err != nil {
		t.Fatalf("GetProjectHealth failed: %v", err)
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("Expected streak of 3, got %d", h.ConsecutiveFailures)
	}
	if h.State != stores.HealthStateUnhealthy {
		t.Errorf("Expected unhealthy, got %s", h.State)
	}
}

func TestHealthTracker_OnChangeFires(t *testing.T) {
	store := newFakeHealthStore()
	tracker := NewHealthTracker(store, 3, zerolog.Nop())

	type transition struct {
		project  string
		from, to stores.HealthState
	}
	var transitions []transition
	tracker.OnChange(func(projectID string, oldState, newState stores.HealthState) {
		transitions = append(transitions, transition{projectID, oldState, newState})
	})

	ctx := context.Background()
	failing := unitsFor("doc_hub", engine.UnitStatusFailed)

	// unknown -> degraded, then degraded -> degraded (no callback).
	_ = tracker.ObserveRun(ctx, runWith("run-1"), failing)
	_ = tracker.ObserveRun(ctx, runWith("run-2"), failing)
	// degraded -> healthy.
	_ = tracker.ObserveRun(ctx, runWith("run-3"), unitsFor("doc_hub", engine.UnitStatusPassed))

	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d: %+v", len(transitions), transitions)
	}
	if transitions[0].from != stores.HealthStateUnknown || transitions[0].to != stores.HealthStateDegraded {
		t.Errorf("Unexpected first transition: %+v", transitions[0])
	}
	if transitions[1].to != stores.HealthStateHealthy {
		t.Errorf("Unexpected second transition: %+v", transitions[1])
	}
}

func TestProjectOutcomes(t *testing.T) {
	units := []engine.CheckUnit{
		{ID: "a", ProjectID: "p1", Status: engine.UnitStatusPassed},
		{ID: "b", ProjectID: "p1", Status: engine.UnitStatusFailed},
		{ID: "c", ProjectID: "p2", Status: engine.UnitStatusPassed},
		{ID: "d", ProjectID: "p3", Status: engine.UnitStatusSkipped},
	}

	outcomes := projectOutcomes(units)
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 projects, got %d", len(outcomes))
	}
	if !outcomes["p1"] {
		t.Error("Expected p1 to be failed")
	}
	if outcomes["p2"] {
		t.Error("Expected p2 to be passing")
	}
	if _, ok := outcomes["p3"]; ok {
		t.Error("Expected p3 to be omitted")
	}
}
