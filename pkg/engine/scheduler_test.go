package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRegistry executes units according to a scripted outcome table.
type fakeRegistry struct {
	mu sync.Mutex

	// failures maps unit ID to the number of times it fails before passing.
	failures map[string]int

	// failWith maps unit ID to the error returned on failure.
	failWith map[string]error

	// calls counts executions per unit ID.
	calls map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		failures: make(map[string]int),
		failWith: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (r *fakeRegistry) Kinds() []StepKind {
	return []StepKind{StepKindExec}
}

func (r *fakeRegistry) ExecuteUnit(_ context.Context, _ *Project, unit *CheckUnit) (*StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[unit.ID]++
	now := time.Now()

	if remaining := r.failures[unit.ID]; remaining > 0 {
		r.failures[unit.ID] = remaining - 1
		err := r.failWith[unit.ID]
		if err == nil {
			err = NewPermanentError("probe failed", nil).WithCode(ErrCodeProbeFailed)
		}
		return &StepResult{
			UnitID:      unit.ID,
			Status:      UnitStatusFailed,
			StartedAt:   now,
			CompletedAt: now,
		}, err
	}

	return &StepResult{
		UnitID:      unit.ID,
		Status:      UnitStatusPassed,
		StartedAt:   now,
		CompletedAt: now,
	}, nil
}

func (r *fakeRegistry) callCount(unitID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[unitID]
}

// fakeState records persisted runs, unit results, and findings in memory.
type fakeState struct {
	mu       sync.Mutex
	runs     map[string]*Run
	units    map[string]UnitStatus
	findings []Finding
}

func newFakeState() *fakeState {
	return &fakeState{
		runs:  make(map[string]*Run),
		units: make(map[string]UnitStatus),
	}
}

func (s *fakeState) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *fakeState) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, NewPermanentError("run not found", nil).WithCode(ErrCodeNotFound)
	}
	copied := *run
	return &copied, nil
}

func (s *fakeState) SaveUnitResult(_ context.Context, _ string, unit *CheckUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.ID] = unit.Status
	return nil
}

func (s *fakeState) SaveFinding(_ context.Context, finding *Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, *finding)
	return nil
}

func buildTestPlan(t *testing.T, scenarios []Scenario) *Plan {
	t.Helper()
	planner := NewSuitePlanner()
	plan, err := planner.BuildPlan(scenarios, testProjects(), PlanOptions{
		SuiteName:      "test",
		DefaultTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan
}

func newTestScheduler(registry ProbeRegistry, state StateManager, breakers *BreakerSet) *ParallelScheduler {
	s := NewParallelScheduler(4, registry, nil, state, breakers, testProjects())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestParallelScheduler_Execute_AllPass(t *testing.T) {
	plan := buildTestPlan(t, testScenarios())
	registry := newFakeRegistry()
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	run, err := sched.Execute(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if run.Status != RunStatusPassed {
		t.Errorf("Expected run passed, got %s", run.Status)
	}
	if run.Summary.Passed != 4 || run.Summary.Failed != 0 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}
	if run.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}

	saved, err := state.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Run not persisted: %v", err)
	}
	if saved.Status != RunStatusPassed {
		t.Errorf("Persisted run status %s, expected passed", saved.Status)
	}
}

func TestParallelScheduler_Execute_DependencySkip(t *testing.T) {
	plan := buildTestPlan(t, testScenarios())
	registry := newFakeRegistry()
	// search_flow/start fails permanently; query and verify must be skipped.
	registry.failures["search_flow/start"] = 100
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	run, err := sched.Execute(context.Background(), plan, ScheduleOptions{})
	if err == nil {
		t.Fatal("Expected error from failing unit")
	}

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial run, got %s", run.Status)
	}
	if run.Summary.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", run.Summary.Failed)
	}
	if run.Summary.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", run.Summary.Skipped)
	}
	if run.Summary.Passed != 1 {
		t.Errorf("Expected 1 passed (hub_health/ping), got %d", run.Summary.Passed)
	}

	if got := registry.callCount("search_flow/query"); got != 0 {
		t.Errorf("Expected skipped unit not to execute, got %d calls", got)
	}
}

func TestParallelScheduler_Execute_RetriesTransient(t *testing.T) {
	scenarios := []Scenario{
		{
			ID:        "retry",
			ProjectID: "arxiv_server",
			Steps:     []Step{{ID: "flap", Kind: StepKindExec, MaxRetries: 3}},
		},
	}
	plan := buildTestPlan(t, scenarios)

	registry := newFakeRegistry()
	registry.failures["retry/flap"] = 2
	registry.failWith["retry/flap"] = NewTransientError("connection reset", nil)
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	run, err := sched.Execute(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if run.Status != RunStatusPassed {
		t.Errorf("Expected passed after retries, got %s", run.Status)
	}
	if got := registry.callCount("retry/flap"); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestParallelScheduler_Execute_PermanentErrorNotRetried(t *testing.T) {
	scenarios := []Scenario{
		{
			ID:        "perm",
			ProjectID: "arxiv_server",
			Steps:     []Step{{ID: "boom", Kind: StepKindExec, MaxRetries: 3}},
		},
	}
	plan := buildTestPlan(t, scenarios)

	registry := newFakeRegistry()
	registry.failures["perm/boom"] = 100
	registry.failWith["perm/boom"] = NewPermanentError("assertion failed", nil).WithCode(ErrCodeAssertFailed)
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	_, err := sched.Execute(context.Background(), plan, ScheduleOptions{})
	if err == nil {
		t.Fatal("Expected error")
	}

	if got := registry.callCount("perm/boom"); got != 1 {
		t.Errorf("Expected 1 attempt for permanent error, got %d", got)
	}
}

func TestParallelScheduler_Execute_BreakerSkipsProject(t *testing.T) {
	scenarios := []Scenario{
		{
			ID:        "s1",
			ProjectID: "arxiv_server",
			Steps:     []Step{{ID: "first", Kind: StepKindExec}},
		},
		{
			ID:        "s2",
			ProjectID: "arxiv_server",
			Steps: []Step{
				{ID: "second_root", Kind: StepKindExec},
				{ID: "second", Kind: StepKindExec},
			},
		},
	}
	// Force s2/second into level 1 behind s2/second_root; breaker threshold 1
	// means the level-0 failures open the breaker before level 1 runs.
	plan := buildTestPlan(t, scenarios)

	registry := newFakeRegistry()
	registry.failures["s1/first"] = 100
	registry.failures["s2/second_root"] = 100
	state := newFakeState()
	breakers := NewBreakerSet(BreakerSettings{FailureThreshold: 1, CoolDown: time.Hour, HalfOpenProbes: 1})
	sched := newTestScheduler(registry, state, breakers)

	run, _ := sched.Execute(context.Background(), plan, ScheduleOptions{})

	if run.Summary.Skipped == 0 {
		t.Errorf("Expected breaker to skip dependent units, summary: %+v", run.Summary)
	}
	if breakers.For("arxiv_server").State() != BreakerOpen {
		t.Errorf("Expected breaker open for arxiv_server")
	}
}

func TestParallelScheduler_Execute_DryRun(t *testing.T) {
	plan := buildTestPlan(t, testScenarios())
	registry := newFakeRegistry()
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	run, err := sched.Execute(context.Background(), plan, ScheduleOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if run.Status != RunStatusPassed {
		t.Errorf("Expected dry-run to pass, got %s", run.Status)
	}
	for id, count := range registry.calls {
		if count != 0 {
			t.Errorf("Expected no probe executions in dry-run, %s ran %d times", id, count)
		}
	}
}

func TestParallelScheduler_Execute_FailFastCountsCancelled(t *testing.T) {
	scenarios := []Scenario{
		{
			ID:        "pipeline",
			ProjectID: "arxiv_server",
			Steps: []Step{
				{ID: "build", Kind: StepKindExec},
				{ID: "verify", Kind: StepKindExec},
			},
		},
	}
	plan := buildTestPlan(t, scenarios)

	registry := newFakeRegistry()
	registry.failures["pipeline/build"] = 100
	state := newFakeState()
	sched := newTestScheduler(registry, state, nil)

	run, err := sched.Execute(context.Background(), plan, ScheduleOptions{FailFast: true})
	if err == nil {
		t.Fatal("Expected error from fail-fast run")
	}

	if run.Summary.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", run.Summary.Failed)
	}
	if run.Summary.Cancelled != 1 {
		t.Errorf("Expected 1 cancelled, got %d", run.Summary.Cancelled)
	}
	if got := registry.callCount("pipeline/verify"); got != 0 {
		t.Errorf("Expected cancelled unit not to execute, got %d calls", got)
	}

	// Every unit lands in exactly one bucket.
	sum := run.Summary.Passed + run.Summary.Failed + run.Summary.Skipped +
		run.Summary.Cancelled + run.Summary.Pending + run.Summary.Running
	if sum != run.Summary.Total {
		t.Errorf("Summary buckets sum to %d, total is %d", sum, run.Summary.Total)
	}
}

func TestParallelScheduler_Execute_NilPlan(t *testing.T) {
	sched := newTestScheduler(newFakeRegistry(), newFakeState(), nil)

	if _, err := sched.Execute(context.Background(), nil, ScheduleOptions{}); err == nil {
		t.Fatal("Expected error for nil plan")
	}
}

func TestParallelScheduler_Cancel(t *testing.T) {
	state := newFakeState()
	sched := newTestScheduler(newFakeRegistry(), state, nil)

	run := &Run{
		ID:        "run1",
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := state.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if err := sched.Cancel(context.Background(), "run1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	saved, _ := state.GetRun(context.Background(), "run1")
	if saved.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", saved.Status)
	}

	// Cancelling a terminal run is rejected.
	if err := sched.Cancel(context.Background(), "run1"); err == nil {
		t.Error("Expected error cancelling terminal run")
	}
}
