package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScheduleOptions controls a single run.
type ScheduleOptions struct {
	// MaxParallel caps the number of concurrent units per level.
	MaxParallel int

	// FailFast stops scheduling further levels after the first failure.
	FailFast bool

	// DryRun marks every unit passed without executing probes.
	DryRun bool

	// User is recorded on the run for the audit trail.
	User string
}

// ParallelScheduler executes verification plans level by level, running
// independent check units in parallel within each level. Retries follow the
// error classification, and a per-project circuit breaker short-circuits
// probes against projects that keep failing.
type ParallelScheduler struct {
	// maxParallel is the default maximum number of concurrent workers.
	maxParallel int

	registry ProbeRegistry
	events   EventPublisher
	state    StateManager
	breakers *BreakerSet

	// projects resolves project IDs for unit execution.
	projects map[string]Project

	// mu protects unitStatus and unitResults during execution.
	mu          sync.RWMutex
	unitStatus  map[string]UnitStatus
	unitResults map[string]*StepResult

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewParallelScheduler creates a new scheduler.
func NewParallelScheduler(
	maxParallel int,
	registry ProbeRegistry,
	events EventPublisher,
	state StateManager,
	breakers *BreakerSet,
	projects map[string]Project,
) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	if breakers == nil {
		breakers = NewBreakerSet(DefaultBreakerSettings())
	}

	return &ParallelScheduler{
		maxParallel: maxParallel,
		registry:    registry,
		events:      events,
		state:       state,
		breakers:    breakers,
		projects:    projects,
		unitStatus:  make(map[string]UnitStatus),
		unitResults: make(map[string]*StepResult),
		sleep:       sleepCtx,
	}
}

// Execute runs the plan to completion and returns the finished run.
func (s *ParallelScheduler) Execute(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).WithCode(ErrCodeValidation)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		SuiteName: plan.SuiteName,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		User:      opts.User,
		Summary: RunSummary{
			Total:   len(plan.Units),
			Pending: len(plan.Units),
		},
	}

	s.mu.Lock()
	for i := range plan.Units {
		s.unitStatus[plan.Units[i].ID] = UnitStatusPending
	}
	s.mu.Unlock()

	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	s.publishEvent(ctx, run.ID, "", "", EventTypeRunStarted, "Run started", "info")

	execErr := s.executeLevels(ctx, run, plan, opts)

	s.mu.RLock()
	summary := s.summarize(plan.Units)
	s.mu.RUnlock()

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = summary

	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
	case execErr != nil && summary.Passed == 0:
		run.Status = RunStatusFailed
	case summary.Failed > 0 && summary.Passed > 0:
		run.Status = RunStatusPartial
	case summary.Failed > 0:
		run.Status = RunStatusFailed
	case summary.Skipped > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusPassed
	}

	if err := s.state.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save final run state: %w", err)
	}

	if run.Status == RunStatusPassed {
		s.publishEvent(ctx, run.ID, "", "", EventTypeRunCompleted, "Run passed", "info")
	} else {
		s.publishEvent(ctx, run.ID, "", "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", run.Status), "error")
	}

	return run, execErr
}

// executeLevels walks the graph level by level, parallelizing within levels.
func (s *ParallelScheduler) executeLevels(ctx context.Context, run *Run, plan *Plan, opts ScheduleOptions) error {
	unitMap := make(map[string]*CheckUnit, len(plan.Units))
	for i := range plan.Units {
		unitMap[plan.Units[i].ID] = &plan.Units[i]
	}

	for level := 0; level < plan.Graph.Depth; level++ {
		levelUnits := unitsAtLevel(plan.Graph, level, unitMap)
		if len(levelUnits) == 0 {
			continue
		}

		if err := s.executeLevel(ctx, run, levelUnits, opts); err != nil {
			if opts.FailFast {
				s.cancelRemaining(plan)
				return fmt.Errorf("level %d failed: %w", level, err)
			}
		}

		select {
		case <-ctx.Done():
			s.cancelRemaining(plan)
			return NewPermanentError("execution cancelled", ctx.Err()).WithCode(ErrCodeInternal)
		default:
		}
	}

	return nil
}

// unitsAtLevel returns all units at the given execution level.
func unitsAtLevel(graph *ExecutionGraph, level int, unitMap map[string]*CheckUnit) []*CheckUnit {
	units := make([]*CheckUnit, 0)
	for _, node := range graph.Nodes {
		if node.Level == level {
			if unit, ok := unitMap[node.ID]; ok {
				units = append(units, unit)
			}
		}
	}
	return units
}

// executeLevel runs all units of one level through a worker pool.
func (s *ParallelScheduler) executeLevel(ctx context.Context, run *Run, units []*CheckUnit, opts ScheduleOptions) error {
	workers := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workers {
		workers = opts.MaxParallel
	}
	if len(units) < workers {
		workers = len(units)
	}

	queue := make(chan *CheckUnit, len(units))
	for _, unit := range units {
		queue <- unit
	}
	close(queue)

	var wg sync.WaitGroup
	errCh := make(chan error, len(units))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				if !s.dependenciesMet(unit) {
					s.skipUnit(ctx, run, unit, "required dependency failed", ErrCodeDependencyFailed)
					continue
				}
				if !opts.DryRun && !s.breakers.For(unit.ProjectID).Allow() {
					s.skipUnit(ctx, run, unit,
						fmt.Sprintf("circuit breaker open for project %s", unit.ProjectID),
						ErrCodeBreakerOpen)
					continue
				}

				if err := s.executeUnit(ctx, run, unit, opts); err != nil {
					errCh <- fmt.Errorf("unit %s failed: %w", unit.ID, err)
				}

				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeUnit runs a single check unit with classified retry logic.
func (s *ParallelScheduler) executeUnit(ctx context.Context, run *Run, unit *CheckUnit, opts ScheduleOptions) error {
	s.setStatus(unit.ID, UnitStatusRunning)
	s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeUnitStarted,
		fmt.Sprintf("Started %s", unit.ID), "info")

	startTime := time.Now()
	project := s.projects[unit.ProjectID]

	var result *StepResult
	var err error
	attempts := 0

	for attempt := 0; attempt <= unit.MaxRetries; attempt++ {
		attempts++
		execCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
		if opts.DryRun {
			result, err = s.dryRunResult(unit), nil
		} else {
			result, err = s.registry.ExecuteUnit(execCtx, &project, unit)
		}
		cancel()

		if err == nil && result != nil && result.Status == UnitStatusPassed {
			break
		}
		if err != nil && !IsRetryable(err) {
			break
		}
		if attempt >= unit.MaxRetries {
			break
		}

		unit.Retries = attempt + 1
		s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeUnitRetried,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt+1, unit.MaxRetries+1),
			"warning")

		if werr := s.sleep(ctx, backoffDelay(attempt, err)); werr != nil {
			return werr
		}
	}

	if result == nil {
		result = &StepResult{
			UnitID:      unit.ID,
			Status:      UnitStatusFailed,
			StartedAt:   startTime,
			CompletedAt: time.Now(),
			Duration:    time.Since(startTime),
		}
	}
	result.Attempts = attempts
	if err != nil {
		result.Error = classify(err).WithUnit(unit.ID).WithProject(unit.ProjectID)
		result.Status = UnitStatusFailed
	}

	s.storeResult(unit.ID, result)
	unit.Result = result

	breaker := s.breakers.For(unit.ProjectID)
	if result.Status == UnitStatusPassed {
		if !opts.DryRun {
			wasOpen := breaker.State() != BreakerClosed
			breaker.RecordSuccess()
			if wasOpen {
				s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeBreakerClosed,
					fmt.Sprintf("Circuit breaker closed for project %s", unit.ProjectID), "info")
			}
		}
		s.setStatus(unit.ID, UnitStatusPassed)
		unit.Status = UnitStatusPassed
		s.persistUnit(ctx, run, unit, result)
		s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeUnitPassed,
			fmt.Sprintf("Passed %s", unit.ID), "info")
		return nil
	}

	if !opts.DryRun {
		before := breaker.State()
		breaker.RecordFailure()
		if before != BreakerOpen && breaker.State() == BreakerOpen {
			s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeBreakerOpened,
				fmt.Sprintf("Circuit breaker opened for project %s", unit.ProjectID), "warning")
		}
	}

	s.setStatus(unit.ID, UnitStatusFailed)
	unit.Status = UnitStatusFailed
	s.persistUnit(ctx, run, unit, result)
	s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeUnitFailed,
		fmt.Sprintf("Failed %s: %v", unit.ID, err), "error")

	if err != nil {
		return err
	}
	return nil
}

// persistUnit saves the unit result and any findings it produced.
func (s *ParallelScheduler) persistUnit(ctx context.Context, run *Run, unit *CheckUnit, result *StepResult) {
	if err := s.state.SaveUnitResult(ctx, run.ID, unit); err != nil {
		s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeWarning,
			fmt.Sprintf("Failed to persist unit result: %v", err), "warning")
	}
	for i := range result.Findings {
		f := &result.Findings[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.RunID = run.ID
		if err := s.state.SaveFinding(ctx, f); err != nil {
			s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeWarning,
				fmt.Sprintf("Failed to persist finding: %v", err), "warning")
			continue
		}
		s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeFindingCreated,
			f.Title, "warning")
	}
}

// dependenciesMet verifies that all required dependencies passed.
func (s *ParallelScheduler) dependenciesMet(unit *CheckUnit) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dep := range unit.Dependencies {
		status, exists := s.unitStatus[dep.TargetID]
		if !exists {
			return false
		}
		switch dep.Type {
		case DependencyRequire:
			if status != UnitStatusPassed {
				return false
			}
		case DependencyOrder:
			if !status.IsTerminal() {
				return false
			}
		case DependencyNotify:
			continue
		}
	}
	return true
}

// skipUnit marks a unit skipped with the given reason.
func (s *ParallelScheduler) skipUnit(ctx context.Context, run *Run, unit *CheckUnit, reason, code string) {
	s.setStatus(unit.ID, UnitStatusSkipped)
	unit.Status = UnitStatusSkipped

	now := time.Now()
	class := NewPermanentError(reason, nil)
	if code == ErrCodeBreakerOpen {
		class = NewThrottledError(reason, nil)
	}
	result := &StepResult{
		UnitID:      unit.ID,
		Status:      UnitStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error:       class.WithCode(code).WithUnit(unit.ID).WithProject(unit.ProjectID),
	}
	s.storeResult(unit.ID, result)
	unit.Result = result
	s.persistUnit(ctx, run, unit, result)

	s.publishEvent(ctx, run.ID, unit.ID, unit.ProjectID, EventTypeUnitSkipped, reason, "warning")
}

// cancelRemaining marks all pending units cancelled.
func (s *ParallelScheduler) cancelRemaining(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range plan.Units {
		unit := &plan.Units[i]
		if status := s.unitStatus[unit.ID]; status == UnitStatusPending || status == UnitStatusBlocked {
			s.unitStatus[unit.ID] = UnitStatusCancelled
			unit.Status = UnitStatusCancelled
		}
	}
}

// dryRunResult fabricates a passing result without executing the probe.
func (s *ParallelScheduler) dryRunResult(unit *CheckUnit) *StepResult {
	now := time.Now()
	return &StepResult{
		UnitID:      unit.ID,
		Status:      UnitStatusPassed,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// backoffDelay computes exponential backoff with jitter, with a base delay
// chosen by error class: throttled errors wait longest, flaky errors retry
// quickly so the retry samples the same conditions.
func backoffDelay(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	switch {
	case IsThrottled(err):
		baseDelay = 5 * time.Second
	case IsFlaky(err):
		baseDelay = 500 * time.Millisecond
	}

	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Deterministic half-jitter keeps retries from synchronizing.
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// classify converts an error to a CheckError, preserving classification.
func classify(err error) *CheckError {
	if err == nil {
		return nil
	}
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce
	}
	return NewPermanentError("execution failed", err).WithCode(ErrCodeProbeFailed)
}

// setStatus updates the status of a check unit.
func (s *ParallelScheduler) setStatus(unitID string, status UnitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitStatus[unitID] = status
}

// storeResult stores the execution result for a check unit.
func (s *ParallelScheduler) storeResult(unitID string, result *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitResults[unitID] = result
}

// Results returns a snapshot of unit results keyed by unit ID.
func (s *ParallelScheduler) Results() map[string]*StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*StepResult, len(s.unitResults))
	for id, r := range s.unitResults {
		out[id] = r
	}
	return out
}

// summarize computes the run summary from unit statuses.
func (s *ParallelScheduler) summarize(units []CheckUnit) RunSummary {
	summary := RunSummary{Total: len(units)}

	for i := range units {
		switch s.unitStatus[units[i].ID] {
		case UnitStatusPassed:
			summary.Passed++
		case UnitStatusFailed:
			summary.Failed++
		case UnitStatusSkipped:
			summary.Skipped++
		case UnitStatusCancelled:
			summary.Cancelled++
		case UnitStatusPending, UnitStatusBlocked:
			summary.Pending++
		case UnitStatusRunning:
			summary.Running++
		}
		if units[i].Result != nil {
			summary.Findings += len(units[i].Result.Findings)
		}
	}
	return summary
}

// publishEvent publishes an execution event without blocking the scheduler.
func (s *ParallelScheduler) publishEvent(ctx context.Context, runID, unitID, projectID string, eventType EventType, message, level string) {
	if s.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		UnitID:    unitID,
		ProjectID: projectID,
		Message:   message,
		Level:     level,
	}
	// Publisher buffers; an error here must not fail execution.
	_ = s.events.Publish(ctx, event)
}

// Cancel marks an active run cancelled in the store.
func (s *ParallelScheduler) Cancel(ctx context.Context, runID string) error {
	run, err := s.state.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if !run.Status.IsActive() {
		return NewPermanentError("run is not active", nil).WithCode(ErrCodeValidation)
	}

	run.Status = RunStatusCancelled
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	if err := s.state.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save cancelled run: %w", err)
	}
	return nil
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
