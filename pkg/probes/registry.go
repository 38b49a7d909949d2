// Package probes implements the built-in probe kinds and the registry
// that dispatches check units to them.
//
// The registry owns the two cross-cutting result rules so that every
// probe kind behaves the same way: Starlark assertions run against the
// probe output after a successful probe, and honeypot units have their
// outcome inverted. A honeypot that fails is the expected result; a
// honeypot that passes means the target accepted a request it must
// reject, which is recorded as a critical finding.
package probes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// Registry dispatches check units to registered probers and applies
// honeypot inversion and assertions. It implements engine.ProbeRegistry.
type Registry struct {
	mu       sync.RWMutex
	probers  map[engine.StepKind]engine.Prober
	asserter engine.AssertEvaluator
	logger   zerolog.Logger
}

// NewRegistry creates a probe registry. The asserter may be nil, in which
// case units carrying assertions fail with a validation error.
func NewRegistry(asserter engine.AssertEvaluator, logger zerolog.Logger) *Registry {
	return &Registry{
		probers:  make(map[engine.StepKind]engine.Prober),
		asserter: asserter,
		logger:   logger.With().Str("component", "probes").Logger(),
	}
}

// Register adds a prober for its step kind.
func (r *Registry) Register(prober engine.Prober) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := prober.Kind()
	if _, exists := r.probers[kind]; exists {
		return fmt.Errorf("prober already registered for kind %s", kind)
	}
	r.probers[kind] = prober
	return nil
}

// Kinds lists the registered step kinds in sorted order.
func (r *Registry) Kinds() []engine.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]engine.StepKind, 0, len(r.probers))
	for kind := range r.probers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ExecuteUnit runs a check unit end-to-end: probe execution, assertion,
// and honeypot inversion.
func (r *Registry) ExecuteUnit(ctx context.Context, project *engine.Project, unit *engine.CheckUnit) (*engine.StepResult, error) {
	r.mu.RLock()
	prober, ok := r.probers[unit.Kind]
	r.mu.RUnlock()

	if !ok {
		err := engine.NewPermanentError(fmt.Sprintf("no prober registered for kind %s", unit.Kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, err), err
	}

	if unit.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, unit.Timeout)
		defer cancel()
	}

	started := time.Now()
	result, probeErr := prober.Execute(ctx, project, unit)
	if result == nil {
		result = &engine.StepResult{
			UnitID:      unit.ID,
			StartedAt:   started,
			CompletedAt: time.Now(),
		}
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
	}

	// Assertions only make sense against output from a successful probe.
	if probeErr == nil && unit.Assert != "" {
		probeErr = r.applyAssertion(ctx, unit, result)
	}

	if unit.Honeypot {
		return r.invertHoneypot(project, unit, result, probeErr)
	}

	if probeErr != nil {
		result.Status = engine.UnitStatusFailed
		result.Error = asCheckError(probeErr, unit)
		return result, probeErr
	}

	result.Status = engine.UnitStatusPassed
	return result, nil
}

// applyAssertion evaluates the unit's Starlark assertion against the
// probe output and returns a classified error when it does not hold.
func (r *Registry) applyAssertion(ctx context.Context, unit *engine.CheckUnit, result *engine.StepResult) error {
	if r.asserter == nil {
		return engine.NewPermanentError("unit carries an assertion but no assert evaluator is configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
	}

	ok, msg, err := r.asserter.Assert(ctx, unit.Assert, result.Output)
	if err != nil {
		return engine.NewPermanentError("assertion evaluation failed", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
	}
	if ok {
		return nil
	}

	if msg == "" {
		msg = "assertion did not hold"
	}

	result.Findings = append(result.Findings, engine.Finding{
		ProjectID:  unit.ProjectID,
		ScenarioID: unit.ScenarioID,
		UnitID:     unit.ID,
		Source:     engine.FindingSourceProbe,
		Severity:   engine.SeverityHigh,
		Title:      fmt.Sprintf("assertion failed in %s", unit.ID),
		Detail:     msg,
		Evidence:   result.Output,
		DetectedAt: time.Now(),
	})

	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeAssertFailed).
		WithUnit(unit.ID)
}

// invertHoneypot applies the honeypot rule: a failing probe is the
// expected outcome, a passing probe is a critical defect in the target.
func (r *Registry) invertHoneypot(project *engine.Project, unit *engine.CheckUnit, result *engine.StepResult, probeErr error) (*engine.StepResult, error) {
	if probeErr != nil {
		r.logger.Debug().
			Str("unit_id", unit.ID).
			Str("project_id", unit.ProjectID).
			Msg("honeypot rejected as expected")

		result.Status = engine.UnitStatusPassed
		result.Error = nil
		return result, nil
	}

	r.logger.Warn().
		Str("unit_id", unit.ID).
		Str("project_id", unit.ProjectID).
		Msg("honeypot passed, target accepted an invalid request")

	result.Findings = append(result.Findings, engine.Finding{
		ProjectID:  unit.ProjectID,
		ScenarioID: unit.ScenarioID,
		UnitID:     unit.ID,
		Source:     engine.FindingSourceHoneypot,
		Severity:   engine.SeverityCritical,
		Title:      fmt.Sprintf("honeypot %s passed", unit.ID),
		Detail:     "a check designed to fail succeeded, the target did not reject an invalid request",
		Evidence:   result.Output,
		DetectedAt: time.Now(),
	})

	err := engine.NewPermanentError("honeypot check passed", nil).
		WithCode(engine.ErrCodeHoneypotPassed).
		WithProject(unit.ProjectID).
		WithUnit(unit.ID)

	result.Status = engine.UnitStatusFailed
	result.Error = err
	return result, err
}

// failedResult builds a minimal failed result for dispatch errors.
func failedResult(unit *engine.CheckUnit, err *engine.CheckError) *engine.StepResult {
	now := time.Now()
	return &engine.StepResult{
		UnitID:      unit.ID,
		Status:      engine.UnitStatusFailed,
		StartedAt:   now,
		CompletedAt: now,
		Error:       err,
	}
}

// asCheckError normalizes an arbitrary probe error into a CheckError.
func asCheckError(err error, unit *engine.CheckUnit) *engine.CheckError {
	var ce *engine.CheckError
	if errors.As(err, &ce) {
		return ce
	}
	return engine.NewPermanentError(err.Error(), err).
		WithCode(engine.ErrCodeProbeFailed).
		WithUnit(unit.ID)
}

// marshalOutput encodes probe output, falling back to a raw string on
// marshal failure so a result is never silently dropped.
func marshalOutput(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return raw
}
