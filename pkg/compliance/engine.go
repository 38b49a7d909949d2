// Package compliance judges test suites rather than running them.
//
// A Scanner walks a project's test tree and extracts facts (mock usage,
// skip markers, assertion counts, honeypot test names). The Engine then
// evaluates Rego policies over those facts and over completed run
// results, producing violations that surface as findings. Policies are
// OPA modules; built-in rules ship compiled in, and additional .rego
// files can be loaded from disk.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// Engine evaluates compliance policies over scan reports and run results.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a compliance engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "compliance-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateScan evaluates all policies against a project scan report.
// File-scoped policies run once per file, aggregate policies once
// against the whole report.
func (e *Engine) EvaluateScan(ctx context.Context, report *ScanReport) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:     true,
		EvaluatedAt: startTime,
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		inputs := []*Input{{
			Scan: report,
			Context: &Context{
				ProjectID: report.ProjectID,
				Operation: "scan",
				Timestamp: time.Now(),
			},
		}}
		for i := range report.Files {
			inputs = append(inputs, &Input{
				Facts: &report.Files[i],
				Context: &Context{
					ProjectID: report.ProjectID,
					Operation: "scan",
					Timestamp: time.Now(),
				},
			})
		}

		for _, input := range inputs {
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("project_id", report.ProjectID).
					Msg("policy evaluation failed")
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
				continue
			}
			for i := range violations {
				violations[i].ProjectID = report.ProjectID
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	finishResult(result, startTime)

	e.logger.Debug().
		Str("project_id", report.ProjectID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("scan compliance evaluation completed")

	return result, nil
}

// EvaluateRun evaluates run-scoped policies against completed check units.
func (e *Engine) EvaluateRun(ctx context.Context, projectID string, units []UnitDigest) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:     true,
		EvaluatedAt: startTime,
	}

	input := &Input{
		Units: units,
		Context: &Context{
			ProjectID: projectID,
			Operation: "run",
			Timestamp: time.Now(),
		},
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		for i := range violations {
			violations[i].ProjectID = projectID
		}
		result.Violations = append(result.Violations, violations...)
	}

	finishResult(result, startTime)
	return result, nil
}

// DigestUnits converts completed check units into policy inputs.
func DigestUnits(units []engine.CheckUnit) []UnitDigest {
	digests := make([]UnitDigest, 0, len(units))
	for i := range units {
		u := &units[i]
		digest := UnitDigest{
			ID:        u.ID,
			ProjectID: u.ProjectID,
			Status:    string(u.Status),
			Honeypot:  u.Honeypot,
			Attempts:  u.Retries + 1,
		}
		if u.Result != nil {
			digest.DurationMS = u.Result.Duration.Milliseconds()
			digest.Attempts = u.Result.Attempts
		}
		digests = append(digests, digest)
	}
	return digests
}

// ToFindings converts a result's violations into engine findings.
func ToFindings(result *Result, runID string) []engine.Finding {
	findings := make([]engine.Finding, 0, len(result.Violations))
	for _, v := range result.Violations {
		evidence, _ := json.Marshal(map[string]interface{}{
			"policy": v.Policy,
			"file":   v.File,
			"line":   v.Line,
		})
		findings = append(findings, engine.Finding{
			RunID:      runID,
			ProjectID:  v.ProjectID,
			Source:     engine.FindingSourceCompliance,
			Severity:   mapSeverity(v.Severity),
			Title:      fmt.Sprintf("compliance: %s", v.Policy),
			Detail:     v.Message,
			Evidence:   evidence,
			DetectedAt: v.DetectedAt,
		})
	}
	return findings
}

// mapSeverity translates policy severities to finding severities.
func mapSeverity(s Severity) engine.Severity {
	switch s {
	case SeverityCritical:
		return engine.SeverityCritical
	case SeverityError:
		return engine.SeverityHigh
	case SeverityWarning:
		return engine.SeverityMedium
	default:
		return engine.SeverityInfo
	}
}

// LoadPolicies loads additional policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.compileAndStorePolicy(&policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("policies loaded")

	return nil
}

// evaluatePolicy evaluates a single compiled policy against one input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "gauntlet.compliance"
}

// createViolation creates a Violation from a deny result.
func (e *Engine) createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if file, ok := v["file"].(string); ok {
			violation.File = file
		}
		if line, ok := v["line"].(json.Number); ok {
			if n, err := line.Int64(); err == nil {
				violation.Line = int(n)
			}
		} else if line, ok := v["line"].(float64); ok {
			violation.Line = int(line)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("policy compiled")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies() error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(&e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("policy disabled")

	return nil
}

// finishResult fills the aggregate fields of a result.
func finishResult(result *Result, startTime time.Time) {
	for i := range result.Violations {
		sev := result.Violations[i].Severity
		if sev == SeverityError || sev == SeverityCritical {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(startTime)
}
