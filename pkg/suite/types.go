package suite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// Meta describes the suite itself.
type Meta struct {
	// Name is the suite name.
	Name string `json:"name" validate:"required"`

	// Description explains what the suite verifies.
	Description string `json:"description,omitempty"`

	// Version is the suite definition version.
	Version string `json:"version,omitempty"`
}

// ProjectConfig declares an ecosystem project targeted by scenarios.
type ProjectConfig struct {
	// ID is the unique identifier for this project.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable project name.
	Name string `json:"name" validate:"required"`

	// Path is the local checkout path, if the project is available locally.
	Path string `json:"path,omitempty"`

	// BaseURL is the service endpoint for live probes, if any.
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	// Remote describes the SSH target for remote execution, if any.
	Remote *RemoteConfig `json:"remote,omitempty"`

	// Labels are key-value pairs for organizing projects.
	Labels map[string]string `json:"labels,omitempty"`
}

// RemoteConfig declares an SSH-reachable host running a project.
type RemoteConfig struct {
	// Host is the hostname or IP address.
	Host string `json:"host" validate:"required"`

	// Port is the SSH port (default 22).
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// User is the SSH user.
	User string `json:"user" validate:"required"`

	// ArtifactDir is the remote directory test artifacts are fetched from.
	ArtifactDir string `json:"artifact_dir,omitempty"`
}

// ScenarioConfig declares a multi-step interaction scenario.
type ScenarioConfig struct {
	// ID is the unique identifier for this scenario.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable scenario name.
	Name string `json:"name,omitempty"`

	// Description explains what the scenario verifies.
	Description string `json:"description,omitempty"`

	// Project is the ID of the project this scenario targets.
	Project string `json:"project" validate:"required"`

	// Steps are the ordered steps of the scenario.
	Steps []StepConfig `json:"steps" validate:"required,min=1,dive"`

	// Labels are key-value pairs for filtering scenarios.
	Labels map[string]string `json:"labels,omitempty"`
}

// StepConfig declares a single probe invocation.
type StepConfig struct {
	// ID is the step identifier, unique within its scenario.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable step name.
	Name string `json:"name,omitempty"`

	// Kind selects the probe (exec, http, wasm, ssh).
	Kind string `json:"kind" validate:"required,oneof=exec http wasm ssh"`

	// Params is the probe-specific configuration.
	Params map[string]interface{} `json:"params,omitempty"`

	// Honeypot marks a step that must fail.
	Honeypot bool `json:"honeypot,omitempty"`

	// Assert is a Starlark assertion script over the probe output.
	Assert string `json:"assert,omitempty"`

	// DependsOn lists step IDs this step depends on.
	DependsOn []DependencyConfig `json:"depends_on,omitempty"`

	// Timeout is the step timeout as a duration string (e.g., "30s").
	Timeout string `json:"timeout,omitempty"`

	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
}

// DependencyConfig declares a dependency between steps.
type DependencyConfig struct {
	// Step is the step ID this step depends on.
	Step string `json:"step" validate:"required"`

	// Type is the dependency type (require, order, notify).
	Type string `json:"type,omitempty" validate:"omitempty,oneof=require order notify"`
}

// ExecutionSettings controls scheduling defaults for the suite.
type ExecutionSettings struct {
	// MaxParallel caps concurrent check units.
	MaxParallel int `json:"max_parallel,omitempty" validate:"omitempty,min=1,max=64"`

	// DefaultTimeout is the default step timeout as a duration string.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// DefaultMaxRetries is the default retry budget per step.
	DefaultMaxRetries int `json:"default_max_retries,omitempty" validate:"omitempty,min=0,max=10"`

	// FailFast stops the run at the first failing level.
	FailFast bool `json:"fail_fast,omitempty"`
}

// BreakerConfig controls the per-project circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int `json:"failure_threshold,omitempty" validate:"omitempty,min=1"`

	// CoolDown is the open duration as a duration string.
	CoolDown string `json:"cool_down,omitempty"`

	// HalfOpenProbes is the trial probe budget in half-open state.
	HalfOpenProbes int `json:"half_open_probes,omitempty" validate:"omitempty,min=1"`
}

// ComplianceConfig controls static compliance checking.
type ComplianceConfig struct {
	// Enabled turns compliance scanning on.
	Enabled bool `json:"enabled"`

	// PolicyPaths lists directories or files with additional Rego policies.
	PolicyPaths []string `json:"policy_paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// Definition is the fully parsed suite definition.
type Definition struct {
	// Suite is the suite metadata.
	Suite Meta `json:"suite"`

	// Projects are the declared projects.
	Projects []ProjectConfig `json:"projects" validate:"required,min=1,dive"`

	// Scenarios are the declared scenarios.
	Scenarios []ScenarioConfig `json:"scenarios" validate:"required,min=1,dive"`

	// Execution holds scheduling defaults.
	Execution *ExecutionSettings `json:"execution,omitempty"`

	// Breaker holds circuit breaker settings.
	Breaker *BreakerConfig `json:"breaker,omitempty"`

	// Compliance holds compliance checking settings.
	Compliance *ComplianceConfig `json:"compliance,omitempty"`
}

// ParsedSuite is the result of parsing suite sources.
type ParsedSuite struct {
	// Definition is the decoded suite, valid only when Errors is empty.
	Definition *Definition `json:"definition,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the suite was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors with source positions.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "scenarios.search_flow.steps").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Engine converts the definition to engine scenarios and projects.
func (d *Definition) Engine() ([]engine.Scenario, map[string]engine.Project, error) {
	projects := make(map[string]engine.Project, len(d.Projects))
	for i := range d.Projects {
		pc := &d.Projects[i]
		if _, dup := projects[pc.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate project ID: %s", pc.ID)
		}

		project := engine.Project{
			ID:      pc.ID,
			Name:    pc.Name,
			Path:    pc.Path,
			BaseURL: pc.BaseURL,
			Labels:  pc.Labels,
		}
		if pc.Remote != nil {
			port := pc.Remote.Port
			if port == 0 {
				port = 22
			}
			project.Remote = &engine.RemoteTarget{
				Host:        pc.Remote.Host,
				Port:        port,
				User:        pc.Remote.User,
				ArtifactDir: pc.Remote.ArtifactDir,
			}
		}
		projects[pc.ID] = project
	}

	scenarios := make([]engine.Scenario, 0, len(d.Scenarios))
	for i := range d.Scenarios {
		sc := &d.Scenarios[i]

		steps := make([]engine.Step, 0, len(sc.Steps))
		for j := range sc.Steps {
			step, err := sc.Steps[j].engineStep()
			if err != nil {
				return nil, nil, fmt.Errorf("scenario %s: %w", sc.ID, err)
			}
			steps = append(steps, step)
		}

		scenarios = append(scenarios, engine.Scenario{
			ID:          sc.ID,
			Name:        sc.Name,
			Description: sc.Description,
			ProjectID:   sc.Project,
			Steps:       steps,
			Labels:      sc.Labels,
		})
	}

	return scenarios, projects, nil
}

// engineStep converts a step config to an engine step.
func (s *StepConfig) engineStep() (engine.Step, error) {
	var params json.RawMessage
	if len(s.Params) > 0 {
		raw, err := json.Marshal(s.Params)
		if err != nil {
			return engine.Step{}, fmt.Errorf("step %s: failed to encode params: %w", s.ID, err)
		}
		params = raw
	}

	var timeout time.Duration
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return engine.Step{}, fmt.Errorf("step %s: invalid timeout %q: %w", s.ID, s.Timeout, err)
		}
		timeout = d
	}

	deps := make([]engine.StepDependency, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		depType := engine.DependencyType(d.Type)
		if d.Type == "" {
			depType = engine.DependencyRequire
		}
		deps = append(deps, engine.StepDependency{StepID: d.Step, Type: depType})
	}

	return engine.Step{
		ID:         s.ID,
		Name:       s.Name,
		Kind:       engine.StepKind(s.Kind),
		Params:     params,
		Honeypot:   s.Honeypot,
		Assert:     s.Assert,
		DependsOn:  deps,
		Timeout:    timeout,
		MaxRetries: s.MaxRetries,
	}, nil
}

// PlanOptions derives engine plan options from the suite definition.
func (d *Definition) PlanOptions() (engine.PlanOptions, error) {
	opts := engine.PlanOptions{SuiteName: d.Suite.Name}

	if d.Execution != nil {
		if d.Execution.DefaultTimeout != "" {
			timeout, err := time.ParseDuration(d.Execution.DefaultTimeout)
			if err != nil {
				return opts, fmt.Errorf("invalid default_timeout %q: %w", d.Execution.DefaultTimeout, err)
			}
			opts.DefaultTimeout = timeout
		}
		opts.DefaultMaxRetries = d.Execution.DefaultMaxRetries
	}

	return opts, nil
}

// BreakerSettings derives engine breaker settings from the suite definition.
func (d *Definition) BreakerSettings() (engine.BreakerSettings, error) {
	settings := engine.DefaultBreakerSettings()
	if d.Breaker == nil {
		return settings, nil
	}

	if d.Breaker.FailureThreshold > 0 {
		settings.FailureThreshold = d.Breaker.FailureThreshold
	}
	if d.Breaker.HalfOpenProbes > 0 {
		settings.HalfOpenProbes = d.Breaker.HalfOpenProbes
	}
	if d.Breaker.CoolDown != "" {
		coolDown, err := time.ParseDuration(d.Breaker.CoolDown)
		if err != nil {
			return settings, fmt.Errorf("invalid cool_down %q: %w", d.Breaker.CoolDown, err)
		}
		settings.CoolDown = coolDown
	}

	return settings, nil
}
