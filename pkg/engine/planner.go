package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanOptions controls plan construction.
type PlanOptions struct {
	// SuiteName is recorded on the resulting plan.
	SuiteName string

	// DefaultTimeout is applied to steps without an explicit timeout.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is applied to steps without an explicit retry budget.
	DefaultMaxRetries int

	// ScenarioFilter restricts the plan to the listed scenario IDs.
	// Empty means all scenarios.
	ScenarioFilter []string

	// ProjectFilter restricts the plan to scenarios targeting the listed
	// project IDs. Empty means all projects.
	ProjectFilter []string
}

// SuitePlanner builds verification plans from scenarios and projects.
type SuitePlanner struct {
	dagBuilder func() *DAGBuilder
}

// NewSuitePlanner creates a new planner.
func NewSuitePlanner() *SuitePlanner {
	return &SuitePlanner{
		dagBuilder: NewDAGBuilder,
	}
}

// BuildPlan expands scenarios into check units, wires dependencies, and
// computes the execution graph.
//
// Each step becomes one check unit. Steps without explicit dependencies
// require the preceding step of their scenario, preserving the sequential
// semantics of the scripted workflows the scenarios model. Scenarios are
// independent of each other and parallelize freely.
func (p *SuitePlanner) BuildPlan(scenarios []Scenario, projects map[string]Project, opts PlanOptions) (*Plan, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}

	scenarioFilter := toSet(opts.ScenarioFilter)
	projectFilter := toSet(opts.ProjectFilter)

	units := make([]CheckUnit, 0)
	seenScenarios := make(map[string]bool)
	seenProjects := make(map[string]bool)
	honeypots := 0
	byKind := make(map[StepKind]int)

	for i := range scenarios {
		sc := &scenarios[i]
		if sc.ID == "" {
			return nil, NewPermanentError("scenario has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if seenScenarios[sc.ID] {
			return nil, NewPermanentError(fmt.Sprintf("duplicate scenario ID: %s", sc.ID), nil).
				WithCode(ErrCodeValidation)
		}
		seenScenarios[sc.ID] = true

		if len(scenarioFilter) > 0 && !scenarioFilter[sc.ID] {
			continue
		}
		if len(projectFilter) > 0 && !projectFilter[sc.ProjectID] {
			continue
		}

		if _, ok := projects[sc.ProjectID]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("scenario %s targets unknown project %s", sc.ID, sc.ProjectID), nil).
				WithCode(ErrCodeValidation).WithProject(sc.ProjectID)
		}
		if len(sc.Steps) == 0 {
			return nil, NewPermanentError(fmt.Sprintf("scenario %s has no steps", sc.ID), nil).
				WithCode(ErrCodeValidation)
		}

		scUnits, err := p.expandScenario(sc, opts)
		if err != nil {
			return nil, err
		}

		for j := range scUnits {
			byKind[scUnits[j].Kind]++
			if scUnits[j].Honeypot {
				honeypots++
			}
		}
		seenProjects[sc.ProjectID] = true
		units = append(units, scUnits...)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		SuiteName: opts.SuiteName,
		CreatedAt: time.Now(),
		Units:     units,
		Summary: PlanSummary{
			Scenarios: countScenarios(units),
			Units:     len(units),
			Projects:  len(seenProjects),
			Honeypots: honeypots,
			ByKind:    byKind,
		},
	}

	builder := p.dagBuilder()
	graph, err := builder.BuildGraph(plan.Units)
	if err != nil {
		return nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, err
	}
	plan.Graph = graph

	return plan, nil
}

// expandScenario converts one scenario's steps into check units.
func (p *SuitePlanner) expandScenario(sc *Scenario, opts PlanOptions) ([]CheckUnit, error) {
	// Step ID -> unit ID, so explicit depends_on can be resolved.
	unitIDs := make(map[string]string, len(sc.Steps))
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if step.ID == "" {
			return nil, NewPermanentError(
				fmt.Sprintf("scenario %s has a step with empty ID", sc.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := unitIDs[step.ID]; dup {
			return nil, NewPermanentError(
				fmt.Sprintf("scenario %s has duplicate step ID: %s", sc.ID, step.ID), nil).
				WithCode(ErrCodeValidation)
		}
		unitIDs[step.ID] = sc.ID + "/" + step.ID
	}

	units := make([]CheckUnit, 0, len(sc.Steps))
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if err := step.Kind.Validate(); err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("scenario %s step %s: %v", sc.ID, step.ID, err), nil).
				WithCode(ErrCodeValidation)
		}

		deps, err := p.resolveDependencies(sc, i, unitIDs)
		if err != nil {
			return nil, err
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = opts.DefaultTimeout
		}
		maxRetries := step.MaxRetries
		if maxRetries <= 0 {
			maxRetries = opts.DefaultMaxRetries
		}
		// Retrying a honeypot makes no sense: the probe is expected to fail.
		if step.Honeypot {
			maxRetries = 0
		}

		units = append(units, CheckUnit{
			ID:           unitIDs[step.ID],
			ScenarioID:   sc.ID,
			StepID:       step.ID,
			ProjectID:    sc.ProjectID,
			Kind:         step.Kind,
			Params:       step.Params,
			Honeypot:     step.Honeypot,
			Assert:       step.Assert,
			Status:       UnitStatusPending,
			Dependencies: deps,
			MaxRetries:   maxRetries,
			Timeout:      timeout,
		})
	}

	return units, nil
}

// resolveDependencies maps a step's dependencies to unit dependencies.
// A step without explicit dependencies requires its predecessor.
func (p *SuitePlanner) resolveDependencies(sc *Scenario, stepIndex int, unitIDs map[string]string) ([]Dependency, error) {
	step := &sc.Steps[stepIndex]

	if len(step.DependsOn) == 0 {
		if stepIndex == 0 {
			return nil, nil
		}
		prev := sc.Steps[stepIndex-1].ID
		return []Dependency{{TargetID: unitIDs[prev], Type: DependencyRequire}}, nil
	}

	deps := make([]Dependency, 0, len(step.DependsOn))
	for _, d := range step.DependsOn {
		target, ok := unitIDs[d.StepID]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("scenario %s step %s depends on unknown step %s", sc.ID, step.ID, d.StepID),
				nil,
			).WithCode(ErrCodeValidation)
		}
		depType := d.Type
		if depType == "" {
			depType = DependencyRequire
		}
		deps = append(deps, Dependency{TargetID: target, Type: depType})
	}
	return deps, nil
}

// countScenarios counts distinct scenario IDs across units.
func countScenarios(units []CheckUnit) int {
	seen := make(map[string]bool)
	for i := range units {
		seen[units[i].ScenarioID] = true
	}
	return len(seen)
}

// toSet converts a slice to a membership set.
func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}
