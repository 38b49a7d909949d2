package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/monitor"
	"github.com/gauntlet-dev/gauntlet/pkg/plugins"
	"github.com/gauntlet-dev/gauntlet/pkg/probes"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
	"github.com/gauntlet-dev/gauntlet/pkg/suite"
	"github.com/gauntlet-dev/gauntlet/pkg/telemetry"
	sshtransport "github.com/gauntlet-dev/gauntlet/pkg/transports/ssh"
)

// suitePath resolves the suite source path from the positional argument,
// the --config flag, or the current directory, in that order.
func suitePath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if configPath != "" {
		return configPath
	}
	return "."
}

// parseSuite loads and validates suite sources from a file or directory.
func parseSuite(ctx context.Context, path string) (*suite.Definition, *suite.ParsedSuite, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to access suite path: %w", err)
	}

	sources := []string{path}
	if info.IsDir() {
		sources, err = suite.DiscoverSources(path)
		if err != nil {
			return nil, nil, err
		}
		if len(sources) == 0 {
			return nil, nil, fmt.Errorf("no suite sources found under %s", path)
		}
	}

	parser := suite.NewParser()
	parsed, err := parser.Parse(ctx, sources)
	if err != nil {
		return nil, nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, parsed, fmt.Errorf("suite validation failed with %d error(s)", len(parsed.Errors))
	}
	return parsed.Definition, parsed, nil
}

// printValidationErrors reports suite validation errors to the user.
func printValidationErrors(parsed *suite.ParsedSuite) {
	if parsed == nil {
		return
	}
	if jsonOutput {
		out, err := json.MarshalIndent(parsed.Errors, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
		return
	}
	for _, ve := range parsed.Errors {
		fmt.Fprintf(os.Stderr, "%s: %s\n", ve.Severity, ve.Error())
	}
}

// openStore opens, initializes, and migrates the run database.
func openStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	store := stores.NewSQLiteStore(dbPath, logger)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}

// runFlags holds the execution flags shared by run and hunt.
type runFlags struct {
	dbPath      string
	pluginsDir  string
	scenarios   []string
	projects    []string
	maxParallel int
	failFast    bool
	dryRun      bool
}

// executeSuite builds a plan from the definition and runs it to
// completion, persisting results and updating project health.
func executeSuite(ctx context.Context, def *suite.Definition, store *stores.SQLiteStore, flags runFlags, logger zerolog.Logger) (*engine.Run, *engine.Plan, error) {
	scenarios, projects, err := def.Engine()
	if err != nil {
		return nil, nil, err
	}

	planOpts, err := def.PlanOptions()
	if err != nil {
		return nil, nil, err
	}
	planOpts.ScenarioFilter = flags.scenarios
	planOpts.ProjectFilter = flags.projects

	plan, err := engine.NewSuitePlanner().BuildPlan(scenarios, projects, planOpts)
	if err != nil {
		return nil, nil, err
	}

	breakerSettings, err := def.BreakerSettings()
	if err != nil {
		return nil, nil, err
	}

	registry, closeRegistry, err := buildProbeRegistry(ctx, flags.pluginsDir, logger)
	if err != nil {
		return nil, nil, err
	}
	defer closeRegistry(ctx)

	adapter := stores.NewStateAdapter(store, logger)

	maxParallel := flags.maxParallel
	if maxParallel <= 0 && def.Execution != nil {
		maxParallel = def.Execution.MaxParallel
	}
	failFast := flags.failFast
	if def.Execution != nil && def.Execution.FailFast {
		failFast = true
	}

	metrics := runMetrics(logger)
	metrics.RecordRunStarted(def.Suite.Name)

	scheduler := engine.NewParallelScheduler(
		maxParallel,
		registry,
		adapter,
		adapter,
		engine.NewBreakerSet(breakerSettings),
		projects,
	)

	run, err := scheduler.Execute(ctx, plan, engine.ScheduleOptions{
		MaxParallel: maxParallel,
		FailFast:    failFast,
		DryRun:      flags.dryRun,
		User:        os.Getenv("USER"),
	})
	if err != nil {
		return run, plan, err
	}

	metrics.RecordRunCompleted(string(run.Status), run.Duration)

	tracker := monitor.NewHealthTracker(store, 0, logger)
	if err := tracker.ObserveRun(ctx, run, plan.Units); err != nil {
		logger.Warn().Err(err).Msg("failed to update project health")
	}

	return run, plan, nil
}

// runMetrics builds the run metrics collector. GAUNTLET_METRICS_ADDR
// additionally exposes a /metrics endpoint, which matters for watch
// mode where the process is long-lived.
func runMetrics(logger zerolog.Logger) *telemetry.Metrics {
	cfg := telemetry.DefaultConfig().Metrics
	cfg.ListenAddress = os.Getenv("GAUNTLET_METRICS_ADDR")

	metrics, err := telemetry.NewMetrics(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build metrics, continuing without")
		noop, _ := telemetry.NewMetrics(telemetry.MetricsConfig{})
		return noop
	}
	if cfg.ListenAddress != "" {
		if err := metrics.StartMetricsServer(); err != nil {
			logger.Warn().Err(err).Msg("failed to start metrics endpoint")
		}
	}
	return metrics
}

// buildProbeRegistry wires the probers for every supported step kind.
// The returned closer shuts down the WASM plugin registry.
func buildProbeRegistry(ctx context.Context, pluginsDir string, logger zerolog.Logger) (*probes.Registry, func(context.Context), error) {
	asserter := suite.NewStarlarkEvaluator(30 * time.Second)
	registry := probes.NewRegistry(asserter, logger)

	if err := registry.Register(probes.NewExecProber(logger)); err != nil {
		return nil, nil, err
	}
	if err := registry.Register(probes.NewHTTPProber(nil, logger)); err != nil {
		return nil, nil, err
	}
	if err := registry.Register(sshtransport.NewSSHProber(nil, logger)); err != nil {
		return nil, nil, err
	}

	closeRegistry := func(context.Context) {}
	if pluginsDir != "" {
		if _, err := os.Stat(pluginsDir); err == nil {
			pluginRegistry := plugins.NewRegistry(pluginsDir, nil, logger)
			if err := pluginRegistry.ScanDirectory(pluginsDir); err != nil {
				return nil, nil, fmt.Errorf("failed to scan plugins: %w", err)
			}
			if err := registry.Register(plugins.NewWASMProber(pluginRegistry, logger)); err != nil {
				return nil, nil, err
			}
			closeRegistry = func(ctx context.Context) {
				if err := pluginRegistry.Close(ctx); err != nil {
					logger.Warn().Err(err).Msg("failed to close plugin registry")
				}
			}
		} else {
			logger.Debug().Str("dir", pluginsDir).Msg("plugins directory not found, wasm probes disabled")
		}
	}

	return registry, closeRegistry, nil
}

// engineUnitsFromRows converts persisted unit results back into check
// units for reporting.
func engineUnitsFromRows(rows []*stores.UnitResult) []engine.CheckUnit {
	units := make([]engine.CheckUnit, 0, len(rows))
	for _, row := range rows {
		unit := engine.CheckUnit{
			ID:         row.ID,
			ScenarioID: row.ScenarioID,
			ProjectID:  row.ProjectID,
			Kind:       engine.StepKind(row.Kind),
			Honeypot:   row.Honeypot,
			Status:     engine.UnitStatus(row.Status),
			Retries:    row.Attempts - 1,
		}

		result := &engine.StepResult{
			UnitID:   row.ID,
			Status:   engine.UnitStatus(row.Status),
			Duration: time.Duration(row.DurationMS) * time.Millisecond,
			Attempts: row.Attempts,
		}
		if row.StartedAt != nil {
			result.StartedAt = *row.StartedAt
		}
		if row.CompletedAt != nil {
			result.CompletedAt = *row.CompletedAt
		}
		if row.Output != nil {
			result.Output = json.RawMessage(*row.Output)
		}
		if row.Error != nil {
			var checkErr engine.CheckError
			if err := json.Unmarshal([]byte(*row.Error), &checkErr); err == nil {
				result.Error = &checkErr
			}
		}
		unit.Result = result
		units = append(units, unit)
	}
	return units
}

// engineFindingsFromRows converts persisted findings back into engine
// findings for reporting.
func engineFindingsFromRows(rows []*stores.Finding) []engine.Finding {
	findings := make([]engine.Finding, 0, len(rows))
	for _, row := range rows {
		finding := engine.Finding{
			ID:         row.ID,
			RunID:      row.RunID,
			ProjectID:  row.ProjectID,
			Source:     engine.FindingSource(row.Source),
			Severity:   engine.Severity(row.Severity),
			Title:      row.Title,
			DetectedAt: row.DetectedAt,
		}
		if row.ScenarioID != nil {
			finding.ScenarioID = *row.ScenarioID
		}
		if row.UnitID != nil {
			finding.UnitID = *row.UnitID
		}
		if row.Detail != nil {
			finding.Detail = *row.Detail
		}
		if row.Evidence != nil {
			finding.Evidence = json.RawMessage(*row.Evidence)
		}
		findings = append(findings, finding)
	}
	return findings
}

// printRunSummary reports a completed run to the user.
func printRunSummary(run *engine.Run) {
	if jsonOutput {
		out, err := json.MarshalIndent(run, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
		return
	}

	fmt.Printf("Run %s (%s) finished: %s\n", run.ID, run.SuiteName, run.Status)
	fmt.Printf("  passed:   %d\n", run.Summary.Passed)
	fmt.Printf("  failed:   %d\n", run.Summary.Failed)
	fmt.Printf("  skipped:  %d\n", run.Summary.Skipped)
	if run.Summary.Cancelled > 0 {
		fmt.Printf("  cancelled: %d\n", run.Summary.Cancelled)
	}
	fmt.Printf("  findings: %d\n", run.Summary.Findings)
	fmt.Printf("  duration: %s\n", run.Duration.Round(time.Millisecond))
}
