package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/compliance"
	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/report"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
)

func newHuntCommand() *cobra.Command {
	var (
		flags       runFlags
		policyPaths []string
		outDir      string
		workerBin   string
	)

	cmd := &cobra.Command{
		Use:   "hunt [path]",
		Short: "Run probes, compliance checks, and reports in one pass",
		Long: `Hunt runs the full verification pipeline: execute the suite's
probes, run static compliance checks over each project's test suite,
merge the resulting findings into the run, and write JSON and
Markdown reports.

This is the command CI jobs should call.`,
		Example: `  # Full pipeline with reports in ./reports
  gauntlet hunt

  # Scope to one project and write reports elsewhere
  gauntlet hunt --project doc_hub --out ./artifacts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := suitePath(args)

			def, parsed, err := parseSuite(ctx, path)
			if err != nil {
				printValidationErrors(parsed)
				return err
			}

			store, err := openStore(ctx, flags.dbPath, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			run, plan, err := executeSuite(ctx, def, store, flags, log.Logger)
			if err != nil {
				return err
			}

			// Static compliance findings land on the same run so the
			// report shows runtime and static evidence side by side.
			checks, err := runComplianceChecks(cmd, def, policyPaths, workerBin)
			if err != nil {
				return err
			}

			adapter := stores.NewStateAdapter(store, log.Logger)
			complianceFindings := 0
			for _, check := range checks {
				for _, finding := range compliance.ToFindings(check.Report, run.ID) {
					if err := adapter.SaveFinding(ctx, &finding); err != nil {
						return fmt.Errorf("failed to persist finding: %w", err)
					}
					complianceFindings++
				}
			}

			drifts, err := reconcileBaselines(ctx, store, run.ID, checks)
			if err != nil {
				return err
			}
			for i := range drifts {
				if err := adapter.SaveFinding(ctx, &drifts[i]); err != nil {
					return fmt.Errorf("failed to persist finding: %w", err)
				}
				complianceFindings++
			}

			run.Summary.Findings += complianceFindings
			if err := adapter.SaveRun(ctx, run); err != nil {
				return fmt.Errorf("failed to update run: %w", err)
			}

			runID := run.ID
			rows, err := store.ListFindings(ctx, stores.FindingFilter{RunID: &runID}, 1000, 0)
			if err != nil {
				return err
			}
			findings := engineFindingsFromRows(rows)

			if err := writeReports(outDir, run, plan.Units, findings); err != nil {
				return err
			}

			printRunSummary(run)
			printComplianceResults(checks)

			enforcing := def.Compliance != nil && def.Compliance.Mode == "enforcing"
			blocked := 0
			for _, check := range checks {
				if !check.Allowed {
					blocked++
				}
			}
			if run.Status == engine.RunStatusFailed {
				return fmt.Errorf("run %s failed: %d unit(s) failed", run.ID, run.Summary.Failed)
			}
			if enforcing && blocked > 0 {
				return fmt.Errorf("compliance check failed: %d project(s) blocked", blocked)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.dbPath, "db", "gauntlet.db", "run database path")
	cmd.Flags().StringVar(&flags.pluginsDir, "plugins-dir", "plugins", "WASM check plugin directory")
	cmd.Flags().StringSliceVar(&flags.scenarios, "scenario", nil, "restrict to the listed scenario IDs")
	cmd.Flags().StringSliceVar(&flags.projects, "project", nil, "restrict to scenarios targeting the listed project IDs")
	cmd.Flags().IntVar(&flags.maxParallel, "max-parallel", 0, "max concurrent check units (0 = suite default)")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "stop scheduling after the first failure")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")
	cmd.Flags().StringVar(&outDir, "out", "reports", "report output directory")
	cmd.Flags().StringVar(&workerBin, "worker-bin", "", "worker binary deployed for remote scanning of projects whose path is not present locally")

	return cmd
}

// baselineStore is the slice of the store baseline reconciliation needs.
type baselineStore interface {
	GetProjectBaseline(ctx context.Context, projectID string) (*stores.ProjectBaseline, error)
	UpsertProjectBaseline(ctx context.Context, baseline *stores.ProjectBaseline) error
}

// reconcileBaselines compares each scanned project against its recorded
// baseline, then records a fresh baseline for projects whose scan
// passed. Drift comes back as findings so the run report carries it.
func reconcileBaselines(ctx context.Context, store baselineStore, runID string, checks []projectCheck) ([]engine.Finding, error) {
	var findings []engine.Finding
	for _, check := range checks {
		if check.Scan == nil {
			continue
		}

		var baseline *compliance.Baseline
		row, err := store.GetProjectBaseline(ctx, check.ProjectID)
		switch {
		case errors.Is(err, stores.ErrNotFound):
			// First scan of this project.
		case err != nil:
			return nil, fmt.Errorf("failed to load baseline for %s: %w", check.ProjectID, err)
		default:
			baseline = &compliance.Baseline{
				ProjectID:       row.ProjectID,
				FactsHash:       row.FactsHash,
				TotalTests:      row.TotalTests,
				TotalAssertions: row.TotalAssertions,
				HoneypotTests:   row.HoneypotTests,
				RecordedAt:      row.RecordedAt,
			}
		}

		if drift := compliance.DetectDrift(check.Scan, baseline); drift != nil {
			findings = append(findings, drift.Finding(runID))
		}

		// Only passing scans move the baseline forward, so a blocked
		// project keeps drifting against its last-good facts.
		if !check.Allowed {
			continue
		}
		next := compliance.BaselineFromScan(check.Scan)
		id := runID
		if err := store.UpsertProjectBaseline(ctx, &stores.ProjectBaseline{
			ProjectID:       next.ProjectID,
			FactsHash:       next.FactsHash,
			TotalTests:      next.TotalTests,
			TotalAssertions: next.TotalAssertions,
			HoneypotTests:   next.HoneypotTests,
			RunID:           &id,
			RecordedAt:      next.RecordedAt,
		}); err != nil {
			return nil, fmt.Errorf("failed to record baseline for %s: %w", check.ProjectID, err)
		}
	}
	return findings, nil
}

// writeReports renders the run in every supported format.
func writeReports(outDir string, run *engine.Run, units []engine.CheckUnit, findings []engine.Finding) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	reporters := []interface {
		Render(*engine.Run, []engine.CheckUnit, []engine.Finding) ([]byte, error)
		Format() string
	}{
		report.NewJSONReporter(),
		report.NewMarkdownReporter(),
	}

	for _, r := range reporters {
		data, err := r.Render(run, units, findings)
		if err != nil {
			return fmt.Errorf("failed to render %s report: %w", r.Format(), err)
		}
		ext := map[string]string{"json": "json", "markdown": "md"}[r.Format()]
		name := filepath.Join(outDir, fmt.Sprintf("run-%s.%s", run.ID, ext))
		if err := os.WriteFile(name, data, 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Printf("Wrote %s\n", name)
	}
	return nil
}
