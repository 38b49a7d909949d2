package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/compliance"
	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/suite"
)

// projectCheck is the per-project outcome of a compliance check.
type projectCheck struct {
	ProjectID string             `json:"project_id"`
	Allowed   bool               `json:"allowed"`
	Report    *compliance.Result `json:"result"`

	// Scan carries the raw facts for baseline reconciliation.
	Scan *compliance.ScanReport `json:"-"`
}

func newCheckCommand() *cobra.Command {
	var (
		policyPaths []string
		enforcing   bool
		workerBin   string
	)

	cmd := &cobra.Command{
		Use:   "check [path]",
		Short: "Run static compliance checks",
		Long: `Scan project test suites and evaluate the extracted facts against
Rego compliance policies.

The scanner records mock usage, skip markers, honeypot test names,
assertion density, and suspicious timings per test file. Built-in
policies catch faked test suites (passing honeypots), mocks in
integration tests, and skipped critical tests; additional .rego
policies can be loaded from disk.`,
		Example: `  # Check every project declared in the suite
  gauntlet check

  # Enforce: non-zero exit on any blocking violation
  gauntlet check --enforcing

  # Include custom policies
  gauntlet check --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := suitePath(args)

			def, parsed, err := parseSuite(cmd.Context(), path)
			if err != nil {
				printValidationErrors(parsed)
				return err
			}

			checks, err := runComplianceChecks(cmd, def, policyPaths, workerBin)
			if err != nil {
				return err
			}

			blocked := printComplianceResults(checks)

			if enforcing && blocked > 0 {
				return fmt.Errorf("compliance check failed: %d project(s) blocked", blocked)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional .rego policy files or directories")
	cmd.Flags().BoolVar(&enforcing, "enforcing", false, "exit non-zero when a blocking violation is found")
	cmd.Flags().StringVar(&workerBin, "worker-bin", "", "worker binary deployed for remote scanning of projects whose path is not present locally")

	return cmd
}

// runComplianceChecks scans and evaluates every project. Projects with
// a local path are scanned in place; SSH-only projects are scanned
// through a deployed worker when a worker binary is configured.
func runComplianceChecks(cmd *cobra.Command, def *suite.Definition, extraPolicies []string, workerBin string) ([]projectCheck, error) {
	ctx := cmd.Context()

	complianceEngine, err := compliance.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}

	policyPaths := extraPolicies
	if def.Compliance != nil {
		policyPaths = append(policyPaths, def.Compliance.PolicyPaths...)
	}
	if len(policyPaths) > 0 {
		if err := complianceEngine.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}

	scanner := compliance.NewScanner(log.Logger)
	var remoteScanner *compliance.RemoteScanner
	if workerBin != "" {
		remoteScanner = compliance.NewRemoteScanner(workerBin, nil, log.Logger)
	}

	checks := make([]projectCheck, 0, len(def.Projects))
	for _, project := range def.Projects {
		report, err := scanProject(ctx, scanner, remoteScanner, project)
		if err != nil {
			return nil, err
		}
		if report == nil {
			continue
		}

		result, err := complianceEngine.EvaluateScan(ctx, report)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate project %s: %w", project.ID, err)
		}

		checks = append(checks, projectCheck{
			ProjectID: project.ID,
			Allowed:   result.Allowed,
			Report:    result,
			Scan:      report,
		})
	}

	return checks, nil
}

// scanProject picks the local or remote scan path for a project. A
// path that exists locally is always scanned in place, even for
// projects that also declare a remote; the remote scanner only covers
// paths that live on the remote host. A nil report with nil error
// means the project has nothing to scan.
func scanProject(ctx context.Context, scanner *compliance.Scanner, remoteScanner *compliance.RemoteScanner, project suite.ProjectConfig) (*compliance.ScanReport, error) {
	if project.Path != "" {
		if _, err := os.Stat(project.Path); err == nil {
			report, err := scanner.ScanProject(ctx, project.ID, project.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to scan project %s: %w", project.ID, err)
			}
			return report, nil
		}
	}

	if project.Remote != nil && project.Path != "" && remoteScanner != nil {
		target := &engine.RemoteTarget{
			Host:        project.Remote.Host,
			Port:        project.Remote.Port,
			User:        project.Remote.User,
			ArtifactDir: project.Remote.ArtifactDir,
		}
		report, err := remoteScanner.ScanProject(ctx, project.ID, target, project.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to scan remote project %s: %w", project.ID, err)
		}
		return report, nil
	}

	if project.Path == "" || project.Remote != nil {
		log.Debug().Str("project", project.ID).Msg("no scannable path, skipping compliance scan")
		return nil, nil
	}

	report, err := scanner.ScanProject(ctx, project.ID, project.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan project %s: %w", project.ID, err)
	}
	return report, nil
}

// printComplianceResults reports outcomes and returns the blocked count.
func printComplianceResults(checks []projectCheck) int {
	blocked := 0
	for _, check := range checks {
		if !check.Allowed {
			blocked++
		}
	}

	if jsonOutput {
		out, err := json.MarshalIndent(checks, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
		return blocked
	}

	for _, check := range checks {
		verdict := "ok"
		if !check.Allowed {
			verdict = "BLOCKED"
		}
		fmt.Printf("%s: %s (%d violation(s), %d policy(ies) evaluated)\n",
			check.ProjectID, verdict, len(check.Report.Violations), len(check.Report.EvaluatedPolicies))

		for _, v := range check.Report.Violations {
			location := ""
			if v.File != "" {
				location = fmt.Sprintf(" [%s:%d]", v.File, v.Line)
			}
			fmt.Printf("  %s %s: %s%s\n", v.Severity, v.Policy, v.Message, location)
		}
		for _, w := range check.Report.Warnings {
			fmt.Fprintf(os.Stderr, "  warning: %s\n", w)
		}
	}

	return blocked
}
