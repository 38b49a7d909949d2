package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
	"github.com/gauntlet-dev/gauntlet/pkg/report"
	"github.com/gauntlet-dev/gauntlet/pkg/stores"
)

func newReportCommand() *cobra.Command {
	var (
		dbPath  string
		format  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Render a report for a completed run",
		Long: `Render a persisted run, its unit results, and its findings as a
JSON or Markdown report.`,
		Example: `  # Markdown to stdout
  gauntlet report 6f1c2e3a --format markdown

  # JSON to a file
  gauntlet report 6f1c2e3a --format json --out run.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			store, err := openStore(ctx, dbPath, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			adapter := stores.NewStateAdapter(store, log.Logger)
			run, err := adapter.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to load run %s: %w", runID, err)
			}

			rows, err := store.ListUnitResultsByRun(ctx, runID)
			if err != nil {
				return err
			}
			units := engineUnitsFromRows(rows)

			findingRows, err := store.ListFindings(ctx, stores.FindingFilter{RunID: &runID}, 1000, 0)
			if err != nil {
				return err
			}
			findings := engineFindingsFromRows(findingRows)

			var reporter interface {
				Render(*engine.Run, []engine.CheckUnit, []engine.Finding) ([]byte, error)
			}
			switch format {
			case "json":
				reporter = report.NewJSONReporter()
			case "markdown", "md":
				reporter = report.NewMarkdownReporter()
			default:
				return fmt.Errorf("unsupported report format: %s", format)
			}

			data, err := reporter.Render(run, units, findings)
			if err != nil {
				return err
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, data, 0644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Printf("Wrote %s\n", outFile)
				return nil
			}
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "gauntlet.db", "run database path")
	cmd.Flags().StringVar(&format, "format", "markdown", "report format (json, markdown)")
	cmd.Flags().StringVar(&outFile, "out", "", "write the report to a file instead of stdout")

	return cmd
}
