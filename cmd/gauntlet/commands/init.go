package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const exampleSuite = `// Gauntlet verification suite.
suite: {
	name:        "example"
	description: "Starter suite: adapt projects and scenarios to your ecosystem."
}

projects: {
	doc_hub: {
		id:   "doc_hub"
		name: "Documentation Hub"
		path: "../doc-hub"
	}
}

scenarios: {
	smoke: {
		id:      "smoke"
		project: "doc_hub"
		steps: [
			{
				id:   "unit_tests"
				kind: "exec"
				params: {
					command: "pytest"
					args: ["-q"]
					capture_out: true
				}
			},
			{
				id:       "broken_import_must_fail"
				kind:     "exec"
				honeypot: true
				params: {
					command: "python"
					args: ["-c", "import doc_hub.nonexistent"]
				}
			},
		]
	}
}

execution: {
	max_parallel:    4
	default_timeout: "60s"
}

compliance: {
	enabled: true
	mode:    "advisory"
}
`

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a Gauntlet workspace",
		Long: `Initialize a new Gauntlet workspace: a starter suite definition,
directories for Rego policies and WASM plugins, and the run database.`,
		Example: `  # Initialize in the current directory
  gauntlet init

  # Initialize a named workspace
  gauntlet init ./verification`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) > 0 {
				root = args[0]
			}

			log.Info().Str("dir", root).Msg("Initializing workspace")

			dirs := []string{
				root,
				filepath.Join(root, "policies"),
				filepath.Join(root, "plugins"),
				filepath.Join(root, dataDir),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			suiteFile := filepath.Join(root, "suite.cue")
			if _, err := os.Stat(suiteFile); err == nil {
				fmt.Printf("✓ Suite definition already exists: %s\n", suiteFile)
			} else {
				if err := os.WriteFile(suiteFile, []byte(exampleSuite), 0644); err != nil {
					return fmt.Errorf("failed to write suite definition: %w", err)
				}
				fmt.Printf("✓ Created suite definition: %s\n", suiteFile)
			}

			dbPath := filepath.Join(root, dataDir, "gauntlet.db")
			store, err := openStore(cmd.Context(), dbPath, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized run database: %s\n", dbPath)

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Edit %s to describe your projects and scenarios\n", suiteFile)
			fmt.Printf("  2. Validate the suite:\n")
			fmt.Printf("     gauntlet validate %s\n\n", root)
			fmt.Printf("  3. Run it:\n")
			fmt.Printf("     gauntlet run %s --db %s\n\n", root, dbPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "data directory name inside the workspace")

	return cmd
}
