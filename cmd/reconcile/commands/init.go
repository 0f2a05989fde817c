package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a reconcile workspace",
		Long: `Initialize a workspace with a settings file, the collection and
variables directories, and the deployment history database.

Paths in the generated settings file are relative to the file itself.`,
		Example: `  # Initialize in the current directory
  reconcile init

  # Initialize with a custom settings path
  reconcile init --config /etc/reconcile/reconcile.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settingsPath()
			out := cmd.OutOrStdout()

			log.Info().
				Str("config", path).
				Bool("force", force).
				Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("settings file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check settings file: %w", err)
			}

			// Step 1: Write the settings file
			settings := config.DefaultSettings()
			if err := settings.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created settings file: %s\n", path)

			// Step 2: Create directory structure
			base := filepath.Dir(path)
			dirs := append([]string{settings.Variables.Path}, settings.Collections.Paths...)
			for _, dir := range dirs {
				dir = filepath.Join(base, dir)
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			// Step 3: Initialize the database
			db := settings.Database
			db.Path = filepath.Join(base, db.Path)
			store, err := openStore(cmd.Context(), db)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized database: %s\n", db.Path)

			fmt.Fprintf(out, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Declare operations in %s\n", filepath.Join(base, settings.Collections.Paths[0]))
			fmt.Fprintf(out, "  2. Add variables under %s/<service>/\n", filepath.Join(base, settings.Variables.Path))
			fmt.Fprintf(out, "  3. Review the plan:\n")
			fmt.Fprintf(out, "     reconcile plan\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	return cmd
}
