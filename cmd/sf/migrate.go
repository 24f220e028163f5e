package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/logging"
	"github.com/storyforge/storyforge/internal/offline/migrate"
	"github.com/storyforge/storyforge/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Migrate the legacy project list into the store",
	Long: `Promote the legacy flat project list (legacy.path) into the store.

The migration runs once: afterwards a flag in the store makes it a no-op.
'sf run' performs it automatically on start. Projects already in the store
are skipped, so an interrupted migration can simply be run again.

Work implied by the legacy state (missing storyboards, images or videos) is
queued for the next sync.

Examples:
  sf migrate --dry-run      # Count what would be migrated
  sf migrate --backup       # Copy the legacy file first
  sf migrate --file old.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		file, _ := cmd.Flags().GetString("file")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cfg := mustLoadConfig()
		if file != "" {
			cfg.Legacy.Path = file
		}
		if !cmd.Flags().Changed("backup") {
			backup = cfg.Legacy.Backup
		}

		logs, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer logs.Close()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		m := migrate.NewManager(store, cfg.Legacy.Path, logs.Logger("migrate"))
		result, err := m.Run(commandContext(cmd), migrate.Options{DryRun: dryRun, Backup: backup})

		if jsonOutput && result != nil {
			printJSON(result)
		}
		var merr *migrate.Error
		if errors.As(err, &merr) {
			fmt.Fprintf(os.Stderr, "%s Fix the listed projects and run 'sf migrate' again\n", ui.RenderFail("✗"))
			return fmt.Errorf("migration incomplete: %w", merr)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}

		if result.AlreadyCompleted {
			fmt.Printf("%s Legacy migration already completed\n", ui.RenderPass("✓"))
			return nil
		}
		verb := "Migrated"
		if dryRun {
			verb = "Would migrate"
		}
		fmt.Printf("%s %s %d of %d legacy project(s) from %s\n",
			ui.RenderPass("✓"), verb, result.ProjectsMigrated, result.ProjectsFound, m.Path())
		fmt.Printf("   Already present: %d\n", result.ProjectsExisting)
		fmt.Printf("   Scenes: %d\n", result.ScenesMigrated)
		fmt.Printf("   Queued actions: %d\n", result.ActionsEnqueued)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Count what would be migrated without writing")
	migrateCmd.Flags().Bool("backup", false, "Copy the legacy file before migrating (default: legacy.backup)")
	migrateCmd.Flags().String("file", "", "Legacy file (default: legacy.path)")
	migrateCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(migrateCmd)
}
