// Command sf is the storyforge offline core: it keeps projects in a local
// store, queues generation work and syncs it when the network allows.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/config"
	"github.com/storyforge/storyforge/internal/offline/db"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "storyforge offline authoring core",
	Long: `storyforge keeps story projects, their scenes and pending generation work
in a local SQLite store and syncs queued work with the generation services
whenever the network is reachable.

Start the background process with 'sf run'. Every other command works on
the local store directly, online or not.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: storyforge.yaml in $STORYFORGE_HOME, ~/.storyforge or .)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// mustLoadConfig loads configuration or exits.
func mustLoadConfig() *config.Config {
	cfg, _, err := config.Load(configFile)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// mustOpenStore opens the configured store or exits. The caller closes it.
func mustOpenStore(cfg *config.Config) *db.DB {
	store, err := openStore(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	return store
}

// openStore is mustOpenStore for commands that return their error, so that
// deferred cleanup such as closing the log file still runs.
func openStore(cfg *config.Config) (*db.DB, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
