package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/logging"
	"github.com/storyforge/storyforge/internal/offline/daemon"
	"github.com/storyforge/storyforge/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the offline core in the foreground.

The daemon:
  1. Migrates the legacy project list into the store (first start only)
  2. Probes the network if network.probe_url is set
  3. Drains the action queue whenever the network is reachable
  4. Imports legacy exports dropped into inbox.dir, if set
  5. Serves the live dashboard if dashboard.enabled is true

Work queued by other sf commands while the daemon runs is picked up within
sync.poll_interval; only the daemon's own process is notified at once.

Stop it with Ctrl+C; work in flight is retried on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		if port, _ := cmd.Flags().GetInt("dashboard"); port > 0 {
			cfg.Dashboard.Enabled = true
			cfg.Dashboard.Port = port
		}

		logs, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer logs.Close()

		d, err := daemon.New(cfg, daemon.Options{LoggerFor: logs.Logger})
		if err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}

		fmt.Printf("%s Starting storyforge daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", cfg.DBPath)
		if cfg.Network.ProbeURL != "" {
			fmt.Printf("   Probe: %s every %v\n", cfg.Network.ProbeURL, cfg.Network.ProbeInterval)
		}
		if cfg.Inbox.Dir != "" {
			fmt.Printf("   Inbox: %s\n", cfg.Inbox.Dir)
		}
		if cfg.Dashboard.Enabled {
			fmt.Printf("   Dashboard: http://%s:%d\n", cfg.Dashboard.Host, cfg.Dashboard.Port)
		}
		if cfg.Log.File != "" {
			fmt.Printf("   Log: %s\n", cfg.Log.File)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// SIGHUP starts a new log file.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				_ = logs.Rotate()
			}
		}()

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	runCmd.Flags().Int("dashboard", 0, "Enable the dashboard on this port (overrides config)")
	rootCmd.AddCommand(runCmd)
}
