package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/netstate"
	"github.com/storyforge/storyforge/internal/offline/daemon"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "core",
	Short:   "Show store, queue and network status",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := commandContext(cmd)

		cfg := mustLoadConfig()
		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'sf run' or 'sf project create' to create %s\n\n", cfg.DBPath)
			return
		}

		store := mustOpenStore(cfg)
		defer store.Close()

		online := true
		if cfg.Network.ProbeURL != "" {
			monitor := netstate.NewMonitor(false)
			online = netstate.NewProber(monitor, netstate.ProberConfig{URL: cfg.Network.ProbeURL}).ProbeOnce(ctx)
		}

		st, err := daemon.CollectStatus(ctx, store, online)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(st)
			return
		}

		network := ui.RenderPass("online")
		if !online {
			network = ui.RenderWarn("offline")
		}
		migration := ui.RenderPass("done")
		if !st.MigrationCompleted {
			migration = ui.RenderWarn("pending")
		}

		fmt.Printf("\n%s storyforge Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Store:     %s\n", st.DBPath)
		fmt.Printf("Network:   %s\n", network)
		fmt.Printf("Migration: %s\n", migration)
		fmt.Printf("Projects:  %d", st.Projects)
		for _, s := range projectStatuses() {
			if n := st.ProjectsByStatus[schema.ProjectStatus(s)]; n > 0 {
				fmt.Printf("  %s %d", ui.RenderStatus(s), n)
			}
		}
		fmt.Println()
		fmt.Printf("Queue:     %d pending, %d processing, %d completed, %s failed\n",
			st.Queue.Pending, st.Queue.Processing, st.Queue.Completed, failedCount(st.Queue.Failed))
		printNextDue(ctx, store)
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
