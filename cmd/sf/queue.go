package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/logging"
	"github.com/storyforge/storyforge/internal/netstate"
	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/authoring"
	"github.com/storyforge/storyforge/internal/offline/daemon"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/engine"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage the action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in order",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		typ, _ := cmd.Flags().GetString("type")
		projectID, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		filter := db.ActionFilter{
			Status:    schema.ActionStatus(status),
			Type:      schema.ActionType(typ),
			ProjectID: projectID,
			Limit:     limit,
		}
		if status != "" && !filter.Status.Valid() {
			fatalf("unknown status %q", status)
		}
		if typ != "" && !filter.Type.Valid() {
			fatalf("unknown action type %q", typ)
		}

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		actions, err := store.ListActions(commandContext(cmd), filter)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(actions)
			return
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty")
			return
		}
		fmt.Println(renderActions(actions))
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Requeue a failed action",
	Long: `Move a failed action back to pending with its retry count reset. It keeps
its original place in the queue.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		a, err := authoring.NewService(store).RetryAction(commandContext(cmd), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Requeued %s (%s)\n", ui.RenderPass("✓"), a.Type, a.ID)
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete old completed actions",
	Long: `Delete completed actions last updated before the retention window
(sync.retention unless --older-than is given). Failed actions are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		olderThan := cfg.Sync.Retention
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}

		store := mustOpenStore(cfg)
		defer store.Close()

		n, err := store.SweepCompleted(commandContext(cmd), time.Now().Add(-olderThan))
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Swept %d completed action(s) older than %v\n", ui.RenderPass("✓"), n, olderThan)
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every due action once, then exit",
	Long: `Run the sync engine until no action is due, without starting the daemon.

Do not run this while 'sf run' is active on the same store. --recover
first returns actions left processing by a crashed daemon to pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		recoverInterrupted, _ := cmd.Flags().GetBool("recover")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cfg := mustLoadConfig()
		logs, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		defer logs.Close()

		rem, err := daemon.BuildRemote(cfg)
		if err != nil {
			return err
		}
		mirror, err := daemon.BuildMirror(cfg, logs.Logger("assets"))
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		monitor := netstate.NewMonitor(true)
		if cfg.Network.ProbeURL != "" {
			prober := netstate.NewProber(monitor, netstate.ProberConfig{
				URL:    cfg.Network.ProbeURL,
				Logger: logs.Logger("netstate"),
			})
			if !prober.ProbeOnce(ctx) {
				fmt.Printf("%s Offline: %s is unreachable, nothing dispatched\n", ui.RenderWarn("⚠"), cfg.Network.ProbeURL)
				return nil
			}
		}

		if recoverInterrupted {
			n, err := store.RequeueInterrupted(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("   Recovered %d interrupted action(s)\n", n)
			}
		}

		notifier := notify.NewLogger(logs.Logger("notify"))
		eng := engine.NewWithConfig(store, rem, monitor, notifier, daemon.EngineConfig(cfg, mirror, logs.Logger("engine")))

		start := time.Now()
		res, err := eng.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if jsonOutput {
			printJSON(res)
			return nil
		}
		fmt.Printf("%s Drained %d action(s) in %v\n", ui.RenderPass("✓"), res.Processed, time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Completed: %d\n", res.Completed)
		fmt.Printf("   Retrying:  %d\n", res.Retried)
		fmt.Printf("   Failed:    %d\n", res.Failed)
		printNextDue(ctx, store)
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show action counts by status",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := commandContext(cmd)

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		stats, err := store.QueueStats(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(stats)
			return
		}
		fmt.Printf("\n%s Action Queue\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Pending:    %d\n", stats.Pending)
		fmt.Printf("Processing: %d\n", stats.Processing)
		fmt.Printf("Completed:  %d\n", stats.Completed)
		fmt.Printf("Failed:     %s\n", failedCount(stats.Failed))
		printNextDue(ctx, store)
		fmt.Println()
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "Filter by status: pending, processing, completed, failed")
	queueListCmd.Flags().String("type", "", "Filter by action type")
	queueListCmd.Flags().String("project", "", "Filter by project id")
	queueListCmd.Flags().Int("limit", 0, "Maximum number of actions")
	queueListCmd.Flags().Bool("json", false, "Output as JSON")

	queueSweepCmd.Flags().Duration("older-than", 0, "Retention window (default: sync.retention)")

	queueDrainCmd.Flags().Bool("recover", false, "Requeue actions left processing by a crashed daemon first")
	queueDrainCmd.Flags().Bool("json", false, "Output as JSON")

	queueStatsCmd.Flags().Bool("json", false, "Output as JSON")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueSweepCmd, queueDrainCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}

func renderActions(actions []*schema.QueuedAction) string {
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		lastError := ""
		if a.LastError != nil {
			lastError = ui.Truncate(*a.LastError, 40)
		}
		rows = append(rows, []string{
			fmt.Sprint(a.Seq),
			a.ID,
			string(a.Type),
			ui.RenderStatus(string(a.Status)),
			fmt.Sprint(a.RetryCount),
			lastError,
		})
	}
	return ui.RenderTable([]string{"SEQ", "ID", "TYPE", "STATUS", "RETRIES", "LAST ERROR"}, rows)
}

func failedCount(n int) string {
	if n == 0 {
		return "0"
	}
	return ui.RenderFail(fmt.Sprint(n)) + ui.RenderMuted("  (sf queue retry <id>)")
}

func printNextDue(ctx context.Context, store *db.DB) {
	due, ok, err := store.NextDue(ctx)
	if err != nil || !ok {
		return
	}
	if wait := time.Until(due); wait > 0 {
		fmt.Printf("   Next attempt in %v\n", wait.Round(time.Second))
	}
}
