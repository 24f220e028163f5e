package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/offline/authoring"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "core",
	Short:   "Create, inspect and delete projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a project and queue its storyboard",
	Long: `Create a project. When source text is given a generate_scenes action is
queued in the same transaction, so the storyboard is produced on the next
sync even if the network is down now.

Examples:
  sf project create "Harbour" --text "Boats at dawn..." --style watercolor
  sf project create "Novel" --text-file chapter1.txt --scenes 12`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		text, _ := cmd.Flags().GetString("text")
		textFile, _ := cmd.Flags().GetString("text-file")
		style, _ := cmd.Flags().GetString("style")
		scenes, _ := cmd.Flags().GetInt("scenes")
		noScenes, _ := cmd.Flags().GetBool("no-scenes")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if textFile != "" {
			data, err := os.ReadFile(textFile)
			if err != nil {
				fatalf("reading %s: %v", textFile, err)
			}
			text = string(data)
		}

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		svc := authoring.NewService(store)
		p, action, err := svc.CreateProject(commandContext(cmd), authoring.NewProject{
			Title:      args[0],
			SourceText: text,
			Style:      style,
			SceneCount: scenes,
			SkipScenes: noScenes,
		})
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{"project": p, "action": action})
			return
		}
		fmt.Printf("%s Created project %s\n", ui.RenderPass("✓"), ui.RenderBold(p.ID))
		if action != nil {
			fmt.Printf("   Queued %s (%s)\n", action.Type, action.ID)
		}
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		filter := db.ProjectFilter{Status: schema.ProjectStatus(status), Limit: limit}
		if status != "" && !filter.Status.Valid() {
			fatalf("unknown status %q", status)
		}

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		projects, err := store.ListProjects(commandContext(cmd), filter)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(projects)
			return
		}
		if len(projects) == 0 {
			fmt.Println("No projects")
			return
		}

		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []string{
				p.ID,
				ui.Truncate(p.Title, 40),
				ui.RenderStatus(string(p.Status)),
				fmt.Sprintf("%.0f%%", p.Progress*100),
				p.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Println(ui.RenderTable([]string{"ID", "TITLE", "STATUS", "PROGRESS", "UPDATED"}, rows))
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a project, its scenes and its queued work",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := commandContext(cmd)

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		p, err := store.GetProject(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		scenes, err := store.ListScenes(ctx, p.ID)
		if err != nil {
			fatalf("%v", err)
		}
		actions, err := store.ListActions(ctx, db.ActionFilter{ProjectID: p.ID})
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{"project": p, "scenes": scenes, "actions": actions})
			return
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderAccent("📖"), ui.RenderBold(p.Title))
		fmt.Printf("ID:       %s\n", p.ID)
		fmt.Printf("Status:   %s\n", ui.RenderStatus(string(p.Status)))
		fmt.Printf("Progress: %s\n", ui.RenderProgress(p.Progress, 20))
		if p.Style != "" {
			fmt.Printf("Style:    %s\n", p.Style)
		}
		if p.VideoURL != nil {
			fmt.Printf("Video:    %s\n", *p.VideoURL)
		}
		fmt.Printf("Updated:  %s\n", p.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

		if len(scenes) > 0 {
			rows := make([][]string, 0, len(scenes))
			for _, s := range scenes {
				image := ui.RenderMuted("none")
				if s.Image != nil {
					image = ui.RenderPass("yes")
				}
				rows = append(rows, []string{fmt.Sprint(s.Position + 1), s.ID, ui.Truncate(s.Text, 50), image})
			}
			fmt.Println()
			fmt.Println(ui.RenderTable([]string{"#", "SCENE", "TEXT", "IMAGE"}, rows))
		}

		if len(actions) > 0 {
			fmt.Println()
			fmt.Println(renderActions(actions))
		}
		fmt.Println()
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a project and its scenes",
	Long: `Delete a project and all of its scenes. Queued actions for the project
stay in the queue and complete without effect.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		if err := authoring.NewService(store).DeleteProject(commandContext(cmd), args[0]); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Deleted project %s\n", ui.RenderPass("✓"), args[0])
	},
}

var projectScenesCmd = &cobra.Command{
	Use:   "scenes <id>",
	Short: "Queue (re)generation of a project's storyboard",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt("count")

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		action, err := authoring.NewService(store).RequestScenes(commandContext(cmd), args[0], count)
		if err != nil {
			fatalf("%v", err)
		}
		printQueued(action)
	},
}

var projectVideoCmd = &cobra.Command{
	Use:   "video <id>",
	Short: "Queue rendering of a project's video",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		action, err := authoring.NewService(store).RequestVideo(commandContext(cmd), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		printQueued(action)
	},
}

func init() {
	projectCreateCmd.Flags().String("text", "", "Source text")
	projectCreateCmd.Flags().String("text-file", "", "Read source text from a file")
	projectCreateCmd.Flags().String("style", "", "Visual style, e.g. watercolor")
	projectCreateCmd.Flags().Int("scenes", 0, "Requested number of scenes (0 lets the service decide)")
	projectCreateCmd.Flags().Bool("no-scenes", false, "Do not queue storyboard generation")
	projectCreateCmd.Flags().Bool("json", false, "Output as JSON")

	projectListCmd.Flags().String("status", "", "Filter by status: "+strings.Join(projectStatuses(), ", "))
	projectListCmd.Flags().Int("limit", 0, "Maximum number of projects")
	projectListCmd.Flags().Bool("json", false, "Output as JSON")

	projectShowCmd.Flags().Bool("json", false, "Output as JSON")
	projectScenesCmd.Flags().Int("count", 0, "Requested number of scenes (0 lets the service decide)")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectShowCmd, projectDeleteCmd, projectScenesCmd, projectVideoCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectStatuses() []string {
	return []string{
		string(schema.ProjectDraft),
		string(schema.ProjectStoryboard),
		string(schema.ProjectRendering),
		string(schema.ProjectCompleted),
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encoding output: %v", err)
	}
	fmt.Println(string(data))
}

func printQueued(a *schema.QueuedAction) {
	fmt.Printf("%s Queued %s (%s)\n", ui.RenderPass("✓"), a.Type, a.ID)
}
