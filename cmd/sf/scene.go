package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/offline/authoring"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/ui"
)

var sceneCmd = &cobra.Command{
	Use:     "scene",
	GroupID: "core",
	Short:   "Edit scenes and request scene images",
}

var sceneEditCmd = &cobra.Command{
	Use:   "edit <scene-id>",
	Short: "Edit a scene",
	Long: `Edit a scene locally and queue the change for sync.

Only the flags given are changed.

Examples:
  sf scene edit 5f0c... --text "The gull takes off."
  sf scene edit 5f0c... --prompt "gull in flight, dawn light" --duration 4.5`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var patch schema.ScenePatch
		flags := cmd.Flags()
		if flags.Changed("text") {
			v, _ := flags.GetString("text")
			patch.Text = &v
		}
		if flags.Changed("prompt") {
			v, _ := flags.GetString("prompt")
			patch.ImagePrompt = &v
		}
		if flags.Changed("duration") {
			v, _ := flags.GetFloat64("duration")
			patch.Duration = &v
		}
		if flags.Changed("position") {
			v, _ := flags.GetInt("position")
			patch.Position = &v
		}
		if patch.IsEmpty() {
			fatalf("nothing to change: pass --text, --prompt, --duration or --position")
		}

		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		scene, action, err := authoring.NewService(store).EditScene(commandContext(cmd), args[0], patch)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Updated scene %s\n", ui.RenderPass("✓"), scene.ID)
		fmt.Printf("   Queued %s (%s)\n", action.Type, action.ID)
	},
}

var sceneImageCmd = &cobra.Command{
	Use:   "image <scene-id>",
	Short: "Queue image generation for a scene",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		store := mustOpenStore(cfg)
		defer store.Close()

		action, err := authoring.NewService(store).RequestImage(commandContext(cmd), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		printQueued(action)
	},
}

func init() {
	sceneEditCmd.Flags().String("text", "", "Scene text")
	sceneEditCmd.Flags().String("prompt", "", "Image prompt")
	sceneEditCmd.Flags().Float64("duration", 0, "Duration in seconds")
	sceneEditCmd.Flags().Int("position", 0, "0-based position in the storyboard")

	sceneCmd.AddCommand(sceneEditCmd, sceneImageCmd)
	rootCmd.AddCommand(sceneCmd)
}
