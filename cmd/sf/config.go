package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/storyforge/storyforge/internal/config"
	"github.com/storyforge/storyforge/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create and inspect configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	Long: `Write storyforge.yaml with every key at its default value.

The file goes to --config if given, otherwise to the data directory
($STORYFORGE_HOME or ~/.storyforge).`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		cfg := config.Default()
		path := configFile
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName+".yaml")
		}

		if err := config.WriteFile(path, cfg, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				fatalf("%s already exists (use --force to overwrite)", path)
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the config file and STORYFORGE_*
environment variables have been applied. Secrets are masked unless
--secrets is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		secrets, _ := cmd.Flags().GetBool("secrets")

		cfg, used, err := config.Load(configFile)
		if err != nil {
			fatalf("%v", err)
		}
		if !secrets {
			mask(&cfg.Remote.APIKey)
			mask(&cfg.Anthropic.APIKey)
			mask(&cfg.Assets.SecretKey)
		}

		data, err := config.Marshal(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		if used != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+used))
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# no config file, defaults and environment only"))
		}
		fmt.Print(string(data))
	},
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().Bool("secrets", false, "Show secrets in clear")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
