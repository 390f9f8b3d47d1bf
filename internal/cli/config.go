package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage KafCoord configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *activeConfig
		if cfg.Escalation.SlackToken != "" {
			cfg.Escalation.SlackToken = "***"
		}
		return printJSON(cmd.OutOrStdout(), cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvedConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path, err := resolvedConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveTo(path, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
		return nil
	},
}

func resolvedConfigPath() (string, error) {
	if p := strings.TrimSpace(configFile); p != "" {
		return p, nil
	}
	return config.ConfigPath()
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
