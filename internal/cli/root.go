package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/KafCoord/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _  __       __  ____                     _\n" +
		" | |/ /__ _  / _|/ ___|___   ___  _ __ __| |\n" +
		" | ' // _` || |_| |   / _ \\ / _ \\| '__/ _` |\n" +
		" | . \\ (_| ||  _| |__| (_) | (_) | | | (_| |\n" +
		" |_|\\_\\__,_||_|  \\____\\___/ \\___/|_|  \\__,_|\n"
)

var (
	configFile string
	logLevel   string

	// activeConfig is loaded once per invocation by the root pre-run hook.
	activeConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:               "kafcoord",
	Short:             "KafCoord - multi-agent coordination and decision core",
	Long:              color.CyanString(logo) + "\nRegisters agents, delegates tasks, resolves conflicts, shares knowledge and makes auditable decisions.",
	SilenceUsage:      true,
	PersistentPreRunE: loadActiveConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.kafcoord/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

func loadActiveConfig(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(configFile) != "" {
		cfg, err = config.LoadFrom(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	activeConfig = cfg
	setupLogging(cfg.Log)
	return nil
}

// setupLogging installs the default slog handler. Logs always go to the
// process stderr so command output stays machine-readable.
func setupLogging(lc config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(lc.Level)))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
