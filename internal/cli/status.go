package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/escalation"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/task"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kafcoord %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize agents, tasks, conflicts and escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
			out := cmd.OutOrStdout()
			printHeader(out, "📊 KafCoord Status")
			fmt.Fprintf(out, "Version:     %s\n", version)
			fmt.Fprintf(out, "Database:    %s\n", activeConfig.Paths.Database)
			fmt.Fprintf(out, "Agents:      %d (%d active, %d offline)\n",
				len(c.Registry.List()),
				len(c.Registry.FindByStatus(registry.StatusActive)),
				len(c.Registry.FindByStatus(registry.StatusOffline)))

			live := 0
			tasks := c.Tasks.List(task.Filter{})
			for _, t := range tasks {
				if !t.State.Terminal() {
					live++
				}
			}
			fmt.Fprintf(out, "Tasks:       %d (%d live)\n", len(tasks), live)
			fmt.Fprintf(out, "Conflicts:   %d unresolved\n", len(c.Conflicts.List(conflict.StateUnresolved)))
			fmt.Fprintf(out, "Escalations: %d pending\n", len(c.Escalations.List(escalation.StatusPending)))
			w := c.Decisions.Weights()
			fmt.Fprintf(out, "Decisions:   %d tracked (weights v%d)\n", len(c.Decisions.List()), w.Version)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, statusCmd)
}
