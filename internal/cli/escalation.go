package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/escalation"
)

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Review conflicts and decisions handed to humans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var escalationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	RunE:  runEscalationList,
}

var escalationResolveCmd = &cobra.Command{
	Use:   "resolve <escalation-id>",
	Short: "Record a resolution for a pending escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationResolve,
}

func init() {
	escalationListCmd.Flags().String("status", string(escalation.StatusPending), "Filter by status (empty for all)")
	escalationListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	escalationResolveCmd.Flags().String("resolution", "", "What was decided")
	escalationResolveCmd.Flags().String("responder", "cli", "Who decided")

	escalationCmd.AddCommand(escalationListCmd, escalationResolveCmd)
	rootCmd.AddCommand(escalationCmd)
}

func runEscalationList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		items := c.Escalations.List(escalation.Status(status))
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No escalations.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tSUBJECT\tSTATUS\tCREATED\tSUMMARY")
		for _, e := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.SubjectID, statusColor(string(e.Status)), e.CreatedAt.Format(time.RFC3339), e.Summary)
		}
		return tw.Flush()
	})
}

func runEscalationResolve(cmd *cobra.Command, args []string) error {
	resolution, err := requireFlag(cmd, "resolution")
	if err != nil {
		return err
	}
	responder, _ := cmd.Flags().GetString("responder")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.Escalations.Respond(ctx, args[0], resolution, responder); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(string(escalation.StatusResolved)))
		return nil
	})
}
