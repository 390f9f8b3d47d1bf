package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/coreerr"
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Detect and resolve competing claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE:  runConflictList,
}

var conflictDetectCmd = &cobra.Command{
	Use:   "detect <entity-id> <entity-id> [entity-id...]",
	Short: "Record a conflict between two or more entities",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runConflictDetect,
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a detected conflict with a strategy",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictResolve,
}

func init() {
	conflictCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")

	conflictListCmd.Flags().String("state", "", "Filter by state: detected, resolving, resolved, unresolved")
	conflictDetectCmd.Flags().String("type", string(conflict.TypeResource), "Conflict type")
	conflictDetectCmd.Flags().String("description", "", "What is contested")

	conflictResolveCmd.Flags().String("as", "", "Calling agent ID")
	conflictResolveCmd.Flags().String("strategy", string(conflict.StrategyPriority), "Strategy: priority, authority, consensus, first, last, merge, cancel, delegate")
	conflictResolveCmd.Flags().StringArray("vote", nil, "Consensus vote voter=entity (repeatable)")
	conflictResolveCmd.Flags().StringArray("voter", nil, "Consensus electorate (repeatable; default: the agents involved)")
	conflictResolveCmd.Flags().Float64("threshold", 0, "Share of voters the winner must exceed (default from config)")

	conflictCmd.AddCommand(conflictListCmd, conflictDetectCmd, conflictResolveCmd)
	rootCmd.AddCommand(conflictCmd)
}

func runConflictList(cmd *cobra.Command, args []string) error {
	state, _ := cmd.Flags().GetString("state")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		items := c.Conflicts.List(conflict.State(state))
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No conflicts.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tENTITIES\tWINNERS")
		for _, cf := range items {
			winners := ""
			if cf.Outcome != nil {
				winners = strings.Join(cf.Outcome.Winners, ",")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cf.ID, cf.Type, statusColor(string(cf.State)), strings.Join(cf.Entities, ","), winners)
		}
		return tw.Flush()
	})
}

func runConflictDetect(cmd *cobra.Command, args []string) error {
	ctype, _ := cmd.Flags().GetString("type")
	desc, _ := cmd.Flags().GetString("description")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		id, err := c.Conflicts.Detect(ctx, conflict.Type(strings.ToLower(ctype)), args, desc)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runConflictResolve(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	strategy, _ := cmd.Flags().GetString("strategy")
	rawVotes, _ := cmd.Flags().GetStringArray("vote")
	voters, _ := cmd.Flags().GetStringArray("voter")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	votes, err := parseKV(rawVotes)
	if err != nil {
		return err
	}
	params := conflict.Params{Votes: votes, Voters: voters, Threshold: threshold}

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		outcome, err := c.ResolveConflict(ctx, caller, args[0], conflict.Strategy(strings.ToLower(strategy)), params)
		if err != nil && !errors.Is(err, coreerr.ErrConflictUnresolved) {
			return err
		}
		if perr := printJSON(cmd.OutOrStdout(), outcome); perr != nil {
			return perr
		}
		return err
	})
}
