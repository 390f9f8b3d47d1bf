package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/decision"
)

var decisionCmd = &cobra.Command{
	Use:   "decision",
	Short: "Make, inspect and learn from decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var decisionDecideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Score options and track the resulting decision",
	RunE:  runDecisionDecide,
}

var decisionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked decisions",
	RunE:  runDecisionList,
}

var decisionFeedbackCmd = &cobra.Command{
	Use:   "feedback <decision-id>",
	Short: "Report the observed outcome of a decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecisionFeedback,
}

var decisionLearnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Consume new feedback and update decision weights",
	RunE:  runDecisionLearn,
}

func init() {
	decisionCmd.PersistentFlags().String("as", "", "Calling agent ID")
	decisionCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")

	decisionDecideCmd.Flags().StringArray("option", nil, "Option as name or name=confidence (repeatable)")
	decisionDecideCmd.Flags().String("task", "", "Task the decision is about")

	decisionFeedbackCmd.Flags().String("outcome", decision.OutcomeSuccess, "Outcome: success, partial, failure")
	decisionFeedbackCmd.Flags().Float64("quality", 1, "Outcome quality in [0,1]")

	decisionCmd.AddCommand(decisionDecideCmd, decisionListCmd, decisionFeedbackCmd, decisionLearnCmd)
	rootCmd.AddCommand(decisionCmd)
}

func parseOption(raw string) (decision.Option, error) {
	name, conf, hasConf := strings.Cut(raw, "=")
	o := decision.Option{Name: strings.TrimSpace(name), ResultConfidence: 1}
	if o.Name == "" {
		return o, fmt.Errorf("option %q has no name", raw)
	}
	if hasConf {
		v, err := strconv.ParseFloat(strings.TrimSpace(conf), 64)
		if err != nil {
			return o, fmt.Errorf("option %q: %w", raw, err)
		}
		o.ResultConfidence = v
	}
	return o, nil
}

func runDecisionDecide(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	rawOpts, _ := cmd.Flags().GetStringArray("option")
	taskID, _ := cmd.Flags().GetString("task")
	if len(rawOpts) == 0 {
		return fmt.Errorf("at least one --option is required")
	}
	opts := make([]decision.Option, 0, len(rawOpts))
	for _, raw := range rawOpts {
		o, err := parseOption(raw)
		if err != nil {
			return err
		}
		opts = append(opts, o)
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		d, err := c.Decide(ctx, caller, decision.Context{TaskID: taskID}, opts)
		if d.ID == "" {
			return err
		}
		if perr := printJSON(cmd.OutOrStdout(), d); perr != nil {
			return perr
		}
		return err
	})
}

func runDecisionList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		items := c.Decisions.List()
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(out, "No decisions tracked.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCHOSEN\tCONFIDENCE\tLEVEL\tTASK\tAT")
		for _, d := range items {
			fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\t%s\t%s\n", d.ID, d.Chosen, d.Confidence, statusColor(string(d.Level)), d.Context.TaskID, d.Timestamp.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runDecisionFeedback(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	outcome, _ := cmd.Flags().GetString("outcome")
	quality, _ := cmd.Flags().GetFloat64("quality")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		seq, err := c.RecordFeedback(ctx, caller, args[0], outcome, quality)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Feedback %d recorded for %s\n", seq, args[0])
		return nil
	})
}

func runDecisionLearn(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		report, err := c.Decisions.Learn(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, report)
		}
		w := c.Decisions.Weights()
		fmt.Fprintf(out, "Consumed: %d (skipped %d)\n", report.Consumed, report.Skipped)
		fmt.Fprintf(out, "Weights:  v%d result=%.3f knowledge=%.3f\n", w.Version, w.Result, w.Knowledge)
		return nil
	})
}
