package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafCoord/internal/aggregate"
	"github.com/KafClaw/KafCoord/internal/coordinator"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/task"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Delegate and track tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a task and delegate it to an agent",
		RunE:  runTaskCreate,
	}

	taskStatusCmd = &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskStatus,
	}

	taskResultCmd = &cobra.Command{
		Use:   "result <task-id>",
		Short: "Show a completed task's result",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskResult,
	}

	taskAggregateCmd = &cobra.Command{
		Use:   "aggregate <task-id>",
		Short: "Combine the results of a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskAggregate,
	}

	taskCompleteCmd = &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Report completion on behalf of the assigned agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskComplete,
	}

	taskFailCmd = &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Report failure on behalf of the assigned agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskFail,
	}

	taskCancelCmd = &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its live subtasks",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCancel,
	}

	taskRetryCmd = &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reassign a failed task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskRetry,
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}
)

func init() {
	taskCmd.PersistentFlags().String("as", "", "Calling agent ID")
	taskCmd.PersistentFlags().Bool("json", false, "Output machine-readable JSON")

	taskCreateCmd.Flags().String("type", "", "Task type")
	taskCreateCmd.Flags().String("target", "", "Target agent ID")
	taskCreateCmd.Flags().String("capability", "", "Required capability as name or name:tag1,tag2")
	taskCreateCmd.Flags().String("priority", string(task.PriorityNormal), "Priority: low, normal, high, critical")
	taskCreateCmd.Flags().Duration("timeout", 0, "Deadline relative to now")
	taskCreateCmd.Flags().String("params", "", "Task parameters as a JSON object")
	taskCreateCmd.Flags().StringArray("resource", nil, "Exclusive resource claim (repeatable)")
	taskCreateCmd.Flags().StringArray("expect", nil, "Expected result field (repeatable)")
	taskCreateCmd.Flags().Int("max-retries", 0, "Retry budget (default from config)")
	taskCreateCmd.Flags().Bool("decision", false, "Run the decision pipeline when the task completes")

	taskAggregateCmd.Flags().String("strategy", "", "collect, majority, weighted, first or last (default from config)")

	taskCompleteCmd.Flags().String("payload", "{}", "Result payload as a JSON object")
	taskCompleteCmd.Flags().Float64("confidence", 1, "Result confidence in [0,1]")
	taskFailCmd.Flags().String("reason", "", "Failure reason")
	taskCancelCmd.Flags().String("reason", "cancelled from cli", "Cancellation reason")

	taskListCmd.Flags().String("state", "", "Filter by state")
	taskListCmd.Flags().String("agent", "", "Filter by assigned agent")
	taskListCmd.Flags().String("parent", "", "Filter by parent task")

	taskCmd.AddCommand(taskCreateCmd, taskStatusCmd, taskResultCmd, taskAggregateCmd, taskCompleteCmd, taskFailCmd, taskCancelCmd, taskRetryCmd, taskListCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	caller, err := requireFlag(cmd, "as")
	if err != nil {
		return err
	}
	taskType, err := requireFlag(cmd, "type")
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	capRaw, _ := cmd.Flags().GetString("capability")
	priority, _ := cmd.Flags().GetString("priority")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	paramsRaw, _ := cmd.Flags().GetString("params")
	resources, _ := cmd.Flags().GetStringArray("resource")
	expect, _ := cmd.Flags().GetStringArray("expect")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	decisionPoint, _ := cmd.Flags().GetBool("decision")

	params, err := parseObject(paramsRaw, "params")
	if err != nil {
		return err
	}
	spec := task.Spec{
		Type:           taskType,
		Params:         params,
		TargetAgent:    strings.TrimSpace(target),
		Priority:       task.Priority(strings.ToLower(priority)),
		Timeout:        timeout,
		Resources:      resources,
		ExpectedOutput: expect,
		MaxRetries:     maxRetries,
		DecisionPoint:  decisionPoint,
	}
	if capRaw != "" {
		c, err := parseCapability(capRaw)
		if err != nil {
			return err
		}
		spec.RequiredCapability = c
	}
	if spec.TargetAgent == "" && spec.RequiredCapability.Name == "" {
		return fmt.Errorf("one of --target or --capability is required")
	}

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		id, err := c.DelegateTask(ctx, caller, spec)
		if err != nil && !(id != "" && errors.Is(err, coreerr.ErrNoMatchingAgent)) {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, id)
		if err != nil {
			fmt.Fprintf(out, "Task is waiting for an agent: %v\n", err)
		}
		return nil
	})
}

func callerFlag(cmd *cobra.Command) (string, error) {
	return requireFlag(cmd, "as")
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if _, err := c.GetTaskStatus(caller, args[0]); err != nil {
			return err
		}
		t, err := c.Tasks.Get(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, t)
		}
		printTask(out, t)
		return nil
	})
}

func printTask(w io.Writer, t task.Task) {
	fmt.Fprintf(w, "Task:     %s (%s)\n", t.ID, t.Type)
	fmt.Fprintf(w, "State:    %s\n", statusColor(string(t.State)))
	fmt.Fprintf(w, "Priority: %s\n", t.Priority)
	if t.RequiredCapability.Name != "" {
		fmt.Fprintf(w, "Requires: %s\n", capabilityLabel(t.RequiredCapability))
	}
	if t.AssignedAgent != "" {
		fmt.Fprintf(w, "Agent:    %s\n", t.AssignedAgent)
	}
	if t.Deadline != nil {
		fmt.Fprintf(w, "Deadline: %s\n", t.Deadline.Format(time.RFC3339))
	}
	if t.ParentID != "" {
		fmt.Fprintf(w, "Parent:   %s\n", t.ParentID)
	}
	if len(t.Subtasks) > 0 {
		fmt.Fprintf(w, "Subtasks: %s\n", strings.Join(t.Subtasks, ", "))
	}
	if t.FailureReason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", t.FailureReason)
	}
}

func runTaskResult(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		res, err := c.GetTaskResult(caller, args[0])
		if err != nil {
			return err
		}
		if res == nil {
			state, _ := c.Tasks.GetStatus(args[0])
			return fmt.Errorf("task %s has no result yet (state %s)", args[0], state)
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runTaskAggregate(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	strategy, _ := cmd.Flags().GetString("strategy")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if strategy != "" {
			if err := c.Aggregator.RegisterTask(args[0], aggregate.Strategy(strings.ToLower(strategy))); err != nil {
				return err
			}
		}
		agg, err := c.AggregateResults(ctx, caller, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), agg)
	})
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	raw, _ := cmd.Flags().GetString("payload")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	payload, err := parseObject(raw, "payload")
	if err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.ReportCompletion(ctx, caller, args[0], task.Result{Payload: payload, Confidence: confidence}); err != nil {
			return err
		}
		state, err := c.Tasks.GetStatus(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(string(state)))
		return nil
	})
}

func runTaskFail(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	reason, err := requireFlag(cmd, "reason")
	if err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.ReportFailure(ctx, caller, args[0], reason); err != nil {
			return err
		}
		state, _ := c.Tasks.GetStatus(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(string(state)))
		return nil
	})
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	caller, err := callerFlag(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		if err := c.CancelTask(ctx, caller, args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(string(task.StateCancelled)))
		return nil
	})
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	if _, err := callerFlag(cmd); err != nil {
		return err
	}
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		agentID, err := c.Tasks.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reassigned to %s\n", args[0], agentID)
		return nil
	})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	state, _ := cmd.Flags().GetString("state")
	agentID, _ := cmd.Flags().GetString("agent")
	parent, _ := cmd.Flags().GetString("parent")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) error {
		tasks := c.Tasks.List(task.Filter{State: task.State(state), AgentID: agentID, ParentID: parent})
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tPRIORITY\tAGENT")
		for _, t := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, statusColor(string(t.State)), t.Priority, t.AssignedAgent)
		}
		return tw.Flush()
	})
}

// capabilityLabel renders a requirement for humans.
func capabilityLabel(c registry.Capability) string {
	if len(c.Tags) == 0 {
		return c.Name
	}
	return c.Name + ":" + strings.Join(c.Tags, ",")
}
