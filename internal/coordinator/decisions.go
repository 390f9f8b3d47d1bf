package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/KafClaw/KafCoord/internal/aggregate"
	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/decision"
	"github.com/KafClaw/KafCoord/internal/task"
)

// onResult turns completed decision-point tasks into tracked decisions.
func (c *Coordinator) onResult(ev bus.Event) {
	if dp, _ := ev.Payload["decision_point"].(bool); !dp {
		return
	}
	if _, done := c.decided.Load(ev.EntityID); done {
		return
	}
	d, err := c.DecideFor(context.Background(), ev.EntityID)
	switch {
	case err == nil:
		slog.Info("Decision made for task", "task_id", ev.EntityID, "decision_id", d.ID, "chosen", d.Chosen, "confidence", d.Confidence)
	case errors.Is(err, coreerr.ErrDecisionConstraintViolated):
		slog.Warn("Decision escalated", "task_id", ev.EntityID, "decision_id", d.ID, "error", err)
	default:
		slog.Warn("Decision point skipped", "task_id", ev.EntityID, "error", err)
	}
}

// DecideFor aggregates the results of taskID and runs the decision pipeline
// over the options they carry. The decision is tracked; a constraint
// violation returns the decision together with the error.
func (c *Coordinator) DecideFor(ctx context.Context, taskID string) (decision.Decision, error) {
	t, err := c.Tasks.Get(taskID)
	if err != nil {
		return decision.Decision{}, err
	}
	if err := c.feedResults(ctx, t); err != nil {
		return decision.Decision{}, err
	}
	agg, err := c.Aggregator.Aggregate(ctx, taskID)
	if err != nil {
		return decision.Decision{}, err
	}
	switch agg.State {
	case aggregate.StateAggregated:
	case aggregate.StateConflicted:
		return decision.Decision{}, fmt.Errorf("%w: results for task %s disagree (conflict %s)", coreerr.ErrConflictUnresolved, taskID, agg.ConflictID)
	default:
		return decision.Decision{}, fmt.Errorf("%w: task %s has no results", coreerr.ErrInvalidInput, taskID)
	}

	options := OptionsFrom(agg)
	if len(options) == 0 {
		return decision.Decision{}, fmt.Errorf("%w: results for task %s carry no options", coreerr.ErrInvalidInput, taskID)
	}
	d, err := c.Decisions.Decide(ctx, decision.Context{TaskID: taskID, AgentID: t.AssignedAgent}, options)
	if err != nil {
		return decision.Decision{}, err
	}
	c.decided.Store(taskID, d.ID)
	return d, c.Decisions.Track(ctx, d, c.constraints)
}

// feedResults makes sure the aggregator holds t's results even when the event
// subscriber has not caught up. A parent is fed its subtask results instead
// of its own rolled-up result.
func (c *Coordinator) feedResults(ctx context.Context, t task.Task) error {
	if len(t.Subtasks) == 0 {
		if t.Result == nil {
			return nil
		}
		_, err := c.Aggregator.AddResult(ctx, *t.Result)
		return err
	}
	for _, sid := range t.Subtasks {
		st, err := c.Tasks.Get(sid)
		if err != nil || st.Result == nil {
			continue
		}
		if _, err := c.Aggregator.AddResult(ctx, aggregate.ForParent(*st.Result, t.ID)); err != nil {
			return err
		}
	}
	return nil
}

// AggregateResults combines the results reported for taskID, including those
// of its subtasks.
func (c *Coordinator) AggregateResults(ctx context.Context, callerID, taskID string) (aggregate.Aggregated, error) {
	if _, err := c.caller(callerID); err != nil {
		return aggregate.Aggregated{}, err
	}
	t, err := c.Tasks.Get(taskID)
	if err != nil {
		return aggregate.Aggregated{}, err
	}
	if err := c.feedResults(ctx, t); err != nil {
		return aggregate.Aggregated{}, err
	}
	return c.Aggregator.Aggregate(ctx, taskID)
}

// DecisionForTask returns the id of the decision made for taskID, if any.
func (c *Coordinator) DecisionForTask(taskID string) (string, bool) {
	v, ok := c.decided.Load(taskID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// OptionsFrom reads candidate options from an aggregate. The aggregate
// payload's "options" list wins; otherwise each collected result contributes
// its own "options" or single "choice". Options without a confidence inherit
// the confidence of the result that named them. Repeated names keep the
// highest confidence.
func OptionsFrom(agg aggregate.Aggregated) []decision.Option {
	byName := make(map[string]decision.Option)
	add := func(o decision.Option) {
		if prev, ok := byName[o.Name]; ok && prev.ResultConfidence >= o.ResultConfidence {
			return
		}
		byName[o.Name] = o
	}

	if raw, ok := agg.Payload["options"]; ok {
		for _, o := range parseOptions(raw, agg.Confidence) {
			add(o)
		}
	} else {
		for _, r := range agg.Results {
			if raw, ok := r.Payload["options"]; ok {
				for _, o := range parseOptions(raw, r.Confidence) {
					add(o)
				}
				continue
			}
			if name, ok := r.Payload["choice"].(string); ok && strings.TrimSpace(name) != "" {
				add(decision.Option{Name: strings.TrimSpace(name), ResultConfidence: clamp01(r.Confidence)})
			}
		}
	}

	out := make([]decision.Option, 0, len(byName))
	for _, o := range byName {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func parseOptions(raw any, fallback float64) []decision.Option {
	items, ok := raw.([]any)
	if !ok {
		if names, ok := raw.([]string); ok {
			for _, n := range names {
				items = append(items, n)
			}
		}
	}
	var out []decision.Option
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if name := strings.TrimSpace(v); name != "" {
				out = append(out, decision.Option{Name: name, ResultConfidence: clamp01(fallback)})
			}
		case map[string]any:
			name, _ := v["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			o := decision.Option{Name: name, ResultConfidence: clamp01(fallback)}
			if conf, ok := number(v["confidence"]); ok {
				o.ResultConfidence = clamp01(conf)
			}
			o.Query, _ = v["query"].(string)
			if cost, ok := v["cost"].(map[string]any); ok {
				o.Cost.Battery, _ = number(cost["battery"])
				o.Cost.Network, _ = number(cost["network"])
			}
			out = append(out, o)
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
