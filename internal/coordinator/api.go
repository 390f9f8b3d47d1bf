package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/decision"
	"github.com/KafClaw/KafCoord/internal/knowledge"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/task"
)

// caller rejects calls from agents the registry does not know.
func (c *Coordinator) caller(agentID string) (registry.AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return registry.AgentRecord{}, fmt.Errorf("%w: caller agent id is required", coreerr.ErrAgentNotFound)
	}
	return c.Registry.Get(agentID)
}

// RegisterAgent adds an agent to the registry and returns its id.
func (c *Coordinator) RegisterAgent(ctx context.Context, rec registry.AgentRecord) (string, error) {
	return c.Registry.Register(ctx, rec)
}

// Heartbeat refreshes an agent's liveness and merges resource hints into its metadata.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, hints map[string]string) error {
	return c.Registry.Heartbeat(ctx, agentID, hints)
}

// DelegateTask creates a task on behalf of callerID.
func (c *Coordinator) DelegateTask(ctx context.Context, callerID string, spec task.Spec) (string, error) {
	if _, err := c.caller(callerID); err != nil {
		return "", err
	}
	return c.Tasks.CreateTask(ctx, spec)
}

// DecomposeTask splits taskID into subtasks.
func (c *Coordinator) DecomposeTask(ctx context.Context, callerID, taskID string, defs []task.SubtaskDef) ([]string, error) {
	if _, err := c.caller(callerID); err != nil {
		return nil, err
	}
	return c.Tasks.Decompose(ctx, taskID, defs)
}

func (c *Coordinator) AcceptTask(ctx context.Context, agentID, taskID string) error {
	if _, err := c.caller(agentID); err != nil {
		return err
	}
	return c.Tasks.Accept(ctx, taskID, agentID)
}

func (c *Coordinator) StartTask(ctx context.Context, agentID, taskID string) error {
	if _, err := c.caller(agentID); err != nil {
		return err
	}
	return c.Tasks.StartProcessing(ctx, taskID, agentID)
}

// ReportCompletion records res as agentID's result for taskID.
func (c *Coordinator) ReportCompletion(ctx context.Context, agentID, taskID string, res task.Result) error {
	if _, err := c.caller(agentID); err != nil {
		return err
	}
	res.AgentID = agentID
	res.TaskID = taskID
	return c.Tasks.ReportCompletion(ctx, taskID, res)
}

func (c *Coordinator) ReportFailure(ctx context.Context, agentID, taskID, reason string) error {
	if _, err := c.caller(agentID); err != nil {
		return err
	}
	return c.Tasks.ReportFailure(ctx, taskID, agentID, reason)
}

func (c *Coordinator) CancelTask(ctx context.Context, callerID, taskID, reason string) error {
	if _, err := c.caller(callerID); err != nil {
		return err
	}
	return c.Tasks.Cancel(ctx, taskID, reason)
}

func (c *Coordinator) GetTaskStatus(callerID, taskID string) (task.State, error) {
	if _, err := c.caller(callerID); err != nil {
		return "", err
	}
	return c.Tasks.GetStatus(taskID)
}

// GetTaskResult returns nil until the task completes.
func (c *Coordinator) GetTaskResult(callerID, taskID string) (*task.Result, error) {
	if _, err := c.caller(callerID); err != nil {
		return nil, err
	}
	return c.Tasks.GetResult(taskID)
}

// PublishKnowledge stores a new item. The source defaults to the caller.
func (c *Coordinator) PublishKnowledge(ctx context.Context, callerID string, req knowledge.PublishRequest) (string, error) {
	if _, err := c.caller(callerID); err != nil {
		return "", err
	}
	if req.SourceID == "" {
		req.SourceID = callerID
	}
	return c.Knowledge.Publish(ctx, req)
}

func (c *Coordinator) SearchKnowledge(ctx context.Context, callerID, query string, limit int) ([]knowledge.Scored, error) {
	if _, err := c.caller(callerID); err != nil {
		return nil, err
	}
	return c.Knowledge.Search(ctx, query, limit)
}

// SubscribeKnowledge returns a subscription id for Knowledge.Unsubscribe.
func (c *Coordinator) SubscribeKnowledge(callerID string, filter knowledge.Filter, handler knowledge.Handler) (string, error) {
	if _, err := c.caller(callerID); err != nil {
		return "", err
	}
	return c.Knowledge.Subscribe(filter, handler), nil
}

// ResolveConflict applies strategy to a detected conflict. Consensus
// thresholds default to the configured values.
func (c *Coordinator) ResolveConflict(ctx context.Context, callerID, conflictID string, strategy conflict.Strategy, params conflict.Params) (conflict.Outcome, error) {
	if _, err := c.caller(callerID); err != nil {
		return conflict.Outcome{}, err
	}
	if strategy == conflict.StrategyConsensus {
		if params.Threshold == 0 {
			params.Threshold = c.cfg.Conflict.ConsensusThreshold
		}
		params.AllowSelfVote = params.AllowSelfVote || c.cfg.Conflict.AllowSelfVote
	}
	return c.Conflicts.Resolve(ctx, conflictID, strategy, params)
}

// Decide scores options and tracks the result. A decision that fails
// validation is still returned along with the error.
func (c *Coordinator) Decide(ctx context.Context, callerID string, dc decision.Context, options []decision.Option) (decision.Decision, error) {
	if _, err := c.caller(callerID); err != nil {
		return decision.Decision{}, err
	}
	if dc.AgentID == "" {
		dc.AgentID = callerID
	}
	d, err := c.Decisions.Decide(ctx, dc, options)
	if err != nil {
		return decision.Decision{}, err
	}
	return d, c.Decisions.Track(ctx, d, c.constraints)
}

func (c *Coordinator) RecordFeedback(ctx context.Context, callerID, decisionID, outcome string, quality float64) (int64, error) {
	if _, err := c.caller(callerID); err != nil {
		return 0, err
	}
	return c.Decisions.RecordFeedback(ctx, decisionID, outcome, quality)
}

// Events streams bus events of the given types (all when empty) until the
// returned cancel func is called. Delivery blocks when the buffer is full.
func (c *Coordinator) Events(buffer int, types ...string) (<-chan bus.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan bus.Event, buffer)
	done := make(chan struct{})
	id := c.bus.Subscribe(func(ev bus.Event) {
		select {
		case ch <- ev:
		case <-done:
		}
	}, types...)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			c.bus.Unsubscribe(id)
		})
	}
}
