// Package task delegates, tracks and decomposes units of work assigned to agents.
package task

import (
	"time"

	"github.com/KafClaw/KafCoord/internal/registry"
)

// Priority orders competing tasks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric weight of p (higher is more urgent, 0 when unknown).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// Result is an agent's immutable output for a task.
type Result struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Task is one unit of delegated work.
type Task struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	Params             map[string]any      `json:"params,omitempty"`
	TargetAgent        string              `json:"target_agent,omitempty"`
	RequiredCapability registry.Capability `json:"required_capability"`
	Priority           Priority            `json:"priority"`
	Deadline           *time.Time          `json:"deadline,omitempty"`
	State              State               `json:"state"`
	ParentID           string              `json:"parent_id,omitempty"`
	Subtasks           []string            `json:"subtasks,omitempty"`
	Optional           bool                `json:"optional,omitempty"`
	Resources          []string            `json:"resources,omitempty"`
	ExpectedOutput     []string            `json:"expected_output,omitempty"`
	AssignedAgent      string              `json:"assigned_agent,omitempty"`
	Attempts           int                 `json:"attempts"`
	MaxRetries         int                 `json:"max_retries"`
	Result             *Result             `json:"result,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
	DecisionPoint      bool                `json:"decision_point,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Spec describes a task to create.
type Spec struct {
	Type               string
	Params             map[string]any
	TargetAgent        string
	RequiredCapability registry.Capability
	Priority           Priority
	Deadline           *time.Time
	// Timeout sets Deadline relative to creation when Deadline is nil.
	Timeout        time.Duration
	Resources      []string
	ExpectedOutput []string
	MaxRetries     int
	DecisionPoint  bool
}

// SubtaskDef is one child of a decomposed task. Zero Priority and Deadline
// are inherited from the parent.
type SubtaskDef struct {
	Spec
	Optional bool
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	State    State
	AgentID  string
	ParentID string
	Type     string
}

func (f Filter) matches(t *Task) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.AgentID != "" && t.AssignedAgent != f.AgentID {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}

func (t Task) clone() Task {
	out := t
	out.Params = cloneMap(t.Params)
	out.Subtasks = append([]string(nil), t.Subtasks...)
	out.Resources = append([]string(nil), t.Resources...)
	out.ExpectedOutput = append([]string(nil), t.ExpectedOutput...)
	out.RequiredCapability.Tags = append([]string(nil), t.RequiredCapability.Tags...)
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	if t.Result != nil {
		r := *t.Result
		r.Payload = cloneMap(t.Result.Payload)
		out.Result = &r
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			out[k] = cloneMap(x)
		case []any:
			cp := make([]any, len(x))
			copy(cp, x)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
