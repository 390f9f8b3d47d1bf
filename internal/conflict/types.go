// Package conflict detects and resolves competing claims between tasks and agents.
package conflict

import (
	"context"
	"time"
)

// Type classifies what is contested.
type Type string

const (
	TypeResource   Type = "resource"
	TypeTask       Type = "task"
	TypeAgent      Type = "agent"
	TypePriority   Type = "priority"
	TypeAuthority  Type = "authority"
	TypeCapability Type = "capability"
	TypeData       Type = "data"
	TypeOther      Type = "other"
)

func (t Type) valid() bool {
	switch t {
	case TypeResource, TypeTask, TypeAgent, TypePriority, TypeAuthority, TypeCapability, TypeData, TypeOther:
		return true
	}
	return false
}

// State is a conflict's lifecycle state.
type State string

const (
	StateDetected   State = "detected"
	StateResolving  State = "resolving"
	StateResolved   State = "resolved"
	StateUnresolved State = "unresolved"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyPriority  Strategy = "priority"
	StrategyAuthority Strategy = "authority"
	StrategyConsensus Strategy = "consensus"
	StrategyFirst     Strategy = "first"
	StrategyLast      Strategy = "last"
	StrategyMerge     Strategy = "merge"
	StrategyCancel    Strategy = "cancel"
	StrategyDelegate  Strategy = "delegate"
	StrategyCustom    Strategy = "custom"
)

// Params carries strategy inputs.
type Params struct {
	// Votes maps voter id to the entity it supports (consensus).
	Votes map[string]string `json:"votes,omitempty"`
	// Voters is the consensus electorate. Empty means the agents involved.
	Voters []string `json:"voters,omitempty"`
	// Threshold is the share of the electorate the winner must exceed
	// (consensus, default 0.5).
	Threshold     float64 `json:"threshold,omitempty"`
	AllowSelfVote bool    `json:"allow_self_vote,omitempty"`
	// Custom names a function registered with RegisterCustom.
	Custom string `json:"custom,omitempty"`
}

// Outcome records how a conflict ended.
type Outcome struct {
	Strategy     Strategy `json:"strategy"`
	Winners      []string `json:"winners,omitempty"`
	Losers       []string `json:"losers,omitempty"`
	Delegate     string   `json:"delegate,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	EscalationID string   `json:"escalation_id,omitempty"`
}

// Conflict is one detected contention.
type Conflict struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Entities    []string   `json:"entities"`
	Description string     `json:"description,omitempty"`
	State       State      `json:"state"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Entity kinds.
const (
	KindTask  = "task"
	KindAgent = "agent"
)

// Entity is what strategies know about one contender.
type Entity struct {
	ID   string
	Kind string
	// Agent acts for the entity: a task's assignee or the agent itself.
	Agent     string
	Priority  int
	Authority int
	Timestamp time.Time
}

// EntityResolver describes contenders by id.
type EntityResolver interface {
	Entity(id string) (Entity, bool)
}

// Canceller cancels losing tasks.
type Canceller interface {
	Cancel(ctx context.Context, taskID, reason string) error
}

// Escalator hands conflicts nobody could settle to a human or higher authority.
type Escalator interface {
	Escalate(ctx context.Context, kind, subjectID, summary string, details map[string]any) (string, error)
}

// DelegateFinder picks the agent a delegated conflict is handed to.
type DelegateFinder interface {
	HighestAuthority() (string, bool)
}

// CustomFunc resolves a conflict with caller-supplied logic.
type CustomFunc func(ctx context.Context, c Conflict, entities []Entity, p Params) (Outcome, error)

func (c Conflict) clone() Conflict {
	out := c
	out.Entities = append([]string(nil), c.Entities...)
	if c.Outcome != nil {
		o := *c.Outcome
		o.Winners = append([]string(nil), c.Outcome.Winners...)
		o.Losers = append([]string(nil), c.Outcome.Losers...)
		out.Outcome = &o
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
