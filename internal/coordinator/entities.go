package coordinator

import (
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/task"
)

// entityResolver describes conflict participants: tasks first, then agents.
type entityResolver struct {
	tasks  *task.Delegator
	agents *registry.Registry
}

func (e entityResolver) Entity(id string) (conflict.Entity, bool) {
	if ent, ok := e.tasks.Entity(id); ok {
		return ent, true
	}
	a, err := e.agents.Get(id)
	if err != nil {
		return conflict.Entity{}, false
	}
	return conflict.Entity{
		ID:        a.ID,
		Kind:      conflict.KindAgent,
		Agent:     a.ID,
		Authority: a.Role.Rank(),
		Timestamp: a.RegisteredAt,
	}, true
}

// delegateFinder hands delegated conflicts to the highest-ranked live agent.
type delegateFinder struct {
	agents *registry.Registry
}

func (d delegateFinder) HighestAuthority() (string, bool) {
	var best *registry.AgentRecord
	for _, a := range d.agents.List() {
		if !a.Selectable() {
			continue
		}
		if best == nil || outranks(a, *best) {
			cand := a
			best = &cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func outranks(a, b registry.AgentRecord) bool {
	if a.Role.Rank() != b.Role.Rank() {
		return a.Role.Rank() > b.Role.Rank()
	}
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID < b.ID
}
