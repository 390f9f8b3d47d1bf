// Package registry keeps the roster of agents, their capabilities and liveness.
package registry

import (
	"strings"
	"time"
)

// Role is an agent's place in the authority hierarchy.
type Role string

const (
	RoleExecutive  Role = "executive"
	RoleSpecialist Role = "specialist"
	RoleUtility    Role = "utility"
	RoleMobile     Role = "mobile"
	RoleSystem     Role = "system"
)

// Rank orders roles for authority-based decisions (higher wins).
func (r Role) Rank() int {
	switch r {
	case RoleExecutive:
		return 5
	case RoleSystem:
		return 4
	case RoleSpecialist:
		return 3
	case RoleUtility:
		return 2
	case RoleMobile:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.Rank() > 0 }

// Status is an agent's liveness state.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusActive, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// Capability is something an agent can do.
type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// Satisfies reports whether c meets requirement req: names are equal
// (case-insensitive) or req has no name, and c carries every tag req requires.
func (c Capability) Satisfies(req Capability) bool {
	if req.Name != "" && !strings.EqualFold(c.Name, req.Name) {
		return false
	}
	for _, want := range req.Tags {
		found := false
		for _, have := range c.Tags {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AgentRecord is the registry's view of one agent.
type AgentRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Role         Role              `json:"role"`
	Capabilities []Capability      `json:"capabilities"`
	Status       Status            `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	Version      int               `json:"version"`
}

// Has reports whether the agent satisfies req with any capability.
func (a AgentRecord) Has(req Capability) bool {
	for _, c := range a.Capabilities {
		if c.Satisfies(req) {
			return true
		}
	}
	return false
}

// Selectable reports whether the agent may receive new work.
func (a AgentRecord) Selectable() bool {
	return a.Status == StatusActive || a.Status == StatusDegraded
}

func (a AgentRecord) clone() AgentRecord {
	out := a
	out.Capabilities = make([]Capability, len(a.Capabilities))
	for i, c := range a.Capabilities {
		cc := c
		cc.Tags = append([]string(nil), c.Tags...)
		if c.Constraints != nil {
			cc.Constraints = make(map[string]string, len(c.Constraints))
			for k, v := range c.Constraints {
				cc.Constraints[k] = v
			}
		}
		if c.Parameters != nil {
			cc.Parameters = make(map[string]any, len(c.Parameters))
			for k, v := range c.Parameters {
				cc.Parameters[k] = v
			}
		}
		out.Capabilities[i] = cc
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
