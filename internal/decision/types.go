// Package decision turns aggregated results and knowledge into auditable
// decisions and learns from their outcomes.
package decision

import (
	"time"

	"github.com/KafClaw/KafCoord/internal/hints"
)

// Level buckets a confidence score.
type Level string

const (
	LevelHigh    Level = "high"
	LevelMedium  Level = "medium"
	LevelLow     Level = "low"
	LevelVeryLow Level = "very_low"
)

// LevelFor derives the level of confidence c.
func LevelFor(c float64) Level {
	switch {
	case c >= 0.8:
		return LevelHigh
	case c >= 0.6:
		return LevelMedium
	case c >= 0.4:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Cost is an option's relative resource cost in [0,1].
type Cost struct {
	Battery float64 `json:"battery,omitempty"`
	Network float64 `json:"network,omitempty"`
}

// Option is one candidate choice.
type Option struct {
	Name string `json:"name"`
	// ResultConfidence is the aggregated task-result confidence backing this option.
	ResultConfidence float64 `json:"result_confidence"`
	// Query searches the knowledge repository for support. Defaults to Name.
	Query      string         `json:"query,omitempty"`
	Cost       Cost           `json:"cost,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Context references what a decision is about.
type Context struct {
	TaskID         string            `json:"task_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
	Refs           map[string]string `json:"refs,omitempty"`
	// Hint overrides the hint provider for AgentID.
	Hint *hints.Hint `json:"hint,omitempty"`
}

// Alternative is a scored option.
type Alternative struct {
	Option         string   `json:"option"`
	Score          float64  `json:"score"`
	ResultScore    float64  `json:"result_score"`
	KnowledgeScore float64  `json:"knowledge_score"`
	Sources        []string `json:"sources,omitempty"`
	Cost           Cost     `json:"cost,omitempty"`
}

// Decision is an immutable record of a choice.
type Decision struct {
	ID           string        `json:"id"`
	Chosen       string        `json:"chosen"`
	Reasoning    string        `json:"reasoning"`
	Alternatives []Alternative `json:"alternatives"`
	Confidence   float64       `json:"confidence"`
	Level        Level         `json:"level"`
	Context      Context       `json:"context"`
	// BatteryEfficient and NetworkEfficient report that a cheaper option
	// within tolerance of the best was preferred for that resource.
	BatteryEfficient bool      `json:"battery_efficient,omitempty"`
	NetworkEfficient bool      `json:"network_efficient,omitempty"`
	WeightsVersion   int64     `json:"weights_version"`
	Timestamp        time.Time `json:"timestamp"`
}

// chosenAlternative returns the alternative that was picked.
func (d Decision) chosenAlternative() (Alternative, bool) {
	for _, a := range d.Alternatives {
		if a.Option == d.Chosen {
			return a, true
		}
	}
	return Alternative{}, false
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Feedback is an observed outcome of a tracked decision.
type Feedback struct {
	Seq        int64     `json:"seq"`
	DecisionID string    `json:"decision_id"`
	Outcome    string    `json:"outcome"`
	Quality    float64   `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// SourceStats tracks how well a knowledge source's support predicted good outcomes.
type SourceStats struct {
	Success float64 `json:"success"`
	Failure float64 `json:"failure"`
}

// Reliability is the Laplace-smoothed success ratio.
func (s SourceStats) Reliability() float64 {
	return (s.Success + 1) / (s.Success + s.Failure + 2)
}

// Weights is an immutable learning snapshot used by Decide.
type Weights struct {
	Version   int64                  `json:"version"`
	Result    float64                `json:"result"`
	Knowledge float64                `json:"knowledge"`
	Sources   map[string]SourceStats `json:"sources,omitempty"`
	// Cursor is the last feedback sequence consumed.
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultWeights is the snapshot used before any learning.
func DefaultWeights() Weights {
	return Weights{Result: 0.6, Knowledge: 0.4}
}

func (w Weights) reliability(source string) float64 {
	return w.Sources[source].Reliability()
}

func (w Weights) clone() Weights {
	out := w
	out.Sources = make(map[string]SourceStats, len(w.Sources))
	for k, v := range w.Sources {
		out.Sources[k] = v
	}
	return out
}
