package task

import (
	"fmt"
	"sort"
	"strings"
)

// State is a task lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateAssigned   State = "assigned"
	StateAccepted   State = "accepted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateTimeout    State = "timeout"
)

// Terminal reports whether no further transition is possible, except
// failed -> assigned on retry.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateAssigned || to == StateFailed || to == StateCancelled || to == StateTimeout
	case StateAssigned:
		return to == StateAccepted || to == StateFailed || to == StateCancelled || to == StateTimeout
	case StateAccepted:
		return to == StateProcessing || to == StateFailed || to == StateCancelled || to == StateTimeout
	case StateProcessing:
		return to == StateCompleted || to == StateFailed || to == StateCancelled || to == StateTimeout
	case StateFailed:
		return to == StateAssigned
	case StateCompleted, StateCancelled, StateTimeout:
		return false
	default:
		return false
	}
}

// pathTo returns the implicit forward steps from the current state up to
// target (processing or completed), or nil when target is unreachable.
func pathTo(from, target State) []State {
	order := []State{StateAssigned, StateAccepted, StateProcessing, StateCompleted}
	start := -1
	for i, s := range order {
		if s == from {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	var steps []State
	for i := start + 1; i < len(order); i++ {
		steps = append(steps, order[i])
		if order[i] == target {
			return steps
		}
	}
	return nil
}

// CanRetry reports whether a failed task still has retry budget.
// Attempts counts assignments, so the first assignment is not a retry.
func CanRetry(t Task) (bool, string) {
	if t.State != StateFailed {
		return false, "task must be failed"
	}
	if t.Attempts-1 >= t.MaxRetries {
		return false, "retry budget exhausted"
	}
	return true, ""
}

// OutputCheck is the result of checking a result payload against the keys a
// task declared it must produce.
type OutputCheck struct {
	OK             bool
	MissingOutput  []string
	RemediationMsg string
}

// ValidateOutput checks that payload carries every expected key with a
// non-empty value.
func ValidateOutput(expected []string, payload map[string]any) OutputCheck {
	res := OutputCheck{OK: true}
	for _, key := range expected {
		key = strings.TrimSpace(key)
		v, ok := payload[key]
		if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
			res.MissingOutput = append(res.MissingOutput, key)
		}
	}
	if len(res.MissingOutput) > 0 {
		sort.Strings(res.MissingOutput)
		res.OK = false
		res.RemediationMsg = "missing_output=" + strings.Join(res.MissingOutput, ",")
	}
	return res
}
