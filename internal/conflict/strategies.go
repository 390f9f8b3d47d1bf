package conflict

import (
	"sort"
	"strings"
)

// pickMax returns the single entity with the highest key, or "" on a tie.
func pickMax(entities []Entity, key func(Entity) int64) string {
	best := ""
	var bestVal int64
	tie := false
	for i, e := range entities {
		v := key(e)
		switch {
		case i == 0 || v > bestVal:
			best, bestVal, tie = e.ID, v, false
		case v == bestVal:
			tie = true
		}
	}
	if tie {
		return ""
	}
	return best
}

// VoteTally is the outcome of counting consensus votes.
type VoteTally struct {
	Counts   map[string]int
	Counted  int
	Eligible int
	Winner   string
	Share    float64
}

// Ballot is one consensus round.
type Ballot struct {
	Entities []string
	// Owners maps an entity to the agent acting for it.
	Owners map[string]string
	// Voters is the electorate. Empty means the agents involved in the
	// conflict: each entity's owner, or the entity itself.
	Voters    []string
	Votes     map[string]string
	Threshold float64
	AllowSelf bool
}

func (b Ballot) electorate() map[string]bool {
	out := make(map[string]bool)
	for _, v := range b.Voters {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = true
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, id := range b.Entities {
		if owner := b.Owners[id]; owner != "" {
			out[owner] = true
		} else {
			out[id] = true
		}
	}
	return out
}

// TallyVotes applies consensus rules:
// - one vote per voter, and only voters in the electorate count
// - votes for entities outside the conflict are ignored
// - a contender (or its owner) voting for itself is ignored unless AllowSelf
// - the winner needs more than Threshold of the whole electorate and
//   strictly more votes than the runner-up
func TallyVotes(b Ballot) VoteTally {
	threshold := b.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	involved := make(map[string]bool, len(b.Entities))
	for _, id := range b.Entities {
		involved[id] = true
	}
	electorate := b.electorate()
	t := VoteTally{Counts: make(map[string]int), Eligible: len(electorate)}
	for voter, choice := range b.Votes {
		voter, choice = strings.TrimSpace(voter), strings.TrimSpace(choice)
		if !electorate[voter] || !involved[choice] {
			continue
		}
		if !b.AllowSelf && (strings.EqualFold(voter, choice) || strings.EqualFold(voter, b.Owners[choice])) {
			continue
		}
		t.Counts[choice]++
		t.Counted++
	}
	if t.Counted == 0 {
		return t
	}

	ids := make([]string, 0, len(t.Counts))
	for id := range t.Counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if t.Counts[ids[i]] != t.Counts[ids[j]] {
			return t.Counts[ids[i]] > t.Counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	top := ids[0]
	if len(ids) > 1 && t.Counts[ids[1]] == t.Counts[top] {
		return t
	}
	t.Share = float64(t.Counts[top]) / float64(t.Eligible)
	if t.Share > threshold {
		t.Winner = top
	}
	return t
}

func others(entities []string, winners ...string) []string {
	skip := make(map[string]bool, len(winners))
	for _, w := range winners {
		skip[w] = true
	}
	var out []string
	for _, id := range entities {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
