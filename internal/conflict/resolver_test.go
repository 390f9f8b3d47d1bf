package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/retry"
	"github.com/KafClaw/KafCoord/internal/store"
)

func retryNone() retry.Policy { return retry.Policy{Attempts: 1} }

type recorder struct {
	events []bus.Event
}

func (r *recorder) Publish(ev bus.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type entityMap map[string]Entity

func (m entityMap) Entity(id string) (Entity, bool) {
	e, ok := m[id]
	return e, ok
}

type cancelRecorder struct {
	cancelled []string
}

func (c *cancelRecorder) Cancel(_ context.Context, id, _ string) error {
	c.cancelled = append(c.cancelled, id)
	return nil
}

type escalationRecorder struct {
	subjects []string
}

func (e *escalationRecorder) Escalate(_ context.Context, kind, subjectID, _ string, _ map[string]any) (string, error) {
	e.subjects = append(e.subjects, kind+":"+subjectID)
	return "esc-1", nil
}

type fixedDelegate string

func (d fixedDelegate) HighestAuthority() (string, bool) { return string(d), d != "" }

func newTestResolver(t *testing.T, entities entityMap) (*Resolver, *recorder, *cancelRecorder, *escalationRecorder) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	rec := &recorder{}
	r := NewResolver(s, rec, retryNone())
	c := &cancelRecorder{}
	e := &escalationRecorder{}
	r.SetEntityResolver(entities)
	r.SetCanceller(c)
	r.SetEscalator(e)
	return r, rec, c, e
}

func TestPriorityResolutionCancelsLosingTask(t *testing.T) {
	ents := entityMap{
		"task1": {Kind: KindTask, Priority: 4},
		"task2": {Kind: KindTask, Priority: 2},
	}
	r, rec, canc, _ := newTestResolver(t, ents)
	ctx := context.Background()

	id, err := r.Detect(ctx, TypeResource, []string{"task1", "task2"}, "both need listing-42")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	out, err := r.Resolve(ctx, id, StrategyPriority, Params{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(out.Winners) != 1 || out.Winners[0] != "task1" || len(out.Losers) != 1 || out.Losers[0] != "task2" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(canc.cancelled) != 1 || canc.cancelled[0] != "task2" {
		t.Fatalf("expected task2 cancelled, got %v", canc.cancelled)
	}
	got, _ := r.Get(id)
	if got.State != StateResolved || got.ResolvedAt == nil {
		t.Fatalf("expected resolved conflict, got %+v", got)
	}
	if rec.count(bus.EventConflictDetected) != 1 || rec.count(bus.EventConflictResolved) != 1 {
		t.Fatalf("unexpected events %+v", rec.events)
	}

	if _, err := r.Resolve(ctx, id, StrategyPriority, Params{}); !errors.Is(err, coreerr.ErrInvalidStateTransition) {
		t.Fatalf("expected second resolve rejected, got %v", err)
	}
}

func TestPriorityTieEscalates(t *testing.T) {
	ents := entityMap{
		"a": {Kind: KindTask, Priority: 3},
		"b": {Kind: KindTask, Priority: 3},
	}
	r, rec, canc, esc := newTestResolver(t, ents)
	ctx := context.Background()
	id, _ := r.Detect(ctx, TypeResource, []string{"a", "b"}, "")

	out, err := r.Resolve(ctx, id, StrategyPriority, Params{})
	if !errors.Is(err, coreerr.ErrConflictUnresolved) {
		t.Fatalf("expected unresolved, got %v", err)
	}
	if out.EscalationID != "esc-1" || len(esc.subjects) != 1 || esc.subjects[0] != "conflict:"+id {
		t.Fatalf("expected escalation, got %+v %v", out, esc.subjects)
	}
	if len(canc.cancelled) != 0 {
		t.Fatalf("nothing should be cancelled on a tie, got %v", canc.cancelled)
	}
	if got, _ := r.Get(id); got.State != StateUnresolved {
		t.Fatalf("expected unresolved state, got %s", got.State)
	}
	if rec.count(bus.EventConflictUnresolved) != 1 {
		t.Fatal("expected unresolved event")
	}
}

func TestStrategies(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ents := entityMap{
		"exec":    {Kind: KindAgent, Authority: 5, Timestamp: base.Add(2 * time.Second)},
		"analyst": {Kind: KindAgent, Authority: 3, Timestamp: base},
		"voter":   {Kind: KindAgent, Authority: 1, Timestamp: base.Add(time.Second)},
	}
	cases := []struct {
		name     string
		strategy Strategy
		params   Params
		winners  []string
		delegate string
		wantErr  error
	}{
		{name: "authority", strategy: StrategyAuthority, winners: []string{"exec"}},
		{name: "first", strategy: StrategyFirst, winners: []string{"analyst"}},
		{name: "last", strategy: StrategyLast, winners: []string{"exec"}},
		{name: "merge", strategy: StrategyMerge, winners: []string{"exec", "analyst"}},
		{name: "delegate", strategy: StrategyDelegate, delegate: "boss"},
		{
			name:     "consensus",
			strategy: StrategyConsensus,
			params: Params{
				Voters:    []string{"v1", "v2", "v3"},
				Votes:     map[string]string{"v1": "analyst", "v2": "analyst", "v3": "exec"},
				Threshold: 0.6,
			},
			winners: []string{"analyst"},
		},
		{
			name:     "consensus among involved agents",
			strategy: StrategyConsensus,
			params:   Params{Votes: map[string]string{"exec": "analyst", "analyst": "analyst"}, AllowSelfVote: true},
			winners:  []string{"analyst"},
		},
		{
			name:     "consensus self votes ignored",
			strategy: StrategyConsensus,
			params: Params{
				Voters:    []string{"exec", "v1", "v2"},
				Votes:     map[string]string{"exec": "exec", "v1": "analyst", "v2": "analyst"},
				Threshold: 0.6,
			},
			winners: []string{"analyst"},
		},
		{
			name:     "consensus below threshold",
			strategy: StrategyConsensus,
			params: Params{
				Voters:    []string{"v1", "v2", "v3"},
				Votes:     map[string]string{"v1": "analyst", "v2": "exec", "v3": "analyst"},
				Threshold: 0.75,
			},
			wantErr: coreerr.ErrConflictUnresolved,
		},
		{
			name:     "consensus exactly at threshold",
			strategy: StrategyConsensus,
			params: Params{
				Voters:    []string{"v1", "v2", "v3", "v4"},
				Votes:     map[string]string{"v1": "analyst", "v2": "analyst", "v3": "exec"},
				Threshold: 0.5,
			},
			wantErr: coreerr.ErrConflictUnresolved,
		},
		{
			name:     "consensus single vote",
			strategy: StrategyConsensus,
			params:   Params{Votes: map[string]string{"exec": "analyst"}, Threshold: 0.6},
			wantErr:  coreerr.ErrConflictUnresolved,
		},
		{
			name:     "consensus unanimity threshold rejected",
			strategy: StrategyConsensus,
			params:   Params{Votes: map[string]string{"exec": "analyst"}, Threshold: 1},
			wantErr:  coreerr.ErrInvalidInput,
		},
		{name: "unknown", strategy: "coin_flip", wantErr: coreerr.ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _, _ := newTestResolver(t, ents)
			r.SetDelegateFinder(fixedDelegate("boss"))
			ctx := context.Background()
			id, err := r.Detect(ctx, TypeAuthority, []string{"exec", "analyst"}, "")
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			out, err := r.Resolve(ctx, id, tc.strategy, tc.params)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if len(out.Winners) != len(tc.winners) {
				t.Fatalf("winners=%v want %v", out.Winners, tc.winners)
			}
			for i := range tc.winners {
				if out.Winners[i] != tc.winners[i] {
					t.Fatalf("winners=%v want %v", out.Winners, tc.winners)
				}
			}
			if out.Delegate != tc.delegate {
				t.Fatalf("delegate=%q want %q", out.Delegate, tc.delegate)
			}
		})
	}
}

func TestInvalidStrategyLeavesConflictOpen(t *testing.T) {
	r, _, _, _ := newTestResolver(t, entityMap{})
	ctx := context.Background()
	id, _ := r.Detect(ctx, TypeData, []string{"x", "y"}, "")
	if _, err := r.Resolve(ctx, id, StrategyCustom, Params{Custom: "missing"}); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	r.RegisterCustom("prefer_y", func(_ context.Context, _ Conflict, _ []Entity, _ Params) (Outcome, error) {
		return Outcome{Winners: []string{"y"}, Reason: "y is canonical"}, nil
	})
	out, err := r.Resolve(ctx, id, StrategyCustom, Params{Custom: "prefer_y"})
	if err != nil || out.Winners[0] != "y" || len(out.Losers) != 1 || out.Losers[0] != "x" {
		t.Fatalf("custom resolve: %+v err=%v", out, err)
	}
}

func TestCancelStrategyCancelsOnlyTasks(t *testing.T) {
	ents := entityMap{
		"t1": {Kind: KindTask},
		"a1": {Kind: KindAgent},
	}
	r, _, canc, _ := newTestResolver(t, ents)
	ctx := context.Background()
	id, _ := r.Detect(ctx, TypeTask, []string{"t1", "a1"}, "")
	if _, err := r.Resolve(ctx, id, StrategyCancel, Params{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(canc.cancelled) != 1 || canc.cancelled[0] != "t1" {
		t.Fatalf("expected only the task cancelled, got %v", canc.cancelled)
	}
}

func TestDetectValidation(t *testing.T) {
	r, _, _, _ := newTestResolver(t, entityMap{})
	ctx := context.Background()
	if _, err := r.Detect(ctx, TypeResource, []string{"a", "a"}, ""); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("expected duplicate entities rejected, got %v", err)
	}
	if _, err := r.Detect(ctx, "vibes", []string{"a", "b"}, ""); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("expected unknown type rejected, got %v", err)
	}
	if _, err := r.Resolve(ctx, "missing", StrategyPriority, Params{}); !errors.Is(err, coreerr.ErrConflictNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadReopensInterruptedConflicts(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	c := Conflict{ID: "c1", Type: TypeResource, Entities: []string{"a", "b"}, State: StateResolving}
	if err := s.Put(ctx, store.Conflicts, c.ID, string(c.State), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := NewResolver(s, nil, retryNone())
	if err := r.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := r.Get("c1")
	if err != nil || got.State != StateDetected {
		t.Fatalf("expected reopened conflict, got %+v err=%v", got, err)
	}
	if len(r.List(StateDetected)) != 1 {
		t.Fatal("expected one detected conflict")
	}
}

func TestTallyVotesRunnerUpTie(t *testing.T) {
	tally := TallyVotes(Ballot{
		Entities:  []string{"a", "b"},
		Voters:    []string{"v1", "v2", "v3"},
		Votes:     map[string]string{"v1": "a", "v2": "b", "v3": "nobody"},
		Threshold: 0.5,
	})
	if tally.Counted != 2 || tally.Winner != "" {
		t.Fatalf("expected tie with no winner, got %+v", tally)
	}
}

func TestTallyVotesShareOfElectorate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ballot   Ballot
		winner   string
		share    float64
		counted  int
		eligible int
	}{
		{
			name: "half is not above half",
			ballot: Ballot{
				Entities:  []string{"t1", "t2", "t3"},
				Voters:    []string{"a", "b", "c", "d"},
				Votes:     map[string]string{"a": "t1", "b": "t1", "c": "t2", "d": "t3"},
				Threshold: 0.5,
			},
			share: 0.5, counted: 4, eligible: 4,
		},
		{
			name: "lone vote measured against all voters",
			ballot: Ballot{
				Entities:  []string{"t1", "t2"},
				Voters:    []string{"a", "b"},
				Votes:     map[string]string{"a": "t1"},
				Threshold: 0.4,
			},
			winner: "t1", share: 0.5, counted: 1, eligible: 2,
		},
		{
			name: "lone vote below threshold",
			ballot: Ballot{
				Entities:  []string{"t1", "t2"},
				Voters:    []string{"a", "b"},
				Votes:     map[string]string{"a": "t1"},
				Threshold: 0.6,
			},
			share: 0.5, counted: 1, eligible: 2,
		},
		{
			name: "outsiders ignored",
			ballot: Ballot{
				Entities: []string{"t1", "t2"},
				Owners:   map[string]string{"t1": "A", "t2": "B"},
				Votes:    map[string]string{"stranger": "t1", "B": "t1"},
			},
			share: 0.5, counted: 1, eligible: 2,
		},
		{
			name: "owner voting for its own task ignored",
			ballot: Ballot{
				Entities: []string{"t1", "t2"},
				Owners:   map[string]string{"t1": "A", "t2": "B"},
				Voters:   []string{"A", "B", "C"},
				Votes:    map[string]string{"A": "t1", "B": "t1", "C": "t1"},
			},
			winner: "t1", share: 2.0 / 3.0, counted: 2, eligible: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := TallyVotes(tc.ballot)
			if got.Winner != tc.winner || got.Counted != tc.counted || got.Eligible != tc.eligible {
				t.Fatalf("unexpected tally %+v", got)
			}
			if diff := got.Share - tc.share; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("expected share %.3f, got %.3f", tc.share, got.Share)
			}
		})
	}
}
