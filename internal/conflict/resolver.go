package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/retry"
	"github.com/KafClaw/KafCoord/internal/store"
)

// Store is the persistence the resolver needs. *store.Store implements it.
type Store interface {
	Put(ctx context.Context, table store.Table, id, state string, v any) error
	Each(ctx context.Context, table store.Table, state string, fn func(id string, data []byte) error) error
}

// Resolver tracks conflicts and applies resolution strategies.
type Resolver struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
	custom    map[string]CustomFunc

	entities  EntityResolver
	canceller Canceller
	escalator Escalator
	delegates DelegateFinder

	store Store
	pub   bus.Publisher
	retry retry.Policy
	now   func() time.Time
}

// NewResolver creates a resolver. st and pub may be nil.
func NewResolver(st Store, pub bus.Publisher, policy retry.Policy) *Resolver {
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Resolver{
		conflicts: make(map[string]*Conflict),
		custom:    make(map[string]CustomFunc),
		store:     st,
		pub:       pub,
		retry:     policy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEntityResolver sets the source of contender attributes.
func (r *Resolver) SetEntityResolver(e EntityResolver) { r.mu.Lock(); r.entities = e; r.mu.Unlock() }

// SetCanceller sets who cancels losing tasks.
func (r *Resolver) SetCanceller(c Canceller) { r.mu.Lock(); r.canceller = c; r.mu.Unlock() }

// SetEscalator sets where unresolved conflicts go.
func (r *Resolver) SetEscalator(e Escalator) { r.mu.Lock(); r.escalator = e; r.mu.Unlock() }

// SetDelegateFinder sets how the delegate strategy picks an arbiter.
func (r *Resolver) SetDelegateFinder(d DelegateFinder) { r.mu.Lock(); r.delegates = d; r.mu.Unlock() }

// RegisterCustom adds a named strategy usable with StrategyCustom.
func (r *Resolver) RegisterCustom(name string, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[strings.TrimSpace(name)] = fn
}

// Load restores conflicts from the store. Conflicts interrupted while
// resolving are reopened as detected.
func (r *Resolver) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.store.Each(ctx, store.Conflicts, "", func(id string, data []byte) error {
		var c Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("Skipping unreadable conflict record", "conflict_id", id, "error", err)
			return nil
		}
		if c.State == StateResolving {
			c.State = StateDetected
		}
		r.conflicts[c.ID] = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("load conflicts: %w", err)
	}
	return nil
}

func (r *Resolver) persist(ctx context.Context, c Conflict) error {
	if r.store == nil {
		return nil
	}
	return retry.Do(ctx, "conflict.persist", r.retry, func(ctx context.Context) error {
		return store.Retryable(r.store.Put(ctx, store.Conflicts, c.ID, string(c.State), c))
	})
}

func (r *Resolver) emit(eventType, id string, payload map[string]any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(bus.NewEvent(eventType, id, payload)); err != nil {
		slog.Warn("Conflict event not published", "event_type", eventType, "conflict_id", id, "error", err)
	}
}

// Detect records a new conflict between two or more entities.
func (r *Resolver) Detect(ctx context.Context, ctype Type, entities []string, description string) (string, error) {
	if !ctype.valid() {
		return "", fmt.Errorf("%w: unknown conflict type %q", coreerr.ErrInvalidInput, ctype)
	}
	seen := make(map[string]bool, len(entities))
	var ids []string
	for _, id := range entities {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return "", fmt.Errorf("%w: a conflict needs at least two entities", coreerr.ErrInvalidInput)
	}

	c := Conflict{
		ID:          uuid.NewString(),
		Type:        ctype,
		Entities:    ids,
		Description: description,
		State:       StateDetected,
		DetectedAt:  r.now(),
	}
	if err := r.persist(ctx, c); err != nil {
		return "", fmt.Errorf("persist conflict: %w", err)
	}
	r.mu.Lock()
	r.conflicts[c.ID] = &c
	r.mu.Unlock()

	slog.Info("Conflict detected", "conflict_id", c.ID, "type", ctype, "entities", ids)
	r.emit(bus.EventConflictDetected, c.ID, map[string]any{
		"type":        string(ctype),
		"entities":    ids,
		"description": description,
	})
	return c.ID, nil
}

// Get returns a copy of a conflict.
func (r *Resolver) Get(id string) (Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: %s", coreerr.ErrConflictNotFound, id)
	}
	return c.clone(), nil
}

// List returns conflicts in a state (all when empty), oldest first.
func (r *Resolver) List(state State) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conflict
	for _, c := range r.conflicts {
		if state == "" || c.State == state {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve applies strategy to a detected conflict. A conflict is resolved at
// most once. When the strategy cannot pick a winner the conflict becomes
// unresolved, is escalated, and ErrConflictUnresolved is returned with the
// outcome.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy Strategy, params Params) (Outcome, error) {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", coreerr.ErrConflictNotFound, id)
	}
	if c.State != StateDetected {
		state := c.State
		r.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: conflict %s is %s", coreerr.ErrInvalidStateTransition, id, state)
	}
	custom, err := r.checkLocked(strategy, params)
	if err != nil {
		r.mu.Unlock()
		return Outcome{}, err
	}
	c.State = StateResolving
	snapshot := c.clone()
	entities, canceller, escalator, delegates := r.entities, r.canceller, r.escalator, r.delegates
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		slog.Warn("Conflict resolving state not persisted", "conflict_id", id, "error", err)
	}

	contenders := make([]Entity, 0, len(snapshot.Entities))
	for _, eid := range snapshot.Entities {
		e := Entity{ID: eid}
		if entities != nil {
			if found, ok := entities.Entity(eid); ok {
				e = found
				e.ID = eid
			}
		}
		contenders = append(contenders, e)
	}

	outcome, err := decide(ctx, snapshot, contenders, strategy, params, custom, delegates)
	if err != nil {
		r.mu.Lock()
		c.State = StateDetected
		reopened := c.clone()
		r.mu.Unlock()
		_ = r.persist(ctx, reopened)
		return Outcome{}, err
	}
	outcome.Strategy = strategy
	resolved := len(outcome.Winners) > 0 || outcome.Delegate != "" || strategy == StrategyCancel

	if resolved && canceller != nil {
		for _, loser := range outcome.Losers {
			e := findEntity(contenders, loser)
			if e.Kind != KindTask {
				continue
			}
			if err := canceller.Cancel(ctx, loser, "lost conflict "+id); err != nil {
				slog.Warn("Losing task not cancelled", "conflict_id", id, "task_id", loser, "error", err)
			}
		}
	}

	if !resolved && escalator != nil {
		escID, err := escalator.Escalate(ctx, "conflict", id, fmt.Sprintf("%s conflict between %s: %s", snapshot.Type, strings.Join(snapshot.Entities, ", "), outcome.Reason), map[string]any{
			"strategy":    string(strategy),
			"entities":    snapshot.Entities,
			"description": snapshot.Description,
		})
		if err != nil {
			slog.Warn("Conflict escalation failed", "conflict_id", id, "error", err)
		} else {
			outcome.EscalationID = escID
		}
	}

	at := r.now()
	r.mu.Lock()
	if resolved {
		c.State = StateResolved
	} else {
		c.State = StateUnresolved
	}
	o := outcome
	c.Outcome = &o
	c.ResolvedAt = &at
	final := c.clone()
	r.mu.Unlock()

	if err := r.persist(ctx, final); err != nil {
		slog.Warn("Conflict outcome not persisted", "conflict_id", id, "error", err)
	}

	payload := map[string]any{
		"strategy": string(strategy),
		"winners":  outcome.Winners,
		"losers":   outcome.Losers,
		"reason":   outcome.Reason,
	}
	if outcome.Delegate != "" {
		payload["delegate"] = outcome.Delegate
	}
	if !resolved {
		payload["escalation_id"] = outcome.EscalationID
		slog.Warn("Conflict unresolved", "conflict_id", id, "strategy", strategy, "reason", outcome.Reason)
		r.emit(bus.EventConflictUnresolved, id, payload)
		return outcome, fmt.Errorf("%w: %s: %s", coreerr.ErrConflictUnresolved, id, outcome.Reason)
	}
	slog.Info("Conflict resolved", "conflict_id", id, "strategy", strategy, "winners", outcome.Winners)
	r.emit(bus.EventConflictResolved, id, payload)
	return outcome, nil
}

func (r *Resolver) checkLocked(strategy Strategy, params Params) (CustomFunc, error) {
	switch strategy {
	case StrategyPriority, StrategyAuthority, StrategyFirst, StrategyLast, StrategyMerge, StrategyCancel, StrategyDelegate:
		return nil, nil
	case StrategyConsensus:
		if params.Threshold < 0 || params.Threshold >= 1 {
			return nil, fmt.Errorf("%w: consensus threshold must be within [0,1)", coreerr.ErrInvalidInput)
		}
		return nil, nil
	case StrategyCustom:
		fn, ok := r.custom[strings.TrimSpace(params.Custom)]
		if !ok || fn == nil {
			return nil, fmt.Errorf("%w: unknown custom strategy %q", coreerr.ErrInvalidInput, params.Custom)
		}
		return fn, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", coreerr.ErrInvalidInput, strategy)
	}
}

func decide(ctx context.Context, c Conflict, contenders []Entity, strategy Strategy, params Params, custom CustomFunc, delegates DelegateFinder) (Outcome, error) {
	winner := func(id, tieReason string) Outcome {
		if id == "" {
			return Outcome{Reason: tieReason}
		}
		return Outcome{Winners: []string{id}, Losers: others(c.Entities, id)}
	}

	switch strategy {
	case StrategyPriority:
		return winner(pickMax(contenders, func(e Entity) int64 { return int64(e.Priority) }), "priority tie"), nil
	case StrategyAuthority:
		return winner(pickMax(contenders, func(e Entity) int64 { return int64(e.Authority) }), "authority tie"), nil
	case StrategyFirst:
		return winner(pickMax(contenders, func(e Entity) int64 { return -e.Timestamp.UnixNano() }), "simultaneous claims"), nil
	case StrategyLast:
		return winner(pickMax(contenders, func(e Entity) int64 { return e.Timestamp.UnixNano() }), "simultaneous claims"), nil
	case StrategyMerge:
		return Outcome{Winners: append([]string(nil), c.Entities...), Reason: "claims merged"}, nil
	case StrategyCancel:
		return Outcome{Losers: append([]string(nil), c.Entities...), Reason: "all claims cancelled"}, nil
	case StrategyConsensus:
		owners := make(map[string]string, len(contenders))
		for _, e := range contenders {
			if e.Agent != "" {
				owners[e.ID] = e.Agent
			}
		}
		tally := TallyVotes(Ballot{
			Entities:  c.Entities,
			Owners:    owners,
			Voters:    params.Voters,
			Votes:     params.Votes,
			Threshold: params.Threshold,
			AllowSelf: params.AllowSelfVote,
		})
		if tally.Counted == 0 {
			return Outcome{Reason: "no eligible votes"}, nil
		}
		if tally.Winner == "" {
			return Outcome{Reason: fmt.Sprintf("no consensus: %d votes from %d voters", tally.Counted, tally.Eligible)}, nil
		}
		o := winner(tally.Winner, "")
		o.Reason = fmt.Sprintf("consensus %.2f", tally.Share)
		return o, nil
	case StrategyDelegate:
		if delegates == nil {
			return Outcome{Reason: "no delegate available"}, nil
		}
		id, ok := delegates.HighestAuthority()
		if !ok {
			return Outcome{Reason: "no delegate available"}, nil
		}
		return Outcome{Delegate: id, Reason: "delegated to " + id}, nil
	case StrategyCustom:
		o, err := custom(ctx, c.clone(), contenders, params)
		if err != nil {
			return Outcome{}, fmt.Errorf("custom strategy %q: %w", params.Custom, err)
		}
		o.Losers = others(c.Entities, o.Winners...)
		return o, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown strategy %q", coreerr.ErrInvalidInput, strategy)
}

func findEntity(entities []Entity, id string) Entity {
	for _, e := range entities {
		if e.ID == id {
			return e
		}
	}
	return Entity{ID: id}
}
