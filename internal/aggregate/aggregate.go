// Package aggregate combines the results agents report for a task.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/task"
)

// Strategy selects how results are combined.
type Strategy string

const (
	StrategyCollect  Strategy = "collect"
	StrategyMajority Strategy = "majority"
	StrategyWeighted Strategy = "weighted"
	StrategyFirst    Strategy = "first"
	StrategyLast     Strategy = "last"
	StrategyCustom   Strategy = "custom"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCollect, StrategyMajority, StrategyWeighted, StrategyFirst, StrategyLast, StrategyCustom:
		return true
	}
	return false
}

// State describes an aggregate.
type State string

const (
	StateNoResultsYet State = "no_results_yet"
	StateAggregated   State = "aggregated"
	StateConflicted   State = "conflicted"
)

// Aggregated is the combined view of a task's results.
type Aggregated struct {
	TaskID     string         `json:"task_id"`
	Strategy   Strategy       `json:"strategy"`
	State      State          `json:"state"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
	Count      int            `json:"count"`
	ConflictID string         `json:"conflict_id,omitempty"`
	Results    []task.Result  `json:"results,omitempty"`
}

// Combinator is a caller-supplied strategy.
type Combinator func(results []task.Result) (payload map[string]any, confidence float64, err error)

// Detector records result disagreements as data conflicts.
type Detector interface {
	Detect(ctx context.Context, ctype conflict.Type, entities []string, description string) (string, error)
}

// TrustFunc returns an agent's weight for the weighted strategy.
type TrustFunc func(agentID string) float64

// MetadataSource exposes agent metadata. The registry implements it.
type MetadataSource interface {
	Metadata(agentID string) (map[string]string, bool)
}

// TrustFromMetadata reads the "trust" metadata key, falling back to
// overrides and then 1.0.
func TrustFromMetadata(src MetadataSource, overrides map[string]float64) TrustFunc {
	return func(agentID string) float64 {
		if w, ok := overrides[agentID]; ok {
			return w
		}
		if src != nil {
			if md, ok := src.Metadata(agentID); ok {
				if v, err := strconv.ParseFloat(strings.TrimSpace(md["trust"]), 64); err == nil && v >= 0 {
					return v
				}
			}
		}
		return 1.0
	}
}

type entry struct {
	strategy Strategy
	custom   Combinator
	results  []task.Result
	seen     map[string]bool
	version  int

	cached        *Aggregated
	cachedVersion int
}

// Aggregator keeps per-task result sets and cached aggregates.
type Aggregator struct {
	// compute serializes cache misses so one result set yields one aggregate.
	compute  sync.Mutex
	mu       sync.Mutex
	entries  map[string]*entry
	fallback Strategy

	detector Detector
	trust    TrustFunc

	bus   *bus.Bus
	subID string
}

// New creates an aggregator. fallback applies to tasks never registered.
func New(fallback Strategy, detector Detector, trust TrustFunc) *Aggregator {
	if !fallback.Valid() || fallback == StrategyCustom {
		fallback = StrategyCollect
	}
	if trust == nil {
		trust = func(string) float64 { return 1.0 }
	}
	return &Aggregator{
		entries:  make(map[string]*entry),
		fallback: fallback,
		detector: detector,
		trust:    trust,
	}
}

func (a *Aggregator) entryLocked(taskID string) *entry {
	e, ok := a.entries[taskID]
	if !ok {
		e = &entry{strategy: a.fallback, seen: make(map[string]bool)}
		a.entries[taskID] = e
	}
	return e
}

// RegisterTask sets the strategy for taskID.
func (a *Aggregator) RegisterTask(taskID string, s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown aggregation strategy %q", coreerr.ErrInvalidInput, s)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(taskID)
	if s == StrategyCustom && e.custom == nil {
		return fmt.Errorf("%w: custom strategy needs a combinator", coreerr.ErrInvalidInput)
	}
	e.strategy = s
	e.cached = nil
	return nil
}

// RegisterCustom sets a combinator for taskID and selects the custom strategy.
func (a *Aggregator) RegisterCustom(taskID string, fn Combinator) error {
	if fn == nil {
		return fmt.Errorf("%w: nil combinator", coreerr.ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(taskID)
	e.custom = fn
	e.strategy = StrategyCustom
	e.cached = nil
	return nil
}

// AddResult records a result. Results already seen (same id) are ignored and
// false is returned.
func (a *Aggregator) AddResult(_ context.Context, r task.Result) (bool, error) {
	if strings.TrimSpace(r.TaskID) == "" || strings.TrimSpace(r.ID) == "" {
		return false, fmt.Errorf("%w: result needs task and result ids", coreerr.ErrInvalidInput)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(r.TaskID)
	if e.seen[r.ID] {
		return false, nil
	}
	e.seen[r.ID] = true
	r.Payload = cloneMap(r.Payload)
	e.results = append(e.results, r)
	e.version++
	return true, nil
}

// Forget drops everything held for taskID.
func (a *Aggregator) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, taskID)
}

// Aggregate combines the results for taskID. The result is cached until a new
// result arrives, so repeated calls return the same aggregate.
func (a *Aggregator) Aggregate(ctx context.Context, taskID string) (Aggregated, error) {
	a.compute.Lock()
	defer a.compute.Unlock()
	a.mu.Lock()
	e, ok := a.entries[taskID]
	if !ok || len(e.results) == 0 {
		strategy := a.fallback
		if ok {
			strategy = e.strategy
		}
		a.mu.Unlock()
		return Aggregated{TaskID: taskID, Strategy: strategy, State: StateNoResultsYet}, nil
	}
	if e.cached != nil && e.cachedVersion == e.version {
		out := e.cached.clone()
		a.mu.Unlock()
		return out, nil
	}
	strategy, custom, version := e.strategy, e.custom, e.version
	results := make([]task.Result, len(e.results))
	copy(results, e.results)
	a.mu.Unlock()

	agg, err := a.combine(ctx, taskID, strategy, custom, results)
	if err != nil {
		return Aggregated{}, err
	}

	a.mu.Lock()
	if cur, ok := a.entries[taskID]; ok && cur.version == version {
		c := agg.clone()
		cur.cached = &c
		cur.cachedVersion = version
	}
	a.mu.Unlock()
	return agg, nil
}

func (a *Aggregator) combine(ctx context.Context, taskID string, strategy Strategy, custom Combinator, results []task.Result) (Aggregated, error) {
	agg := Aggregated{TaskID: taskID, Strategy: strategy, State: StateAggregated, Count: len(results), Results: results}
	ordered := make([]task.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	switch strategy {
	case StrategyCollect:
		items := make([]any, len(results))
		var sum float64
		for i, r := range results {
			items[i] = cloneMap(r.Payload)
			sum += r.Confidence
		}
		agg.Payload = map[string]any{"results": items}
		agg.Confidence = sum / float64(len(results))

	case StrategyFirst, StrategyLast:
		pick := ordered[0]
		if strategy == StrategyLast {
			pick = ordered[len(ordered)-1]
		}
		agg.Payload = cloneMap(pick.Payload)
		agg.Confidence = pick.Confidence

	case StrategyMajority:
		a.vote(ctx, &agg, results, func(task.Result) float64 { return 1 })

	case StrategyWeighted:
		a.vote(ctx, &agg, results, func(r task.Result) float64 { return a.trust(r.AgentID) })

	case StrategyCustom:
		if custom == nil {
			return Aggregated{}, fmt.Errorf("%w: no combinator for task %s", coreerr.ErrInvalidInput, taskID)
		}
		payload, confidence, err := custom(results)
		if err != nil {
			return Aggregated{}, fmt.Errorf("custom aggregation for task %s: %w", taskID, err)
		}
		agg.Payload = payload
		agg.Confidence = confidence

	default:
		return Aggregated{}, fmt.Errorf("%w: unknown aggregation strategy %q", coreerr.ErrInvalidInput, strategy)
	}
	return agg, nil
}

// vote groups identical payloads and picks the group with the greatest
// summed weight. A tie for first place marks the aggregate conflicted.
func (a *Aggregator) vote(ctx context.Context, agg *Aggregated, results []task.Result, weight func(task.Result) float64) {
	type group struct {
		key     string
		payload map[string]any
		weight  float64
		ids     []string
	}
	groups := make(map[string]*group)
	var order []string
	var total float64
	for _, r := range results {
		key := canonical(r.Payload)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, payload: r.Payload}
			groups[key] = g
			order = append(order, key)
		}
		w := weight(r)
		if w < 0 {
			w = 0
		}
		g.weight += w
		g.ids = append(g.ids, r.ID)
		total += w
	}
	ranked := make([]*group, 0, len(order))
	for _, k := range order {
		ranked = append(ranked, groups[k])
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].weight > ranked[j].weight })

	if len(ranked) > 1 && ranked[0].weight == ranked[1].weight {
		agg.State = StateConflicted
		var tied []string
		for _, g := range ranked {
			if g.weight != ranked[0].weight {
				break
			}
			tied = append(tied, g.ids...)
		}
		if a.detector != nil {
			desc := fmt.Sprintf("task %s results disagree under %s aggregation", agg.TaskID, agg.Strategy)
			id, err := a.detector.Detect(ctx, conflict.TypeData, tied, desc)
			if err != nil {
				slog.Warn("Result conflict not recorded", "task_id", agg.TaskID, "error", err)
			} else {
				agg.ConflictID = id
			}
		}
		return
	}
	agg.Payload = cloneMap(ranked[0].payload)
	if total > 0 {
		agg.Confidence = ranked[0].weight / total
	}
}

// Attach consumes task_result_recorded events from b. A subtask result also
// counts toward its parent. A parent's rolled-up result is not added to its
// own set, which already holds the subtask results it was built from.
func (a *Aggregator) Attach(b *bus.Bus) {
	dedupe := bus.NewDeduper(0)
	id := b.Subscribe(func(ev bus.Event) {
		if dedupe.Seen(ev.ID) {
			return
		}
		r, ok := resultFromEvent(ev)
		if !ok {
			return
		}
		ctx := context.Background()
		if rollup, _ := ev.Payload["rollup"].(bool); !rollup {
			if _, err := a.AddResult(ctx, r); err != nil {
				slog.Warn("Result event ignored", "task_id", ev.EntityID, "error", err)
			}
		}
		if parent, _ := ev.Payload["parent_id"].(string); parent != "" {
			if _, err := a.AddResult(ctx, ForParent(r, parent)); err != nil {
				slog.Warn("Subtask result not added to parent", "task_id", ev.EntityID, "parent_id", parent, "error", err)
			}
		}
	}, bus.EventTaskResultRecorded)
	a.mu.Lock()
	a.bus, a.subID = b, id
	a.mu.Unlock()
}

// Detach stops consuming events.
func (a *Aggregator) Detach() {
	a.mu.Lock()
	b, id := a.bus, a.subID
	a.bus, a.subID = nil, ""
	a.mu.Unlock()
	if b != nil && id != "" {
		b.Unsubscribe(id)
	}
}

// ForParent returns r filed under parentID. The result id is kept so the
// same subtask result is counted once.
func ForParent(r task.Result, parentID string) task.Result {
	r.TaskID = parentID
	r.Payload = cloneMap(r.Payload)
	return r
}

func resultFromEvent(ev bus.Event) (task.Result, bool) {
	rid, _ := ev.Payload["result_id"].(string)
	if rid == "" || ev.EntityID == "" {
		return task.Result{}, false
	}
	r := task.Result{ID: rid, TaskID: ev.EntityID, Timestamp: ev.Timestamp}
	r.AgentID, _ = ev.Payload["agent_id"].(string)
	r.Payload, _ = ev.Payload["payload"].(map[string]any)
	switch c := ev.Payload["confidence"].(type) {
	case float64:
		r.Confidence = c
	case json.Number:
		r.Confidence, _ = c.Float64()
	}
	return r, true
}

func canonical(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(raw)
}

func (g Aggregated) clone() Aggregated {
	out := g
	out.Payload = cloneMap(g.Payload)
	out.Results = make([]task.Result, len(g.Results))
	for i, r := range g.Results {
		r.Payload = cloneMap(r.Payload)
		out.Results[i] = r
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
