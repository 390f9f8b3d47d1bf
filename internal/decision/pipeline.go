package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/hints"
	"github.com/KafClaw/KafCoord/internal/knowledge"
	"github.com/KafClaw/KafCoord/internal/store"
)

// Searcher finds knowledge supporting an option. *knowledge.Repository implements it.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Scored, error)
}

// Escalator receives decisions that violate their constraints.
type Escalator interface {
	Escalate(ctx context.Context, kind, subjectID, summary string, details map[string]any) (string, error)
}

// Store is the persistence the pipeline needs. *store.Store implements it.
type Store interface {
	Put(ctx context.Context, table store.Table, id, state string, v any) error
	Each(ctx context.Context, table store.Table, state string, fn func(id string, data []byte) error) error
	AppendFeedback(ctx context.Context, row store.FeedbackRow) (int64, error)
	FeedbackSince(ctx context.Context, after int64) ([]store.FeedbackRow, error)
	SaveWeights(ctx context.Context, version int64, v any) error
	LatestWeights(ctx context.Context, v any) (bool, error)
}

const stateTracked = "tracked"

// Options tunes the pipeline.
type Options struct {
	// TopK is how many knowledge hits back each option.
	TopK int
	// EfficiencyTolerance is the score distance from the best option within
	// which a cheaper option may be preferred on a constrained device.
	EfficiencyTolerance float64
	// MinConfidence is the floor applied on Track in addition to the caller's.
	MinConfidence float64
	// LearningRate scales component weight updates.
	LearningRate float64
	// MaxPending bounds untracked decisions kept for Get.
	MaxPending int
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 3
	}
	if o.EfficiencyTolerance <= 0 {
		o.EfficiencyTolerance = 0.05
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 256
	}
	return o
}

// Pipeline makes, validates, tracks and learns from decisions.
type Pipeline struct {
	opts    Options
	weights atomic.Pointer[Weights]
	learnMu sync.Mutex

	mu        sync.RWMutex
	tracked   map[string]Decision
	pending   map[string]Decision
	pendingQ  []string
	feedback  []Feedback
	memorySeq int64

	knowledge Searcher
	hints     hints.Provider
	escalator Escalator
	store     Store
	pub       bus.Publisher
	now       func() time.Time
}

// New creates a pipeline. knowledge, st and pub may be nil.
func New(kn Searcher, st Store, pub bus.Publisher, opts Options) *Pipeline {
	p := &Pipeline{
		opts:      opts.withDefaults(),
		tracked:   make(map[string]Decision),
		pending:   make(map[string]Decision),
		knowledge: kn,
		store:     st,
		pub:       pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
	w := DefaultWeights()
	p.weights.Store(&w)
	return p
}

// SetHints sets the resource hint provider.
func (p *Pipeline) SetHints(h hints.Provider) { p.hints = h }

// SetEscalator sets where constraint violations go.
func (p *Pipeline) SetEscalator(e Escalator) { p.escalator = e }

// Load restores tracked decisions and the latest weight snapshot.
func (p *Pipeline) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	loaded := make(map[string]Decision)
	err := p.store.Each(ctx, store.Decisions, stateTracked, func(id string, data []byte) error {
		var d Decision
		if err := json.Unmarshal(data, &d); err != nil {
			slog.Warn("Skipping unreadable decision", "decision_id", id, "error", err)
			return nil
		}
		loaded[d.ID] = d
		return nil
	})
	if err != nil {
		return fmt.Errorf("load decisions: %w", err)
	}
	var w Weights
	found, err := p.store.LatestWeights(ctx, &w)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for id, d := range loaded {
		p.tracked[id] = d
	}
	p.mu.Unlock()
	if found {
		if w.Sources == nil {
			w.Sources = map[string]SourceStats{}
		}
		p.weights.Store(&w)
	}
	slog.Info("Decisions loaded", "tracked", len(loaded), "weights_version", p.snapshot().Version)
	return nil
}

func (p *Pipeline) snapshot() *Weights { return p.weights.Load() }

// Weights returns a copy of the current learning snapshot.
func (p *Pipeline) Weights() Weights { return p.snapshot().clone() }

func (p *Pipeline) emit(eventType, id string, payload map[string]any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(bus.NewEvent(eventType, id, payload)); err != nil {
		slog.Warn("Decision event not published", "decision_id", id, "event", eventType, "error", err)
	}
}

// Decide scores the options and picks one. Identical inputs against the same
// knowledge and weights yield the same choice and confidence.
func (p *Pipeline) Decide(ctx context.Context, dc Context, options []Option) (Decision, error) {
	if len(options) == 0 {
		return Decision{}, fmt.Errorf("%w: at least one option is required", coreerr.ErrInvalidInput)
	}
	w := p.snapshot()
	seen := make(map[string]bool, len(options))
	alts := make([]Alternative, 0, len(options))
	for _, o := range options {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			return Decision{}, fmt.Errorf("%w: option name is required", coreerr.ErrInvalidInput)
		}
		if seen[name] {
			return Decision{}, fmt.Errorf("%w: duplicate option %q", coreerr.ErrInvalidInput, name)
		}
		seen[name] = true
		rc := o.ResultConfidence
		if math.IsNaN(rc) || rc < 0 || rc > 1 {
			return Decision{}, fmt.Errorf("%w: option %q result confidence %v outside [0,1]", coreerr.ErrInvalidInput, name, rc)
		}
		ks, sources, err := p.support(ctx, name, o.Query, w)
		if err != nil {
			return Decision{}, fmt.Errorf("knowledge support for %q: %w", name, err)
		}
		alts = append(alts, Alternative{
			Option:         name,
			Score:          w.score(rc, ks),
			ResultScore:    rc,
			KnowledgeScore: ks,
			Sources:        sources,
			Cost:           o.Cost,
		})
	}
	sort.SliceStable(alts, func(i, j int) bool {
		if alts[i].Score != alts[j].Score {
			return alts[i].Score > alts[j].Score
		}
		return alts[i].Option < alts[j].Option
	})

	d := Decision{
		ID:             uuid.NewString(),
		Alternatives:   alts,
		Context:        dc,
		WeightsVersion: w.Version,
		Timestamp:      p.now(),
	}
	pick := 0
	if h, ok := p.hintFor(dc); ok && h.Constrained() {
		pick = p.efficientPick(alts, h)
		if pick != 0 {
			d.BatteryEfficient = batteryConstrained(h) && alts[pick].Cost.Battery < alts[0].Cost.Battery
			d.NetworkEfficient = h.Metered && alts[pick].Cost.Network < alts[0].Cost.Network
		}
	}
	chosen := alts[pick]
	d.Chosen = chosen.Option
	d.Confidence = clamp01(chosen.Score)
	d.Level = LevelFor(d.Confidence)
	d.Reasoning = reasoning(d, chosen, alts[0], w)

	p.remember(d)
	slog.Info("Decision made", "decision_id", d.ID, "chosen", d.Chosen, "confidence", d.Confidence, "task_id", dc.TaskID)
	p.emit(bus.EventDecisionMade, d.ID, map[string]any{
		"chosen":     d.Chosen,
		"confidence": d.Confidence,
		"level":      string(d.Level),
		"task_id":    dc.TaskID,
	})
	return d, nil
}

func (w *Weights) score(result, knowledge float64) float64 {
	wr, wk := w.Result, w.Knowledge
	if wr < 0 || wk < 0 || wr+wk <= 0 {
		def := DefaultWeights()
		wr, wk = def.Result, def.Knowledge
	}
	return (wr*result + wk*knowledge) / (wr + wk)
}

// support is the mean reliability-weighted similarity of the top hits for the option.
func (p *Pipeline) support(ctx context.Context, name, query string, w *Weights) (float64, []string, error) {
	if p.knowledge == nil {
		return 0, nil, nil
	}
	if strings.TrimSpace(query) == "" {
		query = name
	}
	hits, err := p.knowledge.Search(ctx, query, p.opts.TopK)
	if err != nil {
		return 0, nil, err
	}
	if len(hits) == 0 {
		return 0, nil, nil
	}
	var total float64
	var sources []string
	seen := make(map[string]bool)
	for _, h := range hits {
		src := sourceOf(h.Item)
		total += clamp01(h.Score) * w.reliability(src)
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return total / float64(len(hits)), sources, nil
}

func sourceOf(it knowledge.Item) string {
	if s := strings.TrimSpace(it.SourceID); s != "" {
		return s
	}
	return "unknown"
}

func (p *Pipeline) hintFor(dc Context) (hints.Hint, bool) {
	if dc.Hint != nil {
		return *dc.Hint, true
	}
	if p.hints == nil || dc.AgentID == "" {
		return hints.Unknown, false
	}
	return p.hints.Hint(dc.AgentID)
}

func batteryConstrained(h hints.Hint) bool {
	return h.OnBattery || h.LowBattery()
}

// efficientPick returns the index of the cheapest alternative within tolerance
// of the best. Equal costs keep score order.
func (p *Pipeline) efficientPick(alts []Alternative, h hints.Hint) int {
	cost := func(a Alternative) float64 {
		var c float64
		if batteryConstrained(h) {
			c += a.Cost.Battery
		}
		if h.Metered {
			c += a.Cost.Network
		}
		return c
	}
	best := 0
	for i := 1; i < len(alts); i++ {
		if alts[0].Score-alts[i].Score > p.opts.EfficiencyTolerance {
			break
		}
		if cost(alts[i]) < cost(alts[best]) {
			best = i
		}
	}
	return best
}

func reasoning(d Decision, chosen, top Alternative, w *Weights) string {
	var b strings.Builder
	fmt.Fprintf(&b, "chose %q with score %.3f (result %.3f x %.2f, knowledge %.3f x %.2f", chosen.Option, chosen.Score, chosen.ResultScore, w.Result, chosen.KnowledgeScore, w.Knowledge)
	if len(chosen.Sources) > 0 {
		fmt.Fprintf(&b, " from %s", strings.Join(chosen.Sources, ", "))
	}
	b.WriteString(")")
	if n := len(d.Alternatives) - 1; n > 0 {
		fmt.Fprintf(&b, " over %d alternative(s)", n)
	}
	if chosen.Option != top.Option {
		fmt.Fprintf(&b, "; preferred over %q (%.3f) for resource efficiency", top.Option, top.Score)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func (p *Pipeline) remember(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[d.ID] = d
	p.pendingQ = append(p.pendingQ, d.ID)
	for len(p.pendingQ) > p.opts.MaxPending {
		delete(p.pending, p.pendingQ[0])
		p.pendingQ = p.pendingQ[1:]
	}
}

// Track validates d and, when it passes, records it as an audited decision.
// A violating decision is escalated and rejected with ErrDecisionConstraintViolated.
func (p *Pipeline) Track(ctx context.Context, d Decision, c Constraints) error {
	if c.MinConfidence < p.opts.MinConfidence {
		c.MinConfidence = p.opts.MinConfidence
	}
	p.mu.RLock()
	_, done := p.tracked[d.ID]
	p.mu.RUnlock()
	if done {
		return nil
	}

	v := Validate(d, c)
	if !v.OK {
		slog.Warn("Decision rejected", "decision_id", d.ID, "violations", v.Codes())
		if p.escalator != nil && d.ID != "" {
			details := map[string]any{"chosen": d.Chosen, "confidence": d.Confidence, "violations": v.Codes()}
			if _, err := p.escalator.Escalate(ctx, "decision", d.ID, "decision violates constraints: "+v.Codes(), details); err != nil {
				slog.Warn("Decision escalation failed", "decision_id", d.ID, "error", err)
			}
		}
		return fmt.Errorf("%w: %s", coreerr.ErrDecisionConstraintViolated, v.Codes())
	}

	if p.store != nil {
		if err := p.store.Put(ctx, store.Decisions, d.ID, stateTracked, d); err != nil {
			return fmt.Errorf("persist decision %s: %w", d.ID, err)
		}
	}
	p.mu.Lock()
	p.tracked[d.ID] = d
	delete(p.pending, d.ID)
	p.mu.Unlock()

	p.emit(bus.EventDecisionTracked, d.ID, map[string]any{
		"chosen":     d.Chosen,
		"confidence": d.Confidence,
		"task_id":    d.Context.TaskID,
	})
	return nil
}

// RecordFeedback stores an observed outcome for a tracked decision and
// returns its sequence number.
func (p *Pipeline) RecordFeedback(ctx context.Context, decisionID, outcome string, quality float64) (int64, error) {
	p.mu.RLock()
	_, ok := p.tracked[decisionID]
	p.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", coreerr.ErrDecisionNotFound, decisionID)
	}
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	switch outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
	default:
		return 0, fmt.Errorf("%w: unknown outcome %q", coreerr.ErrInvalidInput, outcome)
	}
	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return 0, fmt.Errorf("%w: quality %v outside [0,1]", coreerr.ErrInvalidInput, quality)
	}

	fb := Feedback{DecisionID: decisionID, Outcome: outcome, Quality: quality, Timestamp: p.now()}
	if p.store != nil {
		seq, err := p.store.AppendFeedback(ctx, store.FeedbackRow{
			DecisionID: decisionID,
			Outcome:    outcome,
			Quality:    quality,
			CreatedAt:  fb.Timestamp,
		})
		if err != nil {
			return 0, err
		}
		fb.Seq = seq
	} else {
		p.mu.Lock()
		p.memorySeq++
		fb.Seq = p.memorySeq
		p.feedback = append(p.feedback, fb)
		p.mu.Unlock()
	}

	p.emit(bus.EventFeedbackRecorded, decisionID, map[string]any{
		"seq":     fb.Seq,
		"outcome": outcome,
		"quality": quality,
	})
	return fb.Seq, nil
}

// Get returns a tracked decision, or a recent untracked one.
func (p *Pipeline) Get(id string) (Decision, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d, ok := p.tracked[id]; ok {
		return d, true
	}
	d, ok := p.pending[id]
	return d, ok
}

// List returns tracked decisions, oldest first.
func (p *Pipeline) List() []Decision {
	p.mu.RLock()
	out := make([]Decision, 0, len(p.tracked))
	for _, d := range p.tracked {
		out = append(out, d)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
