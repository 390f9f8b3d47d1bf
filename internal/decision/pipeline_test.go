package decision

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/hints"
	"github.com/KafClaw/KafCoord/internal/knowledge"
	"github.com/KafClaw/KafCoord/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fixedSearch map[string][]knowledge.Scored

func (f fixedSearch) Search(_ context.Context, query string, limit int) ([]knowledge.Scored, error) {
	hits := f[query]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type escalations struct {
	subjects []string
}

func (e *escalations) Escalate(_ context.Context, kind, subjectID, _ string, _ map[string]any) (string, error) {
	e.subjects = append(e.subjects, kind+":"+subjectID)
	return "esc-1", nil
}

func hit(source string, score float64) knowledge.Scored {
	return knowledge.Scored{Item: knowledge.Item{ID: source + "-item", SourceID: source}, Score: score}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDecideScoresResultAndKnowledge(t *testing.T) {
	rec := &recorder{}
	search := fixedSearch{"buy": {hit("analyst", 0.8)}}
	p := New(search, nil, rec, Options{})

	d, err := p.Decide(context.Background(), Context{TaskID: "t-1"}, []Option{
		{Name: "hold", ResultConfidence: 0.5},
		{Name: "buy", ResultConfidence: 0.9},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	// 0.6*0.9 + 0.4*(0.8*0.5) = 0.70
	if d.Chosen != "buy" || !near(d.Confidence, 0.70) || d.Level != LevelMedium {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(d.Alternatives) != 2 || d.Alternatives[1].Option != "hold" || !near(d.Alternatives[1].Score, 0.30) {
		t.Fatalf("unexpected alternatives %+v", d.Alternatives)
	}
	if len(d.Alternatives[0].Sources) != 1 || d.Alternatives[0].Sources[0] != "analyst" {
		t.Fatalf("expected analyst as source, got %v", d.Alternatives[0].Sources)
	}
	if d.Reasoning == "" || rec.count(bus.EventDecisionMade) != 1 {
		t.Fatal("expected reasoning and a decision_made event")
	}
	if got, ok := p.Get(d.ID); !ok || got.Chosen != "buy" {
		t.Fatal("expected untracked decision retrievable")
	}
}

func TestDecideDeterministicConfidence(t *testing.T) {
	ctx := context.Background()
	repo := knowledge.NewRepository(knowledge.NewHashEmbedder(128), nil, nil, knowledge.Options{})
	t.Cleanup(repo.Close)
	for _, req := range []knowledge.PublishRequest{
		{Type: knowledge.TypeFact, Topic: "market/btc", Content: map[string]any{"subject": "bitcoin", "predicate": "price", "object": "rising"}, SourceID: "feed-a"},
		{Type: knowledge.TypeFact, Topic: "market/eth", Content: map[string]any{"subject": "ether", "predicate": "volume", "object": "flat"}, SourceID: "feed-b"},
	} {
		if _, err := repo.Publish(ctx, req); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	p := New(repo, nil, nil, Options{})
	opts := []Option{
		{Name: "buy", Query: "bitcoin price rising", ResultConfidence: 0.7},
		{Name: "wait", Query: "ether volume", ResultConfidence: 0.7},
	}
	first, err := p.Decide(ctx, Context{}, opts)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Decide(ctx, Context{}, opts)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if again.Chosen != first.Chosen || again.Confidence != first.Confidence {
			t.Fatalf("decision changed: %s/%v vs %s/%v", again.Chosen, again.Confidence, first.Chosen, first.Confidence)
		}
		for j := range again.Alternatives {
			if again.Alternatives[j].Score != first.Alternatives[j].Score {
				t.Fatal("alternative scores changed between runs")
			}
		}
	}
}

func TestDecideEfficiencyOnlyWhenConstrained(t *testing.T) {
	options := []Option{
		{Name: "stream", ResultConfidence: 0.70, Cost: Cost{Battery: 0.9, Network: 0.9}},
		{Name: "batch", ResultConfidence: 0.68, Cost: Cost{Battery: 0.2, Network: 0.3}},
		{Name: "skip", ResultConfidence: 0.50},
	}
	p := New(nil, nil, nil, Options{})
	ctx := context.Background()

	d, err := p.Decide(ctx, Context{AgentID: "phone"}, options)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Chosen != "stream" || d.BatteryEfficient {
		t.Fatalf("unconstrained device should take the best score, got %+v", d)
	}

	h := hints.NewStatic()
	h.Set("phone", hints.Hint{Battery: 80, BatteryKnown: true, OnBattery: true})
	p.SetHints(h)
	d, err = p.Decide(ctx, Context{AgentID: "phone"}, options)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Chosen != "batch" || !d.BatteryEfficient || d.NetworkEfficient {
		t.Fatalf("expected battery efficient pick, got %+v", d)
	}
	if !near(d.Confidence, 0.6*0.68) {
		t.Fatalf("confidence should be the chosen score, got %v", d.Confidence)
	}

	metered := hints.Hint{Metered: true}
	d, err = p.Decide(ctx, Context{AgentID: "phone", Hint: &metered}, options)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Chosen != "batch" || !d.NetworkEfficient || d.BatteryEfficient {
		t.Fatalf("expected network efficient pick, got %+v", d)
	}
}

func TestDecideTieBrokenByName(t *testing.T) {
	p := New(nil, nil, nil, Options{})
	d, err := p.Decide(context.Background(), Context{}, []Option{
		{Name: "zulu", ResultConfidence: 0.6},
		{Name: "alpha", ResultConfidence: 0.6},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Chosen != "alpha" {
		t.Fatalf("expected alpha on a tie, got %s", d.Chosen)
	}
}

func TestDecideRejectsBadOptions(t *testing.T) {
	p := New(nil, nil, nil, Options{})
	cases := map[string][]Option{
		"empty":     nil,
		"unnamed":   {{Name: " ", ResultConfidence: 0.5}},
		"duplicate": {{Name: "a", ResultConfidence: 0.5}, {Name: "a", ResultConfidence: 0.4}},
		"range":     {{Name: "a", ResultConfidence: 1.5}},
	}
	for name, opts := range cases {
		if _, err := p.Decide(context.Background(), Context{}, opts); !errors.Is(err, coreerr.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestTrackRejectsViolationsAndEscalates(t *testing.T) {
	esc := &escalations{}
	st := openStore(t)
	p := New(nil, st, nil, Options{MinConfidence: 0.5})
	p.SetEscalator(esc)
	ctx := context.Background()

	d, err := p.Decide(ctx, Context{}, []Option{{Name: "a", ResultConfidence: 0.5}})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	// 0.6*0.5 = 0.3 is below the pipeline floor.
	err = p.Track(ctx, d, Constraints{})
	if !errors.Is(err, coreerr.ErrDecisionConstraintViolated) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if len(esc.subjects) != 1 || esc.subjects[0] != "decision:"+d.ID {
		t.Fatalf("expected one escalation, got %v", esc.subjects)
	}
	if len(p.List()) != 0 {
		t.Fatal("rejected decision must not be tracked")
	}
}

func TestTrackPersistsAndLoads(t *testing.T) {
	st := openStore(t)
	rec := &recorder{}
	p := New(nil, st, rec, Options{})
	ctx := context.Background()

	d, err := p.Decide(ctx, Context{TaskID: "t-9"}, []Option{{Name: "a", ResultConfidence: 0.9}})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := p.Track(ctx, d, Constraints{MinConfidence: 0.4}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := p.Track(ctx, d, Constraints{}); err != nil {
		t.Fatalf("re-track should be a no-op, got %v", err)
	}
	if rec.count(bus.EventDecisionTracked) != 1 {
		t.Fatal("expected exactly one decision_tracked event")
	}

	reloaded := New(nil, st, nil, Options{})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Get(d.ID)
	if !ok || got.Chosen != "a" || got.Context.TaskID != "t-9" {
		t.Fatalf("expected tracked decision after load, got %+v", got)
	}
}

func TestRecordFeedbackValidation(t *testing.T) {
	p := New(nil, nil, nil, Options{})
	ctx := context.Background()
	if _, err := p.RecordFeedback(ctx, "missing", OutcomeSuccess, 1); !errors.Is(err, coreerr.ErrDecisionNotFound) {
		t.Fatalf("expected decision not found, got %v", err)
	}
	d, _ := p.Decide(ctx, Context{}, []Option{{Name: "a", ResultConfidence: 0.9}})
	if err := p.Track(ctx, d, Constraints{}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := p.RecordFeedback(ctx, d.ID, "great", 1); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("expected unknown outcome rejected, got %v", err)
	}
	if _, err := p.RecordFeedback(ctx, d.ID, OutcomeSuccess, 1.2); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("expected quality range rejected, got %v", err)
	}
	seq, err := p.RecordFeedback(ctx, d.ID, OutcomeSuccess, 1)
	if err != nil || seq != 1 {
		t.Fatalf("expected first feedback seq 1, got %d %v", seq, err)
	}
}
