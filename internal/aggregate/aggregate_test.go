package aggregate

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/task"
)

type fakeDetector struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeDetector) Detect(_ context.Context, ctype conflict.Type, entities []string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctype != conflict.TypeData {
		return "", errors.New("unexpected conflict type")
	}
	f.calls = append(f.calls, entities)
	return "conflict-1", nil
}

type metadata map[string]map[string]string

func (m metadata) Metadata(id string) (map[string]string, bool) {
	md, ok := m[id]
	return md, ok
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func result(id, agent string, offset int, payload map[string]any, confidence float64) task.Result {
	return task.Result{
		ID:         id,
		TaskID:     "T1",
		AgentID:    agent,
		Payload:    payload,
		Confidence: confidence,
		Timestamp:  base.Add(time.Duration(offset) * time.Second),
	}
}

func TestNoResultsYet(t *testing.T) {
	a := New(StrategyMajority, nil, nil)
	got, err := a.Aggregate(context.Background(), "T1")
	if err != nil || got.State != StateNoResultsYet || got.Strategy != StrategyMajority {
		t.Fatalf("unexpected empty aggregate %+v err=%v", got, err)
	}
}

func TestMajorityIsIdempotentAndIgnoresDuplicates(t *testing.T) {
	a := New(StrategyCollect, nil, nil)
	ctx := context.Background()
	if err := a.RegisterTask("T1", StrategyMajority); err != nil {
		t.Fatalf("register: %v", err)
	}
	up := map[string]any{"trend": "up"}
	_, _ = a.AddResult(ctx, result("r1", "A1", 0, up, 0.9))
	_, _ = a.AddResult(ctx, result("r2", "A2", 1, map[string]any{"trend": "up"}, 0.8))
	_, _ = a.AddResult(ctx, result("r3", "A3", 2, map[string]any{"trend": "down"}, 0.7))
	if added, _ := a.AddResult(ctx, result("r3", "A3", 2, map[string]any{"trend": "down"}, 0.7)); added {
		t.Fatal("duplicate result must be ignored")
	}

	first, err := a.Aggregate(ctx, "T1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if first.State != StateAggregated || first.Payload["trend"] != "up" || first.Count != 3 {
		t.Fatalf("unexpected majority %+v", first)
	}
	if first.Confidence < 0.66 || first.Confidence > 0.67 {
		t.Fatalf("expected 2/3 confidence, got %f", first.Confidence)
	}
	up["trend"] = "mutated"
	second, _ := a.Aggregate(ctx, "T1")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated aggregation differs:\n%+v\n%+v", first, second)
	}
}

func TestMajorityTieDetectsDataConflict(t *testing.T) {
	det := &fakeDetector{}
	a := New(StrategyMajority, det, nil)
	ctx := context.Background()
	_, _ = a.AddResult(ctx, result("r1", "A1", 0, map[string]any{"v": 1}, 1))
	_, _ = a.AddResult(ctx, result("r2", "A2", 1, map[string]any{"v": 2}, 1))

	got, _ := a.Aggregate(ctx, "T1")
	if got.State != StateConflicted || got.ConflictID != "conflict-1" || got.Payload != nil {
		t.Fatalf("expected conflicted aggregate, got %+v", got)
	}
	_, _ = a.Aggregate(ctx, "T1")
	if len(det.calls) != 1 || len(det.calls[0]) != 2 {
		t.Fatalf("expected one conflict for the tied results, got %v", det.calls)
	}

	_, _ = a.AddResult(ctx, result("r3", "A3", 2, map[string]any{"v": 2}, 1))
	got, _ = a.Aggregate(ctx, "T1")
	if got.State != StateAggregated || got.Payload["v"] != 2 {
		t.Fatalf("expected new result to break the tie, got %+v", got)
	}
}

func TestWeightedUsesTrust(t *testing.T) {
	md := metadata{"oracle": {"trust": "3"}, "a": {}, "b": {}}
	a := New(StrategyWeighted, nil, TrustFromMetadata(md, map[string]float64{"b": 0.5}))
	ctx := context.Background()
	_, _ = a.AddResult(ctx, result("r1", "a", 0, map[string]any{"answer": "no"}, 1))
	_, _ = a.AddResult(ctx, result("r2", "b", 1, map[string]any{"answer": "no"}, 1))
	_, _ = a.AddResult(ctx, result("r3", "oracle", 2, map[string]any{"answer": "yes"}, 1))

	got, _ := a.Aggregate(ctx, "T1")
	if got.Payload["answer"] != "yes" {
		t.Fatalf("expected trusted agent to win, got %+v", got)
	}
	if want := 3.0 / 4.5; got.Confidence < want-1e-9 || got.Confidence > want+1e-9 {
		t.Fatalf("confidence=%f want %f", got.Confidence, want)
	}
}

func TestFirstLastCollectCustom(t *testing.T) {
	ctx := context.Background()
	build := func(s Strategy) *Aggregator {
		a := New(s, nil, nil)
		_, _ = a.AddResult(ctx, result("late", "A2", 5, map[string]any{"n": "late"}, 0.4))
		_, _ = a.AddResult(ctx, result("early", "A1", 1, map[string]any{"n": "early"}, 0.8))
		return a
	}

	if got, _ := build(StrategyFirst).Aggregate(ctx, "T1"); got.Payload["n"] != "early" || got.Confidence != 0.8 {
		t.Fatalf("first: %+v", got)
	}
	if got, _ := build(StrategyLast).Aggregate(ctx, "T1"); got.Payload["n"] != "late" {
		t.Fatalf("last: %+v", got)
	}
	got, _ := build(StrategyCollect).Aggregate(ctx, "T1")
	if items, ok := got.Payload["results"].([]any); !ok || len(items) != 2 {
		t.Fatalf("collect: %+v", got)
	}
	if got.Confidence < 0.6-1e-9 || got.Confidence > 0.6+1e-9 {
		t.Fatalf("collect confidence=%f", got.Confidence)
	}

	a := build(StrategyCollect)
	if err := a.RegisterTask("T1", StrategyCustom); !errors.Is(err, coreerr.ErrInvalidInput) {
		t.Fatalf("custom without combinator must fail, got %v", err)
	}
	_ = a.RegisterCustom("T1", func(rs []task.Result) (map[string]any, float64, error) {
		return map[string]any{"count": len(rs)}, 1, nil
	})
	if got, _ := a.Aggregate(ctx, "T1"); got.Payload["count"] != 2 || got.Strategy != StrategyCustom {
		t.Fatalf("custom: %+v", got)
	}
}

func TestAttachConsumesResultEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	a := New(StrategyLast, nil, nil)
	a.Attach(b)

	ev := bus.NewEvent(bus.EventTaskResultRecorded, "T9", map[string]any{
		"result_id":  "r1",
		"agent_id":   "A1",
		"payload":    map[string]any{"ok": true},
		"confidence": 0.75,
	})
	_ = b.Publish(ev)
	_ = b.Publish(ev)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := a.Aggregate(context.Background(), "T9")
		if got.State == StateAggregated {
			if got.Count != 1 || got.Confidence != 0.75 || got.Payload["ok"] != true {
				t.Fatalf("unexpected aggregate %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result event never aggregated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.Detach()
}

func TestAttachFilesSubtaskResultsUnderParent(t *testing.T) {
	b := bus.New()
	defer b.Close()
	a := New(StrategyMajority, nil, nil)
	a.Attach(b)
	defer a.Detach()

	for _, sub := range []struct{ task, result, agent, action string }{
		{"S1", "r1", "A1", "sell"},
		{"S2", "r2", "A2", "sell"},
		{"S3", "r3", "A3", "hold"},
	} {
		_ = b.Publish(bus.NewEvent(bus.EventTaskResultRecorded, sub.task, map[string]any{
			"result_id":  sub.result,
			"agent_id":   sub.agent,
			"payload":    map[string]any{"action": sub.action},
			"confidence": 0.9,
			"parent_id":  "P",
		}))
	}
	_ = b.Publish(bus.NewEvent(bus.EventTaskResultRecorded, "P", map[string]any{
		"result_id": "rollup",
		"payload":   map[string]any{"S1": map[string]any{"action": "sell"}},
		"rollup":    true,
	}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := a.Aggregate(context.Background(), "P")
		if got.Count == 3 {
			if got.State != StateAggregated || got.Payload["action"] != "sell" {
				t.Fatalf("unexpected parent aggregate %+v", got)
			}
			break
		}
		if got.Count > 3 {
			t.Fatalf("rolled-up result must not be counted, got %+v", got)
		}
		if time.Now().After(deadline) {
			t.Fatalf("subtask results never reached the parent, got %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := a.Aggregate(context.Background(), "S1"); got.Count != 1 {
		t.Fatalf("subtask keeps its own result, got %+v", got)
	}
}
