package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, Tasks, "t1", "created", record{Name: "fetch", Count: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, Tasks, "t1", "assigned", record{Name: "fetch", Count: 2}); err != nil {
		t.Fatalf("put update: %v", err)
	}

	var got record
	ok, err := s.Get(ctx, Tasks, "t1", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Count != 2 {
		t.Fatalf("expected updated record, got %+v", got)
	}

	ok, err = s.Get(ctx, Tasks, "missing", &got)
	if err != nil || ok {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}
}

func TestEachFiltersByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, Agents, "a1", "active", record{Name: "a1"})
	_ = s.Put(ctx, Agents, "a2", "offline", record{Name: "a2"})

	var ids []string
	err := s.Each(ctx, Agents, "active", func(id string, data []byte) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("expected only a1, got %v", ids)
	}

	if err := s.Delete(ctx, Agents, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids = nil
	_ = s.Each(ctx, Agents, "", func(id string, data []byte) error {
		ids = append(ids, id)
		return nil
	})
	if len(ids) != 1 || ids[0] != "a2" {
		t.Fatalf("expected only a2 after delete, got %v", ids)
	}
}

func TestUnknownTableRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(context.Background(), Table("agents; DROP TABLE tasks"), "x", "", record{}); err == nil {
		t.Fatal("expected unknown table error")
	}
}

func TestKnowledgeEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vec := []float32{0.25, -1.5, 3}
	err := s.PutKnowledge(ctx, KnowledgeRow{
		ID: "k1", LineageID: "k1", Topic: "market/crypto", Status: "active",
		Version: 1, Embedding: vec, Data: []byte(`{"id":"k1"}`),
	})
	if err != nil {
		t.Fatalf("put knowledge: %v", err)
	}
	rows, err := s.ListKnowledge(ctx)
	if err != nil {
		t.Fatalf("list knowledge: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	for i := range vec {
		if rows[0].Embedding[i] != vec[i] {
			t.Fatalf("embedding mismatch: %v", rows[0].Embedding)
		}
	}
	if err := s.DeleteKnowledge(ctx, "k1"); err != nil {
		t.Fatalf("delete knowledge: %v", err)
	}
	rows, _ = s.ListKnowledge(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(rows))
	}
}

func TestDecodeFloat32sRejectsTruncatedBlob(t *testing.T) {
	if DecodeFloat32s([]byte{1, 2, 3}) != nil {
		t.Fatal("expected nil for truncated blob")
	}
}

func TestFeedbackCursorAndWeights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendFeedback(ctx, FeedbackRow{DecisionID: "d1", Outcome: "success", Quality: 0.9})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendFeedback(ctx, FeedbackRow{DecisionID: "d2", Outcome: "failure", Quality: 0.1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rows, err := s.FeedbackSince(ctx, first)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(rows) != 1 || rows[0].DecisionID != "d2" {
		t.Fatalf("expected only d2 after cursor, got %+v", rows)
	}

	var w map[string]float64
	ok, err := s.LatestWeights(ctx, &w)
	if err != nil || ok {
		t.Fatalf("expected no weights yet, ok=%v err=%v", ok, err)
	}
	_ = s.SaveWeights(ctx, 1, map[string]float64{"result": 0.6})
	_ = s.SaveWeights(ctx, 2, map[string]float64{"result": 0.7})
	ok, err = s.LatestWeights(ctx, &w)
	if err != nil || !ok || w["result"] != 0.7 {
		t.Fatalf("expected latest weights, got %v ok=%v err=%v", w, ok, err)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if v, _ := s.GetSetting(ctx, "cursor"); v != "" {
		t.Fatalf("expected empty setting, got %q", v)
	}
	_ = s.SetSetting(ctx, "cursor", "4")
	_ = s.SetSetting(ctx, "cursor", "5")
	if v, _ := s.GetSetting(ctx, "cursor"); v != "5" {
		t.Fatalf("expected 5, got %q", v)
	}
}

func TestRecordEventsWritesLog(t *testing.T) {
	s := newTestStore(t)
	b := bus.New()
	s.RecordEvents(b)

	ev := bus.NewEvent(bus.EventTaskCreated, "t1", map[string]any{"type": "fetch"})
	_ = b.Publish(ev)
	_ = b.Publish(ev)
	b.Close()

	events, err := s.ListEvents(context.Background(), EventFilter{EntityID: "t1"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected duplicate event ignored, got %d", len(events))
	}
	if events[0].Payload["type"] != "fetch" {
		t.Fatalf("unexpected payload %+v", events[0].Payload)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Put(context.Background(), Conflicts, "c1", "detected", record{Name: "c1"})
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	var got record
	ok, _ := s.Get(context.Background(), Conflicts, "c1", &got)
	if !ok || got.Name != "c1" {
		t.Fatalf("expected persisted conflict, got %+v", got)
	}
}

func TestSchemaAppliesWithCgoDriver(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	s, err := OpenDB(db)
	if err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, Escalations, "e1", "pending", record{Name: "e1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = s.AppendEvent(ctx, bus.Event{ID: "ev1", Type: bus.EventEscalationCreated, EntityID: "e1", Timestamp: time.Now()})
	events, err := s.ListEvents(ctx, EventFilter{Type: bus.EventEscalationCreated})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %d err=%v", len(events), err)
	}
}

func TestRetryableMarksLockErrors(t *testing.T) {
	if !coreerr.IsTransient(Retryable(errors.New("database is locked (5) (SQLITE_BUSY)"))) {
		t.Fatal("expected lock error to be transient")
	}
	if coreerr.IsTransient(Retryable(errors.New("no such table: agents"))) {
		t.Fatal("schema errors must not be transient")
	}
	if Retryable(nil) != nil {
		t.Fatal("nil stays nil")
	}
}
