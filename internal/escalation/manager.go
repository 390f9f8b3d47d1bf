// Package escalation hands situations the core cannot settle on its own to a
// human or higher authority.
package escalation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/store"
)

// Status of an escalation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Kinds raised by the core.
const (
	KindConflict = "conflict"
	KindDecision = "decision"
)

// Escalation is one request for outside judgement.
type Escalation struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	SubjectID  string         `json:"subject_id"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	Status     Status         `json:"status"`
	Resolution string         `json:"resolution,omitempty"`
	Responder  string         `json:"responder,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Notifier tells humans about a new escalation.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// Store is the persistence the manager needs. *store.Store implements it.
type Store interface {
	Put(ctx context.Context, table store.Table, id, state string, v any) error
	Each(ctx context.Context, table store.Table, state string, fn func(id string, data []byte) error) error
}

// Manager handles the escalation lifecycle: raise, wait, respond.
type Manager struct {
	mu      sync.Mutex
	items   map[string]*Escalation
	waiters map[string]chan string

	store    Store
	pub      bus.Publisher
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
}

// DefaultPendingTTL is how long a pending escalation survives restarts.
const DefaultPendingTTL = 72 * time.Hour

// NewManager creates a manager. st, pub and notifier may be nil.
func NewManager(st Store, pub bus.Publisher, notifier Notifier) *Manager {
	return &Manager{
		items:    make(map[string]*Escalation),
		waiters:  make(map[string]chan string),
		store:    st,
		pub:      pub,
		notifier: notifier,
		ttl:      DefaultPendingTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetTTL changes how old a pending escalation may be before Load expires it.
// Zero keeps pending escalations forever.
func (m *Manager) SetTTL(d time.Duration) { m.ttl = d }

// Load restores escalations. Pending ones older than the TTL are marked
// expired; younger ones stay open for a human to answer.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	var stale []Escalation
	m.mu.Lock()
	err := m.store.Each(ctx, store.Escalations, "", func(id string, data []byte) error {
		var e Escalation
		if err := json.Unmarshal(data, &e); err != nil {
			slog.Warn("Skipping unreadable escalation", "escalation_id", id, "error", err)
			return nil
		}
		m.items[e.ID] = &e
		if e.Status == StatusPending && m.ttl > 0 && m.now().Sub(e.CreatedAt) > m.ttl {
			stale = append(stale, e)
		}
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load escalations: %w", err)
	}
	for _, e := range stale {
		if err := m.finish(ctx, e.ID, StatusExpired, "", "restart"); err != nil {
			slog.Warn("Stale escalation not expired", "escalation_id", e.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, e Escalation) error {
	if m.store == nil {
		return nil
	}
	return m.store.Put(ctx, store.Escalations, e.ID, string(e.Status), e)
}

func (m *Manager) emit(eventType string, e Escalation) {
	if m.pub == nil {
		return
	}
	payload := map[string]any{"kind": e.Kind, "subject_id": e.SubjectID, "status": string(e.Status)}
	if e.Resolution != "" {
		payload["resolution"] = e.Resolution
	}
	if err := m.pub.Publish(bus.NewEvent(eventType, e.ID, payload)); err != nil {
		slog.Warn("Escalation event not published", "escalation_id", e.ID, "error", err)
	}
}

// Escalate records a pending escalation and notifies humans (best effort).
func (m *Manager) Escalate(ctx context.Context, kind, subjectID, summary string, details map[string]any) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" || strings.TrimSpace(subjectID) == "" {
		return "", fmt.Errorf("%w: escalation needs a kind and a subject", coreerr.ErrInvalidInput)
	}
	e := Escalation{
		ID:        newEscalationID(),
		Kind:      kind,
		SubjectID: subjectID,
		Summary:   summary,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}
	if err := m.persist(ctx, e); err != nil {
		return "", fmt.Errorf("persist escalation: %w", err)
	}
	m.mu.Lock()
	m.items[e.ID] = &e
	m.waiters[e.ID] = make(chan string, 1)
	m.mu.Unlock()

	slog.Warn("Escalation raised", "escalation_id", e.ID, "kind", kind, "subject_id", subjectID, "summary", summary)
	m.emit(bus.EventEscalationCreated, e)
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, e); err != nil {
			slog.Warn("Escalation notification failed", "escalation_id", e.ID, "error", err)
		}
	}
	return e.ID, nil
}

// Wait blocks until the escalation is answered or ctx ends. It returns the
// resolution text.
func (m *Manager) Wait(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: no pending escalation %s", coreerr.ErrInvalidInput, id)
	}
	select {
	case resolution := <-ch:
		return resolution, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond resolves a pending escalation.
func (m *Manager) Respond(ctx context.Context, id, resolution, responder string) error {
	if strings.TrimSpace(resolution) == "" {
		return fmt.Errorf("%w: resolution is required", coreerr.ErrInvalidInput)
	}
	return m.finish(ctx, id, StatusResolved, resolution, responder)
}

func (m *Manager) finish(ctx context.Context, id string, status Status, resolution, responder string) error {
	m.mu.Lock()
	cur, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: escalation %s", coreerr.ErrInvalidInput, id)
	}
	if cur.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: escalation %s is %s", coreerr.ErrInvalidStateTransition, id, cur.Status)
	}
	next := *cur
	at := m.now()
	next.Status = status
	next.Resolution = resolution
	next.Responder = responder
	next.ResolvedAt = &at
	if err := m.persist(ctx, next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist escalation: %w", err)
	}
	m.items[id] = &next
	ch := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	if ch != nil && status == StatusResolved {
		ch <- resolution
	}
	slog.Info("Escalation closed", "escalation_id", id, "status", status, "responder", responder)
	m.emit(bus.EventEscalationResolved, next)
	return nil
}

// Get returns a copy of an escalation.
func (m *Manager) Get(id string) (Escalation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return Escalation{}, false
	}
	return *e, true
}

// List returns escalations with status (all when empty), oldest first.
func (m *Manager) List(status Status) []Escalation {
	m.mu.Lock()
	var out []Escalation
	for _, e := range m.items {
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newEscalationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return "esc-" + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("esc-%d", time.Now().UnixNano())
}
