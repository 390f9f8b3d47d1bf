package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/retry"
	"github.com/KafClaw/KafCoord/internal/store"
)

// Store is the persistence the registry needs. *store.Store implements it.
type Store interface {
	Put(ctx context.Context, table store.Table, id, state string, v any) error
	Each(ctx context.Context, table store.Table, state string, fn func(id string, data []byte) error) error
}

// Options tunes liveness handling.
type Options struct {
	LivenessWindow     time.Duration
	DegradedBatteryPct int
	Retry              retry.Policy
}

// Registry is the in-memory agent roster, written through to a Store.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord

	store Store
	pub   bus.Publisher
	opts  Options
	now   func() time.Time
}

// New creates a registry. st and pub may be nil.
func New(st Store, pub bus.Publisher, opts Options) *Registry {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 90 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Registry{
		agents: make(map[string]*AgentRecord),
		store:  st,
		pub:    pub,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load restores the roster from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.store.Each(ctx, store.Agents, "", func(id string, data []byte) error {
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("Skipping unreadable agent record", "agent_id", id, "error", err)
			return nil
		}
		r.agents[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	slog.Info("Agent registry loaded", "agents", len(r.agents))
	return nil
}

func (r *Registry) persistLocked(ctx context.Context, rec *AgentRecord) error {
	if r.store == nil {
		return nil
	}
	return retry.Do(ctx, "registry.persist", r.opts.Retry, func(ctx context.Context) error {
		return store.Retryable(r.store.Put(ctx, store.Agents, rec.ID, string(rec.Status), rec))
	})
}

func (r *Registry) emit(eventType, id string, payload map[string]any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(bus.NewEvent(eventType, id, payload)); err != nil {
		slog.Warn("Registry event not published", "event_type", eventType, "agent_id", id, "error", err)
	}
}

func capabilityNames(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.Name
	}
	return out
}

func validateCapabilities(caps []Capability) error {
	for i, c := range caps {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: capability %d has no name", coreerr.ErrInvalidInput, i)
		}
	}
	return nil
}

// Register adds an agent or, when the id is known, updates it in place and
// bumps its version. A missing id is generated. Re-registering under a
// different role fails with ErrRegistrationConflict.
func (r *Registry) Register(ctx context.Context, rec AgentRecord) (string, error) {
	if !rec.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", coreerr.ErrInvalidInput, rec.Role)
	}
	if rec.Status == "" {
		rec.Status = StatusRegistered
	}
	if !rec.Status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", coreerr.ErrInvalidInput, rec.Status)
	}
	if err := validateCapabilities(rec.Capabilities); err != nil {
		return "", err
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	next := rec.clone()
	next.LastSeen = now
	if existing, ok := r.agents[rec.ID]; ok {
		if existing.Role != rec.Role {
			return "", fmt.Errorf("%w: agent %s is registered as %s, not %s", coreerr.ErrRegistrationConflict, rec.ID, existing.Role, rec.Role)
		}
		next.RegisteredAt = existing.RegisteredAt
		next.Version = existing.Version + 1
	} else {
		next.RegisteredAt = now
		next.Version = 1
	}

	if err := r.persistLocked(ctx, &next); err != nil {
		return "", fmt.Errorf("persist agent %s: %w", next.ID, err)
	}
	r.agents[next.ID] = &next

	slog.Info("Agent registered", "agent_id", next.ID, "role", next.Role, "status", next.Status, "version", next.Version)
	r.emit(bus.EventAgentRegistered, next.ID, map[string]any{
		"role":         string(next.Role),
		"status":       string(next.Status),
		"version":      next.Version,
		"capabilities": capabilityNames(next.Capabilities),
	})
	return next.ID, nil
}

// UpdateStatus sets the agent's status. Setting the current status is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", coreerr.ErrInvalidInput, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(ctx, id, status, "")
}

func (r *Registry) setStatusLocked(ctx context.Context, id string, status Status, reason string) error {
	cur, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", coreerr.ErrAgentNotFound, id)
	}
	if cur.Status == status {
		return nil
	}
	next := cur.clone()
	previous := next.Status
	next.Status = status
	if err := r.persistLocked(ctx, &next); err != nil {
		return fmt.Errorf("persist agent %s: %w", id, err)
	}
	r.agents[id] = &next

	slog.Info("Agent status changed", "agent_id", id, "status", status, "previous", previous, "reason", reason)
	payload := map[string]any{"status": string(status), "previous": string(previous)}
	if reason != "" {
		payload["reason"] = reason
	}
	r.emit(bus.EventAgentStatusUpdated, id, payload)
	return nil
}

// UpdateCapabilities replaces the agent's capabilities and bumps its version.
func (r *Registry) UpdateCapabilities(ctx context.Context, id string, caps []Capability) error {
	if err := validateCapabilities(caps); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", coreerr.ErrAgentNotFound, id)
	}
	next := cur.clone()
	next.Capabilities = AgentRecord{Capabilities: caps}.clone().Capabilities
	next.Version++
	if err := r.persistLocked(ctx, &next); err != nil {
		return fmt.Errorf("persist agent %s: %w", id, err)
	}
	r.agents[id] = &next

	r.emit(bus.EventAgentCapabilitiesUpdated, id, map[string]any{
		"version":      next.Version,
		"capabilities": capabilityNames(next.Capabilities),
	})
	return nil
}

// Heartbeat refreshes LastSeen and merges hint metadata (battery, power,
// network). A registered or offline agent becomes active; an active agent
// whose battery is below the degraded threshold becomes degraded, and
// recovers once it is back above.
func (r *Registry) Heartbeat(ctx context.Context, id string, hints map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", coreerr.ErrAgentNotFound, id)
	}
	next := cur.clone()
	next.LastSeen = r.now()
	for k, v := range hints {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string)
		}
		next.Metadata[k] = v
	}

	status := StatusActive
	if r.lowBattery(next.Metadata) {
		status = StatusDegraded
	}
	previous := next.Status
	next.Status = status
	if err := r.persistLocked(ctx, &next); err != nil {
		return fmt.Errorf("persist agent %s: %w", id, err)
	}
	r.agents[id] = &next

	slog.Debug("Agent heartbeat", "agent_id", id, "status", status)
	if previous != status {
		slog.Info("Agent status changed", "agent_id", id, "status", status, "previous", previous, "reason", "heartbeat")
		r.emit(bus.EventAgentStatusUpdated, id, map[string]any{
			"status":   string(status),
			"previous": string(previous),
			"reason":   "heartbeat",
		})
	}
	return nil
}

func (r *Registry) lowBattery(md map[string]string) bool {
	if r.opts.DegradedBatteryPct <= 0 {
		return false
	}
	v, ok := md["battery"]
	if !ok {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "%"))
	return err == nil && n < r.opts.DegradedBatteryPct
}

// SweepLiveness marks agents not heard from within the liveness window
// offline and returns their ids. Task assignments are not touched.
func (r *Registry) SweepLiveness(ctx context.Context, now time.Time) []string {
	cutoff := now.Add(-r.opts.LivenessWindow)
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, a := range r.agents {
		if a.Status != StatusOffline && a.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	var marked []string
	for _, id := range stale {
		if err := r.setStatusLocked(ctx, id, StatusOffline, "liveness"); err != nil {
			slog.Warn("Liveness sweep failed to mark agent offline", "agent_id", id, "error", err)
			continue
		}
		marked = append(marked, id)
	}
	if len(marked) > 0 {
		slog.Info("Marked stale agents offline", "count", len(marked))
	}
	return marked
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return AgentRecord{}, fmt.Errorf("%w: %s", coreerr.ErrAgentNotFound, id)
	}
	return a.clone(), nil
}

// Metadata returns the agent's metadata map.
func (r *Registry) Metadata(id string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return a.clone().Metadata, true
}

func (r *Registry) filter(keep func(*AgentRecord) bool) []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AgentRecord
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns every agent ordered by id.
func (r *Registry) List() []AgentRecord {
	return r.filter(func(*AgentRecord) bool { return true })
}

// FindByCapability returns agents (any status) satisfying req.
func (r *Registry) FindByCapability(req Capability) []AgentRecord {
	return r.filter(func(a *AgentRecord) bool { return a.Has(req) })
}

// FindByCapabilityName matches a capability name or tag.
func (r *Registry) FindByCapabilityName(name string) []AgentRecord {
	return r.filter(func(a *AgentRecord) bool {
		return a.Has(Capability{Name: name}) || a.Has(Capability{Tags: []string{name}})
	})
}

// FindByType returns agents with role.
func (r *Registry) FindByType(role Role) []AgentRecord {
	return r.filter(func(a *AgentRecord) bool { return a.Role == role })
}

// FindByStatus returns agents in status.
func (r *Registry) FindByStatus(status Status) []AgentRecord {
	return r.filter(func(a *AgentRecord) bool { return a.Status == status })
}
