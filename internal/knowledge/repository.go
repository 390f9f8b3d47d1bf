package knowledge

import (
	"context"
	"encoding/json"
	"errors"
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

// ItemStore persists item versions. *store.Store implements it.
type ItemStore interface {
	PutKnowledge(ctx context.Context, row store.KnowledgeRow) error
	DeleteKnowledge(ctx context.Context, id string) error
	ListKnowledge(ctx context.Context) ([]store.KnowledgeRow, error)
}

// Options configures a Repository.
type Options struct {
	// Dimension fixes the embedding size. Zero adopts the first vector seen.
	Dimension      int
	Metric         string
	RetainVersions int
	Retry          retry.Policy
	Model          string
}

// Repository holds every retained item version in memory, backed by an ItemStore.
// Topic and tag indexes point at lineage heads.
type Repository struct {
	embedder Embedder
	items    ItemStore
	bus      *bus.Bus
	ownBus   bool
	opts     Options
	sim      similarityFunc
	now      func() time.Time

	writeMu sync.Mutex

	mu       sync.RWMutex
	byID     map[string]*Item
	heads    map[string]string   // lineage -> head item id
	lineages map[string][]string // lineage -> ids, oldest first
	dim      int

	subMu sync.Mutex
	subs  map[string]string // knowledge sub id -> bus sub id
}

// NewRepository creates a repository. items may be nil for a memory-only
// repository; b may be nil, in which case a private bus carries subscriptions.
func NewRepository(embedder Embedder, items ItemStore, b *bus.Bus, opts Options) *Repository {
	if opts.RetainVersions <= 0 {
		opts.RetainVersions = 10
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	r := &Repository{
		embedder: embedder,
		items:    items,
		bus:      b,
		opts:     opts,
		sim:      similarityFor(opts.Metric),
		now:      func() time.Time { return time.Now().UTC() },
		byID:     make(map[string]*Item),
		heads:    make(map[string]string),
		lineages: make(map[string][]string),
		dim:      opts.Dimension,
		subs:     make(map[string]string),
	}
	if r.bus == nil {
		r.bus = bus.New()
		r.ownBus = true
	}
	return r
}

// Close releases the private bus, if any.
func (r *Repository) Close() {
	if r.ownBus {
		r.bus.Close()
	}
}

// Dimension returns the fixed embedding dimension (0 until the first item).
func (r *Repository) Dimension() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dim
}

// Load rebuilds the in-memory state from the item store.
func (r *Repository) Load(ctx context.Context) error {
	if r.items == nil {
		return nil
	}
	rows, err := r.items.ListKnowledge(ctx)
	if err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		var it Item
		if err := json.Unmarshal(row.Data, &it); err != nil {
			slog.Warn("Skipping unreadable knowledge item", "id", row.ID, "error", err)
			continue
		}
		it.Embedding = row.Embedding
		if r.dim == 0 {
			r.dim = len(it.Embedding)
		}
		r.insertLocked(&it)
	}
	slog.Info("Knowledge repository loaded", "items", len(r.byID), "lineages", len(r.heads))
	return nil
}

func (r *Repository) embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", coreerr.ErrEmbeddingProvider)
	}
	var vec []float32
	err := retry.Do(ctx, "knowledge.embed", r.opts.Retry, func(ctx context.Context) error {
		resp, err := r.embedder.Embed(ctx, &EmbeddingRequest{Input: text, Model: r.opts.Model})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return coreerr.Transient(err)
		}
		if resp == nil || len(resp.Vector) == 0 {
			return coreerr.Transient(errors.New("empty embedding"))
		}
		vec = resp.Vector
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrEmbeddingProvider, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dim == 0 {
		r.dim = len(vec)
	}
	if len(vec) != r.dim {
		return nil, fmt.Errorf("%w: embedding dimension %d, repository uses %d", coreerr.ErrEmbeddingProvider, len(vec), r.dim)
	}
	return vec, nil
}

func (r *Repository) persist(ctx context.Context, it *Item) error {
	if r.items == nil {
		return nil
	}
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal knowledge item: %w", err)
	}
	row := store.KnowledgeRow{
		ID:        it.ID,
		LineageID: it.LineageID,
		Topic:     it.Topic,
		Status:    string(it.Status),
		Tags:      strings.Join(it.Tags, ","),
		Version:   it.Version,
		Embedding: it.Embedding,
		Data:      data,
	}
	return retry.Do(ctx, "knowledge.persist", r.opts.Retry, func(ctx context.Context) error {
		return store.Retryable(r.items.PutKnowledge(ctx, row))
	})
}

// Publish validates, embeds, persists and indexes a new item and returns its id.
func (r *Repository) Publish(ctx context.Context, req PublishRequest) (string, error) {
	return r.publish(ctx, req, "")
}

func (r *Repository) publish(ctx context.Context, req PublishRequest, lineageID string) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	topic := NormalizeTopic(req.Topic)
	tags := normalizeTags(req.Tags)
	vec, err := r.embed(ctx, embedText(topic, tags, req.Content))
	if err != nil {
		return "", err
	}

	status := req.Status
	if status == "" {
		status = StatusActive
	}
	now := r.now()
	id := uuid.NewString()
	if lineageID == "" {
		lineageID = id
	}
	it := &Item{
		ID:        id,
		LineageID: lineageID,
		Type:      req.Type,
		Topic:     topic,
		Content:   cloneMap(req.Content),
		Embedding: vec,
		Metadata:  req.Metadata,
		SourceID:  req.SourceID,
		Tags:      tags,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.RLock()
	_, exists := r.heads[lineageID]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: lineage %s already exists", coreerr.ErrInvalidInput, lineageID)
	}
	if err := r.persist(ctx, it); err != nil {
		return "", fmt.Errorf("persist knowledge item: %w", err)
	}
	r.mu.Lock()
	r.insertLocked(it)
	r.mu.Unlock()

	slog.Info("Knowledge published", "id", it.ID, "type", it.Type, "topic", it.Topic, "source", it.SourceID)
	r.notify(bus.EventKnowledgePublished, it)
	return it.ID, nil
}

// Update creates a new version of the lineage head id with new content and
// merged metadata. A nil content keeps the previous content. The previous
// version stays readable under its id.
func (r *Repository) Update(ctx context.Context, id string, content map[string]any, metadata map[string]string) (string, error) {
	return r.revise(ctx, id, func(prev Item, next *Item) error {
		if content != nil {
			if err := ValidateContent(prev.Type, content); err != nil {
				return err
			}
			next.Content = cloneMap(content)
		}
		for k, v := range metadata {
			if next.Metadata == nil {
				next.Metadata = make(map[string]string)
			}
			next.Metadata[k] = v
		}
		return nil
	}, content != nil)
}

// Deprecate creates a deprecated version of the lineage head id. Deprecated
// lineages no longer appear in topic, tag or search results.
func (r *Repository) Deprecate(ctx context.Context, id string) (string, error) {
	return r.revise(ctx, id, func(prev Item, next *Item) error {
		next.Status = StatusDeprecated
		return nil
	}, false)
}

func (r *Repository) revise(ctx context.Context, id string, apply func(prev Item, next *Item) error, reembed bool) (string, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	cur, ok := r.byID[id]
	var head string
	if ok {
		head = r.heads[cur.LineageID]
	}
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", coreerr.ErrKnowledgeNotFound, id)
	}
	if head != id {
		return "", fmt.Errorf("%w: item %s superseded by %s", coreerr.ErrInvalidStateTransition, id, head)
	}
	if cur.Status == StatusDeprecated {
		return "", fmt.Errorf("%w: item %s is deprecated", coreerr.ErrInvalidStateTransition, id)
	}

	prev := cur.clone()
	next := prev.clone()
	next.ID = uuid.NewString()
	next.Version = prev.Version + 1
	next.PreviousID = prev.ID
	next.UpdatedAt = r.now()
	if err := apply(prev, &next); err != nil {
		return "", err
	}
	if reembed {
		vec, err := r.embed(ctx, embedText(next.Topic, next.Tags, next.Content))
		if err != nil {
			return "", err
		}
		next.Embedding = vec
	}

	if err := r.persist(ctx, &next); err != nil {
		return "", fmt.Errorf("persist knowledge item: %w", err)
	}
	r.mu.Lock()
	r.insertLocked(&next)
	pruned := r.pruneLocked(next.LineageID)
	r.mu.Unlock()
	r.deletePruned(ctx, pruned)

	slog.Info("Knowledge updated", "id", next.ID, "previous", prev.ID, "version", next.Version, "status", next.Status)
	r.notify(bus.EventKnowledgeUpdated, &next)
	return next.ID, nil
}

// insertLocked adds it and moves the lineage head when it is the newest version.
func (r *Repository) insertLocked(it *Item) {
	r.byID[it.ID] = it
	r.lineages[it.LineageID] = append(r.lineages[it.LineageID], it.ID)
	ids := r.lineages[it.LineageID]
	sort.SliceStable(ids, func(i, j int) bool { return r.byID[ids[i]].Version < r.byID[ids[j]].Version })
	r.heads[it.LineageID] = ids[len(ids)-1]
}

// pruneLocked drops the oldest versions beyond the retention limit and returns their ids.
func (r *Repository) pruneLocked(lineage string) []string {
	ids := r.lineages[lineage]
	excess := len(ids) - r.opts.RetainVersions
	if excess <= 0 {
		return nil
	}
	dropped := append([]string(nil), ids[:excess]...)
	for _, id := range dropped {
		delete(r.byID, id)
	}
	r.lineages[lineage] = append([]string(nil), ids[excess:]...)
	return dropped
}

func (r *Repository) deletePruned(ctx context.Context, ids []string) {
	if r.items == nil {
		return
	}
	for _, id := range ids {
		if err := r.items.DeleteKnowledge(ctx, id); err != nil {
			slog.Warn("Failed to delete superseded knowledge version", "id", id, "error", err)
		}
	}
}

// Prune enforces the retention limit on every lineage and returns how many
// versions were removed.
func (r *Repository) Prune(ctx context.Context) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	var dropped []string
	for lineage := range r.lineages {
		dropped = append(dropped, r.pruneLocked(lineage)...)
	}
	r.mu.Unlock()
	r.deletePruned(ctx, dropped)
	return len(dropped)
}

func (r *Repository) notify(eventType string, it *Item) {
	ev := bus.NewEvent(eventType, it.ID, map[string]any{
		"lineage_id": it.LineageID,
		"topic":      it.Topic,
		"type":       string(it.Type),
		"source_id":  it.SourceID,
		"tags":       it.Tags,
		"version":    it.Version,
		"status":     string(it.Status),
	})
	if err := r.bus.Publish(ev); err != nil {
		slog.Warn("Knowledge event not published", "id", it.ID, "error", err)
	}
}

// Get returns the version with id, superseded or not.
func (r *Repository) Get(ctx context.Context, id string) (Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.byID[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", coreerr.ErrKnowledgeNotFound, id)
	}
	return it.clone(), nil
}

// History returns every retained version of id's lineage, oldest first.
func (r *Repository) History(ctx context.Context, id string) ([]Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coreerr.ErrKnowledgeNotFound, id)
	}
	ids := r.lineages[it.LineageID]
	out := make([]Item, 0, len(ids))
	for _, vid := range ids {
		out = append(out, r.byID[vid].clone())
	}
	return out, nil
}

// headsLocked returns the current non-deprecated head of every lineage.
func (r *Repository) headsLocked(keep func(*Item) bool) []Item {
	var out []Item
	for _, id := range r.heads {
		it := r.byID[id]
		if it == nil || it.Status == StatusDeprecated {
			continue
		}
		if keep == nil || keep(it) {
			out = append(out, it.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetByTopic returns current items at topic or below it, newest first.
func (r *Repository) GetByTopic(ctx context.Context, topic string) ([]Item, error) {
	prefix := NormalizeTopic(topic)
	if prefix == "" {
		return nil, fmt.Errorf("%w: topic is required", coreerr.ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headsLocked(func(it *Item) bool { return topicUnder(it.Topic, prefix) }), nil
}

// GetByTag returns current items carrying tag, newest first.
func (r *Repository) GetByTag(ctx context.Context, tag string) ([]Item, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, fmt.Errorf("%w: tag is required", coreerr.ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headsLocked(func(it *Item) bool { return hasTag(it.Tags, tag) }), nil
}

// Search ranks active lineage heads by similarity to query. Ties are broken
// by most recent update, then id.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]Scored, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", coreerr.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	candidates := r.headsLocked(func(it *Item) bool { return it.Status == StatusActive })
	r.mu.RUnlock()

	scored := make([]Scored, 0, len(candidates))
	for _, it := range candidates {
		scored = append(scored, Scored{Item: it, Score: r.sim(vec, it.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		a, b := scored[i].Item, scored[j].Item
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Handler receives items matching a subscription.
type Handler func(Item)

// Subscribe calls handler once for every published or updated version matching
// filter. Delivery is asynchronous.
func (r *Repository) Subscribe(filter Filter, handler Handler) string {
	dedupe := bus.NewDeduper(0)
	busID := r.bus.Subscribe(func(ev bus.Event) {
		if dedupe.Seen(ev.ID) {
			return
		}
		r.mu.RLock()
		it, ok := r.byID[ev.EntityID]
		var snap Item
		if ok {
			snap = it.clone()
		}
		r.mu.RUnlock()
		if !ok || !filter.Matches(snap) {
			return
		}
		handler(snap)
	}, bus.EventKnowledgePublished, bus.EventKnowledgeUpdated)
	if busID == "" {
		return ""
	}

	id := uuid.NewString()
	r.subMu.Lock()
	r.subs[id] = busID
	r.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Repository) Unsubscribe(id string) {
	r.subMu.Lock()
	busID, ok := r.subs[id]
	delete(r.subs, id)
	r.subMu.Unlock()
	if ok {
		r.bus.Unsubscribe(busID)
	}
}
