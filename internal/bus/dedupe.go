package bus

import "sync"

// Deduper remembers recently seen ids so at-least-once consumers apply each
// event once. Memory is bounded by a FIFO window.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

// NewDeduper creates a deduper remembering up to max ids (default 4096).
func NewDeduper(max int) *Deduper {
	if max <= 0 {
		max = 4096
	}
	return &Deduper{seen: make(map[string]struct{}, max), max: max}
}

// Seen records id and reports whether it had already been recorded.
// Empty ids are never considered duplicates.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
