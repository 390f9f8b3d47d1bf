package scheduler

import "sync"

// slots caps concurrent runs within one job category and counts the
// dispatches it had to turn away.
type slots struct {
	mu      sync.Mutex
	limit   int
	busy    int
	skipped int
}

func newSlots(limit int) *slots {
	if limit <= 0 {
		limit = 1
	}
	return &slots{limit: limit}
}

// take claims a slot without blocking.
func (s *slots) take() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy >= s.limit {
		s.skipped++
		return false
	}
	s.busy++
	return true
}

// give returns a slot claimed by take.
func (s *slots) give() {
	s.mu.Lock()
	if s.busy > 0 {
		s.busy--
	}
	s.mu.Unlock()
}

// Usage is a snapshot of one category's slots.
type Usage struct {
	Limit   int `json:"limit"`
	Busy    int `json:"busy"`
	Skipped int `json:"skipped"`
}

func (s *slots) usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Limit: s.limit, Busy: s.busy, Skipped: s.skipped}
}
