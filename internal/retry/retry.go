// Package retry runs collaborator calls with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/KafCoord/internal/coreerr"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           `json:"attempts"`
	BaseDelay time.Duration `json:"baseDelay"`
	MaxDelay  time.Duration `json:"maxDelay"`
}

// DefaultPolicy returns three attempts starting at 100ms, capped at 2s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * p.BaseDelay
	}
	return p
}

// Delay returns the backoff before attempt n+1 (n starts at 0).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay * time.Duration(1<<n)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-transient error, the policy is
// exhausted, or ctx is done. Only errors marked with coreerr.Transient are
// retried. The last error is returned unchanged.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !coreerr.IsTransient(err) || i == p.Attempts-1 {
			break
		}
		delay := p.Delay(i)
		slog.Debug("Retrying collaborator call", "op", op, "attempt", i+1, "backoff", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
