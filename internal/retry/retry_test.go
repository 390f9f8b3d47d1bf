package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KafClaw/KafCoord/internal/coreerr"
)

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", Policy{Attempts: 4, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return coreerr.Transient(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", Policy{Attempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return coreerr.Transient(errors.New("still down"))
	})
	if err == nil || err.Error() != "still down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryStructuralErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return coreerr.ErrInvalidStateTransition
	})
	if !errors.Is(err, coreerr.ErrInvalidStateTransition) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("structural errors must not be retried, got %d calls", calls)
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{Attempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	if got := p.Delay(0); got != 100*time.Millisecond {
		t.Fatalf("delay(0) = %s", got)
	}
	if got := p.Delay(1); got != 200*time.Millisecond {
		t.Fatalf("delay(1) = %s", got)
	}
	if got := p.Delay(5); got != 300*time.Millisecond {
		t.Fatalf("delay(5) = %s, want cap", got)
	}
}
