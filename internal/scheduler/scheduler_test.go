package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memLog struct {
	mu   sync.Mutex
	vals map[string]string
}

func (m *memLog) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]string{}
	}
	m.vals[key] = value
	return nil
}

func (m *memLog) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[key]
}

func counterJob(name string, n *atomic.Int32) *Job {
	return &Job{Name: name, Category: CategoryDefault, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func TestSchedulerCronRunsOncePerMinute(t *testing.T) {
	log := &memLog{}
	s := New(Config{LockPath: t.TempDir() + "/test.lock"}, log)

	var runs atomic.Int32
	job := counterJob("learn", &runs)
	job.Cron, _ = ParseCron("* * * * *")
	job.Category = CategoryLearn
	if err := s.Register(job); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	now := time.Date(2026, 2, 15, 12, 30, 5, 0, time.UTC)
	s.tick(ctx, now)
	s.wg.Wait()
	s.tick(ctx, now.Add(20*time.Second))
	s.wg.Wait()
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run within the minute, got %d", runs.Load())
	}
	s.tick(ctx, now.Add(time.Minute))
	s.wg.Wait()
	if runs.Load() != 2 {
		t.Fatalf("expected a second run in the next minute, got %d", runs.Load())
	}
	if st, _ := s.Status("learn"); st.Runs != 2 || st.Result != "ok" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.HasPrefix(log.get("scheduler.learn"), "ok ") {
		t.Fatalf("expected persisted run, got %q", log.get("scheduler.learn"))
	}
}

func TestSchedulerIntervalJobs(t *testing.T) {
	s := New(Config{}, nil)
	var runs atomic.Int32
	job := counterJob("timeouts", &runs)
	job.Every = 10 * time.Second
	job.Category = CategorySweep
	if err := s.Register(job); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	start := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 3 * time.Second, 9 * time.Second, 10 * time.Second, 15 * time.Second, 21 * time.Second} {
		s.tick(ctx, start.Add(offset))
		s.wg.Wait()
	}
	if runs.Load() != 3 {
		t.Fatalf("expected runs at 0s, 10s and 21s, got %d", runs.Load())
	}
}

func TestSchedulerRecordsFailures(t *testing.T) {
	s := New(Config{}, nil)
	boom := errors.New("boom")
	_ = s.Register(&Job{Name: "retention", Every: time.Minute, Run: func(context.Context) error { return boom }})
	if err := s.RunNow(context.Background(), "retention"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	st, ok := s.Status("retention")
	if !ok || st.Result != "failed" || st.Error != "boom" {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s := New(Config{}, nil)
	cron, _ := ParseCron("* * * * *")
	run := func(context.Context) error { return nil }
	bad := []*Job{
		nil,
		{Name: "no-run", Every: time.Second},
		{Name: "neither", Run: run},
		{Name: "both", Cron: cron, Every: time.Second, Run: run},
	}
	for _, j := range bad {
		if err := s.Register(j); err == nil {
			t.Fatalf("expected %+v rejected", j)
		}
	}
}

func TestSchedulerConcurrencyLimitSkips(t *testing.T) {
	s := New(Config{MaxConcSweep: 1}, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	slow := func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}
	_ = s.Register(&Job{Name: "a", Every: time.Second, Category: CategorySweep, Run: slow})
	_ = s.Register(&Job{Name: "b", Every: time.Second, Category: CategorySweep, Run: slow})

	s.tick(context.Background(), time.Now())
	close(release)
	s.wg.Wait()
	if runs.Load() != 1 {
		t.Fatalf("expected one job to run under cap 1, got %d", runs.Load())
	}
	if st, _ := s.Status("b"); st.Result != "skipped_concurrency" {
		t.Fatalf("expected b skipped, got %+v", st)
	}
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := t.TempDir() + "/overlap.lock"
	s1 := New(Config{LockPath: lockPath}, nil)
	s2 := New(Config{LockPath: lockPath}, nil)

	acquired, err := s1.lock.tryAcquire()
	if err != nil || !acquired {
		t.Fatal("s1 should acquire lock")
	}
	var runs atomic.Int32
	job := counterJob("liveness", &runs)
	job.Every = time.Second
	_ = s2.Register(job)
	s2.tick(context.Background(), time.Now())
	s2.wg.Wait()
	if runs.Load() != 0 {
		t.Fatal("s2 must not run jobs while s1 holds the lock")
	}

	_ = s1.lock.release()
	s2.tick(context.Background(), time.Now())
	s2.wg.Wait()
	if runs.Load() != 1 {
		t.Fatal("s2 should run after s1 released the lock")
	}
}

func TestSlotsCapAndUsage(t *testing.T) {
	s := New(Config{MaxConcLearn: 2}, nil)
	pool := s.slotsFor(CategoryLearn)
	if !pool.take() || !pool.take() {
		t.Fatal("first two takes should succeed")
	}
	if pool.take() {
		t.Fatal("third take should fail under cap 2")
	}
	pool.give()
	u := s.Usage()[CategoryLearn]
	if u.Limit != 2 || u.Busy != 1 || u.Skipped != 1 {
		t.Fatalf("unexpected usage %+v", u)
	}
	if s.slotsFor("unknown") != s.slotsFor(CategoryDefault) {
		t.Fatal("unknown categories should share the default slots")
	}
}

func TestParseSchedule(t *testing.T) {
	if c, every, err := ParseSchedule("@every 30s"); err != nil || c != nil || every != 30*time.Second {
		t.Fatalf("unexpected interval parse: %v %v %v", c, every, err)
	}
	if c, every, err := ParseSchedule("@hourly"); err != nil || c == nil || every != 0 {
		t.Fatalf("unexpected hourly parse: %v %v %v", c, every, err)
	}
	if c, _, err := ParseSchedule("*/15 * * * *"); err != nil || !c.Matches(time.Date(2026, 1, 1, 3, 45, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cron parse: %v", err)
	}
	for _, bad := range []string{"@every nope", "@every -1s", "61 * * * *"} {
		if _, _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}
