package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JobCategory groups jobs that share a concurrency cap.
type JobCategory string

const (
	CategorySweep   JobCategory = "sweep"
	CategoryLearn   JobCategory = "learn"
	CategoryDefault JobCategory = "default"
)

// Job defines a schedulable unit of work. Exactly one of Cron or Every is set.
type Job struct {
	Name     string        // Unique job identifier.
	Cron     *CronExpr     // Runs at most once per matching minute.
	Every    time.Duration // Runs when at least Every has passed since the last run.
	Category JobCategory   // Selects the concurrency cap.
	Run      func(ctx context.Context) error
}

// Status reports the most recent run of a job.
type Status struct {
	Name    string    `json:"name"`
	LastRun time.Time `json:"last_run,omitempty"`
	Result  string    `json:"result,omitempty"`
	Error   string    `json:"error,omitempty"`
	Runs    int       `json:"runs"`
}

// RunLog persists job run results. *store.Store implements it.
type RunLog interface {
	SetSetting(ctx context.Context, key, value string) error
}

// Config holds scheduler settings.
type Config struct {
	Enabled        bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval   time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcSweep   int           `json:"maxConcSweep"`
	MaxConcLearn   int           `json:"maxConcLearn"`
	MaxConcDefault int           `json:"maxConcDefault"`
	// LockPath enables a cross-process file lock so only one coordinator
	// sweeps a shared store. Empty disables it.
	LockPath string `json:"lockPath" envconfig:"LOCK_PATH"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:        true,
		TickInterval:   5 * time.Second,
		MaxConcSweep:   2,
		MaxConcLearn:   1,
		MaxConcDefault: 4,
		LockPath:       filepath.Join(home, ".kafcoord", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	jobs       map[string]*Job
	status     map[string]*Status
	mu         sync.RWMutex
	slots      map[JobCategory]*slots
	lock       *sweepLock
	log        RunLog
	wg         sync.WaitGroup
}

// New creates a Scheduler. log may be nil.
func New(cfg Config, log RunLog) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxConcSweep <= 0 {
		cfg.MaxConcSweep = 2
	}
	if cfg.MaxConcLearn <= 0 {
		cfg.MaxConcLearn = 1
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = 4
	}
	s := &Scheduler{
		cfg:    cfg,
		jobs:   make(map[string]*Job),
		status: make(map[string]*Status),
		slots: map[JobCategory]*slots{
			CategorySweep:   newSlots(cfg.MaxConcSweep),
			CategoryLearn:   newSlots(cfg.MaxConcLearn),
			CategoryDefault: newSlots(cfg.MaxConcDefault),
		},
		log: log,
	}
	if cfg.LockPath != "" {
		s.lock = newSweepLock(cfg.LockPath)
	}
	return s
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run func")
	}
	if (job.Cron == nil) == (job.Every <= 0) {
		return fmt.Errorf("scheduler: job %s needs exactly one of cron or interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	if _, ok := s.status[job.Name]; !ok {
		s.status[job.Name] = &Status{Name: job.Name}
	}
	slog.Info("Scheduler job registered", "name", job.Name, "category", job.Category, "every", job.Every)
	return nil
}

func (s *Scheduler) slotsFor(c JobCategory) *slots {
	if p, ok := s.slots[c]; ok {
		return p
	}
	return s.slots[CategoryDefault]
}

// Usage reports slot usage per category.
func (s *Scheduler) Usage() map[JobCategory]Usage {
	out := make(map[JobCategory]Usage, len(s.slots))
	for c, p := range s.slots {
		out[c] = p.usage()
	}
	return out
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.status, name)
}

// Jobs returns the current registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns a snapshot of a job's last run.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Run starts the scheduler tick loop. Blocks until ctx is cancelled, then
// waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// RunNow runs a job synchronously, outside the tick loop.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.execute(ctx, job, time.Now())
}

// tick is called every TickInterval. Acquires the file lock, then dispatches
// every due job.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.lock != nil {
		acquired, err := s.lock.tryAcquire()
		if err != nil {
			slog.Warn("Scheduler lock error", "error", err)
			return
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			return
		}
		defer s.lock.release()
	}

	for _, job := range s.Jobs() {
		if s.due(job, now) {
			s.dispatch(ctx, job, now)
		}
	}
}

func (s *Scheduler) due(job *Job, now time.Time) bool {
	s.mu.RLock()
	last := s.status[job.Name].LastRun
	s.mu.RUnlock()
	if job.Cron != nil {
		if !job.Cron.Matches(now) {
			return false
		}
		return last.IsZero() || !last.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
	}
	return last.IsZero() || now.Sub(last) >= job.Every
}

// dispatch runs a job asynchronously if its category has a free slot.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	pool := s.slotsFor(job.Category)
	if !pool.take() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		s.record(ctx, job.Name, now, "skipped_concurrency", nil, false)
		return
	}
	// Mark the slot as taken for this period before the job goroutine starts.
	s.mu.Lock()
	if st := s.status[job.Name]; st != nil {
		st.LastRun = now
	}
	s.mu.Unlock()

	slog.Debug("Scheduler dispatching job", "job", job.Name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pool.give()
		_ = s.execute(ctx, job, now)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) error {
	err := job.Run(ctx)
	if err != nil {
		slog.Warn("Scheduler job failed", "job", job.Name, "error", err)
		s.record(ctx, job.Name, now, "failed", err, true)
		return err
	}
	s.record(ctx, job.Name, now, "ok", nil, true)
	return nil
}

// record updates the job status and persists it (best-effort).
func (s *Scheduler) record(ctx context.Context, name string, at time.Time, result string, err error, ran bool) {
	s.mu.Lock()
	st := s.status[name]
	if st != nil {
		st.Result = result
		st.Error = ""
		if err != nil {
			st.Error = err.Error()
		}
		if ran {
			st.LastRun = at
			st.Runs++
		}
	}
	s.mu.Unlock()

	if s.log == nil {
		return
	}
	if perr := s.log.SetSetting(ctx, "scheduler."+name, result+" "+at.UTC().Format(time.RFC3339)); perr != nil {
		slog.Debug("Scheduler run not persisted", "job", name, "error", perr)
	}
}
