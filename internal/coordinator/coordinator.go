// Package coordinator wires the coordination core together and exposes the
// agent-facing API.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/KafClaw/KafCoord/internal/aggregate"
	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/config"
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/decision"
	"github.com/KafClaw/KafCoord/internal/escalation"
	"github.com/KafClaw/KafCoord/internal/hints"
	"github.com/KafClaw/KafCoord/internal/knowledge"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/retry"
	"github.com/KafClaw/KafCoord/internal/scheduler"
	"github.com/KafClaw/KafCoord/internal/store"
	"github.com/KafClaw/KafCoord/internal/task"
)

// Coordinator owns every component and the event bus that connects them.
type Coordinator struct {
	cfg      *config.Config
	store    *store.Store
	ownStore bool
	bus      *bus.Bus

	Registry    *registry.Registry
	Tasks       *task.Delegator
	Conflicts   *conflict.Resolver
	Aggregator  *aggregate.Aggregator
	Knowledge   *knowledge.Repository
	Decisions   *decision.Pipeline
	Escalations *escalation.Manager
	Scheduler   *scheduler.Scheduler
	Hints       hints.Provider

	constraints decision.Constraints
	decided     sync.Map // task id -> decision id

	mu     sync.Mutex
	subs   []string
	closed bool
}

// Open creates the store at cfg.Paths.Database, wires a coordinator over it
// and loads persisted state.
func Open(ctx context.Context, cfg *config.Config, notifier escalation.Notifier) (*Coordinator, error) {
	if cfg.Paths.Database != ":memory:" {
		if err := config.EnsureDir(filepath.Dir(cfg.Paths.Database)); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return nil, err
	}
	c := New(cfg, st, notifier)
	c.ownStore = true
	if err := c.Load(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{Attempts: cfg.Attempts, BaseDelay: cfg.BaseDelay.Duration, MaxDelay: cfg.MaxDelay.Duration}
}

// New wires the components over st. notifier may be nil.
func New(cfg *config.Config, st *store.Store, notifier escalation.Notifier) *Coordinator {
	b := bus.New()
	policy := retryPolicy(cfg.Retry)

	reg := registry.New(st, b, registry.Options{
		LivenessWindow:     cfg.Registry.LivenessWindow.Duration,
		DegradedBatteryPct: cfg.Registry.DegradedBatteryPct,
		Retry:              policy,
	})
	hp := hints.FromRegistry(reg)

	esc := escalation.NewManager(st, b, notifier)
	esc.SetTTL(cfg.Escalation.PendingTTL.Duration)
	conf := conflict.NewResolver(st, b, policy)
	conf.SetEscalator(esc)

	tasks := task.New(reg, st, b, task.Options{
		DefaultMaxRetries: cfg.Delegator.DefaultMaxRetries,
		DefaultTimeout:    cfg.Delegator.DefaultTimeout.Duration,
		ResourceStrategy:  conflict.Strategy(cfg.Delegator.ResourceStrategy),
		AutoRetry:         cfg.Delegator.AutoRetry,
		AllowDegraded:     cfg.Delegator.AllowDegraded,
		Retry:             policy,
	})
	tasks.SetHints(hp)
	tasks.SetConflictResolver(conf)

	conf.SetEntityResolver(entityResolver{tasks: tasks, agents: reg})
	conf.SetCanceller(tasks)
	conf.SetDelegateFinder(delegateFinder{agents: reg})

	agg := aggregate.New(aggregate.Strategy(cfg.Aggregator.DefaultStrategy), conf, aggregate.TrustFromMetadata(reg, cfg.Aggregator.Trust))
	agg.Attach(b)

	kn := knowledge.NewRepository(knowledge.NewHashEmbedder(cfg.Knowledge.Dimension), st, b, knowledge.Options{
		Dimension:      cfg.Knowledge.Dimension,
		Metric:         cfg.Knowledge.Metric,
		RetainVersions: cfg.Knowledge.RetainVersions,
		Retry:          policy,
		Model:          "hash",
	})

	dec := decision.New(kn, st, b, decision.Options{
		TopK:                cfg.Decision.TopK,
		EfficiencyTolerance: cfg.Decision.EfficiencyTolerance,
		MinConfidence:       cfg.Decision.MinConfidence,
		LearningRate:        cfg.Decision.LearningRate,
	})
	dec.SetHints(hp)
	dec.SetEscalator(esc)

	c := &Coordinator{
		cfg:         cfg,
		store:       st,
		bus:         b,
		Registry:    reg,
		Tasks:       tasks,
		Conflicts:   conf,
		Aggregator:  agg,
		Knowledge:   kn,
		Decisions:   dec,
		Escalations: esc,
		Hints:       hp,
		Scheduler: scheduler.New(scheduler.Config{
			Enabled:      cfg.Scheduler.Enabled,
			TickInterval: cfg.Scheduler.TickInterval.Duration,
			LockPath:     cfg.Scheduler.LockPath,
		}, st),
		constraints: decision.Constraints{MinConfidence: cfg.Decision.MinConfidence},
	}
	c.subs = append(c.subs,
		st.RecordEvents(b),
		b.Subscribe(c.onResult, bus.EventTaskResultRecorded),
	)
	return c
}

// Bus returns the in-process event bus.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Store returns the durable store.
func (c *Coordinator) Store() *store.Store { return c.store }

// Config returns the configuration the coordinator was built with.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Load restores every component from the store. Agents load before tasks so
// task entities can resolve authority.
func (c *Coordinator) Load(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"registry", c.Registry.Load},
		{"tasks", c.Tasks.Load},
		{"conflicts", c.Conflicts.Load},
		{"escalations", c.Escalations.Load},
		{"knowledge", c.Knowledge.Load},
		{"decisions", c.Decisions.Load},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("load %s: %w", s.name, err)
		}
	}
	return nil
}

// RegisterJobs schedules the periodic sweeps and the learning pass.
func (c *Coordinator) RegisterJobs() error {
	jobs := []*scheduler.Job{
		{
			Name:     "liveness-sweep",
			Every:    c.cfg.Registry.SweepInterval.Duration,
			Category: scheduler.CategorySweep,
			Run: func(ctx context.Context) error {
				c.Registry.SweepLiveness(ctx, time.Now().UTC())
				return nil
			},
		},
		{
			Name:     "timeout-sweep",
			Every:    c.cfg.Delegator.TimeoutSweepInterval.Duration,
			Category: scheduler.CategorySweep,
			Run: func(ctx context.Context) error {
				c.Tasks.SweepTimeouts(ctx, time.Now().UTC())
				return nil
			},
		},
		{
			Name:     "knowledge-retention",
			Every:    c.cfg.Knowledge.RetentionInterval.Duration,
			Category: scheduler.CategoryDefault,
			Run: func(ctx context.Context) error {
				if n := c.Knowledge.Prune(ctx); n > 0 {
					slog.Info("Knowledge versions pruned", "count", n)
				}
				return nil
			},
		},
	}
	cron, every, err := scheduler.ParseSchedule(c.cfg.Decision.LearnCron)
	if err != nil {
		return fmt.Errorf("decision.learnCron: %w", err)
	}
	jobs = append(jobs, &scheduler.Job{
		Name:     "decision-learn",
		Cron:     cron,
		Every:    every,
		Category: scheduler.CategoryLearn,
		Run: func(ctx context.Context) error {
			_, err := c.Decisions.Learn(ctx)
			return err
		},
	})

	var errs []error
	for _, j := range jobs {
		if j.Cron == nil && j.Every <= 0 {
			slog.Info("Scheduler job disabled", "job", j.Name)
			continue
		}
		if err := c.Scheduler.Register(j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops event consumers and releases the store when owned.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.Aggregator.Detach()
	for _, id := range subs {
		c.bus.Unsubscribe(id)
	}
	c.Knowledge.Close()
	c.bus.Close()
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
