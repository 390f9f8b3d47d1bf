package task

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
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/hints"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/retry"
	"github.com/KafClaw/KafCoord/internal/store"
)

// AgentDirectory is the part of the registry the delegator reads.
type AgentDirectory interface {
	Get(id string) (registry.AgentRecord, error)
	FindByCapability(req registry.Capability) []registry.AgentRecord
}

// ConflictResolver arbitrates exclusive resource claims.
type ConflictResolver interface {
	Detect(ctx context.Context, ctype conflict.Type, entities []string, description string) (string, error)
	Resolve(ctx context.Context, id string, strategy conflict.Strategy, params conflict.Params) (conflict.Outcome, error)
}

// Store is the persistence the delegator needs. *store.Store implements it.
type Store interface {
	Put(ctx context.Context, table store.Table, id, state string, v any) error
	Each(ctx context.Context, table store.Table, state string, fn func(id string, data []byte) error) error
	Delete(ctx context.Context, table store.Table, id string) error
}

// Options tunes delegation.
type Options struct {
	DefaultMaxRetries int
	// DefaultTimeout sets a deadline on tasks created without one. Zero means none.
	DefaultTimeout time.Duration
	// ResourceStrategy is applied automatically to resource conflicts.
	ResourceStrategy conflict.Strategy
	// AutoRetry reassigns failed tasks while retry budget remains.
	AutoRetry bool
	// AllowDegraded lets selection fall back to degraded agents when no
	// active agent matches. Off by default.
	AllowDegraded bool
	Retry         retry.Policy
}

// Delegator owns the task lifecycle.
type Delegator struct {
	locks *keyedMutex

	mu    sync.RWMutex
	tasks map[string]*Task

	agents    AgentDirectory
	hints     hints.Provider
	conflicts ConflictResolver

	store Store
	pub   bus.Publisher
	opts  Options
	now   func() time.Time
}

// New creates a delegator. st and pub may be nil.
func New(agents AgentDirectory, st Store, pub bus.Publisher, opts Options) *Delegator {
	if opts.ResourceStrategy == "" {
		opts.ResourceStrategy = conflict.StrategyPriority
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Delegator{
		locks:  newKeyedMutex(),
		tasks:  make(map[string]*Task),
		agents: agents,
		store:  st,
		pub:    pub,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetHints sets the resource hint source used to break selection ties.
func (d *Delegator) SetHints(p hints.Provider) { d.hints = p }

// SetConflictResolver enables exclusive resource arbitration.
func (d *Delegator) SetConflictResolver(r ConflictResolver) { d.conflicts = r }

// Load restores tasks from the store.
func (d *Delegator) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.store.Each(ctx, store.Tasks, "", func(id string, data []byte) error {
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			slog.Warn("Skipping unreadable task record", "task_id", id, "error", err)
			return nil
		}
		d.tasks[t.ID] = &t
		return nil
	})
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	slog.Info("Task delegator loaded", "tasks", len(d.tasks))
	return nil
}

func (d *Delegator) emit(eventType, id string, payload map[string]any) {
	if d.pub == nil {
		return
	}
	if err := d.pub.Publish(bus.NewEvent(eventType, id, payload)); err != nil {
		slog.Warn("Task event not published", "event_type", eventType, "task_id", id, "error", err)
	}
}

// commit persists t and then makes it visible in memory.
func (d *Delegator) commit(ctx context.Context, t Task) error {
	if d.store != nil {
		err := retry.Do(ctx, "task.persist", d.opts.Retry, func(ctx context.Context) error {
			return store.Retryable(d.store.Put(ctx, store.Tasks, t.ID, string(t.State), t))
		})
		if err != nil {
			return fmt.Errorf("persist task %s: %w", t.ID, err)
		}
	}
	cp := t.clone()
	d.mu.Lock()
	d.tasks[t.ID] = &cp
	d.mu.Unlock()
	return nil
}

func (d *Delegator) current(id string) (Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", coreerr.ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// apply moves cur to state to without checking the state machine. The caller
// holds the task lock.
func (d *Delegator) apply(ctx context.Context, cur Task, to State, mutate func(*Task)) (Task, error) {
	next := cur.clone()
	next.State = to
	next.UpdatedAt = d.now()
	if mutate != nil {
		mutate(&next)
	}
	if err := d.commit(ctx, next); err != nil {
		return cur, err
	}
	slog.Info("Task state changed", "task_id", next.ID, "status", to, "previous", cur.State, "agent_id", next.AssignedAgent)
	d.emit(bus.EventTaskStatusUpdated, next.ID, map[string]any{
		"status":   string(to),
		"previous": string(cur.State),
		"agent_id": next.AssignedAgent,
	})
	return next, nil
}

func (d *Delegator) transition(ctx context.Context, cur Task, to State, mutate func(*Task)) (Task, error) {
	if !CanTransition(cur.State, to) {
		return cur, fmt.Errorf("%w: task %s cannot go from %s to %s", coreerr.ErrInvalidStateTransition, cur.ID, cur.State, to)
	}
	return d.apply(ctx, cur, to, mutate)
}

func (d *Delegator) validateSpec(spec Spec) error {
	if strings.TrimSpace(spec.Type) == "" {
		return fmt.Errorf("%w: task type is required", coreerr.ErrInvalidInput)
	}
	if spec.Priority != "" && spec.Priority.Rank() == 0 {
		return fmt.Errorf("%w: unknown priority %q", coreerr.ErrInvalidInput, spec.Priority)
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", coreerr.ErrInvalidInput)
	}
	capSet := strings.TrimSpace(spec.RequiredCapability.Name) != "" || len(spec.RequiredCapability.Tags) > 0
	target := strings.TrimSpace(spec.TargetAgent)
	if target == "" && !capSet {
		return fmt.Errorf("%w: task needs a target agent or a required capability", coreerr.ErrInvalidInput)
	}
	if target != "" {
		if _, err := d.agents.Get(target); err != nil {
			return err
		}
	}
	return nil
}

func (d *Delegator) build(id string, spec Spec, parent *Task, optional bool) Task {
	now := d.now()
	t := Task{
		ID:                 id,
		Type:               strings.TrimSpace(spec.Type),
		Params:             cloneMap(spec.Params),
		TargetAgent:        strings.TrimSpace(spec.TargetAgent),
		RequiredCapability: spec.RequiredCapability,
		Priority:           spec.Priority,
		Deadline:           spec.Deadline,
		State:              StateCreated,
		Optional:           optional,
		Resources:          normalizeResources(spec.Resources),
		ExpectedOutput:     append([]string(nil), spec.ExpectedOutput...),
		MaxRetries:         spec.MaxRetries,
		DecisionPoint:      spec.DecisionPoint,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = d.opts.DefaultMaxRetries
	}
	if parent != nil {
		t.ParentID = parent.ID
		if t.Priority == "" {
			t.Priority = parent.Priority
		}
		if t.Deadline == nil && spec.Timeout <= 0 && parent.Deadline != nil {
			dl := *parent.Deadline
			t.Deadline = &dl
		}
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.Deadline == nil {
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = d.opts.DefaultTimeout
		}
		if timeout > 0 {
			dl := now.Add(timeout)
			t.Deadline = &dl
		}
	}
	return t.clone()
}

func normalizeResources(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// CreateTask records a new task and assigns it when possible. When no active
// agent satisfies the required capability the task stays created and the id
// is returned together with ErrNoMatchingAgent.
func (d *Delegator) CreateTask(ctx context.Context, spec Spec) (string, error) {
	if err := d.validateSpec(spec); err != nil {
		return "", err
	}
	return d.create(ctx, d.build(uuid.NewString(), spec, nil, false))
}

func (d *Delegator) create(ctx context.Context, t Task) (string, error) {
	if err := d.record(ctx, t); err != nil {
		return "", err
	}
	return d.dispatch(ctx, t)
}

// record persists a new task in the created state.
func (d *Delegator) record(ctx context.Context, t Task) error {
	if err := d.commit(ctx, t); err != nil {
		return err
	}
	slog.Info("Task created", "task_id", t.ID, "type", t.Type, "priority", t.Priority, "parent_id", t.ParentID)
	d.emit(bus.EventTaskCreated, t.ID, map[string]any{
		"type":      t.Type,
		"priority":  string(t.Priority),
		"parent_id": t.ParentID,
		"resources": t.Resources,
	})
	return nil
}

// dispatch claims t's resources and assigns it.
func (d *Delegator) dispatch(ctx context.Context, t Task) (string, error) {
	if err := d.claimResources(ctx, t); err != nil {
		return t.ID, err
	}

	release := d.locks.Lock(t.ID)
	defer release()
	cur, err := d.current(t.ID)
	if err != nil {
		return t.ID, err
	}
	if cur.State != StateCreated {
		// Lost a resource conflict.
		return t.ID, nil
	}
	agentID := cur.TargetAgent
	if agentID == "" {
		agent, ok := d.selectAgent(cur.RequiredCapability, "")
		if !ok {
			slog.Warn("No agent available for task", "task_id", t.ID, "capability", cur.RequiredCapability.Name)
			return t.ID, fmt.Errorf("%w: capability %q tags %v", coreerr.ErrNoMatchingAgent, cur.RequiredCapability.Name, cur.RequiredCapability.Tags)
		}
		agentID = agent
	}
	if _, err := d.assign(ctx, cur, agentID); err != nil {
		return t.ID, err
	}
	return t.ID, nil
}

// claimResources arbitrates t's exclusive resources against other live tasks.
func (d *Delegator) claimResources(ctx context.Context, t Task) error {
	if d.conflicts == nil || len(t.Resources) == 0 {
		return nil
	}
	holders := d.resourceHolders(t)
	for _, h := range holders {
		desc := fmt.Sprintf("resource %s claimed by %s and %s", strings.Join(h.resources, ","), h.id, t.ID)
		cid, err := d.conflicts.Detect(ctx, conflict.TypeResource, []string{h.id, t.ID}, desc)
		if err != nil {
			slog.Warn("Resource conflict not recorded", "task_id", t.ID, "holder", h.id, "error", err)
			continue
		}
		out, err := d.conflicts.Resolve(ctx, cid, d.opts.ResourceStrategy, conflict.Params{})
		if errors.Is(err, coreerr.ErrConflictUnresolved) {
			return fmt.Errorf("resource contention with task %s: %w", h.id, err)
		}
		if err != nil {
			slog.Warn("Resource conflict resolution failed", "conflict_id", cid, "error", err)
			continue
		}
		for _, loser := range out.Losers {
			if loser == t.ID {
				return nil
			}
		}
	}
	return nil
}

type holder struct {
	id        string
	resources []string
}

func (d *Delegator) resourceHolders(t Task) []holder {
	want := make(map[string]bool, len(t.Resources))
	for _, r := range t.Resources {
		want[r] = true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []holder
	for id, other := range d.tasks {
		if id == t.ID || other.State.Terminal() {
			continue
		}
		// Siblings still waiting to be dispatched do not hold anything yet.
		if t.ParentID != "" && other.ParentID == t.ParentID && other.State == StateCreated {
			continue
		}
		var shared []string
		for _, r := range other.Resources {
			if want[r] {
				shared = append(shared, r)
			}
		}
		if len(shared) > 0 {
			out = append(out, holder{id: id, resources: shared})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// load counts the live assigned tasks per agent.
func (d *Delegator) load() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int)
	for _, t := range d.tasks {
		if t.AssignedAgent != "" && !t.State.Terminal() && t.State != StateCreated {
			out[t.AssignedAgent]++
		}
	}
	return out
}

// selectAgent picks the best active agent for req: least loaded, most recently
// registered, unconstrained by resource hints, and finally by id. Degraded
// agents are considered only with AllowDegraded and no active match. exclude
// is skipped when others exist.
func (d *Delegator) selectAgent(req registry.Capability, exclude string) (string, bool) {
	var active, degraded []registry.AgentRecord
	for _, a := range d.agents.FindByCapability(req) {
		switch a.Status {
		case registry.StatusActive:
			active = append(active, a)
		case registry.StatusDegraded:
			degraded = append(degraded, a)
		}
	}
	pool := active
	if len(pool) == 0 && d.opts.AllowDegraded {
		pool = degraded
	}
	if exclude != "" && len(pool) > 1 {
		kept := pool[:0:0]
		for _, a := range pool {
			if a.ID != exclude {
				kept = append(kept, a)
			}
		}
		pool = kept
	}
	if len(pool) == 0 {
		return "", false
	}

	load := d.load()
	constrained := func(id string) bool {
		if d.hints == nil {
			return false
		}
		h, ok := d.hints.Hint(id)
		return ok && h.Constrained()
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if load[a.ID] != load[b.ID] {
			return load[a.ID] < load[b.ID]
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.After(b.RegisteredAt)
		}
		ca, cb := constrained(a.ID), constrained(b.ID)
		if ca != cb {
			return !ca
		}
		return a.ID < b.ID
	})
	return pool[0].ID, true
}

// assign moves cur to assigned for agentID. The caller holds the task lock.
func (d *Delegator) assign(ctx context.Context, cur Task, agentID string) (Task, error) {
	next, err := d.transition(ctx, cur, StateAssigned, func(t *Task) {
		t.AssignedAgent = agentID
		t.Attempts++
		t.FailureReason = ""
	})
	if err != nil {
		return cur, err
	}
	directive := map[string]any{
		"agent_id": agentID,
		"type":     next.Type,
		"params":   cloneMap(next.Params),
		"priority": string(next.Priority),
		"attempt":  next.Attempts,
	}
	if next.Deadline != nil {
		directive["deadline"] = next.Deadline.Format(time.RFC3339)
	}
	if len(next.ExpectedOutput) > 0 {
		directive["expected_output"] = next.ExpectedOutput
	}
	d.emit(bus.EventTaskDirective, next.ID, directive)
	return next, nil
}

// Assign hands a created (or retryable failed) task to agentID. A task is
// assigned to at most one agent at a time.
func (d *Delegator) Assign(ctx context.Context, taskID, agentID string) error {
	if _, err := d.agents.Get(agentID); err != nil {
		return err
	}
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return err
	}
	if cur.State == StateFailed {
		if ok, why := CanRetry(cur); !ok {
			return fmt.Errorf("%w: task %s: %s", coreerr.ErrInvalidStateTransition, taskID, why)
		}
	}
	_, err = d.assign(ctx, cur, agentID)
	return err
}

func checkAgent(t Task, agentID string) error {
	if agentID != "" && t.AssignedAgent != agentID {
		return fmt.Errorf("%w: task %s is not assigned to %s", coreerr.ErrInvalidInput, t.ID, agentID)
	}
	return nil
}

// Accept records the assigned agent's acceptance.
func (d *Delegator) Accept(ctx context.Context, taskID, agentID string) error {
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return err
	}
	if err := checkAgent(cur, agentID); err != nil {
		return err
	}
	_, err = d.transition(ctx, cur, StateAccepted, nil)
	return err
}

// StartProcessing marks the task as being worked on, accepting it first when
// the agent skipped that step.
func (d *Delegator) StartProcessing(ctx context.Context, taskID, agentID string) error {
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return err
	}
	if err := checkAgent(cur, agentID); err != nil {
		return err
	}
	steps := pathTo(cur.State, StateProcessing)
	if steps == nil {
		return fmt.Errorf("%w: task %s cannot start from %s", coreerr.ErrInvalidStateTransition, taskID, cur.State)
	}
	for _, s := range steps {
		if cur, err = d.transition(ctx, cur, s, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReportCompletion stores the agent's result and completes the task. A
// repeated report carrying the same result id is ignored. Parents with
// subtasks complete only through their subtasks.
func (d *Delegator) ReportCompletion(ctx context.Context, taskID string, res Result) error {
	parentID, failed, err := d.complete(ctx, taskID, res)
	if failed {
		d.afterFailure(ctx, taskID)
	}
	if err != nil {
		return err
	}
	d.rollUp(ctx, parentID)
	return nil
}

// complete records res under the task lock. failed reports that the result
// was rejected and the task moved to failed.
func (d *Delegator) complete(ctx context.Context, taskID string, res Result) (parentID string, failed bool, err error) {
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return "", false, err
	}
	if cur.State == StateCompleted && cur.Result != nil && res.ID != "" && cur.Result.ID == res.ID {
		slog.Debug("Duplicate completion ignored", "task_id", taskID, "result_id", res.ID)
		return "", false, nil
	}
	if len(cur.Subtasks) > 0 {
		return "", false, fmt.Errorf("%w: task %s completes through its subtasks", coreerr.ErrInvalidInput, taskID)
	}
	if res.AgentID == "" {
		res.AgentID = cur.AssignedAgent
	}
	if err := checkAgent(cur, res.AgentID); err != nil {
		return "", false, err
	}
	steps := pathTo(cur.State, StateCompleted)
	if steps == nil {
		return "", false, fmt.Errorf("%w: task %s cannot complete from %s", coreerr.ErrInvalidStateTransition, taskID, cur.State)
	}

	if check := ValidateOutput(cur.ExpectedOutput, res.Payload); !check.OK {
		if _, err := d.transition(ctx, cur, StateFailed, func(t *Task) { t.FailureReason = check.RemediationMsg }); err != nil {
			return "", false, err
		}
		return "", true, fmt.Errorf("%w: task %s result %s", coreerr.ErrInvalidInput, taskID, check.RemediationMsg)
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.TaskID = taskID
	if res.Timestamp.IsZero() {
		res.Timestamp = d.now()
	}
	res.Confidence = clamp01(res.Confidence)
	res.Payload = cloneMap(res.Payload)

	for i, s := range steps {
		var mutate func(*Task)
		if i == len(steps)-1 {
			mutate = func(t *Task) { r := res; t.Result = &r }
		}
		if cur, err = d.transition(ctx, cur, s, mutate); err != nil {
			return "", false, err
		}
	}
	d.emitResult(cur)
	return cur.ParentID, false, nil
}

func (d *Delegator) emitResult(t Task) {
	if t.Result == nil {
		return
	}
	d.emit(bus.EventTaskResultRecorded, t.ID, map[string]any{
		"result_id":      t.Result.ID,
		"agent_id":       t.Result.AgentID,
		"payload":        cloneMap(t.Result.Payload),
		"confidence":     t.Result.Confidence,
		"decision_point": t.DecisionPoint,
		"parent_id":      t.ParentID,
		"rollup":         len(t.Subtasks) > 0,
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ReportFailure records a failed attempt. With AutoRetry the task is
// reassigned while retry budget remains.
func (d *Delegator) ReportFailure(ctx context.Context, taskID, agentID, reason string) error {
	release := d.locks.Lock(taskID)
	cur, err := d.current(taskID)
	if err != nil {
		release()
		return err
	}
	if err := checkAgent(cur, agentID); err != nil {
		release()
		return err
	}
	_, err = d.transition(ctx, cur, StateFailed, func(t *Task) { t.FailureReason = reason })
	release()
	if err != nil {
		return err
	}
	d.afterFailure(ctx, taskID)
	return nil
}

// afterFailure retries or rolls the failure up. Must be called without the task lock.
func (d *Delegator) afterFailure(ctx context.Context, taskID string) {
	cur, err := d.current(taskID)
	if err != nil {
		return
	}
	if d.opts.AutoRetry {
		if ok, _ := CanRetry(cur); ok {
			_, err := d.Retry(ctx, taskID)
			if err == nil {
				return
			}
			slog.Warn("Automatic retry failed", "task_id", taskID, "error", err)
		}
	}
	d.rollUp(ctx, cur.ParentID)
}

// Retry reassigns a failed task, preferring a different agent, and returns
// the new assignee.
func (d *Delegator) Retry(ctx context.Context, taskID string) (string, error) {
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return "", err
	}
	if ok, why := CanRetry(cur); !ok {
		return "", fmt.Errorf("%w: task %s: %s", coreerr.ErrInvalidStateTransition, taskID, why)
	}
	agentID := cur.TargetAgent
	if agentID == "" {
		var ok bool
		agentID, ok = d.selectAgent(cur.RequiredCapability, cur.AssignedAgent)
		if !ok {
			return "", fmt.Errorf("%w: capability %q", coreerr.ErrNoMatchingAgent, cur.RequiredCapability.Name)
		}
	}
	if _, err := d.assign(ctx, cur, agentID); err != nil {
		return "", err
	}
	slog.Info("Task retried", "task_id", taskID, "agent_id", agentID, "attempt", cur.Attempts+1)
	return agentID, nil
}

// Cancel stops a live task and, best effort, its live subtasks. The assigned
// agent receives a cancel directive.
func (d *Delegator) Cancel(ctx context.Context, taskID, reason string) error {
	release := d.locks.Lock(taskID)
	cur, err := d.current(taskID)
	if err != nil {
		release()
		return err
	}
	if cur.State.Terminal() {
		release()
		return fmt.Errorf("%w: task %s is already %s", coreerr.ErrInvalidStateTransition, taskID, cur.State)
	}
	next, err := d.transition(ctx, cur, StateCancelled, func(t *Task) { t.FailureReason = reason })
	release()
	if err != nil {
		return err
	}
	if next.AssignedAgent != "" {
		d.emit(bus.EventTaskCancelRequested, taskID, map[string]any{
			"agent_id": next.AssignedAgent,
			"reason":   reason,
		})
	}
	d.cancelSubtasks(ctx, next, "parent cancelled")
	d.rollUp(ctx, next.ParentID)
	return nil
}

func (d *Delegator) cancelSubtasks(ctx context.Context, parent Task, reason string) {
	for _, sid := range parent.Subtasks {
		st, err := d.current(sid)
		if err != nil || st.State.Terminal() {
			continue
		}
		if err := d.Cancel(ctx, sid, reason); err != nil && !errors.Is(err, coreerr.ErrInvalidStateTransition) {
			slog.Warn("Subtask not cancelled", "task_id", sid, "parent_id", parent.ID, "error", err)
		}
	}
}

// SweepTimeouts times out every live task whose deadline is before now and
// returns their ids. Each task times out once.
func (d *Delegator) SweepTimeouts(ctx context.Context, now time.Time) []string {
	d.mu.RLock()
	var due []string
	for id, t := range d.tasks {
		if !t.State.Terminal() && t.Deadline != nil && t.Deadline.Before(now) {
			due = append(due, id)
		}
	}
	d.mu.RUnlock()
	sort.Strings(due)

	var timedOut []string
	for _, id := range due {
		release := d.locks.Lock(id)
		cur, err := d.current(id)
		if err != nil || cur.State.Terminal() || cur.Deadline == nil || !cur.Deadline.Before(now) {
			release()
			continue
		}
		next, err := d.transition(ctx, cur, StateTimeout, func(t *Task) { t.FailureReason = "deadline exceeded" })
		release()
		if err != nil {
			slog.Warn("Task timeout not recorded", "task_id", id, "error", err)
			continue
		}
		timedOut = append(timedOut, id)
		if next.AssignedAgent != "" {
			d.emit(bus.EventTaskCancelRequested, id, map[string]any{"agent_id": next.AssignedAgent, "reason": "timeout"})
		}
		d.cancelSubtasks(ctx, next, "parent timed out")
		d.rollUp(ctx, next.ParentID)
	}
	if len(timedOut) > 0 {
		slog.Info("Timed out tasks", "count", len(timedOut))
	}
	return timedOut
}

// Decompose splits a live task into subtasks. Subtasks inherit priority and
// deadline unless set, and the parent moves to processing. Subtasks with no
// available agent stay created and ErrNoMatchingAgent is returned alongside
// the ids.
func (d *Delegator) Decompose(ctx context.Context, taskID string, defs []SubtaskDef) ([]string, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no subtasks given", coreerr.ErrInvalidInput)
	}
	for i, def := range defs {
		if err := d.validateSpec(def.Spec); err != nil {
			return nil, fmt.Errorf("subtask %d: %w", i, err)
		}
	}

	release := d.locks.Lock(taskID)
	parent, err := d.current(taskID)
	if err != nil {
		release()
		return nil, err
	}
	if parent.State.Terminal() || len(parent.Subtasks) > 0 {
		release()
		return nil, fmt.Errorf("%w: task %s cannot be decomposed in state %s", coreerr.ErrInvalidStateTransition, taskID, parent.State)
	}
	ids := make([]string, len(defs))
	for i := range defs {
		ids[i] = uuid.NewString()
	}
	mutate := func(t *Task) { t.Subtasks = append([]string(nil), ids...) }
	if parent.State == StateProcessing {
		parent, err = d.apply(ctx, parent, StateProcessing, mutate)
	} else if steps := pathTo(parent.State, StateProcessing); steps != nil {
		for i, s := range steps {
			var m func(*Task)
			if i == len(steps)-1 {
				m = mutate
			}
			if parent, err = d.transition(ctx, parent, s, m); err != nil {
				break
			}
		}
	} else {
		parent, err = d.apply(ctx, parent, StateProcessing, mutate)
	}
	release()
	if err != nil {
		return nil, err
	}

	// Every subtask exists before any of them is claimed or assigned, so a
	// roll-up triggered early sees the full set.
	subs := make([]Task, len(defs))
	for i, def := range defs {
		subs[i] = d.build(ids[i], def.Spec, &parent, def.Optional)
		if err := d.record(ctx, subs[i]); err != nil {
			if cerr := d.Cancel(ctx, taskID, "decomposition aborted"); cerr != nil {
				slog.Warn("Parent not cancelled after failed decomposition", "task_id", taskID, "error", cerr)
			}
			return nil, fmt.Errorf("subtask %d: %w", i, err)
		}
	}

	var unmatched []string
	for i, st := range subs {
		if _, err := d.dispatch(ctx, st); err != nil {
			if errors.Is(err, coreerr.ErrNoMatchingAgent) {
				unmatched = append(unmatched, ids[i])
				continue
			}
			slog.Warn("Subtask setup incomplete", "task_id", ids[i], "parent_id", taskID, "error", err)
		}
	}
	slog.Info("Task decomposed", "task_id", taskID, "subtasks", len(ids))
	if len(unmatched) > 0 {
		return ids, fmt.Errorf("%w: subtasks %s are waiting for an agent", coreerr.ErrNoMatchingAgent, strings.Join(unmatched, ","))
	}
	return ids, nil
}

// rollUp settles a parent once its subtasks allow it.
func (d *Delegator) rollUp(ctx context.Context, parentID string) {
	if parentID == "" {
		return
	}
	release := d.locks.Lock(parentID)
	parent, err := d.current(parentID)
	if err != nil || parent.State.Terminal() {
		release()
		return
	}

	subs := make([]Task, 0, len(parent.Subtasks))
	done := true
	for _, sid := range parent.Subtasks {
		st, err := d.current(sid)
		if err != nil {
			// Listed but not recorded yet.
			done = false
			continue
		}
		subs = append(subs, st)
	}

	var failedSub *Task
	for i := range subs {
		st := &subs[i]
		if !st.State.Terminal() {
			done = false
			continue
		}
		if !st.Optional && st.State != StateCompleted && failedSub == nil {
			failedSub = st
		}
	}

	switch {
	case failedSub != nil:
		reason := fmt.Sprintf("subtask %s %s", failedSub.ID, failedSub.State)
		if failedSub.FailureReason != "" {
			reason += ": " + failedSub.FailureReason
		}
		next, err := d.transition(ctx, parent, StateFailed, func(t *Task) { t.FailureReason = reason })
		release()
		if err != nil {
			slog.Warn("Parent failure not recorded", "task_id", parentID, "error", err)
			return
		}
		d.cancelSubtasks(ctx, next, "sibling subtask failed")
		d.rollUp(ctx, next.ParentID)

	case done:
		payload := make(map[string]any, len(subs))
		var sum float64
		var n int
		for _, st := range subs {
			if st.State == StateCompleted && st.Result != nil {
				payload[st.ID] = cloneMap(st.Result.Payload)
				sum += st.Result.Confidence
				n++
			}
		}
		res := Result{
			ID:        uuid.NewString(),
			TaskID:    parentID,
			AgentID:   parent.AssignedAgent,
			Payload:   payload,
			Timestamp: d.now(),
		}
		if n > 0 {
			res.Confidence = sum / float64(n)
		}
		steps := pathTo(parent.State, StateCompleted)
		if parent.State == StateCreated {
			steps = []State{StateCompleted}
		}
		for i, s := range steps {
			var m func(*Task)
			if i == len(steps)-1 {
				m = func(t *Task) { r := res; t.Result = &r }
			}
			if parent, err = d.apply(ctx, parent, s, m); err != nil {
				break
			}
		}
		release()
		if err != nil {
			slog.Warn("Parent completion not recorded", "task_id", parentID, "error", err)
			return
		}
		d.emitResult(parent)
		d.rollUp(ctx, parent.ParentID)

	default:
		release()
	}
}

// Purge removes a terminal task from memory and the store.
func (d *Delegator) Purge(ctx context.Context, taskID string) error {
	release := d.locks.Lock(taskID)
	defer release()
	cur, err := d.current(taskID)
	if err != nil {
		return err
	}
	if !cur.State.Terminal() {
		return fmt.Errorf("%w: task %s is still %s", coreerr.ErrInvalidStateTransition, taskID, cur.State)
	}
	if cur.ParentID != "" {
		if p, err := d.current(cur.ParentID); err == nil && !p.State.Terminal() {
			return fmt.Errorf("%w: parent %s of task %s is still %s", coreerr.ErrInvalidStateTransition, p.ID, taskID, p.State)
		}
	}
	if d.store != nil {
		if err := d.store.Delete(ctx, store.Tasks, taskID); err != nil {
			return fmt.Errorf("delete task %s: %w", taskID, err)
		}
	}
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()
	return nil
}

// Get returns a copy of the task.
func (d *Delegator) Get(taskID string) (Task, error) {
	return d.current(taskID)
}

// GetStatus returns the task's state.
func (d *Delegator) GetStatus(taskID string) (State, error) {
	t, err := d.current(taskID)
	if err != nil {
		return "", err
	}
	return t.State, nil
}

// GetResult returns the task's result, or nil while it has none.
func (d *Delegator) GetResult(taskID string) (*Result, error) {
	t, err := d.current(taskID)
	if err != nil {
		return nil, err
	}
	return t.Result, nil
}

// List returns matching tasks, oldest first.
func (d *Delegator) List(f Filter) []Task {
	d.mu.RLock()
	var out []Task
	for _, t := range d.tasks {
		if f.matches(t) {
			out = append(out, t.clone())
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Entity describes a task for conflict strategies. Authority comes from the
// assigned agent's role.
func (d *Delegator) Entity(id string) (conflict.Entity, bool) {
	t, err := d.current(id)
	if err != nil {
		return conflict.Entity{}, false
	}
	e := conflict.Entity{
		ID:        t.ID,
		Kind:      conflict.KindTask,
		Agent:     t.AssignedAgent,
		Priority:  t.Priority.Rank(),
		Timestamp: t.CreatedAt,
	}
	if t.AssignedAgent != "" {
		if a, err := d.agents.Get(t.AssignedAgent); err == nil {
			e.Authority = a.Role.Rank()
		}
	}
	return e, true
}
