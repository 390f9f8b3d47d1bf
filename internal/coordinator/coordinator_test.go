package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/KafCoord/internal/aggregate"
	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/config"
	"github.com/KafClaw/KafCoord/internal/conflict"
	"github.com/KafClaw/KafCoord/internal/coreerr"
	"github.com/KafClaw/KafCoord/internal/decision"
	"github.com/KafClaw/KafCoord/internal/knowledge"
	"github.com/KafClaw/KafCoord/internal/registry"
	"github.com/KafClaw/KafCoord/internal/store"
	"github.com/KafClaw/KafCoord/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("KAFCOORD_HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Paths.Database = ":memory:"
	cfg.Scheduler.Enabled = false
	cfg.Retry.Attempts = 1
	cfg.Knowledge.Dimension = 64
	return cfg
}

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c := New(testConfig(t), st, nil)
	t.Cleanup(func() {
		_ = c.Close()
		_ = st.Close()
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func register(t *testing.T, c *Coordinator, id string, role registry.Role, caps ...string) {
	t.Helper()
	rec := registry.AgentRecord{ID: id, Role: role, Status: registry.StatusActive}
	for _, name := range caps {
		rec.Capabilities = append(rec.Capabilities, registry.Capability{Name: name})
	}
	if _, err := c.RegisterAgent(context.Background(), rec); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestMarketDataDelegationRoundTrip(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "A1", registry.RoleSpecialist, "market_data")

	taskID, err := c.DelegateTask(ctx, "boss", task.Spec{
		Type:               "fetch",
		RequiredCapability: registry.Capability{Name: "market_data"},
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	tk, err := c.Tasks.Get(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.AssignedAgent != "A1" || tk.State != task.StateAssigned {
		t.Fatalf("expected assigned to A1, got agent=%q state=%s", tk.AssignedAgent, tk.State)
	}

	if err := c.ReportCompletion(ctx, "A1", taskID, task.Result{Payload: map[string]any{"price": 100}}); err != nil {
		t.Fatalf("report completion: %v", err)
	}
	state, err := c.GetTaskStatus("boss", taskID)
	if err != nil || state != task.StateCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", state, err)
	}
	res, err := c.GetTaskResult("boss", taskID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res == nil || res.Payload["price"] != 100 {
		t.Fatalf("expected price 100, got %+v", res)
	}
}

func TestUnknownCallerRejected(t *testing.T) {
	c := newCoordinator(t)
	_, err := c.DelegateTask(context.Background(), "ghost", task.Spec{Type: "fetch"})
	if !errors.Is(err, coreerr.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := c.SearchKnowledge(context.Background(), "", "x", 1); !errors.Is(err, coreerr.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound for empty caller, got %v", err)
	}
}

func TestDecisionPointProducesTrackedDecision(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "analyst", registry.RoleSpecialist, "pricing")

	taskID, err := c.DelegateTask(ctx, "boss", task.Spec{
		Type:               "price-listing",
		RequiredCapability: registry.Capability{Name: "pricing"},
		DecisionPoint:      true,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	payload := map[string]any{"options": []any{
		map[string]any{"name": "sell", "confidence": 0.9},
		map[string]any{"name": "hold", "confidence": 0.5},
	}}
	if err := c.ReportCompletion(ctx, "analyst", taskID, task.Result{Payload: payload, Confidence: 0.8}); err != nil {
		t.Fatalf("report completion: %v", err)
	}

	var decisionID string
	waitFor(t, "decision for task", func() bool {
		id, ok := c.DecisionForTask(taskID)
		decisionID = id
		return ok
	})
	waitFor(t, "tracked decision", func() bool {
		_, ok := c.Decisions.Get(decisionID)
		return ok
	})
	d, _ := c.Decisions.Get(decisionID)
	if d.Chosen != "sell" {
		t.Fatalf("expected sell, got %q", d.Chosen)
	}
	if d.Context.TaskID != taskID || d.Context.AgentID != "analyst" {
		t.Fatalf("unexpected decision context %+v", d.Context)
	}
	if _, err := c.RecordFeedback(ctx, "boss", decisionID, "success", 0.9); err != nil {
		t.Fatalf("record feedback: %v", err)
	}
}

func TestDecideRejectsLowConfidence(t *testing.T) {
	c := newCoordinator(t)
	register(t, c, "boss", registry.RoleExecutive)
	_, err := c.Decide(context.Background(), "boss", decisionContext(), options("wait", 0.1))
	if !errors.Is(err, coreerr.ErrDecisionConstraintViolated) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	waitFor(t, "decision escalation", func() bool {
		for _, e := range c.Escalations.List("") {
			if e.Kind == "decision" {
				return true
			}
		}
		return false
	})
}

func TestResourceConflictPriorityWins(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "lister", registry.RoleUtility, "listing")

	low, err := c.DelegateTask(ctx, "boss", task.Spec{Type: "relist", Priority: task.PriorityLow, RequiredCapability: registry.Capability{Name: "listing"}})
	if err != nil {
		t.Fatalf("delegate low: %v", err)
	}
	high, err := c.DelegateTask(ctx, "boss", task.Spec{Type: "reprice", Priority: task.PriorityHigh, RequiredCapability: registry.Capability{Name: "listing"}})
	if err != nil {
		t.Fatalf("delegate high: %v", err)
	}
	id, err := c.Conflicts.Detect(ctx, conflict.TypeResource, []string{high, low}, "both claim listing-42")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	out, err := c.ResolveConflict(ctx, "boss", id, conflict.StrategyPriority, conflict.Params{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(out.Winners) != 1 || out.Winners[0] != high {
		t.Fatalf("expected %s to win, got %+v", high, out)
	}
	if st, _ := c.Tasks.GetStatus(low); st != task.StateCancelled {
		t.Fatalf("expected loser cancelled, got %s", st)
	}
}

func TestSubtaskResultsVoteOnParent(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	register(t, c, "boss", registry.RoleExecutive, "planning")
	for _, id := range []string{"P1", "P2", "P3"} {
		register(t, c, id, registry.RoleSpecialist, "pricing")
	}

	parent, err := c.DelegateTask(ctx, "boss", task.Spec{Type: "price-listing", TargetAgent: "boss"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := c.Aggregator.RegisterTask(parent, aggregate.StrategyMajority); err != nil {
		t.Fatalf("register strategy: %v", err)
	}
	defs := make([]task.SubtaskDef, 3)
	for i := range defs {
		defs[i] = task.SubtaskDef{Spec: task.Spec{Type: "quote", RequiredCapability: registry.Capability{Name: "pricing"}}}
	}
	subs, err := c.DecomposeTask(ctx, "boss", parent, defs)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}

	prices := []float64{120, 120, 95}
	for i, sid := range subs {
		st, _ := c.Tasks.Get(sid)
		res := task.Result{Payload: map[string]any{"price": prices[i]}, Confidence: 0.8}
		if err := c.ReportCompletion(ctx, st.AssignedAgent, sid, res); err != nil {
			t.Fatalf("complete %s: %v", sid, err)
		}
	}
	if st, _ := c.Tasks.GetStatus(parent); st != task.StateCompleted {
		t.Fatalf("expected parent completed, got %s", st)
	}

	agg, err := c.AggregateResults(ctx, "boss", parent)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.State != aggregate.StateAggregated || agg.Count != 3 || agg.Payload["price"] != float64(120) {
		t.Fatalf("expected majority price 120 over three subtask results, got %+v", agg)
	}
	if agg.Confidence < 0.66 || agg.Confidence > 0.67 {
		t.Fatalf("expected two thirds agreement, got %.3f", agg.Confidence)
	}
}

func TestSubtaskResultTieRaisesDataConflict(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "Q1", registry.RoleSpecialist, "pricing")
	register(t, c, "Q2", registry.RoleSpecialist, "pricing")

	parent, _ := c.DelegateTask(ctx, "boss", task.Spec{Type: "price-listing", TargetAgent: "boss"})
	_ = c.Aggregator.RegisterTask(parent, aggregate.StrategyMajority)
	def := task.SubtaskDef{Spec: task.Spec{Type: "quote", RequiredCapability: registry.Capability{Name: "pricing"}}}
	subs, err := c.DecomposeTask(ctx, "boss", parent, []task.SubtaskDef{def, def})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	for i, sid := range subs {
		st, _ := c.Tasks.Get(sid)
		res := task.Result{Payload: map[string]any{"price": float64(100 + i)}}
		if err := c.ReportCompletion(ctx, st.AssignedAgent, sid, res); err != nil {
			t.Fatalf("complete %s: %v", sid, err)
		}
	}
	agg, err := c.AggregateResults(ctx, "boss", parent)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.State != aggregate.StateConflicted || agg.ConflictID == "" {
		t.Fatalf("expected conflicted aggregate with a data conflict, got %+v", agg)
	}
	got, err := c.Conflicts.Get(agg.ConflictID)
	if err != nil || got.Type != conflict.TypeData {
		t.Fatalf("expected data conflict, got %+v err=%v", got, err)
	}
}

func TestServeReportsAppliesAndDedupes(t *testing.T) {
	c := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "A1", registry.RoleSpecialist, "market_data")

	taskID, err := c.DelegateTask(ctx, "boss", task.Spec{Type: "fetch", TargetAgent: "A1"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	consumer := bus.NewChannelConsumer()
	done := make(chan error, 1)
	go func() { done <- c.ServeReports(ctx, consumer) }()

	send := func(r bus.Report) {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal report: %v", err)
		}
		if err := consumer.Send("kafcoord.reports", raw); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	send(bus.Report{ID: "r1", Type: bus.ReportAccepted, AgentID: "A1", TaskID: taskID})
	send(bus.Report{ID: "r1", Type: bus.ReportAccepted, AgentID: "A1", TaskID: taskID})
	_ = consumer.Send("kafcoord.reports", []byte("{not json"))
	send(bus.Report{ID: "r2", Type: bus.ReportCompleted, AgentID: "A1", TaskID: taskID, Payload: map[string]any{"price": 101.5}, Confidence: 0.7})
	send(bus.Report{ID: "r3", Type: bus.ReportHeartbeat, AgentID: "A1", Metadata: map[string]string{"battery": "80"}})
	_ = consumer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve reports: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve reports did not return after consumer closed")
	}

	res, err := c.Tasks.GetResult(taskID)
	if err != nil || res == nil {
		t.Fatalf("expected result, got %v (err=%v)", res, err)
	}
	if res.ID != "r2" || res.Payload["price"] != 101.5 {
		t.Fatalf("unexpected result %+v", res)
	}
	md, ok := c.Registry.Metadata("A1")
	if !ok || md["battery"] != "80" {
		t.Fatalf("expected heartbeat metadata, got %v", md)
	}
}

func TestEventsStreamsTaskStatus(t *testing.T) {
	c := newCoordinator(t)
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "A1", registry.RoleSpecialist)

	events, stop := c.Events(16, bus.EventTaskStatusUpdated)
	defer stop()

	taskID, err := c.DelegateTask(context.Background(), "boss", task.Spec{Type: "fetch", TargetAgent: "A1"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	select {
	case ev := <-events:
		if ev.EntityID != taskID || ev.Payload["status"] != string(task.StateAssigned) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task status event")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.Database = filepath.Join(t.TempDir(), "data", "kafcoord.db")
	ctx := context.Background()

	c, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	register(t, c, "boss", registry.RoleExecutive)
	register(t, c, "A1", registry.RoleSpecialist, "market_data")
	taskID, err := c.DelegateTask(ctx, "boss", task.Spec{Type: "fetch", RequiredCapability: registry.Capability{Name: "market_data"}})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	itemID, err := c.PublishKnowledge(ctx, "A1", knowledge.PublishRequest{
		Type:    knowledge.TypeFact,
		Topic:   "market/btc",
		Content: map[string]any{"subject": "bitcoin", "predicate": "price", "object": "100"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if _, err := c2.Registry.Get("A1"); err != nil {
		t.Fatalf("agent lost across restart: %v", err)
	}
	tk, err := c2.Tasks.Get(taskID)
	if err != nil || tk.AssignedAgent != "A1" {
		t.Fatalf("task lost across restart: %+v (err=%v)", tk, err)
	}
	it, err := c2.Knowledge.Get(ctx, itemID)
	if err != nil || it.SourceID != "A1" {
		t.Fatalf("knowledge lost across restart: %+v (err=%v)", it, err)
	}
}

func TestRegisterJobsSchedulesSweeps(t *testing.T) {
	c := newCoordinator(t)
	if err := c.RegisterJobs(); err != nil {
		t.Fatalf("register jobs: %v", err)
	}
	names := map[string]bool{}
	for _, j := range c.Scheduler.Jobs() {
		names[j.Name] = true
	}
	for _, want := range []string{"liveness-sweep", "timeout-sweep", "knowledge-retention", "decision-learn"} {
		if !names[want] {
			t.Fatalf("missing job %s, have %v", want, names)
		}
	}
}

func TestOptionsFromPrefersAggregatePayload(t *testing.T) {
	agg := aggregate.Aggregated{
		State:      aggregate.StateAggregated,
		Confidence: 0.6,
		Payload: map[string]any{"options": []any{
			"hold",
			map[string]any{"name": "sell", "confidence": 0.9, "cost": map[string]any{"battery": 0.2}},
			map[string]any{"name": "sell", "confidence": 0.3},
		}},
	}
	opts := OptionsFrom(agg)
	if len(opts) != 2 {
		t.Fatalf("expected 2 options, got %+v", opts)
	}
	if opts[0].Name != "hold" || opts[0].ResultConfidence != 0.6 {
		t.Fatalf("unexpected hold option %+v", opts[0])
	}
	if opts[1].Name != "sell" || opts[1].ResultConfidence != 0.9 || opts[1].Cost.Battery != 0.2 {
		t.Fatalf("unexpected sell option %+v", opts[1])
	}
}

func TestOptionsFromCollectedChoices(t *testing.T) {
	agg := aggregate.Aggregated{
		State: aggregate.StateAggregated,
		Results: []task.Result{
			{Payload: map[string]any{"choice": "buy"}, Confidence: 0.4},
			{Payload: map[string]any{"choice": "buy"}, Confidence: 1.7},
			{Payload: map[string]any{"price": 3}},
		},
	}
	opts := OptionsFrom(agg)
	if len(opts) != 1 || opts[0].Name != "buy" || opts[0].ResultConfidence != 1 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func decisionContext() decision.Context {
	return decision.Context{ConversationID: "conv-1"}
}

func options(name string, confidence float64) []decision.Option {
	return []decision.Option{{Name: name, ResultConfidence: confidence}}
}
