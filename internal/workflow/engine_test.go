package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opscore/internal/domain"
	"opscore/internal/lifecycle"
	"opscore/internal/opserr"
	"opscore/internal/routing"
	"opscore/internal/store"
)

func newTestEngine(t *testing.T, routingURL string) *Engine {
	t.Helper()
	s := store.NewMemory()
	lc := lifecycle.New(s, nil)
	rc := routing.New(routingURL, time.Second)
	e := New(s, lc, rc, nil)
	e.RequeueDelay = 0
	e.StateReadTimeout = time.Second
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func registerIdleAgent(t *testing.T, e *Engine, agentID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.Lifecycle.RegisterAgent(ctx, domain.AgentRegistration{AgentID: agentID}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := e.Lifecycle.SetState(ctx, agentID, domain.StateIdle, time.Time{}, nil); err != nil {
		t.Fatalf("set state idle: %v", err)
	}
}

func TestTriggerResolvesByDefinitionIDAndEnqueuesTasks(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	registerIdleAgent(t, e, "a1")
	def, err := e.CreateWorkflow(ctx, domain.WorkflowDefinition{
		Name: "onboard", Version: "1",
		Tasks: []domain.TaskDescriptor{{TaskName: "t1"}, {TaskName: "t2"}},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	result, err := e.Trigger(ctx, "a1", def.ID, nil, map[string]any{"seed": true})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.EnqueuedTaskCount != 2 {
		t.Fatalf("expected 2 enqueued tasks, got %d", result.EnqueuedTaskCount)
	}
	if e.Queue.Len() != 2 {
		t.Fatalf("expected 2 tasks queued, got %d", e.Queue.Len())
	}
}

func TestTriggerRejectsUnknownAgent(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	def, err := e.CreateWorkflow(ctx, domain.WorkflowDefinition{
		Name: "onboard", Version: "1", Tasks: []domain.TaskDescriptor{{TaskName: "t1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Trigger(ctx, "ghost", def.ID, nil, nil); !opserr.Is(err, opserr.KindAgentNotFound) {
		t.Fatalf("expected AgentNotFound, got %v", err)
	}
}

func TestTriggerInlineDefinitionConflictAndIdempotence(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	registerIdleAgent(t, e, "a1")
	inline := domain.WorkflowDefinition{ID: "w1", Name: "onboard", Version: "1", Tasks: []domain.TaskDescriptor{{TaskName: "t1"}}}

	if _, err := e.Trigger(ctx, "a1", "", &inline, nil); err != nil {
		t.Fatalf("first inline trigger: %v", err)
	}
	// Identical payload a second time succeeds again (spec: "identical
	// payloads succeed both times").
	same := inline
	if _, err := e.Trigger(ctx, "a1", "", &same, nil); err != nil {
		t.Fatalf("second identical inline trigger should succeed: %v", err)
	}

	different := domain.WorkflowDefinition{ID: "w1", Name: "onboard", Version: "2", Tasks: []domain.TaskDescriptor{{TaskName: "t1"}}}
	if _, err := e.Trigger(ctx, "a1", "", &different, nil); !opserr.Is(err, opserr.KindWorkflowDefinitionConflict) {
		t.Fatalf("expected WorkflowDefinitionConflict, got %v", err)
	}
}

func TestTriggerRequiresExactlyOneOfDefinitionIDOrInline(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	registerIdleAgent(t, e, "a1")
	if _, err := e.Trigger(ctx, "a1", "", nil, nil); !opserr.Is(err, opserr.KindInvalidRequest) {
		t.Fatalf("expected InvalidRequest when neither is provided, got %v", err)
	}
}

func TestDispatchOneSendsToRoutingWhenAgentIdle(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	ctx := context.Background()
	registerIdleAgent(t, e, "a1")
	task := domain.Task{TaskID: "t1", AgentID: "a1", SessionID: "s1", TaskName: "x", MaxRetries: 3}
	e.dispatchOne(ctx, task)
	if hits != 1 {
		t.Fatalf("expected routing client to be invoked once, got %d", hits)
	}
	if e.Queue.Len() != 0 {
		t.Fatalf("expected task not requeued on success, got %d pending", e.Queue.Len())
	}
}

func TestDispatchOneRequeuesOnContentionStatesWithoutConsumingRetries(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	if _, err := e.Lifecycle.RegisterAgent(ctx, domain.AgentRegistration{AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}
	// Freshly registered agent is UNKNOWN, which is a contention state.
	task := domain.Task{TaskID: "t1", AgentID: "a1", SessionID: "s1", TaskName: "x", MaxRetries: 3}
	e.dispatchOne(ctx, task)
	if e.Queue.Len() != 1 {
		t.Fatalf("expected task requeued on contention, got %d", e.Queue.Len())
	}
	requeued, ok := e.Queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("expected requeued task to be dequeueable")
	}
	if requeued.RetryCount != 0 {
		t.Fatalf("expected contention requeue to leave retryCount untouched, got %d", requeued.RetryCount)
	}
}

func TestDispatchOneFailsImmediatelyWhenAgentErrored(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	if _, err := e.Lifecycle.RegisterAgent(ctx, domain.AgentRegistration{AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Lifecycle.SetState(ctx, "a1", domain.StateError, time.Time{}, nil); err != nil {
		t.Fatal(err)
	}
	def := domain.WorkflowDefinition{ID: "w1", Name: "n", Version: "1", Tasks: []domain.TaskDescriptor{{TaskName: "x"}}}
	if err := e.Store.SaveWorkflowDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	session, err := e.Lifecycle.StartSession(ctx, "a1", def.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{TaskID: "t1", AgentID: "a1", SessionID: session.SessionID, TaskName: "x", MaxRetries: 0}
	e.dispatchOne(ctx, task)

	updated, err := e.Lifecycle.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.SessionFailed {
		t.Fatalf("expected session marked failed with zero retries budget, got %s", updated.Status)
	}
}

func TestDispatchOneRetriesBeforeFallback(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	if _, err := e.Lifecycle.RegisterAgent(ctx, domain.AgentRegistration{AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Lifecycle.SetState(ctx, "a1", domain.StateFinished, time.Time{}, nil); err != nil {
		t.Fatal(err)
	}
	def := domain.WorkflowDefinition{ID: "w1", Name: "n", Version: "1", Tasks: []domain.TaskDescriptor{{TaskName: "x"}}}
	if err := e.Store.SaveWorkflowDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	session, err := e.Lifecycle.StartSession(ctx, "a1", def.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{TaskID: "t1", AgentID: "a1", SessionID: session.SessionID, TaskName: "x", MaxRetries: 1}
	e.dispatchOne(ctx, task)

	if e.Queue.Len() != 1 {
		t.Fatalf("expected one retry requeued, got %d", e.Queue.Len())
	}
	retried, _ := e.Queue.Dequeue(ctx)
	if retried.RetryCount != 1 {
		t.Fatalf("expected retryCount incremented to 1, got %d", retried.RetryCount)
	}

	e.dispatchOne(ctx, retried)
	updated, err := e.Lifecycle.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.SessionFailed {
		t.Fatalf("expected session failed after exhausting retries, got %s", updated.Status)
	}
}

func TestDispatchOneHonorsScheduleTaskNotBefore(t *testing.T) {
	e := newTestEngine(t, "http://unused")
	ctx := context.Background()
	registerIdleAgent(t, e, "a1")
	e.ScheduleTask(domain.Task{TaskID: "t1", AgentID: "a1", TaskName: "x"}, time.Hour)

	task, ok := e.Queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("expected scheduled task to be queued")
	}
	e.dispatchOne(ctx, task)
	if e.Queue.Len() != 1 {
		t.Fatalf("expected not-yet-due task to be requeued untouched, got %d", e.Queue.Len())
	}
}

func TestRunDrainsQueueUntilContextCancelled(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	registerIdleAgent(t, e, "a1")
	e.Queue.Enqueue(domain.Task{TaskID: "t1", AgentID: "a1", SessionID: "s1", TaskName: "x", MaxRetries: 3})

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-hit:
	case <-time.After(time.Second):
		t.Fatalf("expected dispatch loop to invoke routing client")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after context cancellation")
	}
}
