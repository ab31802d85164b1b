package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opscore/internal/domain"
	"opscore/internal/events"
	"opscore/internal/lifecycle"
	"opscore/internal/opserr"
	"opscore/internal/routing"
	"opscore/internal/store"
)

// TriggerResult is the response shape spec §4.4 step 5 specifies.
type TriggerResult struct {
	SessionID         string
	WorkflowID        string
	EnqueuedTaskCount int
}

// Engine is the Workflow Engine: template persistence, the trigger
// operation, and the dispatch loop. Its background worker is shaped after
// the teacher's webhookDispatcher - a single goroutine looping on a ticker
// in that case, on a blocking queue read here - POSTing outbound requests
// and logging failures rather than propagating them to any caller.
type Engine struct {
	Store     store.Store
	Lifecycle *lifecycle.Manager
	Routing   *routing.Client
	Queue     *Queue
	Events    events.Recorder
	Log       *slog.Logger
	Now       func() time.Time

	// StateReadTimeout bounds each dispatch iteration's lifecycle read
	// (spec §5: "Dispatch loop's state-read: 5s; on timeout, the task is
	// re-enqueued as contention").
	StateReadTimeout time.Duration
	// RequeueDelay is the fixed delay applied before every re-queue after a
	// contention, retryable routing error, or failure retry (spec §9 open
	// question "Re-queue backoff": no curve is prescribed; a small constant
	// delay is chosen here to avoid a tight loop without claiming to match
	// any specific policy).
	RequeueDelay time.Duration
}

// New returns an Engine wired to s, using lc for agent-readiness lookups and
// rc to invoke the routing service.
func New(s store.Store, lc *lifecycle.Manager, rc *routing.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Store:            s,
		Lifecycle:        lc,
		Routing:          rc,
		Queue:            NewQueue(),
		Events:           events.NewRecorder(log),
		Log:              log,
		Now:              time.Now,
		StateReadTimeout: 5 * time.Second,
		RequeueDelay:     200 * time.Millisecond,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// CreateWorkflow persists def, assigning an ID if none was supplied (spec
// §4.4: "createWorkflow(template) returns the assigned id (generated if not
// supplied)").
func (e *Engine) CreateWorkflow(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if def.ID == "" {
		def.ID = "wf_" + uuid.NewString()
	}
	if err := e.Store.SaveWorkflowDefinition(ctx, def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	return def, nil
}

// ListWorkflows returns every saved definition (SPEC_FULL.md §11).
func (e *Engine) ListWorkflows(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	return e.Store.ListWorkflowDefinitions(ctx)
}

// Trigger implements spec §4.4's five-step trigger operation.
func (e *Engine) Trigger(ctx context.Context, agentID string, definitionID string, inline *domain.WorkflowDefinition, initialPayload map[string]any) (TriggerResult, error) {
	def, err := e.resolveDefinition(ctx, definitionID, inline)
	if err != nil {
		return TriggerResult{}, err
	}
	exists, err := e.Store.AgentExists(ctx, agentID)
	if err != nil {
		return TriggerResult{}, err
	}
	if !exists {
		return TriggerResult{}, opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	session, err := e.Lifecycle.StartSession(ctx, agentID, def.ID, map[string]any{})
	if err != nil {
		return TriggerResult{}, err
	}
	now := e.now()
	for i, td := range def.Tasks {
		payload := td.Parameters
		if i == 0 && initialPayload != nil {
			payload = mergePayload(td.Parameters, initialPayload)
		}
		maxRetries := td.MaxRetries
		if maxRetries == 0 {
			maxRetries = 3
		}
		task := domain.Task{
			TaskID:     "task_" + uuid.NewString(),
			SessionID:  session.SessionID,
			AgentID:    agentID,
			WorkflowID: def.ID,
			TaskName:   td.TaskName,
			Payload:    payload,
			MaxRetries: maxRetries,
			EnqueuedAt: now,
		}
		e.Queue.Enqueue(task)
	}
	e.Events.Append(ctx, "workflow.triggered", "workflow", def.ID, "", events.Payload{
		"agentId": agentID, "sessionId": session.SessionID, "taskCount": len(def.Tasks),
	})
	return TriggerResult{SessionID: session.SessionID, WorkflowID: def.ID, EnqueuedTaskCount: len(def.Tasks)}, nil
}

func mergePayload(base, override map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// resolveDefinition implements spec §4.4 step 1: exactly one of definitionID
// and inline must be given. An ID is read from the store; an inline
// definition is saved, or checked for a conflict against the stored one.
func (e *Engine) resolveDefinition(ctx context.Context, definitionID string, inline *domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	if (definitionID == "") == (inline == nil) {
		return domain.WorkflowDefinition{}, opserr.New(opserr.KindInvalidRequest, "exactly one of workflowDefinitionId or workflowDefinition must be provided")
	}
	if inline == nil {
		return e.Store.ReadWorkflowDefinition(ctx, definitionID)
	}
	if err := ValidateDefinition(*inline); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	id := inline.ID
	if id == "" {
		id = "wf_" + uuid.NewString()
		inline.ID = id
	}
	existing, err := e.Store.ReadWorkflowDefinition(ctx, id)
	if err == nil {
		if !definitionsEqual(existing, *inline) {
			return domain.WorkflowDefinition{}, opserr.New(opserr.KindWorkflowDefinitionConflict, "workflow definition %s already exists with different content", id)
		}
		return existing, nil
	}
	if !opserr.Is(err, opserr.KindWorkflowDefinitionNotFound) {
		return domain.WorkflowDefinition{}, err
	}
	if saveErr := e.Store.SaveWorkflowDefinition(ctx, *inline); saveErr != nil {
		return domain.WorkflowDefinition{}, saveErr
	}
	return *inline, nil
}

// Run drives the dispatch loop until ctx is cancelled, blocking on the queue
// when empty rather than busy-polling (spec §5). Multiple Run goroutines may
// be started concurrently against the same Engine; per-agent ordering is
// preserved by the Queue's sharding, not by any lock here.
func (e *Engine) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := e.Queue.Dequeue(ctx)
		if !ok {
			return
		}
		e.dispatchOne(ctx, task)
	}
}

func (e *Engine) dispatchOne(ctx context.Context, task domain.Task) {
	if !task.Ready(e.now()) {
		// scheduleTask's earliest-dispatch gate (spec §4.4): not yet due,
		// put it back without touching retryCount.
		e.Queue.Requeue(task)
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, e.stateReadTimeout())
	state, err := e.Lifecycle.GetState(readCtx, task.AgentID)
	timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			// spec §5: a timed-out state read is contention, not failure.
			e.delayedRequeue(task)
			return
		}
		if opserr.Is(err, opserr.KindAgentNotFound) {
			e.handleTaskFailure(ctx, task, "agent vanished")
			return
		}
		e.Log.Error("state lookup failed during dispatch", slog.String("agent_id", task.AgentID), slog.Any("error", err))
		e.delayedRequeue(task)
		return
	}

	switch state.State {
	case domain.StateIdle:
		e.invokeRouting(ctx, task)
	case domain.StateInitializing, domain.StateActive, domain.StateUnknown:
		// spec §4.4 step 3: contention, not failure - do not touch retryCount.
		e.delayedRequeue(task)
	case domain.StateError:
		e.handleTaskFailure(ctx, task, "agent reported error state")
	case domain.StateFinished:
		e.handleTaskFailure(ctx, task, "agent no longer available")
	default:
		e.delayedRequeue(task)
	}
}

func (e *Engine) stateReadTimeout() time.Duration {
	if e.StateReadTimeout <= 0 {
		return 5 * time.Second
	}
	return e.StateReadTimeout
}

func (e *Engine) delayedRequeue(task domain.Task) {
	if e.RequeueDelay > 0 {
		time.Sleep(e.RequeueDelay)
	}
	e.Queue.Requeue(task)
}

func (e *Engine) invokeRouting(ctx context.Context, task domain.Task) {
	err := e.Routing.Dispatch(ctx, task.AgentID, task.SessionID, task.TaskID, task.Payload)
	if err == nil {
		// spec §4.4 step 2: success leaves the task in-flight; no further
		// bookkeeping - progress is observed through state callbacks.
		return
	}
	var de *opserr.Error
	if errors.As(err, &de) && de.Kind == opserr.KindTaskDispatchError {
		if de.TransportStatus >= 400 && de.TransportStatus < 500 {
			e.handleTaskFailure(ctx, task, err.Error())
			return
		}
	}
	// 5xx, connection error, or timeout: retryable contention on the
	// routing service rather than a terminal failure for this attempt.
	e.delayedRequeue(task)
}

// handleTaskFailure implements spec §4.4's retry-then-fallback policy.
func (e *Engine) handleTaskFailure(ctx context.Context, task domain.Task, reason string) {
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		e.Events.Append(ctx, "task.retry", "task", task.TaskID, "", events.Payload{
			"agentId": task.AgentID, "sessionId": task.SessionID, "reason": reason, "retryCount": task.RetryCount,
		})
		e.delayedRequeue(task)
		return
	}
	e.fallback(ctx, task, reason)
}

// fallback logs the terminal failure and marks the owning session failed
// (spec §4.4).
func (e *Engine) fallback(ctx context.Context, task domain.Task, reason string) {
	e.Log.Error("task failed terminally", slog.String("task_id", task.TaskID), slog.String("agent_id", task.AgentID), slog.String("reason", reason))
	e.Events.Append(ctx, "task.failed", "task", task.TaskID, "", events.Payload{
		"agentId": task.AgentID, "sessionId": task.SessionID, "reason": reason,
	})
	failed := domain.SessionFailed
	_, err := e.Lifecycle.UpdateSession(ctx, task.SessionID, domain.SessionPatch{
		Status:   &failed,
		Metadata: map[string]any{"lastError": reason},
	})
	if err != nil {
		e.Log.Error("failed to mark session failed", slog.String("session_id", task.SessionID), slog.Any("error", err))
	}
}

// ScheduleTask is the stub spec §4.4 names explicitly ("scheduleTask(task,
// delay) is a stub"): it enqueues task with an earliest-dispatch timestamp
// and relies on the dispatch loop's readiness check (dispatchOne) to skip it
// until due, rather than a dedicated priority queue.
func (e *Engine) ScheduleTask(task domain.Task, delay time.Duration) {
	task.NotBefore = e.now().Add(delay)
	e.Queue.Enqueue(task)
}
