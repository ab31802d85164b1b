package store_test

import (
	"context"
	"testing"
	"time"

	"opscore/internal/domain"
	"opscore/internal/opserr"
	"opscore/internal/store"
)

func TestMemoryRegistrationLifecycle(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	reg := domain.AgentRegistration{AgentID: "a1", AgentName: "worker"}
	if err := m.SaveAgentRegistration(ctx, reg); err != nil {
		t.Fatalf("save registration: %v", err)
	}
	if err := m.SaveAgentRegistration(ctx, reg); !opserr.Is(err, opserr.KindAgentAlreadyExists) {
		t.Fatalf("expected AgentAlreadyExists, got %v", err)
	}
	exists, err := m.AgentExists(ctx, "a1")
	if err != nil || !exists {
		t.Fatalf("expected agent to exist: %v %v", exists, err)
	}
	if _, err := m.ReadAgentRegistration(ctx, "missing"); !opserr.Is(err, opserr.KindAgentNotFound) {
		t.Fatalf("expected AgentNotFound, got %v", err)
	}
}

func TestMemoryLatestStateCompareAndSet(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.SaveAgentState(ctx, domain.AgentStateRecord{AgentID: "a1", Timestamp: t0, State: domain.StateIdle}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	// An older timestamp must not overwrite the latest pointer.
	if err := m.SaveAgentState(ctx, domain.AgentStateRecord{AgentID: "a1", Timestamp: t0.Add(-time.Hour), State: domain.StateError}); err != nil {
		t.Fatalf("save older state: %v", err)
	}
	latest, err := m.ReadLatestAgentState(ctx, "a1")
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if latest.State != domain.StateIdle {
		t.Fatalf("expected latest state to remain idle, got %s", latest.State)
	}

	if err := m.SaveAgentState(ctx, domain.AgentStateRecord{AgentID: "a1", Timestamp: t0.Add(time.Hour), State: domain.StateActive}); err != nil {
		t.Fatalf("save newer state: %v", err)
	}
	latest, err = m.ReadLatestAgentState(ctx, "a1")
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if latest.State != domain.StateActive {
		t.Fatalf("expected latest state active, got %s", latest.State)
	}

	history, err := m.ReadAgentStateHistory(ctx, "a1", 0)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[0].State != domain.StateActive {
		t.Fatalf("expected history newest-first, got %s", history[0].State)
	}
}

func TestMemorySessionPatchStampsEndTime(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	session := domain.WorkflowSession{
		SessionID: "s1", AgentID: "a1", WorkflowID: "w1",
		Status: domain.SessionStarted, StartTime: now, LastUpdatedTime: now,
	}
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := m.CreateSession(ctx, session); err == nil {
		t.Fatalf("expected error creating duplicate session")
	}

	failed := domain.SessionFailed
	updated, err := m.UpdateSessionData(ctx, "s1", domain.SessionPatch{Status: &failed, Metadata: map[string]any{"lastError": "boom"}}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if updated.Status != domain.SessionFailed {
		t.Fatalf("expected failed status, got %s", updated.Status)
	}
	if updated.EndTime == nil {
		t.Fatalf("expected EndTime to be stamped on terminal transition")
	}
	if updated.Metadata["lastError"] != "boom" {
		t.Fatalf("expected metadata merge, got %v", updated.Metadata)
	}
}

func TestMemoryListSessionsByAgentRespectsLimit(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s := domain.WorkflowSession{
			SessionID: "s" + string(rune('a'+i)), AgentID: "a1", WorkflowID: "w1",
			Status: domain.SessionRunning, StartTime: base.Add(time.Duration(i) * time.Minute),
		}
		if err := m.CreateSession(ctx, s); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
	}
	out, err := m.ListSessionsByAgent(ctx, "a1", 2)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out))
	}
	if out[0].StartTime.Before(out[1].StartTime) {
		t.Fatalf("expected newest-first ordering")
	}
}

func TestMemoryWorkflowDefinitions(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	def := domain.WorkflowDefinition{ID: "w1", Name: "onboard", Version: "1", Tasks: []domain.TaskDescriptor{{TaskName: "start"}}}
	if err := m.SaveWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("save definition: %v", err)
	}
	got, err := m.ReadWorkflowDefinition(ctx, "w1")
	if err != nil {
		t.Fatalf("read definition: %v", err)
	}
	if got.Name != "onboard" {
		t.Fatalf("unexpected definition: %+v", got)
	}
	if _, err := m.ReadWorkflowDefinition(ctx, "missing"); !opserr.Is(err, opserr.KindWorkflowDefinitionNotFound) {
		t.Fatalf("expected WorkflowDefinitionNotFound, got %v", err)
	}
	list, err := m.ListWorkflowDefinitions(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one definition, got %v %v", list, err)
	}
}

func TestMemoryClearAll(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_ = m.SaveAgentRegistration(ctx, domain.AgentRegistration{AgentID: "a1"})
	_ = m.SaveWorkflowDefinition(ctx, domain.WorkflowDefinition{ID: "w1", Name: "n", Version: "1"})
	if err := m.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if exists, _ := m.AgentExists(ctx, "a1"); exists {
		t.Fatalf("expected registrations cleared")
	}
	if list, _ := m.ListWorkflowDefinitions(ctx); len(list) != 0 {
		t.Fatalf("expected definitions cleared, got %v", list)
	}
}
