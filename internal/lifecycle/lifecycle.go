// Package lifecycle implements the Lifecycle Manager of spec §4.2: agent
// registration, state transitions, and session bookkeeping, operating
// exclusively through the store.Store abstraction. Its method shapes follow
// the teacher's engine.Engine (validate, mutate, emit an event) with the SQL
// transaction dropped since the store has none to offer.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"opscore/internal/domain"
	"opscore/internal/events"
	"opscore/internal/opserr"
	"opscore/internal/store"
)

// Manager is the Lifecycle Manager. Now is overridable in tests, the same
// pattern the teacher's Engine.Now field uses.
type Manager struct {
	Store    store.Store
	Events   events.Recorder
	Log      *slog.Logger
	Now      func() time.Time
}

// New returns a Manager backed by s, logging through log.
func New(s store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Store: s, Events: events.NewRecorder(log), Log: log, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// RegisterAgent stores reg (failing AgentAlreadyExists on duplicate) and then
// appends the initial UNKNOWN state. Per spec §4.2 the two writes are not
// transactional: if the second write fails, the first is logged as orphaned
// but not rolled back.
func (m *Manager) RegisterAgent(ctx context.Context, reg domain.AgentRegistration) (domain.AgentRegistration, error) {
	if reg.RegistrationTime.IsZero() {
		reg.RegistrationTime = m.now()
	}
	if err := m.Store.SaveAgentRegistration(ctx, reg); err != nil {
		return domain.AgentRegistration{}, err
	}
	initial := domain.AgentStateRecord{
		AgentID:   reg.AgentID,
		Timestamp: m.now(),
		State:     domain.StateUnknown,
	}
	if err := m.Store.SaveAgentState(ctx, initial); err != nil {
		m.Log.Error("initial state write failed after registration; agent is registered but stateless",
			slog.String("agent_id", reg.AgentID), slog.Any("error", err))
	}
	m.Events.Append(ctx, "agent.registered", "agent", reg.AgentID, "", events.Payload{"agentName": reg.AgentName})
	return reg, nil
}

// DeregisterAgent marks the agent UNKNOWN with a deregistration reason,
// per SPEC_FULL.md §11 ("Deregistration handling") rather than deleting the
// immutable registration record.
func (m *Manager) DeregisterAgent(ctx context.Context, agentID string) error {
	if exists, err := m.Store.AgentExists(ctx, agentID); err != nil {
		return err
	} else if !exists {
		return opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	err := m.Store.SaveAgentState(ctx, domain.AgentStateRecord{
		AgentID:   agentID,
		Timestamp: m.now(),
		State:     domain.StateUnknown,
		Details:   map[string]any{"reason": "deregistered"},
	})
	if err == nil {
		m.Events.Append(ctx, "agent.deregistered", "agent", agentID, "", nil)
	}
	return err
}

// SetState validates and records a new state for agentID (spec §4.2).
func (m *Manager) SetState(ctx context.Context, agentID string, newState domain.AgentState, timestamp time.Time, details map[string]any) error {
	exists, err := m.Store.AgentExists(ctx, agentID)
	if err != nil {
		return err
	}
	if !exists {
		return opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	if !domain.ValidStates[newState] {
		return opserr.New(opserr.KindInvalidState, "state %q is not a recognized agent state", newState)
	}
	if timestamp.IsZero() {
		timestamp = m.now()
	}
	rec := domain.AgentStateRecord{AgentID: agentID, Timestamp: timestamp, State: newState, Details: details}
	if err := m.Store.SaveAgentState(ctx, rec); err != nil {
		return err
	}
	m.Events.Append(ctx, "agent.state_changed", "agent", agentID, "", events.Payload{"state": string(newState)})
	return nil
}

// GetState returns the latest state for agentID, or AgentNotFound if none
// has ever been recorded.
func (m *Manager) GetState(ctx context.Context, agentID string) (domain.AgentStateRecord, error) {
	return m.Store.ReadLatestAgentState(ctx, agentID)
}

// GetStateHistory returns up to limit history entries, newest first.
func (m *Manager) GetStateHistory(ctx context.Context, agentID string, limit int) ([]domain.AgentStateRecord, error) {
	return m.Store.ReadAgentStateHistory(ctx, agentID, limit)
}

// StartSession verifies that agentID and workflowID both exist and creates a
// new session in the "started" status (spec §4.2, §3).
func (m *Manager) StartSession(ctx context.Context, agentID, workflowID string, metadata map[string]any) (domain.WorkflowSession, error) {
	exists, err := m.Store.AgentExists(ctx, agentID)
	if err != nil {
		return domain.WorkflowSession{}, err
	}
	if !exists {
		return domain.WorkflowSession{}, opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	if _, err := m.Store.ReadWorkflowDefinition(ctx, workflowID); err != nil {
		return domain.WorkflowSession{}, err
	}
	now := m.now()
	session := domain.WorkflowSession{
		SessionID:       newSessionID(),
		AgentID:         agentID,
		WorkflowID:      workflowID,
		Status:          domain.SessionStarted,
		StartTime:       now,
		LastUpdatedTime: now,
		Metadata:        metadata,
	}
	if err := m.Store.CreateSession(ctx, session); err != nil {
		return domain.WorkflowSession{}, err
	}
	m.Events.Append(ctx, "session.started", "session", session.SessionID, "", events.Payload{"agentId": agentID, "workflowId": workflowID})
	return session, nil
}

// UpdateSession merges patch into the session identified by sessionID.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.WorkflowSession, error) {
	session, err := m.Store.UpdateSessionData(ctx, sessionID, patch, m.now())
	if err != nil {
		return domain.WorkflowSession{}, err
	}
	m.Events.Append(ctx, "session.updated", "session", sessionID, "", events.Payload{"status": string(session.Status)})
	return session, nil
}

// GetSession returns a session by ID, or SessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (domain.WorkflowSession, error) {
	return m.Store.ReadSession(ctx, sessionID)
}

// ListSessions returns recent sessions for an agent (SPEC_FULL.md §11).
func (m *Manager) ListSessions(ctx context.Context, agentID string, limit int) ([]domain.WorkflowSession, error) {
	return m.Store.ListSessionsByAgent(ctx, agentID, limit)
}
