package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"opscore/internal/domain"
	"opscore/internal/opserr"
)

// Memory is the in-memory Store backend: process-local maps guarded by
// per-collection mutexes, as spec §4.1 requires ("process-local mappings
// guarded by per-collection mutual-exclusion").
type Memory struct {
	regMu sync.RWMutex
	regs  map[string]domain.AgentRegistration

	stateMu sync.RWMutex
	latest  map[string]domain.AgentStateRecord
	history map[string][]domain.AgentStateRecord

	sessMu sync.RWMutex
	sess   map[string]domain.WorkflowSession

	defMu sync.RWMutex
	defs  map[string]domain.WorkflowDefinition
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		regs:    make(map[string]domain.AgentRegistration),
		latest:  make(map[string]domain.AgentStateRecord),
		history: make(map[string][]domain.AgentStateRecord),
		sess:    make(map[string]domain.WorkflowSession),
		defs:    make(map[string]domain.WorkflowDefinition),
	}
}

func (m *Memory) SaveAgentRegistration(_ context.Context, reg domain.AgentRegistration) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, exists := m.regs[reg.AgentID]; exists {
		return opserr.New(opserr.KindAgentAlreadyExists, "agent %s already registered", reg.AgentID)
	}
	m.regs[reg.AgentID] = reg
	return nil
}

func (m *Memory) ReadAgentRegistration(_ context.Context, agentID string) (domain.AgentRegistration, error) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	reg, ok := m.regs[agentID]
	if !ok {
		return domain.AgentRegistration{}, opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	return reg, nil
}

func (m *Memory) AgentExists(ctx context.Context, agentID string) (bool, error) {
	_, err := m.ReadAgentRegistration(ctx, agentID)
	if opserr.Is(err, opserr.KindAgentNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) SaveAgentState(_ context.Context, state domain.AgentStateRecord) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.history[state.AgentID] = append(m.history[state.AgentID], state)
	if cur, ok := m.latest[state.AgentID]; !ok || !state.Timestamp.Before(cur.Timestamp) {
		m.latest[state.AgentID] = state
	}
	return nil
}

func (m *Memory) ReadLatestAgentState(_ context.Context, agentID string) (domain.AgentStateRecord, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	rec, ok := m.latest[agentID]
	if !ok {
		return domain.AgentStateRecord{}, opserr.New(opserr.KindAgentNotFound, "no state recorded for agent %s", agentID)
	}
	return rec, nil
}

func (m *Memory) ReadAgentStateHistory(_ context.Context, agentID string, limit int) ([]domain.AgentStateRecord, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	hist := m.history[agentID]
	out := make([]domain.AgentStateRecord, len(hist))
	copy(out, hist)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, session domain.WorkflowSession) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if _, exists := m.sess[session.SessionID]; exists {
		return opserr.New(opserr.KindInvalidRequest, "session %s already exists", session.SessionID)
	}
	m.sess[session.SessionID] = session
	return nil
}

func (m *Memory) ReadSession(_ context.Context, sessionID string) (domain.WorkflowSession, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	s, ok := m.sess[sessionID]
	if !ok {
		return domain.WorkflowSession{}, opserr.New(opserr.KindSessionNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

func (m *Memory) UpdateSessionData(_ context.Context, sessionID string, patch domain.SessionPatch, now time.Time) (domain.WorkflowSession, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sess[sessionID]
	if !ok {
		return domain.WorkflowSession{}, opserr.New(opserr.KindSessionNotFound, "session %s not found", sessionID)
	}
	applySessionPatch(&s, patch, now)
	m.sess[sessionID] = s
	return s, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	delete(m.sess, sessionID)
	return nil
}

func (m *Memory) ListSessionsByAgent(_ context.Context, agentID string, limit int) ([]domain.WorkflowSession, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	var out []domain.WorkflowSession
	for _, s := range m.sess {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveWorkflowDefinition(_ context.Context, def domain.WorkflowDefinition) error {
	m.defMu.Lock()
	defer m.defMu.Unlock()
	m.defs[def.ID] = def
	return nil
}

func (m *Memory) ReadWorkflowDefinition(_ context.Context, id string) (domain.WorkflowDefinition, error) {
	m.defMu.RLock()
	defer m.defMu.RUnlock()
	d, ok := m.defs[id]
	if !ok {
		return domain.WorkflowDefinition{}, opserr.New(opserr.KindWorkflowDefinitionNotFound, "workflow definition %s not found", id)
	}
	return d, nil
}

func (m *Memory) ListWorkflowDefinitions(_ context.Context) ([]domain.WorkflowDefinition, error) {
	m.defMu.RLock()
	defer m.defMu.RUnlock()
	out := make([]domain.WorkflowDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClearAll(_ context.Context) error {
	m.regMu.Lock()
	m.regs = make(map[string]domain.AgentRegistration)
	m.regMu.Unlock()

	m.stateMu.Lock()
	m.latest = make(map[string]domain.AgentStateRecord)
	m.history = make(map[string][]domain.AgentStateRecord)
	m.stateMu.Unlock()

	m.sessMu.Lock()
	m.sess = make(map[string]domain.WorkflowSession)
	m.sessMu.Unlock()

	m.defMu.Lock()
	m.defs = make(map[string]domain.WorkflowDefinition)
	m.defMu.Unlock()
	return nil
}

// applySessionPatch merges patch into s in place, matching spec §4.2's
// updateSession semantics: unset fields are left untouched, lastUpdatedTime
// always advances, and endTime is stamped on a transition into a terminal
// status.
func applySessionPatch(s *domain.WorkflowSession, patch domain.SessionPatch, now time.Time) {
	if patch.Status != nil {
		s.Status = *patch.Status
		if isTerminal(*patch.Status) && s.EndTime == nil {
			endTime := now
			s.EndTime = &endTime
		}
	}
	if patch.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			s.Metadata[k] = v
		}
	}
	s.LastUpdatedTime = now
}

func isTerminal(status domain.SessionStatus) bool {
	return status == domain.SessionCompleted || status == domain.SessionFailed
}
