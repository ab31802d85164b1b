// Package store implements the State Store of spec §4.1: a polymorphic
// persistence abstraction over agent registrations, agent state (latest +
// history), workflow sessions, and workflow definitions, with two
// interchangeable backends (in-memory, Redis) sharing identical semantics.
package store

import (
	"context"
	"time"

	"opscore/internal/domain"
)

// Store is the fixed operation set spec §4.1 enumerates. Every operation is
// asynchronous-capable: implementations that perform network I/O (Redis) are
// expected to respect ctx cancellation, and callers always await the result.
type Store interface {
	SaveAgentRegistration(ctx context.Context, reg domain.AgentRegistration) error
	ReadAgentRegistration(ctx context.Context, agentID string) (domain.AgentRegistration, error)
	AgentExists(ctx context.Context, agentID string) (bool, error)

	SaveAgentState(ctx context.Context, state domain.AgentStateRecord) error
	ReadLatestAgentState(ctx context.Context, agentID string) (domain.AgentStateRecord, error)
	ReadAgentStateHistory(ctx context.Context, agentID string, limit int) ([]domain.AgentStateRecord, error)

	CreateSession(ctx context.Context, session domain.WorkflowSession) error
	ReadSession(ctx context.Context, sessionID string) (domain.WorkflowSession, error)
	UpdateSessionData(ctx context.Context, sessionID string, patch domain.SessionPatch, now time.Time) (domain.WorkflowSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessionsByAgent(ctx context.Context, agentID string, limit int) ([]domain.WorkflowSession, error)

	SaveWorkflowDefinition(ctx context.Context, def domain.WorkflowDefinition) error
	ReadWorkflowDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error)

	ClearAll(ctx context.Context) error
}
