// Package domain holds the typed records Ops-Core persists and exchanges over
// HTTP: agent registrations, agent states, workflow definitions, sessions, and
// the transient tasks the dispatch loop moves through the queue.
package domain

import "time"

// AgentState names the lifecycle states a registered agent can report.
type AgentState string

const (
	StateUnknown      AgentState = "UNKNOWN"
	StateInitializing AgentState = "initializing"
	StateIdle         AgentState = "idle"
	StateActive       AgentState = "active"
	StateFinished     AgentState = "finished"
	StateError        AgentState = "error"
)

// ValidStates is the allowed state set enforced by setState (spec §4.2).
var ValidStates = map[AgentState]bool{
	StateUnknown:      true,
	StateInitializing: true,
	StateIdle:         true,
	StateActive:       true,
	StateFinished:     true,
	StateError:        true,
}

// SessionStatus names the lifecycle of a WorkflowSession.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// AgentRegistration is created once by the registration webhook and never
// mutated; re-registering the same AgentID fails with AgentAlreadyExists.
type AgentRegistration struct {
	AgentID          string         `json:"agentId" doc:"Opaque agent identifier, unique across the fleet"`
	AgentName        string         `json:"agentName"`
	Version          string         `json:"version"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	ContactEndpoint  string         `json:"contactEndpoint,omitempty" doc:"URL the routing service uses to reach the agent"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RegistrationTime time.Time      `json:"registrationTime"`
}

// AgentStateRecord is one entry in an agent's state history; the "latest"
// pointer in the store references the record with the greatest Timestamp.
type AgentStateRecord struct {
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	State     AgentState     `json:"state"`
	Details   map[string]any `json:"details,omitempty"`
}

// TaskDescriptor is one entry of a WorkflowDefinition's declared task list.
// Parameter schema is intentionally open per spec §9 ("Workflow task schema").
type TaskDescriptor struct {
	TaskName   string         `json:"taskName" yaml:"taskName"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	MaxRetries int            `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// WorkflowDefinition is immutable once saved under its ID (spec §3).
type WorkflowDefinition struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Version string           `json:"version"`
	Tasks   []TaskDescriptor `json:"tasks"`
}

// WorkflowSession is a single runtime instance of a WorkflowDefinition
// dispatched against one agent.
type WorkflowSession struct {
	SessionID       string         `json:"sessionId"`
	AgentID         string         `json:"agentId"`
	WorkflowID      string         `json:"workflowId"`
	Status          SessionStatus  `json:"status"`
	StartTime       time.Time      `json:"startTime"`
	LastUpdatedTime time.Time      `json:"lastUpdatedTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SessionPatch carries the fields updateSession may change; nil fields are
// left untouched (spec §4.2: "merges patch into existing record").
type SessionPatch struct {
	Status   *SessionStatus
	Metadata map[string]any
}

// Task is the transient unit of work the workflow engine moves through the
// queue. It is never persisted after a successful dispatch (spec §3).
type Task struct {
	TaskID     string         `json:"taskId"`
	SessionID  string         `json:"sessionId"`
	AgentID    string         `json:"agentId"`
	WorkflowID string         `json:"workflowId"`
	TaskName   string         `json:"taskName"`
	Payload    map[string]any `json:"payload,omitempty"`
	RetryCount int            `json:"retryCount"`
	MaxRetries int            `json:"maxRetries"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	NotBefore  time.Time      `json:"notBefore,omitempty" doc:"earliest-dispatch timestamp for scheduleTask; zero means immediate"`
}

// Ready reports whether the task's scheduled dispatch time has arrived.
func (t Task) Ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}
