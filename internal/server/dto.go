package server

import (
	"time"

	"opscore/internal/domain"
)

// detailBody is the user-visible failure envelope spec §7 fixes exactly:
// {"detail": "<reason>"}.
type detailBody struct {
	Detail string `json:"detail"`
}

type agentPath struct {
	AgentID string `path:"agentId"`
}

type stateCallbackRequest struct {
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	State     string         `json:"state"`
	Details   map[string]any `json:"details,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type stateResponse struct {
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	State     string         `json:"state"`
	Details   map[string]any `json:"details,omitempty"`
}

func toStateResponse(rec domain.AgentStateRecord) stateResponse {
	return stateResponse{AgentID: rec.AgentID, Timestamp: rec.Timestamp, State: string(rec.State), Details: rec.Details}
}

type triggerWorkflowRequest struct {
	WorkflowDefinitionID string                      `json:"workflowDefinitionId,omitempty"`
	WorkflowDefinition   *domain.WorkflowDefinition  `json:"workflowDefinition,omitempty"`
	InitialPayload       map[string]any              `json:"initialPayload,omitempty"`
}

type triggerWorkflowResponse struct {
	SessionID  string `json:"sessionId"`
	WorkflowID string `json:"workflowId"`
}

type notifyRequest struct {
	EventType    string                    `json:"event_type"`
	AgentDetails domain.AgentRegistration  `json:"agent_details"`
}

type workflowSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	TaskCount int    `json:"taskCount"`
}

func toWorkflowSummary(def domain.WorkflowDefinition) workflowSummary {
	return workflowSummary{ID: def.ID, Name: def.Name, Version: def.Version, TaskCount: len(def.Tasks)}
}

type sessionResponse struct {
	SessionID       string         `json:"sessionId"`
	AgentID         string         `json:"agentId"`
	WorkflowID      string         `json:"workflowId"`
	Status          string         `json:"status"`
	StartTime       time.Time      `json:"startTime"`
	LastUpdatedTime time.Time      `json:"lastUpdatedTime"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func toSessionResponse(s domain.WorkflowSession) sessionResponse {
	return sessionResponse{
		SessionID: s.SessionID, AgentID: s.AgentID, WorkflowID: s.WorkflowID,
		Status: string(s.Status), StartTime: s.StartTime, LastUpdatedTime: s.LastUpdatedTime,
		Metadata: s.Metadata,
	}
}
