// Package server implements the HTTP Surface of spec §4.5: the fixed set of
// versioned paths binding the lifecycle manager and workflow engine to the
// outside world, plus the two supplemented read-only endpoints of
// SPEC_FULL.md §11. Scaffolding (huma/chi wiring, the error-envelope
// override) is carried over from the teacher's internal/server/server.go,
// narrowed to the flat {"detail": ...} envelope spec §7 fixes. Request
// bodies are not buffered; each handler reads its body once through huma.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opscore/internal/domain"
	"opscore/internal/lifecycle"
	"opscore/internal/opserr"
	"opscore/internal/workflow"
)

// Config wires the HTTP surface to its dependencies.
type Config struct {
	Lifecycle *lifecycle.Manager
	Workflow  *workflow.Engine
	Auth      AuthConfig
	Log       *slog.Logger
}

// detailError is the flat {"detail": "..."} envelope spec §7 requires,
// replacing the teacher's richer {"error": {code, message, details}} body.
type detailError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *detailError) GetStatus() int { return e.Status }
func (e *detailError) Error() string  { return e.Detail }

func newDetailError(status int, detail string) huma.StatusError {
	return &detailError{Status: status, Detail: detail}
}

// New returns the Ops-Core HTTP handler.
func New(cfg Config) (http.Handler, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newDetailError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newDetailError(status, msg)
	}

	unauthenticated := map[string]bool{"/health": true}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(newBearerMiddleware(cfg.Auth, unauthenticated))

	hcfg := huma.DefaultConfig("Ops-Core API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, "/v1")

	registerHealth(api)
	registerAgentState(group, cfg)
	registerWorkflowTrigger(group, cfg)
	registerNotify(group, cfg)
	registerWorkflowList(group, cfg)
	registerAgentSessions(group, cfg)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var oe *opserr.Error
	if errors.As(err, &oe) {
		return newDetailError(oe.HTTPStatus(), safeDetail(oe))
	}
	return newDetailError(http.StatusInternalServerError, "Internal Server Error")
}

// safeDetail returns the kind as the detail string for client-facing error
// kinds (spec §8 scenario 6 expects `{"detail":"AgentNotFound"}`) and the
// generic "Internal Server Error" for every other kind. The error's message
// is never used, so no request input or backend detail reaches the client.
func safeDetail(e *opserr.Error) string {
	switch e.Kind {
	case opserr.KindAgentNotFound, opserr.KindAgentAlreadyExists, opserr.KindSessionNotFound,
		opserr.KindWorkflowDefinitionNotFound, opserr.KindWorkflowDefinitionConflict,
		opserr.KindInvalidState, opserr.KindInvalidRequest, opserr.KindUnauthorized:
		return string(e.Kind)
	default:
		return "Internal Server Error"
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusResponse `json:"body"`
	}, error) {
		return &struct {
			Body statusResponse `json:"body"`
		}{Body: statusResponse{Status: "ok"}}, nil
	})
}

func registerAgentState(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "set-agent-state",
		Method:      http.MethodPost,
		Path:        "/opscore/agent/{agentId}/state",
		Summary:     "Agent state callback",
		DefaultStatus: http.StatusOK,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		agentPath
		Body stateCallbackRequest `json:"body"`
	}) (*struct {
		Body statusResponse `json:"body"`
	}, error) {
		if input.Body.AgentID != "" && input.Body.AgentID != input.AgentID {
			return nil, handleError(opserr.New(opserr.KindInvalidRequest, "InvalidRequest"))
		}
		if err := cfg.Lifecycle.SetState(ctx, input.AgentID, domain.AgentState(input.Body.State), input.Body.Timestamp, input.Body.Details); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statusResponse `json:"body"`
		}{Body: statusResponse{Status: "success"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-state",
		Method:      http.MethodGet,
		Path:        "/opscore/agent/{agentId}/state",
		Summary:     "Read latest agent state",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body stateResponse `json:"body"`
	}, error) {
		rec, err := cfg.Lifecycle.GetState(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stateResponse `json:"body"`
		}{Body: toStateResponse(rec)}, nil
	})
}

func registerWorkflowTrigger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-workflow",
		Method:      http.MethodPost,
		Path:        "/opscore/agent/{agentId}/workflow",
		Summary:     "Trigger a workflow for an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		agentPath
		Body triggerWorkflowRequest `json:"body"`
	}) (*struct {
		Body triggerWorkflowResponse `json:"body"`
	}, error) {
		hasID := input.Body.WorkflowDefinitionID != ""
		hasInline := input.Body.WorkflowDefinition != nil
		if hasID == hasInline {
			return nil, handleError(opserr.New(opserr.KindInvalidRequest, "InvalidRequest"))
		}
		result, err := cfg.Workflow.Trigger(ctx, input.AgentID, input.Body.WorkflowDefinitionID, input.Body.WorkflowDefinition, input.Body.InitialPayload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body triggerWorkflowResponse `json:"body"`
		}{Body: triggerWorkflowResponse{SessionID: result.SessionID, WorkflowID: result.WorkflowID}}, nil
	})
}

func registerNotify(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-notify",
		Method:      http.MethodPost,
		Path:        "/opscore/internal/agent/notify",
		Summary:     "Agent registration/deregistration webhook",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body notifyRequest `json:"body"`
	}) (*struct {
		Body statusResponse `json:"body"`
	}, error) {
		switch strings.ToUpper(input.Body.EventType) {
		case "REGISTER":
			if _, err := cfg.Lifecycle.RegisterAgent(ctx, input.Body.AgentDetails); err != nil {
				return nil, handleError(err)
			}
		case "DEREGISTER":
			if err := cfg.Lifecycle.DeregisterAgent(ctx, input.Body.AgentDetails.AgentID); err != nil {
				return nil, handleError(err)
			}
		default:
			return nil, handleError(opserr.New(opserr.KindInvalidRequest, "InvalidRequest"))
		}
		return &struct {
			Body statusResponse `json:"body"`
		}{Body: statusResponse{Status: "ok"}}, nil
	})
}

// registerWorkflowList is the additive endpoint of SPEC_FULL.md §11
// ("Workflow definition listing") - not one of spec §4.5's fixed paths.
func registerWorkflowList(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/opscore/workflows",
		Summary:     "List saved workflow definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []workflowSummary `json:"body"`
	}, error) {
		defs, err := cfg.Workflow.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]workflowSummary, len(defs))
		for i, d := range defs {
			out[i] = toWorkflowSummary(d)
		}
		return &struct {
			Body []workflowSummary `json:"body"`
		}{Body: out}, nil
	})
}

// registerAgentSessions is the additive endpoint of SPEC_FULL.md §11
// ("Session listing per agent").
func registerAgentSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agent-sessions",
		Method:      http.MethodGet,
		Path:        "/opscore/agent/{agentId}/sessions",
		Summary:     "List recent sessions for an agent",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body []sessionResponse `json:"body"`
	}, error) {
		sessions, err := cfg.Lifecycle.ListSessions(ctx, input.AgentID, 50)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]sessionResponse, len(sessions))
		for i, s := range sessions {
			out[i] = toSessionResponse(s)
		}
		return &struct {
			Body []sessionResponse `json:"body"`
		}{Body: out}, nil
	})
}
