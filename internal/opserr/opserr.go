// Package opserr defines Ops-Core's named failure kinds and their stable
// mapping to HTTP status, replacing exception-driven control flow (spec §9,
// "Exception-driven control flow") with typed error values the server's
// error-handler middleware maps without string sniffing.
package opserr

import (
	"fmt"
	"net/http"
)

// Kind enumerates the error taxonomy of spec §7.
type Kind string

const (
	KindAgentNotFound               Kind = "AgentNotFound"
	KindAgentAlreadyExists          Kind = "AgentAlreadyExists"
	KindSessionNotFound             Kind = "SessionNotFound"
	KindWorkflowDefinitionNotFound  Kind = "WorkflowDefinitionNotFound"
	KindWorkflowDefinitionConflict  Kind = "WorkflowDefinitionConflict"
	KindInvalidState                Kind = "InvalidState"
	KindInvalidRequest              Kind = "InvalidRequest"
	KindUnauthorized                Kind = "Unauthorized"
	KindStorageError                Kind = "StorageError"
	KindTaskDispatchError           Kind = "TaskDispatchError"
	KindConfigurationError          Kind = "ConfigurationError"
)

// statusByKind is the fixed table from spec §7. TaskDispatchError and
// ConfigurationError are never surfaced to an HTTP client; they are listed
// here only so HTTPStatus has a total mapping to fall back on if a caller
// ever mishandles one.
var statusByKind = map[Kind]int{
	KindAgentNotFound:              http.StatusNotFound,
	KindAgentAlreadyExists:         http.StatusConflict,
	KindSessionNotFound:            http.StatusNotFound,
	KindWorkflowDefinitionNotFound: http.StatusNotFound,
	KindWorkflowDefinitionConflict: http.StatusConflict,
	KindInvalidState:               http.StatusBadRequest,
	KindInvalidRequest:             http.StatusBadRequest,
	KindUnauthorized:               http.StatusUnauthorized,
	KindStorageError:               http.StatusServiceUnavailable,
	KindTaskDispatchError:          http.StatusInternalServerError,
	KindConfigurationError:         http.StatusInternalServerError,
}

// Error is the typed failure value every core component raises in place of
// ad-hoc errors.New calls, so the HTTP layer never has to pattern-match
// messages to decide a status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// TransportStatus carries the upstream HTTP status code for a
	// TaskDispatchError raised by the routing client (0 for connection/
	// timeout errors with no response). It has nothing to do with
	// HTTPStatus, which is the status Ops-Core itself returns to its own
	// callers; TaskDispatchError is never surfaced to HTTP (spec §7).
	TransportStatus int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status spec §7 assigns to e's kind.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewDispatchError builds a TaskDispatchError carrying the upstream
// transport status code (0 if the request never got a response).
func NewDispatchError(status int, format string, args ...any) *Error {
	return &Error{Kind: KindTaskDispatchError, Message: fmt.Sprintf(format, args...), TransportStatus: status}
}

// Wrap builds an Error of the given kind around a lower-level cause, keeping
// the cause available to logs via errors.Unwrap while never exposing it in
// the message returned to HTTP clients.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
