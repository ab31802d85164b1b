package routing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"opscore/internal/opserr"
	"opscore/internal/routing"
)

func TestDispatchSendsFlatPayloadAndSucceedsOn2xx(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents/a1/run" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := routing.New(srv.URL, 0)
	err := c.Dispatch(context.Background(), "a1", "s1", "t1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if received["senderId"] != "opscore" || received["messageType"] != "workflow_task" {
		t.Fatalf("unexpected request body: %v", received)
	}
	if received["opscore_session_id"] != "s1" || received["opscore_task_id"] != "t1" {
		t.Fatalf("expected session/task ids in body, got %v", received)
	}
}

func TestDispatch4xxIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := routing.New(srv.URL, 0)
	err := c.Dispatch(context.Background(), "a1", "s1", "t1", nil)
	if !opserr.Is(err, opserr.KindTaskDispatchError) {
		t.Fatalf("expected TaskDispatchError, got %v", err)
	}
	var de *opserr.Error
	if ok := asDispatchError(err, &de); !ok {
		t.Fatalf("expected *opserr.Error")
	}
	if de.TransportStatus != http.StatusBadRequest {
		t.Fatalf("expected transport status 400, got %d", de.TransportStatus)
	}
}

func TestDispatch5xxIsRetryableTransportStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := routing.New(srv.URL, 0)
	err := c.Dispatch(context.Background(), "a1", "s1", "t1", nil)
	var de *opserr.Error
	if ok := asDispatchError(err, &de); !ok {
		t.Fatalf("expected *opserr.Error")
	}
	if de.TransportStatus != http.StatusInternalServerError {
		t.Fatalf("expected transport status 500, got %d", de.TransportStatus)
	}
}

func TestDispatchConnectionErrorHasZeroTransportStatus(t *testing.T) {
	c := routing.New("http://127.0.0.1:1", 0)
	err := c.Dispatch(context.Background(), "a1", "s1", "t1", nil)
	var de *opserr.Error
	if ok := asDispatchError(err, &de); !ok {
		t.Fatalf("expected *opserr.Error")
	}
	if de.TransportStatus != 0 {
		t.Fatalf("expected transport status 0 for connection error, got %d", de.TransportStatus)
	}
}

func asDispatchError(err error, target **opserr.Error) bool {
	de, ok := err.(*opserr.Error)
	if !ok {
		return false
	}
	*target = de
	return true
}
