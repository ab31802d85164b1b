// Package routing implements the Agent-Routing Client of spec §4.3: an
// outbound HTTP client that invokes the external routing service's dispatch
// endpoint. Grounded in the teacher's webhookDispatcher.postEvent, which is
// the one place in the corpus that builds and posts a JSON request with a
// fixed timeout and inspects the response status for success.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opscore/internal/opserr"
)

// dispatchRequest is the flat payload shape spec §4.3 and §6 fix exactly:
// {senderId, messageType, payload, opscore_session_id, opscore_task_id}.
type dispatchRequest struct {
	SenderID    string         `json:"senderId"`
	MessageType string         `json:"messageType"`
	Payload     map[string]any `json:"payload"`
	SessionID   string         `json:"opscore_session_id"`
	TaskID      string         `json:"opscore_task_id"`
}

// Client posts dispatch requests to the routing service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthHeader string // optional Authorization header value; spec §6 "none by default"
}

// New returns a Client with the given base URL and timeout. A single
// *http.Client is built once and reused, as the teacher's webhookDispatcher
// does for its outbound client.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Dispatch posts a workflow_task message for agentID and returns nil on any
// 2xx response ("accepted for dispatch", spec §4.3). Any other outcome -
// non-2xx status, connection error, or timeout - is surfaced as a
// TaskDispatchError; the caller (the workflow engine) decides whether it is
// retryable.
func (c *Client) Dispatch(ctx context.Context, agentID, sessionID, taskID string, payload map[string]any) error {
	body := dispatchRequest{
		SenderID:    "opscore",
		MessageType: "workflow_task",
		Payload:     payload,
		SessionID:   sessionID,
		TaskID:      taskID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return opserr.Wrap(opserr.KindTaskDispatchError, err, "marshal dispatch payload for agent %s", agentID)
	}
	url := fmt.Sprintf("%s/v1/agents/%s/run", c.BaseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return opserr.Wrap(opserr.KindTaskDispatchError, err, "build dispatch request for agent %s", agentID)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthHeader != "" {
		req.Header.Set("Authorization", c.AuthHeader)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		// Connection/timeout errors carry no response status (spec §4.3:
		// "Connection/timeout errors also raise TaskDispatchError"); the
		// engine treats TransportStatus 0 the same as a 5xx, i.e. retryable.
		e := opserr.NewDispatchError(0, "dispatch to agent %s failed", agentID)
		e.Cause = err
		return e
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return opserr.NewDispatchError(res.StatusCode, "routing service returned %d for agent %s: %s",
			res.StatusCode, agentID, strings.TrimSpace(string(snippet)))
	}
	return nil
}
