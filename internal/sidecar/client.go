package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Mode selects one of the sidecar's interaction modes.
type Mode string

const (
	ModeChat         Mode = "chat"
	ModeAnchoredEdit Mode = "anchored_edit"
	ModeCodebaseEdit Mode = "codebase_edit"
	ModePlan         Mode = "plan"
)

// Anchor pins an interaction to a document location.
type Anchor struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// InteractionRequest is the payload for one interaction call.
type InteractionRequest struct {
	SessionID  string  `json:"sessionId"`
	ExchangeID string  `json:"exchangeId"`
	Prompt     string  `json:"prompt"`
	Anchor     *Anchor `json:"anchor,omitempty"`
	// CallbackURL advertises the bridge's inbound control server so the
	// sidecar can push edit and exchange requests back into the editor.
	CallbackURL string `json:"callbackUrl"`
}

// Client talks to the sidecar over HTTP.
type Client struct {
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	timeout     time.Duration
}

// NewClient creates a sidecar client. timeout bounds non-streaming calls
// (cancel); streaming calls are bounded by the caller's context only.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Streaming requests must not carry a client-level timeout; it
		// would sever long-lived event streams mid-interaction.
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// SetCallbackURL records the advertised control-server URL included in
// every interaction request. Set once the listener port is known.
func (c *Client) SetCallbackURL(url string) {
	c.callbackURL = url
}

// Stream opens one interaction with the sidecar and returns its event
// stream. The returned channel closes when the stream ends or ctx is
// cancelled.
func (c *Client) Stream(ctx context.Context, mode Mode, req InteractionRequest, credential string) (<-chan Event, error) {
	req.CallbackURL = c.callbackURL

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal interaction request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/interactions/%s", c.baseURL, mode)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create interaction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open interaction stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("interaction stream rejected: status %d", resp.StatusCode)
	}

	events := make(chan Event, 16)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream decodes NDJSON lines from the response body into events.
// Undecodable lines are logged and skipped rather than killing the stream.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("sidecar: skipping undecodable event line", "error", err)
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("sidecar: event stream read ended", "error", err)
	}
}

// Cancel synchronously asks the sidecar to cancel the running operation for
// one exchange. The sidecar responds with the follow-up events produced by
// the cancellation, which the caller forwards through the normal dispatch
// path.
func (c *Client) Cancel(ctx context.Context, sessionID, exchangeID string) ([]Event, error) {
	payload := map[string]string{
		"sessionId":  sessionID,
		"exchangeId": exchangeID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/v1/interactions/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cancel interaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cancel rejected: status %d", resp.StatusCode)
	}

	var result struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode cancel response: %w", err)
	}
	return result.Events, nil
}
