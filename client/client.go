package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the DIG server (e.g. "http://localhost:8080").
	BaseURL string

	// Name and APIKey are exchanged for a token at /auth/token. Leave both
	// empty for a server running without authentication.
	Name   string
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the DIG API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	creds   *credentials // nil when no credentials are configured
}

// New creates a Client. Name and APIKey must be set together.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dig: BaseURL is required")
	}
	if (cfg.Name == "") != (cfg.APIKey == "") {
		return nil, fmt.Errorf("dig: Name and APIKey must be set together")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, client: httpClient}
	if cfg.Name != "" {
		c.creds = newCredentials(baseURL, cfg.Name, cfg.APIKey, httpClient)
	}
	return c, nil
}

// Append stores one event record. With idempotent set, an identical retry of
// a stored record returns the stored event instead of a conflict.
func (c *Client) Append(ctx context.Context, record json.RawMessage, idempotent bool) (*StoredEvent, error) {
	path := "/v1/events"
	if idempotent {
		path += "?idempotent=true"
	}
	var se StoredEvent
	if err := c.post(ctx, path, record, &se); err != nil {
		return nil, err
	}
	return &se, nil
}

// AppendBatch stores records independently and reports each one.
func (c *Client) AppendBatch(ctx context.Context, records []json.RawMessage, idempotent bool) (*BatchResult, error) {
	body := map[string]any{"events": records, "idempotent": idempotent}
	var res BatchResult
	if err := c.post(ctx, "/v1/events/batch", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Get returns the event with id.
func (c *Client) Get(ctx context.Context, id string) (*StoredEvent, error) {
	var se StoredEvent
	if err := c.get(ctx, "/v1/events/"+url.PathEscape(id), &se); err != nil {
		return nil, err
	}
	return &se, nil
}

// List returns one page of events in ingestion order.
func (c *Client) List(ctx context.Context, opts ListOptions) (*EventPage, error) {
	params := url.Values{}
	if opts.Type != "" {
		params.Set("type", opts.Type)
	}
	for k, v := range opts.Tags {
		params.Set("tag."+k, v)
	}
	for k, v := range opts.Fields {
		params.Set("field."+k, v)
	}
	if opts.Since != nil {
		params.Set("since", opts.Since.Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		params.Set("until", opts.Until.Format(time.RFC3339Nano))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.AfterSequence > 0 {
		params.Set("after_sequence", strconv.FormatInt(opts.AfterSequence, 10))
	}
	path := "/v1/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := c.send(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var page EventPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("dig: decode event page: %w", err)
	}
	return &page, nil
}

// ChangeEvents returns the change and every rollout, outcome and custom
// event that references it.
func (c *Client) ChangeEvents(ctx context.Context, changeID string) ([]StoredEvent, error) {
	var events []StoredEvent
	if err := c.get(ctx, "/v1/changes/"+url.PathEscape(changeID)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Trace returns the assembled decision trace of a change as the server
// rendered it.
func (c *Client) Trace(ctx context.Context, changeID string) (json.RawMessage, error) {
	var tr json.RawMessage
	if err := c.get(ctx, "/v1/changes/"+url.PathEscape(changeID)+"/trace", &tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// PSR computes production survival rates.
func (c *Client) PSR(ctx context.Context, req PSRRequest) (*PSRReport, error) {
	if req.GroupBy == nil {
		req.GroupBy = []string{}
	}
	var report PSRReport
	if err := c.post(ctx, "/v1/psr", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Match returns the learnings that apply to a change.
func (c *Client) Match(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	var res MatchResult
	if err := c.post(ctx, "/v1/learnings/match", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Learnings returns every learning not superseded by a newer one.
func (c *Client) Learnings(ctx context.Context) ([]StoredEvent, error) {
	var events []StoredEvent
	if err := c.get(ctx, "/v1/learnings", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DataHealth returns the data health report as the server rendered it.
func (c *Client) DataHealth(ctx context.Context) (json.RawMessage, error) {
	var report json.RawMessage
	if err := c.get(ctx, "/v1/health/data", &report); err != nil {
		return nil, err
	}
	return report, nil
}

// Health checks server liveness. It never authenticates.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	body, err := c.send(ctx, http.MethodGet, "/health", nil, false)
	if err != nil {
		return nil, err
	}
	var h Health
	if err := decodeData(body, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, ok := body.(json.RawMessage)
	if !ok {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("dig: marshal request body: %w", err)
		}
	}
	data, err := c.send(ctx, http.MethodPost, path, encoded, true)
	if err != nil {
		return err
	}
	return decodeData(data, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	data, err := c.send(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	return decodeData(data, dest)
}

// send performs one request and returns the body of a successful response.
// A 401 on an authenticated request refreshes the token and retries once.
func (c *Client) send(ctx context.Context, method, path string, body []byte, authed bool) ([]byte, error) {
	useAuth := authed && c.creds != nil
	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, fmt.Errorf("dig: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if useAuth {
			token, err := c.creds.token(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("dig: %s %s: %w", method, req.URL.Path, err)
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("dig: read response body: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && useAuth && attempt == 0 {
			c.creds.reset()
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, data)
		}
		return data, nil
	}
}

// decodeData unwraps the server's {"data": ...} envelope into dest.
func decodeData(body []byte, dest any) error {
	if dest == nil {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("dig: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("dig: response has no data")
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("dig: decode response data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
