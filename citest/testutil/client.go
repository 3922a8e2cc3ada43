package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opencode-ai/sessionstream/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Put performs HTTP PUT request with JSON body
func (c *TestClient) Put(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// decode unmarshals a 2xx reply into v, or returns an *APIError.
func decode(resp *Response, v interface{}) error {
	if !resp.IsSuccess() {
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = resp.JSON(&body)
		return &APIError{StatusCode: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
	}
	if v == nil {
		return nil
	}
	return resp.JSON(v)
}

func sessionPath(sessionID string, rest ...string) string {
	p := "/session/" + url.PathEscape(sessionID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// Session-specific helpers

// ListSessions returns every tracked session.
func (c *TestClient) ListSessions(ctx context.Context) ([]types.SessionState, error) {
	resp, err := c.Get(ctx, "/session")
	if err != nil {
		return nil, err
	}
	var states []types.SessionState
	return states, decode(resp, &states)
}

// GetSession returns one session's mirrored state.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*types.SessionState, error) {
	return c.sessionCall(ctx, http.MethodGet, sessionPath(sessionID), nil)
}

// InitSession starts tracking a session.
func (c *TestClient) InitSession(ctx context.Context, sessionID string) (*types.SessionState, error) {
	return c.sessionCall(ctx, http.MethodPost, sessionPath(sessionID, "init"), nil)
}

// LoadSession fetches the session's snapshot from the agent.
func (c *TestClient) LoadSession(ctx context.Context, sessionID string) (*types.SessionState, error) {
	return c.sessionCall(ctx, http.MethodPost, sessionPath(sessionID, "load"), nil)
}

// UpdateSession replaces the session's content with snap.
func (c *TestClient) UpdateSession(ctx context.Context, sessionID string, snap types.SessionSnapshot) (*types.SessionState, error) {
	return c.sessionCall(ctx, http.MethodPut, sessionPath(sessionID), snap)
}

func (c *TestClient) sessionCall(ctx context.Context, method, path string, body interface{}) (*types.SessionState, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var state types.SessionState
	if err := decode(resp, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SendMessage starts a reply stream for text. The reply arrives over /event.
func (c *TestClient) SendMessage(ctx context.Context, sessionID, text string) error {
	resp, err := c.Post(ctx, sessionPath(sessionID, "message"), map[string]interface{}{"text": text})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// AbortSession stops the session's reply stream.
func (c *TestClient) AbortSession(ctx context.Context, sessionID string) error {
	resp, err := c.Post(ctx, sessionPath(sessionID, "abort"), nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// DeleteSession stops tracking a session.
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.Delete(ctx, sessionPath(sessionID))
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// EvictSessions evicts idle sessions until at most max remain.
func (c *TestClient) EvictSessions(ctx context.Context, max int) ([]string, error) {
	resp, err := c.Post(ctx, "/session/evict", nil, WithQuery(map[string]string{"max": strconv.Itoa(max)}))
	if err != nil {
		return nil, err
	}
	var out struct {
		Evicted []string `json:"evicted"`
	}
	return out.Evicted, decode(resp, &out)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
