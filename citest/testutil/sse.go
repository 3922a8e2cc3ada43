package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/sessionstream/internal/server"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// SSEEvent is one frame received from /event.
type SSEEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Delta decodes the properties of a session.delta or session.removed frame.
func (evt *SSEEvent) Delta() (*server.DeltaProperties, error) {
	if evt.Type != server.EventSessionDelta && evt.Type != server.EventSessionRemoved {
		return nil, fmt.Errorf("not a delta event: %s", evt.Type)
	}
	var props server.DeltaProperties
	if err := json.Unmarshal(evt.Properties, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SSEClient records the frames of one /event connection. Wait methods
// consume frames in arrival order; GetAllEvents sees every frame.
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu     sync.Mutex
	events []SSEEvent
	next   int
	notify chan struct{}
	err    error
	cancel context.CancelFunc
}

// NewSSEClient creates an SSE client for baseURL.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		notify:     make(chan struct{}),
	}
}

// Connect opens path and reads frames in the background until Close.
func (c *SSEClient) Connect(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); resp.StatusCode != http.StatusOK || !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected response: %d %s", resp.StatusCode, ct)
	}

	c.cancel = cancel
	go func() {
		defer resp.Body.Close()
		c.read(bufio.NewScanner(resp.Body))
	}()
	return nil
}

// read collects data lines into frames. Heartbeat comments and the event
// name are ignored; the frame's type lives in its payload.
func (c *SSEClient) read(sc *bufio.Scanner) {
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var evt SSEEvent
				if err := json.Unmarshal([]byte(data.String()), &evt); err == nil {
					c.add(evt)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	err := sc.Err()
	if err == nil {
		err = errors.New("connection closed")
	}
	c.finish(err)
}

func (c *SSEClient) add(evt SSEEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *SSEClient) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	close(c.notify)
	c.notify = make(chan struct{})
}

// waitFor consumes frames until one satisfies match.
func (c *SSEClient) waitFor(match func(SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		for c.next < len(c.events) {
			evt := c.events[c.next]
			c.next++
			if match(evt) {
				c.mu.Unlock()
				return &evt, nil
			}
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, errors.New("timeout waiting for event")
		}
	}
}

// WaitForEvent waits for a frame of eventType.
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	evt, err := c.waitFor(func(e SSEEvent) bool { return e.Type == eventType }, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", eventType, err)
	}
	return evt, nil
}

// WaitForDelta waits for a delta on sessionID that satisfies match.
func (c *SSEClient) WaitForDelta(sessionID string, match func(*server.DeltaProperties) bool, timeout time.Duration) (*server.DeltaProperties, error) {
	var found *server.DeltaProperties
	_, err := c.waitFor(func(e SSEEvent) bool {
		props, err := e.Delta()
		if err != nil || props.SessionID != sessionID || !match(props) {
			return false
		}
		found = props
		return true
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("delta on %s: %w", sessionID, err)
	}
	return found, nil
}

// WaitForState waits until a delta leaves sessionID in state.
func (c *SSEClient) WaitForState(sessionID string, state types.StreamState, timeout time.Duration) (*server.DeltaProperties, error) {
	return c.WaitForDelta(sessionID, func(p *server.DeltaProperties) bool {
		return p.State.StreamState == state
	}, timeout)
}

// GetAllEvents returns every frame received so far.
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SSEEvent(nil), c.events...)
}

// Deltas returns every delta received so far for sessionID.
func (c *SSEClient) Deltas(sessionID string) []server.DeltaProperties {
	var out []server.DeltaProperties
	for _, evt := range c.GetAllEvents() {
		if props, err := evt.Delta(); err == nil && props.SessionID == sessionID {
			out = append(out, *props)
		}
	}
	return out
}

// Close drops the connection.
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
