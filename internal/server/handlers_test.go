package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionstream/internal/app"
	"github.com/opencode-ai/sessionstream/internal/transport/transporttest"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

type testEnv struct {
	app  *app.App
	fake *transporttest.Transport
	srv  *Server
	http *httptest.Server
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	fake := transporttest.New()
	a, err := app.New(app.Options{Transport: fake})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	srv := New(DefaultConfig(), a.Facade, a.Metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{app: a, fake: fake, srv: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) state(t *testing.T, id string) (types.SessionState, bool) {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/session/"+id, "")
	if resp.StatusCode == http.StatusNotFound {
		return types.SessionState{}, false
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[types.SessionState](t, resp), true
}

func TestListSessions_Empty(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodGet, "/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestInitAndGetSession(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/session/s1/init", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[types.SessionState](t, resp)
	assert.Equal(t, "s1", state.SessionID)
	assert.Equal(t, types.StreamIdle, state.StreamState)

	got, ok := env.state(t, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)

	list := decode[[]types.SessionState](t, env.do(t, http.MethodGet, "/session", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].SessionID)
}

func TestGetSession_NotFound(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodGet, "/session/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, resp).Error.Code)
}

func TestLoadSession(t *testing.T) {
	env := setupTestServer(t)
	env.fake.AddSession("s1", "hello")

	resp := env.do(t, http.MethodPost, "/session/s1/load", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[types.SessionState](t, resp)
	require.NotNil(t, state.Session)
	assert.Equal(t, "hello", state.Session.Title)
}

func TestLoadSession_NotFound(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/session/ghost/load", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	assert.Equal(t, ErrCodeNotFound, errResp.Error.Code)
	assert.Equal(t, "ghost", errResp.Error.SessionID)
}

func TestSendMessage_StreamsInBackground(t *testing.T) {
	env := setupTestServer(t)
	env.fake.AddSession("s1", "hello")
	env.fake.Reply("s1", nil, types.MessageEvent{Message: types.NewTextMessage("a1", types.RoleAssistant, "hi!")})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/load", "").StatusCode)

	resp := env.do(t, http.MethodPost, "/session/s1/message", `{"text":"hey"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		state, ok := env.app.Facade.GetSessionState("s1")
		return ok && state.StreamState == types.StreamIdle && len(state.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	state, _ := env.state(t, "s1")
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hey", state.Messages[0].Text())
	assert.Equal(t, "hi!", state.Messages[1].Text())
}

func TestSendMessage_Validation(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/session/s1/message", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/session/s1/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/session/s1/message", `{"text":"hey"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/init", "").StatusCode)
	resp = env.do(t, http.MethodPost, "/session/s1/message", `{"text":"hey"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, decode[ErrorResponse](t, resp).Error.Code)
}

func TestAbortSession(t *testing.T) {
	env := setupTestServer(t)
	env.fake.AddSession("s1", "hello")
	script := env.fake.Script("s1")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/load", "").StatusCode)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/session/s1/message", `{"text":"hey"}`).StatusCode)
	<-script.Opened()
	assert.Eventually(t, func() bool {
		state, _ := env.app.Facade.GetSessionState("s1")
		return state.StreamState == types.StreamStreaming
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/session/s1/abort", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		state, _ := env.app.Facade.GetSessionState("s1")
		return state.StreamState == types.StreamIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateSession(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/init", "").StatusCode)

	body := `{"session":{"id":"s1","title":"renamed"},"messages":[{"id":"m1","role":"user","content":[{"type":"text","text":"hello"}]}]}`
	resp := env.do(t, http.MethodPut, "/session/s1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state := decode[types.SessionState](t, resp)
	require.NotNil(t, state.Session)
	assert.Equal(t, "renamed", state.Session.Title)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "hello", state.Messages[0].Text())

	resp = env.do(t, http.MethodPut, "/session/s1", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/init", "").StatusCode)

	resp := env.do(t, http.MethodDelete, "/session/s1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := env.state(t, "s1")
	assert.False(t, ok)
}

func TestEvictSessions(t *testing.T) {
	env := setupTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/"+id+"/init", "").StatusCode)
	}

	resp := env.do(t, http.MethodPost, "/session/evict?max=lots", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/session/evict?max=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, decode[EvictResponse](t, resp).Evicted)

	list := decode[[]types.SessionState](t, env.do(t, http.MethodGet, "/session", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].SessionID)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/init", "").StatusCode)

	resp := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sessionstream_sessions 1")
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// readEvents parses SSE data lines into events until the body ends.
func readEvents(body io.Reader) <-chan SSEvent {
	out := make(chan SSEvent, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev SSEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				out <- ev
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan SSEvent) SSEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return SSEvent{}
	}
}

func TestEvents_StreamsDeltas(t *testing.T) {
	env := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/event", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	events := readEvents(resp.Body)
	assert.Equal(t, EventServerConnected, nextEvent(t, events).Type)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/s1/init", "").StatusCode)
	ev := nextEvent(t, events)
	assert.Equal(t, EventSessionDelta, ev.Type)
	props, ok := ev.Properties.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s1", props["sessionID"])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/session/s1", "").StatusCode)
	assert.Equal(t, EventSessionRemoved, nextEvent(t, events).Type)
}

func TestEvents_FilterBySession(t *testing.T) {
	env := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/event?sessionID=b", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(resp.Body)
	assert.Equal(t, EventServerConnected, nextEvent(t, events).Type)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/a/init", "").StatusCode)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/session/b/init", "").StatusCode)

	props, ok := nextEvent(t, events).Properties.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b", props["sessionID"])
}
