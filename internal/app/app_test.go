package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionstream/internal/config"
	"github.com/opencode-ai/sessionstream/internal/transport/transporttest"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

func newTestApp(t *testing.T, cfg *types.Config) (*App, *transporttest.Transport) {
	t.Helper()
	fake := transporttest.New()
	if cfg != nil {
		config.ApplyDefaults(cfg)
	}
	a, err := New(Options{Config: cfg, Transport: fake})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a, fake
}

func TestApp_RoundTrip(t *testing.T) {
	a, fake := newTestApp(t, nil)
	fake.AddSession("s1", "hello")
	fake.Reply("s1", nil, types.MessageEvent{Message: types.NewTextMessage("a1", types.RoleAssistant, "hi!")})

	ctx := context.Background()
	_, err := a.Facade.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, a.Facade.StartStream(ctx, "s1", "hey", nil))

	state, ok := a.Facade.GetSessionState("s1")
	require.True(t, ok)
	assert.Equal(t, types.StreamIdle, state.StreamState)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hi!", state.Messages[1].Text())

	rec := httptest.NewRecorder()
	a.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "sessionstream_sessions 1")
	assert.Contains(t, rec.Body.String(), `sessionstream_stream_outcomes_total{outcome="completed"} 1`)
}

func TestApp_StartTwice(t *testing.T) {
	a, _ := newTestApp(t, nil)
	assert.Error(t, a.Start(context.Background()))
}

func TestApp_RejectsBadEvictInterval(t *testing.T) {
	_, err := New(Options{Config: &types.Config{EvictInterval: "later"}, Transport: transporttest.New()})
	assert.Error(t, err)
}

func TestApp_RequiresEndpointWithoutTransport(t *testing.T) {
	_, err := New(Options{Config: &types.Config{}})
	assert.Error(t, err)
}

func TestApp_ApplyConfigChangesEvictionTarget(t *testing.T) {
	a, _ := newTestApp(t, &types.Config{EvictInterval: "20ms", MaxConcurrentSessions: 5})

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := a.Facade.InitSession(ctx, id)
		require.NoError(t, err)
	}
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, a.Facade.AllSessions(), 3)

	a.ApplyConfig(&types.Config{MaxConcurrentSessions: 1, LogLevel: "info"})
	require.Eventually(t, func() bool {
		return len(a.Facade.AllSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "c", a.Facade.AllSessions()[0].SessionID)
}
