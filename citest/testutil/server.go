package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opencode-ai/sessionstream/internal/app"
	"github.com/opencode-ai/sessionstream/internal/config"
	"github.com/opencode-ai/sessionstream/internal/server"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// TestServer wraps a running coordinator and its HTTP surface for testing.
type TestServer struct {
	Server  *server.Server
	App     *app.App
	Agent   *MockAgent
	BaseURL string
	Config  *types.Config
	port    int
}

// TestServerOption configures TestServer
type TestServerOption func(*types.Config)

// WithMaxConcurrentSessions sets the coordinator's session limit.
func WithMaxConcurrentSessions(n int) TestServerOption {
	return func(c *types.Config) {
		c.MaxConcurrentSessions = n
	}
}

// StartTestServer creates and starts a test server in front of agent.
func StartTestServer(agent *MockAgent, opts ...TestServerOption) (*TestServer, error) {
	appConfig := &types.Config{TransportEndpoint: agent.URL()}
	for _, opt := range opts {
		opt(appConfig)
	}
	config.ApplyDefaults(appConfig)

	port, err := findAvailablePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	a, err := app.New(app.Options{Config: appConfig})
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start app: %w", err)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	srv := server.New(serverConfig, a.Facade, a.Metrics)

	go func() {
		_ = srv.Start()
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		srv.Shutdown(ctx)
		a.Close()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:  srv,
		App:     a,
		Agent:   agent,
		BaseURL: baseURL,
		Config:  appConfig,
		port:    port,
	}, nil
}

// Stop shuts down the test server and the coordinator behind it.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if ts.Server != nil {
		errs = append(errs, ts.Server.Shutdown(ctx))
	}
	if ts.App != nil {
		errs = append(errs, ts.App.Close())
	}
	return errors.Join(errs...)
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/session", nil)
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
