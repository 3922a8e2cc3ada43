// Package app assembles the coordinator host, the façade and the channel
// between them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/sessionstream/internal/config"
	"github.com/opencode-ai/sessionstream/internal/facade"
	"github.com/opencode-ai/sessionstream/internal/host"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/metrics"
	"github.com/opencode-ai/sessionstream/internal/session"
	"github.com/opencode-ai/sessionstream/internal/transport"
	"github.com/opencode-ai/sessionstream/internal/transport/opencode"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// Options configures New.
type Options struct {
	Config *types.Config
	// Transport overrides the agent server client built from Config.
	Transport transport.Transport
	// CoordinatorOptions are appended after the ones derived from Config.
	CoordinatorOptions []session.Option
}

// App owns one host and the façade connected to it.
type App struct {
	Config  *types.Config
	Facade  *facade.Facade
	Host    *host.Host
	Metrics *metrics.Metrics

	pubsub *gochannel.GoChannel

	mu      sync.Mutex
	cancel  context.CancelFunc
	hostErr chan error
}

// New builds the components. Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &types.Config{}
		config.ApplyDefaults(cfg)
	}

	evictEvery, err := config.EvictInterval(cfg)
	if err != nil {
		return nil, err
	}

	t := opts.Transport
	if t == nil {
		t, err = opencode.New(opencode.Config{
			Endpoint:  cfg.TransportEndpoint,
			AuthToken: cfg.AuthToken,
			Directory: cfg.Directory,
		})
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
	}

	m := metrics.New()

	// Publishing waits for the subscriber's ack, which keeps each topic in
	// publish order.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermillAdapter(logging.With().Str("component", "pubsub").Logger()))

	// The façade subscribes first so it cannot miss the host's ready message.
	f, err := facade.New(pubsub, pubsub)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	coordOpts := []session.Option{
		session.WithMetrics(m),
		session.WithMaxMessages(cfg.MaxMessagesPerSession),
	}
	if cfg.LoadRetries != nil {
		coordOpts = append(coordOpts, session.WithLoadRetries(*cfg.LoadRetries, 0))
	}
	coordOpts = append(coordOpts, opts.CoordinatorOptions...)

	h := host.New(t, pubsub, pubsub, host.Config{
		MaxSessions:        cfg.MaxConcurrentSessions,
		EvictInterval:      evictEvery,
		CoordinatorOptions: coordOpts,
	})

	return &App{
		Config:  cfg,
		Facade:  f,
		Host:    h,
		Metrics: m,
		pubsub:  pubsub,
	}, nil
}

// Start runs the host and waits until the façade has seen it come up.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.hostErr = make(chan error, 1)
	a.mu.Unlock()

	go func() { a.hostErr <- a.Host.Run(runCtx) }()

	select {
	case <-a.Facade.Ready():
		return nil
	case err := <-a.hostErr:
		a.hostErr <- err
		return fmt.Errorf("host exited during startup: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyConfig applies the settings that can change while running.
func (a *App) ApplyConfig(cfg *types.Config) {
	a.Host.SetMaxSessions(cfg.MaxConcurrentSessions)
	if cfg.LogLevel != "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	logging.Info().
		Int("max_sessions", cfg.MaxConcurrentSessions).
		Str("log_level", cfg.LogLevel).
		Msg("configuration applied")
}

// Close stops the host, then the façade and the channel. Streams still
// running are resolved as closed.
func (a *App) Close() error {
	a.mu.Lock()
	cancel, hostErr := a.cancel, a.hostErr
	a.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = <-hostErr
	}
	err = errors.Join(err, a.Facade.Close(), a.pubsub.Close())
	return err
}
