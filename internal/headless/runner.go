package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencode-ai/sessionstream/internal/event"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// stopTimeout bounds the StopStream call made when a turn is interrupted.
const stopTimeout = 10 * time.Second

// Sessions is the part of the session façade the runner drives.
type Sessions interface {
	InitSession(ctx context.Context, id string) (types.SessionState, error)
	LoadSession(ctx context.Context, id string) (types.SessionState, error)
	StartStream(ctx context.Context, id, userMessage string, messages []types.Message) error
	StopStream(ctx context.Context, id string) error
	GetSessionState(id string) (types.SessionState, bool)
	Subscribe(id string, fn event.Subscriber) (unsubscribe func())
}

// Runner sends one user turn and renders the reply.
type Runner struct {
	config   *Config
	sessions Sessions
	printer  *Printer
}

// NewRunner creates a new headless runner.
func NewRunner(cfg *Config, sessions Sessions) *Runner {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = OutputText
	}
	return &Runner{
		config:   cfg,
		sessions: sessions,
	}
}

// Run loads the session, streams the reply and returns the result. When
// ctx ends before the reply does, the stream is stopped and the result
// reports "aborted", or "timeout" if the configured timeout fired.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	defer r.printer.PrintFinalResult()

	fail := func(status string, code ExitCode, err error) (*Result, error) {
		r.printer.SetResult(status, code, err)
		return r.printer.GetResult(), err
	}

	if r.config.SessionID == "" {
		return fail("error", ExitInvalidInput, errors.New("session id is required"))
	}
	if r.config.Prompt == "" {
		return fail("error", ExitInvalidInput, errors.New("prompt is required"))
	}

	id := r.config.SessionID
	if _, err := r.sessions.InitSession(ctx, id); err != nil {
		return fail("error", exitCodeOf(err), err)
	}
	state, err := r.sessions.LoadSession(ctx, id)
	if err != nil {
		return fail("error", exitCodeOf(err), fmt.Errorf("load session %s: %w", id, err))
	}

	r.printer.Begin(state)
	unsub := r.sessions.Subscribe(id, r.printer.HandleEvent)
	defer unsub()

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	// The stream call itself is not bound to runCtx: an interrupted turn
	// is stopped through StopStream so the reply settles as cancelled.
	finished := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-finished:
		case <-runCtx.Done():
			logging.Info().Str("session_id", id).Msg("stopping stream")
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := r.sessions.StopStream(stopCtx, id); err != nil {
				logging.Warn().Err(err).Str("session_id", id).Msg("stop stream failed")
			}
		}
	}()

	err = r.sessions.StartStream(context.Background(), id, r.config.Prompt, nil)
	close(finished)
	<-stopped

	switch {
	case err != nil:
		return fail("error", exitCodeOf(err), err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fail("timeout", ExitTimeout, runCtx.Err())
	case runCtx.Err() != nil:
		return fail("aborted", ExitAborted, nil)
	}

	if final, ok := r.sessions.GetSessionState(id); ok && final.StreamState == types.StreamError {
		return fail("error", ExitStreamError, errors.New(final.Error))
	}

	r.printer.SetResult("success", ExitSuccess, nil)
	return r.printer.GetResult(), nil
}

func exitCodeOf(err error) ExitCode {
	var serr *types.Error
	if !errors.As(err, &serr) {
		return ExitError
	}
	switch serr.Code {
	case types.CodeSessionNotFound:
		return ExitSessionNotFound
	case types.CodeTransport:
		return ExitTransportError
	case types.CodeStream:
		return ExitStreamError
	default:
		return ExitError
	}
}
