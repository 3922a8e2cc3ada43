// Package opencode implements transport.Transport on top of an opencode
// agent server, using the generated Go SDK.
package opencode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/internal/transport"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

// abortTimeout bounds the remote abort issued when a stream is cancelled.
const abortTimeout = 5 * time.Second

// Config describes how to reach the agent server.
type Config struct {
	Endpoint   string
	AuthToken  string
	Directory  string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Transport talks to one agent server.
type Transport struct {
	client    *sdk.Client
	directory string
	log       zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for cfg.
func New(cfg Config) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transport endpoint is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(cfg.Endpoint)}
	if cfg.AuthToken != "" {
		opts = append(opts, option.WithHeader("authorization", fmt.Sprintf("Bearer %s", cfg.AuthToken)))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	log := logging.With().Str("component", "transport").Str("endpoint", cfg.Endpoint).Logger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Transport{
		client:    sdk.NewClient(opts...),
		directory: cfg.Directory,
		log:       log,
	}, nil
}

// LoadSnapshot fetches the session and its full history.
func (t *Transport) LoadSnapshot(ctx context.Context, id string) (*types.SessionSnapshot, error) {
	sess, err := t.client.Session.Get(ctx, id, sdk.SessionGetParams{})
	if err != nil {
		return nil, classify(id, err)
	}

	history, err := t.client.Session.Messages(ctx, id, sdk.SessionMessagesParams{})
	if err != nil {
		return nil, classify(id, err)
	}

	snap := &types.SessionSnapshot{Session: sessionInfo(sess)}
	// The per-turn counters cover the assistant messages after the last
	// user message.
	var total, turn types.TokenState
	if history != nil {
		snap.Messages = make([]types.Message, 0, len(*history))
		for _, m := range *history {
			snap.Messages = append(snap.Messages, convertMessage(m.Info, m.Parts))
			if string(m.Info.Role) == types.RoleUser {
				turn = types.TokenState{}
			}
			if usage, ok := tokenUsage(m.Info); ok {
				total = total.Accumulate(usage)
				turn = addUsage(turn, usage)
			}
		}
	}
	if total != (types.TokenState{}) {
		tokens := total
		tokens.Input, tokens.Output, tokens.Total = turn.Input, turn.Output, turn.Total
		snap.Tokens = &tokens
	}

	t.log.Debug().Str("session_id", id).Int("messages", len(snap.Messages)).Msg("snapshot fetched")
	return snap, nil
}

// OpenReplyStream subscribes to the server's event feed, submits the
// latest user turn and returns the events belonging to the session until
// it goes idle. Cancelling ctx aborts the remote turn.
func (t *Transport) OpenReplyStream(ctx context.Context, id string, messages []types.Message) (transport.EventStream, error) {
	prompt := lastUserText(messages)
	if prompt == "" {
		return nil, types.NewError(types.CodeState, id, "no user message to send")
	}

	streamCtx, cancel := context.WithCancel(ctx)

	params := sdk.EventListParams{}
	if t.directory != "" {
		params.Directory = sdk.F(t.directory)
	}
	events := t.client.Event.ListStreaming(streamCtx, params)

	s := newEventStream(ctx, id, messages, events, cancel, t.abort)

	go func() {
		resp, err := t.client.Session.Prompt(streamCtx, id, t.promptParams(prompt))
		if err != nil {
			err = classify(id, err)
		}
		s.prompted <- promptResult{resp: resp, err: err}
	}()

	t.log.Debug().Str("session_id", id).Int("messages", len(messages)).Msg("reply stream opened")
	return s, nil
}

func (t *Transport) promptParams(text string) sdk.SessionPromptParams {
	parts := []sdk.SessionPromptParamsPartUnion{
		sdk.SessionPromptParamsPart{
			Type: sdk.F(sdk.SessionPromptParamsPartsTypeText),
			Text: sdk.F(text),
		},
	}
	params := sdk.SessionPromptParams{Parts: sdk.F(parts)}
	if t.directory != "" {
		params.Directory = sdk.F(t.directory)
	}
	return params
}

// abort asks the server to stop the session's turn. Failures are logged.
func (t *Transport) abort(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if _, err := t.client.Session.Abort(ctx, id, sdk.SessionAbortParams{}); err != nil {
		t.log.Warn().Err(err).Str("session_id", id).Msg("remote abort failed")
		return
	}
	t.log.Debug().Str("session_id", id).Msg("remote turn aborted")
}

// classify maps SDK failures onto the session error taxonomy.
func classify(id string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusNotFound {
		return types.NewError(types.CodeSessionNotFound, id, "session not found")
	}
	return types.WrapError(types.CodeTransport, id, err)
}
