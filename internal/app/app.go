// Package app wires the turn controller to its upstreams and collaborators
// for the HTTP server and the CLI.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-turns/internal/config"
	"go-turns/internal/conversation"
	"go-turns/internal/llm"
	"go-turns/internal/metrics"
	"go-turns/internal/producer"
	"go-turns/internal/publish"
	"go-turns/internal/reducer"
	"go-turns/internal/relay"
	"go-turns/internal/response"
	"go-turns/internal/storage"
	"go-turns/internal/tool"
	"go-turns/internal/turn"
)

var (
	ErrEmptyInput    = errors.New("input is required")
	ErrTurnNotActive = errors.New("turn is not active")
	ErrTurnNotFound  = errors.New("turn not found")
)

// Options overrides parts of the wiring. Zero values build everything from
// the config.
type Options struct {
	Logger   *zap.Logger
	Producer turn.Producer
	Renderer turn.Renderer
	// RelayUpstream serves POST /v1/relay; defaults to the chat-completions
	// provider when NVIDIA_API_KEY is set.
	RelayUpstream llm.DeltaProvider
}

type App struct {
	cfg           config.Config
	logger        *zap.Logger
	conversations *conversation.Manager
	controller    *turn.Controller
	notifier      *publish.Notifier
	metrics       *metrics.Counters
	tools         *tool.Registry
	relayUpstream llm.DeltaProvider

	// root bounds every turn; request contexts only bound submission.
	root context.Context
	stop context.CancelFunc
}

func New(cfg config.Config, store storage.Store, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counters := metrics.New()

	var deltas llm.DeltaProvider
	if strings.TrimSpace(cfg.NVIDIAAPIKey) != "" {
		deltas = llm.NewNVIDIAProvider(
			cfg.NIMBaseURL,
			cfg.NVIDIAAPIKey,
			cfg.RequestTimeout,
			cfg.LLMMaxRetries,
			cfg.EnableThinking,
			cfg.ClearThinking,
		)
	}
	relayUpstream := opts.RelayUpstream
	if relayUpstream == nil {
		relayUpstream = deltas
	}

	prod := opts.Producer
	if prod == nil {
		deps := producer.Deps{Deltas: deltas}
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			deps.Events = llm.NewResponsesProvider(llm.ResponsesOptions{
				BaseURL:    cfg.ResponsesBaseURL,
				APIKey:     cfg.OpenAIAPIKey,
				Timeout:    cfg.RequestTimeout,
				MaxRetries: cfg.LLMMaxRetries,
				Logger:     logger.Named("responses"),
				OnDrop:     counters.FrameDropped,
			})
		}
		if strings.TrimSpace(cfg.RelayURL) != "" {
			deps.Relay = relay.NewClient(relay.ClientOptions{
				URL:        cfg.RelayURL,
				Timeout:    cfg.RequestTimeout,
				MaxRetries: cfg.LLMMaxRetries,
				Logger:     logger.Named("relay"),
				OnDrop:     counters.FrameDropped,
			})
		}
		var err error
		prod, err = producer.ForKind(cfg.Producer, deps)
		if err != nil {
			return nil, err
		}
	}

	manager := conversation.NewManager(store)
	persisters := []turn.Persister{manager}
	var notifier *publish.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		n, err := publish.New(publish.Config{
			URL:     cfg.RedisURL,
			Channel: cfg.RedisChannel,
			Retries: cfg.RedisRetries,
		})
		if err != nil {
			return nil, err
		}
		notifier = n
		persisters = append(persisters, notifier)
	}

	turnOpts := turn.Options{
		Producer:        prod,
		Renderer:        opts.Renderer,
		Persisters:      persisters,
		Metrics:         counters,
		Logger:          logger.Named("turn"),
		Reducer:         reducer.Reducer{Strict: cfg.StrictReducer},
		PersistInterval: cfg.PersistInterval,
		TurnTimeout:     cfg.TurnTimeout,
		SealOnCancel:    cfg.SealOnCancel,
	}
	var registry *tool.Registry
	if cfg.ToolsEnabled {
		registry = tool.NewRegistry()
		if err := tool.RegisterWorkspace(registry, cfg.WorkspaceRoot, cfg.ToolOutputLimit); err != nil {
			return nil, err
		}
		registry.Use(tool.Observer(func(_ context.Context, _ tool.Call, _ tool.Result, err error) {
			counters.ToolCalled(err)
		}))
		turnOpts.Tools = registry
	}

	root, stop := context.WithCancel(context.Background())
	return &App{
		cfg:           cfg,
		logger:        logger,
		conversations: manager,
		controller:    turn.NewController(turnOpts),
		notifier:      notifier,
		metrics:       counters,
		tools:         registry,
		relayUpstream: relayUpstream,
		root:          root,
		stop:          stop,
	}, nil
}

func (a *App) CreateConversation(ctx context.Context, title string) (conversation.Conversation, error) {
	return a.conversations.CreateConversation(ctx, title)
}

func (a *App) GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	return a.conversations.GetConversation(ctx, conversationID)
}

func (a *App) ListConversationIDs(ctx context.Context, limit int) ([]string, error) {
	return a.conversations.ListConversationIDs(ctx, limit)
}

func (a *App) Transcript(ctx context.Context, conversationID string) ([]*response.Item, error) {
	return a.conversations.Transcript(ctx, conversationID)
}

func (a *App) GetResponse(ctx context.Context, responseID string) (*response.Document, error) {
	return a.conversations.GetResponse(ctx, responseID)
}

// SubmitTurn appends a user message to the conversation transcript and starts
// a turn over it. An active turn of the conversation is cancelled.
func (a *App) SubmitTurn(ctx context.Context, conversationID, input string) (*turn.Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	transcript, err := a.conversations.Transcript(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]*response.Item, 0, len(transcript)+1)
	history = append(history, transcript...)
	history = append(history, response.NewUserMessage("msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""), input))
	return a.start(ctx, conversationID, history)
}

// Retry starts a fresh turn whose history is the transcript truncated before
// itemID.
func (a *App) Retry(ctx context.Context, conversationID, itemID string) (*turn.Turn, error) {
	history, err := a.conversations.HistoryBefore(ctx, conversationID, itemID)
	if err != nil {
		return nil, err
	}
	return a.start(ctx, conversationID, history)
}

func (a *App) start(ctx context.Context, conversationID string, history []*response.Item) (*turn.Turn, error) {
	turnID := uuid.NewString()
	if _, err := a.conversations.BeginTurn(ctx, conversationID, turnID, history); err != nil {
		return nil, err
	}
	t, err := a.controller.Start(a.root, turn.Request{
		ConversationID: conversationID,
		TurnID:         turnID,
		Model:          a.cfg.Model,
		Instructions:   a.cfg.Instructions,
		History:        history,
		Tools:          a.toolDefinitions(),
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("turn started",
		zap.String("conversation_id", conversationID),
		zap.String("turn_id", turnID),
		zap.Int("history_items", len(history)),
	)
	return t, nil
}

// Cancel stops the active turn of a conversation. An empty turnID cancels
// whichever turn is active.
func (a *App) Cancel(conversationID, turnID string) error {
	t, ok := a.controller.Active(conversationID)
	if !ok || (turnID != "" && t.ID != turnID) {
		return ErrTurnNotActive
	}
	t.Cancel()
	return nil
}

// GetTurn returns the live snapshot of an active turn, or the persisted one.
func (a *App) GetTurn(ctx context.Context, conversationID, turnID string) (turn.Snapshot, error) {
	if t, ok := a.controller.Active(conversationID); ok && t.ID == turnID {
		return t.Snapshot(), nil
	}
	c, err := a.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return turn.Snapshot{}, err
	}
	for _, rec := range c.Turns {
		if rec.ID != turnID {
			continue
		}
		snap := turn.Snapshot{
			ConversationID: conversationID,
			TurnID:         rec.ID,
			State:          rec.State,
			History:        rec.History,
			Error:          rec.Error,
		}
		if rec.ResponseID != "" {
			doc, err := a.conversations.GetResponse(ctx, rec.ResponseID)
			if err != nil {
				return turn.Snapshot{}, fmt.Errorf("load response %s: %w", rec.ResponseID, err)
			}
			snap.Document = doc
		}
		return snap, nil
	}
	return turn.Snapshot{}, fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
}

// RelayHandler serves the relay endpoint, or nil when no upstream is set.
func (a *App) RelayHandler() http.Handler {
	if a.relayUpstream == nil {
		return nil
	}
	return relay.NewHandler(relay.HandlerOptions{
		Upstream: a.relayUpstream,
		Model:    a.cfg.Model,
		Logger:   a.logger.Named("relay"),
	})
}

func (a *App) Metrics() metrics.Snapshot {
	return a.metrics.Snapshot()
}

func (a *App) toolDefinitions() []json.RawMessage {
	if a.tools == nil {
		return nil
	}
	return a.tools.Definitions()
}

// Tools lists the registered tool names.
func (a *App) Tools() []string {
	if a.tools == nil {
		return nil
	}
	return a.tools.List()
}

// Close cancels running turns, waits for their final snapshots and closes
// the notifier.
func (a *App) Close(ctx context.Context) error {
	err := a.controller.Shutdown(ctx)
	a.stop()
	if a.notifier != nil {
		if cerr := a.notifier.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
