package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"go-turns/internal/llm"
	"go-turns/internal/response"
)

// Request is the body accepted by the relay endpoint.
type Request struct {
	Model    string            `json:"model,omitempty"`
	TurnID   string            `json:"turn_id,omitempty"`
	Messages []llm.ChatMessage `json:"messages"`
}

// Client reads a relay endpoint from the remote side.
type Client struct {
	provider *llm.ResponsesProvider
}

type ClientOptions struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	Logger     *zap.Logger
	OnDrop     func(error)
}

// NewClient targets a full relay URL such as http://host:8080/v1/relay.
func NewClient(opts ClientOptions) *Client {
	return &Client{provider: llm.NewResponsesProvider(llm.ResponsesOptions{
		URL:        opts.URL,
		Timeout:    opts.Timeout,
		MaxRetries: opts.MaxRetries,
		Logger:     opts.Logger,
		OnDrop:     opts.OnDrop,
	})}
}

// Events returns the relayed canonical events as they arrive.
func (c *Client) Events(ctx context.Context, req Request) (response.EventStream, error) {
	return c.provider.PostStream(ctx, req)
}

// Deltas re-extracts answer and reasoning ticks from a relayed stream so they
// can be adapted again locally.
func (c *Client) Deltas(ctx context.Context, req Request) (llm.Stream, error) {
	events, err := c.Events(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewTickExtractor(events), nil
}

// TickExtractor maps canonical text deltas back to ticks. Lifecycle events
// carry no tick and are skipped.
type TickExtractor struct {
	src response.EventStream
}

func NewTickExtractor(src response.EventStream) *TickExtractor {
	return &TickExtractor{src: src}
}

func (x *TickExtractor) Recv() (*llm.StreamEvent, error) {
	for {
		ev, err := x.src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch ev.Type {
		case response.EventOutputTextDelta:
			return &llm.StreamEvent{Type: llm.TickContent, Text: ev.Delta}, nil
		case response.EventReasoningSummaryTextDelta, response.EventReasoningTextDelta:
			return &llm.StreamEvent{Type: llm.TickReasoning, Text: ev.Delta}, nil
		}
	}
}

func (x *TickExtractor) Close() error {
	return x.src.Close()
}
