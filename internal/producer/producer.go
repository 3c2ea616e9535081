// Package producer opens the canonical event stream of one turn from one of
// the supported upstream kinds.
package producer

import (
	"context"
	"fmt"
	"strings"

	"go-turns/internal/adapter"
	"go-turns/internal/llm"
	"go-turns/internal/relay"
	"go-turns/internal/response"
	"go-turns/internal/turn"
)

const (
	KindNative     = "native"
	KindDelta      = "delta"
	KindRelay      = "relay"
	KindRelayDelta = "relay-delta"
)

// Kinds lists the accepted producer kinds.
var Kinds = []string{KindNative, KindDelta, KindRelay, KindRelayDelta}

// Native streams canonical events straight from a Responses-style upstream.
type Native struct {
	Provider llm.EventProvider
}

func (p Native) Open(ctx context.Context, req turn.Request) (response.EventStream, error) {
	return p.Provider.StreamResponse(ctx, llm.ResponsesRequest{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        req.History,
		Tools:        req.Tools,
	})
}

// Delta adapts a chat-completions delta upstream.
type Delta struct {
	Provider llm.DeltaProvider
}

func (p Delta) Open(ctx context.Context, req turn.Request) (response.EventStream, error) {
	stream, err := p.Provider.ChatStream(ctx, llm.ChatRequest{
		Model:    req.Model,
		Messages: llm.ChatMessages(req.Instructions, req.History),
	})
	if err != nil {
		return nil, err
	}
	return adapter.New(stream, adapter.Options{Model: req.Model, ResponseID: responseID(req)}), nil
}

// Relay reads canonical events relayed by a remote encoder.
type Relay struct {
	Client *relay.Client
}

func (p Relay) Open(ctx context.Context, req turn.Request) (response.EventStream, error) {
	return p.Client.Events(ctx, relayRequest(req))
}

// RelayDelta re-extracts deltas from a relayed stream and adapts them again.
type RelayDelta struct {
	Client *relay.Client
}

func (p RelayDelta) Open(ctx context.Context, req turn.Request) (response.EventStream, error) {
	stream, err := p.Client.Deltas(ctx, relayRequest(req))
	if err != nil {
		return nil, err
	}
	return adapter.New(stream, adapter.Options{Model: req.Model, ResponseID: responseID(req)}), nil
}

// Deps carries the upstream clients a kind may need.
type Deps struct {
	Events llm.EventProvider
	Deltas llm.DeltaProvider
	Relay  *relay.Client
}

// ForKind returns the producer for kind, checking that its upstream is set.
func ForKind(kind string, deps Deps) (turn.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindNative:
		if deps.Events == nil {
			return nil, fmt.Errorf("producer %q needs a responses upstream", kind)
		}
		return Native{Provider: deps.Events}, nil
	case KindDelta, "":
		if deps.Deltas == nil {
			return nil, fmt.Errorf("producer %q needs a chat-completions upstream", kind)
		}
		return Delta{Provider: deps.Deltas}, nil
	case KindRelay:
		if deps.Relay == nil {
			return nil, fmt.Errorf("producer %q needs a relay url", kind)
		}
		return Relay{Client: deps.Relay}, nil
	case KindRelayDelta:
		if deps.Relay == nil {
			return nil, fmt.Errorf("producer %q needs a relay url", kind)
		}
		return RelayDelta{Client: deps.Relay}, nil
	default:
		return nil, fmt.Errorf("unknown producer %q (want one of %s)", kind, strings.Join(Kinds, ", "))
	}
}

func relayRequest(req turn.Request) relay.Request {
	return relay.Request{
		Model:    req.Model,
		TurnID:   req.TurnID,
		Messages: llm.ChatMessages(req.Instructions, req.History),
	}
}

func responseID(req turn.Request) string {
	if req.TurnID == "" {
		return ""
	}
	return "resp_" + req.TurnID
}
