package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go-turns/internal/response"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model          string
	Messages       []ChatMessage
	Temperature    float64
	MaxTokens      int
	EnableThinking *bool
	ClearThinking  *bool
}

// Tick channels of a delta upstream.
const (
	TickContent   = "content"
	TickReasoning = "reasoning"
)

// StreamEvent is one tick of a delta upstream: a text fragment on either the
// answer channel or the reasoning channel.
type StreamEvent struct {
	Type string
	Text string
}

// Stream yields ticks until io.EOF.
type Stream interface {
	Recv() (*StreamEvent, error)
	Close() error
}

// DeltaProvider streams plain text deltas (chat-completions style).
type DeltaProvider interface {
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// ResponsesRequest is the body of a native streaming Responses call.
type ResponsesRequest struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	Input        []*response.Item  `json:"input"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
	Stream       bool              `json:"stream"`
}

// EventProvider streams canonical events directly.
type EventProvider interface {
	StreamResponse(ctx context.Context, req ResponsesRequest) (response.EventStream, error)
}

// ProviderError is an error reported by the upstream itself, either as a non-2xx
// HTTP reply or as an error payload inside the stream.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Status > 0 && e.Code != "":
		return fmt.Sprintf("provider error HTTP %d (%s): %s", e.Status, e.Code, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("provider error HTTP %d: %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("provider error (%s): %s", e.Code, e.Message)
	default:
		return "provider error: " + e.Message
	}
}

// ChatMessages flattens a transcript into chat-completions messages. Only
// message items carry over; tool items have no plain-text equivalent there.
func ChatMessages(instructions string, history []*response.Item) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	if instructions != "" {
		out = append(out, ChatMessage{Role: response.RoleSystem, Content: instructions})
	}
	for _, it := range history {
		if it == nil || it.Type != response.ItemMessage {
			continue
		}
		text := it.Text()
		if text == "" {
			continue
		}
		role := it.Role
		if role == "" {
			role = response.RoleUser
		}
		out = append(out, ChatMessage{Role: role, Content: text})
	}
	return out
}

// TickStream replays fixed ticks and then returns Err, or io.EOF when Err is
// nil.
type TickStream struct {
	Ticks  []StreamEvent
	Err    error
	pos    int
	closed bool
}

func NewTickStream(ticks ...StreamEvent) *TickStream {
	return &TickStream{Ticks: ticks}
}

func (s *TickStream) Recv() (*StreamEvent, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.pos < len(s.Ticks) {
		ev := s.Ticks[s.pos]
		s.pos++
		return &ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *TickStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *TickStream) Closed() bool { return s.closed }
