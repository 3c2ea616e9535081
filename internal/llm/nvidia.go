package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-turns/internal/sse"
)

// NVIDIAProvider talks to an OpenAI-compatible chat-completions endpoint
// (NVIDIA NIM by default) and exposes its streamed reply as ticks.
type NVIDIAProvider struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	maxRetries     int
	enableThinking bool
	clearThinking  bool
}

func NewNVIDIAProvider(
	baseURL string,
	apiKey string,
	timeout time.Duration,
	maxRetries int,
	enableThinking bool,
	clearThinking bool,
) *NVIDIAProvider {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 6 {
		maxRetries = 6
	}
	return &NVIDIAProvider{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:         strings.TrimSpace(apiKey),
		httpClient:     newHTTPClient(timeout),
		maxRetries:     maxRetries,
		enableThinking: enableThinking,
		clearThinking:  clearThinking,
	}
}

func (p *NVIDIAProvider) ChatStream(ctx context.Context, req ChatRequest) (Stream, error) {
	if p.apiKey == "" {
		return nil, errors.New("NVIDIA_API_KEY is required")
	}
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages cannot be empty")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1200
	}

	enableThinking := p.enableThinking
	if req.EnableThinking != nil {
		enableThinking = *req.EnableThinking
	}
	clearThinking := p.clearThinking
	if req.ClearThinking != nil {
		clearThinking = *req.ClearThinking
	}
	payload := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"top_p":       1,
		"max_tokens":  req.MaxTokens,
		"stream":      true,
		"chat_template_kwargs": map[string]any{
			"enable_thinking": enableThinking,
			"clear_thinking":  clearThinking,
		},
	}
	rawBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/chat/completions"
	resp, err := openStream(ctx, p.httpClient, p.maxRetries, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rawBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return NewChunkStream(resp.Body), nil
}

// ChunkStream decodes chat-completions SSE chunks into ticks. A chunk carrying
// both reasoning and content yields the reasoning tick first.
type ChunkStream struct {
	body    io.ReadCloser
	reader  *sse.Reader
	pending []*StreamEvent
	done    bool
}

func NewChunkStream(body io.ReadCloser) *ChunkStream {
	return &ChunkStream{body: body, reader: sse.NewReader(body)}
}

func (s *ChunkStream) Recv() (*StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		rec, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read stream response: %w", err)
		}
		data := bytes.TrimSpace(rec.Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == "[DONE]" {
			s.done = true
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					ReasoningContent string `json:"reasoning_content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
				Code    any    `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			s.done = true
			return nil, &ProviderError{Code: fmt.Sprint(valueOr(chunk.Error.Code, "")), Message: chunk.Error.Message}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			s.pending = append(s.pending, &StreamEvent{Type: TickReasoning, Text: delta.ReasoningContent})
		}
		if delta.Content != "" {
			s.pending = append(s.pending, &StreamEvent{Type: TickContent, Text: delta.Content})
		}
	}
}

func (s *ChunkStream) Close() error {
	s.done = true
	s.pending = nil
	return s.body.Close()
}

func valueOr(v any, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}
