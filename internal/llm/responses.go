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

	"go.uber.org/zap"

	"go-turns/internal/response"
	"go-turns/internal/sse"
)

// ResponsesOptions configures a ResponsesProvider.
type ResponsesOptions struct {
	BaseURL    string
	Path       string // defaults to /responses
	URL        string // used verbatim instead of BaseURL+Path when set
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Logger     *zap.Logger
	// OnDrop is called for every frame that is not a valid canonical event.
	OnDrop func(error)
}

// ResponsesProvider streams canonical events from a Responses-style endpoint.
// Pointed at a relay's endpoint it reads relayed frames the same way.
type ResponsesProvider struct {
	url        string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
	onDrop     func(error)
}

func NewResponsesProvider(opts ResponsesOptions) *ResponsesProvider {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = "/responses"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/") + path
	}
	return &ResponsesProvider{
		url:        url,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: newHTTPClient(opts.Timeout),
		maxRetries: maxRetries,
		logger:     logger,
		onDrop:     opts.OnDrop,
	}
}

func (p *ResponsesProvider) StreamResponse(ctx context.Context, req ResponsesRequest) (response.EventStream, error) {
	req.Stream = true
	return p.post(ctx, req)
}

// post sends any JSON body and returns the canonical event stream of the reply.
func (p *ResponsesProvider) post(ctx context.Context, body any) (*EventReader, error) {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := openStream(ctx, p.httpClient, p.maxRetries, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(rawBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return NewEventReader(resp.Body, p.logger, p.onDrop), nil
}

// PostStream is like StreamResponse for callers with their own request body.
func (p *ResponsesProvider) PostStream(ctx context.Context, body any) (response.EventStream, error) {
	return p.post(ctx, body)
}

// EventReader decodes canonical events from an SSE body. Frames that are not
// canonical events are dropped; an "error" frame ends the stream with a
// ProviderError.
type EventReader struct {
	body   io.ReadCloser
	reader *sse.Reader
	logger *zap.Logger
	onDrop func(error)
	done   bool
}

func NewEventReader(body io.ReadCloser, logger *zap.Logger, onDrop func(error)) *EventReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventReader{body: body, reader: sse.NewReader(body), logger: logger, onDrop: onDrop}
}

func (r *EventReader) Recv() (response.Event, error) {
	for {
		if r.done {
			return response.Event{}, io.EOF
		}
		rec, err := r.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
				return response.Event{}, io.EOF
			}
			return response.Event{}, fmt.Errorf("read event stream: %w", err)
		}
		data := bytes.TrimSpace(rec.Data)
		if len(data) == 0 || string(data) == "[DONE]" {
			continue
		}
		if rec.Event == "error" || isErrorFrame(data) {
			r.done = true
			return response.Event{}, decodeErrorFrame(data)
		}
		ev, err := response.DecodeEvent(data)
		if err != nil {
			r.logger.Debug("dropping stream frame", zap.String("event", rec.Event), zap.Error(err))
			if r.onDrop != nil {
				r.onDrop(err)
			}
			continue
		}
		return ev, nil
	}
}

func (r *EventReader) Close() error {
	r.done = true
	return r.body.Close()
}

func isErrorFrame(data []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Type == "error"
}

func decodeErrorFrame(data []byte) error {
	var frame struct {
		Code    *string `json:"code"`
		Message string  `json:"message"`
		Error   *struct {
			Code    *string `json:"code"`
			Message string  `json:"message"`
		} `json:"error"`
	}
	pe := &ProviderError{Message: strings.TrimSpace(string(data))}
	if err := json.Unmarshal(data, &frame); err != nil {
		return pe
	}
	switch {
	case frame.Message != "":
		pe.Message = frame.Message
		if frame.Code != nil {
			pe.Code = *frame.Code
		}
	case frame.Error != nil && frame.Error.Message != "":
		pe.Message = frame.Error.Message
		if frame.Error.Code != nil {
			pe.Code = *frame.Error.Code
		}
	}
	return pe
}
