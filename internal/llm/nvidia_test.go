package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func drainTicks(t *testing.T, s Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, *ev)
	}
}

func TestNVIDIAProviderRetryThenStream(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		if payload["stream"] != true {
			t.Errorf("expected stream=true, got %v", payload["stream"])
		}
		kwargs, ok := payload["chat_template_kwargs"].(map[string]any)
		if !ok {
			t.Errorf("missing chat_template_kwargs")
		} else if kwargs["enable_thinking"] != true || kwargs["clear_thinking"] != false {
			t.Errorf("unexpected kwargs: %+v", kwargs)
		}
		if n < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"think\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"-final\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewNVIDIAProvider(srv.URL, "test-key", 5*time.Second, 3, true, false)
	stream, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "z-ai/glm5",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat stream failed: %v", err)
	}
	defer stream.Close()

	ticks := drainTicks(t, stream)
	want := []StreamEvent{
		{Type: TickReasoning, Text: "think"},
		{Type: TickContent, Text: "ok"},
		{Type: TickContent, Text: "-final"},
	}
	if len(ticks) != len(want) {
		t.Fatalf("expected %d ticks, got %+v", len(want), ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick %d: expected %+v, got %+v", i, want[i], ticks[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestNVIDIAProviderNoRetryForBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","code":"invalid_model"}}`)
	}))
	defer srv.Close()

	p := NewNVIDIAProvider(srv.URL, "test-key", 5*time.Second, 3, false, false)
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "z-ai/glm5",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Status != http.StatusBadRequest || pe.Code != "invalid_model" || pe.Message != "bad model" {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestNVIDIAProviderRequiresKey(t *testing.T) {
	p := NewNVIDIAProvider("http://127.0.0.1:1", "", time.Second, 0, false, false)
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "NVIDIA_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestChunkStreamErrorPayload(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n" +
		"data: {\"error\":{\"message\":\"overloaded\",\"code\":503}}\n\n"
	s := NewChunkStream(io.NopCloser(strings.NewReader(body)))

	ev, err := s.Recv()
	if err != nil || ev.Text != "par" {
		t.Fatalf("expected first tick, got %+v %v", ev, err)
	}
	_, err = s.Recv()
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Code != "503" || pe.Message != "overloaded" {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after error, got %v", err)
	}
}

func TestChunkStreamTruncatedBody(t *testing.T) {
	s := NewChunkStream(io.NopCloser(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"x\"")))
	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped ErrUnexpectedEOF, got %v", err)
	}
}

func TestChatMessagesKeepsOnlyMessages(t *testing.T) {
	msgs := ChatMessages("be brief", nil)
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	if got := retryAfter(h); got != 0 {
		t.Fatalf("expected 0 without header, got %v", got)
	}
	h.Set("Retry-After", "3")
	if got := retryAfter(h); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	h.Set("Retry-After", "600")
	if got := retryAfter(h); got != 2*time.Minute {
		t.Fatalf("expected cap at 2m, got %v", got)
	}
	h.Set("Retry-After", "soon")
	if got := retryAfter(h); got != 0 {
		t.Fatalf("expected 0 for garbage, got %v", got)
	}
}

func TestBackoffAndRetryableStatus(t *testing.T) {
	if got := backoff(0, http.StatusTooManyRequests); got != 2*time.Second {
		t.Fatalf("unexpected 429 backoff: %v", got)
	}
	if got := backoff(30, http.StatusServiceUnavailable); got != 10*time.Second {
		t.Fatalf("expected 503 backoff cap, got %v", got)
	}
	if got := backoff(1, 0); got != 600*time.Millisecond {
		t.Fatalf("unexpected transport backoff: %v", got)
	}
	for status, want := range map[int]bool{408: true, 429: true, 500: true, 503: true, 400: false, 401: false, 404: false} {
		if got := retryableStatus(status); got != want {
			t.Fatalf("retryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
	if retryableErr(context.Canceled) {
		t.Fatal("cancelled requests must not be retried")
	}
}
