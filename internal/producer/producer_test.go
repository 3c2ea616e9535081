package producer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-turns/internal/adapter"
	"go-turns/internal/llm"
	"go-turns/internal/relay"
	"go-turns/internal/response"
	"go-turns/internal/turn"
)

type fakeDeltas struct {
	ticks []llm.StreamEvent
	got   llm.ChatRequest
}

func (f *fakeDeltas) ChatStream(_ context.Context, req llm.ChatRequest) (llm.Stream, error) {
	f.got = req
	return llm.NewTickStream(f.ticks...), nil
}

type fakeEvents struct {
	got llm.ResponsesRequest
}

func (f *fakeEvents) StreamResponse(_ context.Context, req llm.ResponsesRequest) (response.EventStream, error) {
	f.got = req
	return response.NewSliceStream(), nil
}

func request() turn.Request {
	return turn.Request{
		ConversationID: "c1",
		TurnID:         "t1",
		Model:          "m1",
		Instructions:   "be brief",
		History:        []*response.Item{response.NewUserMessage("msg_u", "hi")},
	}
}

func drain(t *testing.T, s response.EventStream) ([]response.Event, error) {
	t.Helper()
	var out []response.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestDeltaProducer(t *testing.T) {
	up := &fakeDeltas{ticks: []llm.StreamEvent{{Type: llm.TickContent, Text: "hello"}}}
	stream, err := Delta{Provider: up}.Open(context.Background(), request())
	require.NoError(t, err)

	events, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "resp_t1", events[0].Response.ID)
	assert.Equal(t, response.EventCompleted, events[len(events)-1].Type)
	assert.Equal(t, []llm.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, up.got.Messages)
	assert.Equal(t, "m1", up.got.Model)
}

func TestDeltaProducerEmptyStream(t *testing.T) {
	stream, err := Delta{Provider: &fakeDeltas{}}.Open(context.Background(), request())
	require.NoError(t, err)
	_, err = drain(t, stream)
	assert.ErrorIs(t, err, adapter.ErrNoResponse)
}

func TestNativeProducerPassesTranscript(t *testing.T) {
	up := &fakeEvents{}
	_, err := Native{Provider: up}.Open(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "m1", up.got.Model)
	assert.Equal(t, "be brief", up.got.Instructions)
	require.Len(t, up.got.Input, 1)
	assert.Equal(t, "msg_u", up.got.Input[0].ID)
	assert.Empty(t, up.got.Tools)

	req := request()
	req.Tools = []json.RawMessage{json.RawMessage(`{"type":"function","name":"read_file"}`)}
	_, err = Native{Provider: up}.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Tools, up.got.Tools)
}

func TestRelayDeltaProducerAdaptsAgain(t *testing.T) {
	up := &fakeDeltas{ticks: []llm.StreamEvent{
		{Type: llm.TickReasoning, Text: "thinking"},
		{Type: llm.TickContent, Text: "The answer"},
		{Type: llm.TickContent, Text: " is 4."},
	}}
	srv := httptest.NewServer(relay.NewHandler(relay.HandlerOptions{Upstream: up, Model: "m1"}))
	defer srv.Close()
	client := relay.NewClient(relay.ClientOptions{URL: srv.URL})

	stream, err := RelayDelta{Client: client}.Open(context.Background(), request())
	require.NoError(t, err)
	events, err := drain(t, stream)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, response.EventCompleted, last.Type)
	assert.Equal(t, "The answer is 4.", last.Response.OutputText)
	assert.Equal(t, response.StatusCompleted, last.Response.Status)

	stream, err = Relay{Client: client}.Open(context.Background(), request())
	require.NoError(t, err)
	events, err = drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "resp_t1", events[0].Response.ID)
	for _, ev := range events {
		assert.NotEqual(t, response.EventCompleted, ev.Type)
	}
}

func TestForKind(t *testing.T) {
	deps := Deps{Deltas: &fakeDeltas{}, Events: &fakeEvents{}, Relay: relay.NewClient(relay.ClientOptions{URL: "http://relay.invalid/v1/relay"})}
	for _, kind := range Kinds {
		p, err := ForKind(kind, deps)
		require.NoError(t, err, kind)
		assert.NotNil(t, p)
	}

	_, err := ForKind("native", Deps{})
	assert.Error(t, err)
	_, err = ForKind("carrier-pigeon", deps)
	assert.ErrorContains(t, err, "unknown producer")
}
