package turn

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-turns/internal/llm"
	"go-turns/internal/response"
)

func created(id string) response.Event {
	return response.Event{Type: response.EventCreated, Response: &response.Document{
		ID: id, Object: "response", Status: response.StatusInProgress, Output: []*response.Item{},
	}}
}

func openMessage(index int, id string) []response.Event {
	return []response.Event{
		{Type: response.EventOutputItemAdded, OutputIndex: index, Item: response.NewAssistantMessage(id, response.StatusInProgress)},
		{Type: response.EventContentPartAdded, OutputIndex: index, ContentIndex: 0, Part: &response.ContentPart{Type: response.PartOutputText}},
	}
}

func delta(index int, text string) response.Event {
	return response.Event{Type: response.EventOutputTextDelta, OutputIndex: index, ContentIndex: 0, Delta: text}
}

func completed(id string, text string, items ...*response.Item) response.Event {
	msg := response.NewAssistantMessage("msg_1", response.StatusCompleted)
	msg.Content = []*response.ContentPart{{Type: response.PartOutputText, Text: text}}
	output := append([]*response.Item{msg}, items...)
	return response.Event{Type: response.EventCompleted, Response: &response.Document{
		ID: id, Object: "response", Status: response.StatusCompleted, Output: output, OutputText: text,
	}}
}

func sliceProducer(events ...response.Event) Producer {
	return ProducerFunc(func(context.Context, Request) (response.EventStream, error) {
		return response.NewSliceStream(events...), nil
	})
}

// errStream yields events, then err.
type errStream struct {
	events []response.Event
	err    error
}

func (s *errStream) Recv() (response.Event, error) {
	if len(s.events) == 0 {
		return response.Event{}, s.err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *errStream) Close() error { return nil }

// chanStream yields events from ch until it is closed or ctx ends.
type chanStream struct {
	ctx context.Context
	ch  <-chan response.Event
}

func (s *chanStream) Recv() (response.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return response.Event{}, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		return response.Event{}, s.ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

type recordingPersister struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *recordingPersister) Persist(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return nil
}

func (p *recordingPersister) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snaps[len(p.snaps)-1]
}

type recordingRenderer struct {
	mu   sync.Mutex
	docs []*response.Document
}

func (r *recordingRenderer) Render(_ string, doc *response.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
}

func wait(t *testing.T, turn *Turn) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := turn.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestTurnCompletes(t *testing.T) {
	events := []response.Event{created("resp_1")}
	events = append(events, openMessage(0, "msg_1")...)
	events = append(events, delta(0, "Hel"), delta(0, "lo"), completed("resp_1", "Hello"))

	persister := &recordingPersister{}
	renderer := &recordingRenderer{}
	c := NewController(Options{
		Producer:   sliceProducer(events...),
		Persisters: []Persister{persister},
		Renderer:   renderer,
	})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.ID)

	snap := wait(t, turn)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, StateCompleted, turn.State())
	assert.NoError(t, turn.Err())
	require.NotNil(t, snap.Document)
	assert.Equal(t, "Hello", snap.Document.AssistantText())

	assert.Len(t, renderer.docs, len(events))
	last := persister.last()
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, "c1", last.ConversationID)
	assert.Same(t, snap.Document, last.Document)

	_, active := c.Active("c1")
	assert.False(t, active)
}

func TestTurnTransportErrorAppendsRefusal(t *testing.T) {
	events := []response.Event{created("resp_2")}
	events = append(events, openMessage(0, "msg_1")...)
	events = append(events, delta(0, "partial"))
	boom := errors.New("connection reset by peer")

	c := NewController(Options{Producer: ProducerFunc(func(context.Context, Request) (response.EventStream, error) {
		return &errStream{events: events, err: boom}, nil
	})})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c2"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateFailed, snap.State)
	assert.ErrorIs(t, turn.Err(), boom)
	assert.Contains(t, snap.Error, "connection reset")

	doc := snap.Document
	require.NotNil(t, doc)
	assert.Equal(t, response.StatusFailed, doc.Status)
	require.NotNil(t, doc.Error)
	assert.Equal(t, "stream_error", doc.Error.Code)
	require.Len(t, doc.Output, 2)
	assert.Equal(t, "partial", doc.Output[0].Text())

	refusal := doc.Output[1]
	assert.Equal(t, response.RoleAssistant, refusal.Role)
	require.Len(t, refusal.Content, 1)
	assert.Equal(t, response.PartRefusal, refusal.Content[0].Type)
	assert.Equal(t, "connection reset by peer", refusal.Content[0].Refusal)
}

func TestTurnOpenErrorStillProducesDocument(t *testing.T) {
	c := NewController(Options{Producer: ProducerFunc(func(context.Context, Request) (response.EventStream, error) {
		return nil, &llm.ProviderError{Status: 401, Code: "invalid_api_key", Message: "bad key"}
	})})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c3", TurnID: "t3", Model: "m"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateFailed, snap.State)
	doc := snap.Document
	require.NotNil(t, doc)
	assert.Equal(t, "resp_t3", doc.ID)
	assert.Equal(t, "m", doc.Model)
	assert.Equal(t, "invalid_api_key", doc.Error.Code)
	require.Len(t, doc.Output, 1)
	assert.Equal(t, "bad key", doc.Output[0].Content[0].Refusal)
}

func TestTurnProviderErrorPayload(t *testing.T) {
	failed := response.Event{Type: response.EventCompleted, Response: &response.Document{
		ID: "resp_4", Status: response.StatusFailed, Output: []*response.Item{},
		Error: &response.Error{Code: "no_response", Message: "no response received"},
	}}
	c := NewController(Options{Producer: sliceProducer(created("resp_4"), failed)})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c4"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateFailed, snap.State)
	doc := snap.Document
	assert.Equal(t, response.StatusFailed, doc.Status)
	assert.Equal(t, "no_response", doc.Error.Code)
	require.Len(t, doc.Output, 1)
	assert.Equal(t, "no response received", doc.Output[0].Content[0].Refusal)
}

func TestTurnEOFWithoutTerminalIsIncomplete(t *testing.T) {
	events := []response.Event{created("resp_5")}
	events = append(events, openMessage(0, "msg_1")...)
	events = append(events, delta(0, "cut"))

	c := NewController(Options{Producer: sliceProducer(events...)})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c5"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateIncomplete, snap.State)
	assert.Equal(t, response.StatusInProgress, snap.Document.Status, "document is left as reduced")
	assert.Equal(t, response.StatusInProgress, snap.Document.Output[0].Status)
}

func blockingProducer(ch <-chan response.Event) Producer {
	return ProducerFunc(func(ctx context.Context, _ Request) (response.EventStream, error) {
		return &chanStream{ctx: ctx, ch: ch}, nil
	})
}

func feed(ch chan<- response.Event, events ...response.Event) {
	go func() {
		for _, ev := range events {
			ch <- ev
		}
	}()
}

func hasText(turn *Turn, text string) func() bool {
	return func() bool {
		doc := turn.Document()
		return doc != nil && doc.AssistantText() == text
	}
}

func TestTurnCancelLeavesItemOpen(t *testing.T) {
	ch := make(chan response.Event)
	c := NewController(Options{Producer: blockingProducer(ch)})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c6"})
	require.NoError(t, err)

	feed(ch, append(append([]response.Event{created("resp_6")}, openMessage(0, "msg_1")...), delta(0, "so far"))...)
	require.Eventually(t, hasText(turn, "so far"), 2*time.Second, 5*time.Millisecond)

	turn.Cancel()
	snap := wait(t, turn)
	assert.Equal(t, StateIncomplete, snap.State)
	assert.Equal(t, response.StatusInProgress, snap.Document.Output[0].Status)
	assert.Equal(t, "so far", snap.Document.Output[0].Text())
}

func TestTurnSealOnCancel(t *testing.T) {
	ch := make(chan response.Event)
	c := NewController(Options{Producer: blockingProducer(ch), SealOnCancel: true})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c7"})
	require.NoError(t, err)

	feed(ch, append(append([]response.Event{created("resp_7")}, openMessage(0, "msg_1")...), delta(0, "x"))...)
	require.Eventually(t, hasText(turn, "x"), 2*time.Second, 5*time.Millisecond)

	turn.Cancel()
	snap := wait(t, turn)
	assert.Equal(t, StateIncomplete, snap.State)
	assert.Equal(t, response.StatusIncomplete, snap.Document.Output[0].Status)
	assert.Equal(t, "x", snap.Document.Output[0].Text())
}

func TestStartCancelsActiveTurn(t *testing.T) {
	first := make(chan response.Event)
	var mu sync.Mutex
	calls := 0
	producer := ProducerFunc(func(ctx context.Context, req Request) (response.EventStream, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &chanStream{ctx: ctx, ch: first}, nil
		}
		return response.NewSliceStream(created("resp_b"), completed("resp_b", "second")), nil
	})
	c := NewController(Options{Producer: producer})

	a, err := c.Start(context.Background(), Request{ConversationID: "c8"})
	require.NoError(t, err)
	feed(first, created("resp_a"))
	require.Eventually(t, func() bool { return a.Document() != nil }, 2*time.Second, 5*time.Millisecond)

	active, ok := c.Active("c8")
	require.True(t, ok)
	assert.Same(t, a, active)

	b, err := c.Start(context.Background(), Request{ConversationID: "c8"})
	require.NoError(t, err)

	assert.Equal(t, StateIncomplete, wait(t, a).State)
	snapB := wait(t, b)
	assert.Equal(t, StateCompleted, snapB.State)
	assert.Equal(t, "second", snapB.Document.AssistantText())
}

func TestTurnTimeoutFails(t *testing.T) {
	ch := make(chan response.Event)
	c := NewController(Options{Producer: blockingProducer(ch), TurnTimeout: 20 * time.Millisecond})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c9"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateFailed, snap.State)
	assert.ErrorIs(t, turn.Err(), context.DeadlineExceeded)
	require.NotNil(t, snap.Document)
	assert.Equal(t, response.PartRefusal, snap.Document.Output[0].Content[0].Type)
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	out   string
	err   error
}

func (f *fakeTools) Execute(_ context.Context, name, arguments string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+arguments)
	return f.out, f.err
}

func toolEvents(id string) []response.Event {
	call := &response.Item{ID: "fc_1", Type: response.ItemFunctionCall, Name: "read_file", CallID: "call_1", Status: response.StatusInProgress}
	done := *call
	done.Status = response.StatusCompleted
	done.Arguments = `{"path":"a.txt"}`
	doneItem := done
	return []response.Event{
		created(id),
		{Type: response.EventOutputItemAdded, OutputIndex: 0, Item: call},
		{Type: response.EventFunctionCallArgumentsDelta, OutputIndex: 0, Delta: `{"path":`},
		{Type: response.EventFunctionCallArgumentsDelta, OutputIndex: 0, Delta: `"a.txt"}`},
		{Type: response.EventOutputItemDone, OutputIndex: 0, Item: &doneItem},
		{Type: response.EventCompleted, Response: &response.Document{
			ID: id, Status: response.StatusCompleted, Output: []*response.Item{&doneItem},
		}},
	}
}

func TestTurnFoldsToolOutput(t *testing.T) {
	tools := &fakeTools{out: "hello from a.txt"}
	c := NewController(Options{Producer: sliceProducer(toolEvents("resp_t")...), Tools: tools})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c10"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, []string{`read_file {"path":"a.txt"}`}, tools.calls)

	doc := snap.Document
	require.Len(t, doc.Output, 2)
	out := doc.Output[1]
	assert.Equal(t, response.ItemFunctionCallOutput, out.Type)
	assert.Equal(t, "call_1", out.CallID)
	assert.Equal(t, response.StatusCompleted, out.Status)
	assert.Equal(t, "hello from a.txt", out.Output)
}

func TestTurnRedeliveredDoneRunsToolOnce(t *testing.T) {
	events := toolEvents("resp_d")
	done := events[4]
	events = append(events[:5:5], append([]response.Event{done}, events[5:]...)...)

	tools := &fakeTools{out: "once"}
	c := NewController(Options{Producer: sliceProducer(events...), Tools: tools})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c10b"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Len(t, tools.calls, 1)

	outputs := 0
	for _, it := range snap.Document.Output {
		if it.Type == response.ItemFunctionCallOutput {
			outputs++
		}
	}
	assert.Equal(t, 1, outputs)
}

func TestTurnToolErrorSealsIncomplete(t *testing.T) {
	tools := &fakeTools{err: errors.New("no such file")}
	c := NewController(Options{Producer: sliceProducer(toolEvents("resp_u")...), Tools: tools})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c11"})
	require.NoError(t, err)

	snap := wait(t, turn)
	assert.Equal(t, StateCompleted, snap.State)
	out := snap.Document.Output[1]
	assert.Equal(t, response.StatusIncomplete, out.Status)
	assert.Equal(t, "no such file", out.Output)
}

func TestRetryTruncatesHistory(t *testing.T) {
	user := response.NewUserMessage("msg_user", "2+2?")
	assistant := response.NewAssistantMessage("msg_assistant", response.StatusCompleted)
	transcript := []*response.Item{user, assistant}

	var got []*response.Item
	producer := ProducerFunc(func(_ context.Context, req Request) (response.EventStream, error) {
		got = req.History
		return response.NewSliceStream(created("resp_r"), completed("resp_r", "4")), nil
	})
	c := NewController(Options{Producer: producer})

	turn, err := c.Retry(context.Background(), Request{ConversationID: "c12", TurnID: "old"}, transcript, "msg_assistant")
	require.NoError(t, err)
	assert.NotEqual(t, "old", turn.ID)
	wait(t, turn)

	require.Len(t, got, 1)
	assert.Same(t, user, got[0])
	require.Len(t, transcript, 2)
	assert.Same(t, assistant, transcript[1])

	_, err = c.Retry(context.Background(), Request{ConversationID: "c12"}, transcript, "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestPersistDebounced(t *testing.T) {
	events := []response.Event{created("resp_p")}
	events = append(events, openMessage(0, "msg_1")...)
	for i := 0; i < 20; i++ {
		events = append(events, delta(0, "x"))
	}
	events = append(events, completed("resp_p", "done"))

	now := time.Unix(0, 0)
	persister := &recordingPersister{}
	c := NewController(Options{
		Producer:        sliceProducer(events...),
		Persisters:      []Persister{persister},
		PersistInterval: time.Hour,
		Now:             func() time.Time { return now },
	})
	turn, err := c.Start(context.Background(), Request{ConversationID: "c13"})
	require.NoError(t, err)
	wait(t, turn)

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.NotEmpty(t, persister.snaps)
	assert.LessOrEqual(t, len(persister.snaps), 2)
	assert.Equal(t, StateCompleted, persister.snaps[len(persister.snaps)-1].State)
}

func TestStartValidates(t *testing.T) {
	_, err := NewController(Options{}).Start(context.Background(), Request{ConversationID: "c"})
	assert.Error(t, err)

	_, err = NewController(Options{Producer: sliceProducer()}).Start(context.Background(), Request{})
	assert.Error(t, err)
}
