// Package turn runs request/response turns: it opens a producer, folds its
// events into a live document and hands snapshots to collaborators.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"go-turns/internal/response"
)

type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateIncomplete State = "incomplete"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateIncomplete || s == StateFailed
}

// Request is one submitted turn. History is the input transcript; it is never
// modified.
type Request struct {
	ConversationID string
	TurnID         string
	Model          string
	Instructions   string
	History        []*response.Item

	// Tools are function definitions offered to upstreams that accept them.
	Tools []json.RawMessage
}

// Producer opens the canonical event stream for a turn. The stream must stop
// reading once ctx is cancelled.
type Producer interface {
	Open(ctx context.Context, req Request) (response.EventStream, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, req Request) (response.EventStream, error)

func (f ProducerFunc) Open(ctx context.Context, req Request) (response.EventStream, error) {
	return f(ctx, req)
}

// Renderer receives every changed document, from the fold goroutine.
type Renderer interface {
	Render(conversationID string, doc *response.Document)
}

// Persister receives snapshots asynchronously: debounced while in progress
// and once more on the terminal transition.
type Persister interface {
	Persist(ctx context.Context, snap Snapshot) error
}

// ToolExecutor runs a sealed function call and returns its output text.
type ToolExecutor interface {
	Execute(ctx context.Context, name, arguments string) (string, error)
}

type Snapshot struct {
	ConversationID string             `json:"conversation_id"`
	TurnID         string             `json:"turn_id"`
	State          State              `json:"state"`
	Document       *response.Document `json:"response,omitempty"`
	History        []*response.Item   `json:"-"`
	Error          string             `json:"error,omitempty"`
}

// Turn is a handle on one running or finished turn. All methods are safe for
// concurrent use.
type Turn struct {
	ID             string
	ConversationID string

	doc    atomic.Pointer[response.Document]
	cancel context.CancelFunc
	done   chan struct{}
	req    Request

	mu    sync.Mutex
	state State
	err   error
}

func newTurn(req Request, cancel context.CancelFunc) *Turn {
	return &Turn{
		ID:             req.TurnID,
		ConversationID: req.ConversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
		req:            req,
		state:          StateIdle,
	}
}

// Document returns the latest folded document, or nil before the first
// snapshot arrives.
func (t *Turn) Document() *response.Document {
	return t.doc.Load()
}

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that failed the turn, if any.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the turn reached a terminal state and its final snapshot
// was handed to the persisters.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Cancel stops reading the producer. The turn ends as incomplete unless it
// already finished.
func (t *Turn) Cancel() {
	t.cancel()
}

// Wait blocks until the turn is done or ctx ends.
func (t *Turn) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

func (t *Turn) Snapshot() Snapshot {
	t.mu.Lock()
	state, err := t.state, t.err
	t.mu.Unlock()
	snap := Snapshot{
		ConversationID: t.ConversationID,
		TurnID:         t.ID,
		State:          state,
		Document:       t.doc.Load(),
		History:        t.req.History,
	}
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

func (t *Turn) setState(s State, err error) {
	t.mu.Lock()
	t.state = s
	if err != nil {
		t.err = err
	}
	t.mu.Unlock()
}

// ErrItemNotFound is returned by HistoryBefore when the item is not part of
// the transcript.
var ErrItemNotFound = errors.New("turn: item not found in transcript")

// HistoryBefore returns a copy of the items preceding the one with id itemID.
// The input slice is left untouched.
func HistoryBefore(items []*response.Item, itemID string) ([]*response.Item, error) {
	for i, it := range items {
		if it != nil && it.ID == itemID {
			out := make([]*response.Item, i)
			copy(out, items[:i])
			return out, nil
		}
	}
	return nil, ErrItemNotFound
}
