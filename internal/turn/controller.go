package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-turns/internal/llm"
	"go-turns/internal/reducer"
	"go-turns/internal/response"
)

// Metrics observes turn progress. Implementations must be safe for concurrent
// use.
type Metrics interface {
	TurnStarted()
	TurnFinished(state State)
	EventFolded(changed bool)
}

type Options struct {
	Producer   Producer
	Renderer   Renderer
	Persisters []Persister
	Tools      ToolExecutor
	Metrics    Metrics
	Logger     *zap.Logger
	Reducer    reducer.Reducer

	// PersistInterval debounces in-progress snapshots. Zero persists only
	// terminal snapshots.
	PersistInterval time.Duration
	// PersistTimeout bounds one delivery to one persister.
	PersistTimeout time.Duration
	// TurnTimeout bounds a whole turn; zero means no limit.
	TurnTimeout time.Duration
	// SealOnCancel marks items left open by a cancelled turn as incomplete.
	SealOnCancel bool

	Now func() time.Time
}

// Controller runs turns, at most one in progress per conversation.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*Turn
	wg     sync.WaitGroup
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts, logger: opts.Logger, active: make(map[string]*Turn)}
}

// Start begins a turn and returns immediately. An active turn of the same
// conversation is cancelled first, and the new turn opens its producer only
// after that one is done. ctx bounds the lifetime of the turn.
func (c *Controller) Start(ctx context.Context, req Request) (*Turn, error) {
	if c.opts.Producer == nil {
		return nil, errors.New("turn: no producer configured")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.New("turn: conversation id is required")
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if c.opts.TurnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, c.opts.TurnTimeout)
		base := cancel
		cancel = func() { cancelTimeout(); base() }
	}
	t := newTurn(req, cancel)

	c.mu.Lock()
	prev := c.active[req.ConversationID]
	c.active[req.ConversationID] = t
	c.mu.Unlock()

	if prev != nil {
		c.logger.Info("cancelling active turn",
			zap.String("conversation_id", req.ConversationID),
			zap.String("turn_id", prev.ID),
			zap.String("next_turn_id", t.ID),
		)
		prev.Cancel()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if prev != nil {
			<-prev.Done()
		}
		c.run(runCtx, t)
	}()
	return t, nil
}

// Retry starts a fresh turn whose history is transcript truncated before
// itemID. transcript is not modified.
func (c *Controller) Retry(ctx context.Context, req Request, transcript []*response.Item, itemID string) (*Turn, error) {
	history, err := HistoryBefore(transcript, itemID)
	if err != nil {
		return nil, err
	}
	req.History = history
	req.TurnID = ""
	return c.Start(ctx, req)
}

// Active returns the in-progress turn of a conversation.
func (c *Controller) Active(conversationID string) (*Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[conversationID]
	return t, ok
}

// Shutdown cancels every active turn and waits for them to finish.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, t := range c.active {
		t.Cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type turnRun struct {
	c      *Controller
	t      *Turn
	logger *zap.Logger
	queue  *persistQueue

	calls       []*response.Item
	queued      map[string]bool
	lastPersist time.Time
}

func (c *Controller) run(ctx context.Context, t *Turn) {
	r := &turnRun{
		c:      c,
		t:      t,
		logger: c.logger.With(zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.ID)),
	}
	r.queue = newPersistQueue(c.opts.Persisters, c.opts.PersistTimeout, r.logger)

	defer func() {
		c.mu.Lock()
		if c.active[t.ConversationID] == t {
			delete(c.active, t.ConversationID)
		}
		c.mu.Unlock()
		t.cancel()
		close(t.done)
	}()

	t.setState(StateInProgress, nil)
	c.opts.Metrics.TurnStarted()
	started := c.opts.Now()

	state, err := r.read(ctx)
	if state == StateCompleted {
		r.runTools(ctx)
	}

	switch state {
	case StateFailed:
		r.fail(err)
		r.logger.Warn("turn failed", zap.Error(err), zap.Duration("elapsed", c.opts.Now().Sub(started)))
	case StateIncomplete:
		if c.opts.SealOnCancel && ctx.Err() != nil {
			r.sealOpenItems()
		}
		r.logger.Info("turn incomplete", zap.NamedError("reason", err), zap.Duration("elapsed", c.opts.Now().Sub(started)))
	default:
		r.logger.Info("turn completed", zap.Duration("elapsed", c.opts.Now().Sub(started)))
	}

	if state == StateFailed {
		t.setState(state, err)
	} else {
		t.setState(state, nil)
	}
	c.opts.Metrics.TurnFinished(state)
	r.queue.offer(t.Snapshot())
	r.queue.close()
}

// read folds producer events until a terminal snapshot, an error, EOF or
// cancellation, and reports the state the turn ends in.
func (r *turnRun) read(ctx context.Context) (State, error) {
	stream, err := r.c.opts.Producer.Open(ctx, r.t.req)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return StateFailed, fmt.Errorf("open producer: %w", err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		if errors.Is(err, io.EOF) {
			return StateIncomplete, errors.New("stream ended without a terminal event")
		}
		if err != nil {
			return StateFailed, err
		}
		r.fold(ev)
		if ev.Type.Snapshot() && ev.Response != nil {
			if state, err := terminalState(ev); state != "" {
				return state, err
			}
		}
	}
}

// interrupted maps a done ctx to the end state: a deadline fails the turn,
// a cancellation leaves it incomplete.
func interrupted(ctx context.Context) (State, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StateFailed, fmt.Errorf("turn timed out: %w", ctx.Err())
	}
	return StateIncomplete, ctx.Err()
}

func terminalState(ev response.Event) (State, error) {
	doc := ev.Response
	switch {
	case ev.Type == response.EventFailed || doc.Status == response.StatusFailed || (ev.Type == response.EventCompleted && doc.Error != nil):
		msg := "response failed"
		if doc.Error != nil && doc.Error.Message != "" {
			msg = doc.Error.Message
		}
		code := ""
		if doc.Error != nil {
			code = doc.Error.Code
		}
		return StateFailed, &llm.ProviderError{Code: code, Message: msg}
	case ev.Type == response.EventIncomplete:
		return StateIncomplete, errors.New("upstream reported incomplete response")
	case ev.Type == response.EventCompleted:
		return StateCompleted, nil
	default:
		return "", nil
	}
}

func (r *turnRun) fold(ev response.Event) {
	prev := r.t.doc.Load()
	next := r.c.opts.Reducer.Fold(prev, ev)
	changed := next != prev
	r.c.opts.Metrics.EventFolded(changed)
	if !changed {
		return
	}
	r.publish(next)

	if ev.Type == response.EventOutputItemDone && len(next.Output) > 0 {
		idx := min(ev.OutputIndex, len(next.Output)-1)
		if it := next.Output[idx]; it != nil && it.Type == response.ItemFunctionCall {
			r.queueCall(prev, idx, it)
		}
	}
}

// queueCall records a function call the first time it is sealed. Calls are
// keyed by call id; a call without ids is skipped when its slot was already
// sealed before this event.
func (r *turnRun) queueCall(prev *response.Document, idx int, it *response.Item) {
	key := it.CallID
	if key == "" {
		key = it.ID
	}
	if key == "" {
		if prev != nil && idx < len(prev.Output) {
			if old := prev.Output[idx]; old != nil && old.Type == response.ItemFunctionCall && old.Status.Sealed() {
				return
			}
		}
		r.calls = append(r.calls, it)
		return
	}
	if r.queued == nil {
		r.queued = make(map[string]bool)
	}
	if r.queued[key] {
		return
	}
	r.queued[key] = true
	r.calls = append(r.calls, it)
}

// publish stores doc as the live document and notifies collaborators.
func (r *turnRun) publish(doc *response.Document) {
	r.t.doc.Store(doc)
	if r.c.opts.Renderer != nil {
		r.c.opts.Renderer.Render(r.t.ConversationID, doc)
	}
	if interval := r.c.opts.PersistInterval; interval > 0 {
		now := r.c.opts.Now()
		if now.Sub(r.lastPersist) >= interval {
			r.lastPersist = now
			r.queue.offer(r.t.Snapshot())
		}
	}
}

// fail appends a visible refusal carrying err and marks the document failed.
func (r *turnRun) fail(err error) {
	msg, code := "turn failed", "stream_error"
	if err != nil {
		msg = err.Error()
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		msg = pe.Message
		code = pe.Code
		if code == "" {
			code = "provider_error"
		}
	}

	doc := r.t.doc.Load()
	if doc == nil {
		doc = &response.Document{
			ID:        "resp_" + r.t.ID,
			Object:    "response",
			Model:     r.t.req.Model,
			CreatedAt: r.c.opts.Now().Unix(),
			Output:    []*response.Item{},
		}
	}
	refusal := response.NewAssistantMessage("msg_err_"+r.t.ID, response.StatusIncomplete)
	refusal.Content = []*response.ContentPart{{Type: response.PartRefusal, Refusal: msg}}
	doc = r.c.opts.Reducer.Fold(doc, response.Event{
		Type:        response.EventOutputItemAdded,
		OutputIndex: len(doc.Output),
		Item:        refusal,
	})

	failed := *doc
	failed.Status = response.StatusFailed
	if failed.Error == nil {
		failed.Error = &response.Error{Code: code, Message: msg}
	}
	r.publish(&failed)
}

func (r *turnRun) sealOpenItems() {
	doc := r.t.doc.Load()
	if doc == nil {
		return
	}
	next := doc
	for i, it := range doc.Output {
		if it == nil || it.Status.Sealed() {
			continue
		}
		sealed := *it
		sealed.Status = response.StatusIncomplete
		next = r.c.opts.Reducer.Fold(next, response.Event{Type: response.EventOutputItemDone, OutputIndex: i, Item: &sealed})
	}
	if next != doc {
		r.publish(next)
	}
}

// runTools executes the function calls sealed during the turn and folds
// their outputs back as function_call_output items.
func (r *turnRun) runTools(ctx context.Context) {
	if r.c.opts.Tools == nil || len(r.calls) == 0 {
		return
	}
	for _, call := range r.calls {
		doc := r.t.doc.Load()
		index := len(doc.Output)
		out := &response.Item{
			ID:     "fco_" + uuid.NewString(),
			Type:   response.ItemFunctionCallOutput,
			CallID: call.CallID,
			Status: response.StatusInProgress,
		}
		r.fold(response.Event{Type: response.EventOutputItemAdded, OutputIndex: index, Item: out})

		result, err := r.c.opts.Tools.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			r.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.String("call_id", call.CallID), zap.Error(err))
			r.fold(response.Event{Type: response.EventFunctionCallOutputIncomplete, OutputIndex: index, Output: err.Error()})
			continue
		}
		r.logger.Debug("tool call finished", zap.String("tool", call.Name), zap.String("call_id", call.CallID), zap.Int("bytes", len(result)))
		r.fold(response.Event{Type: response.EventFunctionCallOutputCompleted, OutputIndex: index, Output: result})
	}
}

type nopMetrics struct{}

func (nopMetrics) TurnStarted()       {}
func (nopMetrics) TurnFinished(State) {}
func (nopMetrics) EventFolded(bool)   {}
