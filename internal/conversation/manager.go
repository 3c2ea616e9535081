// Package conversation stores conversations, their turns and the documents
// those turns produced.
package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"go-turns/internal/response"
	"go-turns/internal/storage"
	"go-turns/internal/turn"
)

type Conversation struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"`
	Turns     []TurnRecord `json:"turns"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TurnRecord links one turn to its input history and, once persisted, the
// document it produced.
type TurnRecord struct {
	ID         string           `json:"id"`
	State      turn.State       `json:"state"`
	History    []*response.Item `json:"history"`
	ResponseID string           `json:"response_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// LatestTurn returns the last recorded turn.
func (c Conversation) LatestTurn() (TurnRecord, bool) {
	if len(c.Turns) == 0 {
		return TurnRecord{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// Manager is the persistence collaborator of the turn controller.
type Manager struct {
	store storage.Store
	now   func() time.Time

	// mu serializes read-modify-write cycles on conversation records.
	mu sync.Mutex
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Manager) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, fmt.Errorf("new conversation id: %w", err)
	}
	now := m.now()
	c := Conversation{
		ID:        "conv_" + id.String(),
		Title:     strings.TrimSpace(title),
		Turns:     []TurnRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (m *Manager) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return m.load(ctx, conversationID)
}

func (m *Manager) ListConversationIDs(ctx context.Context, limit int) ([]string, error) {
	return m.store.ListConversationIDs(ctx, limit)
}

// BeginTurn records a submitted turn before its producer is opened.
func (m *Manager) BeginTurn(ctx context.Context, conversationID, turnID string, history []*response.Item) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.load(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	now := m.now()
	c.Turns = append(c.Turns, TurnRecord{
		ID:        turnID,
		State:     turn.StateInProgress,
		History:   history,
		StartedAt: now,
		UpdatedAt: now,
	})
	c.UpdatedAt = now
	if err := m.save(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Persist stores the snapshot's document and updates the turn record. It
// implements turn.Persister.
func (m *Manager) Persist(ctx context.Context, snap turn.Snapshot) error {
	if snap.Document != nil {
		raw, err := marshal(snap.Document)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := m.store.SaveResponse(ctx, snap.Document.ID, raw); err != nil {
			return fmt.Errorf("save response: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.load(ctx, snap.ConversationID)
	if err != nil {
		return err
	}
	idx := -1
	for i := range c.Turns {
		if c.Turns[i].ID == snap.TurnID {
			idx = i
			break
		}
	}
	now := m.now()
	if idx < 0 {
		c.Turns = append(c.Turns, TurnRecord{ID: snap.TurnID, History: snap.History, StartedAt: now})
		idx = len(c.Turns) - 1
	}
	rec := &c.Turns[idx]
	rec.State = snap.State
	rec.Error = snap.Error
	rec.UpdatedAt = now
	if snap.Document != nil {
		rec.ResponseID = snap.Document.ID
	}
	c.UpdatedAt = now
	return m.save(ctx, c)
}

func (m *Manager) GetResponse(ctx context.Context, responseID string) (*response.Document, error) {
	raw, err := m.store.LoadResponse(ctx, strings.TrimSpace(responseID))
	if err != nil {
		return nil, err
	}
	var doc response.Document
	if err := unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &doc, nil
}

// Transcript returns the latest turn's history followed by its output items.
func (m *Manager) Transcript(ctx context.Context, conversationID string) ([]*response.Item, error) {
	c, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	last, ok := c.LatestTurn()
	if !ok {
		return []*response.Item{}, nil
	}
	out := append([]*response.Item(nil), last.History...)
	if last.ResponseID == "" {
		return out, nil
	}
	doc, err := m.GetResponse(ctx, last.ResponseID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return append(out, doc.Output...), nil
}

// HistoryBefore returns the transcript prefix preceding itemID, the history a
// retry from that item resubmits.
func (m *Manager) HistoryBefore(ctx context.Context, conversationID, itemID string) ([]*response.Item, error) {
	transcript, err := m.Transcript(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return turn.HistoryBefore(transcript, itemID)
}

func (m *Manager) load(ctx context.Context, conversationID string) (Conversation, error) {
	raw, err := m.store.LoadConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := unmarshal(raw, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (m *Manager) save(ctx context.Context, c Conversation) error {
	raw, err := marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return m.store.SaveConversation(ctx, c.ID, raw)
}

// Records are msgpack-encoded using the json field names.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
