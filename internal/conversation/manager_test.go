package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-turns/internal/response"
	"go-turns/internal/storage"
	"go-turns/internal/turn"
)

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func answer(id, text string) *response.Document {
	msg := response.NewAssistantMessage("msg_a", response.StatusCompleted)
	msg.Content = []*response.ContentPart{{Type: response.PartOutputText, Text: text}}
	return &response.Document{
		ID:         id,
		Object:     "response",
		Status:     response.StatusCompleted,
		Model:      "m",
		CreatedAt:  1700000000,
		Output:     []*response.Item{msg},
		OutputText: text,
		Usage:      &response.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
	}
}

func TestCreateAndList(t *testing.T) {
	mgr := NewManager(newStore(t))
	ctx := context.Background()

	a, err := mgr.CreateConversation(ctx, "first")
	require.NoError(t, err)
	b, err := mgr.CreateConversation(ctx, "")
	require.NoError(t, err)
	assert.Regexp(t, `^conv_`, a.ID)

	ids, err := mgr.ListConversationIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids)

	got, err := mgr.GetConversation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.Empty(t, got.Turns)

	_, err = mgr.GetConversation(ctx, "conv_missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPersistRoundTripsDocument(t *testing.T) {
	mgr := NewManager(newStore(t))
	ctx := context.Background()
	c, err := mgr.CreateConversation(ctx, "")
	require.NoError(t, err)

	user := response.NewUserMessage("msg_u", "2+2?")
	_, err = mgr.BeginTurn(ctx, c.ID, "t1", []*response.Item{user})
	require.NoError(t, err)

	doc := answer("resp_t1", "4")
	require.NoError(t, mgr.Persist(ctx, turn.Snapshot{
		ConversationID: c.ID,
		TurnID:         "t1",
		State:          turn.StateCompleted,
		Document:       doc,
	}))

	got, err := mgr.GetResponse(ctx, "resp_t1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	conv, err := mgr.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	rec := conv.Turns[0]
	assert.Equal(t, turn.StateCompleted, rec.State)
	assert.Equal(t, "resp_t1", rec.ResponseID)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "2+2?", rec.History[0].Text())
}

func TestTranscriptAndRetryHistory(t *testing.T) {
	mgr := NewManager(newStore(t))
	ctx := context.Background()
	c, err := mgr.CreateConversation(ctx, "")
	require.NoError(t, err)

	empty, err := mgr.Transcript(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	user := response.NewUserMessage("msg_u", "2+2?")
	_, err = mgr.BeginTurn(ctx, c.ID, "t1", []*response.Item{user})
	require.NoError(t, err)

	pending, err := mgr.Transcript(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, mgr.Persist(ctx, turn.Snapshot{
		ConversationID: c.ID, TurnID: "t1", State: turn.StateCompleted, Document: answer("resp_t1", "4"),
	}))

	transcript, err := mgr.Transcript(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "msg_u", transcript[0].ID)
	assert.Equal(t, "msg_a", transcript[1].ID)

	history, err := mgr.HistoryBefore(ctx, c.ID, "msg_a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "msg_u", history[0].ID)

	_, err = mgr.HistoryBefore(ctx, c.ID, "msg_nope")
	assert.ErrorIs(t, err, turn.ErrItemNotFound)
}

func TestPersistUnknownTurnAppendsRecord(t *testing.T) {
	mgr := NewManager(newStore(t))
	ctx := context.Background()
	c, err := mgr.CreateConversation(ctx, "")
	require.NoError(t, err)

	require.NoError(t, mgr.Persist(ctx, turn.Snapshot{
		ConversationID: c.ID, TurnID: "t9", State: turn.StateFailed, Error: "boom",
	}))
	conv, err := mgr.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "t9", conv.Turns[0].ID)
	assert.Equal(t, turn.StateFailed, conv.Turns[0].State)
	assert.Equal(t, "boom", conv.Turns[0].Error)
	assert.Empty(t, conv.Turns[0].ResponseID)

	assert.Error(t, mgr.Persist(ctx, turn.Snapshot{ConversationID: "conv_missing", TurnID: "t"}))
}
