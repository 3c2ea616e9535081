// Package relay re-encodes a two-channel delta upstream (answer text plus
// reasoning text) as canonical events framed over text/event-stream, and reads
// such a stream back on the remote side.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go-turns/internal/llm"
	"go-turns/internal/response"
	"go-turns/internal/sse"
)

// Encoder writes canonical events for a sequence of ticks. At most one
// synthetic item is open at a time. The stream has no terminal
// response.completed: the receiver sees EOF after the last item event.
type Encoder struct {
	w      *sse.Writer
	turnID string
	model  string
	now    func() time.Time

	seq     int
	started bool
	open    string
	index   int
	text    strings.Builder
}

func NewEncoder(w io.Writer, turnID, model string) *Encoder {
	return &Encoder{w: sse.NewWriter(w), turnID: turnID, model: model, now: time.Now, index: -1}
}

func (e *Encoder) ResponseID() string  { return "resp_" + e.turnID }
func (e *Encoder) reasoningID() string { return "rs_" + e.turnID }
func (e *Encoder) messageID() string   { return "msg_" + e.turnID }

// Write encodes one tick. Empty ticks are skipped.
func (e *Encoder) Write(tick llm.StreamEvent) error {
	if tick.Text == "" {
		return nil
	}
	if tick.Type != llm.TickReasoning && tick.Type != llm.TickContent {
		return nil
	}
	if !e.started {
		e.started = true
		doc := &response.Document{
			ID:        e.ResponseID(),
			Object:    "response",
			Status:    response.StatusInProgress,
			Model:     e.model,
			CreatedAt: e.now().Unix(),
			Output:    []*response.Item{},
		}
		if err := e.emit(response.Event{Type: response.EventCreated, Response: doc}); err != nil {
			return err
		}
	}
	if e.open != tick.Type {
		if err := e.closeItem(); err != nil {
			return err
		}
		if err := e.openItem(tick.Type); err != nil {
			return err
		}
	}
	e.text.WriteString(tick.Text)
	if tick.Type == llm.TickReasoning {
		return e.emit(response.Event{
			Type:         response.EventReasoningSummaryTextDelta,
			ItemID:       e.reasoningID(),
			OutputIndex:  e.index,
			SummaryIndex: 0,
			Delta:        tick.Text,
		})
	}
	return e.emit(response.Event{
		Type:         response.EventOutputTextDelta,
		ItemID:       e.messageID(),
		OutputIndex:  e.index,
		ContentIndex: 0,
		Delta:        tick.Text,
	})
}

// Close flushes buffered frames. It leaves the open item open.
func (e *Encoder) Close() error {
	return e.w.Flush()
}

// Fail writes an error frame the remote reader turns into a provider error.
func (e *Encoder) Fail(code, message string) error {
	data, err := json.Marshal(map[string]string{"type": "error", "code": code, "message": message})
	if err != nil {
		return err
	}
	if err := e.w.WriteRecord("error", data); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) openItem(channel string) error {
	e.open = channel
	e.index++
	e.text.Reset()
	if channel == llm.TickReasoning {
		item := &response.Item{
			ID:      e.reasoningID(),
			Type:    response.ItemReasoning,
			Status:  response.StatusInProgress,
			Summary: []*response.ContentPart{},
		}
		if err := e.emit(response.Event{Type: response.EventOutputItemAdded, ItemID: item.ID, OutputIndex: e.index, Item: item}); err != nil {
			return err
		}
		return e.emit(response.Event{
			Type:         response.EventReasoningSummaryPartAdded,
			ItemID:       item.ID,
			OutputIndex:  e.index,
			SummaryIndex: 0,
			Part:         &response.ContentPart{Type: response.PartSummaryText},
		})
	}
	item := response.NewAssistantMessage(e.messageID(), response.StatusInProgress)
	if err := e.emit(response.Event{Type: response.EventOutputItemAdded, ItemID: item.ID, OutputIndex: e.index, Item: item}); err != nil {
		return err
	}
	return e.emit(response.Event{
		Type:         response.EventContentPartAdded,
		ItemID:       item.ID,
		OutputIndex:  e.index,
		ContentIndex: 0,
		Part:         &response.ContentPart{Type: response.PartOutputText},
	})
}

func (e *Encoder) closeItem() error {
	if e.open == "" {
		return nil
	}
	var item *response.Item
	text := e.text.String()
	if e.open == llm.TickReasoning {
		item = &response.Item{
			ID:      e.reasoningID(),
			Type:    response.ItemReasoning,
			Status:  response.StatusCompleted,
			Summary: []*response.ContentPart{{Type: response.PartSummaryText, Text: text}},
		}
	} else {
		item = response.NewAssistantMessage(e.messageID(), response.StatusCompleted)
		item.Content = []*response.ContentPart{{Type: response.PartOutputText, Text: text}}
	}
	e.open = ""
	return e.emit(response.Event{Type: response.EventOutputItemDone, ItemID: item.ID, OutputIndex: e.index, Item: item})
}

func (e *Encoder) emit(ev response.Event) error {
	ev.SequenceNumber = e.seq
	e.seq++
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	if err := e.w.WriteRecord(string(ev.Type), data); err != nil {
		return err
	}
	return e.w.Flush()
}

// Relay copies every tick of src through an encoder writing to w until src
// ends or ctx is cancelled. Upstream failures are reported to the remote side
// with an error frame before being returned.
func Relay(ctx context.Context, w io.Writer, src llm.Stream, turnID, model string) error {
	enc := NewEncoder(w, turnID, model)
	defer enc.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tick, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			code, message := "upstream_error", err.Error()
			var pe *llm.ProviderError
			if errors.As(err, &pe) {
				message = pe.Message
				if pe.Code != "" {
					code = pe.Code
				}
			}
			_ = enc.Fail(code, message)
			return err
		}
		if tick == nil {
			continue
		}
		if err := enc.Write(*tick); err != nil {
			return fmt.Errorf("write relay frame: %w", err)
		}
	}
}
