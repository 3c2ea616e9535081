// Package adapter turns a delta-only upstream into canonical response events.
package adapter

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-turns/internal/llm"
	"go-turns/internal/response"
)

// ErrNoResponse is returned when the upstream ends without a single content
// tick.
var ErrNoResponse = errors.New("no response received")

type Options struct {
	Model      string
	ResponseID string
	ItemID     string
	Now        func() time.Time
}

// Stream synthesizes item and part lifecycle events around the content ticks of
// an llm.Stream. Reasoning ticks are ignored. It implements
// response.EventStream.
type Stream struct {
	src  llm.Stream
	opts Options

	seq     int
	created int64
	started bool
	ended   bool
	text    strings.Builder
	pending []response.Event
	err     error
}

func New(src llm.Stream, opts Options) *Stream {
	if opts.ResponseID == "" {
		opts.ResponseID = "resp_" + uuid.NewString()
	}
	if opts.ItemID == "" {
		opts.ItemID = "msg_" + strings.TrimPrefix(opts.ResponseID, "resp_")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{src: src, opts: opts}
}

func (s *Stream) Recv() (response.Event, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return response.Event{}, s.err
		}
		if s.ended {
			return response.Event{}, io.EOF
		}
		s.pull()
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *Stream) Close() error {
	s.ended = true
	s.pending = nil
	return s.src.Close()
}

// pull reads one tick from the upstream and queues the events it implies.
func (s *Stream) pull() {
	tick, err := s.src.Recv()
	switch {
	case errors.Is(err, io.EOF):
		s.finish()
		return
	case err != nil:
		s.err = fmt.Errorf("read delta stream: %w", err)
		return
	}
	if tick == nil || tick.Type != llm.TickContent || tick.Text == "" {
		return
	}
	if !s.started {
		s.start()
	}
	s.text.WriteString(tick.Text)
	s.emit(response.Event{
		Type:         response.EventOutputTextDelta,
		ItemID:       s.opts.ItemID,
		OutputIndex:  0,
		ContentIndex: 0,
		Delta:        tick.Text,
	})
}

func (s *Stream) start() {
	s.started = true
	s.emitCreated()
	s.emit(response.Event{
		Type:        response.EventOutputItemAdded,
		ItemID:      s.opts.ItemID,
		OutputIndex: 0,
		Item:        response.NewAssistantMessage(s.opts.ItemID, response.StatusInProgress),
	})
	s.emit(response.Event{
		Type:         response.EventContentPartAdded,
		ItemID:       s.opts.ItemID,
		OutputIndex:  0,
		ContentIndex: 0,
		Part:         &response.ContentPart{Type: response.PartOutputText, Text: ""},
	})
}

func (s *Stream) finish() {
	s.ended = true
	if !s.started {
		s.emitCreated()
		doc := s.document(response.StatusFailed, nil)
		doc.Error = &response.Error{Code: "no_response", Message: ErrNoResponse.Error()}
		s.emit(response.Event{Type: response.EventCompleted, Response: doc})
		s.err = ErrNoResponse
		return
	}

	text := s.text.String()
	part := &response.ContentPart{Type: response.PartOutputText, Text: text}
	s.emit(response.Event{
		Type:         response.EventContentPartDone,
		ItemID:       s.opts.ItemID,
		OutputIndex:  0,
		ContentIndex: 0,
		Part:         part,
	})
	s.emit(response.Event{
		Type:        response.EventOutputItemDone,
		ItemID:      s.opts.ItemID,
		OutputIndex: 0,
		Item:        s.message(text),
	})
	doc := s.document(response.StatusCompleted, []*response.Item{s.message(text)})
	doc.OutputText = text
	s.emit(response.Event{Type: response.EventCompleted, Response: doc})
}

func (s *Stream) emitCreated() {
	s.created = s.opts.Now().Unix()
	s.emit(response.Event{
		Type:     response.EventCreated,
		Response: s.document(response.StatusInProgress, nil),
	})
}

func (s *Stream) message(text string) *response.Item {
	it := response.NewAssistantMessage(s.opts.ItemID, response.StatusCompleted)
	it.Content = []*response.ContentPart{{Type: response.PartOutputText, Text: text}}
	return it
}

func (s *Stream) document(status response.Status, output []*response.Item) *response.Document {
	if output == nil {
		output = []*response.Item{}
	}
	return &response.Document{
		ID:        s.opts.ResponseID,
		Object:    "response",
		Status:    status,
		Model:     s.opts.Model,
		CreatedAt: s.created,
		Output:    output,
	}
}

func (s *Stream) emit(ev response.Event) {
	ev.SequenceNumber = s.seq
	s.seq++
	s.pending = append(s.pending, ev)
}
