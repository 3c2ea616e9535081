package response

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	EventCreated    EventType = "response.created"
	EventInProgress EventType = "response.in_progress"
	EventCompleted  EventType = "response.completed"
	EventFailed     EventType = "response.failed"
	EventIncomplete EventType = "response.incomplete"

	EventOutputItemAdded EventType = "response.output_item.added"
	EventOutputItemDone  EventType = "response.output_item.done"

	EventContentPartAdded EventType = "response.content_part.added"
	EventContentPartDone  EventType = "response.content_part.done"

	EventOutputTextDelta      EventType = "response.output_text.delta"
	EventOutputTextDone       EventType = "response.output_text.done"
	EventOutputTextAnnotation EventType = "response.output_text.annotation.added"
	EventRefusalDelta         EventType = "response.refusal.delta"

	EventReasoningTextDelta        EventType = "response.reasoning_text.delta"
	EventReasoningSummaryPartAdded EventType = "response.reasoning_summary_part.added"
	EventReasoningSummaryPartDone  EventType = "response.reasoning_summary_part.done"
	EventReasoningSummaryTextDelta EventType = "response.reasoning_summary_text.delta"
	EventReasoningSummaryTextDone  EventType = "response.reasoning_summary_text.done"

	EventFunctionCallArgumentsDelta EventType = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone  EventType = "response.function_call_arguments.done"
	EventMcpCallArgumentsDelta      EventType = "response.mcp_call_arguments.delta"
	EventMcpCallArgumentsDone       EventType = "response.mcp_call_arguments.done"
	EventCodeInterpreterCodeDelta   EventType = "response.code_interpreter_call_code.delta"
	EventCodeInterpreterCodeDone    EventType = "response.code_interpreter_call_code.done"

	EventWebSearchInProgress EventType = "response.web_search_call.in_progress"
	EventWebSearchSearching  EventType = "response.web_search_call.searching"
	EventWebSearchCompleted  EventType = "response.web_search_call.completed"

	EventImageGenInProgress   EventType = "response.image_generation_call.in_progress"
	EventImageGenGenerating   EventType = "response.image_generation_call.generating"
	EventImageGenCompleted    EventType = "response.image_generation_call.completed"
	EventImageGenPartialImage EventType = "response.image_generation_call.partial_image"

	// Local-only events used by callers that run a tool themselves and need to
	// seal the function_call_output item they added. Upstreams never send them.
	EventFunctionCallOutputCompleted  EventType = "response.function_call_output.completed"
	EventFunctionCallOutputIncomplete EventType = "response.function_call_output.incomplete"
)

var (
	ErrUnknownEvent   = errors.New("response: unknown event type")
	ErrMalformedEvent = errors.New("response: malformed event")
)

// Event is one canonical stream event. Which fields are meaningful depends on
// Type; see fieldsOf.
type Event struct {
	Type           EventType
	SequenceNumber int
	ItemID         string

	Response *Document

	OutputIndex     int
	ContentIndex    int
	SummaryIndex    int
	AnnotationIndex int

	Item       *Item
	Part       *ContentPart
	Annotation json.RawMessage

	Delta        string
	Text         string
	Arguments    string
	Code         string
	Output       string
	PartialImage string
}

type field uint32

const (
	fResponse field = 1 << iota
	fOutputIndex
	fContentIndex
	fSummaryIndex
	fAnnotationIndex
	fItem
	fPart
	fAnnotation
	fDelta
	fText
	fArguments
	fCode
	fOutput
	fPartialImage
)

const (
	setSnapshot    = fResponse
	setItem        = fOutputIndex | fItem
	setPart        = fOutputIndex | fContentIndex | fPart
	setSummaryPart = fOutputIndex | fSummaryIndex | fPart
	setTextDelta   = fOutputIndex | fContentIndex | fDelta
	setSummaryText = fOutputIndex | fSummaryIndex | fDelta
	setItemDelta   = fOutputIndex | fDelta
	setItemStatus  = fOutputIndex
)

// eventFields lists the required fields of every known event type. Marshalling
// writes exactly these fields; DecodeEvent requires all of them to be present.
var eventFields = map[EventType]field{
	EventCreated:    setSnapshot,
	EventInProgress: setSnapshot,
	EventCompleted:  setSnapshot,
	EventFailed:     setSnapshot,
	EventIncomplete: setSnapshot,

	EventOutputItemAdded: setItem,
	EventOutputItemDone:  setItem,

	EventContentPartAdded: setPart,
	EventContentPartDone:  setPart,

	EventOutputTextDelta:      setTextDelta,
	EventOutputTextDone:       fOutputIndex | fContentIndex | fText,
	EventOutputTextAnnotation: fOutputIndex | fContentIndex | fAnnotationIndex | fAnnotation,
	EventRefusalDelta:         setTextDelta,

	EventReasoningTextDelta:        setTextDelta,
	EventReasoningSummaryPartAdded: setSummaryPart,
	EventReasoningSummaryPartDone:  setSummaryPart,
	EventReasoningSummaryTextDelta: setSummaryText,
	EventReasoningSummaryTextDone:  fOutputIndex | fSummaryIndex | fText,

	EventFunctionCallArgumentsDelta: setItemDelta,
	EventFunctionCallArgumentsDone:  fOutputIndex | fArguments,
	EventMcpCallArgumentsDelta:      setItemDelta,
	EventMcpCallArgumentsDone:       fOutputIndex | fArguments,
	EventCodeInterpreterCodeDelta:   setItemDelta,
	EventCodeInterpreterCodeDone:    fOutputIndex | fCode,

	EventWebSearchInProgress: setItemStatus,
	EventWebSearchSearching:  setItemStatus,
	EventWebSearchCompleted:  setItemStatus,

	EventImageGenInProgress:   setItemStatus,
	EventImageGenGenerating:   setItemStatus,
	EventImageGenCompleted:    setItemStatus,
	EventImageGenPartialImage: fOutputIndex | fPartialImage,

	EventFunctionCallOutputCompleted:  fOutputIndex | fOutput,
	EventFunctionCallOutputIncomplete: setItemStatus,
}

// Known reports whether t belongs to the canonical vocabulary.
func (t EventType) Known() bool {
	_, ok := eventFields[t]
	return ok
}

// Snapshot reports whether events of this type carry a full document.
func (t EventType) Snapshot() bool {
	return eventFields[t] == setSnapshot
}

// wireEvent uses pointers so decoding can tell absent fields from zero values.
type wireEvent struct {
	Type            EventType       `json:"type"`
	SequenceNumber  int             `json:"sequence_number"`
	ItemID          string          `json:"item_id,omitempty"`
	Response        *Document       `json:"response,omitempty"`
	OutputIndex     *int            `json:"output_index,omitempty"`
	ContentIndex    *int            `json:"content_index,omitempty"`
	SummaryIndex    *int            `json:"summary_index,omitempty"`
	AnnotationIndex *int            `json:"annotation_index,omitempty"`
	Item            *Item           `json:"item,omitempty"`
	Part            *ContentPart    `json:"part,omitempty"`
	Annotation      json.RawMessage `json:"annotation,omitempty"`
	Delta           *string         `json:"delta,omitempty"`
	Text            *string         `json:"text,omitempty"`
	Arguments       *string         `json:"arguments,omitempty"`
	Code            *string         `json:"code,omitempty"`
	Output          *string         `json:"output,omitempty"`
	PartialImage    *string         `json:"partial_image_b64,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	fs, ok := eventFields[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	w := wireEvent{
		Type:           e.Type,
		SequenceNumber: e.SequenceNumber,
		ItemID:         e.ItemID,
	}
	if fs&fResponse != 0 {
		w.Response = e.Response
	}
	if fs&fOutputIndex != 0 {
		w.OutputIndex = &e.OutputIndex
	}
	if fs&fContentIndex != 0 {
		w.ContentIndex = &e.ContentIndex
	}
	if fs&fSummaryIndex != 0 {
		w.SummaryIndex = &e.SummaryIndex
	}
	if fs&fAnnotationIndex != 0 {
		w.AnnotationIndex = &e.AnnotationIndex
	}
	if fs&fItem != 0 {
		w.Item = e.Item
	}
	if fs&fPart != 0 {
		w.Part = e.Part
	}
	if fs&fAnnotation != 0 {
		w.Annotation = e.Annotation
	}
	if fs&fDelta != 0 {
		w.Delta = &e.Delta
	}
	if fs&fText != 0 {
		w.Text = &e.Text
	}
	if fs&fArguments != 0 {
		w.Arguments = &e.Arguments
	}
	if fs&fCode != 0 {
		w.Code = &e.Code
	}
	if fs&fOutput != 0 {
		w.Output = &e.Output
	}
	if fs&fPartialImage != 0 {
		w.PartialImage = &e.PartialImage
	}
	return json.Marshal(w)
}

// UnmarshalJSON is lenient: it fills whatever is present. Use DecodeEvent to
// also validate the type and its required fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = w.event()
	return nil
}

// DecodeEvent parses one JSON-encoded event and checks that its type is known
// and that every field the type requires is present.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	fs, ok := eventFields[w.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
	if missing := w.missing(fs); missing != "" {
		return Event{}, fmt.Errorf("%w: %s requires %s", ErrMalformedEvent, w.Type, missing)
	}
	return w.event(), nil
}

func (w wireEvent) missing(fs field) string {
	checks := []struct {
		f       field
		name    string
		present bool
	}{
		{fResponse, "response", w.Response != nil},
		{fOutputIndex, "output_index", w.OutputIndex != nil},
		{fContentIndex, "content_index", w.ContentIndex != nil},
		{fSummaryIndex, "summary_index", w.SummaryIndex != nil},
		{fAnnotationIndex, "annotation_index", w.AnnotationIndex != nil},
		{fItem, "item", w.Item != nil},
		{fPart, "part", w.Part != nil},
		{fAnnotation, "annotation", len(w.Annotation) > 0},
		{fDelta, "delta", w.Delta != nil},
		{fText, "text", w.Text != nil},
		{fArguments, "arguments", w.Arguments != nil},
		{fCode, "code", w.Code != nil},
		{fOutput, "output", w.Output != nil},
		{fPartialImage, "partial_image_b64", w.PartialImage != nil},
	}
	for _, c := range checks {
		if fs&c.f != 0 && !c.present {
			return c.name
		}
	}
	return ""
}

func (w wireEvent) event() Event {
	return Event{
		Type:            w.Type,
		SequenceNumber:  w.SequenceNumber,
		ItemID:          w.ItemID,
		Response:        w.Response,
		OutputIndex:     derefInt(w.OutputIndex),
		ContentIndex:    derefInt(w.ContentIndex),
		SummaryIndex:    derefInt(w.SummaryIndex),
		AnnotationIndex: derefInt(w.AnnotationIndex),
		Item:            w.Item,
		Part:            w.Part,
		Annotation:      w.Annotation,
		Delta:           derefString(w.Delta),
		Text:            derefString(w.Text),
		Arguments:       derefString(w.Arguments),
		Code:            derefString(w.Code),
		Output:          derefString(w.Output),
		PartialImage:    derefString(w.PartialImage),
	}
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
