// Package reducer folds canonical response events into documents.
//
// Fold never mutates its input. Every applied event yields a new *Document
// that shares all untouched items and parts with the previous one, so pointer
// equality tells a renderer which items changed. Events that address a missing
// slot, the wrong item kind or a sealed item are ignored and the input
// document is returned as is.
package reducer

import (
	"encoding/json"

	"go-turns/internal/response"
)

// Reducer carries fold options. The zero value clamps out-of-range
// output_item.done indexes to the last item.
type Reducer struct {
	// Strict drops output_item.done events whose index is past the end of
	// the output instead of clamping them.
	Strict bool
}

// Fold applies ev to doc using the default clamping reducer.
func Fold(doc *response.Document, ev response.Event) *response.Document {
	return Reducer{}.Fold(doc, ev)
}

// FoldAll applies events in order.
func FoldAll(doc *response.Document, events ...response.Event) *response.Document {
	r := Reducer{}
	for _, ev := range events {
		doc = r.Fold(doc, ev)
	}
	return doc
}

func (r Reducer) Fold(doc *response.Document, ev response.Event) *response.Document {
	if ev.Type.Snapshot() {
		if ev.Response == nil {
			return doc
		}
		return ev.Response
	}
	if doc == nil {
		return doc
	}

	switch ev.Type {
	case response.EventOutputItemAdded:
		return addItem(doc, ev)
	case response.EventOutputItemDone:
		return r.finishItem(doc, ev)

	case response.EventContentPartAdded:
		return putPart(doc, ev.OutputIndex, contentOf(isMessageOrReasoning), ev.ContentIndex, ev.Part, true)
	case response.EventContentPartDone:
		return putPart(doc, ev.OutputIndex, contentOf(isMessageOrReasoning), ev.ContentIndex, ev.Part, false)

	case response.EventOutputTextDelta:
		return editPart(doc, ev.OutputIndex, contentOf(isAssistantMessage), ev.ContentIndex, response.PartOutputText,
			func(p *response.ContentPart) { p.Text += ev.Delta })
	case response.EventOutputTextDone:
		return editPart(doc, ev.OutputIndex, contentOf(isAssistantMessage), ev.ContentIndex, response.PartOutputText,
			func(p *response.ContentPart) { p.Text = ev.Text })
	case response.EventOutputTextAnnotation:
		if len(ev.Annotation) == 0 {
			return doc
		}
		return editPart(doc, ev.OutputIndex, contentOf(isAssistantMessage), ev.ContentIndex, response.PartOutputText,
			func(p *response.ContentPart) { p.Annotations = putAnnotation(p.Annotations, ev.AnnotationIndex, ev.Annotation) })
	case response.EventRefusalDelta:
		return editPart(doc, ev.OutputIndex, contentOf(isAssistantMessage), ev.ContentIndex, response.PartRefusal,
			func(p *response.ContentPart) { p.Refusal += ev.Delta })

	case response.EventReasoningTextDelta:
		return editPart(doc, ev.OutputIndex, contentOf(isReasoning), ev.ContentIndex, response.PartReasoningText,
			func(p *response.ContentPart) { p.Text += ev.Delta })
	case response.EventReasoningSummaryPartAdded:
		return putPart(doc, ev.OutputIndex, summaryOf, ev.SummaryIndex, ev.Part, true)
	case response.EventReasoningSummaryPartDone:
		return putPart(doc, ev.OutputIndex, summaryOf, ev.SummaryIndex, ev.Part, false)
	case response.EventReasoningSummaryTextDelta:
		return editPart(doc, ev.OutputIndex, summaryOf, ev.SummaryIndex, response.PartSummaryText,
			func(p *response.ContentPart) { p.Text += ev.Delta })
	case response.EventReasoningSummaryTextDone:
		return editPart(doc, ev.OutputIndex, summaryOf, ev.SummaryIndex, response.PartSummaryText,
			func(p *response.ContentPart) { p.Text = ev.Text })

	case response.EventFunctionCallArgumentsDelta:
		return editItem(doc, ev.OutputIndex, response.ItemFunctionCall, func(it *response.Item) { it.Arguments += ev.Delta })
	case response.EventFunctionCallArgumentsDone:
		return editItem(doc, ev.OutputIndex, response.ItemFunctionCall, func(it *response.Item) { it.Arguments = ev.Arguments })
	case response.EventMcpCallArgumentsDelta:
		return editItem(doc, ev.OutputIndex, response.ItemMcpCall, func(it *response.Item) { it.Arguments += ev.Delta })
	case response.EventMcpCallArgumentsDone:
		return editItem(doc, ev.OutputIndex, response.ItemMcpCall, func(it *response.Item) { it.Arguments = ev.Arguments })
	case response.EventCodeInterpreterCodeDelta:
		return editItem(doc, ev.OutputIndex, response.ItemCodeInterpreterCall, func(it *response.Item) { it.Code += ev.Delta })
	case response.EventCodeInterpreterCodeDone:
		return editItem(doc, ev.OutputIndex, response.ItemCodeInterpreterCall, func(it *response.Item) { it.Code = ev.Code })

	case response.EventWebSearchInProgress:
		return setStatus(doc, ev.OutputIndex, response.ItemWebSearchCall, response.StatusInProgress)
	case response.EventWebSearchSearching:
		return setStatus(doc, ev.OutputIndex, response.ItemWebSearchCall, response.StatusSearching)
	case response.EventWebSearchCompleted:
		return setStatus(doc, ev.OutputIndex, response.ItemWebSearchCall, response.StatusCompleted)
	case response.EventImageGenInProgress:
		return setStatus(doc, ev.OutputIndex, response.ItemImageGenerationCall, response.StatusInProgress)
	case response.EventImageGenGenerating:
		return setStatus(doc, ev.OutputIndex, response.ItemImageGenerationCall, response.StatusGenerating)
	case response.EventImageGenCompleted:
		return setStatus(doc, ev.OutputIndex, response.ItemImageGenerationCall, response.StatusCompleted)
	case response.EventImageGenPartialImage:
		return editItem(doc, ev.OutputIndex, response.ItemImageGenerationCall, func(it *response.Item) { it.Result = ev.PartialImage })

	case response.EventFunctionCallOutputCompleted:
		return editItem(doc, ev.OutputIndex, response.ItemFunctionCallOutput, func(it *response.Item) {
			it.Output = ev.Output
			it.Status = response.StatusCompleted
		})
	case response.EventFunctionCallOutputIncomplete:
		return editItem(doc, ev.OutputIndex, response.ItemFunctionCallOutput, func(it *response.Item) {
			if ev.Output != "" {
				it.Output = ev.Output
			}
			it.Status = response.StatusIncomplete
		})

	default:
		return doc
	}
}

func addItem(doc *response.Document, ev response.Event) *response.Document {
	if ev.Item == nil {
		return doc
	}
	n := len(doc.Output)
	if ev.OutputIndex != n {
		// Re-delivery of an item that is already in place, or an index that
		// would move existing items. Neither changes the document.
		return doc
	}
	output := make([]*response.Item, n+1)
	copy(output, doc.Output)
	output[n] = cloneItem(ev.Item)
	return withOutput(doc, output)
}

func (r Reducer) finishItem(doc *response.Document, ev response.Event) *response.Document {
	n := len(doc.Output)
	idx := ev.OutputIndex
	if ev.Item == nil || n == 0 || idx < 0 {
		return doc
	}
	if idx >= n {
		if r.Strict {
			return doc
		}
		// Some upstreams report done one past their last added index.
		idx = n - 1
	}
	item := cloneItem(ev.Item)
	if item.ID == "" && doc.Output[idx] != nil {
		item.ID = doc.Output[idx].ID
	}
	if item.Type == response.ItemReasoning && item.Status == "" {
		item.Status = response.StatusCompleted
	}
	return replaceItem(doc, idx, item)
}

// partsSelector picks the part list an event addresses on an item, reporting
// false when the item is the wrong kind.
type partsSelector func(it *response.Item) (parts []*response.ContentPart, set func(*response.Item, []*response.ContentPart), ok bool)

func contentOf(match func(*response.Item) bool) partsSelector {
	return func(it *response.Item) ([]*response.ContentPart, func(*response.Item, []*response.ContentPart), bool) {
		if !match(it) {
			return nil, nil, false
		}
		return it.Content, func(dst *response.Item, parts []*response.ContentPart) { dst.Content = parts }, true
	}
}

func summaryOf(it *response.Item) ([]*response.ContentPart, func(*response.Item, []*response.ContentPart), bool) {
	if !isReasoning(it) {
		return nil, nil, false
	}
	return it.Summary, func(dst *response.Item, parts []*response.ContentPart) { dst.Summary = parts }, true
}

func isMessageOrReasoning(it *response.Item) bool {
	return it.Type == response.ItemMessage || it.Type == response.ItemReasoning
}

func isAssistantMessage(it *response.Item) bool {
	return it.Type == response.ItemMessage && it.Role == response.RoleAssistant
}

func isReasoning(it *response.Item) bool {
	return it.Type == response.ItemReasoning
}

// putPart appends (index == len, only when allowAppend) or replaces
// (index < len) a part on an open item.
func putPart(doc *response.Document, outputIndex int, sel partsSelector, index int, part *response.ContentPart, allowAppend bool) *response.Document {
	if part == nil || index < 0 {
		return doc
	}
	it := openItem(doc, outputIndex)
	if it == nil {
		return doc
	}
	parts, set, ok := sel(it)
	if !ok {
		return doc
	}
	var next []*response.ContentPart
	switch {
	case index < len(parts):
		next = replacePart(parts, index, clonePart(part))
	case index == len(parts) && allowAppend:
		next = make([]*response.ContentPart, len(parts)+1)
		copy(next, parts)
		next[index] = clonePart(part)
	default:
		return doc
	}
	cp := *it
	set(&cp, next)
	return replaceItem(doc, outputIndex, &cp)
}

// editPart applies fn to a copy of an existing part of the wanted type.
func editPart(doc *response.Document, outputIndex int, sel partsSelector, index int, want response.PartType, fn func(*response.ContentPart)) *response.Document {
	it := openItem(doc, outputIndex)
	if it == nil {
		return doc
	}
	parts, set, ok := sel(it)
	if !ok || index < 0 || index >= len(parts) {
		return doc
	}
	p := parts[index]
	if p == nil || p.Type != want {
		return doc
	}
	np := *p
	fn(&np)
	cp := *it
	set(&cp, replacePart(parts, index, &np))
	return replaceItem(doc, outputIndex, &cp)
}

func editItem(doc *response.Document, outputIndex int, want response.ItemType, fn func(*response.Item)) *response.Document {
	it := openItem(doc, outputIndex)
	if it == nil || it.Type != want {
		return doc
	}
	cp := *it
	fn(&cp)
	return replaceItem(doc, outputIndex, &cp)
}

func setStatus(doc *response.Document, outputIndex int, want response.ItemType, status response.Status) *response.Document {
	it := openItem(doc, outputIndex)
	if it == nil || it.Type != want || it.Status == status {
		return doc
	}
	cp := *it
	cp.Status = status
	return replaceItem(doc, outputIndex, &cp)
}

// openItem returns the item at index when it exists and is not sealed.
func openItem(doc *response.Document, index int) *response.Item {
	if index < 0 || index >= len(doc.Output) {
		return nil
	}
	it := doc.Output[index]
	if it == nil || it.Status.Sealed() {
		return nil
	}
	return it
}

func replaceItem(doc *response.Document, index int, item *response.Item) *response.Document {
	output := make([]*response.Item, len(doc.Output))
	copy(output, doc.Output)
	output[index] = item
	return withOutput(doc, output)
}

func withOutput(doc *response.Document, output []*response.Item) *response.Document {
	next := *doc
	next.Output = output
	return &next
}

func replacePart(parts []*response.ContentPart, index int, part *response.ContentPart) []*response.ContentPart {
	next := make([]*response.ContentPart, len(parts))
	copy(next, parts)
	next[index] = part
	return next
}

func putAnnotation(in []json.RawMessage, index int, a json.RawMessage) []json.RawMessage {
	switch {
	case index >= 0 && index < len(in):
		next := make([]json.RawMessage, len(in))
		copy(next, in)
		next[index] = a
		return next
	default:
		next := make([]json.RawMessage, len(in), len(in)+1)
		copy(next, in)
		return append(next, a)
	}
}

// cloneItem detaches an incoming item from the event that carried it.
func cloneItem(it *response.Item) *response.Item {
	cp := *it
	if it.Content != nil {
		cp.Content = clonePartList(it.Content)
	}
	if it.Summary != nil {
		cp.Summary = clonePartList(it.Summary)
	}
	return &cp
}

func clonePartList(parts []*response.ContentPart) []*response.ContentPart {
	out := make([]*response.ContentPart, len(parts))
	for i, p := range parts {
		if p != nil {
			out[i] = clonePart(p)
		}
	}
	return out
}

func clonePart(p *response.ContentPart) *response.ContentPart {
	cp := *p
	if p.Annotations != nil {
		cp.Annotations = append([]json.RawMessage(nil), p.Annotations...)
	}
	return &cp
}
