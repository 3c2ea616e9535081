package main

import (
	"fmt"
	"io"
	"sync"

	"go-turns/internal/response"
)

// terminalRenderer prints the assistant text of the live document as it
// grows, plus one marker line per reasoning item.
type terminalRenderer struct {
	w io.Writer

	mu        sync.Mutex
	docID     string
	printed   int
	reasoning map[string]bool
}

func newTerminalRenderer(w io.Writer) *terminalRenderer {
	return &terminalRenderer{w: w, reasoning: map[string]bool{}}
}

func (r *terminalRenderer) Render(_ string, doc *response.Document) {
	if doc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID != r.docID {
		r.docID = doc.ID
		r.printed = 0
		r.reasoning = map[string]bool{}
	}
	for _, it := range doc.Output {
		if it != nil && it.Type == response.ItemReasoning && !r.reasoning[it.ID] {
			r.reasoning[it.ID] = true
			fmt.Fprintln(r.w, "(thinking...)")
		}
	}
	text := doc.AssistantText()
	if len(text) > r.printed {
		fmt.Fprint(r.w, text[r.printed:])
		r.printed = len(text)
	}
}

// reset forgets the current document so the next turn prints from scratch.
func (r *terminalRenderer) reset() {
	r.mu.Lock()
	r.docID = ""
	r.printed = 0
	r.mu.Unlock()
}
