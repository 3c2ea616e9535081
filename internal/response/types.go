package response

import (
	"encoding/json"
	"strings"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"

	// Tool-call progress states reported by some item kinds.
	StatusSearching  Status = "searching"
	StatusGenerating Status = "generating"
)

// Sealed reports whether an item in this status accepts no further deltas.
func (s Status) Sealed() bool {
	return s == StatusCompleted || s == StatusIncomplete
}

type ItemType string

const (
	ItemMessage             ItemType = "message"
	ItemReasoning           ItemType = "reasoning"
	ItemFunctionCall        ItemType = "function_call"
	ItemFunctionCallOutput  ItemType = "function_call_output"
	ItemWebSearchCall       ItemType = "web_search_call"
	ItemImageGenerationCall ItemType = "image_generation_call"
	ItemCodeInterpreterCall ItemType = "code_interpreter_call"
	ItemMcpCall             ItemType = "mcp_call"
)

type PartType string

const (
	PartOutputText    PartType = "output_text"
	PartRefusal       PartType = "refusal"
	PartInputText     PartType = "input_text"
	PartReasoningText PartType = "reasoning_text"
	PartSummaryText   PartType = "summary_text"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDeveloper = "developer"
)

// Document is the aggregate result of one turn. A *Document handed out by the
// reducer is never mutated afterwards; changes produce a new value.
type Document struct {
	ID           string            `json:"id"`
	Object       string            `json:"object,omitempty"`
	Status       Status            `json:"status"`
	Model        string            `json:"model,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	Instructions string            `json:"instructions,omitempty"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
	Output       []*Item           `json:"output"`
	OutputText   string            `json:"output_text,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Error        *Error            `json:"error,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Item is one entry of Document.Output. The Type field selects which of the
// remaining fields are meaningful.
type Item struct {
	ID     string   `json:"id,omitempty"`
	Type   ItemType `json:"type"`
	Status Status   `json:"status,omitempty"`

	// message
	Role    string         `json:"role,omitempty"`
	Content []*ContentPart `json:"content,omitempty"`

	// reasoning (Content holds reasoning_text parts)
	Summary []*ContentPart `json:"summary,omitempty"`

	// function_call, function_call_output, mcp_call
	Name        string `json:"name,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	Output      string `json:"output,omitempty"`
	ServerLabel string `json:"server_label,omitempty"`
	Error       string `json:"error,omitempty"`

	// image_generation_call
	Result string `json:"result,omitempty"`

	// code_interpreter_call
	Code string `json:"code,omitempty"`
}

type ContentPart struct {
	Type        PartType          `json:"type"`
	Text        string            `json:"text,omitempty"`
	Refusal     string            `json:"refusal,omitempty"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

func NewUserMessage(id, text string) *Item {
	return &Item{
		ID:      id,
		Type:    ItemMessage,
		Role:    RoleUser,
		Status:  StatusCompleted,
		Content: []*ContentPart{{Type: PartInputText, Text: text}},
	}
}

func NewAssistantMessage(id string, status Status) *Item {
	return &Item{
		ID:      id,
		Type:    ItemMessage,
		Role:    RoleAssistant,
		Status:  status,
		Content: []*ContentPart{},
	}
}

// Text concatenates the textual parts of a message or the summary of a
// reasoning item.
func (it *Item) Text() string {
	if it == nil {
		return ""
	}
	parts := it.Content
	if it.Type == ItemReasoning && len(it.Summary) > 0 {
		parts = it.Summary
	}
	var b strings.Builder
	for _, p := range parts {
		if p == nil {
			continue
		}
		switch p.Type {
		case PartRefusal:
			b.WriteString(p.Refusal)
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// AssistantText returns the concatenated output_text of all assistant message
// items in the document.
func (d *Document) AssistantText() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	for _, it := range d.Output {
		if it == nil || it.Type != ItemMessage || it.Role != RoleAssistant {
			continue
		}
		for _, p := range it.Content {
			if p != nil && p.Type == PartOutputText {
				b.WriteString(p.Text)
			}
		}
	}
	return b.String()
}

// Terminal reports whether the document reached a final status.
func (d *Document) Terminal() bool {
	if d == nil {
		return false
	}
	switch d.Status {
	case StatusCompleted, StatusIncomplete, StatusFailed:
		return true
	default:
		return false
	}
}
