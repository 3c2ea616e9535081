// Package tool holds the function-call tools a turn may execute once the
// model sealed a call.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type Result struct {
	Output string `json:"output"`
}

type Tool interface {
	Name() string
	Schema() []byte
	Run(ctx context.Context, args json.RawMessage) (Result, error)
}

// Call is one sealed function call addressed to a registered tool.
type Call struct {
	Name      string
	Arguments json.RawMessage
}

// Hook observes calls. A Before error rejects the call and the tool never runs;
// After sees every call that reached its tool.
type Hook interface {
	Before(ctx context.Context, call Call) error
	After(ctx context.Context, call Call, res Result, err error)
}

// Observer is a Hook that only watches finished calls.
type Observer func(ctx context.Context, call Call, res Result, err error)

func (Observer) Before(context.Context, Call) error { return nil }

func (o Observer) After(ctx context.Context, call Call, res Result, err error) {
	o(ctx, call, res, err)
}

// Registry maps lower-cased tool names to tools. It is filled before the
// first turn starts and read concurrently afterwards.
type Registry struct {
	tools map[string]Tool
	hooks []Hook
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("register tool: nil")
	}
	k := key(t.Name())
	if k == "" {
		return errors.New("register tool: empty name")
	}
	if _, dup := r.tools[k]; dup {
		return fmt.Errorf("register tool %q: already registered", k)
	}
	r.tools[k] = t
	return nil
}

// Use appends hooks in call order.
func (r *Registry) Use(hooks ...Hook) {
	for _, h := range hooks {
		if h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

// List returns the registered names in order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for k := range r.tools {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Definitions returns function tool definitions in name order, in the shape
// a Responses request carries them.
func (r *Registry) Definitions() []json.RawMessage {
	names := r.List()
	defs := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		def, err := json.Marshal(struct {
			Type       string          `json:"type"`
			Name       string          `json:"name"`
			Parameters json.RawMessage `json:"parameters"`
		}{Type: "function", Name: name, Parameters: json.RawMessage(r.tools[name].Schema())})
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Call runs one call through the hooks and its tool.
func (r *Registry) Call(ctx context.Context, call Call) (Result, error) {
	t, ok := r.tools[key(call.Name)]
	if !ok {
		return Result{}, fmt.Errorf("tool %q is not registered", call.Name)
	}
	for _, h := range r.hooks {
		if err := h.Before(ctx, call); err != nil {
			return Result{}, fmt.Errorf("tool %q rejected: %w", call.Name, err)
		}
	}
	res, err := t.Run(ctx, call.Arguments)
	for _, h := range r.hooks {
		h.After(ctx, call, res, err)
	}
	return res, err
}

// Execute runs a sealed function call. arguments is the raw JSON the model
// produced; an empty string means no arguments.
func (r *Registry) Execute(ctx context.Context, name, arguments string) (string, error) {
	call := Call{Name: name}
	if trimmed := strings.TrimSpace(arguments); trimmed != "" {
		if !json.Valid([]byte(trimmed)) {
			return "", fmt.Errorf("tool %q: arguments are not valid JSON", name)
		}
		call.Arguments = json.RawMessage(trimmed)
	}
	res, err := r.Call(ctx, call)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// workspace is embedded by the filesystem tools.
type workspace struct {
	root  string
	limit int
}

func newWorkspace(root string, limit int) workspace {
	if limit <= 0 {
		limit = 50 * 1024
	}
	return workspace{root: root, limit: limit}
}

// clip keeps at most limit runes of s and says how many were cut.
func (w workspace) clip(s string) string {
	runes := []rune(s)
	if len(runes) <= w.limit {
		return s
	}
	return string(runes[:w.limit]) + fmt.Sprintf("\n...[truncated %d chars]", len(runes)-w.limit)
}

// resolve maps p, relative to the root or absolute, to an absolute path that
// stays inside the root.
func (w workspace) resolve(p string) (string, error) {
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	p = strings.TrimSpace(p)
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path escapes workspace root: %s", p)
	}
	return target, nil
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
