package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RegisterWorkspace adds the read-only workspace tools rooted at root.
func RegisterWorkspace(reg *Registry, root string, outputLimit int) error {
	base := newWorkspace(root, outputLimit)
	for _, t := range []Tool{&readFileTool{workspace: base}, &listDirTool{workspace: base}} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type listDirTool struct{ workspace }

func (t *listDirTool) Name() string { return "list_dir" }
func (t *listDirTool) Schema() []byte {
	return []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`)
}
func (t *listDirTool) Run(_ context.Context, args json.RawMessage) (Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return Result{}, err
	}
	p, err := t.resolve(in.Path)
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return Result{}, err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return Result{Output: "(empty)"}, nil
	}
	return Result{Output: t.clip(strings.Join(lines, "\n"))}, nil
}

type readFileTool struct{ workspace }

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Schema() []byte {
	return []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
}
func (t *readFileTool) Run(_ context.Context, args json.RawMessage) (Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(in.Path) == "" {
		return Result{}, errors.New("path is required")
	}
	p, err := t.resolve(in.Path)
	if err != nil {
		return Result{}, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return Result{}, err
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return Result{}, fmt.Errorf("binary file is not supported: %s", in.Path)
	}
	return Result{Output: t.clip(string(raw))}, nil
}
