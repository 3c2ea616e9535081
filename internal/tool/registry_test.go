package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type stubTool struct{}

func (stubTool) Name() string   { return "stub" }
func (stubTool) Schema() []byte { return []byte(`{"type":"object"}`) }
func (stubTool) Run(context.Context, json.RawMessage) (Result, error) {
	return Result{Output: "ok"}, nil
}

type recordingHook struct {
	rejectWith error
	before     []Call
	after      []error
}

func (h *recordingHook) Before(_ context.Context, call Call) error {
	h.before = append(h.before, call)
	return h.rejectWith
}

func (h *recordingHook) After(_ context.Context, _ Call, _ Result, err error) {
	h.after = append(h.after, err)
}

func TestRegistryCallRunsHooks(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubTool{}); err != nil {
		t.Fatal(err)
	}
	h := &recordingHook{}
	var observed []string
	reg.Use(h, nil, Observer(func(_ context.Context, call Call, res Result, err error) {
		observed = append(observed, call.Name+"="+res.Output)
	}))

	res, err := reg.Call(context.Background(), Call{Name: "stub", Arguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Output != "ok" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if len(h.before) != 1 || string(h.before[0].Arguments) != `{}` {
		t.Fatalf("before hook saw %+v", h.before)
	}
	if len(h.after) != 1 || h.after[0] != nil {
		t.Fatalf("after hook saw %v", h.after)
	}
	if len(observed) != 1 || observed[0] != "stub=ok" {
		t.Fatalf("observer saw %v", observed)
	}
}

func TestRegistryBeforeHookRejectsCall(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubTool{}); err != nil {
		t.Fatal(err)
	}
	blocked := errors.New("blocked")
	h := &recordingHook{rejectWith: blocked}
	reg.Use(h)

	_, err := reg.Call(context.Background(), Call{Name: "stub"})
	if !errors.Is(err, blocked) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if len(h.after) != 0 {
		t.Fatal("after hook should not run for a rejected call")
	}
}

func TestRegistryUnknownToolSkipsHooks(t *testing.T) {
	reg := NewRegistry()
	h := &recordingHook{}
	reg.Use(h)
	if _, err := reg.Call(context.Background(), Call{Name: "missing"}); err == nil {
		t.Fatal("expected unknown tool error")
	}
	if len(h.before) != 0 || len(h.after) != 0 {
		t.Fatalf("hooks should not see unknown tools: %+v", h)
	}
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubTool{}); err != nil {
		t.Fatal(err)
	}
	out, err := reg.Execute(context.Background(), "STUB", "")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := reg.Execute(context.Background(), "stub", "{not json"); err == nil {
		t.Fatal("expected invalid arguments error")
	}
	if _, err := reg.Execute(context.Background(), "missing", "{}"); err == nil {
		t.Fatal("expected unknown tool error")
	}
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(stubTool{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(stubTool{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	defs := reg.Definitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	var got struct {
		Type       string          `json:"type"`
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(defs[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "function" || got.Name != "stub" || string(got.Parameters) != `{"type":"object"}` {
		t.Fatalf("unexpected definition: %s", defs[0])
	}
}
