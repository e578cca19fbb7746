package agent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/memory"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/tools"
)

func newTestRuntime(t *testing.T, p *stubProvider, registry *tools.Registry) (*Runtime, *memory.Store) {
	t.Helper()
	mem, err := memory.OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("memory.OpenInMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	r := New(nil, mem, registry, Options{DefaultProvider: p.id}, zerolog.Nop())
	r.RegisterProvider(p)
	return r, mem
}

func TestProcessMessageTerminatesAfterOneToolCall(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool{})

	p := &stubProvider{id: "stub", responses: []stubResponse{
		{resp: toolUseResponse("call-1", "echo", []byte(`{"a":1}`))},
		{resp: textResponse("done")},
	}}
	r, mem := newTestRuntime(t, p, registry)

	result, err := r.ProcessMessage(context.Background(), TurnInput{
		SessionID: "sess-1",
		UserID:    "user-1",
		UserText:  "hi",
	})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if result.Text != "done" {
		t.Fatalf("ProcessMessage.Text = %q, want %q", result.Text, "done")
	}
	if p.calls != 2 {
		t.Fatalf("expected exactly 2 provider calls (tool-use then final), got %d", p.calls)
	}

	entries, err := mem.Recall(memory.RetrievalQuery{SessionID: "sess-1", Limit: 100})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	var userCount, assistantCount int
	for _, e := range entries {
		switch e.Role {
		case memory.RoleUser:
			userCount++
			if e.Content != "hi" {
				t.Fatalf("unexpected user memory content: %q", e.Content)
			}
		case memory.RoleAssistant:
			assistantCount++
			if e.Content != "done" {
				t.Fatalf("unexpected assistant memory content: %q", e.Content)
			}
		}
	}
	if userCount != 1 || assistantCount != 1 {
		t.Fatalf("expected exactly 1 user + 1 assistant memory entry, got user=%d assistant=%d", userCount, assistantCount)
	}
}

func TestProcessMessageNoToolCallsSkipsLoop(t *testing.T) {
	registry := tools.NewRegistry()
	p := &stubProvider{id: "stub", responses: []stubResponse{
		{resp: textResponse("hello back")},
	}}
	r, _ := newTestRuntime(t, p, registry)

	result, err := r.ProcessMessage(context.Background(), TurnInput{SessionID: "sess-1", UserID: "user-1", UserText: "hi"})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if result.Text != "hello back" {
		t.Fatalf("result.Text = %q, want %q", result.Text, "hello back")
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", p.calls)
	}
}

func TestProcessMessageExceedsMaxToolIterations(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool{})

	responses := make([]stubResponse, 0, MaxToolIterations+1)
	for i := 0; i < MaxToolIterations+1; i++ {
		responses = append(responses, stubResponse{resp: toolUseResponse("call", "echo", []byte(`{}`))})
	}
	p := &stubProvider{id: "stub", responses: responses}
	r, _ := newTestRuntime(t, p, registry)

	_, err := r.ProcessMessage(context.Background(), TurnInput{SessionID: "sess-1", UserID: "user-1", UserText: "loop forever"})
	if err == nil {
		t.Fatal("expected an error once MaxToolIterations is exceeded")
	}
}

func TestRunOneToolRecoversFromPanic(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(panicTool{})
	p := &stubProvider{id: "stub"}
	r, _ := newTestRuntime(t, p, registry)

	out := r.runOneTool(context.Background(), tools.Context{SessionID: "sess-1"}, provider.ToolUseBlock("call-1", "panic", []byte(`{}`)))
	if !out.IsError {
		t.Fatal("expected a panicking tool to surface as a tool error, not crash the loop")
	}
}

func TestRunOneToolUnknownName(t *testing.T) {
	registry := tools.NewRegistry()
	p := &stubProvider{id: "stub"}
	r, _ := newTestRuntime(t, p, registry)

	out := r.runOneTool(context.Background(), tools.Context{SessionID: "sess-1"}, provider.ToolUseBlock("call-1", "does_not_exist", []byte(`{}`)))
	if !out.IsError {
		t.Fatal("expected an unknown tool name to surface as a tool error")
	}
}
