package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("store.OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	return s
}

func TestScheduleHeartbeatRejectsAtDepthLimit(t *testing.T) {
	s := newTestStore(t)
	tool := NewScheduleHeartbeatTool(s)

	out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1", HeartbeatDepth: maxHeartbeatDepth}, json.RawMessage(`{"reason":"check in","delay_seconds":60}`))
	if !out.IsError {
		t.Fatal("expected schedule_heartbeat to refuse scheduling at the depth limit")
	}
}

func TestScheduleHeartbeatRejectsOverQuota(t *testing.T) {
	s := newTestStore(t)
	tool := NewScheduleHeartbeatTool(s)

	for i := 0; i < maxPendingPerSess; i++ {
		out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"reason":"r","delay_seconds":60}`))
		if out.IsError {
			t.Fatalf("unexpected error scheduling heartbeat %d: %s", i, out.Content)
		}
	}

	out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"reason":"one too many","delay_seconds":60}`))
	if !out.IsError {
		t.Fatal("expected schedule_heartbeat to refuse scheduling once the pending quota is reached")
	}
}

func TestScheduleHeartbeatRequiresReason(t *testing.T) {
	s := newTestStore(t)
	tool := NewScheduleHeartbeatTool(s)

	out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"delay_seconds":60}`))
	if !out.IsError {
		t.Fatal("expected schedule_heartbeat to require a reason")
	}
}

func TestScheduleHeartbeatRequiresDelayOrExecuteAt(t *testing.T) {
	s := newTestStore(t)
	tool := NewScheduleHeartbeatTool(s)

	out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"reason":"r"}`))
	if !out.IsError {
		t.Fatal("expected schedule_heartbeat to require delay_seconds or execute_at_iso")
	}
}

func TestScheduleHeartbeatRejectsInvalidCron(t *testing.T) {
	s := newTestStore(t)
	tool := NewScheduleHeartbeatTool(s)

	out := tool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"},
		json.RawMessage(`{"reason":"r","delay_seconds":60,"recurrence":"cron","cron_expression":"not a cron expr"}`))
	if !out.IsError {
		t.Fatal("expected schedule_heartbeat to reject an invalid cron expression")
	}
}

func TestScheduleThenListThenCancelHeartbeat(t *testing.T) {
	s := newTestStore(t)
	scheduleTool := NewScheduleHeartbeatTool(s)
	listTool := NewListHeartbeatsTool(s)
	cancelTool := NewCancelHeartbeatTool(s)

	out := scheduleTool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"reason":"follow up","delay_seconds":120}`))
	if out.IsError {
		t.Fatalf("schedule_heartbeat failed: %s", out.Content)
	}
	var scheduled struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(out.Content), &scheduled); err != nil {
		t.Fatalf("failed to parse schedule_heartbeat output: %v", err)
	}

	listOut := listTool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{}`))
	if listOut.IsError {
		t.Fatalf("list_heartbeats failed: %s", listOut.Content)
	}
	if !strings.Contains(listOut.Content, "follow up") {
		t.Fatalf("expected list_heartbeats output to mention the scheduled reason, got: %s", listOut.Content)
	}

	cancelOut := cancelTool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"task_id":"`+scheduled.TaskID+`"}`))
	if cancelOut.IsError {
		t.Fatalf("cancel_heartbeat failed: %s", cancelOut.Content)
	}

	listAfter := listTool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{}`))
	if strings.Contains(listAfter.Content, "follow up") {
		t.Fatalf("expected cancelled task to no longer appear in list_heartbeats, got: %s", listAfter.Content)
	}
}

func TestCancelHeartbeatScopedToSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-2", "telegram", "user-2", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	scheduleTool := NewScheduleHeartbeatTool(s)
	cancelTool := NewCancelHeartbeatTool(s)

	out := scheduleTool.Execute(context.Background(), Context{SessionID: "sess-1", UserID: "user-1"}, json.RawMessage(`{"reason":"r","delay_seconds":60}`))
	if out.IsError {
		t.Fatalf("schedule_heartbeat failed: %s", out.Content)
	}
	var scheduled struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(out.Content), &scheduled); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cancelOut := cancelTool.Execute(context.Background(), Context{SessionID: "sess-2", UserID: "user-2"}, json.RawMessage(`{"task_id":"`+scheduled.TaskID+`"}`))
	if !cancelOut.IsError {
		t.Fatal("expected cancel_heartbeat from a different session to fail")
	}
}

func TestRegistryLookupAndAll(t *testing.T) {
	r := NewRegistry()
	s := newTestStore(t)
	r.Register(NewScheduleHeartbeatTool(s))
	r.Register(NewListHeartbeatsTool(s))

	if _, ok := r.Lookup("schedule_heartbeat"); !ok {
		t.Fatal("expected schedule_heartbeat to be registered")
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("expected lookup of an unregistered tool to fail")
	}
	if len(r.All()) != 2 {
		t.Fatalf("expected 2 registered tools, got %d", len(r.All()))
	}
}
