package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession("sess-1", "telegram", "user-1", map[string]any{"a": 2}); err != nil {
		t.Fatalf("UpsertSession (update): %v", err)
	}
	meta, ok, err := s.LoadSessionMetadata("sess-1")
	if err != nil || !ok {
		t.Fatalf("LoadSessionMetadata: %v, ok=%v", err, ok)
	}
	if meta["a"].(float64) != 2 {
		t.Fatalf("expected updated metadata, got %v", meta)
	}
}

func TestAppendAndLoadRecentMessagesOrdering(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	now := time.Now().UTC()
	for i, text := range []string{"one", "two", "three"} {
		if _, err := s.AppendMessage("sess-1", DirectionIncoming, text, now.Add(time.Duration(i)*time.Second), nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.LoadRecentMessages("sess-1", 2)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}

func TestPruneOldMessages(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage("sess-1", DirectionIncoming, "m", now.Add(time.Duration(i)*time.Second), nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	removed, err := s.PruneOldMessages("sess-1", 2)
	if err != nil {
		t.Fatalf("PruneOldMessages: %v", err)
	}
	if removed != 3 {
		t.Fatalf("PruneOldMessages removed = %d, want 3", removed)
	}
	msgs, err := s.LoadRecentMessages("sess-1", 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", len(msgs))
	}
}

func TestCancelTaskScoping(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	id, err := s.ScheduleTask("sess-1", "user-1", time.Now().UTC().Add(time.Duration(60)*time.Second), "reminder")
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	ok, err := s.CancelTask(id, "other-session")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if ok {
		t.Fatal("expected CancelTask scoped to another session to return false")
	}

	pending, err := s.ListPendingTasks("sess-1")
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != TaskPending {
		t.Fatalf("expected task to remain pending, got %+v", pending)
	}

	ok, err = s.CancelTask(id, "sess-1")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !ok {
		t.Fatal("expected CancelTask scoped to owning session to succeed")
	}
}

func TestRetryOrFailTaskBackoffAndExhaustion(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	id, err := s.ScheduleTaskFull("sess-1", "user-1", time.Now().UTC(), "p", 0, "", "", nil, "", "")
	if err != nil {
		t.Fatalf("ScheduleTaskFull: %v", err)
	}

	for i := 0; i < 3; i++ {
		retried, err := s.RetryOrFailTask(id)
		if err != nil {
			t.Fatalf("RetryOrFailTask: %v", err)
		}
		if !retried {
			t.Fatalf("expected retry %d to be scheduled (within max_retries=3)", i+1)
		}
	}

	// Fourth retry exceeds the default max_retries=3 and fails the task.
	retried, err := s.RetryOrFailTask(id)
	if err != nil {
		t.Fatalf("RetryOrFailTask: %v", err)
	}
	if retried {
		t.Fatal("expected the task to be failed once max_retries is exceeded")
	}

	pending, err := s.ListPendingTasks("sess-1")
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending tasks after exhaustion, got %+v", pending)
	}
}

func TestCountPendingTasksForSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ScheduleTask("sess-1", "user-1", time.Now().UTC().Add(time.Duration(60)*time.Second), "p"); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	n, err := s.CountPendingTasksForSession("sess-1")
	if err != nil {
		t.Fatalf("CountPendingTasksForSession: %v", err)
	}
	if n != 3 {
		t.Fatalf("CountPendingTasksForSession = %d, want 3", n)
	}
}

func TestRescheduleRecurringTaskInterval(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	// An execute_at far in the past with a 300s interval must skip forward
	// past "now" rather than firing the very next interval boundary after
	// the original time, to avoid drift accumulation.
	past := time.Now().UTC().Add(-time.Duration(1000)*time.Second)
	task := ScheduledTask{
		SessionID:       "sess-1",
		UserID:          "user-1",
		ExecuteAt:       past,
		Payload:         "p",
		RecurrenceType:  "interval",
		RecurrenceValue: "300",
	}

	newID, err := s.RescheduleRecurringTask(task)
	if err != nil {
		t.Fatalf("RescheduleRecurringTask: %v", err)
	}
	if newID == "" {
		t.Fatal("expected a new task id")
	}

	pending, err := s.ListPendingTasks("sess-1")
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(pending))
	}
	if !pending[0].ExecuteAt.After(time.Now().UTC()) {
		t.Fatalf("rescheduled execute_at %v must be strictly after now", pending[0].ExecuteAt)
	}
}

func TestRescheduleRecurringTaskEndsAfterWindow(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSession("sess-1", "telegram", "user-1", nil); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	endAt := time.Now().UTC().Add(-time.Duration(1)*time.Second)
	task := ScheduledTask{
		SessionID:       "sess-1",
		UserID:          "user-1",
		ExecuteAt:       time.Now().UTC().Add(-time.Duration(100)*time.Second),
		Payload:         "p",
		RecurrenceType:  "interval",
		RecurrenceValue: "10",
		RecurrenceEndAt: &endAt,
	}

	newID, err := s.RescheduleRecurringTask(task)
	if err != nil {
		t.Fatalf("RescheduleRecurringTask: %v", err)
	}
	if newID != "" {
		t.Fatalf("expected no further occurrences once recurrence_end_at has passed, got id %q", newID)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() call should be a no-op, got: %v", err)
	}
}
