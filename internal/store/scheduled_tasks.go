package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// TaskStatus mirrors the scheduled_tasks.status column values.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is a scheduled_tasks row joined against its owning
// session's channel_id.
type ScheduledTask struct {
	ID               string
	SessionID        string
	ChannelID        string
	UserID           string
	ExecuteAt        time.Time
	Payload          string
	Status           TaskStatus
	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	HeartbeatDepth   int
	RecurrenceType   string
	RecurrenceValue  string
	RecurrenceEndAt  *time.Time
	DeliverToChannel string
	Timezone         string
}

var taskColumns = `
	st.id, s.channel_id, st.session_id, st.user_id, st.execute_at, st.payload,
	st.status, COALESCE(st.retry_count, 0), COALESCE(st.max_retries, 3),
	st.next_retry_at, COALESCE(st.heartbeat_depth, 0),
	COALESCE(st.recurrence_type, ''), COALESCE(st.recurrence_value, ''),
	st.recurrence_end_at, COALESCE(st.deliver_to_channel, ''),
	COALESCE(st.timezone, '')
`

func scanTask(row interface{ Scan(dest ...any) error }) (ScheduledTask, error) {
	var t ScheduledTask
	var executeAt, nextRetryAt, recurrenceEndAt sql.NullString
	var status string
	err := row.Scan(
		&t.ID, &t.ChannelID, &t.SessionID, &t.UserID, &executeAt, &t.Payload,
		&status, &t.RetryCount, &t.MaxRetries,
		&nextRetryAt, &t.HeartbeatDepth,
		&t.RecurrenceType, &t.RecurrenceValue,
		&recurrenceEndAt, &t.DeliverToChannel, &t.Timezone,
	)
	if err != nil {
		return ScheduledTask{}, err
	}
	t.Status = TaskStatus(status)
	t.ExecuteAt = parseTimestampOrNow(executeAt.String)
	if nextRetryAt.Valid {
		ts := parseTimestampOrNow(nextRetryAt.String)
		t.NextRetryAt = &ts
	}
	if recurrenceEndAt.Valid {
		ts := parseTimestampOrNow(recurrenceEndAt.String)
		t.RecurrenceEndAt = &ts
	}
	return t, nil
}

func parseTimestampOrNow(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	return parseTimestamp(raw)
}

// ScheduleTask is the simple one-shot scheduling path: no
// retries configured beyond the defaults, no recurrence.
func (s *Store) ScheduleTask(sessionID, userID string, executeAt time.Time, payload string) (string, error) {
	return s.ScheduleTaskFull(sessionID, userID, executeAt, payload, 0, "", "", nil, "", "")
}

// ScheduleTaskFull is the full scheduling path carrying heartbeat depth and
// recurrence fields.
func (s *Store) ScheduleTaskFull(
	sessionID, userID string,
	executeAt time.Time,
	payload string,
	heartbeatDepth int,
	recurrenceType, recurrenceValue string,
	recurrenceEndAt *time.Time,
	deliverToChannel, timezone string,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	var endAt any
	if recurrenceEndAt != nil {
		endAt = recurrenceEndAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (
			id, session_id, user_id, execute_at, payload, status,
			heartbeat_depth, recurrence_type, recurrence_value,
			recurrence_end_at, deliver_to_channel, timezone
		) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		id, sessionID, userID, executeAt.UTC().Format(time.RFC3339), payload,
		heartbeatDepth, nullIfEmpty(recurrenceType), nullIfEmpty(recurrenceValue),
		endAt, nullIfEmpty(deliverToChannel), nullIfEmpty(timezone))
	if err != nil {
		return "", err
	}
	return id, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PollDueTasks returns up to 10 pending tasks whose effective due time
// (next_retry_at if set, else execute_at) has passed, oldest first.
func (s *Store) PollDueTasks() ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_tasks st
		JOIN sessions s ON s.id = st.session_id
		WHERE st.status = 'pending'
		  AND datetime(COALESCE(st.next_retry_at, st.execute_at)) <= datetime('now')
		ORDER BY st.execute_at ASC
		LIMIT 10`, taskColumns)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a pending task completed; returns false if the task
// was not pending (already handled elsewhere).
func (s *Store) CompleteTask(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = 'completed' WHERE id = ? AND status = 'pending'`, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTask marks a task failed unconditionally.
func (s *Store) FailTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = 'failed' WHERE id = ?`, taskID)
	return err
}

// CancelTask cancels a pending task scoped to the given session, so a
// caller cannot cancel another session's task.
func (s *Store) CancelTask(taskID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE scheduled_tasks SET status = 'cancelled'
		WHERE id = ? AND session_id = ? AND status = 'pending'`, taskID, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListPendingTasks lists a session's pending tasks, soonest first.
func (s *Store) ListPendingTasks(sessionID string) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_tasks st
		JOIN sessions s ON s.id = st.session_id
		WHERE st.status = 'pending' AND st.session_id = ?
		ORDER BY st.execute_at ASC`, taskColumns)

	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountPendingTasksForSession backs the pending-task quota check.
func (s *Store) CountPendingTasksForSession(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM scheduled_tasks WHERE session_id = ? AND status = 'pending'`, sessionID).Scan(&n)
	return n, err
}

// RetryOrFailTask implements the exponential backoff formula:
// 30s * 2^min(retry_count, 7). If the new retry count exceeds max_retries,
// the task is failed and false is returned; otherwise next_retry_at is
// advanced and true is returned.
func (s *Store) RetryOrFailTask(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retryCount, maxRetries int
	err := s.db.QueryRow(`
		SELECT COALESCE(retry_count, 0), COALESCE(max_retries, 3)
		FROM scheduled_tasks WHERE id = ?`, taskID).Scan(&retryCount, &maxRetries)
	if err != nil {
		return false, err
	}

	newCount := retryCount + 1
	if newCount > maxRetries {
		if _, err := s.db.Exec(`UPDATE scheduled_tasks SET status = 'failed' WHERE id = ?`, taskID); err != nil {
			return false, err
		}
		return false, nil
	}

	backoffExp := retryCount
	if backoffExp > 7 {
		backoffExp = 7
	}
	backoffSecs := 30 * (1 << uint(backoffExp))
	nextRetry := time.Now().UTC().Add(time.Duration(backoffSecs) * time.Second)

	_, err = s.db.Exec(`
		UPDATE scheduled_tasks SET retry_count = ?, next_retry_at = ? WHERE id = ?`,
		newCount, nextRetry.Format(time.RFC3339), taskID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupCompletedTasks deletes terminal tasks older than olderThanDays.
func (s *Store) CleanupCompletedTasks(olderThanDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(fmt.Sprintf(`
		DELETE FROM scheduled_tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND created_at < datetime('now', '-%d days')`, olderThanDays))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RescheduleRecurringTask implements the recurrence logic: given a
// just-handled task, it computes the next occurrence (if any) and inserts a
// fresh pending task for it. Returns ("", nil) if the task has no
// recurrence configured, its schedule has no further occurrences, or its
// recurrence window has ended.
func (s *Store) RescheduleRecurringTask(task ScheduledTask) (string, error) {
	if task.RecurrenceType == "" || task.RecurrenceValue == "" {
		return "", nil
	}

	var next time.Time
	switch task.RecurrenceType {
	case "interval":
		secs, err := strconv.Atoi(strings.TrimSpace(task.RecurrenceValue))
		if err != nil {
			return "", fmt.Errorf("invalid interval recurrence value %q: %w", task.RecurrenceValue, err)
		}
		interval := time.Duration(secs) * time.Second
		if interval <= 0 {
			return "", fmt.Errorf("non-positive interval recurrence value %q", task.RecurrenceValue)
		}
		candidate := task.ExecuteAt
		now := time.Now().UTC()
		for !candidate.After(now) {
			candidate = candidate.Add(interval)
		}
		next = candidate

	case "cron":
		schedule, err := cron.ParseStandard(task.RecurrenceValue)
		if err != nil {
			return "", fmt.Errorf("invalid cron recurrence value %q: %w", task.RecurrenceValue, err)
		}
		loc := time.UTC
		if task.Timezone != "" {
			if parsed, err := time.LoadLocation(task.Timezone); err == nil {
				loc = parsed
			} else {
				s.log.Warn().Str("timezone", task.Timezone).Err(err).Msg("invalid task timezone, falling back to UTC")
			}
		}
		next = schedule.Next(time.Now().In(loc)).UTC()
		if next.IsZero() {
			return "", nil
		}

	default:
		return "", fmt.Errorf("unknown recurrence type %q", task.RecurrenceType)
	}

	if task.RecurrenceEndAt != nil && next.After(*task.RecurrenceEndAt) {
		return "", nil
	}

	return s.ScheduleTaskFull(
		task.SessionID, task.UserID, next, task.Payload,
		task.HeartbeatDepth, task.RecurrenceType, task.RecurrenceValue,
		task.RecurrenceEndAt, task.DeliverToChannel, task.Timezone,
	)
}
