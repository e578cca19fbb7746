// Package tools implements the Tool Registry: the Tool
// contract, its invocation context, and the built-in schedule tools that
// let the agent write heartbeat tasks back into the Session Store.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oogalieboogalie/opencrust/internal/store"
)

// Context carries the session/user/depth triple every tool invocation
// needs.
type Context struct {
	SessionID      string
	UserID         string
	HeartbeatDepth int
}

// Output is the result of a tool execution; IsError surfaces as a ToolResult
// error block to the model rather than aborting the loop.
type Output struct {
	Content string
	IsError bool
}

func Success(content string) Output { return Output{Content: content} }
func Error(msg string) Output       { return Output{Content: msg, IsError: true} }

// Tool is the contract every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, tc Context, args json.RawMessage) Output
}

// Registry holds the set of tools available to the agent runtime, guarded
// by an RWMutex so lookups don't block on registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

const (
	maxHeartbeatDepth  = 3
	maxPendingPerSess  = 20
	minDelaySeconds    = 1
	maxDelaySeconds    = 2_592_000 // 30 days
)

// scheduleHeartbeatTool implements schedule_heartbeat.
type scheduleHeartbeatTool struct {
	store *store.Store
}

func NewScheduleHeartbeatTool(s *store.Store) Tool { return &scheduleHeartbeatTool{store: s} }

func (t *scheduleHeartbeatTool) Name() string { return "schedule_heartbeat" }
func (t *scheduleHeartbeatTool) Description() string {
	return "Schedule a future heartbeat invocation of the agent for this session, optionally recurring."
}

func (t *scheduleHeartbeatTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason":                       map[string]any{"type": "string"},
			"delay_seconds":                map[string]any{"type": "integer"},
			"execute_at_iso":               map[string]any{"type": "string"},
			"timezone":                     map[string]any{"type": "string"},
			"recurrence":                   map[string]any{"type": "string", "enum": []string{"interval", "cron"}},
			"interval_seconds":             map[string]any{"type": "integer"},
			"cron_expression":              map[string]any{"type": "string"},
			"recurrence_end_after_seconds": map[string]any{"type": "integer"},
			"deliver_to_channel":           map[string]any{"type": "string"},
		},
		"required": []string{"reason"},
	}
}

type scheduleHeartbeatArgs struct {
	Reason                    string `json:"reason"`
	DelaySeconds              int    `json:"delay_seconds"`
	ExecuteAtISO              string `json:"execute_at_iso"`
	Timezone                  string `json:"timezone"`
	Recurrence                string `json:"recurrence"`
	IntervalSeconds           int    `json:"interval_seconds"`
	CronExpression            string `json:"cron_expression"`
	RecurrenceEndAfterSeconds int    `json:"recurrence_end_after_seconds"`
	DeliverToChannel          string `json:"deliver_to_channel"`
}

func (t *scheduleHeartbeatTool) Execute(ctx context.Context, tc Context, raw json.RawMessage) Output {
	if tc.HeartbeatDepth >= maxHeartbeatDepth {
		return Error(fmt.Sprintf("cannot schedule: heartbeat depth limit (%d) reached", maxHeartbeatDepth))
	}

	var args scheduleHeartbeatArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Error("invalid arguments: " + err.Error())
	}
	if args.Reason == "" {
		return Error("reason is required")
	}

	pending, err := t.store.CountPendingTasksForSession(tc.SessionID)
	if err != nil {
		return Error("failed to check pending task quota: " + err.Error())
	}
	if pending >= maxPendingPerSess {
		return Error(fmt.Sprintf("cannot schedule: pending task quota (%d) reached for this session", maxPendingPerSess))
	}

	timezone := args.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Error("invalid timezone: " + timezone)
	}

	var executeAt time.Time
	switch {
	case args.ExecuteAtISO != "":
		parsed, err := time.ParseInLocation(time.RFC3339, args.ExecuteAtISO, loc)
		if err != nil {
			return Error("invalid execute_at_iso: " + err.Error())
		}
		executeAt = parsed.UTC()
		if !executeAt.After(time.Now().UTC()) {
			return Error("execute_at_iso must be strictly in the future")
		}
	case args.DelaySeconds > 0:
		if args.DelaySeconds < minDelaySeconds || args.DelaySeconds > maxDelaySeconds {
			return Error(fmt.Sprintf("delay_seconds must be between %d and %d", minDelaySeconds, maxDelaySeconds))
		}
		executeAt = time.Now().UTC().Add(time.Duration(args.DelaySeconds) * time.Second)
	default:
		return Error("either delay_seconds or execute_at_iso is required")
	}

	var recurrenceType, recurrenceValue string
	switch args.Recurrence {
	case "":
		// no recurrence
	case "interval":
		if args.IntervalSeconds <= 0 {
			return Error("interval_seconds is required and must be positive for interval recurrence")
		}
		recurrenceType = "interval"
		recurrenceValue = fmt.Sprintf("%d", args.IntervalSeconds)
	case "cron":
		if args.CronExpression == "" {
			return Error("cron_expression is required for cron recurrence")
		}
		if _, err := cron.ParseStandard(args.CronExpression); err != nil {
			return Error("invalid cron_expression: " + err.Error())
		}
		recurrenceType = "cron"
		recurrenceValue = args.CronExpression
	default:
		return Error("recurrence must be \"interval\" or \"cron\"")
	}

	var recurrenceEndAt *time.Time
	if args.RecurrenceEndAfterSeconds > 0 {
		end := time.Now().UTC().Add(time.Duration(args.RecurrenceEndAfterSeconds) * time.Second)
		recurrenceEndAt = &end
	}

	payload := args.Reason
	id, err := t.store.ScheduleTaskFull(
		tc.SessionID, tc.UserID, executeAt, payload,
		tc.HeartbeatDepth+1, recurrenceType, recurrenceValue,
		recurrenceEndAt, args.DeliverToChannel, timezone,
	)
	if err != nil {
		return Error("failed to schedule heartbeat: " + err.Error())
	}

	return Success(fmt.Sprintf(`{"task_id":%q,"execute_at":%q}`, id, executeAt.Format(time.RFC3339)))
}

// cancelHeartbeatTool implements cancel_heartbeat.
type cancelHeartbeatTool struct {
	store *store.Store
}

func NewCancelHeartbeatTool(s *store.Store) Tool { return &cancelHeartbeatTool{store: s} }

func (t *cancelHeartbeatTool) Name() string        { return "cancel_heartbeat" }
func (t *cancelHeartbeatTool) Description() string { return "Cancel a pending scheduled heartbeat for this session." }
func (t *cancelHeartbeatTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"task_id": map[string]any{"type": "string"}},
		"required":   []string{"task_id"},
	}
}

func (t *cancelHeartbeatTool) Execute(ctx context.Context, tc Context, raw json.RawMessage) Output {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil || args.TaskID == "" {
		return Error("task_id is required")
	}
	cancelled, err := t.store.CancelTask(args.TaskID, tc.SessionID)
	if err != nil {
		return Error("failed to cancel task: " + err.Error())
	}
	if !cancelled {
		return Error("no pending task with that id for this session")
	}
	return Success(fmt.Sprintf(`{"cancelled":%q}`, args.TaskID))
}

// listHeartbeatsTool implements list_heartbeats.
type listHeartbeatsTool struct {
	store *store.Store
}

func NewListHeartbeatsTool(s *store.Store) Tool { return &listHeartbeatsTool{store: s} }

func (t *listHeartbeatsTool) Name() string        { return "list_heartbeats" }
func (t *listHeartbeatsTool) Description() string { return "List pending scheduled heartbeats for this session." }
func (t *listHeartbeatsTool) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

type heartbeatSummary struct {
	ID               string `json:"id"`
	ExecuteAt        string `json:"execute_at"`
	Reason           string `json:"reason"`
	Recurrence       string `json:"recurrence,omitempty"`
	DeliverToChannel string `json:"deliver_to_channel,omitempty"`
	RetryCount       int    `json:"retry_count"`
}

func (t *listHeartbeatsTool) Execute(ctx context.Context, tc Context, raw json.RawMessage) Output {
	tasks, err := t.store.ListPendingTasks(tc.SessionID)
	if err != nil {
		return Error("failed to list tasks: " + err.Error())
	}

	summaries := make([]heartbeatSummary, 0, len(tasks))
	for _, task := range tasks {
		s := heartbeatSummary{
			ID:               task.ID,
			ExecuteAt:        task.ExecuteAt.Format(time.RFC3339),
			Reason:           task.Payload,
			DeliverToChannel: task.DeliverToChannel,
			RetryCount:       task.RetryCount,
		}
		if task.RecurrenceType != "" {
			if task.RecurrenceType == "cron" && task.Timezone != "" {
				s.Recurrence = fmt.Sprintf("%s %s (%s)", task.RecurrenceType, task.RecurrenceValue, task.Timezone)
			} else {
				s.Recurrence = fmt.Sprintf("%s %s", task.RecurrenceType, task.RecurrenceValue)
			}
		}
		summaries = append(summaries, s)
	}

	out, err := json.Marshal(summaries)
	if err != nil {
		return Error("failed to format task list: " + err.Error())
	}
	return Success(string(out))
}
