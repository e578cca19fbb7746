// Package scheduler implements the Scheduler: a single
// poller that drains due heartbeat tasks from the Session Store, re-enters
// the Agent Runtime for each, delivers the result to a channel, and
// retries or reschedules as needed.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/agent"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/store"
)

// ChannelSender is the send-only handle every channel adapter registers: the
// scheduler never holds a channel lifecycle object, only this thin
// interface, looked up by channel id.
type ChannelSender interface {
	ChannelType() string
	SendMessage(ctx context.Context, channelID, text string) error
}

// HistoryLimit bounds how much recent conversation is loaded for a
// heartbeat's context.
const HistoryLimit = 20

// PollInterval is the default tick cadence for due-task polling.
const PollInterval = 3 * time.Second

// Scheduler runs one poller goroutine. ChannelSenders is read-write
// lock free by convention: callers register senders before Run starts and
// the map is not mutated concurrently with polling in this design (a
// single-writer process, so ordering across a session's history is preserved).
type Scheduler struct {
	store     *store.Store
	runtime   *agent.Runtime
	senders   map[string]ChannelSender
	log       zerolog.Logger
	interval  time.Duration
}

func New(st *store.Store, rt *agent.Runtime, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		runtime:  rt,
		senders:  map[string]ChannelSender{},
		log:      log.With().Str("component", "scheduler").Logger(),
		interval: PollInterval,
	}
}

// RegisterChannel binds a channel id to its send handle.
func (s *Scheduler) RegisterChannel(channelID string, sender ChannelSender) {
	s.senders[channelID] = sender
}

// Run polls on a ticker until ctx is cancelled or stop fires, checking
// between sleeps and between individual tasks.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tick(ctx, stop)
		}
	}
}

// tick processes one poll batch. Tasks are handled in ascending
// execute_at order within the batch, as PollDueTasks already returns them
// that way.
func (s *Scheduler) tick(ctx context.Context, stop <-chan struct{}) {
	tasks, err := s.store.PollDueTasks()
	if err != nil {
		s.log.Error().Err(err).Msg("poll_due_tasks failed")
		return
	}

	for _, task := range tasks {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.runOne(ctx, task)
	}
}

func (s *Scheduler) runOne(ctx context.Context, task store.ScheduledTask) {
	deliverChannel := task.ChannelID
	if task.DeliverToChannel != "" {
		deliverChannel = task.DeliverToChannel
	}
	sender, ok := s.senders[deliverChannel]
	if !ok {
		s.log.Warn().Str("task_id", task.ID).Str("channel", deliverChannel).Msg("no channel sender bound; failing task")
		if err := s.store.FailTask(task.ID); err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("fail_task failed")
		}
		return
	}

	metadata, _, err := s.store.LoadSessionMetadata(task.SessionID)
	var continuityKey string
	if err == nil && metadata != nil {
		if ck, ok := metadata["continuity_key"].(string); ok {
			continuityKey = ck
		}
	}

	history, err := s.store.LoadRecentMessages(task.SessionID, HistoryLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to load heartbeat history; proceeding without it")
	}

	result, err := s.runtime.ProcessHeartbeat(ctx, task.SessionID, task.Payload, toChatMessages(history), continuityKey, task.UserID, task.HeartbeatDepth)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("heartbeat invocation failed; scheduling retry")
		retried, rerr := s.store.RetryOrFailTask(task.ID)
		if rerr != nil {
			s.log.Error().Err(rerr).Str("task_id", task.ID).Msg("retry_or_fail_task failed")
		}
		if !retried {
			s.log.Warn().Str("task_id", task.ID).Msg("heartbeat task exhausted retries; marked failed")
		}
		return
	}

	if err := sender.SendMessage(ctx, deliverChannel, result.Text); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to deliver heartbeat result")
	}

	completed, err := s.store.CompleteTask(task.ID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("complete_task failed")
		return
	}
	if !completed {
		// Already cancelled or otherwise handled between poll and now.
		return
	}

	if _, err := s.store.RescheduleRecurringTask(task); err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("reschedule_recurring_task failed")
	}
}

func toChatMessages(msgs []store.StoredMessage) []provider.ChatMessage {
	result := make([]provider.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := provider.RoleUser
		if m.Direction == store.DirectionOutgoing {
			role = provider.RoleAssistant
		}
		result = append(result, provider.NewTextMessage(role, m.Content))
	}
	return result
}
