package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/internal/cache"
)

// NotifyChannel is the Redis pub/sub channel carrying job-available
// events.
const NotifyChannel = "conveyor:jobs:available"

// JobEvent is the payload published when a job becomes claimable. Workers
// use it to wake up early; the claim itself still goes through the queue,
// so a stale or duplicated event is harmless.
type JobEvent struct {
	JobID                string    `json:"job_id"`
	WorkflowRef          string    `json:"workflow_ref"`
	Priority             int       `json:"priority"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	At                   time.Time `json:"at"`
}

// RedisNotifier publishes job-available events over Redis pub/sub.
// Publishing is best-effort: a notification failure is logged, never
// surfaced, because polling remains the fallback.
type RedisNotifier struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewRedisNotifier creates a notifier on the shared cache manager.
func NewRedisNotifier(c *cache.Manager, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		cache:  c,
		logger: logger.With(zap.String("component", "job_notifier")),
	}
}

// JobAvailable implements Notifier.
func (n *RedisNotifier) JobAvailable(ctx context.Context, job *Job) {
	event := JobEvent{
		JobID:                job.ID,
		WorkflowRef:          job.WorkflowRef,
		Priority:             job.Priority,
		RequiredCapabilities: job.RequiredCapabilities,
		At:                   time.Now().UTC(),
	}
	if err := n.cache.Publish(ctx, NotifyChannel, event); err != nil {
		n.logger.Warn("job-available publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Listen subscribes to job-available events and forwards them until the
// context ends. Decode failures are logged and skipped.
func (n *RedisNotifier) Listen(ctx context.Context, events chan<- JobEvent) error {
	sub := n.cache.Subscribe(ctx, NotifyChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeJobEvent(msg)
			if err != nil {
				n.logger.Warn("bad job event", zap.Error(err))
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// A slow consumer only loses a wake-up, not a job.
			}
		}
	}
}

func decodeJobEvent(msg *redis.Message) (JobEvent, error) {
	var event JobEvent
	err := json.Unmarshal([]byte(msg.Payload), &event)
	return event, err
}
