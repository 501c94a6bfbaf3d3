package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Step event kinds.
const (
	EventStepEntered = "step_entered"
	EventFinished    = "finished"
)

// StepEvent announces that an instance entered a new step, naming who can act
// on it, or that the instance reached a terminal state.
type StepEvent struct {
	Kind         string    `json:"kind"`
	InstanceID   int64     `json:"instance_id"`
	WorkflowID   int64     `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	OwnerID      int64     `json:"owner_id"`
	Step         int       `json:"step"`
	State        string    `json:"state"`
	AssignUsers  []int64   `json:"assign_users,omitempty"`
	AssignRoles  []string  `json:"assign_roles,omitempty"`
	FormID       *int64    `json:"form_id,omitempty"`
	By           int64     `json:"by"`
	At           time.Time `json:"at"`
}

// Notifier delivers step events. Delivery failures never undo a transition.
type Notifier interface {
	Notify(ctx context.Context, evt StepEvent) error
}

// LogNotifier writes step events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event at info level.
func (n *LogNotifier) Notify(_ context.Context, evt StepEvent) error {
	n.logger.Info("workflow step event",
		zap.String("kind", evt.Kind),
		zap.Int64("instance_id", evt.InstanceID),
		zap.Int64("workflow_id", evt.WorkflowID),
		zap.String("state", evt.State),
		zap.Int64s("assign_users", evt.AssignUsers),
		zap.Strings("assign_roles", evt.AssignRoles),
	)
	return nil
}

// RedisNotifier publishes step events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

// NewRedisNotifier creates a notifier publishing to channel.
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Notify publishes the event.
func (n *RedisNotifier) Notify(ctx context.Context, evt StepEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal step event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", n.channel, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
