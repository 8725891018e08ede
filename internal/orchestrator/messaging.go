package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message kinds sent to agents.
const (
	KindTaskAssigned   = "task_assigned"
	KindTaskHandoff    = "task_handoff"
	KindTaskReassigned = "task_reassignment"
)

// Notifier delivers fire-and-forget messages to agents. Delivery failures
// are logged by the implementation and never block task progress.
type Notifier interface {
	Notify(ctx context.Context, from, to, kind string, payload map[string]any)
}

// AgentMessage is a message passed between agents.
type AgentMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskID returns the payload's task_id, if any.
func (m *AgentMessage) TaskID() string {
	id, _ := m.Payload["task_id"].(string)
	return id
}

// MessageBus handles inter-agent communication via Redis Streams.
type MessageBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMessageBus creates a Redis-backed message bus.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, logger: logger}, nil
}

const streamPrefix = "agentmesh:agent:"

// Publish sends a message to an agent's stream.
func (mb *MessageBus) Publish(ctx context.Context, msg *AgentMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := streamPrefix + msg.To
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	mb.logger.Debug("published message",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("kind", msg.Kind))
	return nil
}

// Notify implements Notifier on top of Publish.
func (mb *MessageBus) Notify(ctx context.Context, from, to, kind string, payload map[string]any) {
	msg := &AgentMessage{From: from, To: to, Kind: kind, Payload: payload}
	if err := mb.Publish(ctx, msg); err != nil {
		mb.logger.Warn("notify agent failed",
			zap.String("to", to), zap.String("kind", kind), zap.Error(err))
	}
}

// Subscribe listens for messages on an agent's stream, starting after
// lastID ("$" for new messages only, "0" for the full backlog). "$" is
// pinned to the stream's current tail before Subscribe returns, so a message
// published after the call is never skipped.
// Cancel the context to stop; the channel is closed on return.
func (mb *MessageBus) Subscribe(ctx context.Context, agentID, lastID string) <-chan *AgentMessage {
	ch := make(chan *AgentMessage, 16)
	stream := streamPrefix + agentID
	if lastID == "" || lastID == "$" {
		lastID = mb.tail(ctx, stream)
	}

	go func() {
		defer close(ch)

		for ctx.Err() == nil {
			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if !mb.readFailed(ctx, stream, err) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					if !deliver(ctx, ch, msg) {
						return
					}
				}
			}
		}
	}()

	return ch
}

// tail returns the ID of the newest entry, or "0-0" for an empty stream.
func (mb *MessageBus) tail(ctx context.Context, stream string) string {
	last, err := mb.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		mb.logger.Warn("read stream tail", zap.String("stream", stream), zap.Error(err))
	}
	if len(last) == 0 {
		return "0-0"
	}
	return last[0].ID
}

// SubscribeGroup reads an agent's stream as consumer within a consumer
// group. The group is created on first use at the start of the stream, so
// messages published before the first read are still delivered. Entries left
// pending by an earlier run of the same consumer are redelivered first.
// Each entry is acknowledged once handed to the channel.
func (mb *MessageBus) SubscribeGroup(ctx context.Context, agentID, group, consumer string) (<-chan *AgentMessage, error) {
	stream := streamPrefix + agentID
	err := mb.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	ch := make(chan *AgentMessage, 16)
	go func() {
		defer close(ch)

		// "0" drains this consumer's pending list, ">" asks for new entries.
		lastID := "0"
		for ctx.Err() == nil {
			results, err := mb.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, lastID},
				Count:    10,
				Block:    time.Second * 2,
			}).Result()
			if err != nil {
				if !mb.readFailed(ctx, stream, err) {
					return
				}
				continue
			}

			n := 0
			for _, r := range results {
				for _, msg := range r.Messages {
					n++
					if !deliver(ctx, ch, msg) {
						return
					}
					if err := mb.rdb.XAck(context.WithoutCancel(ctx), stream, group, msg.ID).Err(); err != nil {
						mb.logger.Warn("xack failed", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
					}
				}
			}
			if lastID == "0" && n == 0 {
				lastID = ">"
			}
		}
	}()

	return ch, nil
}

// readFailed handles a read error and reports whether reading should go on.
func (mb *MessageBus) readFailed(ctx context.Context, stream string, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	mb.logger.Debug("stream read failed", zap.String("stream", stream), zap.Error(err))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(500 * time.Millisecond):
		return true
	}
}

// deliver decodes one stream entry onto ch. Malformed entries are dropped.
func deliver(ctx context.Context, ch chan<- *AgentMessage, msg redis.XMessage) bool {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return true
	}
	var am AgentMessage
	if json.Unmarshal([]byte(data), &am) != nil {
		return true
	}
	select {
	case ch <- &am:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}

// LogNotifier only logs notifications. Used when no bus is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, from, to, kind string, payload map[string]any) {
	n.Logger.Info("agent notification",
		zap.String("from", from), zap.String("to", to), zap.String("kind", kind), zap.Any("payload", payload))
}

// Notifiers fans a notification out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, from, to, kind string, payload map[string]any) {
	for _, n := range ns {
		n.Notify(ctx, from, to, kind, payload)
	}
}
