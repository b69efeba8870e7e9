package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedChannel = "telemetry:feed"
	publishTTL  = 5 * time.Second
)

// feedMessage is the message published to Redis for cross-instance broadcast.
type feedMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisFanout bridges feed notifications across ingest instances via Redis
// pub/sub: Broadcast publishes to the shared channel, and Run forwards received
// messages to the local hub so every instance's dashboard clients see them.
type RedisFanout struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewRedisFanout creates a Redis pub/sub bridge for the live feed. hub may be
// nil for publish-only use (the worker notifies without serving clients).
func NewRedisFanout(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisFanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFanout{client: client, hub: hub, logger: logger}
}

// Broadcast publishes a feed notification to the shared Redis channel.
func (f *RedisFanout) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Warn("feed payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	body, err := json.Marshal(feedMessage{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		f.logger.Warn("feed message marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	if err := f.client.Publish(ctx, feedChannel, body).Err(); err != nil {
		f.logger.Warn("feed publish failed", zap.String("event", event), zap.Error(err))
	}
}

// Run subscribes to the shared channel and forwards messages to the local hub
// until ctx is done.
func (f *RedisFanout) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, feedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m feedMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					f.logger.Warn("invalid feed message", zap.Error(err))
					continue
				}
				f.hub.Broadcast(m.Event, m.Data)
			}
		}
	}()
	return nil
}
