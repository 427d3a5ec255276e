package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// wireEvent is the pub/sub payload.
type wireEvent struct {
	Event  string          `json:"event"`
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// RedisPublisher publishes events on a redis channel. Publish failures are
// logged; notifications are best effort.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger.Named("events")}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(wireEvent{Event: e.EventType, UserID: e.UserID, Data: json.RawMessage(e.Data)})
	if err != nil {
		p.logger.Warn("encode event", zap.String("event", e.EventType), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("channel", p.channel),
			zap.String("event", e.EventType),
			zap.Error(err))
	}
}

// decodeWire turns a pub/sub payload back into an Event.
func decodeWire(payload string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Event{}, err
	}
	return Event{EventType: w.Event, UserID: w.UserID, Data: string(w.Data)}, nil
}

// Relay subscribes to channel and forwards every event to hub until ctx is
// done. Run it when several replicas serve SSE clients behind one channel.
func Relay(ctx context.Context, rdb redis.UniversalClient, channel string, hub *Hub, logger *zap.Logger) {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, err := decodeWire(msg.Payload)
			if err != nil {
				logger.Warn("drop malformed event", zap.Error(err))
				continue
			}
			hub.Publish(ctx, e)
		}
	}
}
