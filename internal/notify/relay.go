package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
)

// DefaultRelayChannel is the pub/sub channel shared by every instance.
const DefaultRelayChannel = "dialectic:events"

// RedisRelay publishes events on a Redis channel and hands events received
// from any instance to a local sink, so clients attached to other
// instances see them too.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	ready   chan struct{}
}

func NewRedisRelay(client *redis.Client, channel string, local Sink, logger *zap.Logger, m *metrics.Metrics) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.Named("relay"),
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Broadcast publishes ev to every instance, including this one.
func (r *RedisRelay) Broadcast(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.metrics.RecordBroadcastError("redis")
		r.logger.Warn("publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Ready is closed once the subscription is active.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run forwards relayed events to the local sink until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				r.logger.Warn("decode relayed event", zap.Error(err))
				continue
			}
			r.local.Broadcast(ctx, wire.event())
		}
	}
}
