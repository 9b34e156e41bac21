package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel carries every shop event.
const DefaultRedisChannel = "vaultshop.events"

// Publisher is the subset of a go-redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes JSON events on a Redis channel.
type RedisSink struct {
	client  Publisher
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

func NewRedisSink(client Publisher, channel string, logger *zap.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, channel: channel, logger: logger, now: utcNow}
}

func (sink *RedisSink) DepositSucceeded(ctx context.Context, userID string, amount int64, bonus int64, newBalance int64) {
	sink.publish(ctx, depositEvent(sink.now, userID, amount, bonus, newBalance))
}

func (sink *RedisSink) StockQuantityChanged(ctx context.Context, productID string, quantity int64) {
	sink.publish(ctx, stockEvent(sink.now, productID, quantity))
}

func (sink *RedisSink) publish(ctx context.Context, event Event) {
	payload, err := encodeEvent(event)
	if err != nil {
		sink.logger.Error("encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if err := sink.client.Publish(ctx, sink.channel, payload).Err(); err != nil {
		sink.logger.Warn("redis publish failed", zap.String("channel", sink.channel), zap.String("type", event.Type), zap.Error(err))
	}
}
