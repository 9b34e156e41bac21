package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to a topic keyed by user or product.
type KafkaSink struct {
	writer KafkaWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaWriter builds a writer for brokers and topic with hash partitioning on the event key.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

func NewKafkaSink(writer KafkaWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: writer, logger: logger, now: utcNow}
}

func (sink *KafkaSink) DepositSucceeded(ctx context.Context, userID string, amount int64, bonus int64, newBalance int64) {
	sink.write(ctx, depositEvent(sink.now, userID, amount, bonus, newBalance))
}

func (sink *KafkaSink) StockQuantityChanged(ctx context.Context, productID string, quantity int64) {
	sink.write(ctx, stockEvent(sink.now, productID, quantity))
}

// Close flushes and closes the writer.
func (sink *KafkaSink) Close() error {
	if sink.writer == nil {
		return nil
	}
	return sink.writer.Close()
}

func (sink *KafkaSink) write(ctx context.Context, event Event) {
	if sink.writer == nil {
		sink.logger.Warn("kafka writer not configured, skipping publishing", zap.String("type", event.Type))
		return
	}
	payload, err := encodeEvent(event)
	if err != nil {
		sink.logger.Error("encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	message := kafka.Message{
		Key:   []byte(event.Key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := sink.writer.WriteMessages(ctx, message); err != nil {
		sink.logger.Error("kafka publish failed", zap.String("type", event.Type), zap.String("key", event.Key()), zap.Error(err))
	}
}
