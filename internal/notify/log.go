package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("notify")}
}

func (sink *LogSink) DepositSucceeded(_ context.Context, userID string, amount int64, bonus int64, newBalance int64) {
	sink.logger.Info(EventDepositSucceeded,
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("bonus", bonus),
		zap.Int64("new_balance", newBalance),
	)
}

func (sink *LogSink) StockQuantityChanged(_ context.Context, productID string, quantity int64) {
	sink.logger.Info(EventStockQuantityChanged,
		zap.String("product_id", productID),
		zap.Int64("quantity", quantity),
	)
}
