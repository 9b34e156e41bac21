// Package logging builds the process logger and adapts domain operation logs to zap.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
)

const statusError = "error"

// NewLogger builds a production JSON logger at level ("debug", "info", ...).
func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

// ZapOperationLogger writes ledger and inventory operation logs.
type ZapOperationLogger struct {
	logger *zap.Logger
}

var (
	_ ledger.OperationLogger    = (*ZapOperationLogger)(nil)
	_ inventory.OperationLogger = (*ZapOperationLogger)(nil)
)

func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
	}
	if code := entry.TransactionCode.String(); code != "" {
		fields = append(fields, zap.String("transaction_code", code))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", string(entry.Type)))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	operationLogger.write("ledger", entry.Status, entry.Error, fields)
}

func (operationLogger *ZapOperationLogger) LogInventoryOperation(_ context.Context, entry inventory.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("product_id", entry.ProductID.String()),
	}
	if entry.ItemID != 0 {
		fields = append(fields, zap.Int64("item_id", entry.ItemID))
	}
	if entry.Quantity != 0 {
		fields = append(fields, zap.Int64("quantity", entry.Quantity))
	}
	operationLogger.write("inventory", entry.Status, entry.Error, fields)
}

func (operationLogger *ZapOperationLogger) write(component string, status string, err error, fields []zap.Field) {
	if err != nil || status == statusError {
		operationLogger.logger.Error(component+" operation", append(fields, zap.Error(err))...)
		return
	}
	operationLogger.logger.Info(component+" operation", fields...)
}
