// Package oplog adapts the rewards operation callback to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/perkpay/pkg/rewards"
	"go.uber.org/zap"
)

// ZapLogger writes one structured line per rewards operation.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger as a rewards.OperationLogger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements rewards.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry rewards.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.MerchantID.String() != "" {
		fields = append(fields, zap.String("merchant_id", entry.MerchantID.String()))
	}
	if entry.CustomerID.String() != "" {
		fields = append(fields, zap.String("customer_id", entry.CustomerID.String()))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.LocalCents != 0 || entry.NetworkCents != 0 {
		fields = append(fields,
			zap.Int64("local_cents", entry.LocalCents.Int64()),
			zap.Int64("network_cents", entry.NetworkCents.Int64()),
		)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("rewards operation failed", fields...)
		return
	}
	zapLogger.logger.Info("rewards operation", fields...)
}
