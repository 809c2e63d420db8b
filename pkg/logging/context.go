package logging

import (
	"log/slog"
)

// WithTxn creates a logger with transaction context.
// Use this to automatically include the transaction number in all logs.
//
// Example:
//
//	log := logging.WithTxn(txnNum)
//	log.Info("starting operation")
//	log.Debug("processing", "records", count)
func WithTxn(txnNum int64) *slog.Logger {
	return GetLogger().With("txn", txnNum)
}

// WithResource creates a logger with lock-resource context.
// Useful for lock table and lock context operations.
//
// Example:
//
//	log := logging.WithResource(resource.String())
//	log.Debug("lock granted", "mode", mode)
func WithResource(resource string) *slog.Logger {
	return GetLogger().With("resource", resource)
}

// WithLock creates a logger with both transaction and resource context.
//
// Example:
//
//	log := logging.WithLock(txnNum, resource.String())
//	log.Info("lock acquired", "mode", "X")
func WithLock(txnNum int64, resource string) *slog.Logger {
	return GetLogger().With("txn", txnNum, "resource", resource)
}

// WithLSN creates a logger with log-sequence-number context.
// Useful for log manager and recovery operations.
//
// Example:
//
//	log := logging.WithLSN(uint64(lsn))
//	log.Debug("record appended", "type", rec.Type)
func WithLSN(lsn uint64) *slog.Logger {
	return GetLogger().With("lsn", lsn)
}

// WithPage creates a logger with page context.
// Useful for buffer pool and recovery operations.
//
// Example:
//
//	log := logging.WithPage(uint64(pageNum))
//	log.Debug("page flushed", "dirty", isDirty)
func WithPage(pageNum uint64) *slog.Logger {
	return GetLogger().With("page", pageNum)
}

// WithComponent creates a logger with component/subsystem context.
//
// Example:
//
//	log := logging.WithComponent("recovery")
//	log.Info("component initialized")
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger with error context.
// Use this when logging errors to include the error in structured format.
//
// Example:
//
//	log := logging.WithError(err)
//	log.Error("operation failed", "operation", "checkpoint")
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
