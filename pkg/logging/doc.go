// Package logging provides a process-wide structured logger for txnkernel.
//
// The package wraps [log/slog] and exposes a single global logger instance
// that is initialized once and then retrieved via GetLogger. All subsystems
// should obtain a logger through this package rather than constructing their
// own slog.Logger values, so that log level and output destination are
// controlled from a single place.
//
// # Initialisation
//
// Call Init (or InitDefault for sensible defaults) once at program startup,
// before any goroutines that might call GetLogger are spawned:
//
//	err := logging.Init(logging.Config{
//	    Level:      logging.LevelDebug,
//	    OutputPath: "/var/log/txnkernel/kernel.log",
//	})
//
// InitDefault writes INFO-level logs to stdout.
//
// # Retrieving the logger
//
//	logger := logging.GetLogger()
//	logger.Info("kernel opened", "dir", dataDir)
//
// If GetLogger is called before Init, a default logger is installed lazily
// so that packages that log during init are safe. SetLevel adjusts the
// verbosity of a running logger in place.
//
// # Context helpers
//
// Several helpers return child loggers pre-populated with structured fields,
// reducing repetition in hot paths:
//
//	log := logging.WithTxn(txnNum)      // adds txn field
//	log := logging.WithResource(name)   // adds resource field
//	log := logging.WithLSN(lsn)         // adds lsn field
package logging
