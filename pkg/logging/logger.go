package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LogLevel selects logging verbosity. The lock table logs every block and
// grant at DEBUG; INFO carries lifecycle events (kernel open, checkpoint,
// restart phases).
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Config configures the process-wide logger.
type Config struct {
	Level      LogLevel
	OutputPath string // empty for stdout, or a file path
	Format     string // "json" or "text"
}

var (
	mu      sync.Mutex
	logger  *slog.Logger
	level   slog.LevelVar // shared by every handler ever built
	logFile *os.File
)

// Init configures the global logger. Call once at startup; a second Init
// without an intervening Close is an error, so two subsystems cannot
// silently fight over the log destination.
func Init(config Config) error {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		return fmt.Errorf("logger already initialized; call Close first to reconfigure")
	}

	writer := io.Writer(os.Stdout)
	if config.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o750); err != nil {
			return err
		}
		file, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		writer = file
		logFile = file
	}

	level.Set(parseLevel(config.Level))
	logger = slog.New(buildHandler(writer, config.Format))
	return nil
}

// InitDefault installs an INFO-level text logger on stdout. Safe to call
// any number of times; only the first has an effect.
func InitDefault() {
	mu.Lock()
	defer mu.Unlock()
	initDefaultLocked()
}

func initDefaultLocked() {
	if logger != nil {
		return
	}
	level.Set(slog.LevelInfo)
	logger = slog.New(buildHandler(os.Stdout, "text"))
}

// SetLevel changes the verbosity of the already-installed logger without
// rebuilding it, so a long-running kernel can be flipped to DEBUG while
// diagnosing lock waits and back afterwards.
func SetLevel(l LogLevel) {
	level.Set(parseLevel(l))
}

// Close releases the log file, if any, and resets the logger so Init may be
// called again. Safe to call on an uninitialized or already-closed logger.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	var err error
	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}
	logger = nil
	return err
}

// GetLogger returns the global logger, lazily installing the default one so
// packages that log during init never see nil.
func GetLogger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	initDefaultLocked()
	return logger
}

func buildHandler(writer io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: &level}
	if format == "json" {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

func parseLevel(l LogLevel) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
