package logging

import (
	"context"
	"log/slog"
	"testing"
)

func reset(t *testing.T) {
	t.Helper()
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	t.Cleanup(func() { Close() })
}

func TestGetLoggerInstallsDefault(t *testing.T) {
	reset(t)

	if GetLogger() == nil {
		t.Fatal("expected a lazily installed logger")
	}
	if !GetLogger().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger should enable INFO")
	}
	if GetLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("default logger should not enable DEBUG")
	}
}

func TestDoubleInitRejected(t *testing.T) {
	reset(t)

	if err := Init(Config{Level: LevelInfo}); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := Init(Config{Level: LevelDebug}); err == nil {
		t.Fatal("second init without Close should fail")
	}
}

func TestSetLevelAdjustsRunningLogger(t *testing.T) {
	reset(t)

	if err := Init(Config{Level: LevelWarn}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if GetLogger().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("WARN logger should not enable INFO")
	}

	SetLevel(LevelDebug)
	if !GetLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("SetLevel(DEBUG) should enable DEBUG in place")
	}
}
