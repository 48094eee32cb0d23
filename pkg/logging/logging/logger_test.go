package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(Options{Env: "dev", Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn should be enabled")
	}

	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithLogger(context.Background(), base)
	ctx = WithFields(ctx, zap.String("request_id", "abc"))
	L(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["request_id"]; got != "abc" {
		t.Fatalf("missing request_id field: %v", entries[0].ContextMap())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	nop := zap.NewNop()
	SetDefault(nop)

	if got := FromContext(context.Background()); got != nop {
		t.Fatalf("expected default logger")
	}
	if got := FromContext(nil); got != nop {
		t.Fatalf("expected default logger for nil context")
	}
}
