package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		logger := New(tt.level, "text")
		if logger == nil {
			t.Fatalf("New(%q): expected non-nil logger", tt.level)
		}
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("New(%q): expected level %v enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.muted) {
			t.Errorf("New(%q): expected level %v disabled", tt.level, tt.muted)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("Expected req-456, got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	if logger := FromContext(ctx); logger == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if retrieved := FromContext(ctx); retrieved != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))

	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}

	ctx = WithRequestID(ctx, "req-789")
	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger from L() with request ID")
	}
}
