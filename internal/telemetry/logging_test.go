package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for env, want := range cases {
		t.Setenv("LOG_LEVEL", env)
		if got := LogLevel(); got != want {
			t.Errorf("LOG_LEVEL=%q: level = %v, want %v", env, got, want)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext should return the logger stored by WithLogger")
	}

	// Без логгера в контексте возвращается глобальный
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext should fall back to the default logger")
	}
}

func TestWithRunIDAndStage(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WithStage(WithRunID(logger, "run-1"), "extract").Info("stage started")

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("run_id=run-1")) ||
		!bytes.Contains([]byte(out), []byte("stage=extract")) {
		t.Errorf("log line should carry run_id and stage keys, got %q", out)
	}
}
