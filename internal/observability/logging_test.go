package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"alert":   LevelAlert,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAlert_RenamedLevelAndServiceTags(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "error", "settlement-engine", "test")

	Alert(context.Background(), logger, "invariant violated", "wallet_id", "w1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["level"] != "ALERT" {
		t.Errorf("expected level ALERT, got %v", rec["level"])
	}
	if rec["service"] != "settlement-engine" || rec["env"] != "test" {
		t.Errorf("missing service tags: %v", rec)
	}
	if rec["wallet_id"] != "w1" {
		t.Errorf("missing attribute: %v", rec)
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "svc", "test")
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}
}
