package natslog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestLevelFiltering(t *testing.T) {
	color.NoColor = true
	buffer := bytes.NewBuffer(nil)
	logger := New(buffer, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("visible", "key", "value")

	output := buffer.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("debug record leaked below the configured level: %q", output)
	}
	if !strings.Contains(output, "visible") || !strings.Contains(output, "key=value") {
		t.Fatalf("info record not rendered: %q", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Fatalf("level name missing: %q", output)
	}
}

func TestAttrsAndGroups(t *testing.T) {
	color.NoColor = true
	buffer := bytes.NewBuffer(nil)
	logger := New(buffer, slog.LevelDebug).
		With("client", "test").
		WithGroup("conn")

	logger.Warn("slow consumer", "subject", "orders")

	output := buffer.String()
	if !strings.Contains(output, "client=test") {
		t.Fatalf("inherited attribute missing: %q", output)
	}
	if !strings.Contains(output, "conn.subject=orders") {
		t.Fatalf("group prefix missing: %q", output)
	}
	if !strings.Contains(output, "WARN") {
		t.Fatalf("level name missing: %q", output)
	}
}

func TestOneLinePerRecord(t *testing.T) {
	color.NoColor = true
	buffer := bytes.NewBuffer(nil)
	logger := New(buffer, slog.LevelDebug)

	logger.Info("first")
	logger.Error("second", "error", "boom")

	lines := strings.Split(strings.TrimRight(buffer.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per record, got %d: %q", len(lines), buffer.String())
	}
}
