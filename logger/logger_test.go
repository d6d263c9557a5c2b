package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLoggerWrites(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelDebug)
	log.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "value") {
		t.Errorf("Expected message and attr in output, got %q", out)
	}
}

func TestWithAddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "search")
	log.Info("step")

	if !strings.Contains(buf.String(), "search") {
		t.Errorf("Expected bound attr in output, got %q", buf.String())
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
}
