package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("Worker", LevelWarn, &buf)

	l.Debug("hidden")
	l.Info("also hidden")
	l.Warn("visible", "code", 42)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] visible code=42") {
		t.Errorf("missing warn line: %q", out)
	}
}

func TestWithDocumentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("Worker", LevelInfo, &buf)

	l.WithDocument("abc-123").Info("page converted", "pages", 3)

	out := buf.String()
	if !strings.Contains(out, "[Worker] [Doc abc-123]") {
		t.Errorf("missing document prefix: %q", out)
	}
	if !strings.Contains(out, "pages=3") {
		t.Errorf("missing kv pair: %q", out)
	}
}

func TestOddKeyValuePairIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithLevel("Worker", LevelInfo, &buf)

	l.Info("msg", "dangling")

	if strings.Contains(buf.String(), "dangling") {
		t.Errorf("dangling key should be dropped: %q", buf.String())
	}
}
