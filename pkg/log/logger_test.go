package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithLevel(WarnLevel),
		WithFormatter(&TextFormatter{}),
		WithOutput(NewWriterOutput(&buf)),
	)
	l.Info("should not appear")
	l.Warn("should appear")
	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info log leaked past warn level: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn log missing: %q", out)
	}
}

func TestWithFieldsMerges(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithLevel(DebugLevel),
		WithFormatter(&JSONFormatter{}),
		WithOutput(NewWriterOutput(&buf)),
	)
	l = l.With(Component("broker"), Str("queue", "q1"))
	l.Debug("dequeued")
	out := buf.String()
	if !strings.Contains(out, `"component":"broker"`) || !strings.Contains(out, `"queue":"q1"`) {
		t.Fatalf("expected merged fields in output: %q", out)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
