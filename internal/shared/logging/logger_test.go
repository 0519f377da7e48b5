package logging

import (
	"fmt"
	"testing"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record("D", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record("I", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record("W", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record("E", format, args...) }

func (r *recordingLogger) record(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}

	var typedNil *recordingLogger
	got := OrNop(typedNil)
	if got == nil {
		t.Fatal("OrNop(typed nil) returned nil")
	}
	// Must not panic.
	got.Info("hello %s", "world")

	rec := &recordingLogger{}
	if OrNop(rec) != Logger(rec) {
		t.Fatal("OrNop should pass through non-nil loggers")
	}
}

func TestIsNil(t *testing.T) {
	tests := []struct {
		name   string
		logger Logger
		want   bool
	}{
		{"nil interface", nil, true},
		{"typed nil pointer", (*recordingLogger)(nil), true},
		{"non-nil", &recordingLogger{}, false},
		{"nop", Nop(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNil(tt.logger); got != tt.want {
				t.Errorf("IsNil() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiFanOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	logger := Multi(a, nil, b)
	logger.Warn("count=%d", 7)

	for i, rec := range []*recordingLogger{a, b} {
		if len(rec.lines) != 1 || rec.lines[0] != "W count=7" {
			t.Fatalf("logger %d got %v", i, rec.lines)
		}
	}
}

func TestMultiFlattensNested(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}
	nested := Multi(a, b)

	combined := Multi(nested)
	combined.Error("boom")

	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("expected fan-out through nested multi, got %v / %v", a.lines, b.lines)
	}
}

func TestMultiEmptyIsNop(t *testing.T) {
	logger := Multi(nil, nil)
	// Must not panic.
	logger.Debug("ignored")
	logger.Info("ignored")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
