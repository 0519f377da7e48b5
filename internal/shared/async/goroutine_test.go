package async

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubPanicLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *stubPanicLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

func (l *stubPanicLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.messages))
	copy(out, l.messages)
	return out
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &stubPanicLogger{}
	done := make(chan struct{})

	Go(logger, "test", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for goroutine")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		messages := logger.snapshot()
		for _, msg := range messages {
			if strings.Contains(msg, "goroutine panic [test]") {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected panic log, got %v", messages)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoverHandlesNilLogger(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()

	func() {
		defer Recover(nil, "nil-logger")
		panic("boom")
	}()
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Loop(ctx, nil, "tick", 5*time.Millisecond, func(context.Context) {
			ticks.Add(1)
		})
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for ticks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 2 ticks, got %d", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestLoopSurvivesPanickingIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := &stubPanicLogger{}
	var ticks atomic.Int32
	go Loop(ctx, logger, "flaky", 5*time.Millisecond, func(context.Context) {
		if ticks.Add(1) == 1 {
			panic("first tick fails")
		}
	})

	deadline := time.Now().Add(500 * time.Millisecond)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop stopped after panic, ticks=%d", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	found := false
	for _, msg := range logger.snapshot() {
		if strings.Contains(msg, "goroutine panic [flaky]") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected panic to be logged")
	}
}
