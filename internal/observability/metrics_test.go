package observability

import (
	"context"
	"testing"
	"time"
)

func TestDisabledCollectorIsInert(t *testing.T) {
	collector, err := NewMetricsCollector(false)
	if err != nil {
		t.Fatalf("NewMetricsCollector(false) failed: %v", err)
	}

	ctx := context.Background()
	collector.RecordClaimAttempt(ctx, "claimed", 10*time.Millisecond)
	collector.RecordWorkerTransition(ctx, "active")
	collector.RecordReassignment(ctx, "sweep")
	collector.RecordSchedulerTick(ctx)
	collector.RecordScheduleFire(ctx, "instantiated")
	collector.RecordProbeLatency(ctx, "http_json", 5*time.Millisecond)
	collector.RecordBusEvent(ctx, "workspace-abc", true)
	collector.RecordHTTPServerRequest(ctx, "GET", "/api/tasks", 200, time.Millisecond, 128)
	collector.IncrementWSConnections(ctx)
	collector.DecrementWSConnections(ctx)
	collector.IncrementSSEConnections(ctx)
	collector.DecrementSSEConnections(ctx)

	if err := collector.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown on disabled collector: %v", err)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *MetricsCollector
	ctx := context.Background()
	collector.RecordClaimAttempt(ctx, "claimed", time.Millisecond)
	collector.RecordBusEvent(ctx, "worker-w1", false)
	collector.RecordHTTPServerRequest(ctx, "POST", "/api/tasks/claim", 429, time.Millisecond, 64)
	if err := collector.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown on nil collector: %v", err)
	}
}

func TestHooksObserveRecordings(t *testing.T) {
	collector, err := NewMetricsCollector(false)
	if err != nil {
		t.Fatalf("NewMetricsCollector failed: %v", err)
	}

	var claimOutcome, fireOutcome, busChannel string
	var busDropped bool
	var httpStatus int
	collector.SetTestHooks(MetricsTestHooks{
		ClaimAttempt: func(outcome string, _ time.Duration) { claimOutcome = outcome },
		ScheduleFire: func(outcome string) { fireOutcome = outcome },
		BusEvent: func(channel string, dropped bool) {
			busChannel = channel
			busDropped = dropped
		},
		HTTPServerRequest: func(_, _ string, status int, _ time.Duration, _ int64) {
			httpStatus = status
		},
	})

	ctx := context.Background()
	collector.RecordClaimAttempt(ctx, "capacity", time.Millisecond)
	collector.RecordScheduleFire(ctx, "probe_failed")
	collector.RecordBusEvent(ctx, "task-t1", true)
	collector.RecordHTTPServerRequest(ctx, "POST", "/api/tasks/claim", 429, time.Millisecond, 96)

	if claimOutcome != "capacity" {
		t.Errorf("claim hook outcome = %q, want capacity", claimOutcome)
	}
	if fireOutcome != "probe_failed" {
		t.Errorf("fire hook outcome = %q, want probe_failed", fireOutcome)
	}
	if busChannel != "task-t1" || !busDropped {
		t.Errorf("bus hook = %q/%v, want task-t1/true", busChannel, busDropped)
	}
	if httpStatus != 429 {
		t.Errorf("http hook status = %d, want 429", httpStatus)
	}
}
