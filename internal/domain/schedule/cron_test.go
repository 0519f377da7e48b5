package schedule

import (
	"testing"
	"time"
)

func TestNextFireFiveField(t *testing.T) {
	after := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) // Monday

	next, err := NextFire("0 9 * * 1-5", "UTC", after)
	if err != nil {
		t.Fatalf("NextFire failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestNextFireSixFieldSeconds(t *testing.T) {
	after := time.Date(2026, 3, 2, 8, 0, 10, 0, time.UTC)

	next, err := NextFire("30 * * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextFire failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 8, 0, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestNextFireHonorsTimezone(t *testing.T) {
	// 09:00 in New York on 2026-03-02 (EST, UTC-5) is 14:00 UTC.
	after := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	next, err := NextFire("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextFire failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s (09:00 America/New_York)", next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("next not returned in UTC")
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name, expr, tz string
	}{
		{"garbage", "not a cron", "UTC"},
		{"too few fields", "* *", "UTC"},
		{"bad timezone", "0 9 * * *", "Mars/Olympus"},
		{"empty", "", "UTC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.expr, tc.tz); err == nil {
				t.Errorf("Validate(%q, %q) accepted invalid input", tc.expr, tc.tz)
			}
		})
	}

	if err := Validate("*/5 * * * *", "UTC"); err != nil {
		t.Errorf("Validate rejected a valid expression: %v", err)
	}
	if err := Validate("@hourly", ""); err != nil {
		t.Errorf("Validate rejected @hourly: %v", err)
	}
}

func TestNextFiresPreview(t *testing.T) {
	after := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	fires, err := NextFires("0 */6 * * *", "UTC", after, 3)
	if err != nil {
		t.Fatalf("NextFires failed: %v", err)
	}
	if len(fires) != 3 {
		t.Fatalf("got %d fires, want 3", len(fires))
	}
	for i := 1; i < len(fires); i++ {
		if got := fires[i].Sub(fires[i-1]); got != 6*time.Hour {
			t.Errorf("gap %d = %s, want 6h", i, got)
		}
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct{ expr, want string }{
		{"* * * * *", "every minute"},
		{"*/15 * * * *", "every 15 minutes"},
		{"30 * * * *", "hourly at minute 30"},
		{"0 9 * * *", "daily at 09:00"},
		{"0 9 * * 1", "weekly on day 1 at 09:00"},
		{"@hourly", "every hour"},
		{"@every 5m", "every 5m"},
		{"0 30 9 * * *", "daily at 09:30"},
		{"5 4 1 1 *", "5 4 1 1 *"}, // no pattern match, raw fallback
	}
	for _, tc := range cases {
		if got := Describe(tc.expr); got != tc.want {
			t.Errorf("Describe(%q) = %q, want %q", tc.expr, got, tc.want)
		}
	}
}

func TestScheduleNormalizeAndFailureAccounting(t *testing.T) {
	s := &Schedule{}
	s.Normalize()
	if s.Timezone != "UTC" || s.MaxConcurrentFromSchedule != 1 || s.PauseAfterFailures != 5 {
		t.Fatalf("Normalize defaults = %+v", s)
	}

	s.Enabled = true
	now := time.Now()
	s.NextRunAt = &now
	for i := 0; i < 4; i++ {
		if paused := s.RecordFailure("probe timeout"); paused {
			t.Fatalf("paused after %d failures, want pause at 5", i+1)
		}
	}
	if !s.RecordFailure("probe timeout") {
		t.Fatalf("5th consecutive failure did not pause")
	}
	if s.Enabled || s.NextRunAt != nil {
		t.Errorf("paused schedule still enabled=%v nextRunAt=%v", s.Enabled, s.NextRunAt)
	}

	s.RecordSuccess()
	if s.ConsecutiveFailures != 0 || s.LastError != "" {
		t.Errorf("RecordSuccess did not clear streak: %+v", s)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Review release {{triggerValue}}", "v1.4.2")
	if got != "Review release v1.4.2" {
		t.Errorf("RenderTemplate = %q", got)
	}
	if got := RenderTemplate("no placeholders", "x"); got != "no placeholders" {
		t.Errorf("RenderTemplate without placeholder = %q", got)
	}
}
