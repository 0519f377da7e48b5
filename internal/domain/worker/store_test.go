package worker

import (
	"fmt"
	"testing"
	"time"
)

func TestStatusClassification(t *testing.T) {
	active := []Status{StatusStarting, StatusRunning, StatusWaitingInput, StatusIdle}
	terminal := []Status{StatusCompleted, StatusFailed, StatusStale}

	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("IsActive(%s) = false, want true", s)
		}
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
	for _, s := range terminal {
		if s.IsActive() {
			t.Errorf("IsActive(%s) = true, want false", s)
		}
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	if got := len(ActiveStatuses()); got != 4 {
		t.Errorf("ActiveStatuses() has %d entries, want 4", got)
	}
}

func TestMergeMilestonesDedupes(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := []Milestone{
		{Type: "phase", Label: "setup", Timestamp: ts},
		{Type: "progress", Label: "tests", Timestamp: ts.Add(time.Minute)},
	}
	incoming := []Milestone{
		{Type: "phase", Label: "setup", Timestamp: ts},                   // duplicate
		{Type: "progress", Label: "tests", Timestamp: ts.Add(2 * time.Minute)}, // same label, new ts
		{Type: "phase", Label: "implement", Timestamp: ts.Add(3 * time.Minute)},
	}

	merged := MergeMilestones(existing, incoming)
	if len(merged) != 4 {
		t.Fatalf("merged length = %d, want 4 (one duplicate dropped)", len(merged))
	}
	if merged[2].Label != "tests" || !merged[2].Timestamp.Equal(ts.Add(2*time.Minute)) {
		t.Errorf("expected new-ts tests milestone appended, got %+v", merged[2])
	}

	// Merging the same batch again changes nothing.
	again := MergeMilestones(merged, incoming)
	if len(again) != len(merged) {
		t.Errorf("re-merge grew the ring: %d -> %d", len(merged), len(again))
	}
}

func TestCapMilestonesKeepsMostRecent(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var ms []Milestone
	for i := 0; i < MaxMilestones+20; i++ {
		ms = append(ms, Milestone{
			Type:      "progress",
			Label:     fmt.Sprintf("step-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	capped := CapMilestones(ms)
	if len(capped) != MaxMilestones {
		t.Fatalf("capped length = %d, want %d", len(capped), MaxMilestones)
	}
	if capped[0].Label != "step-20" {
		t.Errorf("oldest surviving milestone = %s, want step-20", capped[0].Label)
	}
	if capped[len(capped)-1].Label != fmt.Sprintf("step-%d", MaxMilestones+19) {
		t.Errorf("newest milestone = %s, want the last appended", capped[len(capped)-1].Label)
	}

	short := []Milestone{{Type: "phase", Label: "only", Timestamp: base}}
	if got := CapMilestones(short); len(got) != 1 {
		t.Errorf("capping a short ring changed its length to %d", len(got))
	}
}

func TestBuildTaskResult(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	w := &Worker{
		CommitCount:   3,
		FilesChanged:  7,
		LinesAdded:    120,
		LinesRemoved:  44,
		LastCommitSHA: "abc1234",
		PRURL:         "https://github.com/acme/repo/pull/9",
		LastQuestion:  "Deploy to staging first?",
		Milestones: []Milestone{
			{Type: MilestonePhase, Label: "setup", Timestamp: ts},
			{Type: "progress", Label: "tests running", Timestamp: ts.Add(time.Minute)},
			{Type: MilestonePhase, Label: "implement", Timestamp: ts.Add(2 * time.Minute)},
		},
	}

	result := BuildTaskResult(w)
	if result.Commits != 3 || result.FilesChanged != 7 {
		t.Errorf("git stats = %d/%d, want 3/7", result.Commits, result.FilesChanged)
	}
	if result.PRURL != w.PRURL || result.SHA != "abc1234" {
		t.Errorf("PR/SHA not carried over: %+v", result)
	}
	if result.LastQuestion != "Deploy to staging first?" {
		t.Errorf("LastQuestion = %q", result.LastQuestion)
	}
	if len(result.Phases) != 2 {
		t.Fatalf("phases = %d, want 2 (phase milestones only)", len(result.Phases))
	}
	if result.Phases[0].Label != "setup" || result.Phases[1].Label != "implement" {
		t.Errorf("phase labels = %s/%s", result.Phases[0].Label, result.Phases[1].Label)
	}
}

func TestPlanApprovalOptions(t *testing.T) {
	opts := PlanApprovalOptions()
	if len(opts) != 3 {
		t.Fatalf("got %d options, want 3", len(opts))
	}
	if opts[2] != "Request changes" {
		t.Errorf("last option = %q, want Request changes", opts[2])
	}
}
