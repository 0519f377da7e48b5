// Package bus defines the dispatch event contract between the coordination
// kernel and connected runners.
//
// The kernel publishes; runners subscribe. Per-channel FIFO is not guaranteed,
// so consumers deduplicate by event id and gate on the worker's
// sessionGeneration where ordering matters.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Event names carried on the wire.
const (
	EventTaskAssigned    = "TaskAssigned"
	EventTaskClaimed     = "TaskClaimed"
	EventTaskUnblocked   = "TaskUnblocked"
	EventWorkerStarted   = "WorkerStarted"
	EventWorkerProgress  = "WorkerProgress"
	EventWorkerCompleted = "WorkerCompleted"
	EventWorkerFailed    = "WorkerFailed"
	EventSkillInstall    = "SkillInstall"
)

// Event is one dispatch notification.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Critical reports whether the event is a committed change of intent that
// must reach subscribers even under backpressure. Progress traffic is
// droppable; assignments, unblocks, terminal outcomes, and skill pushes are
// not.
func (e *Event) Critical() bool {
	switch e.Event {
	case EventTaskAssigned, EventTaskUnblocked, EventWorkerCompleted, EventWorkerFailed, EventSkillInstall:
		return true
	default:
		return false
	}
}

// WorkspaceChannel names the channel all runners serving a workspace watch.
func WorkspaceChannel(workspaceID string) string {
	return "workspace-" + workspaceID
}

// WorkerChannel names the channel scoped to one worker.
func WorkerChannel(workerID string) string {
	return "worker-" + workerID
}

// TaskChannel names the channel scoped to one task.
func TaskChannel(taskID string) string {
	return "task-" + taskID
}

// Publisher is the kernel-side port. Publish must not block on slow
// subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// TaskAssignedPayload announces a dispatchable task. TargetLocalUiUrl, when
// set, addresses the one runner expected to act; other runners ignore it.
type TaskAssignedPayload struct {
	Task             any     `json:"task"`
	TargetLocalUiUrl *string `json:"targetLocalUiUrl"`
}

// WorkerPayload wraps lifecycle events that carry the worker snapshot.
type WorkerPayload struct {
	Worker any `json:"worker"`
}

// TaskPayload wraps events that carry the task snapshot.
type TaskPayload struct {
	Task any `json:"task"`
}

// SkillInstallPayload pushes a skill to runners, either as a content bundle
// or as a validated installer command. For bundles the runner compares
// contentHash against its on-disk marker and writes only on mismatch.
type SkillInstallPayload struct {
	Bundle           any     `json:"bundle,omitempty"`
	InstallerCommand string  `json:"installerCommand,omitempty"`
	SkillSlug        string  `json:"skillSlug,omitempty"`
	TargetLocalUiUrl *string `json:"targetLocalUiUrl,omitempty"`
}
