package scheduler

import (
	"context"

	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// Notifier receives scheduler health events. Implementations must be safe
// for concurrent use; failures are logged by the engine, never retried.
type Notifier interface {
	// SchedulePaused fires when a schedule is auto-disabled after repeated
	// failures.
	SchedulePaused(ctx context.Context, s *schedule.Schedule, reason string) error
}

// NopNotifier discards all events, for tests or when notifications are
// disabled.
type NopNotifier struct{}

// SchedulePaused is a no-op.
func (NopNotifier) SchedulePaused(context.Context, *schedule.Schedule, string) error {
	return nil
}

// LogNotifier writes scheduler events to the log.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a notifier backed by the logger.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// SchedulePaused logs the pause at warning level.
func (n *LogNotifier) SchedulePaused(_ context.Context, s *schedule.Schedule, reason string) error {
	n.logger.Warn("schedule %s (%s) paused after %d consecutive failures: %s",
		s.ID, s.Name, s.ConsecutiveFailures, reason)
	return nil
}

// CompositeNotifier delegates to multiple notifiers.
type CompositeNotifier struct {
	notifiers []Notifier
}

// NewCompositeNotifier creates a notifier that fans out to all provided
// notifiers.
func NewCompositeNotifier(notifiers ...Notifier) *CompositeNotifier {
	return &CompositeNotifier{notifiers: notifiers}
}

// SchedulePaused delegates to all notifiers, returning the first error.
func (c *CompositeNotifier) SchedulePaused(ctx context.Context, s *schedule.Schedule, reason string) error {
	for _, n := range c.notifiers {
		if err := n.SchedulePaused(ctx, s, reason); err != nil {
			return err
		}
	}
	return nil
}
