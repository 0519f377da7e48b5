package reassign

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/shared/async"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// DefaultSweepInterval is the cadence of the background stale sweep.
const DefaultSweepInterval = 60 * time.Second

// Sweeper runs the stale sweep on a fixed interval until stopped.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   logging.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSweeper creates a sweeper around the reassignment service.
func NewSweeper(svc *Service, interval time.Duration, logger logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logging.OrNop(logger),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The loop ends when ctx is cancelled or Stop
// is called. Repeated calls are no-ops.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	async.Go(s.logger, "reassign.sweep", func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				func() {
					defer async.Recover(s.logger, "reassign.sweep")
					res, err := s.svc.SweepStale(ctx)
					if err != nil {
						s.logger.Warn("stale sweep: %v", err)
						return
					}
					if res.Marked > 0 {
						s.logger.Info("stale sweep: checked %d workers, marked %d stale", res.Checked, res.Marked)
					}
				}()
			}
		}
	})
}

// Stop terminates the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}
