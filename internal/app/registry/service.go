// Package registry tracks the runner fleet through periodic heartbeats.
//
// Runners are not connection-oriented: a runner exists for as long as it
// keeps reporting in, and every capacity computation considers only rows
// inside the liveness window. Rows that fall out of the window are pruned
// lazily by the store on read.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/runner"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// HeartbeatInterval is how often runners are told to report in.
const HeartbeatInterval = 30 * time.Second

// LivenessWindow is how long a runner counts as active after its last
// heartbeat. Three missed intervals and it is gone.
const LivenessWindow = 90 * time.Second

// Ack is the heartbeat response; runners schedule their next report from it.
type Ack struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

// Service is the runner registry: heartbeat ingest, liveness, and capacity
// accounting for dispatch targeting.
type Service struct {
	runners runner.Store
	logger  logging.Logger
}

// NewService creates the registry service.
func NewService(runners runner.Store, logger logging.Logger) *Service {
	return &Service{
		runners: runners,
		logger:  logging.OrNop(logger),
	}
}

// Heartbeat registers or refreshes a runner and tells it when to report
// next.
func (s *Service) Heartbeat(ctx context.Context, hb runner.Heartbeat) (Ack, error) {
	if strings.TrimSpace(hb.RunnerID) == "" {
		return Ack{}, sharederrors.Invalidf("runnerId required")
	}
	if strings.TrimSpace(hb.AccountID) == "" {
		return Ack{}, sharederrors.Invalidf("accountId required")
	}
	if strings.TrimSpace(hb.URL) == "" {
		return Ack{}, sharederrors.Invalidf("url required")
	}
	if hb.Capacity < 0 {
		return Ack{}, sharederrors.Invalidf("capacity must be non-negative")
	}
	if hb.ActiveWorkers < 0 {
		return Ack{}, sharederrors.Invalidf("activeWorkers must be non-negative")
	}
	if err := s.runners.Upsert(ctx, hb, time.Now().UTC()); err != nil {
		return Ack{}, err
	}
	s.logger.Debug("registry: heartbeat from %s (%d/%d slots busy)", hb.RunnerID, hb.ActiveWorkers, hb.Capacity)
	return Ack{IntervalSeconds: int(HeartbeatInterval / time.Second)}, nil
}

// Active returns the account's live runners. Empty accountID spans all
// accounts.
func (s *Service) Active(ctx context.Context, accountID string) ([]*runner.Runner, error) {
	return s.runners.ListActive(ctx, accountID, LivenessWindow, time.Now().UTC())
}

// FreeCapacity sums the free slots live runners advertise for the
// workspace.
func (s *Service) FreeCapacity(ctx context.Context, workspaceID string) (int, error) {
	active, err := s.runners.ListActive(ctx, "", LivenessWindow, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return runner.CapacityFor(active, workspaceID), nil
}

// Target picks the dispatch hint for the workspace: the url of the live
// runner with the most free slots, empty when none qualifies.
func (s *Service) Target(ctx context.Context, workspaceID string) (string, error) {
	active, err := s.runners.ListActive(ctx, "", LivenessWindow, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return runner.PickTarget(active, workspaceID), nil
}

// Deregister drops a runner immediately instead of waiting out the liveness
// window. Used when a runner shuts down cleanly.
func (s *Service) Deregister(ctx context.Context, runnerID string) error {
	return s.runners.Delete(ctx, runnerID)
}
