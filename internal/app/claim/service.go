// Package claim implements the atomic claim engine.
//
// A claim binds one pending task to one new worker inside a single storage
// transaction that also enforces the account's concurrency admission limit.
// The engine itself stays thin: validation, id minting, outcome accounting,
// and dispatch events around the store's claim transaction.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// DefaultLeaseTTL is how long a claim is honored without renewal.
const DefaultLeaseTTL = 15 * time.Minute

// Service runs claim requests against the worker store.
type Service struct {
	workers   worker.Store
	publisher busdomain.Publisher
	metrics   *observability.MetricsCollector
	logger    logging.Logger
	leaseTTL  time.Duration
}

// NewService creates the claim engine.
func NewService(workers worker.Store, publisher busdomain.Publisher, metrics *observability.MetricsCollector, logger logging.Logger) *Service {
	return &Service{
		workers:   workers,
		publisher: publisher,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		leaseTTL:  DefaultLeaseTTL,
	}
}

// SetLeaseTTL overrides the claim lease duration. Zero or negative keeps the
// default.
func (s *Service) SetLeaseTTL(ttl time.Duration) {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
}

// Request describes one claim attempt. TaskID pins the claim to a specific
// task; empty lets the engine pick the highest-priority pending task in the
// workspace.
type Request struct {
	Account     *account.Account
	WorkspaceID string
	TaskID      string
	Branch      string
}

// Claim attempts to claim a task for the account, returning the new worker
// and the claimed task. Failure is typed: a capacity error when the account
// is at its admission limit, not-found when nothing is claimable, conflict
// when a racer won the task first.
func (s *Service) Claim(ctx context.Context, req Request) (*worker.Worker, *task.Task, error) {
	start := time.Now()

	if req.Account == nil {
		return nil, nil, sharederrors.Invalidf("claim requires an authenticated account")
	}
	if req.WorkspaceID == "" {
		return nil, nil, sharederrors.Invalidf("workspaceId required")
	}

	maxConcurrent := req.Account.MaxConcurrentWorkers
	if maxConcurrent <= 0 {
		maxConcurrent = account.DefaultMaxConcurrentWorkers
	}

	params := worker.ClaimParams{
		WorkerID:      id.NewWorkerID(),
		AccountID:     req.Account.ID,
		WorkspaceID:   req.WorkspaceID,
		TaskID:        req.TaskID,
		Branch:        req.Branch,
		MaxConcurrent: maxConcurrent,
		LeaseTTL:      s.leaseTTL,
	}

	w, t, err := s.workers.ClaimTask(ctx, params)
	s.recordOutcome(ctx, req, err, time.Since(start))
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, busdomain.TaskChannel(t.ID), busdomain.EventTaskClaimed, busdomain.TaskPayload{Task: t})
	s.publish(ctx, busdomain.WorkspaceChannel(t.WorkspaceID), busdomain.EventTaskClaimed, busdomain.TaskPayload{Task: t})
	s.publish(ctx, busdomain.WorkerChannel(w.ID), busdomain.EventWorkerStarted, busdomain.WorkerPayload{Worker: w})
	s.publish(ctx, busdomain.WorkspaceChannel(t.WorkspaceID), busdomain.EventWorkerStarted, busdomain.WorkerPayload{Worker: w})

	s.logger.Info("claim: worker %s claimed task %s (account=%s workspace=%s)",
		w.ID, t.ID, req.Account.ID, req.WorkspaceID)
	return w, t, nil
}

func (s *Service) recordOutcome(ctx context.Context, req Request, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "claimed"
	switch {
	case err == nil:
	case isCapacity(err):
		outcome = "capacity"
	case errors.Is(err, sharederrors.ErrConflict):
		outcome = "conflict"
	case errors.Is(err, sharederrors.ErrNotFound):
		if req.TaskID == "" {
			outcome = "none_eligible"
		} else {
			outcome = "not_found"
		}
	case errors.Is(err, sharederrors.ErrInvalid):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	s.metrics.RecordClaimAttempt(ctx, outcome, elapsed)
}

func isCapacity(err error) bool {
	_, ok := sharederrors.AsCapacity(err)
	return ok
}

func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, event, payload); err != nil {
		s.logger.Warn("claim: publish %s to %s failed: %v", event, channel, err)
	}
}
