// Package lifecycle applies worker updates: the status machine, the
// session-generation guard, plan approval, the output-completion gate,
// dependency unblocking, and the dispatch events each transition emits.
//
// Every mutation flows through UpdateWorker so the ordering is fixed: guards,
// field application, transcript analysis, answer resolution, then the status
// transition with its side effects. The store stays the source of truth;
// events are advisory.
package lifecycle

import (
	"context"
	"strings"
	"time"

	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// DefaultLeaseTTL matches the claim engine's lease; every worker update
// renews it.
const DefaultLeaseTTL = 15 * time.Minute

// Milestone types recorded by the lifecycle pipeline itself.
const (
	milestonePlanAwaiting = "plan_awaiting"
	milestoneNote         = "note"
)

// planReviewPrompt is the waiting prompt attached to a submitted plan.
const planReviewPrompt = "Plan ready for review"

// ArtifactCounter is the slice of the artifact store the output gate reads.
type ArtifactCounter interface {
	CountByWorker(ctx context.Context, workerID string) (int, error)
}

// Service drives worker lifecycle updates.
type Service struct {
	workers   worker.Store
	tasks     task.Store
	artifacts ArtifactCounter
	publisher busdomain.Publisher
	metrics   *observability.MetricsCollector
	logger    logging.Logger
	leaseTTL  time.Duration
}

// NewService creates the lifecycle service.
func NewService(workers worker.Store, tasks task.Store, artifacts ArtifactCounter, publisher busdomain.Publisher, metrics *observability.MetricsCollector, logger logging.Logger) *Service {
	return &Service{
		workers:   workers,
		tasks:     tasks,
		artifacts: artifacts,
		publisher: publisher,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		leaseTTL:  DefaultLeaseTTL,
	}
}

// SetLeaseTTL overrides the lease renewal duration. Zero or negative keeps
// the default.
func (s *Service) SetLeaseTTL(ttl time.Duration) {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
}

// Result is the outcome of one worker update. Instructions carries the
// one-shot pending payload drained by this update, empty otherwise.
type Result struct {
	Worker       *worker.Worker
	Instructions string
}

// GetOwned retrieves a worker, enforcing account ownership.
func (s *Service) GetOwned(ctx context.Context, accountID, workerID string) (*worker.Worker, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if accountID != "" && w.AccountID != accountID {
		return nil, sharederrors.Forbiddenf("worker %s belongs to another account", workerID)
	}
	return w, nil
}

// ListByAccount returns the account's workers, optionally filtered by
// status, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID string, statuses []worker.Status) ([]*worker.Worker, error) {
	return s.workers.ListByAccount(ctx, accountID, statuses)
}

// UpdateWorker applies a partial update to the worker. Updates carrying a
// stale session generation are dropped without error; updates to terminal
// workers conflict unless they are an explicit reactivation.
func (s *Service) UpdateWorker(ctx context.Context, accountID, workerID string, patch worker.Patch) (*Result, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if accountID != "" && w.AccountID != accountID {
		return nil, sharederrors.Forbiddenf("worker %s belongs to another account", workerID)
	}
	now := time.Now().UTC()

	if patch.SessionGeneration != nil && *patch.SessionGeneration < w.SessionGeneration {
		s.logger.Debug("lifecycle: dropped update for worker %s from superseded session (generation %d < %d)",
			w.ID, *patch.SessionGeneration, w.SessionGeneration)
		return &Result{Worker: w}, nil
	}

	if w.Status.IsTerminal() {
		if isReactivation(w.Status, patch.Status) {
			return s.reactivate(ctx, w, patch, now)
		}
		return nil, sharederrors.Conflictf("worker %s is %s and no longer accepts updates", w.ID, w.Status)
	}

	if patch.Status != nil && !requestableStatus(*patch.Status) {
		return nil, sharederrors.Invalidf("status %q cannot be requested", *patch.Status)
	}

	prev := w.Status
	applyFields(w, patch)
	derived := s.applyMessages(w, patch.AgentMessages, now)
	answered := s.applyAnswer(w, patch.Answer)

	target := w.Status
	switch {
	case derived != nil:
		target = *derived
	case answered:
		target = worker.StatusRunning
	case patch.Status != nil:
		target = *patch.Status
	}

	if target.IsTerminal() {
		return s.finish(ctx, w, target, now)
	}

	w.Status = target
	if w.Status == worker.StatusWaitingInput && (w.WaitingFor == nil || w.WaitingFor.ToolUseID == "") {
		return nil, sharederrors.Invalidf("waiting_input requires waitingFor with a toolUseId")
	}

	// Keep the owning task's state and lease in step with the live worker.
	if w.Status != worker.StatusStarting {
		if err := s.tasks.MarkRunning(ctx, w.TaskID, w.ID); err != nil {
			s.logger.Debug("lifecycle: task %s not promoted for worker %s: %v", w.TaskID, w.ID, err)
		}
	}
	if err := s.tasks.RenewLease(ctx, w.TaskID, w.ID, now.Add(s.leaseTTL)); err != nil {
		s.logger.Debug("lifecycle: lease renewal for task %s skipped: %v", w.TaskID, err)
	}

	// Answer-bearing updates deposit instructions; runner heartbeats drain
	// them.
	instructions := ""
	if patch.Answer == nil && w.PendingInstructions != "" {
		instructions = w.PendingInstructions
		w.PendingInstructions = ""
	}

	if err := s.workers.Update(ctx, w); err != nil {
		return nil, err
	}
	if w.Status != prev {
		s.recordTransition(ctx, w.Status)
	}
	s.publish(ctx, busdomain.WorkerChannel(w.ID), busdomain.EventWorkerProgress, busdomain.WorkerPayload{Worker: w})
	s.publish(ctx, busdomain.WorkspaceChannel(w.WorkspaceID), busdomain.EventWorkerProgress, busdomain.WorkerPayload{Worker: w})
	return &Result{Worker: w, Instructions: instructions}, nil
}

// isReactivation reports whether the requested transition revives a finished
// worker. Only completed and failed revive; stale stays terminal.
func isReactivation(current worker.Status, requested *worker.Status) bool {
	if requested == nil || *requested != worker.StatusRunning {
		return false
	}
	return current == worker.StatusCompleted || current == worker.StatusFailed
}

func requestableStatus(st worker.Status) bool {
	switch st {
	case worker.StatusRunning, worker.StatusWaitingInput, worker.StatusIdle,
		worker.StatusCompleted, worker.StatusFailed:
		return true
	default:
		return false
	}
}

// reactivate revives a finished worker for a fresh agent session: the task
// returns to assigned under a new lease, the error and completion stamp
// clear, and the session generation increments so in-flight updates from the
// old session are dropped.
func (s *Service) reactivate(ctx context.Context, w *worker.Worker, patch worker.Patch, now time.Time) (*Result, error) {
	if err := s.tasks.ReassignToWorker(ctx, w.TaskID, w.ID, now.Add(s.leaseTTL)); err != nil {
		return nil, err
	}
	w.Status = worker.StatusRunning
	w.CompletedAt = nil
	w.Error = ""
	w.SessionGeneration++
	applyFields(w, patch)

	if err := s.workers.Update(ctx, w); err != nil {
		return nil, err
	}
	s.recordTransition(ctx, worker.StatusRunning)
	s.publish(ctx, busdomain.WorkerChannel(w.ID), busdomain.EventWorkerStarted, busdomain.WorkerPayload{Worker: w})
	s.publish(ctx, busdomain.WorkspaceChannel(w.WorkspaceID), busdomain.EventWorkerStarted, busdomain.WorkerPayload{Worker: w})
	s.logger.Info("lifecycle: worker %s reactivated on task %s (generation %d)", w.ID, w.TaskID, w.SessionGeneration)
	return &Result{Worker: w}, nil
}

// applyFields folds the patch's plain fields into the worker. Status and
// transcript-driven state are handled by the caller.
func applyFields(w *worker.Worker, patch worker.Patch) {
	if patch.CurrentAction.Set {
		w.CurrentAction = ""
		if patch.CurrentAction.Valid {
			w.CurrentAction = patch.CurrentAction.Value
		}
	}
	if patch.LocalUiUrl.Set {
		w.LocalUiUrl = nil
		if patch.LocalUiUrl.Valid {
			v := patch.LocalUiUrl.Value
			w.LocalUiUrl = &v
		}
	}
	if patch.WaitingFor.Set {
		w.WaitingFor = nil
		if patch.WaitingFor.Valid {
			wf := patch.WaitingFor.Value
			w.WaitingFor = &wf
			if wf.Prompt != "" {
				w.LastQuestion = wf.Prompt
			}
		}
	}
	if patch.Error != nil {
		w.Error = *patch.Error
	}
	if patch.CostUSD != nil {
		w.CostUSD = *patch.CostUSD
	}
	if patch.Turns != nil {
		w.Turns = *patch.Turns
	}
	if patch.InputTokens != nil {
		w.InputTokens = *patch.InputTokens
	}
	if patch.OutputTokens != nil {
		w.OutputTokens = *patch.OutputTokens
	}
	if len(patch.Milestones) > 0 {
		w.Milestones = worker.MergeMilestones(w.Milestones, patch.Milestones)
	}
	if patch.LastCommitSHA != nil {
		w.LastCommitSHA = *patch.LastCommitSHA
	}
	if patch.CommitCount != nil {
		w.CommitCount = *patch.CommitCount
	}
	if patch.FilesChanged != nil {
		w.FilesChanged = *patch.FilesChanged
	}
	if patch.LinesAdded != nil {
		w.LinesAdded = *patch.LinesAdded
	}
	if patch.LinesRemoved != nil {
		w.LinesRemoved = *patch.LinesRemoved
	}
	if patch.PRURL != nil {
		w.PRURL = *patch.PRURL
	}
	if patch.PRNumber != nil {
		w.PRNumber = *patch.PRNumber
	}
	if len(patch.ResultMeta) > 0 {
		w.ResultMeta = patch.ResultMeta
	}
	if patch.SessionGeneration != nil && *patch.SessionGeneration > w.SessionGeneration {
		w.SessionGeneration = *patch.SessionGeneration
	}
}

// applyMessages folds plan-mode tool use from the transcript slice into the
// worker and returns the status the transcript demands, nil when it demands
// none. Tool uses already carrying a tool_result in the slice were handled
// in an earlier session round-trip and are ignored.
func (s *Service) applyMessages(w *worker.Worker, messages []worker.AgentMessage, now time.Time) *worker.Status {
	if len(messages) == 0 {
		return nil
	}

	if enter, ok := worker.LatestToolUse(messages, worker.ToolEnterPlanMode); ok && !w.InPlanMode() {
		idx := enter.Index
		w.PlanStartMessageIndex = &idx
		s.logger.Debug("lifecycle: worker %s entered plan mode at message %d", w.ID, idx)
	}

	if exit, ok := worker.LatestToolUse(messages, worker.ToolExitPlanMode); ok &&
		w.InPlanMode() && exit.Index > *w.PlanStartMessageIndex && !hasToolResult(messages, exit.ToolUseID) {
		w.PlanContent = worker.ExtractPlanContent(messages, *w.PlanStartMessageIndex)
		w.WaitingFor = &worker.WaitingFor{
			Type:      worker.WaitingPlanApproval,
			Prompt:    planReviewPrompt,
			ToolUseID: exit.ToolUseID,
			Options:   worker.PlanApprovalOptions(),
		}
		w.LastQuestion = planReviewPrompt
		w.Milestones = worker.MergeMilestones(w.Milestones, []worker.Milestone{{
			Type:      milestonePlanAwaiting,
			Label:     "Plan awaiting approval",
			Timestamp: now,
		}})
		waiting := worker.StatusWaitingInput
		return &waiting
	}

	if ask, ok := worker.LatestToolUse(messages, worker.ToolAskUserQuestion); ok &&
		w.WaitingFor == nil && !hasToolResult(messages, ask.ToolUseID) {
		w.WaitingFor = &worker.WaitingFor{
			Type:      worker.WaitingQuestion,
			Prompt:    ask.Content,
			ToolUseID: ask.ToolUseID,
		}
		if ask.Content != "" {
			w.LastQuestion = ask.Content
		}
		waiting := worker.StatusWaitingInput
		return &waiting
	}
	return nil
}

func hasToolResult(messages []worker.AgentMessage, toolUseID string) bool {
	if toolUseID == "" {
		return false
	}
	for _, msg := range messages {
		if msg.Type == worker.MessageToolResult && msg.ToolUseID == toolUseID {
			return true
		}
	}
	return false
}

// applyAnswer resolves the worker's open waitingFor against the patch's
// answer, reporting whether it consumed one. Plan approvals either release
// the worker to implement or request a revision under a fresh session
// generation; the runner receives the outcome through the pending
// instructions channel.
func (s *Service) applyAnswer(w *worker.Worker, ans *worker.Answer) bool {
	if ans == nil || w.WaitingFor == nil || ans.ToolUseID != w.WaitingFor.ToolUseID {
		return false
	}
	waiting := *w.WaitingFor
	if waiting.Prompt != "" {
		w.LastQuestion = waiting.Prompt
	}
	w.WaitingFor = nil

	if waiting.Type != worker.WaitingPlanApproval {
		w.PendingInstructions = ans.Value
		return true
	}

	options := worker.PlanApprovalOptions()
	switch ans.Value {
	case options[0], options[1]:
		w.PlanStartMessageIndex = nil
		w.PendingInstructions = ans.Value
		s.logger.Info("lifecycle: plan approved for worker %s: %s", w.ID, ans.Value)
	default:
		w.SessionGeneration++
		w.PlanStartMessageIndex = nil
		w.CurrentAction = "Revising plan..."
		w.PendingInstructions = revisionInstructions(w.PlanContent, ans.Value)
		w.Milestones = worker.MergeMilestones(w.Milestones, []worker.Milestone{{
			Type:      milestoneNote,
			Label:     "Plan changes requested",
			Timestamp: time.Now().UTC(),
		}})
		s.logger.Info("lifecycle: plan changes requested for worker %s (generation %d)", w.ID, w.SessionGeneration)
	}
	return true
}

// revisionInstructions seeds the revision session with the rejected plan and
// the reviewer's feedback.
func revisionInstructions(plan, feedback string) string {
	var b strings.Builder
	b.WriteString("The previous plan needs changes.\n\n")
	if plan != "" {
		b.WriteString("Previous plan:\n")
		b.WriteString(plan)
		b.WriteString("\n\n")
	}
	b.WriteString("Feedback:\n")
	b.WriteString(feedback)
	return b.String()
}

// finish applies a terminal transition: the output gate for completions,
// the task result snapshot, terminal events, and the dependency walk.
func (s *Service) finish(ctx context.Context, w *worker.Worker, target worker.Status, now time.Time) (*Result, error) {
	if target == worker.StatusCompleted {
		if err := s.checkOutputGate(ctx, w); err != nil {
			// The worker keeps its previous status; the patch's other
			// fields stay applied so the retry does not resend them.
			if uerr := s.workers.Update(ctx, w); uerr != nil {
				s.logger.Warn("lifecycle: persisting worker %s after gate failure: %v", w.ID, uerr)
			}
			return nil, err
		}
	}

	w.Status = target
	completedAt := now
	w.CompletedAt = &completedAt
	if w.WaitingFor != nil {
		if w.WaitingFor.Prompt != "" {
			w.LastQuestion = w.WaitingFor.Prompt
		}
		w.WaitingFor = nil
	}
	if err := s.workers.Update(ctx, w); err != nil {
		return nil, err
	}
	s.recordTransition(ctx, target)

	taskStatus := task.StatusCompleted
	event := busdomain.EventWorkerCompleted
	if target == worker.StatusFailed {
		taskStatus = task.StatusFailed
		event = busdomain.EventWorkerFailed
	}
	if err := s.tasks.Complete(ctx, w.TaskID, taskStatus, worker.BuildTaskResult(w)); err != nil {
		s.logger.Warn("lifecycle: completing task %s for worker %s: %v", w.TaskID, w.ID, err)
	}
	s.publish(ctx, busdomain.WorkerChannel(w.ID), event, busdomain.WorkerPayload{Worker: w})
	s.publish(ctx, busdomain.WorkspaceChannel(w.WorkspaceID), event, busdomain.WorkerPayload{Worker: w})
	s.logger.Info("lifecycle: worker %s %s on task %s", w.ID, target, w.TaskID)

	if target == worker.StatusCompleted {
		s.resolveDependents(ctx, w.TaskID, w.WorkspaceID)
	}
	return &Result{Worker: w}, nil
}

// checkOutputGate enforces the owning task's output requirement before a
// completion is accepted.
func (s *Service) checkOutputGate(ctx context.Context, w *worker.Worker) error {
	t, err := s.tasks.Get(ctx, w.TaskID)
	if err != nil {
		return err
	}
	requirement := t.OutputRequirement
	if requirement == "" {
		requirement = task.OutputAuto
	}
	switch requirement {
	case task.OutputNone:
		return nil
	case task.OutputPRRequired:
		if w.PRURL != "" {
			return nil
		}
		return &sharederrors.GateError{Requirement: string(requirement), Hint: "create_pr"}
	case task.OutputArtifactRequired:
		return s.gateOnDeliverable(ctx, w, requirement)
	default: // auto: commit-free sessions pass, anything committed needs a deliverable
		if w.CommitCount == 0 {
			return nil
		}
		return s.gateOnDeliverable(ctx, w, requirement)
	}
}

func (s *Service) gateOnDeliverable(ctx context.Context, w *worker.Worker, requirement task.OutputRequirement) error {
	if w.PRURL != "" {
		return nil
	}
	count, err := s.artifacts.CountByWorker(ctx, w.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return &sharederrors.GateError{Requirement: string(requirement), Hint: "create_pr or create_artifact"}
}

// resolveDependents walks tasks blocked on the completed task and flips those
// whose blockers are all completed back to pending, re-dispatching them to
// the workspace. Each flip is atomic and idempotent; a racing walk observes
// pending and no-ops.
func (s *Service) resolveDependents(ctx context.Context, completedTaskID, workspaceID string) {
	dependents, err := s.tasks.ListBlockedOn(ctx, completedTaskID)
	if err != nil {
		s.logger.Warn("lifecycle: listing tasks blocked on %s: %v", completedTaskID, err)
		return
	}
	for _, dep := range dependents {
		statuses, err := s.tasks.Statuses(ctx, dep.BlockedByTaskIDs)
		if err != nil {
			s.logger.Warn("lifecycle: reading blocker statuses for task %s: %v", dep.ID, err)
			continue
		}
		ready := true
		for _, blockerID := range dep.BlockedByTaskIDs {
			if statuses[blockerID] != task.StatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		flipped, err := s.tasks.MarkPendingIfBlocked(ctx, dep.ID)
		if err != nil {
			s.logger.Warn("lifecycle: unblocking task %s: %v", dep.ID, err)
			continue
		}
		if !flipped {
			continue
		}
		unblocked, err := s.tasks.Get(ctx, dep.ID)
		if err != nil {
			unblocked = dep
			unblocked.Status = task.StatusPending
		}
		s.publish(ctx, busdomain.TaskChannel(unblocked.ID), busdomain.EventTaskUnblocked, busdomain.TaskPayload{Task: unblocked})
		s.publish(ctx, busdomain.WorkspaceChannel(workspaceID), busdomain.EventTaskUnblocked, busdomain.TaskPayload{Task: unblocked})
		s.publish(ctx, busdomain.WorkspaceChannel(workspaceID), busdomain.EventTaskAssigned, busdomain.TaskAssignedPayload{Task: unblocked, TargetLocalUiUrl: nil})
		s.logger.Info("lifecycle: task %s unblocked by completion of %s", unblocked.ID, completedTaskID)
	}
}

func (s *Service) recordTransition(ctx context.Context, to worker.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordWorkerTransition(ctx, string(to))
}

func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, event, payload); err != nil {
		s.logger.Warn("lifecycle: publish %s to %s failed: %v", event, channel, err)
	}
}
