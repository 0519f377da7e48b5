// Package runner defines the runner registry model and store port.
//
// Runners are the local execution hosts that claim and run workers. They are
// not connection-oriented: liveness is inferred from heartbeats, and dead
// rows are pruned lazily when the registry is read.
package runner

import (
	"context"
	"time"
)

// Runner is one registered execution host.
type Runner struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	URL             string    `json:"url"`
	WorkspaceIDs    []string  `json:"workspaceIds"`
	Capacity        int       `json:"capacity"`
	ActiveWorkers   int       `json:"activeWorkers"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Version         string    `json:"version,omitempty"`
}

// IsActive reports whether the runner heartbeat falls inside the liveness
// window.
func (r *Runner) IsActive(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) <= window
}

// ServesWorkspace reports whether the runner advertises the workspace.
func (r *Runner) ServesWorkspace(workspaceID string) bool {
	for _, id := range r.WorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}

// CapacityFor sums the free slots active runners advertise for a workspace.
func CapacityFor(runners []*Runner, workspaceID string) int {
	total := 0
	for _, r := range runners {
		if !r.ServesWorkspace(workspaceID) {
			continue
		}
		if free := r.Capacity - r.ActiveWorkers; free > 0 {
			total += free
		}
	}
	return total
}

// PickTarget returns the URL of the active runner with the most free slots
// for the workspace, empty when none qualifies. Dispatch events carry this
// as the target hint.
func PickTarget(runners []*Runner, workspaceID string) string {
	best := ""
	bestFree := 0
	for _, r := range runners {
		if !r.ServesWorkspace(workspaceID) {
			continue
		}
		free := r.Capacity - r.ActiveWorkers
		if free > bestFree {
			bestFree = free
			best = r.URL
		}
	}
	return best
}

// Heartbeat is the periodic registration payload.
type Heartbeat struct {
	RunnerID      string   `json:"runnerId"`
	AccountID     string   `json:"accountId"`
	URL           string   `json:"url"`
	WorkspaceIDs  []string `json:"workspaceIds"`
	ActiveWorkers int      `json:"activeWorkers"`
	Capacity      int      `json:"capacity"`
	Version       string   `json:"version,omitempty"`
}

// Store is the runner registry port.
type Store interface {
	// EnsureSchema creates the runners table if absent.
	EnsureSchema(ctx context.Context) error

	// Upsert registers or refreshes a runner from its heartbeat.
	Upsert(ctx context.Context, hb Heartbeat, now time.Time) error

	// ListActive returns runners heartbeating within the window, pruning
	// rows that fell out of it. Empty accountID lists all accounts.
	ListActive(ctx context.Context, accountID string, window time.Duration, now time.Time) ([]*Runner, error)

	// Delete removes a runner registration.
	Delete(ctx context.Context, id string) error
}
