// Package observation defines workspace-scoped memory entries and their
// store port.
//
// Observations are small durable notes agents leave for future sessions:
// discoveries, decisions, gotchas. Retrieval favors structured overlap
// (files, concepts) over free-text match, and the compact digest gives a new
// session the lay of the land in one read.
package observation

import (
	"context"
	"time"
)

// Type classifies an observation.
type Type string

const (
	TypeDiscovery    Type = "discovery"
	TypeDecision     Type = "decision"
	TypeGotcha       Type = "gotcha"
	TypePattern      Type = "pattern"
	TypeArchitecture Type = "architecture"
	TypeSummary      Type = "summary"
)

// KnownTypes lists every accepted observation type.
func KnownTypes() []Type {
	return []Type{TypeDiscovery, TypeDecision, TypeGotcha, TypePattern, TypeArchitecture, TypeSummary}
}

// Valid reports whether the type is one of the known classifications.
func (t Type) Valid() bool {
	for _, known := range KnownTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// MaxBatchSize bounds one batch-create call.
const MaxBatchSize = 50

// Observation is one workspace memory entry.
type Observation struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Type        Type     `json:"type"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Files       []string `json:"files,omitempty"`
	Concepts    []string `json:"concepts,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SearchQuery narrows a workspace search. Files and Concepts match by
// overlap; Text falls back to title/content substring match.
type SearchQuery struct {
	WorkspaceID string
	Text        string
	Files       []string
	Concepts    []string
	Limit       int
}

// Digest is the compact summary of a workspace's memory.
type Digest struct {
	CountsByType map[Type]int `json:"countsByType"`
	// Recent holds one-line entries, newest first: "[type] title".
	Recent   []string `json:"recent"`
	Concepts []string `json:"concepts"`
}

// DigestRecentLimit is how many one-line entries the digest carries.
const DigestRecentLimit = 20

// Patch carries a partial observation update.
type Patch struct {
	Type     *Type     `json:"type,omitempty"`
	Title    *string   `json:"title,omitempty"`
	Content  *string   `json:"content,omitempty"`
	Files    *[]string `json:"files,omitempty"`
	Concepts *[]string `json:"concepts,omitempty"`
}

// Store is the observation persistence port.
type Store interface {
	// EnsureSchema creates the observations table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists one observation.
	Create(ctx context.Context, o *Observation) error

	// CreateBatch persists up to MaxBatchSize observations.
	CreateBatch(ctx context.Context, os []*Observation) error

	// Get retrieves an observation by id.
	Get(ctx context.Context, id string) (*Observation, error)

	// GetBatch resolves multiple ids; missing ids are skipped.
	GetBatch(ctx context.Context, ids []string) ([]*Observation, error)

	// List returns the workspace's observations, newest first.
	List(ctx context.Context, workspaceID string, limit int) ([]*Observation, error)

	// Search ranks by file/concept overlap, then text match.
	Search(ctx context.Context, q SearchQuery) ([]*Observation, error)

	// Update persists the observation's mutable fields.
	Update(ctx context.Context, o *Observation) error

	// Delete removes an observation.
	Delete(ctx context.Context, id string) error

	// CountByType tallies the workspace's observations per type.
	CountByType(ctx context.Context, workspaceID string) (map[Type]int, error)

	// DistinctConcepts returns the workspace's concept vocabulary.
	DistinctConcepts(ctx context.Context, workspaceID string) ([]string, error)
}
