// Package artifact defines worker deliverables and their store port.
//
// Artifacts are how workers hand results to humans without a PR: reports,
// data extracts, links. Keyed artifacts upsert per workspace so recurring
// tasks overwrite their previous output instead of accumulating copies, and
// every artifact carries a share token for unauthenticated read access.
package artifact

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"
)

// Type classifies an artifact.
type Type string

const (
	TypeContent  Type = "content"
	TypeReport   Type = "report"
	TypeData     Type = "data"
	TypeLink     Type = "link"
	TypeSummary  Type = "summary"
	TypeTaskPlan Type = "task_plan"
)

// Valid reports whether the type is a known classification.
func (t Type) Valid() bool {
	switch t {
	case TypeContent, TypeReport, TypeData, TypeLink, TypeSummary, TypeTaskPlan:
		return true
	default:
		return false
	}
}

// shareTokenBytes sizes the share token before base64url encoding.
const shareTokenBytes = 24

// NewShareToken mints an unguessable public-read token.
func NewShareToken() (string, error) {
	buf := make([]byte, shareTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Artifact is one worker deliverable.
type Artifact struct {
	ID          string `json:"id"`
	WorkerID    string `json:"workerId"`
	WorkspaceID string `json:"workspaceId"`

	// Key enables upsert-by-(workspace, key); empty keys always insert.
	Key string `json:"key,omitempty"`

	Type     Type            `json:"type"`
	Title    string          `json:"title"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// ShareToken grants unauthenticated read access; preserved across
	// upserts so existing links keep working.
	ShareToken string `json:"shareToken"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SharedView is the unauthenticated projection of an artifact.
type SharedView struct {
	Title    string          `json:"title"`
	Type     Type            `json:"type"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Shared projects the fields exposed through a share link.
func (a *Artifact) Shared() SharedView {
	return SharedView{Title: a.Title, Type: a.Type, Content: a.Content, Metadata: a.Metadata}
}

// Store is the artifact persistence port.
type Store interface {
	// EnsureSchema creates the artifacts table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// Upsert inserts the artifact, or updates the existing row matching
	// (workspaceId, key) when Key is set. The stored id and share token
	// survive updates; the returned artifact reflects the final row.
	Upsert(ctx context.Context, a *Artifact) (*Artifact, error)

	// Get retrieves an artifact by id.
	Get(ctx context.Context, id string) (*Artifact, error)

	// GetByShareToken resolves a public share link.
	GetByShareToken(ctx context.Context, token string) (*Artifact, error)

	// ListByWorker returns the worker's artifacts, newest first.
	ListByWorker(ctx context.Context, workerID string) ([]*Artifact, error)

	// CountByWorker counts the worker's artifacts; the output gate reads
	// this.
	CountByWorker(ctx context.Context, workerID string) (int, error)
}
