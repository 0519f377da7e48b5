// Package skill defines reusable agent skills and their store port.
//
// A skill is a markdown instruction bundle scoped to a workspace, addressed
// by a stable slug. Content hashing lets runners skip reinstalling bundles
// they already hold on disk.
package skill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Origin records how a skill entered the catalog.
type Origin string

const (
	OriginScan     Origin = "scan"
	OriginManual   Origin = "manual"
	OriginPromoted Origin = "promoted"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug enforces lowercase-hyphenated slugs.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug required")
	}
	if len(slug) > 80 {
		return fmt.Errorf("slug too long (max 80 characters)")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug %q must be lowercase letters, digits, and single hyphens", slug)
	}
	return nil
}

var slugScrub = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a slug from a display name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugScrub.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 80 {
		slug = strings.Trim(slug[:80], "-")
	}
	return slug
}

// ContentHash fingerprints skill content for runner-side dedup.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Skill is one workspace-scoped instruction bundle.
type Skill struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	ContentHash string `json:"contentHash"`
	Source      string `json:"source,omitempty"`
	Origin      Origin `json:"origin"`
	Enabled     bool   `json:"enabled"`

	// ReferenceFiles maps relative paths to file contents laid down next to
	// the skill on install.
	ReferenceFiles map[string]string `json:"referenceFiles,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Bundle is the push payload runners receive on content installs.
type Bundle struct {
	Slug           string            `json:"slug"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Content        string            `json:"content"`
	ContentHash    string            `json:"contentHash"`
	ReferenceFiles map[string]string `json:"referenceFiles,omitempty"`
}

// ToBundle projects the skill into its install payload.
func (s *Skill) ToBundle() Bundle {
	return Bundle{
		Slug:           s.Slug,
		Name:           s.Name,
		Description:    s.Description,
		Content:        s.Content,
		ContentHash:    s.ContentHash,
		ReferenceFiles: s.ReferenceFiles,
	}
}

// Patch carries a partial skill update.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Content     *string `json:"content,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// Store is the skill persistence port.
type Store interface {
	// EnsureSchema creates the workspace_skills table and indexes if
	// absent.
	EnsureSchema(ctx context.Context) error

	// Upsert inserts the skill or updates the row matching
	// (workspaceId, slug), preserving the existing id. The returned skill
	// reflects the final row.
	Upsert(ctx context.Context, s *Skill) (*Skill, error)

	// Get retrieves a skill by id.
	Get(ctx context.Context, id string) (*Skill, error)

	// GetBySlug retrieves a workspace's skill by slug.
	GetBySlug(ctx context.Context, workspaceID, slug string) (*Skill, error)

	// List returns the workspace's skills, enabled first, then by name.
	List(ctx context.Context, workspaceID string) ([]*Skill, error)

	// Update persists the skill's mutable fields.
	Update(ctx context.Context, s *Skill) error

	// Delete removes a skill.
	Delete(ctx context.Context, id string) error
}
