// Package account defines agent accounts, workspaces, and device pairing.
//
// Accounts authenticate via API key and carry the admission limit the claim
// engine enforces. Workspaces scope tasks, skills, and observations to a
// repository. Device codes pair new runners with an account without copying
// keys around by hand.
package account

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxConcurrentWorkers is the admission limit for accounts that never
// set one.
const DefaultMaxConcurrentWorkers = 3

// Account is one authenticated agent identity.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// APIKeyHash is the SHA-256 of the bearer key; plaintext keys are never
	// stored on the account.
	APIKeyHash string `json:"-"`

	MaxConcurrentWorkers int  `json:"maxConcurrentWorkers"`
	Admin                bool `json:"admin"`

	CreatedAt time.Time `json:"createdAt"`
}

// WorkspaceSettings is the operator-tunable per-workspace configuration.
type WorkspaceSettings struct {
	// InstallerAllowlist extends the global allowed installer command
	// prefixes for this workspace.
	InstallerAllowlist []string `json:"installerAllowlist,omitempty"`

	// SchedulerPaused stops schedule instantiation for the workspace
	// without disabling individual schedules.
	SchedulerPaused bool `json:"schedulerPaused,omitempty"`
}

// Workspace scopes tasks, skills, and observations to one repository.
type Workspace struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"accountId"`
	Name          string            `json:"name"`
	RepoURL       string            `json:"repoUrl,omitempty"`
	DefaultBranch string            `json:"defaultBranch,omitempty"`
	Settings      WorkspaceSettings `json:"settings"`

	CreatedAt time.Time `json:"createdAt"`
}

// DeviceGrantTTL bounds how long a pairing code stays redeemable.
const DeviceGrantTTL = 10 * time.Minute

// ErrDevicePending signals a poll against a not-yet-approved device code.
var ErrDevicePending = errors.New("device code pending approval")

// DeviceCode is one in-flight runner pairing.
type DeviceCode struct {
	// DeviceCode is the opaque secret the runner polls with.
	DeviceCode string `json:"deviceCode"`

	// UserCode is the short human code the approving user types.
	UserCode string `json:"userCode"`

	// AccountID binds after approval.
	AccountID string `json:"accountId,omitempty"`

	// APIKey holds the key released to the runner, set at approval and
	// cleared when consumed.
	APIKey string `json:"-"`

	ExpiresAt  time.Time  `json:"expiresAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the pairing window closed.
func (d *DeviceCode) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Store is the account persistence port.
type Store interface {
	// EnsureSchema creates the accounts table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists a new account.
	Create(ctx context.Context, a *Account) error

	// Get retrieves an account by id.
	Get(ctx context.Context, id string) (*Account, error)

	// GetByAPIKeyHash resolves a presented key's hash to its account.
	GetByAPIKeyHash(ctx context.Context, hash string) (*Account, error)

	// Update persists the account's mutable fields.
	Update(ctx context.Context, a *Account) error
}

// WorkspaceStore is the workspace persistence port.
type WorkspaceStore interface {
	// EnsureSchema creates the workspaces table if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists a new workspace.
	Create(ctx context.Context, w *Workspace) error

	// Get retrieves a workspace by id.
	Get(ctx context.Context, id string) (*Workspace, error)

	// ListByAccount returns the account's workspaces.
	ListByAccount(ctx context.Context, accountID string) ([]*Workspace, error)

	// Update persists the workspace's mutable fields.
	Update(ctx context.Context, w *Workspace) error
}

// DeviceStore is the pairing persistence port.
type DeviceStore interface {
	// EnsureSchema creates the device_codes table if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists a fresh pairing.
	Create(ctx context.Context, d *DeviceCode) error

	// GetByUserCode resolves the human code during approval.
	GetByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)

	// Approve binds the pairing to an account and deposits the key the
	// runner will receive.
	Approve(ctx context.Context, userCode, accountID, apiKey string, now time.Time) error

	// Consume redeems an approved device code exactly once, deleting the
	// row. Unapproved codes fail with ErrDevicePending; expired or unknown
	// codes fail with a not-found error.
	Consume(ctx context.Context, deviceCode string, now time.Time) (*DeviceCode, error)

	// DeleteExpired prunes pairings past their window.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
