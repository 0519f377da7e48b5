// Package auth resolves API keys to accounts and pairs new runners through
// the device-authorization flow.
//
// Keys are stored only as SHA-256 hashes; successful lookups are cached in
// a TTL LRU so the hot request path does not hit the accounts table per
// call. Pairing shares the approver's own bearer key with the new runner,
// it never mints credentials on its own.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// AccountCacheTTL bounds how stale a cached key lookup may get; limit or
// admin-flag changes take at most this long to apply.
const AccountCacheTTL = 60 * time.Second

const accountCacheSize = 1024

// PollInterval guides how often runners poll an unapproved device code.
const PollInterval = 5 * time.Second

// userCodeAlphabet avoids lookalike characters; codes are read aloud or
// typed from another screen.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// Service authenticates API requests and manages device pairing.
type Service struct {
	accounts   account.Store
	workspaces account.WorkspaceStore
	devices    account.DeviceStore
	cache      *expirable.LRU[string, *account.Account]
	logger     logging.Logger
}

// NewService creates the auth service.
func NewService(accounts account.Store, workspaces account.WorkspaceStore, devices account.DeviceStore, logger logging.Logger) *Service {
	return &Service{
		accounts:   accounts,
		workspaces: workspaces,
		devices:    devices,
		cache:      expirable.NewLRU[string, *account.Account](accountCacheSize, nil, AccountCacheTTL),
		logger:     logging.OrNop(logger),
	}
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a fresh bearer key. Only its hash is ever persisted.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "bk_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Authenticate resolves a presented bearer key to its account. Unknown keys
// report ErrUnauthorized without distinguishing why.
func (s *Service) Authenticate(ctx context.Context, key string) (*account.Account, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("missing API key: %w", sharederrors.ErrUnauthorized)
	}
	hash := HashKey(key)
	if cached, ok := s.cache.Get(hash); ok {
		return cached, nil
	}
	acct, err := s.accounts.GetByAPIKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, sharederrors.ErrNotFound) {
			return nil, fmt.Errorf("invalid API key: %w", sharederrors.ErrUnauthorized)
		}
		return nil, err
	}
	s.cache.Add(hash, acct)
	return acct, nil
}

// AuthorizeWorkspaceAdmin enforces the admin-surfaces rule: platform admins
// pass everywhere, everyone else only on workspaces they own.
func (s *Service) AuthorizeWorkspaceAdmin(ctx context.Context, acct *account.Account, workspaceID string) error {
	if acct.Admin {
		return nil
	}
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.AccountID != acct.ID {
		return sharederrors.Forbiddenf("account %s does not administer workspace %s", acct.ID, workspaceID)
	}
	return nil
}

// CreateAccount provisions an account and returns the plaintext key exactly
// once; it cannot be recovered afterwards.
func (s *Service) CreateAccount(ctx context.Context, name string, maxConcurrentWorkers int, admin bool) (*account.Account, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", sharederrors.Invalidf("account name required")
	}
	key, err := NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	if maxConcurrentWorkers <= 0 {
		maxConcurrentWorkers = account.DefaultMaxConcurrentWorkers
	}
	acct := &account.Account{
		ID:                   id.NewAccountID(),
		Name:                 strings.TrimSpace(name),
		APIKeyHash:           HashKey(key),
		MaxConcurrentWorkers: maxConcurrentWorkers,
		Admin:                admin,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, "", err
	}
	return acct, key, nil
}

// PairingChallenge is handed to the new runner at pairing start.
type PairingChallenge struct {
	DeviceCode      string    `json:"deviceCode"`
	UserCode        string    `json:"userCode"`
	ExpiresAt       time.Time `json:"expiresAt"`
	IntervalSeconds int       `json:"intervalSeconds"`
}

// StartPairing issues a fresh device/user code pair valid for
// account.DeviceGrantTTL. Expired rows are pruned opportunistically.
func (s *Service) StartPairing(ctx context.Context) (*PairingChallenge, error) {
	now := time.Now().UTC()
	if pruned, err := s.devices.DeleteExpired(ctx, now); err != nil {
		s.logger.Warn("auth: pruning expired device codes: %v", err)
	} else if pruned > 0 {
		s.logger.Debug("auth: pruned %d expired device codes", pruned)
	}

	deviceCode, err := newDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}
	d := &account.DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ExpiresAt:  now.Add(account.DeviceGrantTTL),
		CreatedAt:  now,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, err
	}
	return &PairingChallenge{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		ExpiresAt:       d.ExpiresAt,
		IntervalSeconds: int(PollInterval / time.Second),
	}, nil
}

// ApprovePairing binds the pairing to the approver's account and deposits
// the bearer key the runner will pick up on its next poll.
func (s *Service) ApprovePairing(ctx context.Context, acct *account.Account, apiKey, userCode string) error {
	userCode = normalizeUserCode(userCode)
	if userCode == "" {
		return sharederrors.Invalidf("userCode required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return sharederrors.Invalidf("no bearer key to release to the runner")
	}
	d, err := s.devices.GetByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if d.Expired(now) {
		return sharederrors.NotFound("device code", userCode)
	}
	if d.ApprovedAt != nil {
		return sharederrors.Conflictf("device code %s is already approved", userCode)
	}
	if err := s.devices.Approve(ctx, userCode, acct.ID, apiKey, now); err != nil {
		return err
	}
	s.logger.Info("auth: device code %s approved by account %s", userCode, acct.ID)
	return nil
}

// PollPairing redeems a device code. Unapproved codes fail with
// account.ErrDevicePending; a successful poll consumes the code, so the key
// is released exactly once.
func (s *Service) PollPairing(ctx context.Context, deviceCode string) (string, error) {
	if strings.TrimSpace(deviceCode) == "" {
		return "", sharederrors.Invalidf("deviceCode required")
	}
	d, err := s.devices.Consume(ctx, deviceCode, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return d.APIKey, nil
}

func newDeviceCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}

func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
