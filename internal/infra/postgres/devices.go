package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const devicesTable = "device_codes"

// DeviceStore implements account.DeviceStore backed by Postgres.
type DeviceStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ account.DeviceStore = (*DeviceStore)(nil)

// NewDeviceStore creates a Postgres-backed device pairing store.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{
		pool:   pool,
		logger: logging.NewComponentLogger("DeviceStore"),
	}
}

// EnsureSchema creates the device_codes table and indexes if they do not exist.
func (s *DeviceStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("device store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + devicesTable + ` (
    device_code TEXT PRIMARY KEY,
    user_code   TEXT NOT NULL,
    account_id  TEXT NOT NULL DEFAULT '',
    api_key     TEXT NOT NULL DEFAULT '',
    expires_at  TIMESTAMPTZ NOT NULL,
    approved_at TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_device_codes_user_code
    ON ` + devicesTable + ` (user_code)`,
		`CREATE INDEX IF NOT EXISTS idx_device_codes_expiry
    ON ` + devicesTable + ` (expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure device_codes schema: %w", err)
		}
	}
	return nil
}

// Create persists a fresh pairing.
func (s *DeviceStore) Create(ctx context.Context, d *account.DeviceCode) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = d.CreatedAt.Add(account.DeviceGrantTTL)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+devicesTable+` (device_code, user_code, account_id, api_key, expires_at, approved_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.DeviceCode, d.UserCode, d.AccountID, d.APIKey, d.ExpiresAt, d.ApprovedAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("create device code: %w", err)
	}
	return nil
}

// GetByUserCode resolves the human code during approval.
func (s *DeviceStore) GetByUserCode(ctx context.Context, userCode string) (*account.DeviceCode, error) {
	var d *account.DeviceCode
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT device_code, user_code, account_id, api_key, expires_at, approved_at, created_at
			 FROM `+devicesTable+` WHERE user_code = $1`, userCode)
		var scanErr error
		d, scanErr = scanDeviceCode(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("device code", userCode)
	}
	if err != nil {
		return nil, fmt.Errorf("get device code by user code: %w", err)
	}
	return d, nil
}

// Approve binds the pairing to an account and deposits the key the runner will
// receive on its next poll. Approving an expired or unknown code fails.
func (s *DeviceStore) Approve(ctx context.Context, userCode, accountID, apiKey string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+devicesTable+` SET account_id = $2, api_key = $3, approved_at = $4
		 WHERE user_code = $1 AND expires_at > $4 AND approved_at IS NULL`,
		userCode, accountID, apiKey, now.UTC())
	if err != nil {
		return fmt.Errorf("approve device code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("pending device code", userCode)
	}
	return nil
}

// Consume redeems an approved device code exactly once. The row is deleted in
// the same transaction that reads it so a second poll with the same code can
// never receive the key again.
func (s *DeviceStore) Consume(ctx context.Context, deviceCode string, now time.Time) (*account.DeviceCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	row := tx.QueryRow(ctx,
		`SELECT device_code, user_code, account_id, api_key, expires_at, approved_at, created_at
		 FROM `+devicesTable+` WHERE device_code = $1 FOR UPDATE`, deviceCode)
	d, err := scanDeviceCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("device code", "")
	}
	if err != nil {
		return nil, fmt.Errorf("consume device code: %w", err)
	}

	if d.Expired(now) {
		if _, err := tx.Exec(ctx, `DELETE FROM `+devicesTable+` WHERE device_code = $1`, deviceCode); err != nil {
			return nil, fmt.Errorf("delete expired device code: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit consume: %w", err)
		}
		return nil, sharederrors.NotFound("device code", "")
	}
	if d.ApprovedAt == nil {
		return nil, account.ErrDevicePending
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+devicesTable+` WHERE device_code = $1`, deviceCode); err != nil {
		return nil, fmt.Errorf("delete consumed device code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}

	s.logger.Info("device code %s consumed for account %s", d.UserCode, d.AccountID)
	return d, nil
}

// DeleteExpired prunes pairings past their window and reports how many rows
// were removed.
func (s *DeviceStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+devicesTable+` WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired device codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDeviceCode(row pgxRow) (*account.DeviceCode, error) {
	var d account.DeviceCode
	if err := row.Scan(&d.DeviceCode, &d.UserCode, &d.AccountID, &d.APIKey,
		&d.ExpiresAt, &d.ApprovedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
