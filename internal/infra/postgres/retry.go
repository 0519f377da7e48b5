package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
)

// IsRetryable reports whether a database error is worth retrying on an
// idempotent statement: connection-class failures, serialization aborts,
// deadlocks, and startup/shutdown windows.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case pgErr.Code == "40001": // serialization_failure
			return true
		case pgErr.Code == "40P01": // deadlock_detected
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}

	return sharederrors.IsTransient(err)
}

func defaultReadBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

// withReadRetry retries fn on retryable failures. Only reads and idempotent
// predicated updates go through here; claim transactions surface their first
// error so callers see the real contention outcome.
func withReadRetry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(defaultReadBackoff(), ctx))
}
