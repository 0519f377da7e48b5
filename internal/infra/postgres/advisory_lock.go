package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// advisoryConn is the slice of a pooled connection the locks need. Session
// advisory locks are connection-bound, so the holder pins its connection
// until release.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

type acquireConnFunc func(ctx context.Context) (advisoryConn, error)

// LockKey hashes a lock name into the bigint keyspace pg advisory locks use.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// AdvisoryLock is a cluster-wide mutex built on pg_try_advisory_lock.
// Acquire polls until the lock is won or the context ends; the winning
// connection stays pinned until Release.
type AdvisoryLock struct {
	acquire       acquireConnFunc
	name          string
	owner         string
	retryInterval time.Duration
	logger        logging.Logger

	mu   sync.Mutex
	conn advisoryConn
}

// NewAdvisoryLock builds a lock backed by the pool. owner is a diagnostic
// label (typically the process identity) carried in logs.
func NewAdvisoryLock(pool *pgxpool.Pool, name, owner string, retryInterval time.Duration, logger logging.Logger) *AdvisoryLock {
	acquire := func(ctx context.Context) (advisoryConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return newAdvisoryLockWithAcquire(acquire, name, owner, retryInterval, logger)
}

func newAdvisoryLockWithAcquire(acquire acquireConnFunc, name, owner string, retryInterval time.Duration, logger logging.Logger) *AdvisoryLock {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &AdvisoryLock{
		acquire:       acquire,
		name:          name,
		owner:         owner,
		retryInterval: retryInterval,
		logger:        logging.OrNop(logger),
	}
}

// Acquire blocks until the lock is held or ctx ends. Returns true once held.
// Connections from failed attempts are released before the next try.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	for {
		acquired, err := l.tryOnce(ctx)
		if err != nil {
			return false, err
		}
		if acquired {
			l.logger.Info("advisory lock %q acquired by %s", l.name, l.owner)
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *AdvisoryLock) tryOnce(ctx context.Context) (bool, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for lock %q: %w", l.name, err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, LockKey(l.name)).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock %q: %w", l.name, err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool. A release
// without a prior successful Acquire is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	defer conn.Release()

	var unlocked bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, LockKey(l.name)).Scan(&unlocked); err != nil {
		return fmt.Errorf("release advisory lock %q: %w", l.name, err)
	}
	if !unlocked {
		l.logger.Warn("advisory lock %q was not held at release", l.name)
	}
	return nil
}

// tryLockOnce takes a session advisory lock without retrying. When ok, the
// returned release func unlocks and frees the pinned connection; it uses its
// own timeout so a cancelled caller context cannot strand the lock.
func tryLockOnce(ctx context.Context, acquire acquireConnFunc, name string) (release func(), ok bool, err error) {
	conn, err := acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}

	key := LockKey(name)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var unlocked bool
			_ = conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock($1)`, key).Scan(&unlocked)
			conn.Release()
		})
	}
	return release, true, nil
}
