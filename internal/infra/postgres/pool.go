// Package postgres implements the coordinator's persistence ports on
// PostgreSQL via pgx.
//
// Every store owns its schema (EnsureSchema) and keeps coordination-critical
// transitions inside predicated statements so concurrent nodes cannot
// double-apply them. Cross-node mutual exclusion uses advisory locks.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns          = 16
	defaultMinConns          = 2
	defaultMaxConnLifetime   = time.Hour
	defaultHealthCheckPeriod = time.Minute
)

// NewPool parses databaseURL, applies pool tuning, connects, and verifies the
// connection with a ping. The caller owns Close.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	if cfg.MaxConns == 0 || cfg.MaxConns > defaultMaxConns {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = defaultMinConns
	}
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.HealthCheckPeriod = defaultHealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureAllSchemas runs EnsureSchema across the given stores in order.
// Foreign-key-free schemas make the order cosmetic, but keeping entity tables
// before dependent ones reads better in logs.
func EnsureAllSchemas(ctx context.Context, stores ...interface {
	EnsureSchema(ctx context.Context) error
}) error {
	for _, s := range stores {
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}
