package bootstrap

import (
	"context"
	"fmt"

	"github.com/buildd-ai/buildd-sub004/internal/app/auth"
	"github.com/buildd-ai/buildd-sub004/internal/infra/postgres"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// EnsureSchema connects to the database, applies the idempotent schema
// bootstrap for every store, and disconnects. Used by the schema
// subcommand so deployments can migrate without starting the server.
func EnsureSchema(ctx context.Context, databaseURL string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	return postgres.EnsureAllSchemas(ctx,
		postgres.NewAccountStore(pool),
		postgres.NewWorkspaceStore(pool),
		postgres.NewDeviceStore(pool),
		postgres.NewTaskStore(pool),
		postgres.NewWorkerStore(pool),
		postgres.NewRunnerStore(pool),
		postgres.NewScheduleStore(pool),
		postgres.NewObservationStore(pool),
		postgres.NewArtifactStore(pool),
		postgres.NewSkillStore(pool),
	)
}

// CreateAccount provisions an account against the configured database and
// returns the plaintext API key. CLI-only path; the HTTP surface never
// mints accounts.
func CreateAccount(ctx context.Context, databaseURL, name string, maxConcurrentWorkers int, admin bool) (string, string, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return "", "", fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	accounts := postgres.NewAccountStore(pool)
	workspaces := postgres.NewWorkspaceStore(pool)
	devices := postgres.NewDeviceStore(pool)
	if err := postgres.EnsureAllSchemas(ctx, accounts, workspaces, devices); err != nil {
		return "", "", err
	}

	svc := auth.NewService(accounts, workspaces, devices, logging.NewComponentLogger("Auth"))
	acct, key, err := svc.CreateAccount(ctx, name, maxConcurrentWorkers, admin)
	if err != nil {
		return "", "", err
	}
	return acct.ID, key, nil
}
