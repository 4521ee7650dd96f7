package commands

import (
	"context"
	"fmt"

	postgresstore "github.com/wolfeidau/tenantry/internal/store/postgres"
)

type MigrateCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	if err := c.Postgres.Validate(); err != nil {
		return fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	pool, err := postgresstore.NewPool(ctx, c.Postgres.platformPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to create platform pool: %w", err)
	}
	defer pool.Close()

	if err := postgresstore.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Msg("Migrations complete")
	return nil
}
