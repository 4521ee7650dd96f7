package poolcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/store/postgres"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

// ErrSchemaMissing is returned by the factory when the schema has not been provisioned.
var ErrSchemaMissing = errors.New("tenant schema does not exist")

// PgSource is a pgxpool dedicated to one tenant schema.
type PgSource struct {
	schema string
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// NewPgFactory returns a Factory that builds one pgxpool per schema from the shared
// pool settings. Every connection in the pool starts with search_path set to the
// schema, and is re-scoped on every checkout. Connections report
// tenant.ApplicationName(schema) so deprovisioning can terminate pools held by
// other processes.
func NewPgFactory(cfg *postgres.PoolConfig) Factory {
	return func(ctx context.Context, schema string) (Source, error) {
		if err := tenant.ValidateSchemaName(schema); err != nil {
			return nil, err
		}

		base := *cfg
		poolConfig, err := postgres.ParsePoolConfig(&base)
		if err != nil {
			return nil, err
		}
		poolConfig.ConnConfig.RuntimeParams["search_path"] = pgx.Identifier{schema}.Sanitize()
		poolConfig.ConnConfig.RuntimeParams["application_name"] = tenant.ApplicationName(schema)

		pool, err := postgres.NewPoolWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool for schema %s: %w", schema, err)
		}

		var exists bool
		err = pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, schema).Scan(&exists)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to check schema %s: %w", schema, err)
		}
		if !exists {
			pool.Close()
			return nil, fmt.Errorf("%w: %s", ErrSchemaMissing, schema)
		}

		return &PgSource{schema: schema, pool: pool}, nil
	}
}

func (s *PgSource) Schema() string {
	return s.schema
}

// Checkout acquires a connection and scopes it to the schema before handing it out.
// A connection that cannot be verified as scoped is destroyed rather than returned
// to the pool.
func (s *PgSource) Checkout(ctx context.Context) (*Session, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSourceClosed
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if err := scopeConn(ctx, conn, s.schema); err != nil {
		// never return a connection in an unknown scope to the pool
		if cerr := conn.Hijack().Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Debug().Err(cerr).Str("schema", s.schema).Msg("Failed to close unscoped connection")
		}
		return nil, err
	}

	return NewSession(s.schema, conn), nil
}

// Close blocks until every checked out session has been released.
func (s *PgSource) Close() {
	s.closed.Store(true)
	s.pool.Close()
}

// scoper is the part of a connection needed to set and verify its search path.
type scoper interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scopeConn sets the session search_path to schema and then confirms the server
// resolves unqualified names there.
func scopeConn(ctx context.Context, conn scoper, schema string) error {
	path := pgx.Identifier{schema}.Sanitize()
	if _, err := conn.Exec(ctx, `SELECT pg_catalog.set_config('search_path', $1, false)`, path); err != nil {
		return fmt.Errorf("failed to set search_path: %w", err)
	}

	var current *string
	if err := conn.QueryRow(ctx, `SELECT pg_catalog.current_schema()`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read current schema: %w", err)
	}

	if current == nil || *current != schema {
		got := "<none>"
		if current != nil {
			got = *current
		}
		return fmt.Errorf("%w: want %s, got %s", ErrSchemaMismatch, schema, got)
	}

	return nil
}
