//go:build integration

package provision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	"github.com/wolfeidau/tenantry/internal/store/postgres"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

type environment struct {
	connString  string
	pool        *pgxpool.Pool
	registry    *tenant.Registry
	cache       *poolcache.Cache
	provisioner *Provisioner
}

func setupEnvironment(t *testing.T, ctx context.Context) *environment {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{ConnString: connString, MaxConns: 5})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.RunMigrations(ctx, pool))

	registry := tenant.NewRegistry(postgres.NewTenantStore(pool))

	cache, err := poolcache.New(poolcache.Config{Capacity: 4},
		poolcache.NewPgFactory(&postgres.PoolConfig{ConnString: connString, MaxConns: 2}))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = cache.Close(closeCtx)
	})

	return &environment{
		connString:  connString,
		pool:        pool,
		registry:    registry,
		cache:       cache,
		provisioner: New(pool, registry, cache),
	}
}

func (e *environment) count(t *testing.T, ctx context.Context, sql string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.pool.QueryRow(ctx, sql, args...).Scan(&n))
	return n
}

func TestIntegration_ProvisionLifecycle(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	tn, err := env.registry.Create(ctx, "acme", "standard")
	require.NoError(t, err)

	res, err := env.provisioner.Provision(ctx, tn)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, res.Tenant.Status)
	require.Equal(t, 5, res.Created.Tables)
	require.Positive(t, res.Created.Constraints)
	require.Equal(t, 2, res.Created.Indexes)

	exists, err := env.provisioner.Exists(ctx, "tenant_acme")
	require.NoError(t, err)
	require.True(t, exists)

	t.Run("template rows are never copied", func(t *testing.T) {
		_, err := env.pool.Exec(ctx, `INSERT INTO tenant_template.roles (name) VALUES ('template-only')`)
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = env.pool.Exec(ctx, `DELETE FROM tenant_template.roles`) })

		require.Zero(t, env.count(t, ctx, `SELECT count(*) FROM tenant_acme.roles`))
	})

	t.Run("serial defaults use the tenant sequence", func(t *testing.T) {
		var def string
		require.NoError(t, env.pool.QueryRow(ctx, `
			SELECT pg_get_expr(ad.adbin, ad.adrelid)
			FROM pg_attrdef ad
			JOIN pg_attribute a ON a.attrelid = ad.adrelid AND a.attnum = ad.adnum
			WHERE ad.adrelid = 'tenant_acme.users'::regclass AND a.attname = 'id'`).Scan(&def))
		require.Contains(t, def, "tenant_acme.users_id_seq")
	})

	t.Run("foreign keys stay inside the tenant schema", func(t *testing.T) {
		n := env.count(t, ctx, `
			SELECT count(*)
			FROM pg_constraint con
			JOIN pg_class t ON t.oid = con.conrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_class rt ON rt.oid = con.confrelid
			JOIN pg_namespace rn ON rn.oid = rt.relnamespace
			WHERE n.nspname = 'tenant_acme' AND con.contype = 'f' AND rn.nspname <> 'tenant_acme'`)
		require.Zero(t, n)
	})

	t.Run("re-running the clone creates nothing", func(t *testing.T) {
		conn, err := env.pool.Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()

		counts, err := clone(ctx, conn, "tenant_template", "tenant_acme")
		require.NoError(t, err)
		require.Zero(t, counts.Total())
	})

	t.Run("deprovision requires suspension", func(t *testing.T) {
		err := env.provisioner.Deprovision(ctx, res.Tenant)
		require.ErrorIs(t, err, ErrNotDeprovisionable)
	})

	t.Run("suspend then deprovision leaves no schema", func(t *testing.T) {
		sess, err := env.cache.Checkout(ctx, "tenant_acme")
		require.NoError(t, err)
		sess.Release()
		require.True(t, env.cache.Contains("tenant_acme"))

		suspended, err := env.registry.Transition(ctx, tn.ID, models.StatusSuspended)
		require.NoError(t, err)

		require.NoError(t, env.provisioner.Deprovision(ctx, suspended))
		require.False(t, env.cache.Contains("tenant_acme"))

		exists, err := env.provisioner.Exists(ctx, "tenant_acme")
		require.NoError(t, err)
		require.False(t, exists)

		got, err := env.registry.GetByID(ctx, tn.ID)
		require.NoError(t, err)
		require.True(t, got.IsTombstoned())
	})
}

func TestIntegration_ProvisionResumesAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	tn, err := env.registry.Create(ctx, "partial", "trial")
	require.NoError(t, err)

	// simulate an interrupted run: schema marked provisioning with only some objects present
	_, err = env.pool.Exec(ctx, `CREATE SCHEMA tenant_partial`)
	require.NoError(t, err)
	_, err = env.pool.Exec(ctx, `COMMENT ON SCHEMA tenant_partial IS 'tenantry:provisioning'`)
	require.NoError(t, err)
	_, err = env.pool.Exec(ctx, `CREATE SEQUENCE tenant_partial.roles_id_seq`)
	require.NoError(t, err)
	_, err = env.pool.Exec(ctx, `CREATE TABLE tenant_partial.roles (LIKE tenant_template.roles INCLUDING DEFAULTS)`)
	require.NoError(t, err)

	res, err := env.provisioner.Provision(ctx, tn)
	require.NoError(t, err)
	require.Equal(t, models.StatusTrial, res.Tenant.Status)
	require.Equal(t, 4, res.Created.Tables)

	require.Equal(t, 5, env.count(t, ctx,
		`SELECT count(*) FROM pg_tables WHERE schemaname = 'tenant_partial'`))
	require.Equal(t, 1, env.count(t, ctx, `
		SELECT count(*) FROM pg_constraint
		WHERE conrelid = 'tenant_partial.roles'::regclass AND contype = 'p'`))

	var marker string
	require.NoError(t, env.pool.QueryRow(ctx,
		`SELECT obj_description('tenant_partial'::regnamespace, 'pg_namespace')`).Scan(&marker))
	require.Equal(t, markerReady, marker)
}

func TestIntegration_CleanupPartial(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	tn, err := env.registry.Create(ctx, "broken", "standard")
	require.NoError(t, err)

	_, err = env.pool.Exec(ctx, `CREATE SCHEMA tenant_broken`)
	require.NoError(t, err)

	// no marker, not ours to drop
	require.ErrorIs(t, env.provisioner.CleanupPartial(ctx, tn), ErrNotPartial)

	_, err = env.pool.Exec(ctx, `COMMENT ON SCHEMA tenant_broken IS 'tenantry:provisioning'`)
	require.NoError(t, err)
	require.NoError(t, env.provisioner.CleanupPartial(ctx, tn))

	exists, err := env.provisioner.Exists(ctx, "tenant_broken")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestIntegration_SessionIsolation(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	for _, slug := range []string{"acme", "beta"} {
		tn, err := env.registry.Create(ctx, slug, "standard")
		require.NoError(t, err)
		_, err = env.provisioner.Provision(ctx, tn)
		require.NoError(t, err)
	}

	acme, err := env.cache.Checkout(ctx, "tenant_acme")
	require.NoError(t, err)
	_, err = acme.Exec(ctx, `INSERT INTO roles (name) VALUES ('acme-admin')`)
	require.NoError(t, err)

	// a handler that tampers with the search path must not leak it to the next checkout
	_, err = acme.Exec(ctx, `SET search_path TO tenant_beta`)
	require.NoError(t, err)
	acme.Release()

	for range 3 {
		sess, err := env.cache.Checkout(ctx, "tenant_acme")
		require.NoError(t, err)

		var current string
		require.NoError(t, sess.QueryRow(ctx, `SELECT current_schema()`).Scan(&current))
		require.Equal(t, "tenant_acme", current)

		var n int
		require.NoError(t, sess.QueryRow(ctx, `SELECT count(*) FROM roles`).Scan(&n))
		require.Equal(t, 1, n)
		sess.Release()
	}

	beta, err := env.cache.Checkout(ctx, "tenant_beta")
	require.NoError(t, err)
	defer beta.Release()

	var n int
	require.NoError(t, beta.QueryRow(ctx, `SELECT count(*) FROM roles`).Scan(&n))
	require.Zero(t, n)
}

func TestIntegration_Backfill(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	for _, slug := range []string{"one", "two", "three"} {
		tn, err := env.registry.Create(ctx, slug, "standard")
		require.NoError(t, err)
		_, err = env.provisioner.Provision(ctx, tn)
		require.NoError(t, err)
	}

	_, err := env.pool.Exec(ctx, `ALTER TABLE tenant_template.leads ADD COLUMN source TEXT NOT NULL DEFAULT 'web'`)
	require.NoError(t, err)
	_, err = env.pool.Exec(ctx, `CREATE INDEX leads_source_idx ON tenant_template.leads (source)`)
	require.NoError(t, err)

	report, err := env.provisioner.Backfill(ctx, BackfillOptions{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	for _, res := range report.Results {
		require.Equal(t, 1, res.Created.Columns, res.Slug)
		require.Equal(t, 1, res.Created.Indexes, res.Slug)
	}

	// idempotent
	report, err = env.provisioner.Backfill(ctx, BackfillOptions{})
	require.NoError(t, err)
	for _, res := range report.Results {
		require.Zero(t, res.Created.Total(), res.Slug)
	}
}

func TestIntegration_DeprovisionTerminatesPoolsHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	env := setupEnvironment(t, ctx)

	tn, err := env.registry.Create(ctx, "acme", "standard")
	require.NoError(t, err)
	res, err := env.provisioner.Provision(ctx, tn)
	require.NoError(t, err)

	// a second process with its own warm pool for the tenant
	other, err := poolcache.New(poolcache.Config{Capacity: 4},
		poolcache.NewPgFactory(&postgres.PoolConfig{ConnString: env.connString, MaxConns: 2}))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = other.Close(closeCtx)
	})

	sess, err := other.Checkout(ctx, "tenant_acme")
	require.NoError(t, err)
	sess.Release()

	backends := `SELECT count(*) FROM pg_stat_activity WHERE application_name = $1`
	require.Positive(t, env.count(t, ctx, backends, tenant.ApplicationName("tenant_acme")))

	suspended, err := env.registry.Transition(ctx, res.Tenant.ID, models.StatusSuspended)
	require.NoError(t, err)
	require.NoError(t, env.provisioner.Deprovision(ctx, suspended))

	require.Eventually(t, func() bool {
		return env.count(t, ctx, backends, tenant.ApplicationName("tenant_acme")) == 0
	}, 5*time.Second, 50*time.Millisecond)

	exists, err := env.provisioner.Exists(ctx, "tenant_acme")
	require.NoError(t, err)
	require.False(t, exists)
}
