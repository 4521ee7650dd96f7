//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	// Start postgres container
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

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func newTenant(t *testing.T, slug string) *models.Tenant {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Tenant{
		ID:         id,
		Slug:       slug,
		SchemaName: "tenant_" + slug,
		Status:     models.StatusPending,
		Plan:       "standard",
		Limits:     models.Limits{MaxUsers: 50, MaxStorageBytes: 1 << 30},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestIntegration_TenantLifecycle(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := NewTenantStore(pool)
	tenant := newTenant(t, "acme")

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, st.Create(ctx, tenant))

		got, err := st.GetBySlug(ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, tenant.ID, got.ID)
		require.Equal(t, "tenant_acme", got.SchemaName)
		require.Equal(t, models.StatusPending, got.Status)
		require.Equal(t, tenant.Limits, got.Limits)
		require.Nil(t, got.ProvisionedAt)

		got, err = st.GetByID(ctx, tenant.ID)
		require.NoError(t, err)
		require.Equal(t, "acme", got.Slug)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := st.GetBySlug(ctx, "ghost")
		require.ErrorIs(t, err, store.ErrTenantNotFound)

		_, err = st.GetByID(ctx, uuid.New())
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})

	t.Run("duplicate slug", func(t *testing.T) {
		err := st.Create(ctx, newTenant(t, "acme"))
		require.ErrorIs(t, err, store.ErrTenantAlreadyExists)
	})

	t.Run("duplicate schema name", func(t *testing.T) {
		other := newTenant(t, "acme-two")
		other.SchemaName = "tenant_acme"
		require.ErrorIs(t, st.Create(ctx, other), store.ErrTenantAlreadyExists)
	})

	t.Run("status compare and swap", func(t *testing.T) {
		updated, err := st.UpdateStatus(ctx, tenant.ID, models.StatusPending, models.StatusActive)
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, updated.Status)

		_, err = st.UpdateStatus(ctx, tenant.ID, models.StatusPending, models.StatusTrial)
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = st.UpdateStatus(ctx, uuid.New(), models.StatusPending, models.StatusActive)
		require.ErrorIs(t, err, store.ErrTenantNotFound)
	})

	t.Run("provision bookkeeping", func(t *testing.T) {
		msg := "clone failed"
		require.NoError(t, st.SetProvisionResult(ctx, tenant.ID, &msg, time.Now()))

		got, err := st.GetByID(ctx, tenant.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ProvisionError)
		require.Equal(t, msg, *got.ProvisionError)

		require.NoError(t, st.SetProvisionResult(ctx, tenant.ID, nil, time.Now()))
		got, err = st.GetByID(ctx, tenant.ID)
		require.NoError(t, err)
		require.Nil(t, got.ProvisionError)
		require.NotNil(t, got.ProvisionedAt)
	})

	t.Run("schema name is immutable", func(t *testing.T) {
		_, err := pool.Exec(ctx, `UPDATE tenants SET schema_name = 'tenant_other' WHERE tenant_id = $1`, tenant.ID)
		require.Error(t, err)
	})

	t.Run("tombstone and list", func(t *testing.T) {
		for _, slug := range []string{"beta", "gamma"} {
			require.NoError(t, st.Create(ctx, newTenant(t, slug)))
		}

		require.NoError(t, st.MarkDeprovisioned(ctx, tenant.ID, time.Now()))

		all, err := st.List(ctx, store.TenantFilter{IncludeTombstoned: true})
		require.NoError(t, err)
		require.Len(t, all, 3)

		live, err := st.List(ctx, store.TenantFilter{})
		require.NoError(t, err)
		require.Len(t, live, 2)

		pending, err := st.List(ctx, store.TenantFilter{Statuses: []models.Status{models.StatusPending}, Limit: 1})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "beta", pending[0].Slug)

		page, err := st.List(ctx, store.TenantFilter{Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "gamma", page[0].Slug)
	})
}

func TestIntegration_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := NewTenantStore(pool)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	candidates := make([]*models.Tenant, 10)
	for i := range candidates {
		candidates[i] = newTenant(t, "race")
	}

	for _, candidate := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Create(ctx, candidate)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrTenantAlreadyExists):
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, 9, conflicts)
}
