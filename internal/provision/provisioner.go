// Package provision creates and drops tenant schemas from the template schema.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
	"github.com/wolfeidau/tenantry/internal/telemetry"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

var (
	ErrProvisioningFailure = errors.New("provisioning failed")
	ErrNotPending          = errors.New("tenant is not pending")
	ErrNotDeprovisionable  = errors.New("tenant must be suspended or expired to deprovision")
	ErrNotPartial          = errors.New("schema is not a partially provisioned tenant schema")
)

// Schema comments used to mark provisioning progress.
const (
	markerProvisioning = "tenantry:provisioning"
	markerReady        = "tenantry:ready"
)

// lockClass namespaces the per-schema advisory locks taken by the provisioner.
const lockClass = 0x7e4a

// Registry is the tenant bookkeeping the provisioner updates. *tenant.Registry satisfies it.
type Registry interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	List(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus models.Status) (*models.Tenant, error)
	RecordProvisionFailure(ctx context.Context, id uuid.UUID, cause error) error
	MarkProvisioned(ctx context.Context, id uuid.UUID) error
	MarkDeprovisioned(ctx context.Context, id uuid.UUID) error
	Plans() *tenant.PlanCatalog
	TemplateSchema() string
}

// Evictor drains and closes the warm pool for a schema. *poolcache.Cache satisfies it.
type Evictor interface {
	Evict(ctx context.Context, schema string) error
}

// Result describes a successful provisioning run.
type Result struct {
	Tenant   *models.Tenant
	Created  ObjectCounts
	Duration time.Duration
}

// Provisioner clones the template schema for new tenants and removes deprovisioned ones.
type Provisioner struct {
	pool     *pgxpool.Pool
	registry Registry
	evictor  Evictor
	metrics  *telemetry.Metrics
}

// New creates a provisioner using the platform pool for DDL.
func New(pool *pgxpool.Pool, registry Registry, evictor Evictor) *Provisioner {
	return &Provisioner{
		pool:     pool,
		registry: registry,
		evictor:  evictor,
		metrics:  telemetry.GetMetrics(),
	}
}

// Provision creates the tenant's schema from the template and activates the tenant.
//
// The tenant must be pending. On failure the tenant stays pending with the error
// recorded, and the schema keeps its provisioning marker; calling Provision again
// completes the schema without duplicating objects.
func (p *Provisioner) Provision(ctx context.Context, t *models.Tenant) (*Result, error) {
	current, err := p.registry.GetByID(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusPending || current.IsTombstoned() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, current.Slug, current.Status)
	}
	if err := tenant.ValidateSchemaName(current.SchemaName); err != nil {
		return nil, err
	}

	plan, err := p.registry.Plans().Lookup(current.Plan)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().
		Str("tenant", current.Slug).
		Str("schema", current.SchemaName).
		Logger()

	started := time.Now()
	p.metrics.ProvisionTotal.Add(ctx, 1)

	var counts ObjectCounts
	err = p.withSchemaLock(ctx, current.SchemaName, func(conn *pgxpool.Conn) error {
		schema := pgx.Identifier{current.SchemaName}.Sanitize()

		if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if err := setMarker(ctx, conn, current.SchemaName, markerProvisioning); err != nil {
			return err
		}

		var err error
		counts, err = clone(logger.WithContext(ctx), conn, p.registry.TemplateSchema(), current.SchemaName)
		if err != nil {
			return err
		}

		return setMarker(ctx, conn, current.SchemaName, markerReady)
	})
	if err != nil {
		p.metrics.ProvisionErrorsTotal.Add(ctx, 1)
		if rerr := p.registry.RecordProvisionFailure(context.WithoutCancel(ctx), current.ID, err); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record provisioning failure")
		}
		logger.Error().Err(err).Msg("Provisioning failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrProvisioningFailure, current.Slug, err)
	}

	if err := p.registry.MarkProvisioned(ctx, current.ID); err != nil {
		return nil, fmt.Errorf("failed to record provisioning: %w", err)
	}

	activated, err := p.registry.Transition(ctx, current.ID, plan.InitialStatus())
	if err != nil {
		return nil, fmt.Errorf("failed to activate tenant: %w", err)
	}

	duration := time.Since(started)
	p.metrics.ProvisionDuration.Record(ctx, float64(duration.Milliseconds()))
	logger.Info().
		Str("status", string(activated.Status)).
		Int("created", counts.Total()).
		Dur("duration", duration).
		Msg("Provisioned tenant")

	return &Result{Tenant: activated, Created: counts, Duration: duration}, nil
}

// Deprovision drops a suspended or expired tenant's schema and tombstones the tenant.
// The tenant's warm pool is drained and closed before the schema is dropped.
func (p *Provisioner) Deprovision(ctx context.Context, t *models.Tenant) error {
	current, err := p.registry.GetByID(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.IsTombstoned() {
		return fmt.Errorf("%w: %s already deprovisioned", ErrNotDeprovisionable, current.Slug)
	}
	if !current.Status.Deprovisionable() {
		return fmt.Errorf("%w: %s is %s", ErrNotDeprovisionable, current.Slug, current.Status)
	}
	if err := tenant.ValidateSchemaName(current.SchemaName); err != nil {
		return err
	}

	logger := zerolog.Ctx(ctx).With().
		Str("tenant", current.Slug).
		Str("schema", current.SchemaName).
		Logger()

	if err := p.evictor.Evict(ctx, current.SchemaName); err != nil {
		return fmt.Errorf("failed to evict tenant pool: %w", err)
	}

	err = p.withSchemaLock(ctx, current.SchemaName, func(conn *pgxpool.Conn) error {
		// pools in other tenantd processes are not reachable through the evictor
		terminated, err := terminateBackends(ctx, conn, current.SchemaName)
		if err != nil {
			return err
		}
		if terminated > 0 {
			logger.Info().Int("backends", terminated).Msg("Terminated tenant connections held elsewhere")
		}

		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{current.SchemaName}.Sanitize()+" CASCADE")
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}

	if err := p.registry.MarkDeprovisioned(ctx, current.ID); err != nil {
		return fmt.Errorf("failed to record deprovisioning: %w", err)
	}

	p.metrics.DeprovisionTotal.Add(ctx, 1)
	logger.Info().Msg("Deprovisioned tenant")

	return nil
}

// CleanupPartial drops the schema of a pending tenant whose provisioning did not
// complete. The tenant stays pending and can be provisioned again.
func (p *Provisioner) CleanupPartial(ctx context.Context, t *models.Tenant) error {
	current, err := p.registry.GetByID(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.Status != models.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, current.Slug, current.Status)
	}
	if err := tenant.ValidateSchemaName(current.SchemaName); err != nil {
		return err
	}

	return p.withSchemaLock(ctx, current.SchemaName, func(conn *pgxpool.Conn) error {
		marker, exists, err := readMarker(ctx, conn, current.SchemaName)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if marker != markerProvisioning {
			return fmt.Errorf("%w: %s", ErrNotPartial, current.SchemaName)
		}

		if _, err := conn.Exec(ctx, "DROP SCHEMA "+pgx.Identifier{current.SchemaName}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop partial schema: %w", err)
		}

		zerolog.Ctx(ctx).Info().Str("tenant", current.Slug).Msg("Removed partially provisioned schema")
		return nil
	})
}

// Exists reports whether a schema is present in the database.
func (p *Provisioner) Exists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, schema).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", schema, err)
	}
	return exists, nil
}

// withSchemaLock runs fn on a dedicated connection while holding the advisory
// lock for schema, serialising provisioning work on one schema across processes.
func (p *Provisioner) withSchemaLock(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockClass, schema); err != nil {
		return fmt.Errorf("failed to lock schema %s: %w", schema, err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1, hashtext($2))`, lockClass, schema); err != nil {
			// a connection that may still hold the lock must not go back to the pool
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
	}()

	return fn(conn)
}

// terminateBackends ends every session opened by a tenant pool for schema and
// returns how many were terminated.
func terminateBackends(ctx context.Context, q querier, schema string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE pg_terminate_backend(pid))
		FROM pg_catalog.pg_stat_activity
		WHERE application_name = $1 AND pid <> pg_backend_pid()`,
		tenant.ApplicationName(schema)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate connections to schema %s: %w", schema, err)
	}
	return n, nil
}

func setMarker(ctx context.Context, q querier, schema, marker string) error {
	// COMMENT does not accept parameters
	sql := fmt.Sprintf("COMMENT ON SCHEMA %s IS '%s'", pgx.Identifier{schema}.Sanitize(), marker)
	if _, err := q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to mark schema %s: %w", schema, err)
	}
	return nil
}

func readMarker(ctx context.Context, q querier, schema string) (string, bool, error) {
	var marker *string
	err := q.QueryRow(ctx, `
		SELECT pg_catalog.obj_description(n.oid, 'pg_namespace')
		FROM pg_catalog.pg_namespace n
		WHERE n.nspname = $1`, schema).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read schema marker: %w", err)
	}
	if marker == nil {
		return "", true, nil
	}
	return *marker, true, nil
}
