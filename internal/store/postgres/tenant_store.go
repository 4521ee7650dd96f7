package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
)

const tenantColumns = `
	tenant_id, slug, schema_name, status, plan,
	max_users, max_storage_bytes,
	provision_error, provisioned_at, deprovisioned_at,
	created_at, updated_at`

// TenantStore implements store.TenantStore using PostgreSQL.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore creates a new PostgreSQL-backed tenant store.
// It uses the platform connection pool, never a tenant-scoped one.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{
		pool: pool,
	}
}

// Create inserts a new tenant. Uniqueness of slug and schema name is enforced by
// constraints, so concurrent creates for the same slug cannot both succeed.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (
			tenant_id, slug, schema_name, status, plan,
			max_users, max_storage_bytes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := s.pool.Exec(ctx, query,
		tenant.ID,
		tenant.Slug,
		tenant.SchemaName,
		string(tenant.Status),
		tenant.Plan,
		tenant.Limits.MaxUsers,
		tenant.Limits.MaxStorageBytes,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		mapped := mapPostgresError(err)
		if errors.Is(mapped, store.ErrTenantAlreadyExists) {
			return mapped
		}
		return fmt.Errorf("failed to create tenant: %w", mapped)
	}

	log.Debug().
		Str("tenant_id", tenant.ID.String()).
		Str("slug", tenant.Slug).
		Msg("Created tenant")

	return nil
}

// GetBySlug retrieves a tenant by slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM tenants WHERE slug = $1`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, slug))
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return tenant, nil
}

// GetByID retrieves a tenant by ID.
func (s *TenantStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM tenants WHERE tenant_id = $1`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return tenant, nil
}

// UpdateStatus moves a tenant from one status to another as a single compare-and-swap.
func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status) (*models.Tenant, error) {
	query := `
		UPDATE tenants SET
			status = $3,
			updated_at = now()
		WHERE tenant_id = $1 AND status = $2
		RETURNING` + tenantColumns

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, id, string(from), string(to)))
	if err == nil {
		log.Info().
			Str("tenant_id", id.String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Updated tenant status")
		return tenant, nil
	}
	if !errors.Is(err, store.ErrTenantNotFound) {
		return nil, fmt.Errorf("failed to update tenant status: %w", mapPostgresError(err))
	}

	// No row updated: either the tenant is gone or its status moved underneath us
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrInvalidTransition
}

// SetProvisionResult records the outcome of a provisioning attempt.
func (s *TenantStore) SetProvisionResult(ctx context.Context, id uuid.UUID, provisionErr *string, at time.Time) error {
	var query string
	if provisionErr != nil {
		query = `UPDATE tenants SET provision_error = $2, updated_at = $3 WHERE tenant_id = $1`
	} else {
		query = `UPDATE tenants SET provision_error = $2, provisioned_at = $3, updated_at = $3 WHERE tenant_id = $1`
	}

	result, err := s.pool.Exec(ctx, query, id, provisionErr, at)
	if err != nil {
		return fmt.Errorf("failed to record provision result: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}

	return nil
}

// MarkDeprovisioned records the tombstone for a tenant whose schema was dropped.
func (s *TenantStore) MarkDeprovisioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE tenants SET deprovisioned_at = $2, updated_at = $2 WHERE tenant_id = $1`

	result, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark tenant deprovisioned: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}

	log.Info().
		Str("tenant_id", id.String()).
		Msg("Recorded tenant tombstone")

	return nil
}

// List returns tenants matching the filter ordered by creation time.
func (s *TenantStore) List(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Plan != "" {
		args = append(args, filter.Plan)
		where = append(where, fmt.Sprintf("plan = $%d", len(args)))
	}
	if !filter.IncludeTombstoned {
		where = append(where, "deprovisioned_at IS NULL")
	}

	query := `SELECT` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}

	return tenants, nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var (
		tenant models.Tenant
		status string
	)

	err := row.Scan(
		&tenant.ID,
		&tenant.Slug,
		&tenant.SchemaName,
		&status,
		&tenant.Plan,
		&tenant.Limits.MaxUsers,
		&tenant.Limits.MaxStorageBytes,
		&tenant.ProvisionError,
		&tenant.ProvisionedAt,
		&tenant.DeprovisionedAt,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, err
	}

	tenant.Status = models.Status(status)
	return &tenant, nil
}
