package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantry/internal/models"
)

// Sentinel errors for tenant store operations
var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantAlreadyExists = errors.New("tenant already exists")
	ErrInvalidTransition   = errors.New("invalid tenant status transition")
)

// TenantFilter narrows a tenant listing. Zero values match everything.
type TenantFilter struct {
	Statuses          []models.Status
	Plan              string
	IncludeTombstoned bool
	Limit             int
	Offset            int
}

// TenantStore defines the interface for the tenant registry's backing store.
type TenantStore interface {
	// Create inserts a new tenant.
	// Returns ErrTenantAlreadyExists if the slug or schema name is already taken.
	Create(ctx context.Context, tenant *models.Tenant) error

	// GetBySlug retrieves a tenant by slug.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)

	// GetByID retrieves a tenant by ID.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// UpdateStatus atomically moves a tenant from one status to another.
	// Returns ErrInvalidTransition if the tenant is no longer in status from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status) (*models.Tenant, error)

	// SetProvisionResult records the outcome of a provisioning attempt.
	// A nil provisionErr marks the tenant as provisioned at the given time.
	SetProvisionResult(ctx context.Context, id uuid.UUID, provisionErr *string, at time.Time) error

	// MarkDeprovisioned records the tombstone after the tenant schema was dropped.
	MarkDeprovisioned(ctx context.Context, id uuid.UUID, at time.Time) error

	// List returns tenants matching the filter ordered by creation time.
	List(ctx context.Context, filter TenantFilter) ([]*models.Tenant, error)
}
