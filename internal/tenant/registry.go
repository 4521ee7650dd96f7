package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
)

// Registry is the catalog of tenants. It owns slug validation, schema name
// derivation and the status state machine; persistence is delegated to a store.TenantStore.
type Registry struct {
	store          store.TenantStore
	plans          *PlanCatalog
	templateSchema string
	now            func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPlans sets the plan catalog. Defaults to DefaultPlans().
func WithPlans(plans *PlanCatalog) Option {
	return func(r *Registry) { r.plans = plans }
}

// WithTemplateSchema sets the template schema name, which tenants may never claim.
func WithTemplateSchema(name string) Option {
	return func(r *Registry) { r.templateSchema = name }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over the given store.
func NewRegistry(tenantStore store.TenantStore, opts ...Option) *Registry {
	r := &Registry{
		store:          tenantStore,
		plans:          DefaultPlans(),
		templateSchema: DefaultTemplateSchema,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plans returns the registry's plan catalog.
func (r *Registry) Plans() *PlanCatalog {
	return r.plans
}

// TemplateSchema returns the configured template schema name.
func (r *Registry) TemplateSchema() string {
	return r.templateSchema
}

// Get returns the tenant with the given slug, or store.ErrTenantNotFound.
func (r *Registry) Get(ctx context.Context, slug string) (*models.Tenant, error) {
	if err := ValidateSlug(slug); err != nil {
		// A malformed reference can never name a registered tenant
		return nil, fmt.Errorf("%w: %w", store.ErrTenantNotFound, err)
	}
	return r.store.GetBySlug(ctx, slug)
}

// GetByID returns the tenant with the given ID, or store.ErrTenantNotFound.
func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.store.GetByID(ctx, id)
}

// Create registers a new pending tenant. The schema name is derived from the slug
// and assigned once. Returns store.ErrTenantAlreadyExists when the slug or schema
// name is taken, including when a concurrent Create for the same slug wins.
func (r *Registry) Create(ctx context.Context, slug, plan string) (*models.Tenant, error) {
	schemaName, err := SchemaNameForSlug(slug)
	if err != nil {
		return nil, err
	}
	if schemaName == r.templateSchema {
		return nil, fmt.Errorf("%w: %q is the template schema", ErrInvalidSchemaName, schemaName)
	}

	p, err := r.plans.Lookup(plan)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate tenant ID: %w", err)
	}

	now := r.now()
	tenant := &models.Tenant{
		ID:         id,
		Slug:       slug,
		SchemaName: schemaName,
		Status:     models.StatusPending,
		Plan:       p.Name,
		Limits:     p.Limits,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.store.Create(ctx, tenant); err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant_id", tenant.ID.String()).
		Str("slug", slug).
		Str("plan", p.Name).
		Msg("Registered tenant")

	return tenant, nil
}

// Transition moves a tenant to newStatus. The move must be permitted by the
// status state machine and is applied as a compare-and-swap against the status
// read here, so a concurrent transition makes this one fail instead of being lost.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, newStatus models.Status) (*models.Tenant, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTransition, newStatus)
	}

	current, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.IsTombstoned() {
		return nil, fmt.Errorf("%w: tenant %s has been deprovisioned", store.ErrInvalidTransition, current.Slug)
	}

	if !current.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.Status, newStatus)
	}

	updated, err := r.store.UpdateStatus(ctx, id, current.Status, newStatus)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: status of %s changed concurrently", store.ErrInvalidTransition, current.Slug)
		}
		return nil, err
	}

	return updated, nil
}

// List returns tenants matching the filter.
func (r *Registry) List(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, error) {
	return r.store.List(ctx, filter)
}

// RecordProvisionFailure stores the reason the last provisioning attempt failed.
func (r *Registry) RecordProvisionFailure(ctx context.Context, id uuid.UUID, cause error) error {
	msg := cause.Error()
	return r.store.SetProvisionResult(ctx, id, &msg, r.now())
}

// MarkProvisioned clears any previous failure and records the provisioning time.
func (r *Registry) MarkProvisioned(ctx context.Context, id uuid.UUID) error {
	return r.store.SetProvisionResult(ctx, id, nil, r.now())
}

// MarkDeprovisioned records the tombstone. Callers must only do this after the schema was dropped.
func (r *Registry) MarkDeprovisioned(ctx context.Context, id uuid.UUID) error {
	return r.store.MarkDeprovisioned(ctx, id, r.now())
}
