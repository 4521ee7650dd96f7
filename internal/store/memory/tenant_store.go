package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
)

// TenantStore implements store.TenantStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type TenantStore struct {
	mu sync.RWMutex

	tenants  map[uuid.UUID]*models.Tenant // tenant_id -> Tenant
	bySlug   map[string]uuid.UUID         // slug -> tenant_id
	bySchema map[string]uuid.UUID         // schema_name -> tenant_id
}

// NewTenantStore creates a new in-memory tenant store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		tenants:  make(map[uuid.UUID]*models.Tenant),
		bySlug:   make(map[string]uuid.UUID),
		bySchema: make(map[string]uuid.UUID),
	}
}

// Create stores a new tenant, enforcing slug and schema name uniqueness.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenant.ID]; exists {
		return store.ErrTenantAlreadyExists
	}
	if _, exists := s.bySlug[tenant.Slug]; exists {
		return store.ErrTenantAlreadyExists
	}
	if _, exists := s.bySchema[tenant.SchemaName]; exists {
		return store.ErrTenantAlreadyExists
	}

	s.tenants[tenant.ID] = cloneTenant(tenant)
	s.bySlug[tenant.Slug] = tenant.ID
	s.bySchema[tenant.SchemaName] = tenant.ID

	return nil
}

// GetBySlug retrieves a tenant by slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.bySlug[slug]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	return cloneTenant(s.tenants[id]), nil
}

// GetByID retrieves a tenant by ID.
func (s *TenantStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	return cloneTenant(tenant), nil
}

// UpdateStatus moves a tenant from one status to another if it is still in from.
func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return nil, store.ErrTenantNotFound
	}
	if tenant.Status != from {
		return nil, store.ErrInvalidTransition
	}

	tenant.Status = to
	tenant.UpdatedAt = time.Now()

	return cloneTenant(tenant), nil
}

// SetProvisionResult records the outcome of a provisioning attempt.
func (s *TenantStore) SetProvisionResult(ctx context.Context, id uuid.UUID, provisionErr *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return store.ErrTenantNotFound
	}

	if provisionErr != nil {
		msg := *provisionErr
		tenant.ProvisionError = &msg
	} else {
		tenant.ProvisionError = nil
		tenant.ProvisionedAt = &at
	}
	tenant.UpdatedAt = at

	return nil
}

// MarkDeprovisioned records the tombstone for a tenant.
func (s *TenantStore) MarkDeprovisioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return store.ErrTenantNotFound
	}

	tenant.DeprovisionedAt = &at
	tenant.UpdatedAt = at

	return nil
}

// List returns tenants matching the filter ordered by creation time.
func (s *TenantStore) List(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Tenant
	for _, tenant := range s.tenants {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, tenant.Status) {
			continue
		}
		if filter.Plan != "" && tenant.Plan != filter.Plan {
			continue
		}
		if !filter.IncludeTombstoned && tenant.IsTombstoned() {
			continue
		}
		result = append(result, cloneTenant(tenant))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

// cloneTenant copies a tenant, including pointer fields, to avoid external modifications.
func cloneTenant(t *models.Tenant) *models.Tenant {
	clone := *t
	if t.ProvisionError != nil {
		msg := *t.ProvisionError
		clone.ProvisionError = &msg
	}
	if t.ProvisionedAt != nil {
		at := *t.ProvisionedAt
		clone.ProvisionedAt = &at
	}
	if t.DeprovisionedAt != nil {
		at := *t.DeprovisionedAt
		clone.DeprovisionedAt = &at
	}
	return &clone
}
