package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/provision"
	"github.com/wolfeidau/tenantry/internal/store"
)

// TenantRegistry is the registry surface used by the admin API. *tenant.Registry satisfies it.
type TenantRegistry interface {
	Create(ctx context.Context, slug, plan string) (*models.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	List(ctx context.Context, filter store.TenantFilter) ([]*models.Tenant, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus models.Status) (*models.Tenant, error)
}

// SchemaProvisioner manages tenant schemas. *provision.Provisioner satisfies it.
type SchemaProvisioner interface {
	Provision(ctx context.Context, t *models.Tenant) (*provision.Result, error)
	Deprovision(ctx context.Context, t *models.Tenant) error
	Backfill(ctx context.Context, opts provision.BackfillOptions) (*provision.BackfillReport, error)
}

// AdminHandler serves the platform administration endpoints.
type AdminHandler struct {
	registry    TenantRegistry
	provisioner SchemaProvisioner
}

// NewAdminHandler creates the admin API handlers.
func NewAdminHandler(registry TenantRegistry, provisioner SchemaProvisioner) *AdminHandler {
	return &AdminHandler{registry: registry, provisioner: provisioner}
}

// Register adds the admin routes to mux behind the given middleware.
func (h *AdminHandler) Register(mux *http.ServeMux, middleware func(http.Handler) http.Handler) {
	mux.Handle("POST /admin/tenants", middleware(h.CreateTenant()))
	mux.Handle("GET /admin/tenants", middleware(h.ListTenants()))
	mux.Handle("POST /admin/tenants/{id}/status", middleware(h.TransitionTenant()))
	mux.Handle("POST /admin/tenants/{id}/provision", middleware(h.ProvisionTenant()))
	mux.Handle("DELETE /admin/tenants/{id}", middleware(h.DeprovisionTenant()))
	mux.Handle("POST /admin/backfill", middleware(h.Backfill()))
}

type tenantView struct {
	ID              uuid.UUID     `json:"id"`
	Slug            string        `json:"slug"`
	Status          models.Status `json:"status"`
	Plan            string        `json:"plan"`
	Limits          models.Limits `json:"limits"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ProvisionFailed bool          `json:"provision_failed,omitempty"`
	ProvisionedAt   *time.Time    `json:"provisioned_at,omitempty"`
	DeprovisionedAt *time.Time    `json:"deprovisioned_at,omitempty"`
}

func newTenantView(t *models.Tenant) tenantView {
	return tenantView{
		ID:              t.ID,
		Slug:            t.Slug,
		Status:          t.Status,
		Plan:            t.Plan,
		Limits:          t.Limits,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		ProvisionFailed: t.ProvisionError != nil,
		ProvisionedAt:   t.ProvisionedAt,
		DeprovisionedAt: t.DeprovisionedAt,
	}
}

type createTenantRequest struct {
	Slug string `json:"slug"`
	Plan string `json:"plan"`

	// Provision clones the template straight away.
	Provision bool `json:"provision"`
}

// CreateTenant registers a tenant at POST /admin/tenants.
func (h *AdminHandler) CreateTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTenantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Slug == "" || req.Plan == "" {
			writeError(w, http.StatusBadRequest, "slug and plan are required")
			return
		}

		t, err := h.registry.Create(r.Context(), req.Slug, req.Plan)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}

		if req.Provision {
			res, err := h.provisioner.Provision(r.Context(), t)
			if err != nil {
				writeAdminError(w, r, err)
				return
			}
			t = res.Tenant
		}

		writeJSON(w, http.StatusCreated, newTenantView(t))
	}
}

// ListTenants returns tenants at GET /admin/tenants.
// Query parameters: status (repeatable), plan, tombstoned, limit, offset.
func (h *AdminHandler) ListTenants() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := tenantFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		tenants, err := h.registry.List(r.Context(), filter)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}

		views := make([]tenantView, 0, len(tenants))
		for _, t := range tenants {
			views = append(views, newTenantView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenants": views})
	}
}

type transitionRequest struct {
	Status models.Status `json:"status"`
}

// TransitionTenant changes a tenant's status at POST /admin/tenants/{id}/status.
func (h *AdminHandler) TransitionTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenantID(w, r)
		if !ok {
			return
		}

		var req transitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		t, err := h.registry.Transition(r.Context(), id, req.Status)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}

		zerolog.Ctx(r.Context()).Info().
			Str("tenant", t.Slug).
			Str("status", string(t.Status)).
			Msg("Changed tenant status")

		writeJSON(w, http.StatusOK, newTenantView(t))
	}
}

type provisionResponse struct {
	Tenant     tenantView             `json:"tenant"`
	Created    provision.ObjectCounts `json:"created"`
	DurationMS int64                  `json:"duration_ms"`
}

// ProvisionTenant clones the template for a pending tenant at POST /admin/tenants/{id}/provision.
// Re-running it after a failed attempt completes the partially built schema.
func (h *AdminHandler) ProvisionTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := h.lookupTenant(w, r)
		if !ok {
			return
		}

		res, err := h.provisioner.Provision(r.Context(), t)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, provisionResponse{
			Tenant:     newTenantView(res.Tenant),
			Created:    res.Created,
			DurationMS: res.Duration.Milliseconds(),
		})
	}
}

// DeprovisionTenant drops a suspended or expired tenant's schema at DELETE /admin/tenants/{id}.
func (h *AdminHandler) DeprovisionTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := h.lookupTenant(w, r)
		if !ok {
			return
		}

		if err := h.provisioner.Deprovision(r.Context(), t); err != nil {
			writeAdminError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type backfillRequest struct {
	Concurrency int      `json:"concurrency"`
	Slugs       []string `json:"slugs"`
}

type backfillResult struct {
	Slug       string                 `json:"slug"`
	Created    provision.ObjectCounts `json:"created"`
	DurationMS int64                  `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
}

// Backfill applies template changes to provisioned tenants at POST /admin/backfill.
// Per-tenant failures are reported in the body with a 207 status.
func (h *AdminHandler) Backfill() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backfillRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		report, err := h.provisioner.Backfill(r.Context(), provision.BackfillOptions{
			Concurrency: req.Concurrency,
			Slugs:       req.Slugs,
		})
		if report == nil {
			writeAdminError(w, r, err)
			return
		}

		results := make([]backfillResult, 0, len(report.Results))
		for _, res := range report.Results {
			out := backfillResult{
				Slug:       res.Slug,
				Created:    res.Created,
				DurationMS: res.Duration.Milliseconds(),
			}
			if res.Err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(res.Err).Str("tenant", res.Slug).Msg("Backfill failed for tenant")
				out.Error = "backfill failed"
			}
			results = append(results, out)
		}

		status := http.StatusOK
		if err != nil {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, map[string]any{"results": results})
	}
}

func (h *AdminHandler) lookupTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	id, ok := tenantID(w, r)
	if !ok {
		return nil, false
	}

	t, err := h.registry.GetByID(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return nil, false
	}
	return t, true
}

func tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

func tenantFilterFromQuery(r *http.Request) (store.TenantFilter, error) {
	q := r.URL.Query()
	filter := store.TenantFilter{Plan: q.Get("plan")}

	for _, s := range q["status"] {
		status := models.Status(s)
		if !status.IsValid() {
			return filter, fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	if v := q.Get("tombstoned"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid tombstoned value %q", v)
		}
		filter.IncludeTombstoned = b
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}

	return filter, nil
}

const maxRequestBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
