package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/store"
	"golang.org/x/sync/errgroup"
)

// BackfillOptions controls a template backfill run.
type BackfillOptions struct {
	// Concurrency is the number of tenant schemas updated at once.
	// Default: 4
	Concurrency int

	// Slugs limits the run to these tenants. All provisioned tenants when empty.
	Slugs []string
}

// BackfillResult is the outcome for one tenant.
type BackfillResult struct {
	Slug     string        `json:"slug"`
	Created  ObjectCounts  `json:"created"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// BackfillReport collects the per-tenant results of a backfill run.
type BackfillReport struct {
	Results []BackfillResult `json:"results"`
}

// Failed returns the results that ended in an error.
func (r *BackfillReport) Failed() []BackfillResult {
	var failed []BackfillResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// backfillStatuses are the statuses whose schemas exist and are kept in step with the template.
var backfillStatuses = []models.Status{
	models.StatusActive,
	models.StatusTrial,
	models.StatusSuspended,
	models.StatusExpired,
}

// Backfill applies template changes made since provisioning to every provisioned,
// non-tombstoned tenant. Tenants are processed independently: one failure does not
// stop the others, and the returned error joins every per-tenant failure.
func (p *Provisioner) Backfill(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	tenants, err := p.backfillTargets(ctx, opts.Slugs)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &BackfillReport{Results: make([]BackfillResult, 0, len(tenants))}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, t := range tenants {
		g.Go(func() error {
			res := p.backfillTenant(gctx, t)

			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()

			// failures are reported per tenant, never cancel the others
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range report.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Slug, res.Err))
	}

	zerolog.Ctx(ctx).Info().
		Int("tenants", len(report.Results)).
		Int("failed", len(errs)).
		Msg("Template backfill complete")

	return report, errors.Join(errs...)
}

func (p *Provisioner) backfillTargets(ctx context.Context, slugs []string) ([]*models.Tenant, error) {
	tenants, err := p.registry.List(ctx, store.TenantFilter{Statuses: backfillStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	wanted := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		wanted[slug] = true
	}

	targets := make([]*models.Tenant, 0, len(tenants))
	for _, t := range tenants {
		if t.ProvisionedAt == nil || t.IsTombstoned() {
			continue
		}
		if len(wanted) > 0 && !wanted[t.Slug] {
			continue
		}
		targets = append(targets, t)
	}

	for slug := range wanted {
		found := false
		for _, t := range targets {
			if t.Slug == slug {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s is not a provisioned tenant", store.ErrTenantNotFound, slug)
		}
	}

	return targets, nil
}

func (p *Provisioner) backfillTenant(ctx context.Context, t *models.Tenant) BackfillResult {
	started := time.Now()
	res := BackfillResult{Slug: t.Slug}

	logger := zerolog.Ctx(ctx).With().Str("tenant", t.Slug).Logger()

	res.Err = p.withSchemaLock(ctx, t.SchemaName, func(conn *pgxpool.Conn) error {
		var err error
		res.Created, err = clone(logger.WithContext(ctx), conn, p.registry.TemplateSchema(), t.SchemaName)
		return err
	})
	res.Duration = time.Since(started)

	p.metrics.BackfillTenantsTotal.Add(ctx, 1)
	if res.Err != nil {
		p.metrics.BackfillFailuresTotal.Add(ctx, 1)
		logger.Error().Err(res.Err).Msg("Template backfill failed")
	} else if res.Created.Total() > 0 {
		logger.Info().Interface("created", res.Created).Msg("Backfilled template changes")
	}

	return res
}
