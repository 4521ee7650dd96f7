package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	"github.com/wolfeidau/tenantry/internal/provision"
	"github.com/wolfeidau/tenantry/internal/store"
)

// TenantCmd manages tenants from the command line.
type TenantCmd struct {
	Create      TenantCreateCmd      `cmd:"" help:"Register a tenant"`
	List        TenantListCmd        `cmd:"" help:"List tenants"`
	Transition  TenantTransitionCmd  `cmd:"" help:"Change a tenant's status"`
	Provision   TenantProvisionCmd   `cmd:"" help:"Clone the template schema for a pending tenant"`
	Deprovision TenantDeprovisionCmd `cmd:"" help:"Drop a suspended or expired tenant's schema"`
	Cleanup     TenantCleanupCmd     `cmd:"" help:"Drop a partially provisioned schema left by a failed run"`
}

type databaseFlags struct {
	Postgres PostgresFlags  `embed:"" prefix:"postgres-"`
	Registry RegistryFlags  `embed:""`
	Pools    PoolCacheFlags `embed:"" prefix:"pool-"`
}

// session opens the platform and a provisioner. The pool cache is empty in a
// command line process, so evictions only drain pools this process opened. Pools
// held by a running server are terminated by Deprovision before the schema is dropped.
func (f *databaseFlags) session(ctx context.Context) (*platform, *provision.Provisioner, func(), error) {
	p, err := openPlatform(ctx, &f.Postgres, &f.Registry)
	if err != nil {
		return nil, nil, nil, err
	}

	cache, err := poolcache.New(f.Pools.config(), poolcache.NewPgFactory(f.Postgres.tenantPoolConfig()))
	if err != nil {
		p.Close()
		return nil, nil, nil, err
	}

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cache.Close(closeCtx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to drain tenant pools")
		}
		p.Close()
	}

	return p, provision.New(p.pool, p.registry, cache), closeFn, nil
}

type TenantCreateCmd struct {
	Slug      string `arg:"" help:"Tenant slug, a lowercase DNS label"`
	Plan      string `help:"Plan name" default:"standard"`
	Provision bool   `help:"Provision the schema straight away" default:"false"`

	DB databaseFlags `embed:""`
}

func (c *TenantCreateCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	p, prov, closeFn, err := c.DB.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := p.registry.Create(ctx, c.Slug, c.Plan)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	if c.Provision {
		res, err := prov.Provision(ctx, t)
		if err != nil {
			return err
		}
		t = res.Tenant
	}

	log.Info().Str("tenant_id", t.ID.String()).Str("schema", t.SchemaName).Msg("Tenant created")
	printTenants([]*models.Tenant{t})
	return nil
}

type TenantListCmd struct {
	Status []string `help:"Only list tenants in these statuses" enum:"pending,active,trial,suspended,expired"`
	Plan   string   `help:"Only list tenants on this plan"`
	All    bool     `help:"Include deprovisioned tenants" default:"false"`
	Limit  int      `help:"Maximum number of tenants to list" default:"100"`
	Offset int      `help:"Number of tenants to skip" default:"0"`

	DB databaseFlags `embed:""`
}

func (c *TenantListCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, _ = setupLogger(ctx, globals)

	p, err := openPlatform(ctx, &c.DB.Postgres, &c.DB.Registry)
	if err != nil {
		return err
	}
	defer p.Close()

	filter := store.TenantFilter{
		Plan:              c.Plan,
		IncludeTombstoned: c.All,
		Limit:             c.Limit,
		Offset:            c.Offset,
	}
	for _, s := range c.Status {
		filter.Statuses = append(filter.Statuses, models.Status(s))
	}

	tenants, err := p.registry.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	if len(tenants) == 0 {
		fmt.Println("No tenants found.")
		return nil
	}

	printTenants(tenants)
	return nil
}

type TenantTransitionCmd struct {
	Slug   string `arg:"" help:"Tenant slug"`
	Status string `arg:"" help:"New status" enum:"active,trial,suspended,expired"`

	DB databaseFlags `embed:""`
}

func (c *TenantTransitionCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	p, err := openPlatform(ctx, &c.DB.Postgres, &c.DB.Registry)
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.registry.Get(ctx, c.Slug)
	if err != nil {
		return err
	}

	updated, err := p.registry.Transition(ctx, t.ID, models.Status(c.Status))
	if err != nil {
		return err
	}

	log.Info().
		Str("tenant", updated.Slug).
		Str("from", string(t.Status)).
		Str("to", string(updated.Status)).
		Msg("Tenant status changed")
	return nil
}

type TenantProvisionCmd struct {
	Slug     string `arg:"" help:"Tenant slug"`
	Attempts uint   `help:"Provisioning attempts before giving up, each resumes the previous one" default:"3"`

	DB databaseFlags `embed:""`
}

func (c *TenantProvisionCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	p, prov, closeFn, err := c.DB.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := p.registry.Get(ctx, c.Slug)
	if err != nil {
		return err
	}

	res, err := backoff.Retry(ctx, func() (*provision.Result, error) {
		res, err := prov.Provision(ctx, t)
		if err != nil && !errors.Is(err, provision.ErrProvisioningFailure) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Provisioning attempt failed")
		}),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Provisioned %s (%s) in %s: %d tables, %d constraints, %d indexes\n",
		res.Tenant.Slug, res.Tenant.Status, res.Duration.Round(time.Millisecond),
		res.Created.Tables, res.Created.Constraints, res.Created.Indexes)
	return nil
}

type TenantDeprovisionCmd struct {
	Slug string `arg:"" help:"Tenant slug"`
	Yes  bool   `help:"Confirm the schema and all its data should be dropped" default:"false"`

	DB databaseFlags `embed:""`
}

func (c *TenantDeprovisionCmd) Run(ctx context.Context, globals *Globals) error {
	if !c.Yes {
		return errors.New("deprovisioning drops all tenant data, pass --yes to confirm")
	}

	ctx, log := setupLogger(ctx, globals)

	p, prov, closeFn, err := c.DB.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := p.registry.Get(ctx, c.Slug)
	if err != nil {
		return err
	}

	if err := prov.Deprovision(ctx, t); err != nil {
		return err
	}

	log.Info().Str("tenant", t.Slug).Msg("Tenant deprovisioned")
	return nil
}

type TenantCleanupCmd struct {
	Slug string `arg:"" help:"Tenant slug"`

	DB databaseFlags `embed:""`
}

func (c *TenantCleanupCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	p, prov, closeFn, err := c.DB.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := p.registry.Get(ctx, c.Slug)
	if err != nil {
		return err
	}

	if err := prov.CleanupPartial(ctx, t); err != nil {
		return err
	}

	log.Info().Str("tenant", t.Slug).Msg("Dropped partial tenant schema")
	return nil
}

func printTenants(tenants []*models.Tenant) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tSTATUS\tPLAN\tSCHEMA\tPROVISIONED\tCREATED")

	for _, t := range tenants {
		provisioned := "no"
		switch {
		case t.IsTombstoned():
			provisioned = "deprovisioned"
		case t.ProvisionedAt != nil:
			provisioned = t.ProvisionedAt.Format(time.RFC3339)
		case t.ProvisionError != nil:
			provisioned = "failed: " + strings.SplitN(*t.ProvisionError, "\n", 2)[0]
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Slug, t.Status, t.Plan, t.SchemaName, provisioned, t.CreatedAt.Format(time.RFC3339))
	}

	_ = w.Flush()
}
