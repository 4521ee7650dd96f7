package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/logger"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	postgresstore "github.com/wolfeidau/tenantry/internal/store/postgres"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      5 * time.Minute, // provisioning and backfill run inside the request
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// setupLogger configures the global logger and returns a context carrying it.
func setupLogger(ctx context.Context, globals *Globals) (context.Context, zerolog.Logger) {
	l := logger.Setup(globals.Debug)
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return l.WithContext(ctx), l
}

type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Platform Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in the platform pool" default:"10" env:"TENANTRY_POSTGRES_MAX_CONNS"`
	MinConns        int32 `help:"minimum number of connections in the platform pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Tenant Pool Configuration
	TenantMaxConns int32 `help:"maximum number of connections in each tenant pool" default:"4" env:"TENANTRY_TENANT_MAX_CONNS"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TENANTRY_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.TenantMaxConns < 1 {
		return errors.New("tenant pools need at least one connection")
	}
	return nil
}

func (s *PostgresFlags) platformPoolConfig() *postgresstore.PoolConfig {
	return &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
	}
}

// tenantPoolConfig is shared by every per-tenant pool. MinConns stays zero so
// idle tenants hold no connections.
func (s *PostgresFlags) tenantPoolConfig() *postgresstore.PoolConfig {
	return &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.TenantMaxConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
	}
}

type RegistryFlags struct {
	PlansFile      string `help:"YAML plan catalog, built in plans are used when empty" type:"path" env:"TENANTRY_PLANS_FILE"`
	TemplateSchema string `help:"schema cloned into each tenant schema" default:"tenant_template" env:"TENANTRY_TEMPLATE_SCHEMA"`
}

type PoolCacheFlags struct {
	Capacity         int           `help:"maximum number of warm tenant pools" default:"100" env:"TENANTRY_POOL_CAPACITY"`
	ConstructTimeout time.Duration `help:"time allowed to build a tenant pool" default:"10s" env:"TENANTRY_POOL_CONSTRUCT_TIMEOUT"`
	CheckoutTimeout  time.Duration `help:"time allowed to check out a tenant connection" default:"5s" env:"TENANTRY_POOL_CHECKOUT_TIMEOUT"`
}

func (f *PoolCacheFlags) config() poolcache.Config {
	return poolcache.Config{
		Capacity:         f.Capacity,
		ConstructTimeout: f.ConstructTimeout,
		CheckoutTimeout:  f.CheckoutTimeout,
	}
}

// platform is the shared state every command that touches the database needs.
type platform struct {
	pool     *pgxpool.Pool
	registry *tenant.Registry
}

func openPlatform(ctx context.Context, pg *PostgresFlags, reg *RegistryFlags) (*platform, error) {
	if err := pg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	plans := tenant.DefaultPlans()
	if reg.PlansFile != "" {
		var err error
		plans, err = tenant.LoadPlanCatalog(reg.PlansFile)
		if err != nil {
			return nil, err
		}
	}

	pool, err := postgresstore.NewPool(ctx, pg.platformPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create platform pool: %w", err)
	}

	if pg.AutoMigrate {
		log.Info().Msg("Running database migrations")
		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	registry := tenant.NewRegistry(postgresstore.NewTenantStore(pool),
		tenant.WithPlans(plans),
		tenant.WithTemplateSchema(reg.TemplateSchema),
	)

	return &platform{pool: pool, registry: registry}, nil
}

func (p *platform) Close() {
	p.pool.Close()
}
