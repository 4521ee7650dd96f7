package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/tenantry/internal/auth"
	"github.com/wolfeidau/tenantry/internal/broker"
	httpapi "github.com/wolfeidau/tenantry/internal/http"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	"github.com/wolfeidau/tenantry/internal/provision"
	"github.com/wolfeidau/tenantry/internal/resolver"
	"github.com/wolfeidau/tenantry/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TENANTRY_LISTEN"`
	Cert            string        `help:"path to TLS cert file, plain HTTP when empty" default:"" env:"TENANTRY_TLS_CERT"`
	Key             string        `help:"path to TLS key file" default:"" env:"TENANTRY_TLS_KEY"`
	ShutdownTimeout time.Duration `help:"time allowed for in flight requests on shutdown" default:"30s"`

	// Tenant resolution
	PlatformDomain string   `help:"apex domain tenant subdomains live under, e.g. platform.example" env:"TENANTRY_PLATFORM_DOMAIN"`
	ReservedLabels []string `help:"subdomain labels that never name a tenant" default:"www" env:"TENANTRY_RESERVED_LABELS"`
	PathMarker     string   `help:"path segment preceding a tenant slug" default:"t"`
	AllowOverride  bool     `help:"honour the tenant override header and query parameter" default:"false" env:"TENANTRY_ALLOW_OVERRIDE"`
	OverrideHeader string   `help:"tenant override header" default:"X-Tenant"`
	OverrideQuery  string   `help:"tenant override query parameter" default:"tenant"`

	// Token validation
	Issuer         string        `help:"required token issuer" required:"" env:"TENANTRY_TOKEN_ISSUER"`
	PublicKeyFiles []string      `help:"PEM encoded ES256 verification key files" required:"" env:"TENANTRY_TOKEN_PUBLIC_KEYS"`
	Leeway         time.Duration `help:"clock skew tolerated when checking token times" default:"30s"`

	Telemetry bool `help:"export metrics and traces over OTLP" default:"false" env:"TENANTRY_TELEMETRY"`

	Postgres PostgresFlags  `embed:"" prefix:"postgres-"`
	Registry RegistryFlags  `embed:""`
	Pools    PoolCacheFlags `embed:"" prefix:"pool-"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting tenantd")

	if c.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "tenantd", Version: globals.Version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	publicKeys := make([]string, 0, len(c.PublicKeyFiles))
	for _, path := range c.PublicKeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read public key %s: %w", path, err)
		}
		publicKeys = append(publicKeys, string(data))
	}

	validator, err := auth.NewValidator(auth.Config{
		Issuer:        c.Issuer,
		Leeway:        c.Leeway,
		PublicKeysPEM: publicKeys,
	})
	if err != nil {
		return err
	}

	p, err := openPlatform(ctx, &c.Postgres, &c.Registry)
	if err != nil {
		return err
	}
	defer p.Close()

	cache, err := poolcache.New(c.Pools.config(), poolcache.NewPgFactory(c.Postgres.tenantPoolConfig()))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := cache.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Failed to drain tenant pools")
		}
	}()

	res, err := resolver.New(resolver.Config{
		PlatformDomain: c.PlatformDomain,
		ReservedLabels: c.ReservedLabels,
		PathMarker:     c.PathMarker,
		AllowOverride:  c.AllowOverride,
		HeaderName:     c.OverrideHeader,
		QueryParam:     c.OverrideQuery,
	}, p.registry)
	if err != nil {
		return err
	}

	signals := httpapi.SignalOptions{}
	if c.AllowOverride {
		signals = httpapi.SignalOptions{HeaderName: c.OverrideHeader, QueryParam: c.OverrideQuery}
	} else {
		log.Info().Msg("Tenant override header and query parameter are disabled")
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Validator:   validator,
		Broker:      broker.New(res, cache),
		Registry:    p.registry,
		Provisioner: provision.New(p.pool, p.registry, cache),
		DB:          p.pool,
		Signals:     signals,
		Logger:      log,
	})

	// requests keep running after a shutdown signal until srv.Shutdown gives up
	baseCtx := ctx
	srv := configureHTTPServer(c.Listen, router.Handler())
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", c.Listen).
			Bool("tls", c.Cert != "").
			Str("platform_domain", c.PlatformDomain).
			Msg("Starting HTTP server")
		if c.Cert != "" {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
