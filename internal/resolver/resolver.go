// Package resolver maps request signals to a registered tenant.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/models"
)

// ErrUnresolved is returned when a request carries no usable tenant signal.
var ErrUnresolved = errors.New("tenant could not be resolved")

// Lookup finds a tenant by slug. *tenant.Registry satisfies it.
type Lookup interface {
	Get(ctx context.Context, slug string) (*models.Tenant, error)
}

// Config controls which request signals are honoured.
type Config struct {
	// PlatformDomain is the apex domain tenants are served under, e.g. platform.example.
	// Subdomain resolution is disabled when empty.
	PlatformDomain string

	// ReservedLabels are subdomain labels that never name a tenant.
	// Default: www
	ReservedLabels []string

	// PathMarker is the leading path segment that precedes a tenant slug.
	// Default: t
	PathMarker string

	// AllowOverride enables the header and query parameter signals.
	AllowOverride bool

	// HeaderName is the override header.
	// Default: X-Tenant
	HeaderName string

	// QueryParam is the override query parameter.
	// Default: tenant
	QueryParam string
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.ReservedLabels == nil {
		c.ReservedLabels = []string{"www"}
	}
	if c.PathMarker == "" {
		c.PathMarker = "t"
	}
	if c.HeaderName == "" {
		c.HeaderName = "X-Tenant"
	}
	if c.QueryParam == "" {
		c.QueryParam = "tenant"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if strings.Contains(c.PathMarker, "/") {
		return fmt.Errorf("path marker must be a single segment, got %q", c.PathMarker)
	}
	if strings.HasPrefix(c.PlatformDomain, ".") || strings.HasSuffix(c.PlatformDomain, ".") {
		return fmt.Errorf("platform domain must not start or end with a dot, got %q", c.PlatformDomain)
	}
	return nil
}

// Signals are the tenant hints extracted from one request.
type Signals struct {
	Host        string
	Path        string
	Header      string
	Query       string
	TokenTenant string
}

// Resolver applies the signal precedence: subdomain, path, override, token.
// The first signal present decides; a present signal naming an unknown tenant
// is an error and never falls through to the next one.
type Resolver struct {
	cfg    Config
	lookup Lookup
}

// New creates a resolver backed by lookup.
func New(cfg Config, lookup Lookup) (*Resolver, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolver config: %w", err)
	}

	cfg.PlatformDomain = strings.ToLower(cfg.PlatformDomain)

	return &Resolver{cfg: cfg, lookup: lookup}, nil
}

// Resolve returns the tenant the signals point at. Suspended and expired tenants
// resolve; the returned ref carries their status.
func (r *Resolver) Resolve(ctx context.Context, signals Signals) (*models.TenantRef, error) {
	slug, source, err := r.pick(signals)
	if err != nil {
		return nil, err
	}

	t, err := r.lookup.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("tenant", t.Slug).
		Str("source", string(source)).
		Msg("Resolved tenant")

	return t.Ref(source), nil
}

// pick selects the slug from the highest precedence signal that is present.
func (r *Resolver) pick(signals Signals) (string, models.Source, error) {
	label, err := r.subdomain(signals.Host)
	if err != nil {
		return "", "", err
	}
	if label != "" {
		return label, models.SourceSubdomain, nil
	}

	if slug := r.pathSlug(signals.Path); slug != "" {
		return slug, models.SourcePath, nil
	}

	if r.cfg.AllowOverride {
		if slug := normalise(signals.Header); slug != "" {
			return slug, models.SourceOverride, nil
		}
		if slug := normalise(signals.Query); slug != "" {
			return slug, models.SourceOverride, nil
		}
	}

	if slug := normalise(signals.TokenTenant); slug != "" {
		return slug, models.SourceToken, nil
	}

	return "", "", ErrUnresolved
}

// subdomain returns the tenant label of host, or "" when host carries no subdomain signal.
func (r *Resolver) subdomain(host string) (string, error) {
	if r.cfg.PlatformDomain == "" || host == "" {
		return "", nil
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	suffix := "." + r.cfg.PlatformDomain
	if host == r.cfg.PlatformDomain || !strings.HasSuffix(host, suffix) {
		return "", nil
	}

	label := strings.TrimSuffix(host, suffix)
	switch {
	case label == "":
		return "", nil
	case strings.Contains(label, "."):
		return "", fmt.Errorf("%w: nested subdomain", ErrUnresolved)
	case slices.Contains(r.cfg.ReservedLabels, label):
		return "", fmt.Errorf("%w: reserved subdomain %q", ErrUnresolved, label)
	}

	return label, nil
}

// pathSlug returns the segment following the path marker, e.g. acme for /t/acme/settings.
func (r *Resolver) pathSlug(path string) string {
	rest, ok := strings.CutPrefix(path, "/"+r.cfg.PathMarker+"/")
	if !ok {
		return ""
	}
	slug, _, _ := strings.Cut(rest, "/")
	return normalise(slug)
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
