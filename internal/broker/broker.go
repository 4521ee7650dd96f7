// Package broker issues database sessions scoped to the tenant a request belongs to.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/auth"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	"github.com/wolfeidau/tenantry/internal/resolver"
	"github.com/wolfeidau/tenantry/internal/store"
	"github.com/wolfeidau/tenantry/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Resolver maps request signals to a tenant. *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, signals resolver.Signals) (*models.TenantRef, error)
}

// Pools checks out schema scoped sessions. *poolcache.Cache satisfies it.
type Pools interface {
	Checkout(ctx context.Context, schema string) (*poolcache.Session, error)
}

// Session is a tenant scoped database session plus the tenant binding for the request.
// Release must be called exactly once.
type Session struct {
	*poolcache.Session
	Tenant models.TenantContext
}

// Broker is the single entry point for obtaining a tenant scoped session.
type Broker struct {
	resolver Resolver
	pools    Pools
	metrics  *telemetry.Metrics
}

// New creates a broker.
func New(r Resolver, pools Pools) *Broker {
	return &Broker{
		resolver: r,
		pools:    pools,
		metrics:  telemetry.GetMetrics(),
	}
}

// GetSession resolves the tenant for the request, checks its status and the
// principal's binding, and checks out a session scoped to its schema. The tenant
// status is read from the registry on every call. Every refusal is a *Denied.
func (b *Broker) GetSession(ctx context.Context, signals resolver.Signals, principal *auth.Principal) (*Session, error) {
	logger := zerolog.Ctx(ctx)

	if principal == nil {
		return nil, b.denied(ctx, deny(ReasonInvalidToken, errors.New("no authenticated principal")), nil)
	}

	if signals.TokenTenant == "" {
		signals.TokenTenant = principal.TenantSlug
	}

	ref, err := b.resolver.Resolve(ctx, signals)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrUnresolved):
			return nil, b.denied(ctx, deny(ReasonUnresolved, err), principal)
		case errors.Is(err, store.ErrTenantNotFound):
			return nil, b.denied(ctx, deny(ReasonNotFound, err), principal)
		default:
			return nil, b.denied(ctx, deny(ReasonUnavailable, err), principal)
		}
	}

	if d := checkStatus(ref); d != nil {
		return nil, b.deniedFor(ctx, d, principal, ref)
	}

	if !principal.CanAccess(ref.Slug) {
		return nil, b.deniedFor(ctx,
			deny(ReasonTenantMismatch, fmt.Errorf("principal bound to %q", principal.TenantSlug)), principal, ref)
	}

	sess, err := b.pools.Checkout(ctx, ref.SchemaName)
	if err != nil {
		reason := ReasonUnavailable
		if errors.Is(err, poolcache.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return nil, b.deniedFor(ctx, deny(reason, err), principal, ref)
	}

	b.metrics.SessionsIssuedTotal.Add(ctx, 1)
	logger.Debug().
		Str("tenant", ref.Slug).
		Str("source", string(ref.Source)).
		Str("subject", principal.Subject).
		Msg("Issued tenant session")

	return &Session{
		Session: sess,
		Tenant: models.TenantContext{
			TenantID: ref.ID,
			Slug:     ref.Slug,
			Source:   ref.Source,
			Subject:  principal.Subject,
			Role:     principal.Role,
		},
	}, nil
}

// WithSession runs fn with a tenant session and releases it on every exit path,
// including a panic in fn. The tenant context is attached to the ctx passed to fn.
func (b *Broker) WithSession(ctx context.Context, signals resolver.Signals, principal *auth.Principal, fn func(ctx context.Context, sess *Session) error) error {
	sess, err := b.GetSession(ctx, signals, principal)
	if err != nil {
		return err
	}
	defer sess.Release()

	return fn(WithTenant(ctx, sess.Tenant), sess)
}

func checkStatus(ref *models.TenantRef) *Denied {
	if ref.Tombstoned {
		return deny(ReasonNotFound, errors.New("tenant deprovisioned"))
	}

	switch ref.Status {
	case models.StatusActive, models.StatusTrial:
		return nil
	case models.StatusPending:
		return deny(ReasonTenantPending, nil)
	case models.StatusSuspended:
		return deny(ReasonTenantSuspended, nil)
	case models.StatusExpired:
		return deny(ReasonTenantExpired, nil)
	default:
		return deny(ReasonUnavailable, fmt.Errorf("unknown tenant status %q", ref.Status))
	}
}

func (b *Broker) deniedFor(ctx context.Context, d *Denied, principal *auth.Principal, ref *models.TenantRef) error {
	logger := zerolog.Ctx(ctx).With().
		Str("tenant", ref.Slug).
		Str("source", string(ref.Source)).
		Logger()
	return b.denied(logger.WithContext(ctx), d, principal)
}

func (b *Broker) denied(ctx context.Context, d *Denied, principal *auth.Principal) error {
	b.metrics.SessionDenialsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(d.Reason))))

	event := zerolog.Ctx(ctx).Info()
	if d.Reason == ReasonUnavailable || d.Reason == ReasonTimeout {
		event = zerolog.Ctx(ctx).Warn()
	}
	if principal != nil {
		event = event.Str("subject", principal.Subject)
	}
	if d.cause != nil {
		event = event.AnErr("cause", d.cause)
	}
	event.Str("reason", string(d.Reason)).Msg("Denied tenant session")

	return d
}
