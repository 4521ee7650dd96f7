package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tenantry/internal/auth"
	"github.com/wolfeidau/tenantry/internal/models"
	"github.com/wolfeidau/tenantry/internal/poolcache"
	"github.com/wolfeidau/tenantry/internal/resolver"
	"github.com/wolfeidau/tenantry/internal/store/memory"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

type stubConn struct {
	mu       sync.Mutex
	releases int
}

func (c *stubConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (c *stubConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *stubConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (c *stubConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (c *stubConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
}

type stubPools struct {
	mu      sync.Mutex
	err     error
	schemas []string
	conns   []*stubConn
}

func (p *stubPools) Checkout(ctx context.Context, schema string) (*poolcache.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas = append(p.schemas, schema)
	if p.err != nil {
		return nil, p.err
	}
	conn := &stubConn{}
	p.conns = append(p.conns, conn)
	return poolcache.NewSession(schema, conn), nil
}

type fixture struct {
	broker   *Broker
	registry *tenant.Registry
	pools    *stubPools
}

// newFixture registers tenants with the given statuses and builds a broker over them.
func newFixture(t *testing.T, tenants map[string]models.Status) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := tenant.NewRegistry(memory.NewTenantStore())
	for slug, status := range tenants {
		tn, err := reg.Create(ctx, slug, "standard")
		require.NoError(t, err)

		path := map[models.Status][]models.Status{
			models.StatusPending:   nil,
			models.StatusActive:    {models.StatusActive},
			models.StatusTrial:     {models.StatusTrial},
			models.StatusSuspended: {models.StatusActive, models.StatusSuspended},
			models.StatusExpired:   {models.StatusActive, models.StatusExpired},
		}[status]
		for _, next := range path {
			_, err = reg.Transition(ctx, tn.ID, next)
			require.NoError(t, err)
		}
	}

	res, err := resolver.New(resolver.Config{PlatformDomain: "platform.example"}, reg)
	require.NoError(t, err)

	pools := &stubPools{}
	return &fixture{broker: New(res, pools), registry: reg, pools: pools}
}

func member(slug string) *auth.Principal {
	return &auth.Principal{Subject: "user-1", Role: "member", TenantSlug: slug}
}

func requireDenied(t *testing.T, err error, want Reason) {
	t.Helper()
	reason, ok := DeniedReason(err)
	require.True(t, ok, "expected denial, got %v", err)
	require.Equal(t, want, reason)
	require.Equal(t, "session denied: "+string(want), err.Error())
}

func TestGetSession_Issued(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusActive})

	sess, err := f.broker.GetSession(context.Background(),
		resolver.Signals{Host: "acme.platform.example", Path: "/dashboard"}, member("acme"))
	require.NoError(t, err)
	defer sess.Release()

	require.Equal(t, "tenant_acme", sess.Schema())
	require.Equal(t, "acme", sess.Tenant.Slug)
	require.Equal(t, models.SourceSubdomain, sess.Tenant.Source)
	require.Equal(t, "user-1", sess.Tenant.Subject)
	require.Equal(t, []string{"tenant_acme"}, f.pools.schemas)
}

func TestGetSession_TrialIssued(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusTrial})

	sess, err := f.broker.GetSession(context.Background(), resolver.Signals{}, member("acme"))
	require.NoError(t, err)
	sess.Release()

	require.Equal(t, models.SourceToken, sess.Tenant.Source)
}

func TestGetSession_StatusDenials(t *testing.T) {
	f := newFixture(t, map[string]models.Status{
		"pending":   models.StatusPending,
		"suspended": models.StatusSuspended,
		"expired":   models.StatusExpired,
	})

	tests := []struct {
		slug string
		want Reason
	}{
		{slug: "pending", want: ReasonTenantPending},
		{slug: "suspended", want: ReasonTenantSuspended},
		{slug: "expired", want: ReasonTenantExpired},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			_, err := f.broker.GetSession(context.Background(),
				resolver.Signals{Host: tt.slug + ".platform.example"}, member(tt.slug))
			requireDenied(t, err, tt.want)
		})
	}

	require.Empty(t, f.pools.schemas, "denied tenants must never reach the pool")
}

func TestGetSession_Tombstoned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]models.Status{"acme": models.StatusSuspended})

	tn, err := f.registry.Get(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkDeprovisioned(ctx, tn.ID))

	_, err = f.broker.GetSession(ctx, resolver.Signals{Host: "acme.platform.example"}, member("acme"))
	requireDenied(t, err, ReasonNotFound)
}

func TestGetSession_Resolution(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusActive})
	ctx := context.Background()

	_, err := f.broker.GetSession(ctx, resolver.Signals{Host: "www.platform.example"}, member("acme"))
	requireDenied(t, err, ReasonUnresolved)

	_, err = f.broker.GetSession(ctx, resolver.Signals{Host: "ghost.platform.example"}, member("acme"))
	requireDenied(t, err, ReasonNotFound)

	_, err = f.broker.GetSession(ctx, resolver.Signals{}, &auth.Principal{Subject: "ops", Role: auth.RolePlatformAdmin, PlatformWide: true})
	requireDenied(t, err, ReasonUnresolved)
}

func TestGetSession_Binding(t *testing.T) {
	f := newFixture(t, map[string]models.Status{
		"acme": models.StatusActive,
		"beta": models.StatusActive,
	})
	ctx := context.Background()

	t.Run("token bound to another tenant", func(t *testing.T) {
		_, err := f.broker.GetSession(ctx, resolver.Signals{Host: "beta.platform.example"}, member("acme"))
		requireDenied(t, err, ReasonTenantMismatch)
	})

	t.Run("path resolved to another tenant", func(t *testing.T) {
		_, err := f.broker.GetSession(ctx, resolver.Signals{Path: "/t/beta/reports"}, member("acme"))
		requireDenied(t, err, ReasonTenantMismatch)
	})

	t.Run("platform admin bypass", func(t *testing.T) {
		admin := &auth.Principal{Subject: "ops", Role: auth.RolePlatformAdmin, PlatformWide: true}
		sess, err := f.broker.GetSession(ctx, resolver.Signals{Host: "beta.platform.example"}, admin)
		require.NoError(t, err)
		defer sess.Release()
		require.Equal(t, "tenant_beta", sess.Schema())
	})

	t.Run("admin role without platform capability is still bound", func(t *testing.T) {
		p := &auth.Principal{Subject: "ops", Role: auth.RolePlatformAdmin, TenantSlug: "acme"}
		_, err := f.broker.GetSession(ctx, resolver.Signals{Host: "beta.platform.example"}, p)
		requireDenied(t, err, ReasonTenantMismatch)
	})
}

func TestGetSession_NilPrincipal(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusActive})

	_, err := f.broker.GetSession(context.Background(), resolver.Signals{Host: "acme.platform.example"}, nil)
	requireDenied(t, err, ReasonInvalidToken)
}

func TestGetSession_PoolFailures(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusActive})
	ctx := context.Background()
	signals := resolver.Signals{Host: "acme.platform.example"}

	f.pools.err = fmt.Errorf("%w: no free connection", poolcache.ErrTimeout)
	_, err := f.broker.GetSession(ctx, signals, member("acme"))
	requireDenied(t, err, ReasonTimeout)
	require.ErrorIs(t, err, poolcache.ErrTimeout)

	f.pools.err = fmt.Errorf("%w: want tenant_acme, got public", poolcache.ErrSchemaMismatch)
	_, err = f.broker.GetSession(ctx, signals, member("acme"))
	requireDenied(t, err, ReasonUnavailable)

	f.pools.err = errors.New("dial tcp 10.0.0.1:5432: connection refused")
	_, err = f.broker.GetSession(ctx, signals, member("acme"))
	requireDenied(t, err, ReasonUnavailable)
	require.False(t, strings.Contains(err.Error(), "10.0.0.1"))
}

func TestWithSession_ReleasesOnEveryPath(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusActive})
	ctx := context.Background()
	signals := resolver.Signals{Host: "acme.platform.example"}

	t.Run("success", func(t *testing.T) {
		err := f.broker.WithSession(ctx, signals, member("acme"), func(ctx context.Context, sess *Session) error {
			tc, ok := TenantFromContext(ctx)
			require.True(t, ok)
			require.Equal(t, "acme", tc.Slug)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := f.broker.WithSession(ctx, signals, member("acme"), func(ctx context.Context, sess *Session) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
	})

	t.Run("panic", func(t *testing.T) {
		require.Panics(t, func() {
			_ = f.broker.WithSession(ctx, signals, member("acme"), func(ctx context.Context, sess *Session) error {
				panic("handler exploded")
			})
		})
	})

	require.Len(t, f.pools.conns, 3)
	for _, conn := range f.pools.conns {
		require.Equal(t, 1, conn.releases)
	}
}

func TestWithSession_DeniedSkipsCallback(t *testing.T) {
	f := newFixture(t, map[string]models.Status{"acme": models.StatusSuspended})

	called := false
	err := f.broker.WithSession(context.Background(), resolver.Signals{Host: "acme.platform.example"}, member("acme"),
		func(ctx context.Context, sess *Session) error {
			called = true
			return nil
		})
	requireDenied(t, err, ReasonTenantSuspended)
	require.False(t, called)
}
