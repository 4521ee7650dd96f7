package broker

import (
	"context"

	"github.com/wolfeidau/tenantry/internal/models"
)

type contextKey int

const (
	tenantContextKey contextKey = iota
	sessionContextKey
)

// WithTenant returns a copy of ctx carrying the tenant binding.
func WithTenant(ctx context.Context, tc models.TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// TenantFromContext returns the tenant binding set by WithTenant.
func TenantFromContext(ctx context.Context) (models.TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey).(models.TenantContext)
	return tc, ok
}

// WithSessionContext returns a copy of ctx carrying the request's session.
func WithSessionContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// SessionFromContext returns the session for the current request, or nil.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey).(*Session)
	return sess
}
