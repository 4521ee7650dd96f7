package auth

import "context"

// RolePlatformAdmin is the only role allowed to carry the platform-wide capability.
const RolePlatformAdmin = "platform_admin"

// Principal is the authenticated caller taken from a verified access token.
type Principal struct {
	Subject string
	Role    string

	// TenantSlug is the tenant the token was issued for. Empty for platform-wide principals.
	TenantSlug string

	// PlatformWide principals may open sessions for any tenant.
	PlatformWide bool
}

// CanAccess reports whether the principal may act on the tenant with the given slug.
func (p *Principal) CanAccess(slug string) bool {
	if p == nil {
		return false
	}
	if p.PlatformWide {
		return true
	}
	return p.TenantSlug != "" && p.TenantSlug == slug
}

// IsPlatformAdmin reports whether the principal may use the admin API.
func (p *Principal) IsPlatformAdmin() bool {
	return p != nil && p.PlatformWide && p.Role == RolePlatformAdmin
}

type contextKey int

const (
	principalContextKey contextKey = iota
)

// WithPrincipal returns a copy of ctx carrying the principal.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext extracts the authenticated principal from the request context.
// Returns nil if no principal is present (unauthenticated request).
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalContextKey).(*Principal)
	return principal
}
