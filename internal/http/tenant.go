package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/auth"
	"github.com/wolfeidau/tenantry/internal/broker"
	"github.com/wolfeidau/tenantry/internal/resolver"
)

// TokenValidator verifies bearer tokens. *auth.Validator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, tokenString string) (*auth.Principal, error)
}

// SessionBroker issues tenant scoped sessions. *broker.Broker satisfies it.
type SessionBroker interface {
	GetSession(ctx context.Context, signals resolver.Signals, principal *auth.Principal) (*broker.Session, error)
}

// SignalOptions names the request fields the tenant override is read from.
type SignalOptions struct {
	HeaderName string
	QueryParam string
}

// SignalsFromRequest extracts the tenant hints carried by the request. The token
// tenant is filled in by the broker from the authenticated principal.
func SignalsFromRequest(r *http.Request, opts SignalOptions) resolver.Signals {
	signals := resolver.Signals{
		Host: r.Host,
		Path: r.URL.Path,
	}
	if opts.HeaderName != "" {
		signals.Header = r.Header.Get(opts.HeaderName)
	}
	if opts.QueryParam != "" {
		signals.Query = r.URL.Query().Get(opts.QueryParam)
	}
	return signals
}

// BearerToken returns the token from the Authorization header, or "" when absent.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate validates the bearer token, returning nil when it is missing or invalid.
func authenticate(r *http.Request, validator TokenValidator) *auth.Principal {
	token := BearerToken(r)
	if token == "" {
		return nil
	}

	principal, err := validator.Validate(r.Context(), token)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Rejected access token")
		return nil
	}
	return principal
}

// TenantMiddleware authenticates the request and obtains a session for the tenant
// it addresses. The principal, session and tenant binding are attached to the request
// context, and the session is released once the handler returns. Refusals are written
// as a JSON error carrying only the denial reason.
func TenantMiddleware(validator TokenValidator, sessions SessionBroker, opts SignalOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal := authenticate(r, validator)

			sess, err := sessions.GetSession(ctx, SignalsFromRequest(r, opts), principal)
			if err != nil {
				writeDenied(w, err)
				return
			}
			defer sess.Release()

			logger := zerolog.Ctx(ctx).With().
				Str("tenant", sess.Tenant.Slug).
				Str("source", string(sess.Tenant.Source)).
				Str("subject", sess.Tenant.Subject).
				Logger()

			ctx = auth.WithPrincipal(ctx, principal)
			ctx = broker.WithTenant(ctx, sess.Tenant)
			ctx = broker.WithSessionContext(ctx, sess)

			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

// RequirePlatformAdmin only lets platform administrators through.
func RequirePlatformAdmin(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := authenticate(r, validator)
			if principal == nil {
				writeError(w, http.StatusUnauthorized, string(broker.ReasonInvalidToken))
				return
			}
			if !principal.IsPlatformAdmin() {
				zerolog.Ctx(r.Context()).Info().
					Str("subject", principal.Subject).
					Str("role", principal.Role).
					Msg("Refused admin request")
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			logger := zerolog.Ctx(r.Context()).With().Str("subject", principal.Subject).Logger()
			ctx := auth.WithPrincipal(logger.WithContext(r.Context()), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
