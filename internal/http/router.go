package http

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/logger"
)

// RouterConfig holds the collaborators served over HTTP.
type RouterConfig struct {
	Validator   TokenValidator
	Broker      SessionBroker
	Registry    TenantRegistry
	Provisioner SchemaProvisioner
	DB          Pinger
	Signals     SignalOptions
	Logger      zerolog.Logger
}

// Router serves the admin API, health checks and tenant scoped routes.
type Router struct {
	mux    *http.ServeMux
	tenant func(http.Handler) http.Handler
	logger zerolog.Logger
}

// NewRouter registers the built in routes.
func NewRouter(cfg RouterConfig) *Router {
	rt := &Router{
		mux:    http.NewServeMux(),
		tenant: TenantMiddleware(cfg.Validator, cfg.Broker, cfg.Signals),
		logger: cfg.Logger,
	}

	rt.mux.Handle("GET /healthz", Health(cfg.DB))

	NewAdminHandler(cfg.Registry, cfg.Provisioner).Register(rt.mux, RequirePlatformAdmin(cfg.Validator))

	rt.HandleTenant("GET /api/session", SessionInfo())
	rt.HandleTenant("GET /t/{slug}/api/session", SessionInfo())

	return rt
}

// HandleTenant registers h behind the tenant middleware. Handlers find their
// session with broker.SessionFromContext.
func (rt *Router) HandleTenant(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, rt.tenant(h))
}

// Handler returns the root handler with request logging and client IP tracking.
func (rt *Router) Handler() http.Handler {
	return logger.Requests(rt.logger)(ClientIPMiddleware()(rt.mux))
}
