package http

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/broker"
)

// Pinger checks connectivity to the platform database. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type sessionResponse struct {
	Tenant  string `json:"tenant"`
	Source  string `json:"source"`
	Subject string `json:"subject"`
	Role    string `json:"role,omitempty"`
	Scoped  bool   `json:"scoped"`
}

// SessionInfo reports the tenant binding of the current request at GET /api/session.
// It runs a query on the issued session to confirm the connection is scoped; the
// schema name itself is never returned.
func SessionInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sess := broker.SessionFromContext(ctx)
		if sess == nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		var current string
		if err := sess.QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to query session schema")
			writeError(w, http.StatusServiceUnavailable, string(broker.ReasonUnavailable))
			return
		}

		writeJSON(w, http.StatusOK, sessionResponse{
			Tenant:  sess.Tenant.Slug,
			Source:  string(sess.Tenant.Source),
			Subject: sess.Tenant.Subject,
			Role:    sess.Tenant.Role,
			Scoped:  current == sess.Schema(),
		})
	}
}

// Health reports whether the platform database is reachable at GET /healthz.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
