package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/broker"
	"github.com/wolfeidau/tenantry/internal/provision"
	"github.com/wolfeidau/tenantry/internal/store"
	"github.com/wolfeidau/tenantry/internal/tenant"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// DenialStatus maps a session denial reason to the HTTP status returned to the caller.
func DenialStatus(reason broker.Reason) int {
	switch reason {
	case broker.ReasonInvalidToken:
		return http.StatusUnauthorized
	case broker.ReasonTenantMismatch,
		broker.ReasonTenantSuspended,
		broker.ReasonTenantExpired,
		broker.ReasonTenantPending:
		return http.StatusForbidden
	case broker.ReasonNotFound, broker.ReasonUnresolved:
		return http.StatusNotFound
	case broker.ReasonTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// writeDenied writes a session refusal. Only the reason reaches the client.
func writeDenied(w http.ResponseWriter, err error) {
	reason, ok := broker.DeniedReason(err)
	if !ok {
		reason = broker.ReasonUnavailable
	}

	status := DenialStatus(reason)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, status, string(reason))
}

// adminErrors maps registry and provisioner sentinels to a status, in match order.
// Only the sentinel text reaches the client, wrapped detail such as schema or
// constraint names stays in the logs.
var adminErrors = []struct {
	err    error
	status int
}{
	{store.ErrTenantNotFound, http.StatusNotFound},
	{store.ErrTenantAlreadyExists, http.StatusConflict},
	{store.ErrInvalidTransition, http.StatusConflict},
	{provision.ErrNotPending, http.StatusConflict},
	{provision.ErrNotDeprovisionable, http.StatusConflict},
	{provision.ErrNotPartial, http.StatusConflict},
	{tenant.ErrInvalidSlug, http.StatusBadRequest},
	{tenant.ErrInvalidSchemaName, http.StatusBadRequest},
	{tenant.ErrUnknownPlan, http.StatusBadRequest},
}

// statusForError returns the status and client message for an admin API error.
func statusForError(err error) (int, string) {
	for _, e := range adminErrors {
		if errors.Is(err, e.err) {
			return e.status, e.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

// writeAdminError writes err with its mapped status. Internal failures are logged
// and reported without detail.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	} else {
		log.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("Admin request rejected")
	}
	writeError(w, status, msg)
}
