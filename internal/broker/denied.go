package broker

import "errors"

// Reason classifies why a session was not issued.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonUnresolved      Reason = "unresolved"
	ReasonTenantPending   Reason = "tenant_pending"
	ReasonTenantSuspended Reason = "tenant_suspended"
	ReasonTenantExpired   Reason = "tenant_expired"
	ReasonTenantMismatch  Reason = "tenant_mismatch"
	ReasonTimeout         Reason = "timeout"
	ReasonInvalidToken    Reason = "invalid_token"
	ReasonUnavailable     Reason = "unavailable"
)

// Denied is returned when a session request is refused. Its message only carries
// the reason; the underlying cause is available through errors.Unwrap for logging.
type Denied struct {
	Reason Reason
	cause  error
}

func (d *Denied) Error() string {
	return "session denied: " + string(d.Reason)
}

func (d *Denied) Unwrap() error {
	return d.cause
}

func deny(reason Reason, cause error) *Denied {
	return &Denied{Reason: reason, cause: cause}
}

// DeniedReason returns the denial reason carried by err, if any.
func DeniedReason(err error) (Reason, bool) {
	var d *Denied
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}
