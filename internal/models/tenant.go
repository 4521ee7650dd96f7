package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a tenant.
type Status string

const (
	StatusPending   Status = "pending"   // Registered, schema not provisioned yet
	StatusActive    Status = "active"    // Paying tenant, sessions issued
	StatusTrial     Status = "trial"     // Trial tenant, sessions issued
	StatusSuspended Status = "suspended" // Sessions denied, schema retained
	StatusExpired   Status = "expired"   // Sessions denied, eligible for deprovisioning
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusActive, StatusTrial, StatusSuspended, StatusExpired}

// transitions maps a status to the statuses reachable from it.
var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusTrial},
	StatusActive:    {StatusSuspended, StatusExpired},
	StatusTrial:     {StatusSuspended, StatusExpired},
	StatusSuspended: {StatusActive},
	StatusExpired:   nil,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// CanTransitionTo reports whether moving from s to next is permitted.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Usable reports whether sessions may be issued for a tenant in this status.
func (s Status) Usable() bool {
	return s == StatusActive || s == StatusTrial
}

// Deprovisionable reports whether the tenant schema may be dropped in this status.
func (s Status) Deprovisionable() bool {
	return s == StatusSuspended || s == StatusExpired
}

// Limits holds the resource limits attached to a tenant's plan.
type Limits struct {
	MaxUsers        int32 `yaml:"maxUsers" json:"max_users"`
	MaxStorageBytes int64 `yaml:"maxStorageBytes" json:"max_storage_bytes"`
}

// Tenant represents one customer organization and its isolated schema.
type Tenant struct {
	ID         uuid.UUID // UUIDv7
	Slug       string    // Unique, human readable
	SchemaName string    // Unique, immutable once assigned
	Status     Status
	Plan       string
	Limits     Limits

	CreatedAt time.Time
	UpdatedAt time.Time

	// Provisioning bookkeeping
	ProvisionError  *string    // Last failed provisioning attempt, nil once provisioned
	ProvisionedAt   *time.Time // Set when the schema clone completed
	DeprovisionedAt *time.Time // Tombstone, set after the schema was dropped
}

// IsTombstoned returns true once the tenant schema has been dropped.
func (t *Tenant) IsTombstoned() bool {
	return t.DeprovisionedAt != nil
}

// Ref returns the value object handed to collaborators for logging and audit.
func (t *Tenant) Ref(source Source) *TenantRef {
	return &TenantRef{
		ID:         t.ID,
		Slug:       t.Slug,
		SchemaName: t.SchemaName,
		Status:     t.Status,
		Tombstoned: t.IsTombstoned(),
		Source:     source,
	}
}
