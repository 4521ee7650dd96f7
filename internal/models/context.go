package models

import (
	"github.com/google/uuid"
)

// Source identifies which request signal a tenant was resolved from.
type Source string

const (
	SourceSubdomain Source = "subdomain"
	SourcePath      Source = "path"
	SourceOverride  Source = "override"
	SourceToken     Source = "token"
)

// TenantRef is the result of resolving a request to a registered tenant.
// Status is a snapshot taken from the registry at resolution time.
type TenantRef struct {
	ID         uuid.UUID
	Slug       string
	SchemaName string
	Status     Status
	Tombstoned bool
	Source     Source
}

// TenantContext is the per-request tenant binding handed to business modules.
// It is created when a session is issued and never persisted.
type TenantContext struct {
	TenantID uuid.UUID
	Slug     string
	Source   Source
	Subject  string
	Role     string
}
