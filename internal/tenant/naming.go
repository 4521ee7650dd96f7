package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// SchemaPrefix is prepended to every tenant schema name.
	SchemaPrefix = "tenant_"

	// DefaultTemplateSchema is the blueprint schema cloned into each tenant schema.
	DefaultTemplateSchema = "tenant_template"

	// maxIdentifierBytes is PostgreSQL's NAMEDATALEN - 1.
	maxIdentifierBytes = 63
)

var (
	ErrInvalidSlug       = errors.New("invalid tenant slug")
	ErrInvalidSchemaName = errors.New("invalid schema name")
)

var (
	slugPattern       = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,46}[a-z0-9])?$`)
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// reservedSchemas can never be used as a tenant schema.
var reservedSchemas = map[string]struct{}{
	"public":              {},
	"information_schema":  {},
	DefaultTemplateSchema: {},
}

// ApplicationName is the application_name reported by connections into schema,
// which lets them be found in pg_stat_activity.
func ApplicationName(schema string) string {
	name := "tenantd/" + schema
	if len(name) > maxIdentifierBytes {
		name = name[:maxIdentifierBytes]
	}
	return name
}

// ValidateSlug checks a slug is a lowercase DNS label short enough to derive a schema name from.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return nil
}

// SchemaNameForSlug derives the schema name for a slug. Slugs never contain
// underscores, so two distinct slugs cannot map to the same schema name.
func SchemaNameForSlug(slug string) (string, error) {
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}

	name := SchemaPrefix + strings.ReplaceAll(slug, "-", "_")
	if err := ValidateSchemaName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateSchemaName checks name is a legal unquoted PostgreSQL identifier usable for a tenant.
func ValidateSchemaName(name string) error {
	switch {
	case len(name) == 0 || len(name) > maxIdentifierBytes:
		return fmt.Errorf("%w: %q must be 1-%d bytes", ErrInvalidSchemaName, name, maxIdentifierBytes)
	case !identifierPattern.MatchString(name):
		return fmt.Errorf("%w: %q has illegal characters", ErrInvalidSchemaName, name)
	case strings.HasPrefix(name, "pg_"):
		return fmt.Errorf("%w: %q uses the reserved pg_ prefix", ErrInvalidSchemaName, name)
	}

	if _, reserved := reservedSchemas[name]; reserved {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSchemaName, name)
	}
	return nil
}
