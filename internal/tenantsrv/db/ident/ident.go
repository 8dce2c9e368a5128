// Package ident validates and quotes schema identifiers. Schema names are
// interpolated into DDL, so every name is checked against an allow-list before
// it is quoted.
package ident

import (
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
)

const (
	TenantSchemaPrefix = "tenant_"
	MaxIdentifierLen   = 63
)

var schemaNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var ErrInvalidSchemaName apperrors.Error = dberror.ErrInvalidInput.New("invalid schema name")

// ValidateSchemaName accepts lower-case identifiers that fit the engine's
// identifier length and are not reserved system schemas.
func ValidateSchemaName(name string) apperrors.Error {
	if name == "" {
		return ErrInvalidSchemaName.Msg("schema name is empty")
	}
	if len(name) > MaxIdentifierLen {
		return ErrInvalidSchemaName.Msg("schema name exceeds 63 characters: " + name)
	}
	if !schemaNameRegex.MatchString(name) {
		return ErrInvalidSchemaName.Msg("schema name contains invalid characters: " + name)
	}
	if strings.HasPrefix(name, "pg_") || name == "information_schema" || name == "public" {
		return ErrInvalidSchemaName.Msg("schema name is reserved: " + name)
	}
	return nil
}

// QuoteSchema validates name and returns it quoted for use in SQL text.
func QuoteSchema(name string) (string, apperrors.Error) {
	if err := ValidateSchemaName(name); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(name), nil
}

// Qualify returns "schema"."object" for a validated schema and a fixed object name.
func Qualify(schema, object string) (string, apperrors.Error) {
	q, err := QuoteSchema(schema)
	if err != nil {
		return "", err
	}
	return q + "." + pq.QuoteIdentifier(object), nil
}

// SchemaForSubdomain derives the tenant schema name. Subdomains never contain
// underscores, so mapping '-' to '_' keeps the derivation injective.
func SchemaForSubdomain(subdomain string) string {
	s := strings.ToLower(strings.TrimSpace(subdomain))
	return TenantSchemaPrefix + strings.ReplaceAll(s, "-", "_")
}
