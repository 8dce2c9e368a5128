// Package directory is the source of truth for the tenant registry: the
// mapping from subdomain to tenant id, schema name and status.
package directory

import (
	"context"
	"net/http"

	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
	"github.com/tansive/tenantsrv/pkg/types"
)

var (
	ErrDirectory      apperrors.Error = dberror.ErrDatabase.New("tenant directory error")
	ErrTenantNotFound apperrors.Error = ErrDirectory.New("tenant not found").SetStatusCode(http.StatusNotFound)
	ErrTenantExists   apperrors.Error = ErrDirectory.New("tenant already exists").SetStatusCode(http.StatusConflict)
	ErrInvalidTenant  apperrors.Error = ErrDirectory.New("invalid tenant").SetStatusCode(http.StatusBadRequest)
	ErrUnavailable    apperrors.Error = ErrDirectory.New("tenant directory unavailable").SetStatusCode(http.StatusServiceUnavailable)
)

// Reader is the lookup side used on the request path. A missing tenant is
// reported as ErrTenantNotFound; any other error is an infrastructure failure.
type Reader interface {
	GetBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error)
	GetByID(ctx context.Context, id types.TenantId) (*types.Tenant, error)
	// ListActiveSchemas returns schemas of active tenants ordered by schema name.
	ListActiveSchemas(ctx context.Context) ([]string, error)
}

// Writer is used by the lifecycle manager.
type Writer interface {
	// Create inserts a new tenant. Subdomain and schema must be unused,
	// including by deleted tenants.
	Create(ctx context.Context, t *types.Tenant) error
	UpdateStatus(ctx context.Context, id types.TenantId, status types.TenantStatus) error
	// SubdomainTaken reports whether any tenant, deleted or not, holds subdomain.
	SubdomainTaken(ctx context.Context, subdomain string) (bool, error)
	List(ctx context.Context) ([]*types.Tenant, error)
}

type Directory interface {
	Reader
	Writer
}

func validateTenant(t *types.Tenant) apperrors.Error {
	if t == nil || t.ID == "" || t.Subdomain == "" || t.SchemaName == "" {
		return ErrInvalidTenant.Msg("tenant id, subdomain and schema name are required")
	}
	if !t.Status.IsValid() {
		return ErrInvalidTenant.Msg("invalid tenant status: " + string(t.Status))
	}
	return nil
}
