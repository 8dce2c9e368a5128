// Package lifecycle moves tenants through onboarding, suspension,
// reactivation and offboarding. It is the only code path that mints schema
// names; every status change is written to the directory and evicted from
// the tenant cache.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/directory"
	"github.com/tansive/tenantsrv/internal/tenantsrv/provisioner"
	"github.com/tansive/tenantsrv/pkg/types"
)

var (
	ErrLifecycle         apperrors.Error = apperrors.New("tenant lifecycle error").SetStatusCode(http.StatusInternalServerError)
	ErrInvalidRequest    apperrors.Error = ErrLifecycle.New("invalid tenant request").SetStatusCode(http.StatusBadRequest)
	ErrSubdomainTaken    apperrors.Error = ErrLifecycle.New("subdomain is not available").SetStatusCode(http.StatusConflict)
	ErrInvalidTransition apperrors.Error = ErrLifecycle.New("invalid tenant status transition").SetStatusCode(http.StatusConflict)
	ErrOnboardingFailed  apperrors.Error = ErrLifecycle.New("tenant onboarding failed")
	ErrBackupRequired    apperrors.Error = ErrLifecycle.New("backup failed; tenant was not deleted")
	ErrOffboardingFailed apperrors.Error = ErrLifecycle.New("tenant offboarding failed")
)

type Provisioner interface {
	ProvisionSchema(ctx context.Context, schema string) (provisioner.State, apperrors.Error)
}

type Archiver interface {
	BackupBeforeDelete(ctx context.Context, tenantID types.TenantId, schema, displayName string) (string, apperrors.Error)
}

type SchemaDropper interface {
	DropSchema(ctx context.Context, schema string) error
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, id types.TenantId, subdomain string)
}

type OnboardRequest struct {
	CompanyName string `json:"company_name" validate:"required,min=2,max=200"`
	Subdomain   string `json:"subdomain" validate:"required,subdomain"`
}

type OffboardResult struct {
	Tenant     *types.Tenant `json:"tenant" yaml:"tenant"`
	BackupPath string        `json:"backup_path" yaml:"backup_path"`
}

type Manager struct {
	dir     directory.Directory
	prov    Provisioner
	arch    Archiver
	schemas SchemaDropper
	cache   CacheInvalidator
	newID   func() types.TenantId
}

func New(dir directory.Directory, prov Provisioner, arch Archiver, schemas SchemaDropper, cache CacheInvalidator) *Manager {
	return &Manager{
		dir:     dir,
		prov:    prov,
		arch:    arch,
		schemas: schemas,
		cache:   cache,
		newID:   newTenantID,
	}
}

// newTenantID returns a time-ordered UUIDv7.
func newTenantID() types.TenantId {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return types.TenantId(id.String())
}

func asAppError(err error, fallback apperrors.Error, msg string) apperrors.Error {
	var appErr apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return fallback.MsgErr(msg, err)
}

func (m *Manager) Get(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error) {
	t, err := m.dir.GetByID(ctx, id)
	if err != nil {
		return nil, asAppError(err, ErrLifecycle, "unable to load tenant "+string(id))
	}
	return t, nil
}

func (m *Manager) List(ctx context.Context) ([]*types.Tenant, apperrors.Error) {
	tenants, err := m.dir.List(ctx)
	if err != nil {
		return nil, asAppError(err, ErrLifecycle, "unable to list tenants")
	}
	if tenants == nil {
		tenants = []*types.Tenant{}
	}
	return tenants, nil
}

// Onboard registers a tenant in provisioning state, provisions its schema
// and activates it. When provisioning fails the tenant stays in provisioning
// and the returned tenant can be passed to RetryProvisioning.
func (m *Manager) Onboard(ctx context.Context, req OnboardRequest) (*types.Tenant, apperrors.Error) {
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	req.CompanyName = strings.TrimSpace(req.CompanyName)
	if err := V().Struct(req); err != nil {
		return nil, ErrInvalidRequest.Msg(describeValidationError(err))
	}

	taken, err := m.dir.SubdomainTaken(ctx, req.Subdomain)
	if err != nil {
		return nil, asAppError(err, ErrLifecycle, "unable to check subdomain")
	}
	if taken {
		return nil, ErrSubdomainTaken.Msg("subdomain is not available: " + req.Subdomain)
	}

	schema := ident.SchemaForSubdomain(req.Subdomain)
	if err := ident.ValidateSchemaName(schema); err != nil {
		return nil, ErrInvalidRequest.MsgErr("subdomain does not map to a valid schema name", err)
	}

	t := &types.Tenant{
		ID:          m.newID(),
		Subdomain:   req.Subdomain,
		SchemaName:  schema,
		CompanyName: req.CompanyName,
		Status:      types.TenantStatusProvisioning,
	}
	if err := m.dir.Create(ctx, t); err != nil {
		if errors.Is(err, directory.ErrTenantExists) {
			return nil, ErrSubdomainTaken.MsgErr("subdomain is not available: "+req.Subdomain, err)
		}
		return nil, asAppError(err, ErrLifecycle, "unable to register tenant")
	}
	log.Ctx(ctx).Info().Str("tenant_id", string(t.ID)).Str("subdomain", t.Subdomain).Str("schema", schema).Msg("tenant registered")

	return m.provisionAndActivate(ctx, t)
}

// RetryProvisioning reruns provisioning for a tenant left in provisioning.
func (m *Manager) RetryProvisioning(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TenantStatusProvisioning {
		return t, ErrInvalidTransition.Msg("tenant " + string(id) + " is " + string(t.Status) + ", not provisioning")
	}
	return m.provisionAndActivate(ctx, t)
}

func (m *Manager) provisionAndActivate(ctx context.Context, t *types.Tenant) (*types.Tenant, apperrors.Error) {
	state, perr := m.prov.ProvisionSchema(ctx, t.SchemaName)
	if perr != nil {
		log.Ctx(ctx).Error().Err(perr).Str("tenant_id", string(t.ID)).Stringer("state", state).Msg("tenant provisioning failed")
		return t, ErrOnboardingFailed.MsgErr("provisioning of "+t.SchemaName+" stopped at "+state.String(), perr)
	}
	if err := m.setStatus(ctx, t, types.TenantStatusActive); err != nil {
		return t, err
	}
	return t, nil
}

func (m *Manager) setStatus(ctx context.Context, t *types.Tenant, status types.TenantStatus) apperrors.Error {
	if err := m.dir.UpdateStatus(ctx, t.ID, status); err != nil {
		return asAppError(err, ErrLifecycle, "unable to update tenant status")
	}
	log.Ctx(ctx).Info().
		Str("tenant_id", string(t.ID)).
		Str("from", string(t.Status)).
		Str("to", string(status)).
		Msg("tenant status changed")
	t.Status = status
	if m.cache != nil {
		m.cache.Invalidate(ctx, t.ID, t.Subdomain)
	}
	return nil
}

// Suspend blocks resolution of an active tenant. Suspending a suspended
// tenant is a no-op.
func (m *Manager) Suspend(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case types.TenantStatusSuspended:
		return t, nil
	case types.TenantStatusActive:
		if err := m.setStatus(ctx, t, types.TenantStatusSuspended); err != nil {
			return nil, err
		}
		return t, nil
	}
	return t, ErrInvalidTransition.Msg("cannot suspend a tenant that is " + string(t.Status))
}

// Reactivate makes a suspended tenant resolvable again. Deleted tenants
// cannot be reactivated; their schema is gone.
func (m *Manager) Reactivate(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case types.TenantStatusActive:
		return t, nil
	case types.TenantStatusSuspended:
		if err := m.setStatus(ctx, t, types.TenantStatusActive); err != nil {
			return nil, err
		}
		return t, nil
	}
	return t, ErrInvalidTransition.Msg("cannot reactivate a tenant that is " + string(t.Status))
}

// Offboard suspends the tenant, backs up its schema, drops the schema and
// marks the tenant deleted. The directory row is kept so the subdomain and
// schema name are never reused. A failed backup stops the offboarding
// before anything is dropped.
func (m *Manager) Offboard(ctx context.Context, id types.TenantId) (*OffboardResult, apperrors.Error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := log.Ctx(ctx).With().Str("tenant_id", string(id)).Str("schema", t.SchemaName).Str("operation", "offboard").Logger()

	switch t.Status {
	case types.TenantStatusDeleted:
		return nil, ErrInvalidTransition.Msg("tenant " + string(id) + " is already deleted")
	case types.TenantStatusActive:
		if err := m.setStatus(ctx, t, types.TenantStatusSuspended); err != nil {
			return nil, err
		}
	}

	path, berr := m.arch.BackupBeforeDelete(ctx, t.ID, t.SchemaName, t.CompanyName)
	if berr != nil {
		logger.Error().Err(berr).Msg("backup failed; schema kept")
		return &OffboardResult{Tenant: t}, ErrBackupRequired.MsgErr("backup of "+t.SchemaName+" failed; tenant left "+string(t.Status), berr)
	}

	if derr := m.schemas.DropSchema(ctx, t.SchemaName); derr != nil {
		logger.Error().Err(derr).Str("backup", path).Msg("unable to drop tenant schema")
		return &OffboardResult{Tenant: t, BackupPath: path}, ErrOffboardingFailed.MsgErr("unable to drop schema "+t.SchemaName, derr)
	}
	if err := m.setStatus(ctx, t, types.TenantStatusDeleted); err != nil {
		return &OffboardResult{Tenant: t, BackupPath: path}, err
	}
	logger.Info().Str("backup", path).Msg("tenant offboarded")
	return &OffboardResult{Tenant: t, BackupPath: path}, nil
}
