package tenantctx

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/pkg/types"
)

var (
	ErrTenantContext        apperrors.Error = apperrors.New("tenant context error").SetStatusCode(http.StatusInternalServerError)
	ErrMissingTenantContext apperrors.Error = ErrTenantContext.New("tenant context required").SetStatusCode(http.StatusUnauthorized)
	ErrContextAlreadySet    apperrors.Error = ErrTenantContext.New("tenant context already set")
	ErrInvalidTenantContext apperrors.Error = ErrTenantContext.New("invalid tenant context").SetStatusCode(http.StatusBadRequest)
)

// Tenant is a point in time copy of a resolved tenant context.
type Tenant struct {
	ID         types.TenantId `json:"tenant_id"`
	SchemaName string         `json:"schema_name"`
	Name       string         `json:"tenant_name,omitempty"`
}

type ctxKeyType string

const ctxHolderKey ctxKeyType = "TenantContextHolder"

func WithHolder(ctx context.Context, h *Holder) context.Context {
	return context.WithValue(ctx, ctxHolderKey, h)
}

// HolderFromContext returns nil when no holder is attached.
func HolderFromContext(ctx context.Context) *Holder {
	if ctx == nil {
		return nil
	}
	if h, ok := ctx.Value(ctxHolderKey).(*Holder); ok {
		return h
	}
	return nil
}

// RequireTenantID is the single enforcement point for tenant-scoped work.
// It never falls back to a shared schema: without a resolved tenant the
// operation is refused with an authorization class error naming it.
func RequireTenantID(ctx context.Context, operation string) (types.TenantId, apperrors.Error) {
	t, err := RequireTenant(ctx, operation)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// RequireTenant is RequireTenantID returning the full snapshot.
func RequireTenant(ctx context.Context, operation string) (Tenant, apperrors.Error) {
	h := HolderFromContext(ctx)
	if h == nil || !h.IsSet() {
		log.Ctx(ctx).Warn().Str("operation", operation).Msg("tenant scoped operation attempted without tenant context")
		return Tenant{}, ErrMissingTenantContext.Msg("tenant context required for " + operation)
	}
	return h.Snapshot(), nil
}

// WithTenant is a convenience for background jobs and tests that already know the tenant.
func WithTenant(ctx context.Context, id types.TenantId, schema string) (context.Context, apperrors.Error) {
	h := NewHolder()
	if err := h.Set(ctx, id, schema); err != nil {
		return ctx, err
	}
	return WithHolder(ctx, h), nil
}
