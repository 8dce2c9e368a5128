package resolver

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantctx"
	"github.com/tansive/tenantsrv/pkg/types"
)

const DefaultDevOverrideHeader = "X-Tenant-Subdomain"

type MiddlewareOptions struct {
	// AllowDevOverride has no effect in production builds.
	AllowDevOverride  bool
	DevOverrideHeader string
	NameLookup        tenantctx.NameLookup
	NameLookupTimeout time.Duration
}

type ctxResolutionKeyType string

const ctxResolutionKey ctxResolutionKeyType = "TenantResolution"

// ResolutionFromContext returns the resolution made by the middleware, or
// NoTenant when the request was not resolved.
func ResolutionFromContext(ctx context.Context) Resolution {
	if res, ok := ctx.Value(ctxResolutionKey).(Resolution); ok {
		return res
	}
	return NoTenant
}

// Middleware resolves every request once and attaches a fresh tenant context
// holder. The holder stays unset for control plane requests, so tenant
// scoped code reached without a tenant fails in tenantctx.RequireTenantID.
func (r *Resolver) Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	var holderOpts []tenantctx.Option
	if opts.NameLookup != nil {
		holderOpts = append(holderOpts, tenantctx.WithNameLookup(opts.NameLookup, opts.NameLookupTimeout))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			var res Resolution
			var err error
			if sub, ok := RequestSubdomain(req, opts); ok {
				res, err = r.ResolveSubdomain(ctx, sub)
			} else {
				res, err = r.Resolve(ctx, req.Host)
			}
			if err != nil {
				httpx.ErrServiceUnavailable("unable to resolve tenant").Send(w)
				return
			}

			holder := tenantctx.NewHolder(holderOpts...)
			if res.Found {
				if err := holder.Set(ctx, res.TenantID, res.SchemaName); err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("unable to set tenant context")
					httpx.SendError(w, err)
					return
				}
				logger := log.Ctx(ctx).With().
					Str("tenant_id", string(res.TenantID)).
					Str("tenant_schema", res.SchemaName).
					Logger()
				ctx = logger.WithContext(ctx)
			}
			ctx = tenantctx.WithHolder(ctx, holder)
			ctx = context.WithValue(ctx, ctxResolutionKey, res)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// TenantOnly rejects requests without a resolved tenant.
func TenantOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !ResolutionFromContext(req.Context()).Found {
			httpx.ErrUnAuthorized("tenant required").Send(w)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ControlPlaneOnly rejects requests that resolved to a tenant.
func ControlPlaneOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ResolutionFromContext(req.Context()).Found {
			httpx.ErrNotFound().Send(w)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// NameLookupFrom adapts a tenant reader to a tenantctx.NameLookup.
func NameLookupFrom(tenants interface {
	GetByID(ctx context.Context, id types.TenantId) (*types.Tenant, error)
}) tenantctx.NameLookup {
	return func(ctx context.Context, id types.TenantId) (string, error) {
		t, err := tenants.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		return t.CompanyName, nil
	}
}
