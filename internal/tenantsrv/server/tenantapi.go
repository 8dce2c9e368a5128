package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db"
	"github.com/tansive/tenantsrv/internal/tenantsrv/departments"
	"github.com/tansive/tenantsrv/internal/tenantsrv/resolver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantctx"
	"github.com/tansive/tenantsrv/pkg/api"
)

func (s *TenantServer) mountTenantHandlers(r chi.Router) {
	r.Method(http.MethodGet, "/tenant", httpx.WrapHttpRsp(getCurrentTenant))
	if s.deps.Pool == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(db.LoadScopedDBMiddleware(s.deps.Pool))
		r.Method(http.MethodGet, "/departments", httpx.WrapHttpRsp(departments.ListHandler))
	})
}

// getCurrentTenant never waits for the background name lookup; until it
// lands the company name comes from the resolution.
func getCurrentTenant(r *http.Request) (*httpx.Response, error) {
	rsp, err := tenantctx.Call(r.Context(), "describe current tenant", func(ctx context.Context, t tenantctx.Tenant) (*api.CurrentTenantRsp, error) {
		name := t.Name
		if name == "" {
			name = resolver.ResolutionFromContext(ctx).CompanyName
		}
		return &api.CurrentTenantRsp{
			TenantID:    t.ID,
			SchemaName:  t.SchemaName,
			CompanyName: name,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return ok(rsp), nil
}
