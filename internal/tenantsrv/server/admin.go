package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/lifecycle"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
	"github.com/tansive/tenantsrv/pkg/api"
	"github.com/tansive/tenantsrv/pkg/types"
)

// FleetMigrationRsp reports a fleet migration run. Failed lists schemas in
// name order; Results holds the outcome of every schema.
type FleetMigrationRsp struct {
	Total   int                  `json:"total" yaml:"total"`
	Failed  []string             `json:"failed" yaml:"failed"`
	Results migrator.FleetResult `json:"results" yaml:"results"`
}

func (s *TenantServer) adminHandlers() []httpx.ResponseHandlerParam {
	return []httpx.ResponseHandlerParam{
		{Method: http.MethodGet, Path: "/tenants", Handler: s.listTenants},
		{Method: http.MethodPost, Path: "/tenants", Handler: s.createTenant},
		{Method: http.MethodGet, Path: "/tenants/{tenantID}", Handler: s.getTenant},
		{Method: http.MethodDelete, Path: "/tenants/{tenantID}", Handler: s.deleteTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/suspend", Handler: s.suspendTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/reactivate", Handler: s.reactivateTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/retry-provisioning", Handler: s.retryProvisioning},
		{Method: http.MethodPost, Path: "/migrations", Handler: s.migrateFleet},
		{Method: http.MethodPost, Path: "/migrations/{schema}", Handler: s.migrateSchema},
		{Method: http.MethodGet, Path: "/migrations/{schema}", Handler: s.migrationStatus},
		{Method: http.MethodGet, Path: "/backups", Handler: s.listBackups},
		{Method: http.MethodPost, Path: "/backups/sweep", Handler: s.sweepBackups},
	}
}

func (s *TenantServer) mountAdminHandlers(r chi.Router) {
	for _, handler := range s.adminHandlers() {
		r.Method(handler.Method, handler.Path, httpx.WrapHttpRsp(handler.Handler))
	}
}

func tenantIDParam(r *http.Request) (types.TenantId, error) {
	id := chi.URLParam(r, "tenantID")
	if id == "" {
		return "", httpx.ErrInvalidTenantId()
	}
	return types.TenantId(id), nil
}

func schemaParam(r *http.Request) (string, error) {
	schema := chi.URLParam(r, "schema")
	if err := ident.ValidateSchemaName(schema); err != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("rejected schema parameter")
		return "", httpx.ErrInvalidSchema()
	}
	return schema, nil
}

func ok(v any) *httpx.Response {
	return &httpx.Response{StatusCode: http.StatusOK, Response: v}
}

func (s *TenantServer) listTenants(r *http.Request) (*httpx.Response, error) {
	tenants, err := s.deps.Tenants.List(r.Context())
	if err != nil {
		return nil, err
	}
	return ok(tenants), nil
}

func (s *TenantServer) createTenant(r *http.Request) (*httpx.Response, error) {
	var req api.CreateTenantReq
	if err := httpx.GetRequestData(r, &req); err != nil {
		return nil, err
	}
	t, err := s.deps.Tenants.Onboard(r.Context(), lifecycle.OnboardRequest{
		CompanyName: req.CompanyName,
		Subdomain:   req.Subdomain,
	})
	if err != nil {
		if t != nil {
			log.Ctx(r.Context()).Error().Err(err).Str("tenant_id", string(t.ID)).Msg("tenant left in provisioning")
		}
		return nil, err
	}
	return &httpx.Response{
		StatusCode: http.StatusCreated,
		Location:   "/admin/tenants/" + string(t.ID),
		Response:   t,
	}, nil
}

func (s *TenantServer) getTenant(r *http.Request) (*httpx.Response, error) {
	id, err := tenantIDParam(r)
	if err != nil {
		return nil, err
	}
	t, aerr := s.deps.Tenants.Get(r.Context(), id)
	if aerr != nil {
		return nil, aerr
	}
	return ok(t), nil
}

func (s *TenantServer) deleteTenant(r *http.Request) (*httpx.Response, error) {
	id, err := tenantIDParam(r)
	if err != nil {
		return nil, err
	}
	res, aerr := s.deps.Tenants.Offboard(r.Context(), id)
	if aerr != nil {
		return nil, aerr
	}
	return ok(res), nil
}

func (s *TenantServer) suspendTenant(r *http.Request) (*httpx.Response, error) {
	id, err := tenantIDParam(r)
	if err != nil {
		return nil, err
	}
	t, aerr := s.deps.Tenants.Suspend(r.Context(), id)
	if aerr != nil {
		return nil, aerr
	}
	return ok(t), nil
}

func (s *TenantServer) reactivateTenant(r *http.Request) (*httpx.Response, error) {
	id, err := tenantIDParam(r)
	if err != nil {
		return nil, err
	}
	t, aerr := s.deps.Tenants.Reactivate(r.Context(), id)
	if aerr != nil {
		return nil, aerr
	}
	return ok(t), nil
}

func (s *TenantServer) retryProvisioning(r *http.Request) (*httpx.Response, error) {
	id, err := tenantIDParam(r)
	if err != nil {
		return nil, err
	}
	t, aerr := s.deps.Tenants.RetryProvisioning(r.Context(), id)
	if aerr != nil {
		return nil, aerr
	}
	return ok(t), nil
}

func (s *TenantServer) migrateFleet(r *http.Request) (*httpx.Response, error) {
	fleet, err := s.deps.Migrations.MigrateFleet(r.Context())
	if err != nil {
		return nil, err
	}
	failed := fleet.Failed()
	if failed == nil {
		failed = []string{}
	}
	return ok(&FleetMigrationRsp{
		Total:   len(fleet),
		Failed:  failed,
		Results: fleet,
	}), nil
}

// migrateSchema responds 500 with the result body when the schema fails.
func (s *TenantServer) migrateSchema(r *http.Request) (*httpx.Response, error) {
	schema, err := schemaParam(r)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Migrations.MigrateOne(r.Context(), schema)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if !res.Succeeded {
		status = http.StatusInternalServerError
	}
	return &httpx.Response{StatusCode: status, Response: res}, nil
}

func (s *TenantServer) migrationStatus(r *http.Request) (*httpx.Response, error) {
	schema, err := schemaParam(r)
	if err != nil {
		return nil, err
	}
	st, err := s.deps.Migrations.Status(r.Context(), schema)
	if err != nil {
		return nil, err
	}
	return ok(st), nil
}

func (s *TenantServer) listBackups(r *http.Request) (*httpx.Response, error) {
	manifests, err := s.deps.Backups.ListManifests()
	if err != nil {
		return nil, err
	}
	return ok(manifests), nil
}

func (s *TenantServer) sweepBackups(r *http.Request) (*httpx.Response, error) {
	report, err := s.deps.Backups.SweepExpired(r.Context())
	if err != nil {
		return nil, err
	}
	return ok(report), nil
}
