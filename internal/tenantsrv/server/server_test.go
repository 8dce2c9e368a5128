package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/archiver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/directory"
	"github.com/tansive/tenantsrv/internal/tenantsrv/lifecycle"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
	"github.com/tansive/tenantsrv/internal/tenantsrv/provisioner"
	"github.com/tansive/tenantsrv/internal/tenantsrv/resolver"
	"github.com/tansive/tenantsrv/pkg/api"
	"github.com/tansive/tenantsrv/pkg/types"
)

type okProvisioner struct{}

func (okProvisioner) ProvisionSchema(ctx context.Context, schema string) (provisioner.State, apperrors.Error) {
	return provisioner.Ready, nil
}

type okArchiver struct{}

func (okArchiver) BackupBeforeDelete(ctx context.Context, id types.TenantId, schema, display string) (string, apperrors.Error) {
	return "/backups/" + schema + ".sql", nil
}

type nopDropper struct{}

func (nopDropper) DropSchema(ctx context.Context, schema string) error { return nil }

type fakeFleet struct {
	results migrator.FleetResult
	err     error
}

func (f *fakeFleet) MigrateFleet(ctx context.Context) (migrator.FleetResult, error) {
	if f.err != nil {
		return migrator.FleetResult{}, f.err
	}
	return f.results, nil
}

func (f *fakeFleet) MigrateOne(ctx context.Context, schema string) (*migrator.Result, error) {
	if r, ok := f.results[schema]; ok {
		return r, nil
	}
	return nil, migrator.ErrNotTenantSchema.Msg("schema " + schema + " does not belong to an active tenant")
}

func (f *fakeFleet) Status(ctx context.Context, schema string) (*migrations.Status, error) {
	if _, ok := f.results[schema]; !ok {
		return nil, migrator.ErrNotTenantSchema.Msg("schema " + schema + " does not belong to an active tenant")
	}
	return &migrations.Status{Schema: schema, Applied: []int{1, 2, 3}, Pending: []migrations.Migration{}, UpToDate: true}, nil
}

type fakeBackups struct {
	sweeps int
}

func (f *fakeBackups) ListManifests() ([]archiver.Manifest, error) {
	return []archiver.Manifest{{TenantID: "T9", SchemaName: "tenant_gone", BackupType: types.BackupTypePreDelete}}, nil
}

func (f *fakeBackups) SweepExpired(ctx context.Context) (*archiver.SweepReport, error) {
	f.sweeps++
	return &archiver.SweepReport{Scanned: 2, Kept: 1, Deleted: []string{"/backups/old.sql"}}, nil
}

type testEnv struct {
	dir     *directory.Memory
	fleet   *fakeFleet
	backups *fakeBackups
	server  *TenantServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dir: directory.NewMemory(
			&types.Tenant{ID: "T1", Subdomain: "acme", SchemaName: "acme_prod", CompanyName: "Acme Corp", Status: types.TenantStatusActive},
			&types.Tenant{ID: "T2", Subdomain: "globex", SchemaName: "tenant_globex", CompanyName: "Globex", Status: types.TenantStatusSuspended},
		),
		fleet: &fakeFleet{results: migrator.FleetResult{
			"acme_prod":     {Schema: "acme_prod", Succeeded: true, Applied: []int{3}},
			"tenant_globex": {Schema: "tenant_globex", Succeeded: false, Reason: "syntax error"},
		}},
		backups: &fakeBackups{},
	}
	mgr := lifecycle.New(env.dir, okProvisioner{}, okArchiver{}, nopDropper{}, nil)
	s, err := CreateNewServer(Deps{
		Resolver: resolver.New(env.dir),
		Resolution: resolver.MiddlewareOptions{
			NameLookup:        resolver.NameLookupFrom(env.dir),
			NameLookupTimeout: time.Second,
		},
		Tenants:    mgr,
		Migrations: env.fleet,
		Backups:    env.backups,
	})
	require.NoError(t, err)
	s.MountHandlers()
	env.server = s
	return env
}

func (e *testEnv) do(t *testing.T, method, host, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Host = host
	rr := httptest.NewRecorder()
	e.server.Router.ServeHTTP(rr, req)
	return rr
}

const (
	controlHost = "admin.example.com"
	acmeHost    = "acme.example.com"
)

func TestGetVersion(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, controlHost, "/version", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var rsp api.GetVersionRsp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rsp))
	assert.Equal(t, api.ApiVersion_1_0, rsp.ApiVersion)
}

func TestCreateNewServerRequiresDeps(t *testing.T) {
	_, err := CreateNewServer(Deps{})
	assert.Error(t, err)
}

func TestCurrentTenant(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, acmeHost, "/api/tenant", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rsp api.CurrentTenantRsp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rsp))
	assert.Equal(t, types.TenantId("T1"), rsp.TenantID)
	assert.Equal(t, "acme_prod", rsp.SchemaName)
	assert.Equal(t, "Acme Corp", rsp.CompanyName)

	// suspended tenants are not resolved
	rr = env.do(t, http.MethodGet, "globex.example.com", "/api/tenant", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodGet, controlHost, "/api/tenant", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCurrentTenantDoesNotWaitForNameLookup(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	slowLookup := func(ctx context.Context, id types.TenantId) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}
	s, err := CreateNewServer(Deps{
		Resolver: resolver.New(env.dir),
		Resolution: resolver.MiddlewareOptions{
			NameLookup:        slowLookup,
			NameLookupTimeout: time.Minute,
		},
		Tenants:    lifecycle.New(env.dir, okProvisioner{}, okArchiver{}, nopDropper{}, nil),
		Migrations: env.fleet,
		Backups:    env.backups,
	})
	require.NoError(t, err)
	s.MountHandlers()
	env.server = s

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.do(t, http.MethodGet, acmeHost, "/api/tenant", "") }()
	select {
	case rr := <-done:
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var rsp api.CurrentTenantRsp
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rsp))
		assert.Equal(t, "Acme Corp", rsp.CompanyName)
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked on the tenant name lookup")
	}
}

func TestAdminIsControlPlaneOnly(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, acmeHost, "/admin/tenants", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, controlHost, "/admin/tenants", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var tenants []types.Tenant
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tenants))
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].Subdomain)
}

func TestLookupFailureIsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.dir.SetErr(assert.AnError)
	rr := env.do(t, http.MethodGet, acmeHost, "/api/tenant", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTenantLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, controlHost, "/admin/tenants", `{"company_name":"Initech","subdomain":"initech"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created types.Tenant
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "tenant_initech", created.SchemaName)
	assert.Equal(t, types.TenantStatusActive, created.Status)
	assert.Equal(t, "/admin/tenants/"+string(created.ID), rr.Header().Get("Location"))

	// the new tenant resolves immediately
	rr = env.do(t, http.MethodGet, "initech.example.com", "/api/tenant", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, controlHost, "/admin/tenants", `{"company_name":"Initech","subdomain":"initech"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, controlHost, "/admin/tenants", `{"company_name":"Bad","subdomain":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, controlHost, "/admin/tenants", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	path := "/admin/tenants/" + string(created.ID)
	rr = env.do(t, http.MethodPost, controlHost, path+"/suspend", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "initech.example.com", "/api/tenant", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, controlHost, path+"/reactivate", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, controlHost, path+"/retry-provisioning", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodDelete, controlHost, path, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var off lifecycle.OffboardResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &off))
	assert.Equal(t, "/backups/tenant_initech.sql", off.BackupPath)
	assert.Equal(t, types.TenantStatusDeleted, off.Tenant.Status)

	rr = env.do(t, http.MethodGet, controlHost, path, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, controlHost, "/admin/tenants/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMigrationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, controlHost, "/admin/migrations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var fleet FleetMigrationRsp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fleet))
	assert.Equal(t, 2, fleet.Total)
	assert.Equal(t, []string{"tenant_globex"}, fleet.Failed)
	assert.True(t, fleet.Results["acme_prod"].Succeeded)

	rr = env.do(t, http.MethodPost, controlHost, "/admin/migrations/acme_prod", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodPost, controlHost, "/admin/migrations/tenant_globex", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "syntax error")

	rr = env.do(t, http.MethodGet, controlHost, "/admin/migrations/acme_prod", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"up_to_date":true`)

	rr = env.do(t, http.MethodPost, controlHost, "/admin/migrations/control", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "does not belong to an active tenant")
	rr = env.do(t, http.MethodGet, controlHost, "/admin/migrations/control", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, controlHost, "/admin/migrations/pg_catalog", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, controlHost, "/admin/migrations/Bad-Name", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.fleet.err = migrator.ErrFleetListing.Msg("directory down")
	rr = env.do(t, http.MethodPost, controlHost, "/admin/migrations", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, controlHost, "/admin/backups", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tenant_gone")

	rr = env.do(t, http.MethodPost, controlHost, "/admin/backups/sweep", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/backups/old.sql")
	assert.Equal(t, 1, env.backups.sweeps)
}

func TestRunSweeper(t *testing.T) {
	backups := &fakeBackups{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, backups, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, backups.sweeps, 1)

	// a zero interval disables the sweeper
	RunSweeper(context.Background(), backups, 0)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.HandleCORS = true
	env.server.deps.CORSOrigins = []string{"https://console.example.com"}
	s, err := CreateNewServer(env.server.deps)
	require.NoError(t, err)
	s.MountHandlers()

	req := httptest.NewRequest(http.MethodOptions, "/version", nil)
	req.Host = controlHost
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	assert.Equal(t, "https://console.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
