package departments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dbmanager"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantctx"
)

func newHandler(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	pool := dbmanager.NewPostgresqlDbFromDB(sqlDB, dbmanager.PoolOptions{}, db.ConfiguredScopes)
	return db.LoadScopedDBMiddleware(pool)(httpx.WrapHttpRsp(ListHandler)), mock
}

func expectSession(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("RESET search_path")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("RESET app.tenant_id")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config($1, $2, false)")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config($1, $2, false)")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectRelease(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("RESET search_path")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("RESET app.tenant_id")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func tenantRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	ctx, err := tenantctx.WithTenant(context.Background(), "T1", "tenant_acme")
	require.Nil(t, err)
	return httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
}

func TestListDepartments(t *testing.T) {
	h, mock := newHandler(t)
	expectSession(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, is_active FROM departments ORDER BY code")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "is_active"}).
			AddRow("d1", "FIN", "Finance", true).
			AddRow("d2", "HR", "Human Resources", false))
	expectRelease(mock)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(t, "/api/departments"))

	require.Equal(t, http.StatusOK, rr.Code)
	var got []Department
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, []Department{
		{ID: "d1", Code: "FIN", Name: "Finance", IsActive: true},
		{ID: "d2", Code: "HR", Name: "Human Resources", IsActive: false},
	}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveDepartments(t *testing.T) {
	h, mock := newHandler(t)
	expectSession(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, is_active FROM departments WHERE is_active = $1 ORDER BY code")).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "is_active"}))
	expectRelease(mock)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(t, "/api/departments?active=true"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDepartmentsQueryFailure(t *testing.T) {
	h, mock := newHandler(t)
	expectSession(mock)
	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)
	expectRelease(mock)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(t, "/api/departments"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDepartmentsBadFilter(t *testing.T) {
	h, mock := newHandler(t)
	expectSession(mock)
	expectRelease(mock)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(t, "/api/departments?active=maybe"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "active must be true or false")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRequiresTenant(t *testing.T) {
	_, err := List(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, tenantctx.ErrMissingTenantContext)
}

func TestListRequiresSession(t *testing.T) {
	ctx, terr := tenantctx.WithTenant(context.Background(), "T1", "tenant_acme")
	require.Nil(t, terr)
	_, err := List(ctx, false)
	assert.ErrorIs(t, err, ErrNoConnection)
}
