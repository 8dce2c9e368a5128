// Package departments serves the tenant's own department records. Queries
// carry no schema qualifier; the connection's search_path decides which
// tenant's table is read.
package departments

import (
	"context"
	"net/http"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantctx"
)

var (
	ErrDepartments  apperrors.Error = dberror.ErrDatabase.New("unable to load departments")
	ErrNoConnection apperrors.Error = ErrDepartments.New("no tenant database session").SetStatusCode(http.StatusServiceUnavailable)
)

type Department struct {
	ID       string `json:"id" yaml:"id"`
	Code     string `json:"code" yaml:"code"`
	Name     string `json:"name" yaml:"name"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// List returns the departments of the tenant resolved for ctx, ordered by
// code. ctx must carry a tenant scoped connection attached by db.ConnCtx.
func List(ctx context.Context, activeOnly bool) ([]Department, error) {
	return tenantctx.Call(ctx, "list departments", func(ctx context.Context, t tenantctx.Tenant) ([]Department, error) {
		conn := db.Conn(ctx)
		if conn == nil {
			return nil, ErrNoConnection
		}
		q := psql.Select("id", "code", "name", "is_active").From("departments").OrderBy("code")
		if activeOnly {
			q = q.Where(sq.Eq{"is_active": true})
		}
		query, args, err := q.ToSql()
		if err != nil {
			return nil, ErrDepartments.Err(err)
		}
		rows, err := conn.Conn().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, ErrDepartments.Err(err)
		}
		defer rows.Close()

		out := []Department{}
		for rows.Next() {
			var d Department
			if err := rows.Scan(&d.ID, &d.Code, &d.Name, &d.IsActive); err != nil {
				return nil, ErrDepartments.Err(err)
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			return nil, ErrDepartments.Err(err)
		}
		return out, nil
	})
}

// ListHandler serves GET /api/departments. ?active=true filters inactive rows.
func ListHandler(r *http.Request) (*httpx.Response, error) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return nil, httpx.ErrInvalidRequest("active must be true or false")
		}
		activeOnly = b
	}
	deps, err := List(r.Context(), activeOnly)
	if err != nil {
		return nil, err
	}
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response:   deps,
	}, nil
}
