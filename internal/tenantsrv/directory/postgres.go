package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/pkg/types"
)

var tenantColumns = []string{"id", "subdomain", "schema_name", "company_name", "status", "created_at", "updated_at"}

type postgresDirectory struct {
	db     *sql.DB
	schema string
	table  string
	psql   sq.StatementBuilderType
	now    func() time.Time
}

// NewPostgres returns a Directory backed by the tenants table of controlSchema.
func NewPostgres(db *sql.DB, controlSchema string) (Directory, error) {
	table, err := ident.Qualify(controlSchema, "tenants")
	if err != nil {
		return nil, err
	}
	return &postgresDirectory{
		db:     db,
		schema: controlSchema,
		table:  table,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:    time.Now,
	}, nil
}

// EnsureSchema creates the control schema and tenants table when missing.
func EnsureSchema(ctx context.Context, db *sql.DB, controlSchema string) error {
	quoted, err := ident.QuoteSchema(controlSchema)
	if err != nil {
		return err
	}
	table, _ := ident.Qualify(controlSchema, "tenants")
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoted,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			subdomain    TEXT NOT NULL UNIQUE,
			schema_name  TEXT NOT NULL UNIQUE,
			company_name TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS tenants_status_idx ON %s (status)", table),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("control_schema", controlSchema).Msg("failed to prepare tenant directory")
			return ErrUnavailable.MsgErr("unable to prepare tenant directory", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*types.Tenant, error) {
	var t types.Tenant
	var id, status string
	if err := row.Scan(&id, &t.Subdomain, &t.SchemaName, &t.CompanyName, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = types.TenantId(id)
	t.Status = types.TenantStatus(status)
	return &t, nil
}

func (d *postgresDirectory) getOne(ctx context.Context, q sq.SelectBuilder, key string) (*types.Tenant, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, ErrDirectory.MsgErr("unable to build tenant query", err)
	}
	t, err := scanTenant(d.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound.Msg("tenant not found: " + key)
		}
		log.Ctx(ctx).Error().Err(err).Str("key", key).Msg("tenant lookup failed")
		return nil, ErrUnavailable.MsgErr("tenant lookup failed", err)
	}
	return t, nil
}

func (d *postgresDirectory) GetBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error) {
	subdomain = strings.ToLower(subdomain)
	q := d.psql.Select(tenantColumns...).From(d.table).Where(sq.Eq{"subdomain": subdomain})
	return d.getOne(ctx, q, subdomain)
}

func (d *postgresDirectory) GetByID(ctx context.Context, id types.TenantId) (*types.Tenant, error) {
	q := d.psql.Select(tenantColumns...).From(d.table).Where(sq.Eq{"id": string(id)})
	return d.getOne(ctx, q, string(id))
}

func (d *postgresDirectory) ListActiveSchemas(ctx context.Context) ([]string, error) {
	query, args, err := d.psql.Select("schema_name").
		From(d.table).
		Where(sq.Eq{"status": string(types.TenantStatusActive)}).
		OrderBy("schema_name").
		ToSql()
	if err != nil {
		return nil, ErrDirectory.MsgErr("unable to build schema query", err)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrUnavailable.MsgErr("unable to list active schemas", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, ErrUnavailable.MsgErr("unable to list active schemas", err)
		}
		schemas = append(schemas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrUnavailable.MsgErr("unable to list active schemas", err)
	}
	return schemas, nil
}

func (d *postgresDirectory) Create(ctx context.Context, t *types.Tenant) error {
	if err := validateTenant(t); err != nil {
		return err
	}
	now := d.now().UTC()
	query, args, err := d.psql.Insert(d.table).
		Columns(tenantColumns...).
		Values(string(t.ID), strings.ToLower(t.Subdomain), t.SchemaName, t.CompanyName, string(t.Status), now, now).
		ToSql()
	if err != nil {
		return ErrDirectory.MsgErr("unable to build insert", err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		if dberror.HasCode(err, dberror.CodeUniqueViolation) {
			return ErrTenantExists.Msg("tenant with subdomain or schema already exists: " + t.Subdomain)
		}
		log.Ctx(ctx).Error().Err(err).Str("tenant_id", string(t.ID)).Msg("failed to create tenant")
		return ErrUnavailable.MsgErr("unable to create tenant", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (d *postgresDirectory) UpdateStatus(ctx context.Context, id types.TenantId, status types.TenantStatus) error {
	if !status.IsValid() {
		return ErrInvalidTenant.Msg("invalid tenant status: " + string(status))
	}
	query, args, err := d.psql.Update(d.table).
		SetMap(sq.Eq{"status": string(status), "updated_at": d.now().UTC()}).
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return ErrDirectory.MsgErr("unable to build update", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("tenant_id", string(id)).Msg("failed to update tenant status")
		return ErrUnavailable.MsgErr("unable to update tenant status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTenantNotFound.Msg("tenant not found: " + string(id))
	}
	return nil
}

func (d *postgresDirectory) SubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	query, args, err := d.psql.Select("1").
		From(d.table).
		Where(sq.Or{
			sq.Eq{"subdomain": strings.ToLower(subdomain)},
			sq.Eq{"schema_name": ident.SchemaForSubdomain(subdomain)},
		}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, ErrDirectory.MsgErr("unable to build query", err)
	}
	var one int
	err = d.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ErrUnavailable.MsgErr("unable to check subdomain", err)
	}
	return true, nil
}

func (d *postgresDirectory) List(ctx context.Context) ([]*types.Tenant, error) {
	query, args, err := d.psql.Select(tenantColumns...).From(d.table).OrderBy("subdomain").ToSql()
	if err != nil {
		return nil, ErrDirectory.MsgErr("unable to build query", err)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrUnavailable.MsgErr("unable to list tenants", err)
	}
	defer rows.Close()

	var tenants []*types.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, ErrUnavailable.MsgErr("unable to list tenants", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrUnavailable.MsgErr("unable to list tenants", err)
	}
	return tenants, nil
}
