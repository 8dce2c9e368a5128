package db

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dbmanager"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantctx"
)

const (
	Scope_SearchPath string = "search_path"
	Scope_TenantId   string = "app.tenant_id"
)

// ConfiguredScopes are the session settings a scoped connection may carry.
var ConfiguredScopes = []string{
	Scope_SearchPath,
	Scope_TenantId,
}

type ctxDbKeyType string

const ctxDbKey ctxDbKeyType = "TenantScopedDb"

// TenantConn checks out a connection whose search_path points at the tenant
// schema of ctx. It fails before touching the pool when no tenant is resolved.
func TenantConn(ctx context.Context, pool dbmanager.ScopedDb) (dbmanager.ScopedConn, error) {
	t, err := tenantctx.RequireTenant(ctx, "open tenant database session")
	if err != nil {
		return nil, err
	}
	quoted, err := ident.QuoteSchema(t.SchemaName)
	if err != nil {
		return nil, err
	}
	conn, cerr := pool.Conn(ctx)
	if cerr != nil {
		return nil, cerr
	}
	if serr := conn.AddScopes(ctx, map[string]string{
		Scope_SearchPath: quoted,
		Scope_TenantId:   string(t.ID),
	}); serr != nil {
		conn.Close(context.WithoutCancel(ctx))
		return nil, serr
	}
	return conn, nil
}

// ConnCtx attaches a tenant scoped connection to ctx.
func ConnCtx(ctx context.Context, pool dbmanager.ScopedDb) (context.Context, error) {
	conn, err := TenantConn(ctx, pool)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, ctxDbKey, conn), nil
}

// Conn returns the connection attached by ConnCtx, or nil.
func Conn(ctx context.Context) dbmanager.ScopedConn {
	if conn, ok := ctx.Value(ctxDbKey).(dbmanager.ScopedConn); ok {
		return conn
	}
	log.Ctx(ctx).Error().Msg("unable to get db connection from context")
	return nil
}
