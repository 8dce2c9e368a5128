// Package dbmanager provides functionality for managing the PostgreSQL database connection pool
// and handing out connections whose session settings are scoped to a single tenant.
package dbmanager

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog/log"
)

type postgresConn struct {
	conn             *sql.Conn
	cancel           context.CancelFunc
	scopes           map[string]string
	configuredScopes []string
	pool             *postgresPool
}

type postgresPool struct {
	configuredScopes []string
	opts             PoolOptions
	connRequests     atomic.Uint64
	connReturns      atomic.Uint64
	db               *sql.DB
}

// NewPostgresqlDb opens a pgx backed pool for dsn and verifies connectivity,
// retrying with backoff while the database comes up.
func NewPostgresqlDb(ctx context.Context, dsn string, opts PoolOptions, configuredScopes []string) (ScopedDb, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to open db")
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxOpenConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	attempts := opts.PingAttempts
	if attempts == 0 {
		attempts = 5
	}
	delay := opts.PingDelay
	if delay == 0 {
		delay = time.Second
	}
	err = retry.Do(func() error {
		return sqlDB.PingContext(ctx)
	}, retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Ctx(ctx).Warn().Err(err).Uint("attempt", n+1).Msg("database not reachable, retrying")
		}))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping db")
		sqlDB.Close()
		return nil, err
	}

	return NewPostgresqlDbFromDB(sqlDB, opts, configuredScopes), nil
}

// NewPostgresqlDbFromDB wraps an already opened pool.
func NewPostgresqlDbFromDB(sqlDB *sql.DB, opts PoolOptions, configuredScopes []string) ScopedDb {
	return &postgresPool{
		configuredScopes: slices.Clone(configuredScopes),
		opts:             opts,
		db:               sqlDB,
	}
}

// Conn returns a new connection to the PostgreSQL database from the connection pool.
func (p *postgresPool) Conn(ctx context.Context) (ScopedConn, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to obtain connection")
		cancel()
		return nil, err
	}

	fail := func(err error, msg string) (ScopedConn, error) {
		log.Ctx(ctx).Error().Err(err).Msg(msg)
		conn.Close()
		cancel()
		return nil, err
	}

	if p.opts.LockTimeout > 0 {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET lock_timeout = %d", p.opts.LockTimeout.Milliseconds())); err != nil {
			return fail(err, "failed to set lock timeout")
		}
	}
	if p.opts.StatementTimeout > 0 {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", p.opts.StatementTimeout.Milliseconds())); err != nil {
			return fail(err, "failed to set statement timeout")
		}
	}

	h := &postgresConn{
		configuredScopes: p.configuredScopes,
		scopes:           make(map[string]string),
		cancel:           cancel,
		pool:             p,
		conn:             conn,
	}

	// a pooled connection may still carry settings from a previous holder
	if err := h.DropScopes(ctx, p.configuredScopes); err != nil {
		return fail(err, "failed to reset scopes")
	}

	p.connRequests.Add(1)
	return h, nil
}

func (p *postgresPool) DB() *sql.DB {
	return p.db
}

// Stats returns the number of connection requests and returns made to the PostgreSQL database.
func (p *postgresPool) Stats() (requests, returns uint64) {
	return p.connRequests.Load(), p.connReturns.Load()
}

func (p *postgresPool) Close() error {
	return p.db.Close()
}

// Close cleans up the scopes and returns the connection back to the pool.
func (h *postgresConn) Close(ctx context.Context) {
	if h.conn == nil {
		return
	}
	if err := h.DropAllScopes(ctx); err != nil {
		// the connection may still carry tenant settings; discard it instead of reusing it
		h.conn.Raw(func(driverConn any) error { return driver.ErrBadConn })
	}
	h.conn.Close()
	if h.cancel != nil {
		h.cancel()
	}
	h.conn = nil
	h.pool.connReturns.Add(1)
}

func (h *postgresConn) isConfiguredScope(scope string) bool {
	return slices.Contains(h.configuredScopes, scope)
}

func (h *postgresConn) AddScopes(ctx context.Context, scopes map[string]string) error {
	for scope, value := range scopes {
		if err := h.AddScope(ctx, scope, value); err != nil {
			return err
		}
	}
	return nil
}

// AddScope sets a configured session setting. Unknown scopes are rejected.
func (h *postgresConn) AddScope(ctx context.Context, scope, value string) error {
	if h.conn == nil {
		return sql.ErrConnDone
	}
	if !h.isConfiguredScope(scope) {
		return fmt.Errorf("scope %q is not configured", scope)
	}
	if _, err := h.conn.ExecContext(ctx, "SELECT set_config($1, $2, false)", scope, value); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("scope", scope).Msg("failed to set scope")
		return err
	}
	h.scopes[scope] = value
	return nil
}

func (h *postgresConn) Scopes() map[string]string {
	out := make(map[string]string, len(h.scopes))
	for k, v := range h.scopes {
		out[k] = v
	}
	return out
}

func (h *postgresConn) DropScopes(ctx context.Context, scopes []string) error {
	if h.conn == nil {
		return sql.ErrConnDone
	}
	for _, scope := range scopes {
		if !h.isConfiguredScope(scope) {
			continue
		}
		if _, err := h.conn.ExecContext(ctx, "RESET "+scope); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("scope", scope).Msg("failed to reset scope")
			return err
		}
		delete(h.scopes, scope)
	}
	return nil
}

func (h *postgresConn) DropAllScopes(ctx context.Context) error {
	return h.DropScopes(ctx, h.configuredScopes)
}

func (h *postgresConn) Conn() *sql.Conn {
	return h.conn
}
