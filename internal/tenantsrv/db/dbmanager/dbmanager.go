package dbmanager

import (
	"context"
	"database/sql"
	"time"
)

type ScopedDb interface {
	// Conn returns a new connection to the database.
	// Returns a ScopedConn and an error, if any.
	Conn(ctx context.Context) (ScopedConn, error)
	// DB returns the underlying pool for callers that manage their own transactions.
	DB() *sql.DB
	// Stats returns the number of connection requests and returns.
	Stats() (requests, returns uint64)
	// Close closes the pool.
	Close() error
}

type ScopedConn interface {
	// AddScopes sets the given session settings on the connection.
	AddScopes(ctx context.Context, scopes map[string]string) error
	// AddScope sets a single session setting on the connection.
	AddScope(ctx context.Context, scope, value string) error
	// DropScopes resets the given session settings.
	DropScopes(ctx context.Context, scopes []string) error
	// DropAllScopes resets every configured session setting.
	DropAllScopes(ctx context.Context) error
	// Scopes returns the settings currently applied.
	Scopes() map[string]string
	// Conn returns the underlying connection of the ScopedConn.
	Conn() *sql.Conn
	// Close drops all scopes and returns the connection back to the pool.
	Close(ctx context.Context)
}

// PoolOptions tunes the pool and the per-connection limits.
type PoolOptions struct {
	MaxOpenConns     int
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	// PingAttempts bounds the startup connectivity check.
	PingAttempts uint
	PingDelay    time.Duration
}
