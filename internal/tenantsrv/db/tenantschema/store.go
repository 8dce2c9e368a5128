// Package tenantschema issues the DDL and seed statements that operate on a
// whole tenant schema. Every schema name is validated by ident before it is
// interpolated into SQL text.
package tenantschema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
)

const UnknownServerVersion = "unknown"

// Department is a row of the departments reference table.
type Department struct {
	Code string
	Name string
}

// DefaultDepartments are seeded into every new tenant schema.
var DefaultDepartments = []Department{
	{Code: "HR", Name: "Human Resources"},
	{Code: "FIN", Name: "Finance"},
	{Code: "IT", Name: "Information Technology"},
}

type Store struct {
	db    *sql.DB
	chain []migrations.Migration
	newID func() string
}

// New returns a Store that migrates with the embedded migration chain.
func New(db *sql.DB) *Store {
	return &Store{
		db:    db,
		chain: migrations.Chain(),
		newID: func() string { return uuid.New().String() },
	}
}

// WithChain replaces the migration chain, for tests.
func (s *Store) WithChain(chain []migrations.Migration) *Store {
	s.chain = chain
	return s
}

func (s *Store) CreateSchema(ctx context.Context, schema string) error {
	quoted, err := ident.QuoteSchema(schema)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		return dberror.ErrDatabase.MsgErr("unable to create schema "+schema, err)
	}
	return nil
}

func (s *Store) SchemaExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&exists)
	if err != nil {
		return false, dberror.ErrDatabase.MsgErr("unable to check schema "+schema, err)
	}
	return exists, nil
}

// DropSchema removes the schema and everything in it. Dropping a missing
// schema is not an error.
func (s *Store) DropSchema(ctx context.Context, schema string) error {
	quoted, err := ident.QuoteSchema(schema)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE"); err != nil {
		return dberror.ErrDatabase.MsgErr("unable to drop schema "+schema, err)
	}
	log.Ctx(ctx).Warn().Str("schema", schema).Msg("dropped tenant schema")
	return nil
}

// SeedDefaults inserts DefaultDepartments when the departments table is
// empty and returns the number of rows inserted. A schema that already has
// departments is left alone.
func (s *Store) SeedDefaults(ctx context.Context, schema string) (int, error) {
	table, err := ident.Qualify(schema, "departments")
	if err != nil {
		return 0, err
	}

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		return 0, dberror.ErrDatabase.MsgErr("unable to begin seed transaction", txErr)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&count); err != nil {
		return 0, dberror.ErrDatabase.MsgErr("unable to count departments in "+schema, err)
	}
	if count > 0 {
		return 0, tx.Commit()
	}

	insert := fmt.Sprintf("INSERT INTO %s (id, code, name) VALUES ($1, $2, $3) ON CONFLICT (code) DO NOTHING", table)
	inserted := 0
	for _, d := range DefaultDepartments {
		res, err := tx.ExecContext(ctx, insert, s.newID(), d.Code, d.Name)
		if err != nil {
			return 0, dberror.ErrDatabase.MsgErr("unable to seed department "+d.Code+" in "+schema, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, dberror.ErrDatabase.MsgErr("unable to commit seed data for "+schema, err)
	}
	return inserted, nil
}

// ServerVersion returns the engine version string, or UnknownServerVersion.
func (s *Store) ServerVersion(ctx context.Context) string {
	var v string
	if err := s.db.QueryRowContext(ctx, "SELECT version()").Scan(&v); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("unable to read server version")
		return UnknownServerVersion
	}
	return v
}

// MigrationRunner returns a runner keeping history in "<schema>".schema_migrations.
func (s *Store) MigrationRunner(schema string) (migrations.Runner, error) {
	r, err := migrations.NewSQLRunner(s.db, schema, s.chain)
	if err != nil {
		return nil, err
	}
	return r, nil
}
