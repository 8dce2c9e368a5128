package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dberror"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/pkg/types"
)

var (
	ErrMigration        apperrors.Error = apperrors.New("migration error").SetStatusCode(http.StatusInternalServerError)
	ErrHistoryDiverged  apperrors.Error = ErrMigration.New("migration history does not match the chain").SetStatusCode(http.StatusConflict)
	ErrApplyFailed      apperrors.Error = ErrMigration.New("migration failed")
	ErrHistoryReadError apperrors.Error = ErrMigration.New("unable to read migration history")
)

// Runner applies the chain to a single schema. Each schema keeps its own
// history table; runners for different schemas are independent.
type Runner interface {
	Schema() string
	// Applied returns applied versions in ascending order.
	Applied(ctx context.Context) ([]int, error)
	// Pending returns chain entries not yet applied, in chain order.
	Pending(ctx context.Context) ([]Migration, error)
	// ApplyNext atomically applies the first pending migration and records it.
	// It returns nil when nothing is pending.
	ApplyNext(ctx context.Context) (*Migration, error)
}

type sqlRunner struct {
	db      *sql.DB
	schema  string
	quoted  string
	history string
	chain   []Migration
}

// NewSQLRunner returns a Runner that keeps history in "<schema>".schema_migrations.
func NewSQLRunner(db *sql.DB, schema string, chain []Migration) (Runner, apperrors.Error) {
	quoted, err := ident.QuoteSchema(schema)
	if err != nil {
		return nil, err
	}
	history, err := ident.Qualify(schema, types.DefaultHistoryTable)
	if err != nil {
		return nil, err
	}
	return &sqlRunner{
		db:      db,
		schema:  schema,
		quoted:  quoted,
		history: history,
		chain:   chain,
	}, nil
}

func (r *sqlRunner) Schema() string {
	return r.schema
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *sqlRunner) readHistory(ctx context.Context, q queryer) ([]int, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", r.history))
	if err != nil {
		if dberror.HasCode(err, dberror.CodeUndefinedTable) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var applied []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied = append(applied, v)
	}
	return applied, rows.Err()
}

func (r *sqlRunner) Applied(ctx context.Context) ([]int, error) {
	applied, err := r.readHistory(ctx, r.db)
	if err != nil {
		return nil, ErrHistoryReadError.MsgErr("unable to read migration history of "+r.schema, err)
	}
	return applied, nil
}

func (r *sqlRunner) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	return PendingFor(r.schema, r.chain, applied)
}

// PendingFor returns the suffix of chain after applied. Applied must be a
// prefix of the chain; anything else means the schema was migrated by a
// different chain and must not be touched.
func PendingFor(schema string, chain []Migration, applied []int) ([]Migration, error) {
	if len(applied) > len(chain) {
		return nil, ErrHistoryDiverged.Msg(fmt.Sprintf("schema %s has %d applied migrations but the chain has %d", schema, len(applied), len(chain)))
	}
	for i, v := range applied {
		if chain[i].Version != v {
			return nil, ErrHistoryDiverged.Msg(fmt.Sprintf("schema %s applied version %d where the chain expects %d", schema, v, chain[i].Version))
		}
	}
	return chain[len(applied):], nil
}

func (r *sqlRunner) ApplyNext(ctx context.Context) (*Migration, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ErrApplyFailed.MsgErr("unable to begin transaction on "+r.schema, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				log.Ctx(ctx).Error().Err(rbErr).Str("schema", r.schema).Msg("failed to rollback migration transaction")
			}
		}
	}()

	// serialize concurrent runners on the same schema for the life of the transaction
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", r.schema); err != nil {
		return nil, ErrApplyFailed.MsgErr("unable to lock schema "+r.schema, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, r.history)); err != nil {
		return nil, ErrApplyFailed.MsgErr("unable to create migration history for "+r.schema, err)
	}

	// re-read inside the lock so a concurrent runner's work is observed
	applied, err := r.readHistory(ctx, tx)
	if err != nil {
		return nil, ErrHistoryReadError.MsgErr("unable to read migration history of "+r.schema, err)
	}
	pending, err := PendingFor(r.schema, r.chain, applied)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, ErrApplyFailed.MsgErr("unable to commit on "+r.schema, err)
		}
		committed = true
		return nil, nil
	}
	m := pending[0]

	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+r.quoted); err != nil {
		return nil, ErrApplyFailed.MsgErr("unable to set search path for "+r.schema, err)
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return nil, ErrApplyFailed.MsgErr(fmt.Sprintf("migration %d (%s) failed on %s", m.Version, m.Description, r.schema), err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", r.history), m.Version, m.Description); err != nil {
		return nil, ErrApplyFailed.MsgErr(fmt.Sprintf("unable to record migration %d on %s", m.Version, r.schema), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ErrApplyFailed.MsgErr(fmt.Sprintf("unable to commit migration %d on %s", m.Version, r.schema), err)
	}
	committed = true

	log.Ctx(ctx).Info().Str("schema", r.schema).Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
	return &m, nil
}
