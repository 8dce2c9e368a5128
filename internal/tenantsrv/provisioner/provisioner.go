// Package provisioner builds a new tenant schema: it creates the schema,
// applies the full migration chain and seeds reference data. Every step is
// idempotent, so a failed or interrupted run is repaired by running it again.
package provisioner

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
)

// State is the furthest provisioning step completed.
type State int

const (
	NotExists State = iota
	SchemaCreated
	MigrationsApplied
	Seeded
	Ready
)

func (s State) String() string {
	switch s {
	case NotExists:
		return "NotExists"
	case SchemaCreated:
		return "SchemaCreated"
	case MigrationsApplied:
		return "MigrationsApplied"
	case Seeded:
		return "Seeded"
	case Ready:
		return "Ready"
	}
	return "Unknown"
}

var (
	ErrProvisioningFailed  apperrors.Error = apperrors.New("schema provisioning failed").SetStatusCode(http.StatusInternalServerError)
	ErrProvisioningTimeout apperrors.Error = ErrProvisioningFailed.New("schema provisioning timed out").SetStatusCode(http.StatusGatewayTimeout)
)

// Engine is the database side of provisioning.
type Engine interface {
	CreateSchema(ctx context.Context, schema string) error
	MigrationRunner(schema string) (migrations.Runner, error)
	// SeedDefaults inserts reference data only into an empty table and
	// returns the number of rows inserted.
	SeedDefaults(ctx context.Context, schema string) (int, error)
}

const DefaultTimeout = 5 * time.Minute

type Provisioner struct {
	engine  Engine
	timeout time.Duration
}

func New(engine Engine, timeout time.Duration) *Provisioner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provisioner{engine: engine, timeout: timeout}
}

// ProvisionSchema drives schema through NotExists, SchemaCreated,
// MigrationsApplied and Seeded to Ready. On failure it returns the last
// state reached; partial DDL is kept and the call can be repeated.
func (p *Provisioner) ProvisionSchema(ctx context.Context, schema string) (State, apperrors.Error) {
	logger := log.Ctx(ctx).With().Str("schema", schema).Str("operation", "provision").Logger()
	ctx = logger.WithContext(ctx)

	if err := ident.ValidateSchemaName(schema); err != nil {
		logger.Error().Err(err).Msg("refusing to provision schema")
		return NotExists, ErrProvisioningFailed.MsgErr("invalid schema name "+schema, err).SetStatusCode(err.StatusCode())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	state := NotExists
	advance := func(s State) {
		state = s
		logger.Debug().Stringer("state", s).Msg("provisioning step completed")
	}
	fail := func(step string, err error) (State, apperrors.Error) {
		e := ErrProvisioningFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e = ErrProvisioningTimeout
		}
		logger.Error().Err(err).Str("step", step).Stringer("state", state).Msg("schema provisioning failed")
		return state, e.MsgErr("provisioning "+schema+" failed at "+step+" (state "+state.String()+")", err)
	}

	if err := p.engine.CreateSchema(ctx, schema); err != nil {
		return fail("create schema", err)
	}
	advance(SchemaCreated)

	if err := ctx.Err(); err != nil {
		return fail("apply migrations", err)
	}
	runner, err := p.engine.MigrationRunner(schema)
	if err != nil {
		return fail("apply migrations", err)
	}
	applied, err := migrations.ApplyAll(ctx, runner)
	if err != nil {
		return fail("apply migrations", err)
	}
	advance(MigrationsApplied)

	if err := ctx.Err(); err != nil {
		return fail("seed reference data", err)
	}
	seeded, err := p.engine.SeedDefaults(ctx, schema)
	if err != nil {
		return fail("seed reference data", err)
	}
	advance(Seeded)
	advance(Ready)
	logger.Info().
		Ints("migrations_applied", applied).
		Int("rows_seeded", seeded).
		Dur("elapsed", time.Since(start)).
		Msg("schema provisioned")
	return state, nil
}
