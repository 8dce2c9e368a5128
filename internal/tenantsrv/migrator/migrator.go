// Package migrator brings tenant schemas up to the head of the migration
// chain, one schema at a time or across the whole fleet.
package migrator

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMigrationFailed apperrors.Error = apperrors.New("schema migration failed").SetStatusCode(http.StatusInternalServerError)
	ErrFleetListing    apperrors.Error = ErrMigrationFailed.New("unable to list tenant schemas").SetStatusCode(http.StatusServiceUnavailable)
	ErrNotTenantSchema apperrors.Error = ErrMigrationFailed.New("schema does not belong to an active tenant").SetStatusCode(http.StatusNotFound)
)

// SchemaLister enumerates the schemas of active tenants.
type SchemaLister interface {
	ListActiveSchemas(ctx context.Context) ([]string, error)
}

// RunnerFactory returns the migration runner of one schema.
type RunnerFactory func(schema string) (migrations.Runner, error)

type Options struct {
	// Workers bounds how many schemas migrate at once; 1 runs the fleet sequentially.
	Workers       int
	SchemaTimeout time.Duration
}

const (
	DefaultWorkers       = 4
	DefaultSchemaTimeout = 10 * time.Minute
)

// Result is the outcome for one schema.
type Result struct {
	Schema    string        `json:"schema" yaml:"schema"`
	Succeeded bool          `json:"succeeded" yaml:"succeeded"`
	Applied   []int         `json:"applied" yaml:"applied"`
	Reason    string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// FleetResult holds one Result per schema.
type FleetResult map[string]*Result

// Failed returns the failed schemas in name order.
func (f FleetResult) Failed() []string {
	var failed []string
	for schema, r := range f {
		if !r.Succeeded {
			failed = append(failed, schema)
		}
	}
	sort.Strings(failed)
	return failed
}

// Schemas returns all schemas in name order.
func (f FleetResult) Schemas() []string {
	schemas := make([]string, 0, len(f))
	for schema := range f {
		schemas = append(schemas, schema)
	}
	sort.Strings(schemas)
	return schemas
}

type Migrator struct {
	schemas SchemaLister
	runners RunnerFactory
	opts    Options
}

func New(schemas SchemaLister, runners RunnerFactory, opts Options) *Migrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SchemaTimeout <= 0 {
		opts.SchemaTimeout = DefaultSchemaTimeout
	}
	return &Migrator{schemas: schemas, runners: runners, opts: opts}
}

// requireTenantSchema accepts only schemas the directory lists for an
// active tenant. Nothing touches the database for any other name.
func (m *Migrator) requireTenantSchema(ctx context.Context, schema string) apperrors.Error {
	schemas, err := m.schemas.ListActiveSchemas(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("schema", schema).Msg("unable to list tenant schemas")
		return ErrFleetListing.MsgErr("unable to list tenant schemas", err)
	}
	if !slices.Contains(schemas, schema) {
		log.Ctx(ctx).Warn().Str("schema", schema).Msg("rejected migration of a schema with no active tenant")
		return ErrNotTenantSchema.Msg("schema " + schema + " does not belong to an active tenant")
	}
	return nil
}

// MigrateOne applies every pending migration of an active tenant's schema,
// one transaction each. A schema that is already up to date succeeds without
// changes. Schemas not listed in the directory return ErrNotTenantSchema.
func (m *Migrator) MigrateOne(ctx context.Context, schema string) (*Result, error) {
	if err := m.requireTenantSchema(ctx, schema); err != nil {
		return nil, err
	}
	return m.migrate(ctx, schema), nil
}

func (m *Migrator) migrate(ctx context.Context, schema string) *Result {
	start := time.Now()
	logger := log.Ctx(ctx).With().Str("schema", schema).Str("operation", "migrate").Logger()
	res := &Result{Schema: schema, Applied: []int{}}

	ctx, cancel := context.WithTimeout(logger.WithContext(ctx), m.opts.SchemaTimeout)
	defer cancel()

	runner, err := m.runners(schema)
	if err == nil {
		var applied []int
		applied, err = migrations.ApplyAll(ctx, runner)
		if applied != nil {
			res.Applied = applied
		}
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Reason = ErrMigrationFailed.MsgErr(fmt.Sprintf("migration of %s failed after %d applied", schema, len(res.Applied)), err).SetExpandError(true).ErrorAll()
		logger.Error().Err(err).Ints("applied", res.Applied).Dur("elapsed", res.Duration).Msg("schema migration failed")
		return res
	}
	res.Succeeded = true
	if len(res.Applied) == 0 {
		logger.Debug().Msg("schema is up to date")
	} else {
		logger.Info().Ints("applied", res.Applied).Dur("elapsed", res.Duration).Msg("schema migrated")
	}
	return res
}

// migrateIsolated keeps a panic in one schema from reaching the others.
func (m *Migrator) migrateIsolated(ctx context.Context, schema string) (res *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().
				Str("schema", schema).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("schema migration panicked")
			res = &Result{
				Schema:   schema,
				Applied:  []int{},
				Reason:   fmt.Sprintf("migration of %s panicked: %v", schema, r),
				Duration: time.Since(start),
			}
		}
	}()
	return m.migrate(ctx, schema)
}

// MigrateFleet migrates every active schema independently with at most
// Workers schemas in flight. A failure in one schema never stops the others;
// the result has exactly one entry per listed schema. An error is returned
// only when the fleet cannot be listed.
func (m *Migrator) MigrateFleet(ctx context.Context) (FleetResult, error) {
	results := FleetResult{}
	schemas, err := m.schemas.ListActiveSchemas(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to list tenant schemas")
		return results, ErrFleetListing.MsgErr("unable to list tenant schemas", err)
	}

	start := time.Now()
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for _, schema := range schemas {
		g.Go(func() error {
			res := m.migrateIsolated(ctx, schema)
			mu.Lock()
			results[schema] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := results.Failed()
	log.Ctx(ctx).Info().
		Int("schemas", len(schemas)).
		Int("failed", len(failed)).
		Strs("failed_schemas", failed).
		Dur("elapsed", time.Since(start)).
		Msg("fleet migration finished")
	return results, nil
}

// Status reports applied and pending migrations of an active tenant's schema
// without changing it.
func (m *Migrator) Status(ctx context.Context, schema string) (*migrations.Status, error) {
	if err := m.requireTenantSchema(ctx, schema); err != nil {
		return nil, err
	}
	runner, err := m.runners(schema)
	if err != nil {
		return nil, err
	}
	return migrations.Inspect(ctx, runner)
}
