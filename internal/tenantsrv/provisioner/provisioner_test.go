package provisioner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/ident"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
)

var chain = []migrations.Migration{
	{Version: 1, Description: "one", SQL: "SELECT 1"},
	{Version: 2, Description: "two", SQL: "SELECT 2"},
}

// memEngine keeps schemas, applied migrations and seed rows in memory.
type memEngine struct {
	mu        sync.Mutex
	schemas   map[string]bool
	applied   map[string][]int
	seedRows  map[string]int
	failOn    string
	failAfter int
	block     bool
}

func newMemEngine() *memEngine {
	return &memEngine{schemas: map[string]bool{}, applied: map[string][]int{}, seedRows: map[string]int{}}
}

func (e *memEngine) CreateSchema(ctx context.Context, schema string) error {
	if e.failOn == "create" {
		return errors.New("permission denied")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemas[schema] = true
	return nil
}

func (e *memEngine) MigrationRunner(schema string) (migrations.Runner, error) {
	return &memRunner{e: e, schema: schema}, nil
}

func (e *memEngine) SeedDefaults(ctx context.Context, schema string) (int, error) {
	if e.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if e.failOn == "seed" {
		return 0, errors.New("constraint violation")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seedRows[schema] > 0 {
		return 0, nil
	}
	e.seedRows[schema] = 3
	return 3, nil
}

type memRunner struct {
	e      *memEngine
	schema string
}

func (r *memRunner) Schema() string { return r.schema }

func (r *memRunner) Applied(ctx context.Context) ([]int, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return append([]int(nil), r.e.applied[r.schema]...), nil
}

func (r *memRunner) Pending(ctx context.Context) ([]migrations.Migration, error) {
	applied, _ := r.Applied(ctx)
	return migrations.PendingFor(r.schema, chain, applied)
}

func (r *memRunner) ApplyNext(ctx context.Context) (*migrations.Migration, error) {
	pending, err := r.Pending(ctx)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.e.failOn == "migrate" && len(r.e.applied[r.schema]) == r.e.failAfter {
		return nil, migrations.ErrApplyFailed.Msg("syntax error")
	}
	m := pending[0]
	r.e.applied[r.schema] = append(r.e.applied[r.schema], m.Version)
	return &m, nil
}

func TestProvisionSchema(t *testing.T) {
	ctx := context.Background()
	e := newMemEngine()
	p := New(e, time.Minute)

	state, err := p.ProvisionSchema(ctx, "newco")
	require.Nil(t, err)
	assert.Equal(t, Ready, state)
	assert.True(t, e.schemas["newco"])
	assert.Equal(t, []int{1, 2}, e.applied["newco"])
	assert.Equal(t, 3, e.seedRows["newco"])

	// a fully provisioned schema provisions again without re-seeding
	state, err = p.ProvisionSchema(ctx, "newco")
	require.Nil(t, err)
	assert.Equal(t, Ready, state)
	assert.Equal(t, []int{1, 2}, e.applied["newco"])
	assert.Equal(t, 3, e.seedRows["newco"])
}

func TestProvisionSchemaFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid name", func(t *testing.T) {
		state, err := New(newMemEngine(), 0).ProvisionSchema(ctx, "public")
		require.NotNil(t, err)
		assert.Equal(t, NotExists, state)
		assert.ErrorIs(t, err, ErrProvisioningFailed)
		assert.ErrorIs(t, err, ident.ErrInvalidSchemaName)
		assert.Equal(t, 400, err.StatusCode())
	})

	t.Run("create fails", func(t *testing.T) {
		e := newMemEngine()
		e.failOn = "create"
		state, err := New(e, 0).ProvisionSchema(ctx, "newco")
		require.NotNil(t, err)
		assert.Equal(t, NotExists, state)
		assert.ErrorIs(t, err, ErrProvisioningFailed)
		assert.Empty(t, e.applied)
	})

	t.Run("migration fails then retry completes", func(t *testing.T) {
		e := newMemEngine()
		e.failOn = "migrate"
		e.failAfter = 1
		p := New(e, 0)

		state, err := p.ProvisionSchema(ctx, "newco")
		require.NotNil(t, err)
		assert.Equal(t, SchemaCreated, state)
		assert.ErrorIs(t, err, migrations.ErrApplyFailed)
		assert.Equal(t, []int{1}, e.applied["newco"], "committed migrations stay applied")
		assert.Zero(t, e.seedRows["newco"])

		e.failOn = ""
		state, err = p.ProvisionSchema(ctx, "newco")
		require.Nil(t, err)
		assert.Equal(t, Ready, state)
		assert.Equal(t, []int{1, 2}, e.applied["newco"])
	})

	t.Run("seed fails", func(t *testing.T) {
		e := newMemEngine()
		e.failOn = "seed"
		state, err := New(e, 0).ProvisionSchema(ctx, "newco")
		require.NotNil(t, err)
		assert.Equal(t, MigrationsApplied, state)
	})

	t.Run("timeout", func(t *testing.T) {
		e := newMemEngine()
		e.block = true
		state, err := New(e, 20*time.Millisecond).ProvisionSchema(ctx, "newco")
		require.NotNil(t, err)
		assert.Equal(t, MigrationsApplied, state)
		assert.ErrorIs(t, err, ErrProvisioningTimeout)
	})

	t.Run("cancelled before start", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		e := newMemEngine()
		state, err := New(e, 0).ProvisionSchema(cctx, "newco")
		require.NotNil(t, err)
		assert.Equal(t, SchemaCreated, state)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, e.applied["newco"])
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NotExists", NotExists.String())
	assert.Equal(t, "Ready", Ready.String())
	assert.Equal(t, "Unknown", State(42).String())
}
