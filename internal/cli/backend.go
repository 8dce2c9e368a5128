package cli

import (
	"context"
	"fmt"

	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/common/logtrace"
	"github.com/tansive/tenantsrv/internal/tenantsrv/app"
	"github.com/tansive/tenantsrv/internal/tenantsrv/archiver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/config"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
	"github.com/tansive/tenantsrv/internal/tenantsrv/provisioner"
	"github.com/tansive/tenantsrv/pkg/types"
)

// Backend is what the operator commands act on.
type Backend interface {
	ListTenants(ctx context.Context) ([]*types.Tenant, apperrors.Error)
	MigrateFleet(ctx context.Context) (migrator.FleetResult, error)
	MigrateOne(ctx context.Context, schema string) (*migrator.Result, error)
	MigrationStatus(ctx context.Context, schema string) (*migrations.Status, error)
	ProvisionSchema(ctx context.Context, schema string) (provisioner.State, apperrors.Error)
	Backup(ctx context.Context, id types.TenantId) (string, error)
	ListBackups() ([]archiver.Manifest, error)
	SweepBackups(ctx context.Context) (*archiver.SweepReport, error)
	Close() error
}

// Opener builds a Backend from a configuration file.
type Opener func(ctx context.Context, configFile string) (Backend, error)

type appBackend struct {
	a *app.App
}

// OpenApp loads the service configuration and connects to the cluster.
func OpenApp(ctx context.Context, configFile string) (Backend, error) {
	if err := config.LoadConfig(configFile); err != nil {
		return nil, err
	}
	cfg := config.Config()
	logtrace.InitLogger(cfg.LogLevel, true)
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect: %w", err)
	}
	return &appBackend{a: a}, nil
}

func (b *appBackend) ListTenants(ctx context.Context) ([]*types.Tenant, apperrors.Error) {
	return b.a.Lifecycle.List(ctx)
}

func (b *appBackend) MigrateFleet(ctx context.Context) (migrator.FleetResult, error) {
	return b.a.Migrator.MigrateFleet(ctx)
}

func (b *appBackend) MigrateOne(ctx context.Context, schema string) (*migrator.Result, error) {
	return b.a.Migrator.MigrateOne(ctx, schema)
}

func (b *appBackend) MigrationStatus(ctx context.Context, schema string) (*migrations.Status, error) {
	return b.a.Migrator.Status(ctx, schema)
}

func (b *appBackend) ProvisionSchema(ctx context.Context, schema string) (provisioner.State, apperrors.Error) {
	return b.a.Provisioner.ProvisionSchema(ctx, schema)
}

// Backup takes an on-demand backup of a tenant's schema.
func (b *appBackend) Backup(ctx context.Context, id types.TenantId) (string, error) {
	t, err := b.a.Directory.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	path, berr := b.a.Archiver.BackupBeforeDelete(ctx, t.ID, t.SchemaName, t.CompanyName)
	if berr != nil {
		return "", berr
	}
	return path, nil
}

func (b *appBackend) ListBackups() ([]archiver.Manifest, error) {
	return b.a.Archiver.ListManifests()
}

func (b *appBackend) SweepBackups(ctx context.Context) (*archiver.SweepReport, error) {
	return b.a.Archiver.SweepExpired(ctx)
}

func (b *appBackend) Close() error {
	return b.a.Close()
}
