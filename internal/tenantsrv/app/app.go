// Package app assembles the tenant service from its configuration. The
// server and the admin CLI share the same composition.
package app

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/procrunner"
	"github.com/tansive/tenantsrv/internal/tenantsrv/archiver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/config"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dbmanager"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/tenantschema"
	"github.com/tansive/tenantsrv/internal/tenantsrv/directory"
	"github.com/tansive/tenantsrv/internal/tenantsrv/lifecycle"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
	"github.com/tansive/tenantsrv/internal/tenantsrv/provisioner"
	"github.com/tansive/tenantsrv/internal/tenantsrv/resolver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/server"
	"github.com/tansive/tenantsrv/internal/tenantsrv/tenantcache"
)

type App struct {
	Config      *config.ConfigParam
	Pool        dbmanager.ScopedDb
	Directory   directory.Directory
	Cache       *tenantcache.Cache
	Redis       redis.UniversalClient
	Resolver    *resolver.Resolver
	Schemas     *tenantschema.Store
	Provisioner *provisioner.Provisioner
	Migrator    *migrator.Migrator
	Archiver    *archiver.Archiver
	Lifecycle   *lifecycle.Manager
}

// Open connects to the shared cluster, makes sure the tenant directory
// exists and builds the service on top of it.
func Open(ctx context.Context, cfg *config.ConfigParam) (*App, error) {
	if cfg == nil {
		return nil, errors.New("configuration is not loaded")
	}
	pool, err := dbmanager.NewPostgresqlDb(ctx, cfg.Database.DSN(), dbmanager.PoolOptions{
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		StatementTimeout: cfg.Database.GetStatementTimeout(),
	}, db.ConfiguredScopes)
	if err != nil {
		return nil, err
	}
	if err := directory.EnsureSchema(ctx, pool.DB(), cfg.Database.ControlSchema); err != nil {
		pool.Close()
		return nil, err
	}
	a, err := Build(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Build wires every component over an open pool without touching the
// database.
func Build(cfg *config.ConfigParam, pool dbmanager.ScopedDb) (*App, error) {
	a := &App{Config: cfg, Pool: pool}
	sqlDB := pool.DB()

	dir, err := directory.NewPostgres(sqlDB, cfg.Database.ControlSchema)
	if err != nil {
		return nil, err
	}
	a.Directory = dir

	cacheOpts := []tenantcache.Option{tenantcache.WithTTL(cfg.Cache.GetTTL())}
	if cfg.Cache.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		cacheOpts = append(cacheOpts, tenantcache.WithRedis(a.Redis, cfg.Cache.KeyPrefix))
	}
	a.Cache = tenantcache.New(dir, cacheOpts...)
	a.Resolver = resolver.New(a.Cache)

	a.Schemas = tenantschema.New(sqlDB)
	a.Provisioner = provisioner.New(a.Schemas, cfg.Provisioning.GetTimeout())
	a.Migrator = migrator.New(dir, a.Schemas.MigrationRunner, migrator.Options{
		Workers:       cfg.Migration.Workers,
		SchemaTimeout: cfg.Migration.GetSchemaTimeout(),
	})
	a.Archiver = archiver.New(archiver.Options{
		Dir:       cfg.Backup.Dir,
		Retention: cfg.Backup.GetRetention(),
		DumpTool:  cfg.Backup.DumpTool,
		Timeout:   cfg.Backup.GetTimeout(),
		DB:        connection(&cfg.Database),
	}, procrunner.New(), a.Schemas.ServerVersion)
	a.Lifecycle = lifecycle.New(dir, a.Provisioner, a.Archiver, a.Schemas, a.Cache)
	return a, nil
}

func connection(d *config.DatabaseConfig) archiver.Connection {
	return archiver.Connection{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		DBName:   d.DBName,
	}
}

// Server returns the HTTP server with handlers mounted.
func (a *App) Server() (*server.TenantServer, error) {
	s, err := server.CreateNewServer(server.Deps{
		Resolver: a.Resolver,
		Resolution: resolver.MiddlewareOptions{
			AllowDevOverride:  a.Config.Resolver.AllowDevOverride,
			DevOverrideHeader: a.Config.Resolver.DevOverrideHeader,
			NameLookup:        resolver.NameLookupFrom(a.Cache),
			NameLookupTimeout: a.Config.Resolver.GetNameLookupTimeout(),
		},
		Tenants:     a.Lifecycle,
		Migrations:  a.Migrator,
		Backups:     a.Archiver,
		Pool:        a.Pool,
		HandleCORS:  a.Config.HandleCORS,
		CORSOrigins: a.Config.CORSOrigins,
		TraceRoutes: a.Config.LogLevel == "trace",
	})
	if err != nil {
		return nil, err
	}
	if a.Config.Resolver.AllowDevOverride {
		if resolver.DevOverrideCompiled {
			log.Warn().Str("header", a.Config.Resolver.DevOverrideHeader).Msg("development tenant override is enabled")
		} else {
			log.Info().Msg("development tenant override requested but not compiled into this build")
		}
	}
	s.MountHandlers()
	return s, nil
}

func (a *App) Close() error {
	var errs *multierror.Error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
