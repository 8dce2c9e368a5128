package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/common/middleware"
	"github.com/tansive/tenantsrv/internal/tenantsrv/archiver"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dbmanager"
	"github.com/tansive/tenantsrv/internal/tenantsrv/lifecycle"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrations"
	"github.com/tansive/tenantsrv/internal/tenantsrv/migrator"
	"github.com/tansive/tenantsrv/internal/tenantsrv/resolver"
	"github.com/tansive/tenantsrv/pkg/api"
	"github.com/tansive/tenantsrv/pkg/types"
)

type TenantManager interface {
	List(ctx context.Context) ([]*types.Tenant, apperrors.Error)
	Get(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error)
	Onboard(ctx context.Context, req lifecycle.OnboardRequest) (*types.Tenant, apperrors.Error)
	RetryProvisioning(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error)
	Suspend(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error)
	Reactivate(ctx context.Context, id types.TenantId) (*types.Tenant, apperrors.Error)
	Offboard(ctx context.Context, id types.TenantId) (*lifecycle.OffboardResult, apperrors.Error)
}

type FleetMigrator interface {
	MigrateFleet(ctx context.Context) (migrator.FleetResult, error)
	MigrateOne(ctx context.Context, schema string) (*migrator.Result, error)
	Status(ctx context.Context, schema string) (*migrations.Status, error)
}

type BackupStore interface {
	ListManifests() ([]archiver.Manifest, error)
	SweepExpired(ctx context.Context) (*archiver.SweepReport, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Resolver    *resolver.Resolver
	Resolution  resolver.MiddlewareOptions
	Tenants     TenantManager
	Migrations  FleetMigrator
	Backups     BackupStore
	Pool        dbmanager.ScopedDb
	HandleCORS  bool
	CORSOrigins []string
	TraceRoutes bool
}

type TenantServer struct {
	Router *chi.Mux
	deps   Deps
}

func CreateNewServer(deps Deps) (*TenantServer, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if deps.Tenants == nil || deps.Migrations == nil || deps.Backups == nil {
		return nil, fmt.Errorf("tenant, migration and backup handlers are required")
	}
	s := &TenantServer{deps: deps}
	s.Router = chi.NewRouter()
	return s, nil
}

func (s *TenantServer) MountHandlers() {
	s.Router.Use(middleware.RequestLogger)
	s.Router.Use(middleware.PanicHandler)
	if s.deps.HandleCORS {
		s.Router.Use(s.HandleCORS)
	}
	s.Router.Use(s.deps.Resolver.Middleware(s.deps.Resolution))
	s.Router.Get("/version", s.getVersion)
	s.Router.Get("/ready", s.getReadiness)
	s.Router.Route("/admin", func(r chi.Router) {
		r.Use(resolver.ControlPlaneOnly)
		s.mountAdminHandlers(r)
	})
	s.Router.Route("/api", func(r chi.Router) {
		r.Use(resolver.TenantOnly)
		s.mountTenantHandlers(r)
	})
	if s.deps.TraceRoutes {
		walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			log.Debug().Str("method", method).Str("route", route).Msg("route")
			return nil
		}
		if err := chi.Walk(s.Router, walkFunc); err != nil {
			log.Error().Err(err).Msg("error walking router")
		}
	}
}

func (s *TenantServer) getVersion(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Debug().Msg("GetVersion")
	rsp := &api.GetVersionRsp{
		ServerVersion: api.ServerVersion,
		ApiVersion:    api.ApiVersion_1_0,
	}
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, rsp)
}

func (s *TenantServer) getReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Pool.DB().PingContext(ctx); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			httpx.ErrServiceUnavailable("database not reachable").Send(w)
			return
		}
	}
	httpx.SendJsonRsp(r.Context(), w, http.StatusOK, &api.StatusRsp{Status: "ready"})
}

func (s *TenantServer) HandleCORS(next http.Handler) http.Handler {
	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:8190"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "Accept-Encoding"},
		ExposedHeaders:   []string{"Location", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}

// RunSweeper deletes expired backups every interval until ctx is done.
func RunSweeper(ctx context.Context, backups BackupStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := log.Ctx(ctx).With().Str("component", "backup-sweeper").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := backups.SweepExpired(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("backup sweep failed")
				continue
			}
			logger.Info().Int("scanned", report.Scanned).Int("deleted", len(report.Deleted)).Msg("backup sweep finished")
		}
	}
}
