package db

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/common/httpx"
	"github.com/tansive/tenantsrv/internal/tenantsrv/db/dbmanager"
)

// LoadScopedDBMiddleware attaches a tenant scoped connection to the request
// context and returns it to the pool after the request is served.
func LoadScopedDBMiddleware(pool dbmanager.ScopedDb) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := ConnCtx(r.Context(), pool)
			if err != nil {
				if appErr, ok := err.(apperrors.Error); ok {
					httpx.SendError(w, appErr)
					return
				}
				log.Ctx(r.Context()).Error().Err(err).Msg("unable to get db connection")
				httpx.ErrServiceUnavailable("unable to service request at this time").Send(w)
				return
			}
			defer func() {
				if conn := Conn(ctx); conn != nil {
					conn.Close(context.Background()) // use background to avoid canceled context
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
