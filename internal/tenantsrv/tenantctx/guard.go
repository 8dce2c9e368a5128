package tenantctx

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Call runs fn on behalf of the resolved tenant. It refuses to run without a
// tenant, attaches the tenant to the logger carried by ctx and logs the
// outcome. Cancellation is reported but not logged as a failure.
func Call[T any](ctx context.Context, operation string, fn func(ctx context.Context, t Tenant) (T, error)) (T, error) {
	var zero T
	t, err := RequireTenant(ctx, operation)
	if err != nil {
		return zero, err
	}

	logger := log.Ctx(ctx).With().
		Str("tenant_id", string(t.ID)).
		Str("tenant_schema", t.SchemaName).
		Str("tenant_name", t.Name).
		Str("operation", operation).
		Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	logger.Debug().Msg("tenant operation started")
	v, ferr := fn(ctx, t)
	elapsed := time.Since(start)
	switch {
	case ferr == nil:
		logger.Debug().Dur("elapsed", elapsed).Msg("tenant operation completed")
	case errors.Is(ferr, context.Canceled):
		logger.Info().Dur("elapsed", elapsed).Msg("tenant operation cancelled")
	default:
		logger.Error().Err(ferr).Dur("elapsed", elapsed).Msg("tenant operation failed")
	}
	return v, ferr
}

// Run is Call for operations without a result.
func Run(ctx context.Context, operation string, fn func(ctx context.Context, t Tenant) error) error {
	_, err := Call(ctx, operation, func(ctx context.Context, t Tenant) (struct{}, error) {
		return struct{}{}, fn(ctx, t)
	})
	return err
}
