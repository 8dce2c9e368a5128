// Package resolver maps an inbound request host to a tenant.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/internal/tenantsrv/directory"
	"github.com/tansive/tenantsrv/pkg/types"
)

// ReservedSubdomain is the control plane host label. It never resolves to a tenant.
const ReservedSubdomain = "admin"

var (
	ErrResolver     apperrors.Error = apperrors.New("tenant resolution error").SetStatusCode(http.StatusInternalServerError)
	ErrLookupFailed apperrors.Error = ErrResolver.New("tenant lookup failed").SetStatusCode(http.StatusServiceUnavailable)
)

// Resolution is the outcome of resolving a host. When Found is false the
// request is a control plane request and must not touch a tenant schema.
type Resolution struct {
	Found       bool
	TenantID    types.TenantId
	SchemaName  string
	CompanyName string
}

var NoTenant = Resolution{}

type Resolver struct {
	tenants directory.Reader
}

// New returns a resolver reading through tenants, normally a tenantcache.Cache.
func New(tenants directory.Reader) *Resolver {
	return &Resolver{tenants: tenants}
}

// SubdomainFromHost returns the left-most label of host when host has at
// least three labels. Ports are ignored and IP literals never carry a subdomain.
func SubdomainFromHost(host string) (string, bool) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return "", false
	}
	for _, l := range labels {
		if l == "" {
			return "", false
		}
	}
	return labels[0], true
}

// Resolve resolves host. An error is returned only for infrastructure
// failures; unknown, inactive and reserved tenants yield NoTenant.
func (r *Resolver) Resolve(ctx context.Context, host string) (Resolution, error) {
	sub, ok := SubdomainFromHost(host)
	if !ok {
		return NoTenant, nil
	}
	return r.ResolveSubdomain(ctx, sub)
}

func (r *Resolver) ResolveSubdomain(ctx context.Context, subdomain string) (Resolution, error) {
	sub := strings.ToLower(strings.TrimSpace(subdomain))
	if sub == "" || sub == ReservedSubdomain {
		return NoTenant, nil
	}
	logger := log.Ctx(ctx).With().Str("subdomain", sub).Logger()

	t, err := r.tenants.GetBySubdomain(ctx, sub)
	if err != nil {
		if errors.Is(err, directory.ErrTenantNotFound) {
			logger.Debug().Msg("no tenant for subdomain")
			return NoTenant, nil
		}
		logger.Error().Err(err).Msg("tenant lookup failed")
		return NoTenant, ErrLookupFailed.MsgErr("unable to resolve tenant for "+sub, err)
	}
	if !t.IsActive() {
		logger.Info().Str("tenant_id", string(t.ID)).Str("status", string(t.Status)).Msg("tenant is not active")
		return NoTenant, nil
	}
	return Resolution{
		Found:       true,
		TenantID:    t.ID,
		SchemaName:  t.SchemaName,
		CompanyName: t.CompanyName,
	}, nil
}
