// Package tenantctx carries the resolved tenant identity for a single request.
//
// A Holder is created once per request by the resolution middleware and is
// never shared or reused. Its tenant id and schema are immutable once set.
// The display name is filled in by a background lookup; a lookup result is
// applied only if the holder still carries the resolution token that was
// current when the lookup started.
package tenantctx

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
	"github.com/tansive/tenantsrv/pkg/types"
)

// NameLookup fetches a tenant's display name.
type NameLookup func(ctx context.Context, id types.TenantId) (string, error)

const DefaultNameLookupTimeout = 5 * time.Second

type Holder struct {
	mu     sync.Mutex
	id     types.TenantId
	schema string
	name   string
	token  string

	lookup        NameLookup
	lookupTimeout time.Duration
	pending       sync.WaitGroup
}

type Option func(*Holder)

// WithNameLookup enables asynchronous name enrichment.
func WithNameLookup(lookup NameLookup, timeout time.Duration) Option {
	return func(h *Holder) {
		h.lookup = lookup
		if timeout > 0 {
			h.lookupTimeout = timeout
		}
	}
}

func NewHolder(opts ...Option) *Holder {
	h := &Holder{lookupTimeout: DefaultNameLookupTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Set records the resolved tenant. Setting the same identity again is a
// no-op; setting a different identity fails with ErrContextAlreadySet.
func (h *Holder) Set(ctx context.Context, id types.TenantId, schema string) apperrors.Error {
	if id == "" || schema == "" {
		return ErrInvalidTenantContext.Msg("tenant id and schema are required")
	}

	h.mu.Lock()
	if h.id != "" {
		same := h.id == id && h.schema == schema
		h.mu.Unlock()
		if same {
			return nil
		}
		log.Ctx(ctx).Error().
			Str("tenant_id", string(h.id)).
			Str("attempted_tenant_id", string(id)).
			Msg("attempt to change tenant of a resolved request")
		return ErrContextAlreadySet
	}
	token, err := gonanoid.New()
	if err != nil {
		h.mu.Unlock()
		return ErrTenantContext.MsgErr("unable to generate resolution token", err)
	}
	h.id = id
	h.schema = schema
	h.token = token
	lookup := h.lookup
	h.mu.Unlock()

	if lookup != nil {
		h.fetchName(ctx, lookup, id, token)
	}
	return nil
}

// fetchName runs the lookup detached from request cancellation so that a
// finished request does not leave a half-applied result behind.
func (h *Holder) fetchName(ctx context.Context, lookup NameLookup, id types.TenantId, token string) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.lookupTimeout)
		defer cancel()

		name, err := lookup(lctx, id)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("tenant_id", string(id)).Msg("tenant name lookup failed")
			return
		}
		if !h.applyName(token, name) {
			log.Ctx(ctx).Debug().Str("tenant_id", string(id)).Msg("discarding stale tenant name lookup")
		}
	}()
}

func (h *Holder) applyName(token, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token == "" || h.token != token {
		return false
	}
	h.name = name
	return true
}

// Wait blocks until background lookups started by Set have finished.
func (h *Holder) Wait() {
	h.pending.Wait()
}

func (h *Holder) IsSet() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id != ""
}

func (h *Holder) TenantID() (types.TenantId, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.id != ""
}

func (h *Holder) SchemaName() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.schema, h.schema != ""
}

// TenantName is best effort and may be empty until the lookup completes.
func (h *Holder) TenantName() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name, h.name != ""
}

// Token identifies the resolution that populated this holder.
func (h *Holder) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Snapshot returns a consistent copy of the holder's fields.
func (h *Holder) Snapshot() Tenant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Tenant{ID: h.id, SchemaName: h.schema, Name: h.name}
}
