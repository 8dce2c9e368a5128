// Package tenantcache is a read-through cache in front of the tenant
// directory. Entries are keyed by subdomain and by tenant id and expire after
// a fixed TTL so that status changes become visible within a bounded window.
// An optional redis tier lets several server processes share lookups.
package tenantcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/tenantsrv/directory"
	"github.com/tansive/tenantsrv/pkg/types"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultKeyPrefix    = "tenantsrv:tenant:"
	DefaultFetchTimeout = 10 * time.Second
)

type entry struct {
	tenant  types.Tenant
	expires time.Time
}

// Cache implements directory.Reader.
type Cache struct {
	dir    directory.Reader
	ttl    time.Duration
	now    func() time.Time
	redis  redis.UniversalClient
	prefix string
	// fetchTimeout bounds a shared miss fetch, which runs detached from the
	// cancellation of whichever caller started it.
	fetchTimeout time.Duration

	mu    sync.RWMutex
	bySub map[string]*entry
	byID  map[types.TenantId]*entry
	// gen advances on every invalidation; fetches that started under an
	// older generation do not store their result.
	gen   uint64
	group singleflight.Group
}

var _ directory.Reader = (*Cache)(nil)

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRedis adds a shared tier. Redis failures are logged and the cache falls
// back to the directory.
func WithRedis(client redis.UniversalClient, prefix string) Option {
	return func(c *Cache) {
		c.redis = client
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithFetchTimeout bounds how long one directory fetch may take.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(dir directory.Reader, opts ...Option) *Cache {
	c := &Cache{
		dir:    dir,
		ttl:    DefaultTTL,
		now:    time.Now,
		prefix: DefaultKeyPrefix,
		bySub:  make(map[string]*entry),
		byID:   make(map[types.TenantId]*entry),

		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) subKey(sub string) string { return c.prefix + "sub:" + sub }
func (c *Cache) idKey(id types.TenantId) string { return c.prefix + "id:" + string(id) }
func flightKey(gen uint64, kind, key string) string { return fmt.Sprintf("%d:%s:%s", gen, kind, key) }

func (c *Cache) GetBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error) {
	sub := strings.ToLower(subdomain)
	c.mu.RLock()
	e, ok := c.bySub[sub]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		t := e.tenant
		return &t, nil
	}

	return c.load(ctx, flightKey(gen, "sub", sub), func(ctx context.Context) (*types.Tenant, error) {
		if t := c.fromRedis(ctx, c.subKey(sub)); t != nil {
			c.store(gen, t, false)
			return t, nil
		}
		t, err := c.dir.GetBySubdomain(ctx, sub)
		if err != nil {
			return nil, err
		}
		c.store(gen, t, true)
		return t, nil
	})
}

func (c *Cache) GetByID(ctx context.Context, id types.TenantId) (*types.Tenant, error) {
	c.mu.RLock()
	e, ok := c.byID[id]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		t := e.tenant
		return &t, nil
	}

	return c.load(ctx, flightKey(gen, "id", string(id)), func(ctx context.Context) (*types.Tenant, error) {
		if t := c.fromRedis(ctx, c.idKey(id)); t != nil {
			c.store(gen, t, false)
			return t, nil
		}
		t, err := c.dir.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.store(gen, t, true)
		return t, nil
	})
}

// load collapses concurrent misses for key into one fetch. The fetch runs on
// a context detached from every caller and bounded by fetchTimeout; each
// caller stops waiting when its own ctx is done, without affecting the others.
func (c *Cache) load(ctx context.Context, key string, fetch func(ctx context.Context) (*types.Tenant, error)) (*types.Tenant, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return fetch(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		t := *r.Val.(*types.Tenant)
		return &t, nil
	}
}

// ListActiveSchemas is not cached; fleet operations always see the directory.
func (c *Cache) ListActiveSchemas(ctx context.Context) ([]string, error) {
	return c.dir.ListActiveSchemas(ctx)
}

// Invalidate drops both keys of a tenant. Either argument may be empty; the
// other key is found through the cached entry when present.
func (c *Cache) Invalidate(ctx context.Context, id types.TenantId, subdomain string) {
	sub := strings.ToLower(subdomain)
	c.mu.Lock()
	c.gen++
	if e, ok := c.byID[id]; ok && sub == "" {
		sub = e.tenant.Subdomain
	}
	if e, ok := c.bySub[sub]; ok && id == "" {
		id = e.tenant.ID
	}
	delete(c.bySub, sub)
	delete(c.byID, id)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	var keys []string
	if sub != "" {
		keys = append(keys, c.subKey(sub))
	}
	if id != "" {
		keys = append(keys, c.idKey(id))
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", string(id)).Msg("failed to invalidate shared tenant cache")
	}
}

// Len returns the number of tenants held locally, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Cache) store(gen uint64, t *types.Tenant, shared bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	e := &entry{tenant: *t, expires: c.now().Add(c.ttl)}
	c.bySub[strings.ToLower(t.Subdomain)] = e
	c.byID[t.ID] = e
	c.mu.Unlock()

	if shared && c.redis != nil {
		c.toRedis(t)
	}
}

func (c *Cache) fromRedis(ctx context.Context, key string) *types.Tenant {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("shared tenant cache read failed")
		}
		return nil
	}
	var t types.Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("discarding malformed shared cache entry")
		return nil
	}
	return &t
}

func (c *Cache) toRedis(t *types.Tenant) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	ctx := context.Background()
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, c.subKey(strings.ToLower(t.Subdomain)), data, c.ttl)
	pipe.Set(ctx, c.idKey(t.ID), data, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("tenant_id", string(t.ID)).Msg("shared tenant cache write failed")
	}
}
