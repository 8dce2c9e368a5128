package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tansive/tenantsrv/pkg/types"
)

// Memory is an in-process Directory. It enforces the same uniqueness rules as
// the Postgres directory and is used by tests and local tooling.
type Memory struct {
	mu      sync.RWMutex
	byID    map[types.TenantId]*types.Tenant
	lookups int
	// Err, when set, is returned by every read to simulate an outage.
	Err error
}

func NewMemory(tenants ...*types.Tenant) *Memory {
	m := &Memory{byID: make(map[types.TenantId]*types.Tenant)}
	for _, t := range tenants {
		c := *t
		c.Subdomain = strings.ToLower(c.Subdomain)
		m.byID[c.ID] = &c
	}
	return m
}

// Lookups returns the number of GetBySubdomain and GetByID calls served.
func (m *Memory) Lookups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups
}

func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

func (m *Memory) GetBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.Err != nil {
		return nil, m.Err
	}
	subdomain = strings.ToLower(subdomain)
	for _, t := range m.byID {
		if t.Subdomain == subdomain {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrTenantNotFound.Msg("tenant not found: " + subdomain)
}

func (m *Memory) GetByID(ctx context.Context, id types.TenantId) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.Err != nil {
		return nil, m.Err
	}
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTenantNotFound.Msg("tenant not found: " + string(id))
	}
	c := *t
	return &c, nil
}

func (m *Memory) ListActiveSchemas(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var schemas []string
	for _, t := range m.byID {
		if t.Status == types.TenantStatusActive {
			schemas = append(schemas, t.SchemaName)
		}
	}
	sort.Strings(schemas)
	return schemas, nil
}

func (m *Memory) Create(ctx context.Context, t *types.Tenant) error {
	if err := validateTenant(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := strings.ToLower(t.Subdomain)
	for id, existing := range m.byID {
		if id == t.ID || existing.Subdomain == sub || existing.SchemaName == t.SchemaName {
			return ErrTenantExists.Msg("tenant with subdomain or schema already exists: " + t.Subdomain)
		}
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	c := *t
	c.Subdomain = sub
	m.byID[c.ID] = &c
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id types.TenantId, status types.TenantStatus) error {
	if !status.IsValid() {
		return ErrInvalidTenant.Msg("invalid tenant status: " + string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return ErrTenantNotFound.Msg("tenant not found: " + string(id))
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub := strings.ToLower(subdomain)
	for _, t := range m.byID {
		if t.Subdomain == sub {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) List(ctx context.Context) ([]*types.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenants := make([]*types.Tenant, 0, len(m.byID))
	for _, t := range m.byID {
		c := *t
		tenants = append(tenants, &c)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Subdomain < tenants[j].Subdomain })
	return tenants, nil
}
