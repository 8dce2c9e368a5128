package types

import "time"

type TenantId string

func (id TenantId) String() string {
	return string(id)
}

type TenantStatus string

const (
	TenantStatusProvisioning TenantStatus = "provisioning"
	TenantStatusActive       TenantStatus = "active"
	TenantStatusSuspended    TenantStatus = "suspended"
	TenantStatusDeleted      TenantStatus = "deleted"
)

func (s TenantStatus) IsValid() bool {
	switch s {
	case TenantStatusProvisioning, TenantStatusActive, TenantStatusSuspended, TenantStatusDeleted:
		return true
	}
	return false
}

// Tenant is a row of the tenant directory. A deleted tenant keeps its row so
// that neither its subdomain nor its schema name is ever handed out again.
type Tenant struct {
	ID          TenantId     `json:"id" yaml:"id"`
	Subdomain   string       `json:"subdomain" yaml:"subdomain"`
	SchemaName  string       `json:"schema_name" yaml:"schema_name"`
	CompanyName string       `json:"company_name" yaml:"company_name"`
	Status      TenantStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"updated_at"`
}

func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantStatusActive
}

const (
	BackupTypePreDelete = "pre_delete"
	DefaultHistoryTable = "schema_migrations"
)
