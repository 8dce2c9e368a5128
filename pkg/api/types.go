package api

import "github.com/tansive/tenantsrv/pkg/types"

// CreateTenantReq is the body of POST /admin/tenants.
type CreateTenantReq struct {
	CompanyName string `json:"company_name"`
	Subdomain   string `json:"subdomain"`
}

// CurrentTenantRsp describes the tenant a request was resolved to.
type CurrentTenantRsp struct {
	TenantID    types.TenantId `json:"tenant_id"`
	SchemaName  string         `json:"schema_name"`
	CompanyName string         `json:"company_name,omitempty"`
}

type StatusRsp struct {
	Status string `json:"status"`
}
