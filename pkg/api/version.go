package api

const (
	ApiVersion_1_0 = "1.0"
	ServerVersion  = "tenantsrv: 0.1.0"
)

type GetVersionRsp struct {
	ServerVersion string `json:"server_version"`
	ApiVersion    string `json:"api_version"`
}
