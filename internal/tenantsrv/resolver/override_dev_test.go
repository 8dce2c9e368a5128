//go:build !production

package resolver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevOverride(t *testing.T) {
	a := assert.New(t)
	r := New(testDirectory())
	ok := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusOK) })

	disabled := r.Middleware(MiddlewareOptions{})(TenantOnly(ok))
	a.Equal(http.StatusUnauthorized, serve(t, disabled, "localhost:8194", DefaultDevOverrideHeader, "acme").Code)

	enabled := r.Middleware(MiddlewareOptions{AllowDevOverride: true})(TenantOnly(ok))
	a.Equal(http.StatusOK, serve(t, enabled, "localhost:8194", DefaultDevOverrideHeader, "acme").Code)
	a.Equal(http.StatusUnauthorized, serve(t, enabled, "localhost:8194", DefaultDevOverrideHeader, "admin").Code)
	a.Equal(http.StatusUnauthorized, serve(t, enabled, "localhost:8194", DefaultDevOverrideHeader, "paused").Code)

	custom := r.Middleware(MiddlewareOptions{AllowDevOverride: true, DevOverrideHeader: "X-Test-Tenant"})(TenantOnly(ok))
	a.Equal(http.StatusOK, serve(t, custom, "localhost", "X-Test-Tenant", "ACME").Code)
	a.True(DevOverrideCompiled)
}
