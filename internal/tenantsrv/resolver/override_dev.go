//go:build !production

package resolver

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// DevOverrideCompiled reports whether this build honours the override header.
const DevOverrideCompiled = true

// RequestSubdomain returns the subdomain named by the dev override header
// when the override is enabled.
func RequestSubdomain(r *http.Request, opts MiddlewareOptions) (string, bool) {
	if !opts.AllowDevOverride {
		return "", false
	}
	header := opts.DevOverrideHeader
	if header == "" {
		header = DefaultDevOverrideHeader
	}
	sub := strings.ToLower(strings.TrimSpace(r.Header.Get(header)))
	if sub == "" {
		return "", false
	}
	log.Ctx(r.Context()).Warn().
		Str("header", header).
		Str("subdomain", sub).
		Str("host", r.Host).
		Msg("DEV OVERRIDE: tenant subdomain taken from request header instead of host")
	return sub, true
}
