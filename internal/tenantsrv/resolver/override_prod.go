//go:build production

package resolver

import "net/http"

const DevOverrideCompiled = false

func RequestSubdomain(r *http.Request, opts MiddlewareOptions) (string, bool) {
	return "", false
}
