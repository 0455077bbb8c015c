package auth

import (
	"net/http"
	"strings"

	"github.com/jio-gl/multiguard/pkg/api"
	"github.com/jio-gl/multiguard/pkg/contracts"
)

// maxCallerLen bounds the identity header.
const maxCallerLen = 256

// publicPaths are endpoints that do not require an identity.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/version",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// HeaderMiddleware takes the caller identity from header, which the
// authenticating proxy in front of this service sets after verifying the
// request. Requests without it are rejected, except on public paths.
func HeaderMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			caller := strings.TrimSpace(r.Header.Get(header))
			switch {
			case caller == "":
				api.WriteUnauthorized(w, "Missing "+header+" header")
				return
			case len(caller) > maxCallerLen || strings.ContainsAny(caller, " \t\r\n"):
				api.WriteUnauthorized(w, "Malformed "+header+" header")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{ID: contracts.ParseAddress(caller)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
