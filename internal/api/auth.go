package api

import "net/http"

// Middleware wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler

// APIKeyMiddleware enforces API key authentication on wrapped handlers.
//
// Behaviour:
//   - If mode != "apikey" or key == "", all calls are allowed (pass-through).
//   - Otherwise the value of header is compared to key; a missing, empty, or
//     incorrect key returns 401.
func APIKeyMiddleware(mode, header, key string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Non-apikey modes or unconfigured key → allow everything.
			if mode != "apikey" || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get(header) != key {
				jsonErr(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forMethods applies the middleware only to the listed methods, leaving
// read-only access open on the same route.
func (m Middleware) forMethods(next http.HandlerFunc, methods ...string) http.HandlerFunc {
	guarded := m(next)
	return func(w http.ResponseWriter, r *http.Request) {
		for _, method := range methods {
			if r.Method == method {
				guarded.ServeHTTP(w, r)
				return
			}
		}
		next(w, r)
	}
}
