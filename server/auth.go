package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths are served without a token so probes and scrapers keep working.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// authMiddleware requires "Authorization: Bearer <AuthToken>" on every path
// except openPaths. With no token configured it passes requests through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := openPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
