package api

import (
	"net/http"

	"github.com/mattjoyce/gradeq/internal/auth"
)

// requireScopes guards a route when tokens are configured. With no tokens the
// API is open; it is expected to listen on loopback only.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(s.config.Tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractBearerToken(r)
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			p, ok := auth.Authenticate(token, s.config.Tokens)
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "token lacks required scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
