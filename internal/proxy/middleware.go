package proxy

import (
	"errors"
	"net/http"
	"strings"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/tenant"
)

// authenticate resolves the caller's API key onto its tenant space. The
// token travels as a Bearer header, with X-Api-Key accepted for clients that
// cannot set Authorization.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		space, err := s.store.ResolveAPIKey(r.Context(), token)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				s.respondError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			s.logger.Error("resolve api key", "error", err)
			s.respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithSpace(r.Context(), space)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}
