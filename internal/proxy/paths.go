package proxy

import (
	"net/http"
	"strings"
)

// stripBasePath normalizes request paths when the service is published
// behind a path-prefixing ingress. Proxies occasionally stack the prefix,
// so it is stripped repeatedly until the path stabilizes.
func (s *Server) stripBasePath(next http.Handler) http.Handler {
	if s.basePath == "" || s.basePath == "/" {
		return next
	}
	prefix := "/" + strings.Trim(s.basePath, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		for strings.HasPrefix(path, prefix) {
			trimmed := strings.TrimPrefix(path, prefix)
			if trimmed == "" {
				trimmed = "/"
			}
			if !strings.HasPrefix(trimmed, "/") {
				break
			}
			path = trimmed
		}
		r.URL.Path = path
		next.ServeHTTP(w, r)
	})
}
