package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func stripWith(base string) func(string) string {
	s := &Server{basePath: base}
	var got string
	h := s.stripBasePath(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
	}))
	return func(path string) string {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		return got
	}
}

func TestStripBasePath(t *testing.T) {
	strip := stripWith("/wa")
	cases := map[string]string{
		"/wa/api/v1/connections":    "/api/v1/connections",
		"/wa/wa/api/v1/connections": "/api/v1/connections",
		"/wa":                       "/",
		"/api/v1/connections":       "/api/v1/connections",
		"/water/api":                "/water/api",
	}
	for in, want := range cases {
		if got := strip(in); got != want {
			t.Errorf("strip(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripBasePathDisabled(t *testing.T) {
	for _, base := range []string{"", "/"} {
		strip := stripWith(base)
		if got := strip("/api/v1/connections"); got != "/api/v1/connections" {
			t.Errorf("base %q: path rewritten to %q", base, got)
		}
	}
}
