package server

import (
	"net/http"
	"net/url"
	"strings"
)

// AllowOrigins returns a WebSocket origin check that accepts same-origin
// requests, requests without an Origin header, and any origin in allowed.
// An allowed entry of "*" accepts every origin.
func AllowOrigins(allowed ...string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	_, all := set["*"]

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || all {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
