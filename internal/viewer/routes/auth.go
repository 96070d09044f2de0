package routes

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/auth"
)

var errForbidden = errors.New("forbidden")

// requireUser admits a request only for the user the orchestrator runs as.
// Browsers cannot set headers on a websocket upgrade, so the token may also
// come as ?token=.
func requireUser(d Deps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			if !isLocalRequest(r) {
				writeError(w, fmt.Errorf("%w: remote access needs a jwt secret", auth.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, fmt.Errorf("%w: missing token", auth.ErrUnauthorized))
			return
		}
		userID, err := d.Auth.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if self := d.Calls.Self(); userID != self {
			log.Warnf("VIEWER: token for %s refused, running as %s", userID, self)
			writeError(w, fmt.Errorf("%w: token is for another user", errForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
