package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/system"
	"github.com/gcforged/pylot/pkg/types"
)

// authMiddleware enforces Bearer API-key auth when the configured key list is
// non-empty. /healthz and /metrics are always open; /v1/models may be opened
// by configuration.
type authMiddleware struct {
	server *Server
}

func newAuthMiddleware(server *Server) *authMiddleware {
	return &authMiddleware{server: server}
}

func getRequestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (a *authMiddleware) exempt(path string) bool {
	switch path {
	case "/healthz", "/metrics":
		return true
	case "/v1/models":
		return a.server.cfg().Server.AllowUnauthenticatedModels
	}
	return false
}

func (a *authMiddleware) authorized(r *http.Request) bool {
	cfg := a.server.cfg()
	if !cfg.AuthEnabled() {
		return true
	}
	token := getRequestToken(r)
	if token == "" {
		return false
	}
	for _, key := range cfg.Server.APIKeys {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (a *authMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.exempt(r.URL.Path) || a.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		log.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("rejected unauthorized request")
		a.server.metrics.RecordError(string(types.ErrorKindUnauthorized))
		system.WriteError(w, http.StatusUnauthorized, types.ErrorKindUnauthorized, "Unauthorized")
	})
}
