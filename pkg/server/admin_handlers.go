package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/config"
	"github.com/gcforged/pylot/pkg/system"
	"github.com/gcforged/pylot/pkg/types"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	system.Wrapper(func(http.ResponseWriter, *http.Request) (map[string]string, *system.HTTPError) {
		return map[string]string{"status": "ok"}, nil
	})(w, r)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	system.Wrapper(func(http.ResponseWriter, *http.Request) (types.StatusResponse, *system.HTTPError) {
		return types.StatusResponse{
			Status:        "ok",
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			Model:         s.backend.ModelID(),
			Backend:       s.cfg().Backend.Mode,
			Connections:   s.sessions.Size(),
			Cache:         s.cache.Stats(),
		}, nil
	})(w, r)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	system.Wrapper(func(http.ResponseWriter, *http.Request) (config.Config, *system.HTTPError) {
		return s.cfg().Redacted(), nil
	})(w, r)
}

// updateConfig applies a JSON patch to the live configuration. Invalid patches
// leave the current snapshot untouched.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	system.Wrapper(func(_ http.ResponseWriter, req *http.Request) (types.ConfigUpdateResponse, *system.HTTPError) {
		patch, err := io.ReadAll(http.MaxBytesReader(nil, req.Body, maxRequestBodyBytes))
		if err != nil {
			return types.ConfigUpdateResponse{}, system.NewHTTPError422("reading config update: " + err.Error())
		}
		_, reloadRequired, err := s.cfgStore.ApplyPatch(patch)
		if err != nil {
			var cfgErr *config.Error
			if errors.As(err, &cfgErr) {
				return types.ConfigUpdateResponse{}, system.NewHTTPError422(cfgErr.Error())
			}
			return types.ConfigUpdateResponse{}, system.NewHTTPError500(err.Error())
		}
		log.Info().Bool("reload_required", reloadRequired).Msg("configuration updated")
		return types.ConfigUpdateResponse{
			Status:         "ok",
			ReloadRequired: reloadRequired,
		}, nil
	})(w, r)
}
