package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/gcforged/pylot/pkg/backend"
	"github.com/gcforged/pylot/pkg/cache"
	"github.com/gcforged/pylot/pkg/config"
	"github.com/gcforged/pylot/pkg/types"
)

const (
	// shutdownGrace bounds the drain of in-flight requests at stop.
	shutdownGrace = 10 * time.Second

	maxRequestBodyBytes = 10 * 1024 * 1024
)

// Server is the inference gateway: OpenAI-compatible REST + SSE endpoints, a
// WebSocket channel, API-key auth and the response cache, all in front of one
// Backend.
type Server struct {
	cfgStore *config.Store
	backend  backend.Backend
	cache    *cache.Cache
	metrics  *Metrics

	startedAt time.Time

	// sessions tracks live WebSocket connections for the status endpoint and
	// the shutdown broadcast.
	sessions *xsync.MapOf[string, *wsSession]
	// jobs tracks the cancel func of every in-flight generation so client
	// disconnects and shutdown reach the backend.
	jobs *xsync.MapOf[string, context.CancelFunc]

	httpServer *http.Server

	// onShutdown hooks run after the listener stops and before the backend
	// goes down; the lifecycle uses them to persist dirty optimizer state.
	onShutdown []func(ctx context.Context)
}

func New(cfgStore *config.Store, be backend.Backend, responseCache *cache.Cache) *Server {
	return &Server{
		cfgStore:  cfgStore,
		backend:   be,
		cache:     responseCache,
		metrics:   NewMetrics(),
		startedAt: time.Now(),
		sessions:  xsync.NewMapOf[string, *wsSession](),
		jobs:      xsync.NewMapOf[string, context.CancelFunc](),
	}
}

func (s *Server) cfg() *config.Config {
	return s.cfgStore.Current()
}

// OnShutdown registers a hook invoked during graceful stop.
func (s *Server) OnShutdown(hook func(ctx context.Context)) {
	s.onShutdown = append(s.onShutdown, hook)
}

// Router builds the gateway's route table.
func (s *Server) Router() http.Handler {
	auth := newAuthMiddleware(s)

	router := mux.NewRouter()
	router.Use(s.metrics.instrument)
	router.Use(auth.middleware)

	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/models", s.listModels).Methods(http.MethodGet)
	v1.HandleFunc("/completions", s.createCompletion).Methods(http.MethodPost)
	v1.HandleFunc("/chat/completions", s.createChatCompletion).Methods(http.MethodPost)
	v1.HandleFunc("/embeddings", s.createEmbeddings).Methods(http.MethodPost)
	v1.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.updateConfig).Methods(http.MethodPost)

	router.HandleFunc("/ws/completions", s.handleWebSocket)

	return router
}

// ListenAndServe binds the listener and serves until ctx is cancelled, then
// drains gracefully. The model must already be loaded: the backend is
// constructed and started before this is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.cfg()
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("model", s.backend.ModelID()).Msg("gateway listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains the gateway: stop accepting, close WS sessions with a
// normal closure, cancel in-flight backend calls, run shutdown hooks, then
// stop the backend.
func (s *Server) Shutdown() error {
	log.Info().Msg("gateway shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting first: http.Server.Shutdown closes the listeners
	// immediately and then blocks draining in-flight handlers, so it runs
	// concurrently with the WS close broadcast and job cancellation that
	// unblock those handlers.
	httpDone := make(chan error, 1)
	if s.httpServer != nil {
		go func() { httpDone <- s.httpServer.Shutdown(drainCtx) }()
	} else {
		httpDone <- nil
	}

	// close every live WebSocket session concurrently
	var wg conc.WaitGroup
	s.sessions.Range(func(_ string, session *wsSession) bool {
		wg.Go(func() { session.closeNormal() })
		return true
	})
	wg.Wait()

	// cancel what is still running against the backend
	s.jobs.Range(func(_ string, cancelJob context.CancelFunc) bool {
		cancelJob()
		return true
	})

	shutdownErr := <-httpDone
	if shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("listener drain incomplete")
	}

	for _, hook := range s.onShutdown {
		hook(drainCtx)
	}

	if err := s.backend.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("backend shutdown failed")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	log.Info().Msg("gateway stopped")
	return shutdownErr
}

// trackJob registers a cancellable job context bounded by the configured
// per-request timeout. The returned done func must be called when the request
// finishes.
func (s *Server) trackJob(parent context.Context, id string) (context.Context, func()) {
	timeout := time.Duration(s.cfg().Server.RequestTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(parent, timeout)
	s.jobs.Store(id, cancel)
	return ctx, func() {
		s.jobs.Delete(id)
		cancel()
	}
}

// errorKindForJob distinguishes a per-request timeout from a client
// disconnect once the job context is dead.
func errorKindForJob(jobCtx, requestCtx context.Context) types.ErrorKind {
	if requestCtx.Err() != nil {
		return types.ErrorKindCancelled
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}
	return types.ErrorKindCancelled
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}
