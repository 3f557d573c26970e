// Package controlapi implements the Control API (spec.md §4.8/§6): a REST
// surface over the Session Engine and Store, plus a WebSocket upgrade on
// /ws that relays Event Bus messages as JSON frames. It replaces the
// teacher's SSE dashboard transport with chi routing + a gorilla/websocket
// bidirectional channel, per spec.md §6's "upgrade path to a bidirectional
// frame channel for subscribe_events".
package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullflux/reddit-scrape-engine/internal/config"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/sessionengine"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// Server is the Control API's HTTP server.
type Server struct {
	engine *sessionengine.Engine
	store  *store.Store
	bus    *eventbus.Bus
	cfg    *config.Config
	log    *logger.Logger

	router chi.Router
}

// New builds a Server and registers its routes. recorder's Prometheus
// collectors are exposed on /metrics; pass nil to skip metric scraping
// entirely (e.g. in tests that don't care about it).
func New(engine *sessionengine.Engine, st *store.Store, bus *eventbus.Bus, cfg *config.Config, log *logger.Logger, recorder *metrics.Recorder) *Server {
	s := &Server{engine: engine, store: st, bus: bus, cfg: cfg, log: log}
	s.router = s.newRouter(recorder)
	return s
}

// Router exposes the chi router for tests (httptest.NewServer(srv.Router())).
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) newRouter(recorder *metrics.Recorder) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withCORS)

	r.Get("/health", s.handleHealth)
	r.Get("/config", s.handleConfig)
	r.Post("/scrape/start", s.handleScrapeStart)
	r.Get("/scrape/status/{id}", s.handleScrapeStatus)
	r.Get("/scrape/sessions", s.handleScrapeSessions)
	r.Delete("/scrape/stop/{id}", s.handleScrapeStop)
	r.Get("/data/posts", s.handleDataPosts)
	r.Get("/stats/database", s.handleStatsDatabase)
	r.Get("/ws", s.handleWS)

	if recorder != nil {
		reg := prometheus.NewRegistry()
		for _, c := range recorder.Collectors() {
			reg.MustRegister(c)
		}
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// withCORS mirrors the teacher's wide-open dashboard CORS policy
// (dashboard/server.go's withCORS), since the Control API serves the same
// kind of local operator dashboard.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server on addr and blocks until it exits,
// following the teacher's explicit http.Server construction (generous
// timeouts for the long-lived /ws connection, matching dashboard/server.go's
// disabled WriteTimeout for SSE).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
