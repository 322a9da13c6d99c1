// Package server provides the HTTP query and workflow surface over the
// engines: positions, inventory categories, limits, locates, short-sell
// validation, reference lookups and the websocket delta stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/config"
	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/modules/inventory"
	"github.com/meridian-pb/inventory/internal/modules/limits"
	"github.com/meridian-pb/inventory/internal/modules/locates"
	"github.com/meridian-pb/inventory/internal/modules/marketdata"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/reference"
	"github.com/meridian-pb/inventory/internal/modules/shortsell"
	"github.com/meridian-pb/inventory/internal/reliability"
	"github.com/meridian-pb/inventory/internal/telemetry"
)

// Deps carries everything the HTTP surface reads from or writes to.
type Deps struct {
	Positions *position.Engine
	Inventory *inventory.Engine
	Limits    *limits.Engine
	Locates   *locates.Service
	ShortSell *shortsell.Validator
	Reference *reference.Service
	Market    *marketdata.Service
	Databases []*database.DB
	Latency   *telemetry.Recorder
	Archiver  *reliability.SnapshotArchiver // nil when archiving is disabled
	Hub       *Hub
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	deps    Deps
	started time.Time
}

// New creates the HTTP server and mounts all routes.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     log.With().Str("component", "server").Logger(),
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/latency", s.handleLatency)
			r.Get("/archives", s.handleListArchives)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Get("/security/{securityID}", s.handlePositionsBySecurity)
			r.Get("/{book}/{securityID}", s.handlePosition)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/{securityID}", s.handleInventoryCategories)
			r.Get("/{securityID}/projected", s.handleInventoryProjected)
			r.Post("/{securityID}/pay-to-hold", s.handlePayToHold)
		})

		r.Route("/limits", func(r chi.Router) {
			r.Get("/", s.handleGetLimit)
			r.Post("/", s.handleSetLimit)
		})

		r.Route("/locates", func(r chi.Router) {
			r.Post("/", s.handleSubmitLocate)
			r.Get("/", s.handleListLocates)
			r.Get("/review", s.handleReviewQueue)
			r.Get("/{locateID}", s.handleGetLocate)
			r.Post("/{locateID}/claim", s.handleClaimLocate)
			r.Post("/{locateID}/decision", s.handleDecideLocate)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/validate", s.handleValidateOrder)
			r.Post("/{orderID}/cancel", s.handleCancelOrder)
			r.Post("/{orderID}/commit", s.handleCommitOrder)
		})

		r.Route("/reference", func(r chi.Router) {
			r.Get("/securities/{internalID}", s.handleGetSecurity)
			r.Get("/resolve", s.handleResolve)
		})

		r.Get("/market/price/{securityID}", s.handlePrice)

		if s.deps.Hub != nil {
			r.Get("/stream", s.deps.Hub.handleStream)
		}
	})
}

// Start begins serving; it blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
