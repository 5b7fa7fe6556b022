// Package server is the HTTP/WS Facade component (C8): a thin boundary
// that converts external protocol events into internal calls, with no
// business logic of its own. Built on chi + go-chi/cors the way the
// teacher's own HTTP server is, right down to the middleware stack.
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

	"github.com/aristath/patterns-realtime/internal/di"
)

// Config configures the HTTP server.
type Config struct {
	Port      int
	Container *di.Container
	Log       zerolog.Logger
	DevMode   bool
}

// Server wraps an *http.Server with the engine's route table.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// New builds a Server with every route wired, but does not start listening.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Log))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.DevMode),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{container: cfg.Container, log: cfg.Log}

	r.Route("/pattern-realtime", func(r chi.Router) {
		r.Post("/run", h.runJob)
		r.Get("/job/{id}", h.getJob)
		r.Post("/job/{id}/cancel", h.cancelJob)
		r.Get("/performance", h.performance)
		r.Get("/history", h.history)
		r.Get("/workers", h.workers)
	})
	r.Get("/ws/pattern-realtime", h.websocket)
	r.Get("/system/health", h.systemHealth)

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: cfg.Log,
	}
}

func allowedOrigins(devMode bool) []string {
	if devMode {
		return []string{"*"}
	}
	return []string{"https://*"}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
