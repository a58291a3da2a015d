// Package api exposes the retrieval core over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mwhited/paperrag/internal/config"
	"github.com/mwhited/paperrag/internal/processor"
	"github.com/mwhited/paperrag/internal/retriever"
)

// Server is the HTTP API server for paperrag.
type Server struct {
	router chi.Router
	ret    *retriever.Retriever
	proc   *processor.Processor
	log    *slog.Logger
	cfg    config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(ret *retriever.Retriever, proc *processor.Processor, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		ret:  ret,
		proc: proc,
		log:  log,
		cfg:  cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Get("/api/ready", s.handleReady)
		r.Post("/api/retrieve", s.handleRetrieve)
		r.Post("/api/retrieve/context", s.handleRetrieveContext)

		r.Post("/api/documents", s.handleAddDocument)
		r.Post("/api/documents/{docID}/process", s.handleProcessDocument)

		r.Get("/api/cache", s.handleCacheInfo)
		r.Delete("/api/cache", s.handleClearCache)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
