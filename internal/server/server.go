// Package server exposes the consultant personas over an HTTP JSON API.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stellarlinkco/consultant/internal/consult"
	"github.com/stellarlinkco/consultant/internal/persona"
	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stellarlinkco/consultant/internal/store"
)

// Consulter runs consultation turns for one persona.
type Consulter interface {
	Persona() persona.Persona
	Process(ctx context.Context, req consult.Request) consult.Response
}

// PlanReader is the read side of the plan store.
type PlanReader interface {
	ListConsultations(ctx context.Context, email string, limit int) ([]store.Plan, error)
	ChatHistory(ctx context.Context, consultationID int64) ([]store.ChatRecord, error)
}

type Options struct {
	Consulters []Consulter
	Classifier *stage.Classifier
	Store      PlanReader
	Origins    []string
	Name       string
	Version    string
}

type Server struct {
	consulters []Consulter
	classifier *stage.Classifier
	store      PlanReader
	validate   *validator.Validate
	origins    map[string]struct{}
	name       string
	version    string
	handler    http.Handler
	server     *http.Server
}

func New(opts Options) (*Server, error) {
	s := &Server{
		consulters: opts.Consulters,
		classifier: opts.Classifier,
		store:      opts.Store,
		validate:   validator.New(),
		origins:    make(map[string]struct{}, len(opts.Origins)),
		name:       opts.Name,
		version:    opts.Version,
	}
	if s.classifier == nil {
		s.classifier = stage.Default()
	}
	if s.name == "" {
		s.name = "consultant"
	}
	for _, o := range opts.Origins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[o] = struct{}{}
		}
	}

	mux := http.NewServeMux()
	seen := make(map[string]string)
	for _, c := range s.consulters {
		p := c.Persona()
		if p.Endpoint == "" || !strings.HasPrefix(p.Endpoint, "/") {
			return nil, fmt.Errorf("persona %s: invalid endpoint %q", p.ID, p.Endpoint)
		}
		if other, dup := seen[p.Endpoint]; dup {
			return nil, fmt.Errorf("endpoint %s used by %s and %s", p.Endpoint, other, p.ID)
		}
		seen[p.Endpoint] = p.ID
		mux.Handle("POST "+p.Endpoint, s.handleConsult(c))
	}
	mux.HandleFunc("POST /classify", s.handleClassify)
	mux.HandleFunc("GET /consultations", s.handleListConsultations)
	mux.HandleFunc("GET /consultations/{id}/messages", s.handleChatHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)

	s.handler = s.corsMiddleware(mux)
	return s, nil
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[server] listening on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] error: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) isAllowedOrigin(origin string) bool {
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Vary", "Origin")
			if s.isAllowedOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			if origin != "" && !s.isAllowedOrigin(origin) {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
