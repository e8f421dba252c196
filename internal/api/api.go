// Package api provides the HTTP server for CheckIn.
//
// It exposes session creation, turn processing and the session lifecycle as
// JSON endpoints, routed with gorilla/mux, on top of the flow service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CheckIn/internal/flow"
	"github.com/BTreeMap/CheckIn/internal/models"
)

// Server defaults.
const (
	DefaultServerAddress   = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultMaxBodyBytes bounds request bodies; raw vision frames can be large.
	DefaultMaxBodyBytes = 4 << 20
)

// SessionService is the flow surface the handlers need. *flow.Service implements it.
type SessionService interface {
	CreateSession(ctx context.Context, name string) (flow.SessionView, error)
	GetSession(ctx context.Context, id string) (flow.SessionView, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	ProcessTurn(ctx context.Context, in flow.TurnInput) (models.TurnResult, error)
	ProcessMedia(ctx context.Context, in flow.MediaInput) (models.TurnResult, error)
	EndSession(ctx context.Context, id string) (flow.SessionView, error)
	ResumeSession(ctx context.Context, id string) (flow.SessionView, error)
	Summary(ctx context.Context, id string) (models.Summary, error)
	Turns(ctx context.Context, id string) ([]models.Turn, error)
	Triggers(ctx context.Context, id string) ([]models.TriggerEvent, error)
}

// Compile-time check that the flow service satisfies the handlers.
var _ SessionService = (*flow.Service)(nil)

// Opts holds configuration for the API server.
type Opts struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTimeouts sets the HTTP read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(o *Opts) {
		o.ReadTimeout = read
		o.WriteTimeout = write
	}
}

// WithMaxBodyBytes bounds request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) { o.MaxBodyBytes = n }
}

// Server serves the CheckIn HTTP API.
type Server struct {
	svc    SessionService
	opts   Opts
	router *mux.Router
}

// NewServer builds a server. The address falls back to API_ADDR, then DefaultServerAddress.
func NewServer(svc SessionService, opts ...Option) *Server {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("API_ADDR")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{svc: svc, opts: cfg}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.opts.Addr }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limitBody)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.createSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.listSessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/turns", s.turnHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/turns", s.listTurnsHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/media", s.mediaHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", s.endSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/resume", s.resumeSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/summary", s.summaryHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/triggers", s.listTriggersHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
