// Package api exposes export sessions over HTTP: start, observe, cancel and
// exclude tracks while a session runs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
)

// Launcher builds the collaborators for a request and starts its session.
type Launcher interface {
	Launch(ctx context.Context, req StartRequest) (*pipeline.Session, error)
}

type LauncherFunc func(ctx context.Context, req StartRequest) (*pipeline.Session, error)

func (f LauncherFunc) Launch(ctx context.Context, req StartRequest) (*pipeline.Session, error) {
	return f(ctx, req)
}

// History reads persisted sessions. *store.Store implements it.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]store.SessionRecord, error)
	GetSessionIntervals(ctx context.Context, sessionID string) ([]store.TrackInterval, error)
}

type ServerConfig struct {
	Addr      string
	Version   string
	Launcher  Launcher
	History   History // optional
	Logger    *slog.Logger
	StartTime time.Time
}

// Registry holds the sessions started by this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*pipeline.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*pipeline.Session)}
}

func (r *Registry) Add(s *pipeline.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Get(id string) (*pipeline.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the sessions oldest first.
func (r *Registry) List() []*pipeline.Session {
	r.mu.RLock()
	out := make([]*pipeline.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// CancelAll asks every running session to stop.
func (r *Registry) CancelAll() {
	for _, s := range r.List() {
		s.Cancel()
	}
}

type Server struct {
	httpServer *http.Server
	registry   *Registry
	logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	reg := NewRegistry()
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg, reg),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		registry: reg,
		logger:   cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels running sessions and waits for
// them to finalize or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	s.registry.CancelAll()
	for _, sess := range s.registry.List() {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
