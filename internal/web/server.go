// Package web exposes the orchestrator over HTTP: a small JSON API for
// session lifecycle, an SSE stream of state transitions, and a websocket
// terminal bridge per session.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/orchestrator"
	"github.com/nadavbarak14/agentboard/internal/session"
)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	ReadOnly   bool
}

// Core is the orchestrator surface the web layer drives.
// *orchestrator.Orchestrator satisfies it.
type Core interface {
	CreateSession(in orchestrator.CreateInput) (*session.Session, error)
	ContinueSession(id string) (*orchestrator.ContinueResult, error)
	KillSession(id string) bool
	SendInput(id string, data []byte) bool
	ResizeSession(id string, cols, rows int)
	AddComment(sessionID, body string) error
	DeleteSession(id string) error
	SetLocked(id string, v bool) error
	AddListener(orchestrator.Listener)
	AddDataListener(orchestrator.DataListener)
}

// SessionReader is the read-only repository slice the API needs.
type SessionReader interface {
	GetSession(id string) (*session.Session, error)
	ListSessions(status session.Status) ([]*session.Session, error)
}

// Server wraps an HTTP server bridging browsers to the orchestrator.
type Server struct {
	cfg        Config
	core       Core
	repo       SessionReader
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	subMu      sync.Mutex
	notifySubs map[chan orchestrator.Notification]struct{}
	termSubs   map[string]map[chan []byte]struct{}
}

// NewServer creates a server with routes wired and orchestrator listeners
// registered.
func NewServer(cfg Config, core Core, repo SessionReader) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8791"
	}

	s := &Server{
		cfg:        cfg,
		core:       core,
		repo:       repo,
		notifySubs: make(map[chan orchestrator.Notification]struct{}),
		termSubs:   make(map[string]map[chan []byte]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	core.AddListener(s.fanoutNotification)
	core.AddDataListener(s.fanoutTermData)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/", s.handleSessionByID)
	mux.HandleFunc("/events/sessions", s.handleSessionEvents)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks until shutdown or listen error. Returns nil on graceful
// shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, force-closing long-lived SSE/websocket
// connections that outlive the graceful deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompWeb).Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- Fan-out from orchestrator listeners to connected clients ---

func (s *Server) fanoutNotification(n orchestrator.Notification) {
	s.subMu.Lock()
	for ch := range s.notifySubs {
		select {
		case ch <- n:
		default: // slow subscriber drops transitions; next snapshot catches up
		}
	}
	s.subMu.Unlock()
}

func (s *Server) fanoutTermData(sessionID string, data []byte) {
	s.subMu.Lock()
	for ch := range s.termSubs[sessionID] {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Server) subscribeNotifications() chan orchestrator.Notification {
	ch := make(chan orchestrator.Notification, 16)
	s.subMu.Lock()
	s.notifySubs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribeNotifications(ch chan orchestrator.Notification) {
	s.subMu.Lock()
	delete(s.notifySubs, ch)
	s.subMu.Unlock()
}

func (s *Server) subscribeTermData(sessionID string) chan []byte {
	ch := make(chan []byte, 64)
	s.subMu.Lock()
	if s.termSubs[sessionID] == nil {
		s.termSubs[sessionID] = make(map[chan []byte]struct{})
	}
	s.termSubs[sessionID][ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribeTermData(sessionID string, ch chan []byte) {
	s.subMu.Lock()
	if subs := s.termSubs[sessionID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(s.termSubs, sessionID)
		}
	}
	s.subMu.Unlock()
}
