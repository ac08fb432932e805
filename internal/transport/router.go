// Package transport exposes the hub over HTTP and WebSocket.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/hub"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/protocol"
	"github.com/prudhvinik1/livesync/internal/registry"
)

type Options struct {
	// InternalKey guards the server-side endpoints. Empty disables them.
	InternalKey string
	// HeartbeatInterval is advertised to clients in the welcome frame.
	HeartbeatInterval time.Duration
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	// AccessLog enables chi's request logger.
	AccessLog bool
	Logger    *zap.Logger
}

type Server struct {
	hub    *hub.Hub
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
	wg    sync.WaitGroup
}

func NewServer(h *hub.Hub, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	s := &Server{
		hub:    h,
		opts:   opts,
		logger: logger.OrNop(opts.Logger),
		conns:  make(map[string]*wsConn),
	}
	h.Registry.OnChange(s.handleSessionChange)
	return s
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c.sessionID] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	if s.conns[c.sessionID] == c {
		delete(s.conns, c.sessionID)
	}
	s.mu.Unlock()
}

func (s *Server) conn(sessionID string) (*wsConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[sessionID]
	return c, ok
}

// handleSessionChange closes the socket of a session the sweep evicted.
func (s *Server) handleSessionChange(c registry.Change) {
	if c.Type != registry.Removed || c.Reason != registry.ReasonExpired {
		return
	}
	conn, ok := s.conn(c.Session.ID)
	if !ok {
		return
	}
	conn.logger.Info("session_evicted")
	conn.closeWith(protocol.ServerFrame{
		Type:    protocol.TypeError,
		Code:    protocol.CodeUnknownSession,
		Message: "session expired",
	})
}

// Close disconnects every WebSocket session and waits for their handlers to
// return. http.Server.Shutdown does not wait for hijacked connections.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	if s.opts.AccessLog {
		router.Use(middleware.Logger)
	}
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	metricsHandler := promhttp.Handler()
	if s.opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})
	}
	router.Handle("/metrics", metricsHandler)

	router.Get("/ws", s.handleWS)

	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/topics/{topic}/snapshot", s.handleSnapshot)
			r.Get("/users/{userID}/presence", s.handlePresence)
			r.Post("/presence/bulk", s.handleBulkPresence)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireInternalKey)
			r.Post("/publish", s.handlePublish)
			r.Post("/tokens", s.handleIssueToken)
			r.Get("/users/{userID}/sessions", s.handleUserSessions)
		})
	})

	return router
}
