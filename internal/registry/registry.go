// Package registry tracks attached client sessions, their declared presence and heartbeats.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
)

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
)

type ChangeType int

const (
	Added ChangeType = iota + 1
	Updated
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type Reason string

const (
	ReasonConnect    Reason = "connect"
	ReasonHeartbeat  Reason = "heartbeat"
	ReasonDisconnect Reason = "disconnect"
	ReasonExpired    Reason = "expired"
)

// Change describes one registry mutation. Session is a copy taken at mutation time.
type Change struct {
	Type    ChangeType
	Reason  Reason
	Session models.Session
}

// Listener is called after every mutation, outside the registry lock.
type Listener func(Change)

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

type Option func(*Registry)

// WithClock replaces time.Now. The clock must return values carrying a monotonic reading.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	byUser    map[string]map[string]struct{}
	listeners []Listener

	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config, opts ...Option) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	r := &Registry{
		sessions: make(map[string]*models.Session),
		byUser:   make(map[string]map[string]struct{}),
		timeout:  cfg.HeartbeatTimeout,
		interval: cfg.SweepInterval,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers l. Listeners should be registered before sessions connect.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Connect attaches a new session for userID. The session starts online.
func (r *Registry) Connect(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", errs.ErrInvalidArgument)
	}

	now := r.now()
	session := &models.Session{
		ID:              r.newID(),
		UserID:          userID,
		Status:          models.StatusOnline,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	ids, ok := r.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[userID] = ids
	}
	ids[session.ID] = struct{}{}
	listeners, count := r.listeners, len(r.sessions)
	snapshot := *session
	r.mu.Unlock()

	r.metrics.SetSessions(count)
	r.logger.Debug("session_connected", zap.String("session_id", snapshot.ID), zap.String("user_id", userID))
	notify(listeners, Change{Type: Added, Reason: ReasonConnect, Session: snapshot})
	return snapshot.ID, nil
}

// Heartbeat refreshes the session's liveness and declared status.
func (r *Registry) Heartbeat(sessionID string, status models.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", errs.ErrInvalidStatus, status)
	}

	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrUnknownSession, sessionID)
	}
	session.LastHeartbeatAt = r.now()
	session.Status = status
	listeners := r.listeners
	snapshot := *session
	r.mu.Unlock()

	notify(listeners, Change{Type: Updated, Reason: ReasonHeartbeat, Session: snapshot})
	return nil
}

// Disconnect removes the session immediately.
func (r *Registry) Disconnect(sessionID string) error {
	r.mu.Lock()
	session, ok := r.removeLocked(sessionID)
	listeners, count := r.listeners, len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownSession, sessionID)
	}

	r.metrics.SetSessions(count)
	r.logger.Debug("session_disconnected", zap.String("session_id", sessionID), zap.String("user_id", session.UserID))
	notify(listeners, Change{Type: Removed, Reason: ReasonDisconnect, Session: session})
	return nil
}

func (r *Registry) removeLocked(sessionID string) (models.Session, bool) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	delete(r.sessions, sessionID)
	if ids, ok := r.byUser[session.UserID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byUser, session.UserID)
		}
	}
	return *session, true
}

func (r *Registry) Get(sessionID string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return *session, true
}

func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// SessionsForUser returns a consistent copy of the user's sessions ordered by connect time.
func (r *Registry) SessionsForUser(userID string) []models.Session {
	r.mu.RLock()
	ids := r.byUser[userID]
	out := make([]models.Session, 0, len(ids))
	for id := range ids {
		out = append(out, *r.sessions[id])
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts every session whose last heartbeat is older than the timeout.
// Evictions are reported like disconnects, with ReasonExpired.
func (r *Registry) Sweep() []models.Session {
	now := r.now()

	r.mu.Lock()
	var evicted []models.Session
	for id, session := range r.sessions {
		if now.Sub(session.LastHeartbeatAt) > r.timeout {
			if s, ok := r.removeLocked(id); ok {
				evicted = append(evicted, s)
			}
		}
	}
	listeners, count := r.listeners, len(r.sessions)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	r.metrics.SetSessions(count)
	for _, s := range evicted {
		r.metrics.SessionEvicted()
		r.logger.Info("session_expired",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.Duration("idle", now.Sub(s.LastHeartbeatAt)),
		)
		notify(listeners, Change{Type: Removed, Reason: ReasonExpired, Session: s})
	}
	return evicted
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func notify(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}
