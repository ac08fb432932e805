// Package presence derives one effective status per user from the registry's sessions.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/registry"
)

// SessionSource is the read side of the connection registry.
type SessionSource interface {
	SessionsForUser(userID string) []models.Session
}

// Listener receives a user's new presence and the status it replaced.
// Listeners run under the aggregator lock so they observe transitions in order; they must not block.
type Listener func(current models.UserPresence, previous models.PresenceStatus)

type Aggregator struct {
	mu        sync.Mutex
	source    SessionSource
	users     map[string]models.UserPresence
	listeners []Listener
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewAggregator(source SessionSource, l *zap.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		source:  source,
		users:   make(map[string]models.UserPresence),
		now:     time.Now,
		logger:  logger.OrNop(l),
		metrics: m,
	}
}

func (a *Aggregator) OnChange(l Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// HandleChange is a registry.Listener.
func (a *Aggregator) HandleChange(c registry.Change) {
	a.Recompute(c.Session.UserID)
}

// Recompute rebuilds the user's presence from the current sessions and reports
// whether the effective status changed.
func (a *Aggregator) Recompute(userID string) (models.UserPresence, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessions := a.source.SessionsForUser(userID)

	next := models.UserPresence{UserID: userID, Status: models.StatusOffline}
	statuses := make([]models.PresenceStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status)
		next.Sessions = append(next.Sessions, s.ID)
		if s.LastHeartbeatAt.After(next.LastSeen) {
			next.LastSeen = s.LastHeartbeatAt
		}
	}
	next.Status = models.Dominant(statuses...)

	prev, known := a.users[userID]
	previous := models.StatusOffline
	if known {
		previous = prev.Status
	}

	if len(sessions) == 0 {
		delete(a.users, userID)
		next.LastSeen = a.now()
	} else {
		a.users[userID] = next
	}

	if next.Status == previous {
		return next, false
	}

	a.metrics.PresenceChanged()
	a.logger.Debug("presence_changed",
		zap.String("user_id", userID),
		zap.String("from", string(previous)),
		zap.String("to", string(next.Status)),
	)
	for _, l := range a.listeners {
		l(next, previous)
	}
	return next, true
}

// Status returns the user's effective status. Unknown users are offline.
func (a *Aggregator) Status(userID string) models.PresenceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.users[userID]; ok {
		return p.Status
	}
	return models.StatusOffline
}

func (a *Aggregator) Presence(userID string) models.UserPresence {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.users[userID]; ok {
		p.Sessions = append([]string(nil), p.Sessions...)
		return p
	}
	return models.UserPresence{UserID: userID, Status: models.StatusOffline}
}

func (a *Aggregator) BulkStatus(userIDs []string) map[string]models.PresenceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]models.PresenceStatus, len(userIDs))
	for _, id := range userIDs {
		if p, ok := a.users[id]; ok {
			out[id] = p.Status
			continue
		}
		out[id] = models.StatusOffline
	}
	return out
}
