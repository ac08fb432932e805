// Package hub owns the process-wide components and wires registry, presence,
// subscriptions and fan-out together. It is passed explicitly to the transport.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/presence"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/serial"
	"github.com/prudhvinik1/livesync/internal/services"
	"github.com/prudhvinik1/livesync/internal/subscriptions"
)

const effectTimeout = 5 * time.Second

// Deps are the components a Hub wires. The Redis repositories are optional.
type Deps struct {
	Registry      *registry.Registry
	Presence      *presence.Aggregator
	Fanout        *fanout.Fanout
	Subscriptions *subscriptions.Manager
	Writes        *services.WriteService
	Snapshots     *services.SnapshotService
	Auth          *services.AuthService

	Sessions     repositories.SessionRepository
	PresenceRepo repositories.PresenceRepository

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	Registry      *registry.Registry
	Presence      *presence.Aggregator
	Fanout        *fanout.Fanout
	Subscriptions *subscriptions.Manager
	Writes        *services.WriteService
	Snapshots     *services.SnapshotService
	Auth          *services.AuthService

	sessions     repositories.SessionRepository
	presenceRepo repositories.PresenceRepository
	effects      *serial.Queue
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// New registers the hub's listeners on the registry and the aggregator.
func New(d Deps) *Hub {
	h := &Hub{
		Registry:      d.Registry,
		Presence:      d.Presence,
		Fanout:        d.Fanout,
		Subscriptions: d.Subscriptions,
		Writes:        d.Writes,
		Snapshots:     d.Snapshots,
		Auth:          d.Auth,
		sessions:      d.Sessions,
		presenceRepo:  d.PresenceRepo,
		effects:       serial.New(),
		logger:        logger.OrNop(d.Logger),
		metrics:       d.Metrics,
	}

	h.Registry.OnChange(h.Presence.HandleChange)
	h.Registry.OnChange(h.handleSessionChange)
	h.Presence.OnChange(h.handlePresenceChange)
	return h
}

func (h *Hub) handleSessionChange(c registry.Change) {
	h.metrics.SetSessions(h.Registry.Len())

	if c.Type == registry.Removed {
		h.Subscriptions.DropSession(c.Session.ID)
		if h.Writes != nil {
			h.Writes.Forget(c.Session.ID)
		}
		if c.Reason == registry.ReasonExpired {
			h.logger.Info("session_expired", zap.String("session_id", c.Session.ID), zap.String("user_id", c.Session.UserID))
		}
	}

	if c.Type == registry.Updated && c.Reason == registry.ReasonHeartbeat {
		h.refreshPresence(c.Session.UserID)
	}

	if h.sessions == nil {
		return
	}
	session := c.Session
	h.effects.Submit("session:"+session.ID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		var err error
		switch {
		case c.Type == registry.Removed:
			err = h.sessions.Delete(ctx, session.ID)
		case !h.Registry.Exists(session.ID):
			// a heartbeat notified after the session was removed
			return
		default:
			err = h.sessions.Save(ctx, &session)
		}
		if err != nil {
			h.logger.Warn("session_mirror_failed", zap.String("session_id", session.ID), zap.String("change", c.Type.String()), zap.Error(err))
		}
	})
}

// handlePresenceChange runs under the aggregator lock, so the work is queued per user.
func (h *Hub) handlePresenceChange(current models.UserPresence, _ models.PresenceStatus) {
	p := current
	p.Sessions = append([]string(nil), current.Sessions...)

	h.effects.Submit("presence:"+p.UserID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		if h.presenceRepo != nil {
			if err := h.presenceRepo.SetPresence(ctx, &p); err != nil {
				h.logger.Warn("presence_persist_failed", zap.String("user_id", p.UserID), zap.Error(err))
			}
		}

		payload, err := json.Marshal(p)
		if err != nil {
			h.logger.Error("presence_encode_failed", zap.String("user_id", p.UserID), zap.Error(err))
			return
		}
		if _, err := h.Fanout.Publish(ctx, models.PresenceTopic(p.UserID), models.KindUpdate, models.EntityPresence, p.UserID, payload); err != nil {
			h.logger.Warn("presence_publish_failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	})
}

// refreshPresence rewrites the shared presence copy of a live user so it outlives
// its TTL. Nothing is published on the presence topic.
func (h *Hub) refreshPresence(userID string) {
	if h.presenceRepo == nil {
		return
	}
	h.effects.Submit("presence:"+userID, func() {
		p := h.Presence.Presence(userID)
		if p.Status == models.StatusOffline {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		if err := h.presenceRepo.SetPresence(ctx, &p); err != nil {
			h.logger.Warn("presence_refresh_failed", zap.String("user_id", userID), zap.Error(err))
		}
	})
}

// UserPresence returns the local view of userID, falling back to the shared
// store when no local session exists. It never fails.
func (h *Hub) UserPresence(ctx context.Context, userID string) models.UserPresence {
	local := h.Presence.Presence(userID)
	if local.Status != models.StatusOffline || h.presenceRepo == nil {
		return local
	}
	shared, err := h.presenceRepo.GetPresence(ctx, userID)
	if err != nil {
		h.logger.Warn("presence_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		return local
	}
	return *shared
}

// BulkStatus resolves many users at once, with the same fallback as UserPresence.
func (h *Hub) BulkStatus(ctx context.Context, userIDs []string) map[string]models.PresenceStatus {
	out := h.Presence.BulkStatus(userIDs)
	if h.presenceRepo == nil {
		return out
	}

	var missing []string
	for id, status := range out {
		if status == models.StatusOffline {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out
	}

	shared, err := h.presenceRepo.GetBulkPresence(ctx, missing)
	if err != nil {
		h.logger.Warn("bulk_presence_lookup_failed", zap.Int("users", len(missing)), zap.Error(err))
		return out
	}
	for id, p := range shared {
		out[id] = p.Status
	}
	return out
}

// UserSessions lists the mirrored sessions of userID across instances.
func (h *Hub) UserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	if h.sessions == nil {
		sessions := h.Registry.SessionsForUser(userID)
		out := make([]*models.Session, len(sessions))
		for i := range sessions {
			out[i] = &sessions[i]
		}
		return out, nil
	}
	return h.sessions.ListByUserID(ctx, userID)
}

// Run drives the registry sweep until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.Registry.Run(ctx)
}

// Close waits for queued side effects.
func (h *Hub) Close(ctx context.Context) error {
	return h.effects.Close(ctx)
}

// Flush waits until no side effects are queued. Used by tests and shutdown.
func (h *Hub) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for h.effects.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
