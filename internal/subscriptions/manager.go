// Package subscriptions binds sessions to topics, replays missed events on resume
// and tears subscriptions down with their session.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/registry"
)

const DefaultMailboxLimit = 1024

type SessionChecker interface {
	Exists(sessionID string) bool
}

// EventLog is the part of the fan-out the manager attaches subscriptions to.
type EventLog interface {
	Attach(topic string, since *uint64, sub fanout.Subscriber) (int, uint64, error)
	Detach(topic, subscriberID string)
}

type Config struct {
	MailboxLimit int
}

type Manager struct {
	mu        sync.Mutex
	bySession map[string]map[string]*Subscription

	sessions SessionChecker
	log      EventLog
	limit    int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewManager(sessions SessionChecker, log EventLog, cfg Config, l *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.MailboxLimit <= 0 {
		cfg.MailboxLimit = DefaultMailboxLimit
	}
	return &Manager{
		bySession: make(map[string]map[string]*Subscription),
		sessions:  sessions,
		log:       log,
		limit:     cfg.MailboxLimit,
		logger:    logger.OrNop(l),
		metrics:   m,
	}
}

// Subscribe attaches sessionID to topic. With since set, it blocks until every retained
// event after since has been delivered to sink; only then does it return the live handle.
func (m *Manager) Subscribe(ctx context.Context, sessionID, topic string, since *uint64, sink Sink) (*Subscription, error) {
	if err := models.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", errs.ErrInvalidArgument)
	}

	sub := newSubscription(uuid.New().String(), sessionID, topic, since, sink, m.limit)

	m.mu.Lock()
	if !m.sessions.Exists(sessionID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownSession, sessionID)
	}
	replayed, head, err := m.log.Attach(topic, since, sub)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, errs.ErrGapTooLarge) {
			m.logger.Info("replay_gap_too_large", zap.String("session_id", sessionID), zap.String("topic", topic), zap.Error(err))
		}
		return nil, err
	}
	sub.Head = head
	sub.Replayed = replayed
	if replayed == 0 {
		close(sub.replayDone)
	}
	subs, ok := m.bySession[sessionID]
	if !ok {
		subs = make(map[string]*Subscription)
		m.bySession[sessionID] = subs
	}
	subs[sub.ID] = sub
	m.mu.Unlock()

	m.metrics.SubscriptionOpened()
	go sub.pump(m.metrics.Delivered, func(dropped int) { m.finish(sub, dropped) })

	select {
	case <-sub.replayDone:
	case <-sub.done:
		return nil, fmt.Errorf("subscription closed during replay: %w", sub.Err())
	case <-ctx.Done():
		m.Unsubscribe(sub)
		return nil, ctx.Err()
	}

	m.logger.Debug("subscribed",
		zap.String("session_id", sessionID),
		zap.String("topic", topic),
		zap.String("subscription_id", sub.ID),
		zap.Int("replayed", replayed),
		zap.Uint64("head", head),
	)
	return sub, nil
}

// Unsubscribe closes sub. Calling it again, or on an already closed handle, does nothing.
// Events still queued for sub are dropped.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.close(nil) {
		return
	}
	m.log.Detach(sub.Topic, sub.ID)
}

// Lookup returns the session's subscription with the given id.
func (m *Manager) Lookup(sessionID, subscriptionID string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.bySession[sessionID][subscriptionID]
	return sub, ok
}

// DropSession closes every subscription held by sessionID.
func (m *Manager) DropSession(sessionID string) int {
	m.mu.Lock()
	subs := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	m.mu.Unlock()

	for _, sub := range subs {
		m.Unsubscribe(sub)
	}
	if len(subs) > 0 {
		m.logger.Debug("session_subscriptions_dropped", zap.String("session_id", sessionID), zap.Int("count", len(subs)))
	}
	return len(subs)
}

// HandleChange is a registry.Listener that cascades session removal.
func (m *Manager) HandleChange(c registry.Change) {
	if c.Type == registry.Removed {
		m.DropSession(c.Session.ID)
	}
}

// Count returns the number of open subscriptions held by sessionID.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession[sessionID])
}

// finish runs on the pump goroutine after sub stops.
func (m *Manager) finish(sub *Subscription, dropped int) {
	m.log.Detach(sub.Topic, sub.ID)

	m.mu.Lock()
	if subs, ok := m.bySession[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(m.bySession, sub.SessionID)
		}
	}
	m.mu.Unlock()

	m.metrics.SubscriptionClosed()
	m.metrics.Dropped(dropped)
	if reason := sub.Err(); errors.Is(reason, errs.ErrSlowConsumer) {
		m.metrics.SlowConsumer()
		m.logger.Warn("subscription_overflowed", zap.String("subscription_id", sub.ID), zap.String("topic", sub.Topic))
	}
	if dropped > 0 {
		m.logger.Debug("delivery_dropped", zap.String("subscription_id", sub.ID), zap.Int("events", dropped), zap.Error(errs.ErrDeliveryDropped))
	}
}
