// Package fanout sequences change events per topic, retains a bounded trailing log
// and pushes each event to the live subscribers of its topic.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
)

const DefaultRetentionCount = 1000

// EventStore persists the per-topic counter and retained events so ids survive restarts.
type EventStore interface {
	// Load returns the last id ever assigned on topic and the retained events in id order.
	Load(topic string) (uint64, []models.ChangeEvent, error)
	// Append stores ev and advances the topic counter to ev.EventID atomically.
	Append(ev models.ChangeEvent) error
	// Compact drops events of topic with an id below floor.
	Compact(topic string, floor uint64) error
}

// Subscriber receives events for one topic in id order.
type Subscriber interface {
	SubscriberID() string
	// Replay hands over the retained backlog before the subscriber goes live.
	Replay(events []models.ChangeEvent)
	// Enqueue hands over one live event. Returning false detaches the subscriber.
	Enqueue(ev models.ChangeEvent) bool
}

type Config struct {
	RetentionCount  int
	RetentionWindow time.Duration
}

type Fanout struct {
	mu     sync.Mutex
	topics map[string]*topicLog

	store   EventStore
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// topicLog is the single sequencer for one topic. Every field is guarded by mu.
type topicLog struct {
	mu      sync.Mutex
	name    string
	loaded  bool
	removed bool
	last    uint64
	events  []models.ChangeEvent
	subs    map[string]Subscriber
}

func New(store EventStore, cfg Config, l *zap.Logger, m *metrics.Metrics) *Fanout {
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	return &Fanout{
		topics:  make(map[string]*topicLog),
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.OrNop(l),
		metrics: m,
	}
}

// acquire returns the loaded log for topic with its lock held.
func (f *Fanout) acquire(topic string) (*topicLog, error) {
	for {
		f.mu.Lock()
		tl, ok := f.topics[topic]
		if !ok {
			tl = &topicLog{name: topic, subs: make(map[string]Subscriber)}
			f.topics[topic] = tl
		}
		f.mu.Unlock()

		tl.mu.Lock()
		if tl.removed {
			tl.mu.Unlock()
			continue
		}
		if !tl.loaded {
			last, events, err := f.store.Load(topic)
			if err != nil {
				tl.mu.Unlock()
				return nil, fmt.Errorf("failed to load topic %s: %w", topic, err)
			}
			tl.last, tl.events, tl.loaded = last, events, true
			f.compactLocked(tl, f.now())
		}
		return tl, nil
	}
}

// Publish sequences a change on topic. It is the server-side publish operation.
func (f *Fanout) Publish(ctx context.Context, topic string, kind models.ChangeKind, entityType, entityID string, payload json.RawMessage) (models.ChangeEvent, error) {
	return f.PublishChange(ctx, models.Change{
		Topic:      topic,
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
}

// PublishChange assigns the next event id for the topic, persists the event and
// enqueues it for every live subscriber before releasing the topic.
func (f *Fanout) PublishChange(ctx context.Context, c models.Change) (models.ChangeEvent, error) {
	if err := models.ValidateTopic(c.Topic); err != nil {
		return models.ChangeEvent{}, err
	}
	if !c.Kind.Valid() {
		return models.ChangeEvent{}, fmt.Errorf("%w: kind %q", errs.ErrInvalidArgument, c.Kind)
	}
	if err := ctx.Err(); err != nil {
		return models.ChangeEvent{}, err
	}
	c.FillFromPayload()

	tl, err := f.acquire(c.Topic)
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("%w: %v", errs.ErrPublishRejected, err)
	}
	defer tl.mu.Unlock()

	now := f.now()
	ev := models.ChangeEvent{
		EventID:         tl.last + 1,
		Topic:           c.Topic,
		Kind:            c.Kind,
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		CorrelationID:   c.CorrelationID,
		Payload:         c.Payload,
		EntityCreatedAt: c.EntityCreatedAt,
		OccurredAt:      now.UTC(),
	}
	if ev.EntityCreatedAt.IsZero() {
		ev.EntityCreatedAt = ev.OccurredAt
	}

	if err := f.store.Append(ev); err != nil {
		f.logger.Error("event_append_failed", zap.String("topic", c.Topic), zap.Uint64("event_id", ev.EventID), zap.Error(err))
		return models.ChangeEvent{}, fmt.Errorf("%w: %v", errs.ErrPublishRejected, err)
	}
	tl.last = ev.EventID
	tl.events = append(tl.events, ev)
	f.compactLocked(tl, now)

	for id, sub := range tl.subs {
		if !sub.Enqueue(ev) {
			delete(tl.subs, id)
			f.logger.Warn("subscriber_detached", zap.String("topic", c.Topic), zap.String("subscription_id", id))
		}
	}

	f.metrics.Published(string(ev.Kind))
	return ev, nil
}

// Attach makes sub live on topic. With a non-nil since, every retained event after
// since is replayed to sub first, inside the same critical section as the registration.
// It returns the replay size and the topic head at attach time.
func (f *Fanout) Attach(topic string, since *uint64, sub Subscriber) (int, uint64, error) {
	if err := models.ValidateTopic(topic); err != nil {
		return 0, 0, err
	}
	tl, err := f.acquire(topic)
	if err != nil {
		return 0, 0, err
	}
	defer tl.mu.Unlock()

	var replay []models.ChangeEvent
	if since != nil {
		replay, err = tl.after(*since)
		if err != nil {
			f.metrics.Gap()
			return 0, 0, err
		}
		sub.Replay(replay)
		f.metrics.ReplayedEvents(len(replay))
	}

	tl.subs[sub.SubscriberID()] = sub
	return len(replay), tl.last, nil
}

// after returns the retained events with id > since.
func (tl *topicLog) after(since uint64) ([]models.ChangeEvent, error) {
	if since > tl.last {
		return nil, fmt.Errorf("%w: since %d is ahead of head %d on %s", errs.ErrGapTooLarge, since, tl.last, tl.name)
	}
	if since == tl.last {
		return nil, nil
	}
	floor := tl.floor()
	if since+1 < floor {
		return nil, fmt.Errorf("%w: since %d below retained floor %d on %s", errs.ErrGapTooLarge, since, floor, tl.name)
	}

	start := int(since + 1 - floor)
	out := make([]models.ChangeEvent, len(tl.events)-start)
	copy(out, tl.events[start:])
	return out, nil
}

// floor is the lowest retained id, or last+1 when nothing is retained.
func (tl *topicLog) floor() uint64 {
	if len(tl.events) == 0 {
		return tl.last + 1
	}
	return tl.events[0].EventID
}

// Detach removes a subscriber. Unknown topics or ids are ignored.
func (f *Fanout) Detach(topic, subscriberID string) {
	f.mu.Lock()
	tl, ok := f.topics[topic]
	f.mu.Unlock()
	if !ok {
		return
	}

	tl.mu.Lock()
	delete(tl.subs, subscriberID)
	tl.mu.Unlock()
}

// Head returns the last event id assigned on topic.
func (f *Fanout) Head(topic string) (uint64, error) {
	if err := models.ValidateTopic(topic); err != nil {
		return 0, err
	}
	tl, err := f.acquire(topic)
	if err != nil {
		return 0, err
	}
	defer tl.mu.Unlock()
	return tl.last, nil
}

// Retained returns a copy of the events currently kept for topic.
func (f *Fanout) Retained(topic string) ([]models.ChangeEvent, error) {
	tl, err := f.acquire(topic)
	if err != nil {
		return nil, err
	}
	defer tl.mu.Unlock()
	return append([]models.ChangeEvent(nil), tl.events...), nil
}

// Compact applies the retention window to every loaded topic and unloads topics
// that have neither subscribers nor retained events. It returns the number of events dropped.
func (f *Fanout) Compact(now time.Time) int {
	f.mu.Lock()
	logs := make([]*topicLog, 0, len(f.topics))
	for _, tl := range f.topics {
		logs = append(logs, tl)
	}
	f.mu.Unlock()

	total := 0
	for _, tl := range logs {
		tl.mu.Lock()
		if tl.loaded && !tl.removed {
			total += f.compactLocked(tl, now)
			if len(tl.subs) == 0 && len(tl.events) == 0 {
				tl.removed = true
				f.mu.Lock()
				delete(f.topics, tl.name)
				f.mu.Unlock()
			}
		}
		tl.mu.Unlock()
	}

	if total > 0 {
		f.logger.Info("event_log_compacted", zap.Int("dropped", total), zap.Int("topics", len(logs)))
	}
	return total
}

func (f *Fanout) compactLocked(tl *topicLog, now time.Time) int {
	drop := 0
	if excess := len(tl.events) - f.cfg.RetentionCount; excess > 0 {
		drop = excess
	}
	if f.cfg.RetentionWindow > 0 {
		cutoff := now.Add(-f.cfg.RetentionWindow)
		for drop < len(tl.events) && tl.events[drop].OccurredAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return 0
	}

	n := copy(tl.events, tl.events[drop:])
	clear(tl.events[n:])
	tl.events = tl.events[:n]
	if err := f.store.Compact(tl.name, tl.floor()); err != nil {
		f.logger.Warn("event_store_compact_failed", zap.String("topic", tl.name), zap.Error(err))
	}
	f.metrics.Compacted(drop)
	return drop
}
