// Package reconcile merges optimistic local writes with confirmed change events into
// one ordered view per topic.
package reconcile

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
)

const DefaultGracePeriod = 10 * time.Second

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateRemoved   State = "removed"
)

// Entity is the client's copy of one row. CreatedAt is its ordering key.
type Entity struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// FromRecord converts a snapshot row.
func FromRecord(table string, rec models.Record) Entity {
	raw, _ := json.Marshal(rec)
	return Entity{
		ID:            rec.ID.String(),
		Type:          table,
		CorrelationID: rec.CorrelationID,
		CreatedAt:     rec.CreatedAt,
		Payload:       raw,
	}
}

type Entry struct {
	Entity
	Topic string `json:"topic"`
	State State  `json:"state"`
	// EventID is the last change event applied to this entry, zero for local-only entries.
	EventID  uint64    `json:"event_id,omitempty"`
	QueuedAt time.Time `json:"queued_at,omitempty"`
}

type topicView struct {
	entries []Entry
	// applied maps entity id to the last applied event id. Deleted entities keep their entry as a tombstone.
	applied  map[string]uint64
	baseline uint64
	last     uint64
}

type Cache struct {
	mu     sync.Mutex
	grace  time.Duration
	now    func() time.Time
	topics map[string]*topicView
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. A zero grace period means DefaultGracePeriod.
func New(grace time.Duration, opts ...Option) *Cache {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	c := &Cache{
		grace:  grace,
		now:    time.Now,
		topics: make(map[string]*topicView),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) view(topic string) *topicView {
	v, ok := c.topics[topic]
	if !ok {
		v = &topicView{applied: make(map[string]uint64)}
		c.topics[topic] = v
	}
	return v
}

func before(a, b Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// insert places e after every entry that sorts before it.
func (v *topicView) insert(e Entry) {
	i := len(v.entries)
	for i > 0 && before(e.Entity, v.entries[i-1].Entity) {
		i--
	}
	v.entries = slices.Insert(v.entries, i, e)
}

func (v *topicView) indexByCorrelation(correlationID string, states ...State) int {
	if correlationID == "" {
		return -1
	}
	return slices.IndexFunc(v.entries, func(e Entry) bool {
		return e.CorrelationID == correlationID && slices.Contains(states, e.State)
	})
}

func (v *topicView) indexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(v.entries, func(e Entry) bool { return e.ID == id })
}

// ApplyOptimistic shows entity as pending until a matching event confirms it.
// Applying the same correlation id again replaces the pending entity.
func (c *Cache) ApplyOptimistic(topic, correlationID string, entity Entity) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now.UTC()
	}
	entity.CorrelationID = correlationID

	v := c.view(topic)
	if i := v.indexByCorrelation(correlationID, StatePending); i >= 0 {
		v.entries = slices.Delete(v.entries, i, i+1)
	}
	e := Entry{Entity: entity, Topic: topic, State: StatePending, QueuedAt: now}
	v.insert(e)
	return e
}

// ApplyConfirmed merges ev into the topic view. It reports false when ev was
// already applied, so applying an event twice leaves the view unchanged.
func (c *Cache) ApplyConfirmed(topic string, ev models.ChangeEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.view(topic)
	if ev.EventID <= v.baseline || ev.EventID <= v.applied[ev.EntityID] {
		return false
	}
	v.applied[ev.EntityID] = ev.EventID
	v.last = max(v.last, ev.EventID)

	entity := Entity{
		ID:            ev.EntityID,
		Type:          ev.EntityType,
		CorrelationID: ev.CorrelationID,
		CreatedAt:     ev.EntityCreatedAt,
		Payload:       ev.Payload,
	}

	if ev.Kind == models.KindDelete {
		if i := v.indexByID(ev.EntityID); i >= 0 {
			v.entries = slices.Delete(v.entries, i, i+1)
		}
		return true
	}

	confirmed := Entry{Entity: entity, Topic: topic, State: StateConfirmed, EventID: ev.EventID}

	if i := v.indexByCorrelation(ev.CorrelationID, StatePending); i >= 0 {
		v.entries[i] = confirmed
		v.dropDuplicates(i)
		return true
	}
	if i := v.indexByCorrelation(ev.CorrelationID, StateFailed); i >= 0 {
		v.entries = slices.Delete(v.entries, i, i+1)
	}

	if i := v.indexByID(ev.EntityID); i >= 0 {
		if v.entries[i].CreatedAt.Equal(entity.CreatedAt) {
			v.entries[i] = confirmed
			return true
		}
		v.entries = slices.Delete(v.entries, i, i+1)
	}
	v.insert(confirmed)
	return true
}

// dropDuplicates removes other entries carrying the id of entries[keep].
func (v *topicView) dropDuplicates(keep int) {
	id := v.entries[keep].ID
	out := v.entries[:0]
	for i, e := range v.entries {
		if i == keep || e.ID != id {
			out = append(out, e)
		}
	}
	clear(v.entries[len(out):])
	v.entries = out
}

// ReconcileSnapshot replaces the topic view with entities, which reflect the topic
// at least up to head. Pending entries whose correlation id appears in the snapshot
// are confirmed by it. Pending entries older than the grace period are returned as
// failed and stay visible. Younger pending entries are kept.
func (c *Cache) ReconcileSnapshot(topic string, entities []Entity, head uint64, now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.view(topic)
	next := &topicView{
		entries:  make([]Entry, 0, len(entities)),
		applied:  make(map[string]uint64),
		baseline: head,
		last:     max(head, old.last),
	}

	seen := make(map[string]bool, len(entities))
	for _, ent := range entities {
		if ent.CorrelationID != "" {
			seen[ent.CorrelationID] = true
		}
		next.entries = append(next.entries, Entry{Entity: ent, Topic: topic, State: StateConfirmed})
	}
	slices.SortStableFunc(next.entries, func(a, b Entry) int {
		switch {
		case before(a.Entity, b.Entity):
			return -1
		case before(b.Entity, a.Entity):
			return 1
		}
		return 0
	})

	var failed []Entry
	for _, e := range old.entries {
		if e.State != StatePending && e.State != StateFailed {
			continue
		}
		if seen[e.CorrelationID] {
			continue
		}
		if e.State == StatePending && now.Sub(e.QueuedAt) > c.grace {
			e.State = StateFailed
			failed = append(failed, e)
		}
		next.insert(e)
	}

	c.topics[topic] = next
	return failed
}

// Expire fails every pending entry queued longer than the grace period ago.
func (c *Cache) Expire(now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var failed []Entry
	for _, v := range c.topics {
		for i := range v.entries {
			e := &v.entries[i]
			if e.State == StatePending && now.Sub(e.QueuedAt) > c.grace {
				e.State = StateFailed
				failed = append(failed, *e)
			}
		}
	}
	return failed
}

// MarkFailed records an explicit send failure for a pending entry.
func (c *Cache) MarkFailed(topic, correlationID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.view(topic)
	i := v.indexByCorrelation(correlationID, StatePending)
	if i < 0 {
		return Entry{}, false
	}
	v.entries[i].State = StateFailed
	return v.entries[i], true
}

// Retract withdraws a pending entry. It disappears from the view.
func (c *Cache) Retract(topic, correlationID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.view(topic)
	i := v.indexByCorrelation(correlationID, StatePending)
	if i < 0 {
		return Entry{}, false
	}
	e := v.entries[i]
	e.State = StateRemoved
	v.entries = slices.Delete(v.entries, i, i+1)
	return e, true
}

// Discard drops a failed entry the user gave up on.
func (c *Cache) Discard(topic, correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.view(topic)
	i := v.indexByCorrelation(correlationID, StateFailed)
	if i < 0 {
		return false
	}
	v.entries = slices.Delete(v.entries, i, i+1)
	return true
}

// View returns a copy of the ordered entries of topic.
func (c *Cache) View(topic string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.topics[topic]
	if !ok {
		return []Entry{}
	}
	return slices.Clone(v.entries)
}

// LastEventID is the highest event id reflected in the topic view, the resume point for subscribe.
func (c *Cache) LastEventID(topic string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.topics[topic]; ok {
		return v.last
	}
	return 0
}
