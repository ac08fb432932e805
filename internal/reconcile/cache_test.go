package reconcile

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache() (*Cache, *clock) {
	clk := &clock{t: base}
	return New(10*time.Second, WithClock(clk.now)), clk
}

func event(id uint64, kind models.ChangeKind, entityID, corr string, created time.Time) models.ChangeEvent {
	return models.ChangeEvent{
		EventID:         id,
		Topic:           models.TopicFeed,
		Kind:            kind,
		EntityType:      models.TablePosts,
		EntityID:        entityID,
		CorrelationID:   corr,
		Payload:         json.RawMessage(fmt.Sprintf(`{"id":%q}`, entityID)),
		EntityCreatedAt: created,
		OccurredAt:      created,
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestCache_OptimisticReplacedOnce(t *testing.T) {
	// ARRANGE
	cache, _ := newCache()
	require.True(t, cache.ApplyConfirmed("feed", event(1, models.KindInsert, "p1", "", base.Add(-time.Minute))))
	cache.ApplyOptimistic("feed", "abc", Entity{ID: "local-1", Type: models.TablePosts})
	before := cache.View("feed")
	require.Len(t, before, 2)
	assert.Equal(t, StatePending, before[1].State)

	// ACT
	applied := cache.ApplyConfirmed("feed", event(2, models.KindInsert, "p2", "abc", base.Add(time.Second)))

	// ASSERT
	require.True(t, applied)
	after := cache.View("feed")
	require.Len(t, after, 2)
	assert.Equal(t, []string{"p1", "p2"}, ids(after))
	assert.Equal(t, StateConfirmed, after[1].State)
	assert.Equal(t, uint64(2), after[1].EventID)
	assert.Equal(t, uint64(2), cache.LastEventID("feed"))
}

func TestCache_ReplacementKeepsPosition(t *testing.T) {
	cache, _ := newCache()
	cache.ApplyOptimistic("feed", "abc", Entity{ID: "local", CreatedAt: base})
	cache.ApplyConfirmed("feed", event(1, models.KindInsert, "later", "", base.Add(time.Second)))

	// Server timestamp differs from the local guess; position is preserved.
	cache.ApplyConfirmed("feed", event(2, models.KindInsert, "p1", "abc", base.Add(2*time.Second)))

	assert.Equal(t, []string{"p1", "later"}, ids(cache.View("feed")))
}

func TestCache_PendingExpiresToFailed(t *testing.T) {
	// ARRANGE
	cache, clk := newCache()
	cache.ApplyOptimistic("feed", "abc", Entity{ID: "local"})
	clk.advance(5 * time.Second)
	assert.Empty(t, cache.Expire(clk.now()))

	// ACT
	clk.advance(6 * time.Second)
	failed := cache.Expire(clk.now())

	// ASSERT
	require.Len(t, failed, 1)
	assert.Equal(t, "abc", failed[0].CorrelationID)
	view := cache.View("feed")
	require.Len(t, view, 1)
	assert.Equal(t, StateFailed, view[0].State)

	// failed is terminal
	_, ok := cache.MarkFailed("feed", "abc")
	assert.False(t, ok)
	_, ok = cache.Retract("feed", "abc")
	assert.False(t, ok)

	assert.True(t, cache.Discard("feed", "abc"))
	assert.Empty(t, cache.View("feed"))
}

func TestCache_ApplyTwiceIsIdempotent(t *testing.T) {
	cache, _ := newCache()
	events := []models.ChangeEvent{
		event(1, models.KindInsert, "a", "", base),
		event(2, models.KindInsert, "b", "", base.Add(time.Second)),
		event(3, models.KindUpdate, "a", "", base),
		event(4, models.KindDelete, "b", "", base.Add(time.Second)),
	}
	for _, ev := range events {
		cache.ApplyConfirmed("feed", ev)
	}
	once := cache.View("feed")

	for _, ev := range events {
		assert.False(t, cache.ApplyConfirmed("feed", ev), "event %d", ev.EventID)
	}

	assert.Equal(t, once, cache.View("feed"))
	assert.Equal(t, []string{"a"}, ids(once))
}

func TestCache_DeleteTombstoneBlocksStaleInsert(t *testing.T) {
	cache, _ := newCache()
	cache.ApplyConfirmed("feed", event(1, models.KindInsert, "a", "", base))
	cache.ApplyConfirmed("feed", event(2, models.KindDelete, "a", "", base))

	assert.False(t, cache.ApplyConfirmed("feed", event(1, models.KindInsert, "a", "", base)))
	assert.Empty(t, cache.View("feed"))
}

func TestCache_OrdersByCreationNotArrival(t *testing.T) {
	cache, _ := newCache()
	cache.ApplyConfirmed("feed", event(1, models.KindInsert, "c", "", base.Add(3*time.Second)))
	cache.ApplyConfirmed("feed", event(2, models.KindInsert, "a", "", base.Add(time.Second)))
	cache.ApplyConfirmed("feed", event(3, models.KindInsert, "b", "", base.Add(2*time.Second)))

	assert.Equal(t, []string{"a", "b", "c"}, ids(cache.View("feed")))
}

func TestCache_ReconcileSnapshot(t *testing.T) {
	// ARRANGE
	cache, clk := newCache()
	cache.ApplyConfirmed("feed", event(7, models.KindInsert, "gone", "", base))
	cache.ApplyOptimistic("feed", "old", Entity{ID: "l1"})
	cache.ApplyOptimistic("feed", "landed", Entity{ID: "l2"})
	clk.advance(8 * time.Second)
	cache.ApplyOptimistic("feed", "young", Entity{ID: "l3"})
	clk.advance(4 * time.Second)

	snapshot := []Entity{
		{ID: "s2", CorrelationID: "landed", CreatedAt: base.Add(2 * time.Second)},
		{ID: "s1", CreatedAt: base.Add(time.Second)},
	}

	// ACT
	failed := cache.ReconcileSnapshot("feed", snapshot, 40, clk.now())

	// ASSERT
	require.Len(t, failed, 1)
	assert.Equal(t, "old", failed[0].CorrelationID)

	view := cache.View("feed")
	assert.Equal(t, []string{"l1", "s1", "s2", "l3"}, ids(view))
	assert.Equal(t, StateFailed, view[0].State)
	assert.Equal(t, StatePending, view[3].State)
	assert.Equal(t, uint64(40), cache.LastEventID("feed"))

	// events already covered by the snapshot are skipped
	assert.False(t, cache.ApplyConfirmed("feed", event(40, models.KindInsert, "s3", "", base)))
	assert.True(t, cache.ApplyConfirmed("feed", event(41, models.KindInsert, "l3-server", "young", base.Add(20*time.Second))))
	assert.Len(t, cache.View("feed"), 4)
}

func TestCache_LateConfirmationSupersedesFailed(t *testing.T) {
	cache, clk := newCache()
	cache.ApplyOptimistic("feed", "abc", Entity{ID: "local"})
	clk.advance(time.Minute)
	cache.Expire(clk.now())

	cache.ApplyConfirmed("feed", event(1, models.KindInsert, "p1", "abc", base))

	view := cache.View("feed")
	require.Len(t, view, 1)
	assert.Equal(t, StateConfirmed, view[0].State)
}

func TestCache_RetractRemovesPending(t *testing.T) {
	cache, _ := newCache()
	cache.ApplyOptimistic("post:1", "like-1", Entity{ID: "like"})

	e, ok := cache.Retract("post:1", "like-1")

	require.True(t, ok)
	assert.Equal(t, StateRemoved, e.State)
	assert.Empty(t, cache.View("post:1"))
}

func TestCache_ViewIsACopy(t *testing.T) {
	cache, _ := newCache()
	cache.ApplyOptimistic("feed", "abc", Entity{ID: "x"})

	view := cache.View("feed")
	view[0].State = StateConfirmed

	assert.Equal(t, StatePending, cache.View("feed")[0].State)
}

func TestCache_NoDuplicatesUnderMixedSequences(t *testing.T) {
	cache, clk := newCache()
	var next uint64
	for i := 0; i < 50; i++ {
		corr := uuid.NewString()
		cache.ApplyOptimistic("feed", corr, Entity{ID: "local-" + corr})
		clk.advance(100 * time.Millisecond)
		if i%3 == 0 {
			continue
		}
		next++
		ev := event(next, models.KindInsert, fmt.Sprintf("p%d", i), corr, clk.now())
		cache.ApplyConfirmed("feed", ev)
		cache.ApplyConfirmed("feed", ev)
	}

	seen := map[string]bool{}
	for _, e := range cache.View("feed") {
		assert.False(t, seen[e.CorrelationID], "duplicate correlation id %s", e.CorrelationID)
		seen[e.CorrelationID] = true
	}
	assert.Len(t, seen, 50)
}

func TestFromRecord(t *testing.T) {
	rec := models.Record{ID: uuid.New(), Topic: "feed", CorrelationID: "c", CreatedAt: base, Payload: json.RawMessage(`{}`)}

	ent := FromRecord(models.TablePosts, rec)

	assert.Equal(t, rec.ID.String(), ent.ID)
	assert.Equal(t, "c", ent.CorrelationID)
	assert.True(t, ent.CreatedAt.Equal(base))
}
