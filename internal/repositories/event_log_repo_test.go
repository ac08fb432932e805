package repositories

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPebble(t *testing.T, fs vfs.FS) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("eventlog", &pebble.Options{FS: fs})
	require.NoError(t, err)
	return db
}

func event(topic string, id uint64) models.ChangeEvent {
	return models.ChangeEvent{
		EventID:    id,
		Topic:      topic,
		Kind:       models.KindInsert,
		EntityType: "posts",
		EntityID:   "p",
		OccurredAt: time.Unix(int64(id), 0).UTC(),
	}
}

func TestEventLogRepository_AppendLoad(t *testing.T) {
	repo := NewPebbleEventLogRepository(openTestPebble(t, vfs.NewMem()), nil)
	defer repo.Close()

	// a topic that is a prefix of another must not see its neighbour's events
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, repo.Append(event("group:g", id)))
	}
	require.NoError(t, repo.Append(event("group:g1", 1)))

	last, events, err := repo.Load("group:g")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].EventID)
	assert.Equal(t, uint64(3), events[2].EventID)

	last, events, err = repo.Load("group:g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
	assert.Len(t, events, 1)

	last, events, err = repo.Load("unknown")
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.Empty(t, events)
}

func TestEventLogRepository_OrdersPastByteBoundaries(t *testing.T) {
	repo := NewPebbleEventLogRepository(openTestPebble(t, vfs.NewMem()), nil)
	defer repo.Close()

	for _, id := range []uint64{255, 256, 257} {
		require.NoError(t, repo.Append(event("feed", id)))
	}
	_, events, err := repo.Load("feed")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []uint64{255, 256, 257}, []uint64{events[0].EventID, events[1].EventID, events[2].EventID})
}

func TestEventLogRepository_CompactKeepsCounter(t *testing.T) {
	fs := vfs.NewMem()
	repo := NewPebbleEventLogRepository(openTestPebble(t, fs), nil)

	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, repo.Append(event("feed", id)))
	}
	require.NoError(t, repo.Compact("feed", 8))
	require.NoError(t, repo.Close())

	// ACT: reopen on the same filesystem
	reopened := NewPebbleEventLogRepository(openTestPebble(t, fs), nil)
	defer reopened.Close()
	last, events, err := reopened.Load("feed")

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(8), events[0].EventID)

	require.NoError(t, reopened.Compact("feed", 11))
	last, events, err = reopened.Load("feed")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
	assert.Empty(t, events)
}
