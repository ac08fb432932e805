package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionRepository_Save tests mirroring a session with its user index
func TestSessionRepository_Save(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisSessionRepository(client, time.Minute, nil)
	ctx := context.Background()

	// ACT: Save a session
	now := time.Now().UTC().Truncate(time.Millisecond)
	session := &models.Session{
		ID:              "session-123",
		UserID:          "user-1",
		Status:          models.StatusAway,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	err := repo.Save(ctx, session)

	// ASSERT: Should succeed
	require.NoError(t, err)

	retrieved, err := repo.GetByID(ctx, "session-123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", retrieved.UserID)
	assert.Equal(t, models.StatusAway, retrieved.Status)

	// Verify secondary index was created
	sessions, err := repo.ListByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1, "User should have 1 session")
	assert.Equal(t, "session-123", sessions[0].ID)
}

// TestSessionRepository_Expiration tests the lazy cleanup of expired index entries
func TestSessionRepository_Expiration(t *testing.T) {
	client, mr := getTestRedisClient(t)
	short := NewRedisSessionRepository(client, time.Second, nil)
	long := NewRedisSessionRepository(client, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, short.Save(ctx, &models.Session{ID: "expired-session", UserID: "user-1"}))
	require.NoError(t, long.Save(ctx, &models.Session{ID: "valid-session", UserID: "user-1"}))

	// Let the first session expire
	mr.FastForward(2 * time.Second)

	// ACT: List sessions - should trigger lazy cleanup
	sessions, err := long.ListByUserID(ctx, "user-1")

	// ASSERT: Only the valid session remains
	require.NoError(t, err)
	require.Len(t, sessions, 1, "Should only have 1 valid session")
	assert.Equal(t, "valid-session", sessions[0].ID)

	members, err := client.SMembers(ctx, "user:user-1:sessions").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"valid-session"}, members)

	_, err = long.GetByID(ctx, "expired-session")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestSessionRepository_Delete tests removing a session and cleaning up the index
func TestSessionRepository_Delete(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisSessionRepository(client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.Session{ID: "session-to-delete", UserID: "user-1"}))

	// ACT
	err := repo.Delete(ctx, "session-to-delete")

	// ASSERT
	require.NoError(t, err)
	_, err = repo.GetByID(ctx, "session-to-delete")
	assert.ErrorIs(t, err, errs.ErrNotFound, "Session should be deleted")

	sessions, err := repo.ListByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions, "User should have no sessions")

	assert.ErrorIs(t, repo.Delete(ctx, "session-to-delete"), errs.ErrNotFound)
}

// getTestRedisClient returns a client bound to an in-process Redis that is torn down with the test
func getTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err(), "Failed to connect to test Redis")
	return client, mr
}
