package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	// offline entries only carry last-seen, so they outlive live ones
	offlinePresenceTTL = 7 * 24 * time.Hour
)

type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresenceRepository keeps online and away entries for ttl; the owning instance
// refreshes them on every heartbeat.
func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.UserPresence) error {
	if presence.LastSeen.IsZero() {
		presence.LastSeen = time.Now()
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	ttl := r.ttl
	if presence.Status == models.StatusOffline {
		ttl = offlinePresenceTTL
	}
	if err := r.client.Set(ctx, presenceKey(presence.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// GetPresence never reports not-found: a missing entry means offline with an unknown last-seen.
func (r *RedisPresenceRepository) GetPresence(ctx context.Context, userID string) (*models.UserPresence, error) {
	data, err := r.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return offline(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.UserPresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &presence, nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// GetBulkPresence retrieves presence for many users in one round trip.
func (r *RedisPresenceRepository) GetBulkPresence(ctx context.Context, userIDs []string) (map[string]models.UserPresence, error) {
	presenceMap := make(map[string]models.UserPresence, len(userIDs))
	if len(userIDs) == 0 {
		return presenceMap, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	for i, result := range results {
		userID := userIDs[i]
		data, ok := result.(string)
		if !ok {
			presenceMap[userID] = *offline(userID)
			continue
		}

		var presence models.UserPresence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			presenceMap[userID] = *offline(userID)
			continue
		}
		presenceMap[userID] = presence
	}
	return presenceMap, nil
}

func offline(userID string) *models.UserPresence {
	return &models.UserPresence{UserID: userID, Status: models.StatusOffline}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}
