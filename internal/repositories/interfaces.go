package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/prudhvinik1/livesync/internal/models"
)

// RecordRepository is the data-store contract used by client writes and snapshot reads.
type RecordRepository interface {
	Insert(ctx context.Context, rec *models.Record) error
	Update(ctx context.Context, table string, id uuid.UUID, payload json.RawMessage) (*models.Record, error)
	Delete(ctx context.Context, table string, id uuid.UUID) error
	ListByTopic(ctx context.Context, table, topic string, limit int) ([]*models.Record, error)
}

// SessionRepository mirrors live registry sessions for other instances and operators.
type SessionRepository interface {
	Save(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.UserPresence) error
	GetPresence(ctx context.Context, userID string) (*models.UserPresence, error)
	DeletePresence(ctx context.Context, userID string) error
	GetBulkPresence(ctx context.Context, userIDs []string) (map[string]models.UserPresence, error)
}

// EventLogRepository persists per-topic counters and retained change events.
type EventLogRepository interface {
	Load(topic string) (uint64, []models.ChangeEvent, error)
	Append(ev models.ChangeEvent) error
	Compact(topic string, floor uint64) error
	Close() error
}

var (
	_ RecordRepository   = (*PostgresRecordRepository)(nil)
	_ SessionRepository  = (*RedisSessionRepository)(nil)
	_ PresenceRepository = (*RedisPresenceRepository)(nil)
	_ EventLogRepository = (*PebbleEventLogRepository)(nil)
)
