// Package changefeed turns Postgres NOTIFY messages from the record tables into fan-out events.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/models"
)

// Channel is the NOTIFY channel written by the notify_live_change trigger.
const Channel = "live_changes"

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

type Publisher interface {
	PublishChange(ctx context.Context, c models.Change) (models.ChangeEvent, error)
}

// RowLoader fetches the current row named by a notification.
// *repositories.PostgresRecordRepository implements it.
type RowLoader interface {
	Get(ctx context.Context, table string, id uuid.UUID) (*models.Record, error)
}

// Conn is a dedicated connection able to LISTEN. *pgx.Conn implements it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// AcquireFunc hands out a connection and the func that returns it.
type AcquireFunc func(ctx context.Context) (Conn, func(), error)

// PoolAcquirer takes the LISTEN connection out of a pgx pool. The connection is
// hijacked so a LISTEN registration never leaks back into the pool.
func PoolAcquirer(pool *pgxpool.Pool) AcquireFunc {
	return func(ctx context.Context) (Conn, func(), error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		conn := c.Hijack()
		return conn, func() { conn.Close(context.Background()) }, nil
	}
}

type notification struct {
	Table         string          `json:"table"`
	Op            string          `json:"op"`
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Row           json.RawMessage `json:"row"`
}

// Decode parses a notify_live_change payload. The trigger sends keys only; a
// payload that still inlines the row is accepted as is.
func Decode(payload string) (models.Change, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return models.Change{}, fmt.Errorf("%w: malformed notification: %v", errs.ErrInvalidArgument, err)
	}

	kind := models.ChangeKind(n.Op)
	if !kind.Valid() {
		return models.Change{}, fmt.Errorf("%w: op %q", errs.ErrInvalidArgument, n.Op)
	}
	if n.Topic == "" || n.ID == "" {
		return models.Change{}, fmt.Errorf("%w: notification without topic or id", errs.ErrInvalidArgument)
	}

	change := models.Change{
		Topic:           n.Topic,
		Kind:            kind,
		EntityType:      n.Table,
		EntityID:        n.ID,
		CorrelationID:   n.CorrelationID,
		EntityCreatedAt: n.CreatedAt,
	}
	if len(n.Row) > 0 && string(n.Row) != "null" {
		change.Payload = n.Row
	}
	return change, nil
}

type Listener struct {
	acquire   AcquireFunc
	publisher Publisher
	rows      RowLoader
	logger    *zap.Logger
}

// NewListener builds a listener. rows may be nil, in which case events carry
// only what the notification itself holds.
func NewListener(acquire AcquireFunc, publisher Publisher, rows RowLoader, l *zap.Logger) *Listener {
	return &Listener{acquire: acquire, publisher: publisher, rows: rows, logger: logger.OrNop(l)}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff.
// Notifications sent while disconnected are lost; clients recover them through snapshot refetch.
func (l *Listener) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		listened, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listened {
			backoff = minBackoff
		}
		l.logger.Warn("changefeed_disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// listen reports whether LISTEN succeeded before the connection failed.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	conn, release, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("failed to listen: %w", err)
	}
	l.logger.Info("changefeed_listening", zap.String("channel", Channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.Handle(ctx, n.Payload)
	}
}

// Handle publishes one notification payload. Bad payloads are logged and skipped.
func (l *Listener) Handle(ctx context.Context, payload string) {
	change, err := Decode(payload)
	if err != nil {
		l.logger.Warn("changefeed_bad_payload", zap.Error(err))
		return
	}
	if !l.loadRow(ctx, &change) {
		return
	}

	ev, err := l.publisher.PublishChange(ctx, change)
	if err != nil {
		l.logger.Error("changefeed_publish_failed",
			zap.String("topic", change.Topic),
			zap.String("entity_id", change.EntityID),
			zap.Error(err),
		)
		return
	}
	l.logger.Debug("changefeed_published", zap.String("topic", ev.Topic), zap.Uint64("event_id", ev.EventID))
}

// loadRow fills the payload of an insert or update from the record table. It
// reports false when the row is already gone; its delete notification follows.
func (l *Listener) loadRow(ctx context.Context, change *models.Change) bool {
	if l.rows == nil || change.Kind == models.KindDelete || change.Payload != nil {
		return true
	}
	id, err := uuid.Parse(change.EntityID)
	if err != nil {
		l.logger.Warn("changefeed_bad_id", zap.String("entity_id", change.EntityID), zap.Error(err))
		return true
	}

	rec, err := l.rows.Get(ctx, change.EntityType, id)
	if errors.Is(err, errs.ErrNotFound) {
		l.logger.Debug("changefeed_row_gone", zap.String("table", change.EntityType), zap.String("entity_id", change.EntityID))
		return false
	}
	if err != nil {
		// publish without the row so the write is still confirmed
		l.logger.Warn("changefeed_row_load_failed", zap.String("table", change.EntityType), zap.String("entity_id", change.EntityID), zap.Error(err))
		return true
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return true
	}
	change.Payload = raw
	return true
}
