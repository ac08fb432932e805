package repositories

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/prudhvinik1/livesync/internal/models"
	"go.uber.org/zap"
)

// Key layout. Topic names never contain NUL, so the separator is unambiguous.
//
//	seq\x00<topic>                 -> last assigned id (uint64, big endian)
//	evt\x00<topic>\x00<id uint64>  -> JSON ChangeEvent
const (
	seqPrefix = "seq\x00"
	evtPrefix = "evt\x00"
)

type PebbleEventLogRepository struct {
	db     *pebble.DB
	logger *zap.Logger
}

func NewPebbleEventLogRepository(db *pebble.DB, logger *zap.Logger) *PebbleEventLogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PebbleEventLogRepository{db: db, logger: logger}
}

func (r *PebbleEventLogRepository) Load(topic string) (uint64, []models.ChangeEvent, error) {
	last, err := r.lastID(topic)
	if err != nil {
		return 0, nil, err
	}

	lower, upper := eventBounds(topic)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open event iterator: %w", err)
	}
	defer iter.Close()

	var events []models.ChangeEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var ev models.ChangeEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal event %x: %w", iter.Key(), err)
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return 0, nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	r.logger.Debug("event_log_loaded", zap.String("topic", topic), zap.Uint64("last", last), zap.Int("retained", len(events)))
	return last, events, nil
}

func (r *PebbleEventLogRepository) lastID(topic string) (uint64, error) {
	value, closer, err := r.db.Get(seqKey(topic))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt counter for topic %s", topic)
	}
	return binary.BigEndian.Uint64(value), nil
}

// Append writes the event and the advanced counter in one synced batch.
func (r *PebbleEventLogRepository) Append(ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, ev.EventID)

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(eventKey(ev.Topic, ev.EventID), data, nil); err != nil {
		return fmt.Errorf("failed to stage event: %w", err)
	}
	if err := batch.Set(seqKey(ev.Topic), counter, nil); err != nil {
		return fmt.Errorf("failed to stage counter: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// Compact deletes events below floor. The counter is kept.
func (r *PebbleEventLogRepository) Compact(topic string, floor uint64) error {
	lower, _ := eventBounds(topic)
	if err := r.db.DeleteRange(lower, eventKey(topic, floor), pebble.Sync); err != nil {
		return fmt.Errorf("failed to compact topic %s: %w", topic, err)
	}
	return nil
}

func (r *PebbleEventLogRepository) Close() error {
	return r.db.Close()
}

func seqKey(topic string) []byte {
	return []byte(seqPrefix + topic)
}

func eventKey(topic string, id uint64) []byte {
	key := make([]byte, 0, len(evtPrefix)+len(topic)+1+8)
	key = append(key, evtPrefix...)
	key = append(key, topic...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, id)
}

// eventBounds returns [lower, upper) covering every event key of topic.
func eventBounds(topic string) ([]byte, []byte) {
	lower := append([]byte(evtPrefix+topic), 0)
	upper := append([]byte(evtPrefix+topic), 1)
	return lower, upper
}
