package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

const DefaultSnapshotLimit = 200

type HeadReader interface {
	Head(topic string) (uint64, error)
}

type PresenceReader interface {
	Presence(userID string) models.UserPresence
}

// Snapshot is the state of a topic at or after event Head.
type Snapshot struct {
	Head     uint64               `json:"head"`
	Records  []*models.Record     `json:"records"`
	Presence *models.UserPresence `json:"presence,omitempty"`
}

type SnapshotService struct {
	heads    HeadReader
	records  repositories.RecordRepository
	presence PresenceReader
}

func NewSnapshotService(heads HeadReader, records repositories.RecordRepository, presence PresenceReader) *SnapshotService {
	return &SnapshotService{heads: heads, records: records, presence: presence}
}

// Snapshot reads the topic head before querying, so every event after Head is
// either reflected in the result or still to be delivered on resubscribe.
func (s *SnapshotService) Snapshot(ctx context.Context, topic string, limit int) (*Snapshot, error) {
	if err := models.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultSnapshotLimit {
		limit = DefaultSnapshotLimit
	}

	head, err := s.heads.Head(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}

	if models.IsPresenceTopic(topic) {
		p := s.presence.Presence(strings.TrimPrefix(topic, models.PresenceTopic("")))
		return &Snapshot{Head: head, Records: []*models.Record{}, Presence: &p}, nil
	}

	table, ok := models.TableForTopic(topic)
	if !ok {
		return nil, fmt.Errorf("%w: no table for %q", errs.ErrInvalidTopic, topic)
	}
	records, err := s.records.ListByTopic(ctx, table, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	for _, rec := range records {
		rec.Table = table
	}
	return &Snapshot{Head: head, Records: records}, nil
}
