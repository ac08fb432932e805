package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

const (
	DefaultWriteRate  = 5
	DefaultWriteBurst = 10
)

// WriteRequest is a client write against one of the record tables.
type WriteRequest struct {
	Op            models.ChangeKind `json:"op"`
	Table         string            `json:"table"`
	Scope         string            `json:"scope,omitempty"`
	ID            string            `json:"id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

type WriteLimits struct {
	Rate  float64
	Burst int
}

// WriteService validates client writes and applies them to the data store.
// The resulting change events reach subscribers through the change feed, not from here.
type WriteService struct {
	records repositories.RecordRepository
	limiter *limiterPool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewWriteService(records repositories.RecordRepository, limits WriteLimits, l *zap.Logger, m *metrics.Metrics) *WriteService {
	return &WriteService{
		records: records,
		limiter: newLimiterPool(limits.Rate, limits.Burst),
		logger:  logger.OrNop(l),
		metrics: m,
	}
}

// Write applies req on behalf of authorID. limitKey selects the rate-limit bucket,
// normally the session id. A missing row is errs.ErrNotFound; other data-store
// failures are returned as errs.ErrPublishRejected and never retried.
func (s *WriteService) Write(ctx context.Context, limitKey, authorID string, req WriteRequest) (*models.Record, error) {
	if !s.limiter.Allow(limitKey) {
		s.metrics.WriteRejected("rate_limited")
		return nil, errs.ErrRateLimited
	}

	rec, err := s.apply(ctx, authorID, req)
	if err == nil {
		return rec, nil
	}

	if errors.Is(err, errs.ErrInvalidArgument) || errors.Is(err, errs.ErrInvalidTopic) {
		s.metrics.WriteRejected("invalid")
		return nil, err
	}
	if errors.Is(err, errs.ErrNotFound) {
		s.metrics.WriteRejected("not_found")
		return nil, err
	}
	s.metrics.WriteRejected("store")
	s.logger.Warn("write_rejected",
		zap.String("table", req.Table),
		zap.String("op", string(req.Op)),
		zap.String("correlation_id", req.CorrelationID),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%w: %w", errs.ErrPublishRejected, err)
}

// Forget releases the rate-limit bucket of limitKey.
func (s *WriteService) Forget(limitKey string) {
	s.limiter.forget(limitKey)
}

func (s *WriteService) apply(ctx context.Context, authorID string, req WriteRequest) (*models.Record, error) {
	switch req.Op {
	case models.KindInsert:
		topic, err := models.TopicForRecord(req.Table, req.Scope)
		if err != nil {
			return nil, err
		}
		if authorID == "" {
			return nil, fmt.Errorf("%w: missing author", errs.ErrInvalidArgument)
		}
		rec := &models.Record{
			Table:         req.Table,
			Topic:         topic,
			Scope:         req.Scope,
			AuthorID:      authorID,
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
		}
		if req.ID != "" {
			id, err := parseID(req.ID)
			if err != nil {
				return nil, err
			}
			rec.ID = id
		}
		if err := s.records.Insert(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil

	case models.KindUpdate:
		id, err := parseID(req.ID)
		if err != nil {
			return nil, err
		}
		return s.records.Update(ctx, req.Table, id, req.Payload)

	case models.KindDelete:
		id, err := parseID(req.ID)
		if err != nil {
			return nil, err
		}
		if err := s.records.Delete(ctx, req.Table, id); err != nil {
			return nil, err
		}
		return &models.Record{ID: id, Table: req.Table, CorrelationID: req.CorrelationID}, nil
	}
	return nil, fmt.Errorf("%w: op %q", errs.ErrInvalidArgument, req.Op)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id %q", errs.ErrInvalidArgument, raw)
	}
	return id, nil
}
