// Package retention runs topic log compaction on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/logger"
)

const DefaultCron = "*/5 * * * *"

// Job runs once per tick with the tick time.
type Job func(now time.Time)

type Scheduler struct {
	cron   string
	job    Job
	logger *zap.Logger
	next   func(expr string, after time.Time) (time.Time, error)
}

// New validates cronExpr. An empty expression means DefaultCron.
func New(cronExpr string, job Job, l *zap.Logger) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Scheduler{
		cron:   cronExpr,
		job:    job,
		logger: logger.OrNop(l),
		next: func(expr string, after time.Time) (time.Time, error) {
			return gronx.NextTickAfter(expr, after, false)
		},
	}, nil
}

// NextTick is the first tick strictly after t.
func (s *Scheduler) NextTick(t time.Time) (time.Time, error) {
	return s.next(s.cron, t)
}

// Run blocks until ctx is done, sleeping until each tick and running the job inline.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("retention_scheduler_started", zap.String("cron", s.cron))
	for {
		now := time.Now().UTC()
		next, err := s.NextTick(now)
		if err != nil {
			s.logger.Error("retention_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
			next = now.Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("retention_scheduler_stopping")
			return
		case tick := <-timer.C:
			start := time.Now()
			s.job(tick.UTC())
			s.logger.Debug("retention_run", zap.Duration("took", time.Since(start)))
		}
	}
}
