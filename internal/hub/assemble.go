package hub

import (
	"time"

	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/presence"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
	"github.com/prudhvinik1/livesync/internal/subscriptions"
)

type Config struct {
	Registry      registry.Config
	Fanout        fanout.Config
	Subscriptions subscriptions.Config
	Writes        services.WriteLimits
	JWTSecret     string
	JWTExpiry     time.Duration
}

// Stores are the persistence backends. Sessions and Presence may be nil.
type Stores struct {
	Events   fanout.EventStore
	Records  repositories.RecordRepository
	Sessions repositories.SessionRepository
	Presence repositories.PresenceRepository
}

// Assemble builds every component from cfg and wires them into a Hub.
func Assemble(cfg Config, st Stores, l *zap.Logger, m *metrics.Metrics, opts ...registry.Option) *Hub {
	opts = append([]registry.Option{registry.WithLogger(l), registry.WithMetrics(m)}, opts...)
	reg := registry.New(cfg.Registry, opts...)
	agg := presence.NewAggregator(reg, l, m)
	fan := fanout.New(st.Events, cfg.Fanout, l, m)
	subs := subscriptions.NewManager(reg, fan, cfg.Subscriptions, l, m)

	return New(Deps{
		Registry:      reg,
		Presence:      agg,
		Fanout:        fan,
		Subscriptions: subs,
		Writes:        services.NewWriteService(st.Records, cfg.Writes, l, m),
		Snapshots:     services.NewSnapshotService(fan, st.Records, agg),
		Auth:          services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry),
		Sessions:      st.Sessions,
		PresenceRepo:  st.Presence,
		Logger:        l,
		Metrics:       m,
	})
}
