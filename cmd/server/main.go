package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/config"
	"github.com/prudhvinik1/livesync/internal/database"
	"github.com/prudhvinik1/livesync/internal/fanout"
	"github.com/prudhvinik1/livesync/internal/hub"
	"github.com/prudhvinik1/livesync/internal/logger"
	"github.com/prudhvinik1/livesync/internal/metrics"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/retention"
	"github.com/prudhvinik1/livesync/internal/services"
	"github.com/prudhvinik1/livesync/internal/subscriptions"
	"github.com/prudhvinik1/livesync/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("server_failed", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("server_stopped")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return err
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, zl)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, zl)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	eventDB, err := database.OpenPebble(cfg.EventLogPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	eventLog := repositories.NewPebbleEventLogRepository(eventDB, zl)
	defer eventLog.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	records := repositories.NewPostgresRecordRepository(postgresPool)

	h := hub.Assemble(hub.Config{
		Registry: registry.Config{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			SweepInterval:    cfg.SweepInterval,
		},
		Fanout: fanout.Config{
			RetentionCount:  cfg.RetentionCount,
			RetentionWindow: cfg.RetentionWindow,
		},
		Subscriptions: subscriptions.Config{MailboxLimit: cfg.MailboxLimit},
		Writes:        services.WriteLimits{Rate: cfg.WriteRate, Burst: cfg.WriteBurst},
		JWTSecret:     cfg.JWTSecret,
		JWTExpiry:     cfg.JWTExpiry,
	}, hub.Stores{
		Events:   eventLog,
		Records:  records,
		Sessions: repositories.NewRedisSessionRepository(redisClient, cfg.SessionTTL, zl),
		Presence: repositories.NewRedisPresenceRepository(redisClient, cfg.PresenceTTL),
	}, zl, m)

	scheduler, err := retention.New(cfg.RetentionCron, func(now time.Time) {
		if dropped := h.Fanout.Compact(now); dropped > 0 {
			zl.Info("retention_compacted", zap.Int("events", dropped))
		}
	}, zl)
	if err != nil {
		return err
	}

	feed := changefeed.NewListener(changefeed.PoolAcquirer(postgresPool), h.Fanout, records, zl)

	ctx, cancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	// the event log closes only after nothing can publish into it
	defer func() {
		cancel()
		background.Wait()
	}()

	background.Add(3)
	go func() {
		defer background.Done()
		h.Run(ctx)
	}()
	go func() {
		defer background.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer background.Done()
		if err := feed.Run(ctx); err != nil {
			zl.Error("changefeed_stopped", zap.Error(err))
		}
	}()

	api := transport.NewServer(h, transport.Options{
		InternalKey:       cfg.InternalAPIKey,
		HeartbeatInterval: cfg.HeartbeatTimeout / 3,
		Gatherer:          reg,
		AccessLog:         cfg.LogDevelopment,
		Logger:            zl,
	})

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Router(),
	}

	// graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		zl.Info("server_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zl.Warn("http_shutdown_incomplete", zap.Error(err))
		}
		// hijacked sockets outlive Shutdown; closing them disconnects their sessions
		if err := api.Close(shutdownCtx); err != nil {
			zl.Warn("sessions_not_closed", zap.Error(err))
		}
		if err := h.Close(shutdownCtx); err != nil {
			zl.Warn("side_effects_not_flushed", zap.Error(err))
		}
	}()

	zl.Info("server_starting", zap.String("port", cfg.ServerPort))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-stopped
	return nil
}
