package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SessionTTL       time.Duration
	PresenceTTL      time.Duration

	RetentionCount  int
	RetentionWindow time.Duration
	RetentionCron   string
	EventLogPath    string
	MailboxLimit    int

	WriteRate      float64
	WriteBurst     int
	InternalAPIKey string

	LogLevel       string
	LogDevelopment bool
}

// LoadConfig reads the environment. Keys the environment leaves unset are taken
// from the YAML file named by CONFIG_FILE, when present.
func LoadConfig() (*Config, error) {
	overlay, err := loadOverlay(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	l := &loader{overlay: overlay}

	cfg := &Config{
		ServerPort:  l.getEnv("SERVER_PORT", "8080"),
		DatabaseURL: l.getEnv("DATABASE_URL", ""),
		RedisURL:    l.getEnv("REDIS_URL", ""),
		JWTSecret:   l.getEnv("JWT_SECRET", ""),
		JWTExpiry:   l.duration("JWT_EXPIRY", 24*time.Hour),

		HeartbeatTimeout: l.duration("HEARTBEAT_TIMEOUT", 30*time.Second),
		SweepInterval:    l.duration("SWEEP_INTERVAL", 5*time.Second),
		SessionTTL:       l.duration("SESSION_TTL", 2*time.Minute),
		PresenceTTL:      l.duration("PRESENCE_TTL", 2*time.Minute),

		RetentionCount:  l.integer("RETENTION_COUNT", 1000),
		RetentionWindow: l.duration("RETENTION_WINDOW", 24*time.Hour),
		RetentionCron:   l.getEnv("RETENTION_CRON", "*/5 * * * *"),
		EventLogPath:    l.getEnv("EVENT_LOG_PATH", "data/eventlog"),
		MailboxLimit:    l.integer("MAILBOX_LIMIT", 1024),

		WriteRate:      l.float("WRITE_RATE", 5),
		WriteBurst:     l.integer("WRITE_BURST", 10),
		InternalAPIKey: l.getEnv("INTERNAL_API_KEY", ""),

		LogLevel:       l.getEnv("LOG_LEVEL", "info"),
		LogDevelopment: l.boolean("LOG_DEVELOPMENT", false),
	}
	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.SweepInterval > cfg.HeartbeatTimeout {
		return nil, errors.New("SWEEP_INTERVAL must not exceed HEARTBEAT_TIMEOUT")
	}

	return cfg, nil
}

func loadOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

type loader struct {
	overlay map[string]string
	errs    []error
}

// Helper: get env with default value
func (l *loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := l.overlay[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := l.getEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s format", key))
		return def
	}
	return d
}

func (l *loader) integer(key string, def int) int {
	raw := l.getEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s format", key))
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	raw := l.getEnv(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s format", key))
		return def
	}
	return f
}

func (l *loader) boolean(key string, def bool) bool {
	raw := l.getEnv(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s format", key))
		return def
	}
	return b
}
