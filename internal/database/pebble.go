package database

import (
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// OpenPebble opens (or creates) the event log database at path.
func OpenPebble(path string, logger *zap.Logger) (*pebble.DB, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("error creating event log dir: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("error opening pebble at %s: %w", path, err)
	}

	logger.Info("pebble_opened", zap.String("path", path))
	return db, nil
}
