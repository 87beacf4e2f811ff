package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
)

// DB manages the Badger database holding the outbound spool.
type DB struct {
	db     *badger.DB
	logger arbor.ILogger
	config *common.SpoolConfig
}

// NewDB opens the Badger database at the configured path.
func NewDB(logger arbor.ILogger, config *common.SpoolConfig) (*DB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing spool database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete spool directory")
			}
		}
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger spool database")

	options := badger.DefaultOptions(config.Path)
	options.Logger = nil // Disable default badger logger to use arbor

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger spool database initialized")

	return &DB{
		db:     db,
		logger: logger,
		config: config,
	}, nil
}

// Badger returns the underlying database handle.
func (d *DB) Badger() *badger.DB {
	return d.db
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
