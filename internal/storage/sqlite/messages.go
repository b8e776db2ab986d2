package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/webchat/pkg/logger"
)

// MessageStorage persists the cached message timeline as a single
// versioned envelope. The whole envelope is rewritten on every save;
// there are no per-message edits.
type MessageStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewMessageStorage creates a new SQLite message cache storage sharing
// an existing database connection
func NewMessageStorage(db *sql.DB, log *logger.Logger) *MessageStorage {
	storage := &MessageStorage{
		db:     db,
		logger: log.Named("sqlite-msg"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize message cache storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *MessageStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS message_cache (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			envelope TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create message_cache table: %w", err)
	}
	return nil
}

// SaveEnvelope overwrites the cached timeline envelope
func (s *MessageStorage) SaveEnvelope(envelope []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO message_cache (id, envelope, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET envelope = excluded.envelope, saved_at = excluded.saved_at
	`, string(envelope), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save message cache: %w", err)
	}
	return nil
}

// LoadEnvelope returns the cached timeline envelope. The second return
// value is false when no cache entry exists.
func (s *MessageStorage) LoadEnvelope() ([]byte, bool, error) {
	var envelope string
	err := s.db.QueryRow(`SELECT envelope FROM message_cache WHERE id = 1`).Scan(&envelope)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load message cache: %w", err)
	}
	return []byte(envelope), true, nil
}

// ClearEnvelope removes the cached timeline
func (s *MessageStorage) ClearEnvelope() error {
	_, err := s.db.Exec(`DELETE FROM message_cache WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear message cache: %w", err)
	}
	return nil
}
