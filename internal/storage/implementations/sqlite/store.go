package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Config holds configuration for the SQLite checkpoint store
type Config struct {
	Path string `json:"path" mapstructure:"path"`
}

// CheckpointStore keeps checkpoint blobs in a single-table SQLite database.
type CheckpointStore struct {
	config *Config
	logger *logrus.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewCheckpointStore creates a new SQLite checkpoint store
func NewCheckpointStore(config *Config, logger *logrus.Logger) (*CheckpointStore, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "SQLite config cannot be nil")
	}
	if config.Path == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "SQLite path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointStore{config: config, logger: logger}, nil
}

// Connect opens the database and creates the schema
func (s *CheckpointStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.config.Path)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to open SQLite database")
	}
	// one writer keeps modernc happy with concurrent savers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to ping SQLite database")
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			size INTEGER NOT NULL,
			modified_at INTEGER NOT NULL
		)`); err != nil {
		_ = db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to create checkpoints table")
	}
	s.db = db
	s.logger.WithField("path", s.config.Path).Debug("SQLite checkpoint store ready")
	return nil
}

// Close closes the database
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the database handle
func (s *CheckpointStore) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Save upserts the blob
func (s *CheckpointStore) Save(ctx context.Context, id string, blob []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if id == "" {
		return errors.NewStorageError(errors.CodeInvalidInput, "checkpoint id is required")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, payload, size, modified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			modified_at = excluded.modified_at
	`, id, blob, len(blob), time.Now().UnixNano())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to save checkpoint")
	}
	return nil
}

// Load reads the blob stored under id
func (s *CheckpointStore) Load(ctx context.Context, id string) ([]byte, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
				fmt.Sprintf("checkpoint %s not found", id))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to load checkpoint")
	}
	return payload, nil
}

// List returns checkpoints newest first
func (s *CheckpointStore) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, size, modified_at FROM checkpoints ORDER BY modified_at DESC, id DESC`)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []interfaces.CheckpointInfo
	for rows.Next() {
		var (
			info interfaces.CheckpointInfo
			ts   int64
		)
		if err := rows.Scan(&info.ID, &info.Size, &ts); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to scan checkpoint row")
		}
		info.ModifiedAt = time.Unix(0, ts)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints")
	}
	return out, nil
}

// Delete removes the row stored under id
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to delete checkpoint")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
			fmt.Sprintf("checkpoint %s not found", id))
	}
	return nil
}

func (s *CheckpointStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "SQLite store not connected")
	}
	return s.db, nil
}
