package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

const checkpointExt = ".ckpt"

// Config holds configuration for the directory-backed checkpoint store
type Config struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// CheckpointStore keeps one file per checkpoint in a directory.
type CheckpointStore struct {
	config    *Config
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool
}

// NewCheckpointStore creates a new file checkpoint store
func NewCheckpointStore(config *Config, logger *logrus.Logger) (*CheckpointStore, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "file store config cannot be nil")
	}
	if config.Dir == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "checkpoint directory is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointStore{config: config, logger: logger}, nil
}

// Connect creates the directory if needed
func (s *CheckpointStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("failed to create checkpoint directory %s", s.config.Dir))
	}
	s.connected = true
	s.logger.WithField("dir", s.config.Dir).Debug("File checkpoint store ready")
	return nil
}

// Close is a no-op beyond marking the store closed
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Ping checks the directory is reachable
func (s *CheckpointStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.config.Dir); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "checkpoint directory unavailable")
	}
	return nil
}

func (s *CheckpointStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errors.NewStorageError(errors.CodeInvalidInput, fmt.Sprintf("invalid checkpoint id %q", id))
	}
	return filepath.Join(s.config.Dir, id+checkpointExt), nil
}

// Save writes atomically through a temp file and rename
func (s *CheckpointStore) Save(ctx context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "file store not connected")
	}
	p, err := s.path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.config.Dir, id+".tmp-*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create temp file")
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to close checkpoint")
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to move checkpoint into place")
	}

	s.logger.WithFields(logrus.Fields{
		"id":    id,
		"bytes": len(blob),
	}).Debug("Checkpoint written")
	return nil
}

// Load reads a checkpoint file
func (s *CheckpointStore) Load(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
			fmt.Sprintf("checkpoint %s not found", id))
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint")
	}
	return data, nil
}

// List returns checkpoints newest first
func (s *CheckpointStore) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints")
	}
	var out []interfaces.CheckpointInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, interfaces.CheckpointInfo{
			ID:         strings.TrimSuffix(e.Name(), checkpointExt),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out, nil
}

// Delete removes a checkpoint file
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
				fmt.Sprintf("checkpoint %s not found", id))
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to delete checkpoint")
	}
	return nil
}
