package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/storage/implementations/file"
	"github.com/inferloop/gridsynth/internal/storage/implementations/influxdb"
	"github.com/inferloop/gridsynth/internal/storage/implementations/postgres"
	redisstore "github.com/inferloop/gridsynth/internal/storage/implementations/redis"
	s3store "github.com/inferloop/gridsynth/internal/storage/implementations/s3"
	"github.com/inferloop/gridsynth/internal/storage/implementations/sqlite"
	"github.com/inferloop/gridsynth/internal/storage/implementations/weaviate"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Checkpoint backends
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Table source kinds
const (
	SourceCSV      = "csv"
	SourcePostgres = "postgres"
)

// CheckpointCreateFunc builds a checkpoint store from its config section.
type CheckpointCreateFunc func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error)

// Factory maps backend names to checkpoint store constructors.
type Factory struct {
	creators map[string]CheckpointCreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a factory with the built-in backends registered
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}
	f := &Factory{
		creators: make(map[string]CheckpointCreateFunc),
		logger:   logger,
	}
	f.registerDefaults()
	return f
}

// RegisterCheckpointStore registers a backend constructor
func (f *Factory) RegisterCheckpointStore(backend string, createFunc CheckpointCreateFunc) error {
	if backend == "" {
		return errors.NewValidationError(errors.CodeInvalidInput, "backend name cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "create function cannot be nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[backend] = createFunc
	return nil
}

// IsSupported checks if a backend is registered
func (f *Factory) IsSupported(backend string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.creators[backend]
	return ok
}

// GetSupportedTypes returns registered backend names, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.creators))
	for name := range f.creators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateCheckpointStore builds the configured backend. It returns nil, nil
// when checkpointing is disabled.
func (f *Factory) CreateCheckpointStore(cfg config.CheckpointConfig) (interfaces.CheckpointStore, error) {
	backend := cfg.Backend
	if backend == "" || backend == BackendNone {
		return nil, nil
	}
	f.mu.RLock()
	create, ok := f.creators[backend]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.NewStorageError(errors.CodeUnsupportedType,
			fmt.Sprintf("checkpoint backend %q is not supported", backend))
	}
	store, err := create(cfg, f.logger)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeInvalidConfig,
			fmt.Sprintf("failed to create %s checkpoint store", backend))
	}
	f.logger.WithField("backend", backend).Debug("Created checkpoint store")
	return store, nil
}

func (f *Factory) registerDefaults() {
	f.RegisterCheckpointStore(BackendFile, func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		c := cfg.File
		return file.NewCheckpointStore(&c, logger)
	})
	f.RegisterCheckpointStore(BackendS3, func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		c := cfg.S3
		return s3store.NewCheckpointStore(&c, logger)
	})
	f.RegisterCheckpointStore(BackendRedis, func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		c := cfg.Redis
		return redisstore.NewCheckpointStore(&c, logger)
	})
	f.RegisterCheckpointStore(BackendSQLite, func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		c := cfg.SQLite
		return sqlite.NewCheckpointStore(&c, logger)
	})
}

// NewTableSource builds the configured training table source
func NewTableSource(cfg config.SourceConfig, logger *logrus.Logger) (interfaces.TableSource, error) {
	switch cfg.Kind {
	case "", SourceCSV:
		return file.NewCSVTableSource(cfg.Path, logger)
	case SourcePostgres:
		c := cfg.Postgres
		return postgres.NewTableSource(&c, logger)
	default:
		return nil, errors.NewStorageError(errors.CodeUnsupportedType, fmt.Sprintf("table source %q is not supported", cfg.Kind))
	}
}

// NewSampleSinks returns the CSV sink for path (when non-empty) plus the
// InfluxDB sink when enabled.
func NewSampleSinks(path string, sequenceColumns []string, cfg config.StorageConfig, logger *logrus.Logger) ([]interfaces.SampleSink, error) {
	var sinks []interfaces.SampleSink
	if path != "" {
		sink, err := file.NewCSVSampleSink(path, sequenceColumns, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.InfluxDB.Enabled {
		c := cfg.InfluxDB.Config
		sink, err := influxdb.NewSampleSink(&c, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// NewEmbeddingIndex returns the Weaviate index, or nil when disabled
func NewEmbeddingIndex(cfg config.StorageConfig, logger *logrus.Logger) (interfaces.EmbeddingIndex, error) {
	if !cfg.Weaviate.Enabled {
		return nil, nil
	}
	c := cfg.Weaviate.Config
	return weaviate.NewEmbeddingIndex(&c, logger)
}
