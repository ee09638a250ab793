package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/storage/implementations/file"
	"github.com/inferloop/gridsynth/internal/storage/implementations/sqlite"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

func TestFactorySupportedTypes(t *testing.T) {
	f := NewFactory(logrus.New())
	assert.Equal(t, []string{"file", "redis", "s3", "sqlite"}, f.GetSupportedTypes())
	assert.True(t, f.IsSupported(BackendS3))
	assert.False(t, f.IsSupported("clickhouse"))
	assert.Error(t, f.RegisterCheckpointStore("", nil))
}

func TestCreateCheckpointStore(t *testing.T) {
	f := NewFactory(nil)

	store, err := f.CreateCheckpointStore(config.CheckpointConfig{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = f.CreateCheckpointStore(config.CheckpointConfig{
		Backend: BackendFile,
		File:    file.Config{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))

	store, err = f.CreateCheckpointStore(config.CheckpointConfig{
		Backend: BackendSQLite,
		SQLite:  sqlite.Config{Path: filepath.Join(t.TempDir(), "c.db")},
	})
	require.NoError(t, err)
	assert.NotNil(t, store)

	_, err = f.CreateCheckpointStore(config.CheckpointConfig{Backend: BackendS3})
	assert.Error(t, err, "bucket missing")

	_, err = f.CreateCheckpointStore(config.CheckpointConfig{Backend: "tape"})
	assert.Error(t, err)
}

func TestCustomBackend(t *testing.T) {
	f := NewFactory(nil)
	called := false
	require.NoError(t, f.RegisterCheckpointStore("mem", func(cfg config.CheckpointConfig, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
		called = true
		return file.NewCheckpointStore(&file.Config{Dir: "x"}, logger)
	}))
	_, err := f.CreateCheckpointStore(config.CheckpointConfig{Backend: "mem"})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestNewTableSourceAndSinks(t *testing.T) {
	_, err := NewTableSource(config.SourceConfig{Kind: "csv", Path: "data.csv"}, nil)
	require.NoError(t, err)
	_, err = NewTableSource(config.SourceConfig{Kind: "parquet"}, nil)
	assert.Error(t, err)

	sinks, err := NewSampleSinks(filepath.Join(t.TempDir(), "o.csv"), []string{"grid"}, config.StorageConfig{}, nil)
	require.NoError(t, err)
	assert.Len(t, sinks, 1)

	var sc config.StorageConfig
	sc.InfluxDB.Enabled = true
	sc.InfluxDB.URL = "http://localhost:8086"
	sc.InfluxDB.Bucket = "b"
	sinks, err = NewSampleSinks("", nil, sc, nil)
	require.NoError(t, err)
	assert.Len(t, sinks, 1)

	idx, err := NewEmbeddingIndex(config.StorageConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, idx)
}
