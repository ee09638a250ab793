package s3

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/pkg/interfaces"
)

func TestNewCheckpointStore(t *testing.T) {
	config := &Config{
		Region: "us-east-1",
		Bucket: "test-bucket",
	}

	logger := logrus.New()
	store, err := NewCheckpointStore(config, logger)

	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Equal(t, config, store.config)
	assert.Equal(t, logger, store.logger)
	assert.NotNil(t, store.metrics)
}

func TestNewCheckpointStoreInvalidConfig(t *testing.T) {
	_, err := NewCheckpointStore(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 config cannot be nil")

	_, err = NewCheckpointStore(&Config{Region: "us-east-1"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3 bucket is required")
}

func TestGenerateKey(t *testing.T) {
	store, err := NewCheckpointStore(&Config{Bucket: "b", Prefix: "runs"}, nil)
	require.NoError(t, err)

	key, err := store.generateKey("model-1")
	require.NoError(t, err)
	assert.Equal(t, "runs/checkpoints/model-1.ckpt", key)

	_, err = store.generateKey("a/b")
	assert.Error(t, err)
	_, err = store.generateKey("")
	assert.Error(t, err)
}

func TestGenerateKeyNoPrefix(t *testing.T) {
	store, err := NewCheckpointStore(&Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	key, err := store.generateKey("model-1")
	require.NoError(t, err)
	assert.Equal(t, "checkpoints/model-1.ckpt", key)
}

func TestExtractIDFromKey(t *testing.T) {
	store, err := NewCheckpointStore(&Config{Bucket: "b", Prefix: "runs/"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "model-1", store.extractIDFromKey("runs/checkpoints/model-1.ckpt"))
	assert.Equal(t, "", store.extractIDFromKey("runs/checkpoints/model-1.json"))
	assert.Equal(t, "", store.extractIDFromKey("other/checkpoints/model-1.ckpt"))
	assert.Equal(t, "", store.extractIDFromKey("runs/checkpoints/nested/model-1.ckpt"))
}

func TestOperationsRequireConnection(t *testing.T) {
	ctx := context.Background()
	store, err := NewCheckpointStore(&Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	assert.Error(t, store.Save(ctx, "a", []byte("x")))
	_, err = store.Load(ctx, "a")
	assert.Error(t, err)
	_, err = store.List(ctx)
	assert.Error(t, err)
	assert.Error(t, store.Delete(ctx, "a"))
	assert.Error(t, store.Ping(ctx))
	assert.NoError(t, store.Close())
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now()
	infos := []interfaces.CheckpointInfo{
		{ID: "old", ModifiedAt: now.Add(-time.Hour)},
		{ID: "new", ModifiedAt: now},
		{ID: "mid", ModifiedAt: now.Add(-time.Minute)},
	}
	sortNewestFirst(infos)
	assert.Equal(t, "new", infos[0].ID)
	assert.Equal(t, "mid", infos[1].ID)
	assert.Equal(t, "old", infos[2].ID)
}

func TestStats(t *testing.T) {
	store, err := NewCheckpointStore(&Config{Bucket: "b"}, nil)
	require.NoError(t, err)
	store.incrementWriteOps()
	store.incrementBytesWritten(10)
	stats := store.Stats()
	assert.Equal(t, int64(1), stats["write_ops"])
	assert.Equal(t, int64(10), stats["bytes_written"])
}
