package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Config holds configuration for the Redis checkpoint store
type Config struct {
	Addr          string        `json:"addr" mapstructure:"addr"`
	Password      string        `json:"password" mapstructure:"password"`
	DB            int           `json:"db" mapstructure:"db"`
	DialTimeout   time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize      int           `json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns  int           `json:"min_idle_conns" mapstructure:"min_idle_conns"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	IdleTimeout   time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	KeyPrefix     string        `json:"key_prefix" mapstructure:"key_prefix"`
	UseStreams    bool          `json:"use_streams" mapstructure:"use_streams"`
	StreamMaxLen  int64         `json:"stream_max_len" mapstructure:"stream_max_len"`
	UseClustering bool          `json:"use_clustering" mapstructure:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs" mapstructure:"cluster_addrs"`
}

// CheckpointStore keeps checkpoint blobs as string values. A sorted set
// scored by save time indexes them for List.
type CheckpointStore struct {
	config  *Config
	client  redis.UniversalClient
	logger  *logrus.Logger
	mu      sync.RWMutex
	metrics *storageMetrics
	closed  bool
}

type storageMetrics struct {
	readOps    int64
	writeOps   int64
	deleteOps  int64
	errorCount int64
	hitCount   int64
	missCount  int64
	startTime  time.Time
	mu         sync.RWMutex
}

// NewCheckpointStore creates a new Redis checkpoint store
func NewCheckpointStore(config *Config, logger *logrus.Logger) (*CheckpointStore, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}
	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis address or cluster addresses are required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointStore{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{startTime: time.Now()},
	}, nil
}

// Connect establishes connection to Redis
func (r *CheckpointStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MinIdleConns: r.config.MinIdleConns,
			MaxRetries:   r.config.MaxRetries,
			IdleTimeout:  r.config.IdleTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MinIdleConns: r.config.MinIdleConns,
			MaxRetries:   r.config.MaxRetries,
			IdleTimeout:  r.config.IdleTimeout,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to connect to Redis")
	}
	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")
	return nil
}

// Close closes the Redis connection
func (r *CheckpointStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "failed to close Redis connection")
	}
	return nil
}

// Ping tests the Redis connection
func (r *CheckpointStore) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		r.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Redis ping failed")
	}
	return nil
}

// Save writes the blob and records it in the index. With streams enabled a
// "saved" event is appended to the event stream in the same pipeline.
func (r *CheckpointStore) Save(ctx context.Context, id string, blob []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	if id == "" {
		return errors.NewStorageError(errors.CodeInvalidInput, "checkpoint id is required")
	}
	defer r.incrementWriteOps()

	now := time.Now()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.generateCheckpointKey(id), blob, r.config.TTL)
	pipe.ZAdd(ctx, r.generateIndexKey(), &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: id,
	})
	if r.config.UseStreams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.generateStreamKey(),
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"event": "saved",
				"id":    id,
				"size":  len(blob),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write checkpoint to Redis")
	}
	r.logger.WithFields(logrus.Fields{"id": id, "bytes": len(blob)}).Debug("Checkpoint written")
	return nil
}

// Load reads the blob stored under id
func (r *CheckpointStore) Load(ctx context.Context, id string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	defer r.incrementReadOps()

	data, err := r.client.Get(ctx, r.generateCheckpointKey(id)).Bytes()
	if err == redis.Nil {
		r.incrementMissCount()
		return nil, errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
			fmt.Sprintf("checkpoint %s not found", id))
	}
	if err != nil {
		r.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint from Redis")
	}
	r.incrementHitCount()
	return data, nil
}

// List returns indexed checkpoints, newest first. Entries whose value has
// expired are pruned from the index.
func (r *CheckpointStore) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	defer r.incrementReadOps()

	entries, err := r.client.ZRevRangeWithScores(ctx, r.generateIndexKey(), 0, -1).Result()
	if err != nil {
		r.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints")
	}

	pipe := r.client.Pipeline()
	sizes := make([]*redis.IntCmd, len(entries))
	for i, e := range entries {
		sizes[i] = pipe.StrLen(ctx, r.generateCheckpointKey(fmt.Sprint(e.Member)))
	}
	if len(entries) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			r.incrementErrorCount()
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to stat checkpoints")
		}
	}

	out := make([]interfaces.CheckpointInfo, 0, len(entries))
	var stale []interface{}
	for i, e := range entries {
		id := fmt.Sprint(e.Member)
		size := sizes[i].Val()
		if size == 0 {
			stale = append(stale, id)
			continue
		}
		out = append(out, interfaces.CheckpointInfo{
			ID:         id,
			Size:       size,
			ModifiedAt: time.Unix(0, int64(e.Score)),
		})
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.generateIndexKey(), stale...).Err(); err != nil {
			r.logger.WithError(err).Warn("Failed to prune expired checkpoints from index")
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out, nil
}

// Delete removes the blob and its index entry
func (r *CheckpointStore) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Redis not connected")
	}
	defer r.incrementDeleteOps()

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.generateCheckpointKey(id))
	pipe.ZRem(ctx, r.generateIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to delete checkpoint from Redis")
	}
	if del.Val() == 0 {
		return errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
			fmt.Sprintf("checkpoint %s not found", id))
	}
	return nil
}

// Stats reports operation counters since construction.
func (r *CheckpointStore) Stats() map[string]string {
	r.metrics.mu.RLock()
	defer r.metrics.mu.RUnlock()
	return map[string]string{
		"read_ops":   strconv.FormatInt(r.metrics.readOps, 10),
		"write_ops":  strconv.FormatInt(r.metrics.writeOps, 10),
		"delete_ops": strconv.FormatInt(r.metrics.deleteOps, 10),
		"errors":     strconv.FormatInt(r.metrics.errorCount, 10),
		"hits":       strconv.FormatInt(r.metrics.hitCount, 10),
		"misses":     strconv.FormatInt(r.metrics.missCount, 10),
		"uptime":     time.Since(r.metrics.startTime).Truncate(time.Second).String(),
	}
}

func (r *CheckpointStore) key(parts ...string) string {
	k := ""
	if r.config.KeyPrefix != "" {
		k = r.config.KeyPrefix + ":"
	}
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *CheckpointStore) generateCheckpointKey(id string) string {
	return r.key("checkpoint", id)
}

func (r *CheckpointStore) generateIndexKey() string {
	return r.key("checkpoints")
}

func (r *CheckpointStore) generateStreamKey() string {
	return r.key("stream", "checkpoints")
}

func (r *CheckpointStore) incrementReadOps() {
	r.metrics.mu.Lock()
	r.metrics.readOps++
	r.metrics.mu.Unlock()
}

func (r *CheckpointStore) incrementWriteOps() {
	r.metrics.mu.Lock()
	r.metrics.writeOps++
	r.metrics.mu.Unlock()
}

func (r *CheckpointStore) incrementDeleteOps() {
	r.metrics.mu.Lock()
	r.metrics.deleteOps++
	r.metrics.mu.Unlock()
}

func (r *CheckpointStore) incrementErrorCount() {
	r.metrics.mu.Lock()
	r.metrics.errorCount++
	r.metrics.mu.Unlock()
}

func (r *CheckpointStore) incrementHitCount() {
	r.metrics.mu.Lock()
	r.metrics.hitCount++
	r.metrics.mu.Unlock()
}

func (r *CheckpointStore) incrementMissCount() {
	r.metrics.mu.Lock()
	r.metrics.missCount++
	r.metrics.mu.Unlock()
}
