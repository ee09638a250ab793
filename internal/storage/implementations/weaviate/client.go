package weaviate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	gsmodels "github.com/inferloop/gridsynth/pkg/models"
)

const defaultClassName = "ContextEmbedding"

// Config holds configuration for the Weaviate embedding index
type Config struct {
	Host      string            `json:"host" mapstructure:"host"`
	Scheme    string            `json:"scheme" mapstructure:"scheme"`
	APIKey    string            `json:"api_key,omitempty" mapstructure:"api_key"`
	Username  string            `json:"username,omitempty" mapstructure:"username"`
	Password  string            `json:"password,omitempty" mapstructure:"password"`
	ClassName string            `json:"class_name" mapstructure:"class_name"`
	BatchSize int               `json:"batch_size" mapstructure:"batch_size"`
	Timeout   time.Duration     `json:"timeout" mapstructure:"timeout"`
	Headers   map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// EmbeddingIndex stores learned context embeddings so callers can look up
// the training contexts closest to an arbitrary (possibly sparse) request.
type EmbeddingIndex struct {
	config  *Config
	client  *weaviate.Client
	logger  *logrus.Logger
	mu      sync.RWMutex
	metrics *storageMetrics
}

type storageMetrics struct {
	searchOps  int64
	insertOps  int64
	errorCount int64
	startTime  time.Time
	mu         sync.RWMutex
}

// NewEmbeddingIndex creates a new Weaviate-backed index
func NewEmbeddingIndex(config *Config, logger *logrus.Logger) (*EmbeddingIndex, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Weaviate config cannot be nil")
	}
	if config.Host == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Weaviate host is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	if config.ClassName == "" {
		config.ClassName = defaultClassName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &EmbeddingIndex{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{startTime: time.Now()},
	}, nil
}

// Connect creates the client, waits for readiness and ensures the class exists
func (w *EmbeddingIndex) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		return nil
	}

	cfg := weaviate.Config{
		Host:   w.config.Host,
		Scheme: w.config.Scheme,
	}
	if w.config.Timeout > 0 {
		cfg.ConnectionClient = &http.Client{Timeout: w.config.Timeout}
	}
	if len(w.config.Headers) > 0 {
		cfg.Headers = w.config.Headers
	}
	if w.config.APIKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: w.config.APIKey}
	} else if w.config.Username != "" && w.config.Password != "" {
		cfg.AuthConfig = auth.ResourceOwnerPasswordFlow{
			Username: w.config.Username,
			Password: w.config.Password,
		}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to create Weaviate client")
	}
	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to connect to Weaviate")
	}
	if !ready {
		return errors.NewStorageError(errors.CodeConnectionFailed, "Weaviate is not ready")
	}

	exists, err := client.Schema().ClassExistenceChecker().WithClassName(w.config.ClassName).Do(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to inspect Weaviate schema")
	}
	if !exists {
		if err := client.Schema().ClassCreator().WithClass(w.class()).Do(ctx); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to create embedding class")
		}
	}
	w.client = client

	w.logger.WithFields(logrus.Fields{
		"host":  w.config.Host,
		"class": w.config.ClassName,
	}).Info("Connected to Weaviate")
	return nil
}

// Close drops the client
func (w *EmbeddingIndex) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = nil
	return nil
}

// Ping checks readiness
func (w *EmbeddingIndex) Ping(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Weaviate not connected")
	}
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Weaviate health check failed")
	}
	if !ready {
		return errors.NewStorageError(errors.CodeConnectionFailed, "Weaviate is not ready")
	}
	return nil
}

// IndexEmbeddings upserts records in batches. Object ids derive from the
// record key so reindexing the same context replaces it.
func (w *EmbeddingIndex) IndexEmbeddings(ctx context.Context, records []interfaces.EmbeddingRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Weaviate not connected")
	}

	for start := 0; start < len(records); start += w.config.BatchSize {
		end := start + w.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		objs := make([]*models.Object, 0, end-start)
		for _, rec := range records[start:end] {
			obj, err := w.toObject(rec)
			if err != nil {
				return err
			}
			objs = append(objs, obj)
		}
		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
		if err != nil {
			w.incrementErrorCount()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to index embeddings")
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				w.incrementErrorCount()
				return errors.NewStorageError(errors.CodeWriteFailed, r.Result.Errors.Error[0].Message)
			}
		}
		w.incrementInsertOps()
	}
	w.logger.WithField("records", len(records)).Debug("Indexed context embeddings")
	return nil
}

// Nearest returns the k indexed contexts closest to vector
func (w *EmbeddingIndex) Nearest(ctx context.Context, vector []float64, k int) ([]interfaces.EmbeddingRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Weaviate not connected")
	}
	if k <= 0 {
		k = 1
	}
	defer w.incrementSearchOps()

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(toFloat32(vector))
	result, err := w.client.GraphQL().Get().
		WithClassName(w.config.ClassName).
		WithFields(
			graphql.Field{Name: "key"},
			graphql.Field{Name: "context"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}, {Name: "vector"}}},
		).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		w.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "nearest-context search failed")
	}
	if len(result.Errors) > 0 {
		w.incrementErrorCount()
		return nil, errors.NewStorageError(errors.CodeReadFailed, result.Errors[0].Message)
	}
	return parseNearest(result.Data, w.config.ClassName), nil
}

func (w *EmbeddingIndex) class() *models.Class {
	return &models.Class{
		Class:       w.config.ClassName,
		Description: "Learned embeddings of conditioning contexts",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "key", DataType: []string{"text"}},
			{Name: "context", DataType: []string{"text"}},
		},
	}
}

func (w *EmbeddingIndex) toObject(rec interfaces.EmbeddingRecord) (*models.Object, error) {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeInvalidFormat, "failed to encode context")
	}
	return &models.Object{
		Class: w.config.ClassName,
		ID:    objectID(w.config.ClassName, rec.Key),
		Properties: map[string]interface{}{
			"key":     rec.Key,
			"context": string(ctxJSON),
		},
		Vector: toFloat32(rec.Vector),
	}, nil
}

func objectID(className, key string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(className+":"+key)).String())
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func parseNearest(data map[string]models.JSONObject, className string) []interfaces.EmbeddingRecord {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return nil
	}
	out := make([]interfaces.EmbeddingRecord, 0, len(objects))
	for _, o := range objects {
		obj, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		rec := interfaces.EmbeddingRecord{}
		rec.Key, _ = obj["key"].(string)
		if raw, ok := obj["context"].(string); ok && raw != "" {
			var assignment gsmodels.ContextAssignment
			if err := json.Unmarshal([]byte(raw), &assignment); err == nil {
				rec.Context = assignment
			}
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			rec.Distance, _ = add["distance"].(float64)
			if vec, ok := add["vector"].([]interface{}); ok {
				rec.Vector = make([]float64, 0, len(vec))
				for _, x := range vec {
					f, _ := x.(float64)
					rec.Vector = append(rec.Vector, f)
				}
			}
		}
		out = append(out, rec)
	}
	return out
}

func (w *EmbeddingIndex) incrementSearchOps() {
	w.metrics.mu.Lock()
	w.metrics.searchOps++
	w.metrics.mu.Unlock()
}

func (w *EmbeddingIndex) incrementInsertOps() {
	w.metrics.mu.Lock()
	w.metrics.insertOps++
	w.metrics.mu.Unlock()
}

func (w *EmbeddingIndex) incrementErrorCount() {
	w.metrics.mu.Lock()
	w.metrics.errorCount++
	w.metrics.mu.Unlock()
}
