package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/gridsynth/pkg/models"
)

// Storage defines the lifecycle shared by every backend
type Storage interface {
	// Connect establishes connection to the storage backend
	Connect(ctx context.Context) error

	// Close closes the connection and cleans up resources
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error
}

// CheckpointStore persists opaque checkpoint blobs by id.
type CheckpointStore interface {
	Storage

	// Save writes or replaces the blob stored under id
	Save(ctx context.Context, id string, blob []byte) error

	// Load reads the blob stored under id. Missing ids wrap errors.ErrNotFound.
	Load(ctx context.Context, id string) ([]byte, error)

	// List returns stored checkpoints, newest first
	List(ctx context.Context) ([]CheckpointInfo, error)

	// Delete removes the blob stored under id
	Delete(ctx context.Context, id string) error
}

// CheckpointInfo describes a stored checkpoint.
type CheckpointInfo struct {
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// TableSource yields the raw wide-format training table.
type TableSource interface {
	Storage

	// LoadTable reads the whole table
	LoadTable(ctx context.Context) (*models.Table, error)
}

// SampleSink receives generated samples.
type SampleSink interface {
	Storage

	// WriteSamples persists a batch of samples under a run id
	WriteSamples(ctx context.Context, runID string, samples []models.GeneratedSample) error
}

// EmbeddingRecord is a context assignment with its learned embedding.
type EmbeddingRecord struct {
	Key      string                   `json:"key"`
	Context  models.ContextAssignment `json:"context"`
	Vector   []float64                `json:"vector"`
	Distance float64                  `json:"distance,omitempty"`
}

// EmbeddingIndex stores context embeddings for nearest-context lookup.
type EmbeddingIndex interface {
	Storage

	// IndexEmbeddings upserts records
	IndexEmbeddings(ctx context.Context, records []EmbeddingRecord) error

	// Nearest returns the k records closest to vector
	Nearest(ctx context.Context, vector []float64, k int) ([]EmbeddingRecord, error)
}
