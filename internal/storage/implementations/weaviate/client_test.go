package weaviate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/inferloop/gridsynth/pkg/interfaces"
	gsmodels "github.com/inferloop/gridsynth/pkg/models"
)

func TestNewEmbeddingIndex(t *testing.T) {
	_, err := NewEmbeddingIndex(nil, nil)
	assert.Error(t, err)

	_, err = NewEmbeddingIndex(&Config{}, nil)
	assert.Error(t, err)

	idx, err := NewEmbeddingIndex(&Config{Host: "localhost:8080"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http", idx.config.Scheme)
	assert.Equal(t, defaultClassName, idx.config.ClassName)
	assert.Equal(t, 100, idx.config.BatchSize)
}

func TestObjectIDIsStable(t *testing.T) {
	a := objectID("C", "month=jan")
	b := objectID("C", "month=jan")
	c := objectID("C", "month=feb")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 36)
}

func TestToObject(t *testing.T) {
	idx, err := NewEmbeddingIndex(&Config{Host: "h", ClassName: "Ctx"}, nil)
	require.NoError(t, err)

	obj, err := idx.toObject(interfaces.EmbeddingRecord{
		Key:     "k1",
		Context: gsmodels.ContextAssignment{"month": "jan"},
		Vector:  []float64{0.5, -1},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ctx", obj.Class)
	assert.Equal(t, []float32{0.5, -1}, []float32(obj.Vector))
	props := obj.Properties.(map[string]interface{})
	assert.Equal(t, "k1", props["key"])
	assert.JSONEq(t, `{"month":"jan"}`, props["context"].(string))
}

func TestParseNearest(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"Ctx": []interface{}{
				map[string]interface{}{
					"key":     "k1",
					"context": `{"month":"jan"}`,
					"_additional": map[string]interface{}{
						"distance": 0.25,
						"vector":   []interface{}{1.0, 2.0},
					},
				},
			},
		},
	}
	recs := parseNearest(data, "Ctx")
	require.Len(t, recs, 1)
	assert.Equal(t, "k1", recs[0].Key)
	assert.Equal(t, "jan", recs[0].Context["month"])
	assert.Equal(t, 0.25, recs[0].Distance)
	assert.Equal(t, []float64{1, 2}, recs[0].Vector)

	assert.Empty(t, parseNearest(map[string]models.JSONObject{}, "Ctx"))
}

func TestOperationsRequireConnection(t *testing.T) {
	idx, err := NewEmbeddingIndex(&Config{Host: "h"}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	assert.Error(t, idx.IndexEmbeddings(ctx, nil))
	_, err = idx.Nearest(ctx, []float64{1}, 3)
	assert.Error(t, err)
	assert.Error(t, idx.Ping(ctx))
}
