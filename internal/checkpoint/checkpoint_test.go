package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/generators"
	"github.com/inferloop/gridsynth/internal/storage/implementations/file"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	table := models.NewTable("dataid", "month", "load")
	for i := 0; i < 12; i++ {
		table.Append(models.Row{
			"dataid": i,
			"month":  []string{"jan", "feb", "mar"}[i%3],
			"load":   []float64{float64(i), float64(i) + 1, float64(i) * 2, 3},
		})
	}
	ds, err := dataset.New(table, dataset.Options{
		SequenceColumns:  []string{"load"},
		EntityColumn:     "dataid",
		Catalog:          models.Catalog{{Name: "month", Kind: models.VariableCategorical, Cardinality: 3}},
		SeqLen:           4,
		Normalize:        true,
		Scale:            true,
		NormalizerMethod: config.NormalizerGlobal,
	}, testLogger())
	require.NoError(t, err)
	return ds
}

func testArtifact(t *testing.T, kind interfaces.BackboneKind) (*Artifact, interfaces.Backbone, *conditioning.Module) {
	t.Helper()
	ds := testDataset(t)
	cfg := config.Default().Model
	cfg.Name = string(kind)
	cfg.CondEmbDim = 4
	cfg.HiddenDim = 8
	cfg.NoiseDim = 3
	cfg.NSteps = 5
	cfg.SamplingTimesteps = 5

	module, err := conditioning.New(ds.Catalog(), conditioning.Options{EmbeddingDim: 4, HiddenDim: 6, SparseLossWeight: cfg.SparseConditioningLossWeight, Seed: 1}, testLogger())
	require.NoError(t, err)
	shape := interfaces.BackboneShape{SeqLen: 4, Channels: 1, Scaled: true, Seed: 1}
	backbone, err := generators.NewFactory(testLogger()).CreateBackbone(kind, cfg, shape, module)
	require.NoError(t, err)

	normState, err := ds.Normalizer().State()
	require.NoError(t, err)
	return &Artifact{
		Version:         constants.CheckpointFormatVersion,
		RunID:           NewRunID(),
		Kind:            kind,
		Model:           cfg,
		Seed:            1,
		SeqLen:          4,
		SequenceColumns: []string{"load"},
		Scaled:          true,
		Epoch:           3,
		Step:            12,
		Backbone:        backbone.State(),
		Context:         module.State(),
		Encoder:         ds.Encoder().State(),
		Normalizer:      normState,
	}, backbone, module
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a, _, _ := testArtifact(t, interfaces.BackboneDiffusionTS)
	blob, err := Encode(a)
	require.NoError(t, err)

	_, err = gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err, "artifact is gzip-compressed")

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, a.RunID, got.RunID)
	assert.Equal(t, a.Epoch, got.Epoch)
	assert.Equal(t, a.Step, got.Step)
	assert.Equal(t, a.Model.CondEmbDim, got.Model.CondEmbDim)
	assert.Equal(t, a.Encoder.Vocabulary, got.Encoder.Vocabulary)
	assert.Equal(t, a.Shape(), got.Shape())
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode([]byte("not a checkpoint"))
	assert.True(t, errors.IsConfigMismatch(err))

	a, _, _ := testArtifact(t, interfaces.BackboneACGAN)
	a.Version = constants.CheckpointFormatVersion + 1
	blob, err := Encode(a)
	require.NoError(t, err)
	_, err = Decode(blob)
	assert.True(t, errors.IsConfigMismatch(err))
}

func TestValidateDimensions(t *testing.T) {
	a, _, _ := testArtifact(t, interfaces.BackboneDiffCharge)
	require.NoError(t, a.Validate())

	wide := *a
	wide.SequenceColumns = []string{"load", "solar"}
	assert.True(t, errors.IsConfigMismatch(wide.Validate()))

	emb := *a
	emb.Model.CondEmbDim = 9
	assert.True(t, errors.IsConfigMismatch(emb.Validate()))

	kind := *a
	kind.Kind = interfaces.BackboneACGAN
	assert.True(t, errors.IsConfigMismatch(kind.Validate()))
}

func TestRebuildMatchesOriginal(t *testing.T) {
	for _, kind := range []interfaces.BackboneKind{interfaces.BackboneDiffusionTS, interfaces.BackboneACGAN} {
		a, backbone, module := testArtifact(t, kind)
		blob, err := Encode(a)
		require.NoError(t, err)
		decoded, err := Decode(blob)
		require.NoError(t, err)

		bundle, err := Rebuild(decoded, nil, testLogger())
		require.NoError(t, err, kind)
		assert.Equal(t, kind, bundle.Backbone.Kind())
		assert.True(t, bundle.Normalizer.Fitted())

		contexts := []models.EncodedContext{
			{Indices: []int{0}, Present: []bool{true}},
			{Indices: []int{-1}, Present: []bool{false}},
		}
		want, err := module.Encode(contexts)
		require.NoError(t, err)
		got, err := bundle.Module.Encode(contexts)
		require.NoError(t, err)
		assert.True(t, mat.Equal(want, got))

		x, err := backbone.Sample(context.Background(), want, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		y, err := bundle.Backbone.Sample(context.Background(), got, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		assert.True(t, mat.Equal(x, y), kind)
	}
}

func TestManager(t *testing.T) {
	store, err := file.NewCheckpointStore(&file.Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	m := NewManager(store, testLogger())

	_, err = m.Latest(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotFound)

	a, _, _ := testArtifact(t, interfaces.BackboneDiffusionTS)
	a.Version = 0
	id, err := m.Save(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, ArtifactID(a.RunID, 3), id)
	assert.Equal(t, constants.CheckpointFormatVersion, a.Version)
	assert.False(t, a.CreatedAt.IsZero())

	loaded, err := m.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a.RunID, loaded.RunID)

	latest, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)

	infos, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
