package sampling

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/generators"
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

type fixture struct {
	ds       *dataset.Dataset
	model    config.ModelConfig
	module   *conditioning.Module
	backbone interfaces.Backbone
}

func newFixture(t *testing.T, kind interfaces.BackboneKind) fixture {
	t.Helper()
	table := models.NewTable("dataid", "month", "grid", "solar")
	for i := 0; i < 18; i++ {
		table.Append(models.Row{
			"dataid": i,
			"month":  []string{"jan", "feb", "mar"}[i%3],
			"grid":   []float64{float64(i), float64(i) + 1, 2, 3, 1, 0},
			"solar":  []float64{0, 0.5, float64(i%3) + 1, 1, 0.5, 0},
		})
	}
	ds, err := dataset.New(table, dataset.Options{
		SequenceColumns:  []string{"grid", "solar"},
		EntityColumn:     "dataid",
		Catalog:          models.Catalog{{Name: "month", Kind: models.VariableCategorical, Cardinality: 3}},
		SeqLen:           6,
		Normalize:        true,
		Scale:            true,
		NormalizerMethod: config.NormalizerGlobal,
	}, testLogger())
	require.NoError(t, err)

	m := config.Default().Model
	m.Name = string(kind)
	m.CondEmbDim = 4
	m.HiddenDim = 8
	m.NoiseDim = 3
	m.NSteps = 5
	m.SamplingTimesteps = 5

	module, err := conditioning.New(ds.Catalog(), conditioning.Options{EmbeddingDim: 4, HiddenDim: 6, Seed: 1}, testLogger())
	require.NoError(t, err)
	shape := interfaces.BackboneShape{SeqLen: 6, Channels: 2, Scaled: true, Seed: 1}
	backbone, err := generators.NewFactory(testLogger()).CreateBackbone(kind, m, shape, module)
	require.NoError(t, err)
	return fixture{ds: ds, model: m, module: module, backbone: backbone}
}

func (f fixture) params() Params {
	return Params{
		RunID:           "run-1",
		Kind:            f.backbone.Kind(),
		SeqLen:          6,
		SequenceColumns: []string{"grid", "solar"},
		BatchSize:       4,
		Seed:            7,
		Encoder:         f.ds.Encoder(),
		Normalizer:      f.ds.Normalizer(),
		Module:          f.module,
		Backbone:        f.backbone,
	}
}

func (f fixture) generator(t *testing.T) *DataGenerator {
	t.Helper()
	g, err := New(f.params(), testLogger())
	require.NoError(t, err)
	return g
}

func seed(v int64) *int64 { return &v }

func TestGenerateShapes(t *testing.T) {
	for _, kind := range []interfaces.BackboneKind{
		interfaces.BackboneDiffusionTS,
		interfaces.BackboneDiffCharge,
		interfaces.BackboneACGAN,
	} {
		t.Run(string(kind), func(t *testing.T) {
			g := newFixture(t, kind).generator(t)
			samples, err := g.Generate(context.Background(), models.ContextAssignment{"month": "mar"}, 9, Options{})
			require.NoError(t, err)
			require.Len(t, samples, 9)
			for _, s := range samples {
				assert.Equal(t, "mar", s.Context["month"])
				assert.Empty(t, s.Unspecified)
				assert.Equal(t, int64(7), s.Seed)
				assert.Len(t, s.Series["grid"], 6)
				assert.Len(t, s.Series["solar"], 6)
			}
		})
	}
}

func TestGenerateIsDeterministicPerSeed(t *testing.T) {
	g := newFixture(t, interfaces.BackboneACGAN).generator(t)
	ctx := context.Background()
	a := models.ContextAssignment{"month": "jan"}

	first, err := g.Generate(ctx, a, 5, Options{Seed: seed(42)})
	require.NoError(t, err)
	second, err := g.Generate(ctx, a, 5, Options{Seed: seed(42)})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := g.Generate(ctx, a, 5, Options{Seed: seed(43)})
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Series, other[0].Series)
}

func TestGenerateConcurrently(t *testing.T) {
	g := newFixture(t, interfaces.BackboneDiffusionTS).generator(t)
	ctx := context.Background()
	a := models.ContextAssignment{"month": "feb"}
	want, err := g.Generate(ctx, a, 3, Options{Seed: seed(5)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]models.GeneratedSample, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Generate(ctx, a, 3, Options{Seed: seed(5)})
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	g := newFixture(t, interfaces.BackboneACGAN).generator(t)
	ctx := context.Background()

	_, err := g.Generate(ctx, models.ContextAssignment{"month": "jan"}, 0, Options{})
	assert.Error(t, err)

	_, err = g.Generate(ctx, models.ContextAssignment{"month": "dec"}, 2, Options{})
	assert.True(t, errors.IsUnknownCategory(err))

	_, err = g.GenerateFor(ctx, nil, Options{})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = g.Generate(cancelled, models.ContextAssignment{"month": "jan"}, 2, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartialAssignment(t *testing.T) {
	g := newFixture(t, interfaces.BackboneDiffCharge).generator(t)
	samples, err := g.Generate(context.Background(), models.ContextAssignment{}, 2, Options{Stochastic: true})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, []string{"month"}, samples[0].Unspecified)
	assert.NotContains(t, samples[0].Context, "month")
}

func TestGenerateForKeepsOrder(t *testing.T) {
	g := newFixture(t, interfaces.BackboneACGAN).generator(t)
	assignments := []models.ContextAssignment{{"month": "mar"}, {"month": "jan"}, {"month": "feb"}, {"month": "jan"}}
	samples, err := g.GenerateFor(context.Background(), assignments, Options{})
	require.NoError(t, err)
	require.Len(t, samples, 4)
	for i, s := range samples {
		assert.Equal(t, assignments[i]["month"], s.Context["month"])
	}
}

func TestNewValidatesParams(t *testing.T) {
	f := newFixture(t, interfaces.BackboneACGAN)

	p := f.params()
	p.Backbone = nil
	_, err := New(p, testLogger())
	assert.True(t, errors.IsNotTrained(err))

	p = f.params()
	p.SequenceColumns = nil
	_, err = New(p, testLogger())
	assert.True(t, errors.IsConfigMismatch(err))

	other, err := conditioning.New(models.Catalog{{Name: "season", Kind: models.VariableCategorical, Cardinality: 2}},
		conditioning.Options{EmbeddingDim: 4, HiddenDim: 6, Seed: 1}, testLogger())
	require.NoError(t, err)
	p = f.params()
	p.Module = other
	_, err = New(p, testLogger())
	assert.True(t, errors.IsConfigMismatch(err))

	p = f.params()
	p.BatchSize = 0
	g, err := New(p, testLogger())
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultSamplingBatchSize, g.p.BatchSize)
}

func TestFromCheckpointMatchesLiveGenerator(t *testing.T) {
	f := newFixture(t, interfaces.BackboneDiffusionTS)
	live := f.generator(t)

	norm, err := f.ds.Normalizer().State()
	require.NoError(t, err)
	a := &checkpoint.Artifact{
		Version:         constants.CheckpointFormatVersion,
		RunID:           "run-1",
		Kind:            f.backbone.Kind(),
		Model:           f.model,
		Seed:            7,
		SeqLen:          6,
		SequenceColumns: []string{"grid", "solar"},
		Scaled:          true,
		Backbone:        f.backbone.State(),
		Context:         f.module.State(),
		Encoder:         f.ds.Encoder().State(),
		Normalizer:      norm,
	}
	blob, err := checkpoint.Encode(a)
	require.NoError(t, err)
	decoded, err := checkpoint.Decode(blob)
	require.NoError(t, err)

	restored, err := FromCheckpoint(decoded, nil, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, live.RunID(), restored.RunID())
	assert.Equal(t, live.Catalog(), restored.Catalog())

	a1 := models.ContextAssignment{"month": "feb"}
	want, err := live.Generate(context.Background(), a1, 4, Options{Seed: seed(11)})
	require.NoError(t, err)
	got, err := restored.Generate(context.Background(), a1, 4, Options{Seed: seed(11)})
	require.NoError(t, err)
	for i := range want {
		for col, series := range want[i].Series {
			assert.InDeltaSlice(t, series, got[i].Series[col], 1e-9)
		}
	}
}

func TestEmbeddingRecordsDeduplicate(t *testing.T) {
	g := newFixture(t, interfaces.BackboneACGAN).generator(t)
	records, err := g.EmbeddingRecords([]models.ContextAssignment{
		{"month": "jan"}, {"month": "feb"}, {"month": "jan"}, {},
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Len(t, r.Vector, 4)
		assert.NotEmpty(t, r.Key)
	}
	assert.Equal(t, "jan", records[0].Context["month"])

	emb, err := g.Embed([]models.ContextAssignment{{"month": "jan"}})
	require.NoError(t, err)
	assert.Equal(t, emb.RawRowView(0), records[0].Vector)

	none, err := g.EmbeddingRecords(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
