package conditioning

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

var testCatalog = models.Catalog{
	{Name: "month", Kind: models.VariableCategorical, Cardinality: 3},
	{Name: "temp", Kind: models.VariableContinuous},
}

func newTestModule(t *testing.T, sparseWeight float64) *Module {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	m, err := New(testCatalog, Options{EmbeddingDim: 4, HiddenDim: 8, SparseLossWeight: sparseWeight, Seed: 1}, logger)
	require.NoError(t, err)
	return m
}

func ctx(month int, temp float64, present ...bool) models.EncodedContext {
	return models.EncodedContext{Indices: []int{month}, Values: []float64{temp}, Present: present}
}

func TestNewModuleValidation(t *testing.T) {
	_, err := New(testCatalog, Options{EmbeddingDim: 0, HiddenDim: 8}, nil)
	assert.Error(t, err)
	_, err = New(testCatalog, Options{EmbeddingDim: 4, HiddenDim: 8, SparseLossWeight: 1.5}, nil)
	assert.Error(t, err)
	_, err = New(models.Catalog{{Name: "x", Kind: models.VariableCategorical}}, Options{EmbeddingDim: 4, HiddenDim: 8}, nil)
	assert.True(t, errors.IsConfigMismatch(err))
}

func TestEncodeFixedWidth(t *testing.T) {
	m := newTestModule(t, 0.5)
	batch := []models.EncodedContext{
		ctx(1, 0.3, true, true),
		ctx(-1, 0.3, false, true),
		ctx(2, 0, true, false),
		ctx(-1, 0, false, false),
	}
	z, err := m.Encode(batch)
	require.NoError(t, err)
	r, c := z.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.True(t, nn.IsFinite(z))
}

func TestEncodeUsesUnknownEmbedding(t *testing.T) {
	m := newTestModule(t, 0.5)
	a, err := m.Encode([]models.EncodedContext{ctx(1, 0, true, false)})
	require.NoError(t, err)
	b, err := m.Encode([]models.EncodedContext{ctx(1, 7.5, true, false)})
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(a, b, 1e-12), "absent continuous value is ignored")

	full, err := m.Encode([]models.EncodedContext{ctx(1, 7.5, true, true)})
	require.NoError(t, err)
	assert.False(t, mat.EqualApprox(full, b, 1e-9))
}

func TestEncodeDeterministic(t *testing.T) {
	m := newTestModule(t, 0.5)
	batch := []models.EncodedContext{ctx(0, 1, true, true), ctx(2, -1, true, true)}
	a, err := m.Encode(batch)
	require.NoError(t, err)
	b, err := m.Encode(batch)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))
}

func TestEncodeRejectsMismatchedContext(t *testing.T) {
	m := newTestModule(t, 0.5)
	_, err := m.Encode([]models.EncodedContext{{Indices: []int{0, 1}, Values: []float64{0}, Present: []bool{true, true}}})
	assert.True(t, errors.IsConfigMismatch(err))
	_, err = m.Encode([]models.EncodedContext{ctx(3, 0, true, true)})
	assert.True(t, errors.IsConfigMismatch(err))
	_, err = m.Encode(nil)
	assert.Error(t, err)
}

func TestEmptyCatalog(t *testing.T) {
	m, err := New(nil, Options{EmbeddingDim: 3, HiddenDim: 5}, nil)
	require.NoError(t, err)
	z, err := m.Encode([]models.EncodedContext{{}, {}})
	require.NoError(t, err)
	r, c := z.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
}

func TestKL(t *testing.T) {
	out := &Output{Mu: mat.NewDense(2, 3, nil), LogVar: mat.NewDense(2, 3, nil)}
	assert.InDelta(t, 0, KL(out), 1e-12)

	out.Mu.Set(0, 0, 2)
	assert.InDelta(t, 0.5*4/2, KL(out), 1e-12)
}

// lossOf is sum(z * r) + klWeight * KL for a fixed probe matrix r.
func lossOf(t *testing.T, m *Module, batch []models.EncodedContext, r *mat.Dense, klWeight float64) float64 {
	out, _, err := m.Forward(batch, nil)
	require.NoError(t, err)
	var s float64
	rows, cols := out.Z.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			s += out.Z.At(i, j) * r.At(i, j)
		}
	}
	return s + klWeight*KL(out)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m := newTestModule(t, 1)
	batch := []models.EncodedContext{
		ctx(0, 0.5, true, true),
		ctx(2, -1, true, true),
		ctx(-1, 0, false, false),
	}
	probe := nn.RandN(3, 4, rand.New(rand.NewSource(3)))
	const klWeight = 0.3

	_, cache, err := m.Forward(batch, nil)
	require.NoError(t, err)
	nn.ZeroGrads(m.Params())
	m.Backward(cache, probe, klWeight)

	const h = 1e-6
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		checks := 0
		for i := 0; i < r && checks < 3; i++ {
			for j := 0; j < c && checks < 3; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+h)
				up := lossOf(t, m, batch, probe, klWeight)
				p.Value.Set(i, j, orig-h)
				down := lossOf(t, m, batch, probe, klWeight)
				p.Value.Set(i, j, orig)
				numeric := (up - down) / (2 * h)
				assert.InDelta(t, numeric, p.Grad.At(i, j), 1e-4*math.Max(1, math.Abs(numeric)), "%s[%d,%d]", p.Name, i, j)
				checks++
			}
		}
	}
}

func TestSparseSamplesAreDownWeighted(t *testing.T) {
	m := newTestModule(t, 0)
	sparse := []models.EncodedContext{ctx(-1, 0.5, false, true), ctx(1, 0, true, false)}
	_, cache, err := m.Forward(sparse, nil)
	require.NoError(t, err)
	nn.ZeroGrads(m.Params())
	m.Backward(cache, nn.Ones(2, 4), 0.1)
	assert.Zero(t, nn.GradNorm(m.Params()))

	full := []models.EncodedContext{ctx(0, 0.5, true, true)}
	_, cache, err = m.Forward(full, nil)
	require.NoError(t, err)
	m.Backward(cache, nn.Ones(1, 4), 0.1)
	assert.Greater(t, nn.GradNorm(m.Params()), 0.0)

	assert.Equal(t, []float64{0, 0, 1}, m.SampleWeights(append(sparse, full...)))
}

func TestFreeze(t *testing.T) {
	m := newTestModule(t, 1)
	m.Freeze()
	assert.True(t, m.Frozen())
	for _, p := range m.Params() {
		assert.True(t, p.Frozen, p.Name)
	}
	_, cache, err := m.Forward([]models.EncodedContext{ctx(0, 1, true, true)}, nil)
	require.NoError(t, err)
	m.Backward(cache, nn.Ones(1, 4), 1)
	assert.Zero(t, nn.GradNorm(m.Params()))
}

func TestStochasticForward(t *testing.T) {
	m := newTestModule(t, 1)
	batch := []models.EncodedContext{ctx(0, 1, true, true)}
	det, _, err := m.Forward(batch, nil)
	require.NoError(t, err)
	assert.True(t, mat.Equal(det.Z, det.Mu))

	sto, _, err := m.Forward(batch, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(sto.Mu, det.Mu))
	assert.False(t, mat.Equal(sto.Z, sto.Mu))
}

func TestMask(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := []models.EncodedContext{ctx(1, 0.5, true, true), ctx(2, -1, true, true)}

	all := Mask(in, testCatalog, 0.999999, rng)
	for _, c := range all {
		assert.Equal(t, []int{-1}, c.Indices)
		assert.Equal(t, []float64{0}, c.Values)
		assert.Equal(t, []bool{false, false}, c.Present)
	}
	assert.Equal(t, []int{1}, in[0].Indices, "input is not mutated")

	none := Mask(in, testCatalog, 0, rng)
	assert.Equal(t, in, none)
}

func TestStateRoundTrip(t *testing.T) {
	m := newTestModule(t, 1)
	require.NoError(t, m.Stats().Update(nn.RandN(6, 4, rand.New(rand.NewSource(2)))))
	m.Freeze()

	other, err := New(testCatalog, Options{EmbeddingDim: 4, HiddenDim: 8, SparseLossWeight: 1, Seed: 99}, nil)
	require.NoError(t, err)
	require.NoError(t, other.Restore(m.State()))
	assert.True(t, other.Frozen())
	assert.True(t, other.Stats().Initialized())

	batch := []models.EncodedContext{ctx(0, 1, true, true), ctx(-1, 0, false, false)}
	a, err := m.Encode(batch)
	require.NoError(t, err)
	b, err := other.Encode(batch)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))

	wide, err := New(testCatalog, Options{EmbeddingDim: 5, HiddenDim: 8}, nil)
	require.NoError(t, err)
	assert.True(t, errors.IsConfigMismatch(wide.Restore(m.State())))
}
