package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/pkg/errors"
)

func TestMLPBackwardMatchesNumericGradient(t *testing.T) {
	for _, act := range []Activation{Tanh, Sigmoid, SiLU, LeakyReLU} {
		t.Run(string(act), func(t *testing.T) {
			rng := rand.New(rand.NewSource(3))
			m := NewMLP("net", []int{3, 5, 2}, act, Identity, rng)
			x := RandN(4, 3, rng)
			target := RandN(4, 2, rng)

			out, cache := m.ForwardTrain(x)
			_, dy := MSE(out, target)
			dx := m.Backward(cache, dy)

			lossAt := func() float64 {
				l, _ := MSE(m.Forward(x), target)
				return l
			}
			const h = 1e-6

			w := m.Layers[0].W
			orig := w.Value.At(1, 2)
			w.Value.Set(1, 2, orig+h)
			up := lossAt()
			w.Value.Set(1, 2, orig-h)
			down := lossAt()
			w.Value.Set(1, 2, orig)
			assert.InDelta(t, (up-down)/(2*h), w.Grad.At(1, 2), 1e-5)

			origX := x.At(2, 0)
			x.Set(2, 0, origX+h)
			up = lossAt()
			x.Set(2, 0, origX-h)
			down = lossAt()
			x.Set(2, 0, origX)
			assert.InDelta(t, (up-down)/(2*h), dx.At(2, 0), 1e-5)
		})
	}
}

func TestForwardIsPure(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := NewMLP("net", []int{2, 4, 1}, ReLU, Sigmoid, rng)
	x := RandN(3, 2, rng)
	before := mat.DenseCopyOf(x)

	a := m.Forward(x)
	b := m.Forward(x)
	assert.True(t, mat.Equal(a, b))
	assert.True(t, mat.Equal(before, x))
}

func TestAdamFitsLinearMap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := NewLinear("fit", 2, 1, rng)
	opt := NewAdamOptimizer(0.02)
	x := RandN(64, 2, rng)
	y := mat.NewDense(64, 1, nil)
	for i := 0; i < 64; i++ {
		y.Set(i, 0, 3*x.At(i, 0)-2*x.At(i, 1)+0.5)
	}

	var loss float64
	for i := 0; i < 1500; i++ {
		var dy *mat.Dense
		loss, dy = MSE(l.Forward(x), y)
		l.Backward(x, dy)
		opt.Step(l.Params())
	}
	assert.Less(t, loss, 1e-2)
	assert.InDelta(t, 3.0, l.W.Value.At(0, 0), 0.1)
	assert.InDelta(t, -2.0, l.W.Value.At(1, 0), 0.1)
	assert.Equal(t, 1500, opt.GetTimeStep())
}

func TestAdamSkipsFrozenParams(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewLinear("frozen", 2, 2, rng)
	before := mat.DenseCopyOf(l.W.Value)
	l.W.Frozen = true

	x := RandN(4, 2, rng)
	_, dy := MSE(l.Forward(x), mat.NewDense(4, 2, nil))
	l.Backward(x, dy)
	NewAdamOptimizer(0.1).Step(l.Params())

	assert.True(t, mat.Equal(before, l.W.Value))
	assert.Zero(t, mat.Norm(l.B.Grad, 2))
}

func TestAdamStateRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	l := NewLinear("rt", 3, 2, rng)
	opt := NewAdamOptimizer(0.01, WithBetas(0.5, 0.999))
	x := RandN(5, 3, rng)
	_, dy := MSE(l.Forward(x), RandN(5, 2, rng))
	l.Backward(x, dy)
	opt.Step(l.Params())
	opt.SetScale(0.1)

	restored := NewAdamOptimizer(1)
	require.NoError(t, restored.Restore(opt.State()))
	assert.Equal(t, opt.GetTimeStep(), restored.GetTimeStep())
	assert.InDelta(t, 0.001, restored.EffectiveLearningRate(), 1e-12)
	assert.Equal(t, opt.State(), restored.State())
}

func TestEMABlendsOnCadence(t *testing.T) {
	src := []*Param{NewParam("p", 1, 1)}
	shadow := []*Param{src[0].Clone()}
	ema := NewEMA(src, shadow, 0.5, 2)

	src[0].Value.Set(0, 0, 4)
	ema.Update()
	assert.Equal(t, 0.0, shadow[0].Value.At(0, 0), "first call is off cadence")
	ema.Update()
	assert.Equal(t, 2.0, shadow[0].Value.At(0, 0))
	assert.Equal(t, 2, ema.Step())
	assert.True(t, shadow[0].Frozen)

	src[0].Value.Set(0, 0, 100)
	assert.Equal(t, 2.0, shadow[0].Value.At(0, 0), "shadow must not alias source")
}

func TestImportParamsRejectsShapeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := NewLinear("layer", 2, 3, rng)
	b := NewLinear("layer", 3, 3, rng)
	before := mat.DenseCopyOf(b.W.Value)

	err := ImportParams(b.Params(), ExportParams(a.Params()))
	require.Error(t, err)
	assert.True(t, errors.IsConfigMismatch(err))
	assert.True(t, mat.Equal(before, b.W.Value))

	c := NewLinear("layer", 2, 3, rng)
	require.NoError(t, ImportParams(c.Params(), ExportParams(a.Params())))
	assert.True(t, mat.Equal(a.W.Value, c.W.Value))
}

func TestFlattenRoundTrip(t *testing.T) {
	s1 := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	s2 := mat.NewDense(3, 2, []float64{7, 8, 9, 10, 11, 12})
	flat := Flatten([]*mat.Dense{s1, s2})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, flat.RawRowView(0))

	back := Unflatten(flat, 3, 2)
	require.Len(t, back, 2)
	assert.True(t, mat.Equal(s1, back[0]))
	assert.True(t, mat.Equal(s2, back[1]))
}

func TestSoftmaxCrossEntropySkipsUnlabelled(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{0, 0, 0, 5, 1, 1})
	loss, grad := SoftmaxCrossEntropy(logits, []int{1, -1})
	assert.InDelta(t, math.Log(3), loss, 1e-9)
	assert.Equal(t, []float64{0, 0, 0}, grad.RawRowView(1))
	assert.InDelta(t, -2.0/3.0, grad.At(0, 1), 1e-9)
}

func TestBCEWithLogits(t *testing.T) {
	logits := mat.NewDense(2, 1, []float64{0, 0})
	loss, grad := BCEWithLogits(logits, 1)
	assert.InDelta(t, math.Log(2), loss, 1e-9)
	assert.InDelta(t, -0.25, grad.At(0, 0), 1e-9)
}

func TestRowWeightedLossReducesToMean(t *testing.T) {
	p := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	q := mat.NewDense(2, 2, nil)
	plain, _ := RowWeightedLoss(LossL1, p, q, nil)
	ones, _ := RowWeightedLoss(LossL1, p, q, []float64{1, 1})
	assert.Equal(t, plain, ones)
	assert.InDelta(t, 2.5, plain, 1e-12)

	half, _ := RowWeightedLoss(LossL2, p, q, []float64{1, 0})
	assert.InDelta(t, 5.0/4.0, half, 1e-12)
}
