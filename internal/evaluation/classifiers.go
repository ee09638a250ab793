package evaluation

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/errors"
)

const (
	auxLearningRate = 1e-3
	trainFraction   = 0.8
	predictiveLag   = 8
	maxWindows      = 4096
)

type classifierOptions struct {
	Epochs int
	Hidden int
}

// DiscriminativeScore trains a classifier to tell real from synthetic
// sequences on 80% of each set and returns |accuracy - 0.5| on the rest.
func DiscriminativeScore(ref, syn []*mat.Dense, opts classifierOptions, rng *rand.Rand) (float64, error) {
	if err := checkPaired(ref, syn); err != nil {
		return 0, err
	}
	n := len(ref)
	cut := int(trainFraction * float64(n))
	if cut < 1 || n-cut < 1 {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "too few rows for a train/test split")
	}

	xr := nn.Flatten(ref)
	xs := nn.Flatten(syn)
	scale := fitStandardizer(xr)
	scale.apply(xr)
	scale.apply(xs)

	permR, permS := rng.Perm(n), rng.Perm(n)
	trainR, testR := nn.SelectRows(xr, permR[:cut]), nn.SelectRows(xr, permR[cut:])
	trainS, testS := nn.SelectRows(xs, permS[:cut]), nn.SelectRows(xs, permS[cut:])

	_, width := xr.Dims()
	net := nn.NewMLP("discriminative", []int{width, opts.Hidden, 1}, nn.ReLU, nn.Identity, rng)
	opt := nn.NewAdamOptimizer(auxLearningRate)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		out, cache := net.ForwardTrain(trainR)
		_, g := nn.BCEWithLogits(out, 1)
		net.Backward(cache, g)
		out, cache = net.ForwardTrain(trainS)
		_, g = nn.BCEWithLogits(out, 0)
		net.Backward(cache, g)
		opt.Step(net.Params())
	}

	correct := 0
	lr := net.Forward(testR)
	for i := 0; i < n-cut; i++ {
		if lr.At(i, 0) > 0 {
			correct++
		}
	}
	ls := net.Forward(testS)
	for i := 0; i < n-cut; i++ {
		if ls.At(i, 0) <= 0 {
			correct++
		}
	}
	acc := float64(correct) / float64(2*(n-cut))
	return math.Abs(acc - 0.5), nil
}

// PredictiveScore trains a next-step forecaster on synthetic windows and
// returns its mean absolute error on real windows, in units of the real
// per-channel standard deviation.
func PredictiveScore(ref, syn []*mat.Dense, opts classifierOptions, rng *rand.Rand) (float64, error) {
	if err := checkPaired(ref, syn); err != nil {
		return 0, err
	}
	seqLen, channels := ref[0].Dims()
	lag := predictiveLag
	if lag > seqLen-1 {
		lag = seqLen - 1
	}
	if lag < 1 {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "sequences are too short to forecast")
	}

	scale := fitChannelStandardizer(ref)
	xs, ys := windows(syn, lag, scale, rng)
	xr, yr := windows(ref, lag, scale, rng)

	net := nn.NewMLP("predictive", []int{lag * channels, opts.Hidden, channels}, nn.ReLU, nn.Identity, rng)
	opt := nn.NewAdamOptimizer(auxLearningRate)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		out, cache := net.ForwardTrain(xs)
		_, g := nn.MSE(out, ys)
		net.Backward(cache, g)
		opt.Step(net.Params())
	}

	pred := net.Forward(xr)
	r, c := pred.Dims()
	var total float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			total += math.Abs(pred.At(i, j) - yr.At(i, j))
		}
	}
	return total / float64(r*c), nil
}

// standardizer holds per-column statistics of a reference matrix.
type standardizer struct {
	mean, std []float64
}

func fitStandardizer(m *mat.Dense) standardizer {
	r, c := m.Dims()
	s := standardizer{mean: columnMeans(m), std: make([]float64, c)}
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j, v := range row {
			d := v - s.mean[j]
			s.std[j] += d * d
		}
	}
	for j := range s.std {
		s.std[j] = math.Sqrt(s.std[j] / float64(r))
		if s.std[j] < 1e-8 {
			s.std[j] = 1
		}
	}
	return s
}

func (s standardizer) apply(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = (row[j] - s.mean[j]) / s.std[j]
		}
	}
}

// fitChannelStandardizer pools every timestep of every sequence per channel.
func fitChannelStandardizer(seqs []*mat.Dense) standardizer {
	var rows [][]float64
	for _, s := range seqs {
		r, _ := s.Dims()
		for t := 0; t < r; t++ {
			rows = append(rows, s.RawRowView(t))
		}
	}
	return fitStandardizer(nn.StackRows(rows))
}

// windows cuts standardized (lag -> next step) pairs from every sequence,
// subsampled to at most maxWindows rows.
func windows(seqs []*mat.Dense, lag int, scale standardizer, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	var xs, ys [][]float64
	for _, s := range seqs {
		r, c := s.Dims()
		z := mat.DenseCopyOf(s)
		scale.apply(z)
		for t := lag; t < r; t++ {
			x := make([]float64, 0, lag*c)
			for k := t - lag; k < t; k++ {
				x = append(x, z.RawRowView(k)...)
			}
			xs = append(xs, x)
			ys = append(ys, append([]float64(nil), z.RawRowView(t)...))
		}
	}
	if len(xs) > maxWindows {
		keep := rng.Perm(len(xs))[:maxWindows]
		px, py := make([][]float64, maxWindows), make([][]float64, maxWindows)
		for i, j := range keep {
			px[i], py[i] = xs[j], ys[j]
		}
		xs, ys = px, py
	}
	return nn.StackRows(xs), nn.StackRows(ys)
}
