package evaluation

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// DTW is the dynamic time warping distance between two series with absolute
// difference as the local cost.
func DTW(a, b []float64) float64 {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return 0
	}
	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	for j := 1; j <= m; j++ {
		prev[j] = math.Inf(1)
	}
	for i := 1; i <= n; i++ {
		curr[0] = math.Inf(1)
		for j := 1; j <= m; j++ {
			cost := math.Abs(a[i-1] - b[j-1])
			curr[j] = cost + math.Min(prev[j-1], math.Min(prev[j], curr[j-1]))
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

// DTWScore pairs row i of real with row i of syn. The value per pair is the
// channel average; the report carries mean/std over pairs and the per-channel
// means.
func DTWScore(ref, syn []*mat.Dense, columns []string) (models.MetricValue, error) {
	if err := checkPaired(ref, syn); err != nil {
		return models.MetricValue{}, err
	}
	_, channels := ref[0].Dims()
	perPair := make([]float64, len(ref))
	perChannel := make([]float64, channels)
	for i := range ref {
		for c := 0; c < channels; c++ {
			d := DTW(mat.Col(nil, c, ref[i]), mat.Col(nil, c, syn[i]))
			perPair[i] += d / float64(channels)
			perChannel[c] += d / float64(len(ref))
		}
	}
	mean, std := stat.MeanStdDev(perPair, nil)
	v := models.MeanStd(mean, std)
	v.PerChannel = channelMap(columns, perChannel)
	return v, nil
}

// MMD is the biased squared maximum mean discrepancy under an RBF kernel.
// Squared distances are averaged over vector length so the bandwidth does
// not depend on seq_len. Negative estimates are clamped to zero.
func MMD(x, y [][]float64, bandwidth float64) float64 {
	kernel := func(a, b []float64) float64 {
		var d float64
		for i := range a {
			diff := a[i] - b[i]
			d += diff * diff
		}
		d /= float64(len(a))
		return math.Exp(-d / (2 * bandwidth * bandwidth))
	}
	mean := func(p, q [][]float64) float64 {
		var s float64
		for _, a := range p {
			for _, b := range q {
				s += kernel(a, b)
			}
		}
		return s / float64(len(p)*len(q))
	}
	return math.Max(mean(x, x)+mean(y, y)-2*mean(x, y), 0)
}

// MMDScore computes MMD per channel and reports mean/std over channels.
func MMDScore(ref, syn []*mat.Dense, columns []string, bandwidth float64) (models.MetricValue, error) {
	if err := checkPaired(ref, syn); err != nil {
		return models.MetricValue{}, err
	}
	_, channels := ref[0].Dims()
	perChannel := make([]float64, channels)
	for c := 0; c < channels; c++ {
		perChannel[c] = MMD(channelVectors(ref, c), channelVectors(syn, c), bandwidth)
	}
	mean, std := 0.0, 0.0
	if channels == 1 {
		mean = perChannel[0]
	} else {
		mean, std = stat.MeanStdDev(perChannel, nil)
	}
	v := models.MeanStd(mean, std)
	v.PerChannel = channelMap(columns, perChannel)
	return v, nil
}

// BoundedMSE measures how far synthetic sequences leave the per-timestep
// envelope spanned by real sequences of the same context. Values inside the
// envelope cost nothing.
func BoundedMSE(ref, syn []*mat.Dense, contexts []models.EncodedContext) (models.MetricValue, error) {
	if err := checkPaired(ref, syn); err != nil {
		return models.MetricValue{}, err
	}
	if len(contexts) != len(ref) {
		return models.MetricValue{}, errors.NewValidationError(errors.CodeInvalidInput, "contexts do not match sequences")
	}
	type envelope struct{ lo, hi *mat.Dense }
	envs := make(map[string]*envelope)
	for i, seq := range ref {
		k := contexts[i].Key()
		env, ok := envs[k]
		if !ok {
			envs[k] = &envelope{lo: mat.DenseCopyOf(seq), hi: mat.DenseCopyOf(seq)}
			continue
		}
		r, c := seq.Dims()
		for t := 0; t < r; t++ {
			for ch := 0; ch < c; ch++ {
				v := seq.At(t, ch)
				env.lo.Set(t, ch, math.Min(env.lo.At(t, ch), v))
				env.hi.Set(t, ch, math.Max(env.hi.At(t, ch), v))
			}
		}
	}

	scores := make([]float64, len(syn))
	for i, seq := range syn {
		env := envs[contexts[i].Key()]
		r, c := seq.Dims()
		var total float64
		for t := 0; t < r; t++ {
			for ch := 0; ch < c; ch++ {
				v := seq.At(t, ch)
				switch {
				case v < env.lo.At(t, ch):
					d := env.lo.At(t, ch) - v
					total += d * d
				case v > env.hi.At(t, ch):
					d := v - env.hi.At(t, ch)
					total += d * d
				}
			}
		}
		scores[i] = total / float64(r*c)
	}
	mean, std := stat.MeanStdDev(scores, nil)
	return models.MeanStd(mean, std), nil
}

func checkPaired(ref, syn []*mat.Dense) error {
	if len(ref) == 0 || len(ref) != len(syn) {
		return errors.NewValidationError(errors.CodeInvalidInput, "real and synthetic sets must be non-empty and paired")
	}
	r1, c1 := ref[0].Dims()
	for _, s := range syn {
		if r, c := s.Dims(); r != r1 || c != c1 {
			return errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "synthetic sequence shape differs from real")
		}
	}
	return nil
}

func channelVectors(seqs []*mat.Dense, c int) [][]float64 {
	out := make([][]float64, len(seqs))
	for i, s := range seqs {
		out[i] = mat.Col(nil, c, s)
	}
	return out
}

func channelMap(columns []string, values []float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for i, v := range values {
		if i < len(columns) {
			out[columns[i]] = v
		}
	}
	return out
}
