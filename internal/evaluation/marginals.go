package evaluation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

const maxACFLag = 20

// KSStatistic is the two-sample Kolmogorov-Smirnov statistic: the largest
// gap between the empirical CDFs of a and b.
func KSStatistic(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	x := append([]float64(nil), a...)
	y := append([]float64(nil), b...)
	sort.Float64s(x)
	sort.Float64s(y)
	return stat.KolmogorovSmirnov(x, nil, y, nil)
}

// KSScore compares the pooled per-channel value distributions of real and
// synthetic sequences, ignoring time order.
func KSScore(ref, syn []*mat.Dense, columns []string) (models.MetricValue, error) {
	if err := checkPaired(ref, syn); err != nil {
		return models.MetricValue{}, err
	}
	_, channels := ref[0].Dims()
	perChannel := make([]float64, channels)
	for c := 0; c < channels; c++ {
		perChannel[c] = KSStatistic(pooled(ref, c), pooled(syn, c))
	}
	return overChannels(perChannel, columns), nil
}

// Autocorrelation returns the sample autocorrelation of x at lags 1..maxLag.
// A constant series has zero autocorrelation at every lag.
func Autocorrelation(x []float64, maxLag int) []float64 {
	n := len(x)
	out := make([]float64, maxLag)
	if n < 2 {
		return out
	}
	mean := stat.Mean(x, nil)
	var variance float64
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return out
	}
	for lag := 1; lag <= maxLag && lag < n; lag++ {
		var cov float64
		for i := lag; i < n; i++ {
			cov += (x[i] - mean) * (x[i-lag] - mean)
		}
		out[lag-1] = cov / variance
	}
	return out
}

// ACFScore is the mean absolute difference between the average
// autocorrelation functions of real and synthetic sequences, per channel.
func ACFScore(ref, syn []*mat.Dense, columns []string) (models.MetricValue, error) {
	if err := checkPaired(ref, syn); err != nil {
		return models.MetricValue{}, err
	}
	seqLen, channels := ref[0].Dims()
	if seqLen < 2 {
		return models.MetricValue{}, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("autocorrelation needs seq_len >= 2, got %d", seqLen))
	}
	lags := seqLen / 4
	if lags < 1 {
		lags = 1
	}
	if lags > maxACFLag {
		lags = maxACFLag
	}

	perChannel := make([]float64, channels)
	for c := 0; c < channels; c++ {
		r := meanACF(ref, c, lags)
		s := meanACF(syn, c, lags)
		var d float64
		for k := range r {
			d += math.Abs(r[k] - s[k])
		}
		perChannel[c] = d / float64(lags)
	}
	return overChannels(perChannel, columns), nil
}

func meanACF(seqs []*mat.Dense, c, lags int) []float64 {
	out := make([]float64, lags)
	for _, s := range seqs {
		for k, v := range Autocorrelation(mat.Col(nil, c, s), lags) {
			out[k] += v / float64(len(seqs))
		}
	}
	return out
}

func pooled(seqs []*mat.Dense, c int) []float64 {
	var out []float64
	for _, s := range seqs {
		out = append(out, mat.Col(nil, c, s)...)
	}
	return out
}

func overChannels(perChannel []float64, columns []string) models.MetricValue {
	mean, std := perChannel[0], 0.0
	if len(perChannel) > 1 {
		mean, std = stat.MeanStdDev(perChannel, nil)
	}
	v := models.MeanStd(mean, std)
	v.PerChannel = channelMap(columns, perChannel)
	return v
}
