package conditioning

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
)

// RunningStats tracks an exponentially weighted mean and covariance of
// context embeddings:
//
//	mean = a*mean + (1-a)*batch_mean
//	cov  = a*cov + (1-a)*batch_cov + (1-a)*d*d^T,  d = batch_mean - mean
//
// The first batch initializes both directly.
type RunningStats struct {
	alpha   float64
	dim     int
	samples int
	mean    []float64
	cov     *mat.Dense
	inv     *mat.Dense
}

// StatsState is the serializable form of RunningStats.
type StatsState struct {
	Alpha   float64    `json:"alpha"`
	Dim     int        `json:"dim"`
	Samples int        `json:"samples"`
	Mean    []float64  `json:"mean,omitempty"`
	Cov     *nn.Tensor `json:"cov,omitempty"`
}

// NewRunningStats creates empty statistics for dim-wide embeddings.
func NewRunningStats(dim int, alpha float64) *RunningStats {
	if alpha <= 0 || alpha >= 1 {
		alpha = constants.RunningStatsAlpha
	}
	return &RunningStats{alpha: alpha, dim: dim}
}

// Initialized reports whether at least one batch has been absorbed.
func (s *RunningStats) Initialized() bool { return s.samples > 0 }

// Samples is the number of rows in the initializing batch.
func (s *RunningStats) Samples() int { return s.samples }

// Mean returns a copy of the running mean.
func (s *RunningStats) Mean() []float64 { return append([]float64(nil), s.mean...) }

// Covariance returns a copy of the running covariance, nil before the first update.
func (s *RunningStats) Covariance() *mat.Dense {
	if s.cov == nil {
		return nil
	}
	return mat.DenseCopyOf(s.cov)
}

func batchMoments(emb *mat.Dense) ([]float64, *mat.Dense) {
	r, c := emb.Dims()
	mean := make([]float64, c)
	for i := 0; i < r; i++ {
		row := emb.RawRowView(i)
		for j := range mean {
			mean[j] += row[j]
		}
	}
	for j := range mean {
		mean[j] /= float64(r)
	}
	centered := mat.DenseCopyOf(emb)
	for i := 0; i < r; i++ {
		row := centered.RawRowView(i)
		for j := range row {
			row[j] -= mean[j]
		}
	}
	cov := mat.NewDense(c, c, nil)
	cov.Mul(centered.T(), centered)
	cov.Scale(1/float64(r-1), cov)
	addRidge(cov, constants.RunningStatsRidge)
	return mean, cov
}

func addRidge(m *mat.Dense, ridge float64) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		m.Set(i, i, m.At(i, i)+ridge)
	}
}

// Update absorbs a batch of embeddings (one row each). Batches with fewer
// than two rows carry no covariance information and are ignored.
func (s *RunningStats) Update(emb *mat.Dense) error {
	r, c := emb.Dims()
	if c != s.dim {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("embedding width %d, statistics expect %d", c, s.dim))
	}
	if r < 2 {
		return nil
	}
	bMean, bCov := batchMoments(emb)
	if s.samples == 0 {
		s.mean, s.cov, s.samples = bMean, bCov, r
		return s.refreshInverse()
	}

	for j := range s.mean {
		s.mean[j] = s.alpha*s.mean[j] + (1-s.alpha)*bMean[j]
	}
	delta := make([]float64, c)
	for j := range delta {
		delta[j] = bMean[j] - s.mean[j]
	}
	outer := mat.NewDense(c, c, nil)
	dv := mat.NewVecDense(c, delta)
	outer.Outer(1, dv, dv)

	s.cov.Scale(s.alpha, s.cov)
	bCov.Scale(1-s.alpha, bCov)
	outer.Scale(1-s.alpha, outer)
	s.cov.Add(s.cov, bCov)
	s.cov.Add(s.cov, outer)
	return s.refreshInverse()
}

func (s *RunningStats) refreshInverse() error {
	reg := mat.DenseCopyOf(s.cov)
	addRidge(reg, constants.RunningStatsRidge)
	var inv mat.Dense
	if err := inv.Inverse(reg); err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError,
			"embedding covariance is not invertible")
	}
	s.inv = &inv
	return nil
}

// Mahalanobis returns sqrt(d^T inv(cov) d) per row.
func (s *RunningStats) Mahalanobis(emb *mat.Dense) ([]float64, error) {
	if !s.Initialized() {
		return nil, errors.NewNotTrainedError("running statistics are not initialized")
	}
	r, c := emb.Dims()
	if c != s.dim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("embedding width %d, statistics expect %d", c, s.dim))
	}
	out := make([]float64, r)
	diff := mat.NewVecDense(c, nil)
	var left mat.VecDense
	for i := 0; i < r; i++ {
		row := emb.RawRowView(i)
		for j := 0; j < c; j++ {
			diff.SetVec(j, row[j]-s.mean[j])
		}
		left.MulVec(s.inv, diff)
		out[i] = math.Sqrt(math.Max(mat.Dot(&left, diff), 0))
	}
	return out, nil
}

// IsRare flags rows whose distance exceeds the given quantile of the batch.
func (s *RunningStats) IsRare(emb *mat.Dense, percentile float64) ([]bool, error) {
	d, err := s.Mahalanobis(emb)
	if err != nil {
		return nil, err
	}
	return AboveQuantile(d, percentile), nil
}

// AboveQuantile flags values strictly above the linearly interpolated quantile.
func AboveQuantile(values []float64, q float64) []bool {
	thr := Quantile(values, q)
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = v > thr
	}
	return out
}

// Quantile returns the q-quantile with linear interpolation between order
// statistics, the definition numpy and torch default to.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// State exports the statistics.
func (s *RunningStats) State() StatsState {
	st := StatsState{Alpha: s.alpha, Dim: s.dim, Samples: s.samples, Mean: s.Mean()}
	if s.cov != nil {
		t := nn.TensorOf(s.cov)
		st.Cov = &t
	}
	return st
}

// RestoreStats rebuilds statistics, checking dimensions.
func RestoreStats(st StatsState, dim int) (*RunningStats, error) {
	if st.Dim != dim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("running statistics are %d-wide, module embeds %d", st.Dim, dim))
	}
	s := NewRunningStats(dim, st.Alpha)
	if st.Samples == 0 || st.Cov == nil {
		return s, nil
	}
	if len(st.Mean) != dim || st.Cov.Rows != dim || st.Cov.Cols != dim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "running statistics have inconsistent shapes")
	}
	cov, err := st.Cov.Dense()
	if err != nil {
		return nil, err
	}
	s.mean = append([]float64(nil), st.Mean...)
	s.cov = cov
	s.samples = st.Samples
	if err := s.refreshInverse(); err != nil {
		return nil, err
	}
	return s, nil
}

// RareWeights returns per-row loss weights lam for rare rows and 1-lam for
// the rest. Averaged over the batch this equals
// lam*(Nr/N)*L_rare + (1-lam)*(Nnr/N)*L_nonrare.
func RareWeights(rare []bool, lam float64) []float64 {
	w := make([]float64, len(rare))
	for i, r := range rare {
		if r {
			w[i] = lam
		} else {
			w[i] = 1 - lam
		}
	}
	return w
}
