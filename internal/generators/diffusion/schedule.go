// Package diffusion implements the denoising diffusion backbones. Both
// registered kinds share one engine and differ only in their preset.
package diffusion

import (
	"fmt"
	"math"

	"github.com/inferloop/gridsynth/pkg/errors"
)

const (
	cosineOffset = 0.004
	maxBeta      = 0.999
)

// Schedule holds the noise schedule and every term derived from it.
type Schedule struct {
	Betas     []float64
	Alphas    []float64
	AlphaBars []float64
	// PosteriorVariance is beta_t*(1-alpha_bar_{t-1})/(1-alpha_bar_t), beta_0 at t=0.
	PosteriorVariance []float64
}

// NewSchedule builds an n-step schedule of the given kind. For the linear
// schedule the endpoints are rescaled by 1000/n so short chains keep the
// same total noise.
func NewSchedule(kind string, n int, betaStart, betaEnd float64) (*Schedule, error) {
	if n < 1 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "diffusion needs at least one step")
	}
	var betas []float64
	switch kind {
	case "linear":
		scale := 1000 / float64(n)
		betas = linspace(scale*betaStart, scale*betaEnd, n)
	case "quadratic":
		betas = linspace(math.Sqrt(betaStart), math.Sqrt(betaEnd), n)
		for i, b := range betas {
			betas[i] = b * b
		}
	case "cosine":
		betas = cosineBetas(n)
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown beta schedule %q", kind))
	}
	for i, b := range betas {
		betas[i] = math.Min(math.Max(b, 0), maxBeta)
	}
	return fromBetas(betas), nil
}

func cosineBetas(n int) []float64 {
	ab := make([]float64, n+1)
	for i := range ab {
		x := (float64(i)/float64(n) + cosineOffset) / (1 + cosineOffset) * math.Pi / 2
		c := math.Cos(x)
		ab[i] = c * c
	}
	betas := make([]float64, n)
	for i := range betas {
		betas[i] = 1 - ab[i+1]/ab[i]
	}
	return betas
}

func fromBetas(betas []float64) *Schedule {
	n := len(betas)
	s := &Schedule{
		Betas:             betas,
		Alphas:            make([]float64, n),
		AlphaBars:         make([]float64, n),
		PosteriorVariance: make([]float64, n),
	}
	prod := 1.0
	for t, b := range betas {
		s.Alphas[t] = 1 - b
		prod *= 1 - b
		s.AlphaBars[t] = prod
	}
	s.PosteriorVariance[0] = betas[0]
	for t := 1; t < n; t++ {
		s.PosteriorVariance[t] = betas[t] * (1 - s.AlphaBars[t-1]) / (1 - s.AlphaBars[t])
	}
	return s
}

// Len is the number of diffusion steps.
func (s *Schedule) Len() int { return len(s.Betas) }

// alphaBarPrev returns alpha_bar_{t-1}, 1 for t=0.
func (s *Schedule) alphaBarPrev(t int) float64 {
	if t == 0 {
		return 1
	}
	return s.AlphaBars[t-1]
}

// PosteriorCoefficients returns (c0, ct) with mean(x_{t-1} | x_t, x0) = c0*x0 + ct*x_t.
func (s *Schedule) PosteriorCoefficients(t int) (float64, float64) {
	ab, prev := s.AlphaBars[t], s.alphaBarPrev(t)
	c0 := s.Betas[t] * math.Sqrt(prev) / (1 - ab)
	ct := (1 - prev) * math.Sqrt(s.Alphas[t]) / (1 - ab)
	return c0, ct
}

// StridedTimesteps returns the DDIM visiting order: pairs (t, next) from
// n-1 down to 0, next = -1 on the final step.
func StridedTimesteps(n, steps int) [][2]int {
	if steps > n {
		steps = n
	}
	times := make([]int, steps+1)
	for i := range times {
		times[i] = int(-1 + float64(i)*float64(n)/float64(steps))
	}
	pairs := make([][2]int, 0, steps)
	for i := steps; i > 0; i-- {
		if times[i] == times[i-1] {
			continue
		}
		pairs = append(pairs, [2]int{times[i], times[i-1]})
	}
	return pairs
}

func linspace(from, to float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = from
		return out
	}
	step := (to - from) / float64(n-1)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}
