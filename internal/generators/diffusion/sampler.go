package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/errors"
)

// Sample runs the reverse process from pure noise with the EMA denoiser.
// Ancestral DDPM visits every step; DDIM visits sampling_timesteps of them.
func (m *Model) Sample(ctx context.Context, cond *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	b, c := cond.Dims()
	if c != m.cfg.CondEmbDim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("conditioning width %d, backbone expects %d", c, m.cfg.CondEmbDim))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(m.shape.Seed))
	}
	x := nn.RandN(b, m.shape.Width(), rng)
	if m.ddim {
		return m.sampleDDIM(ctx, cond, x, rng)
	}
	return m.sampleDDPM(ctx, cond, x, rng)
}

func (m *Model) sampleDDPM(ctx context.Context, cond, x *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	b, w := x.Dims()
	for t := m.sched.Len() - 1; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x0, _ := m.predict(x, cond, t)
		c0, ct := m.sched.PosteriorCoefficients(t)
		next := mat.NewDense(b, w, nil)
		next.Scale(c0, x0)
		var tmp mat.Dense
		tmp.Scale(ct, x)
		next.Add(next, &tmp)
		if t > 0 {
			tmp.Scale(math.Sqrt(m.sched.PosteriorVariance[t]), nn.RandN(b, w, rng))
			next.Add(next, &tmp)
		}
		x = next
	}
	return x, nil
}

func (m *Model) sampleDDIM(ctx context.Context, cond, x *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	b, w := x.Dims()
	for _, pair := range StridedTimesteps(m.sched.Len(), m.cfg.SamplingTimesteps) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, tNext := pair[0], pair[1]
		x0, eps := m.predict(x, cond, t)
		if tNext < 0 {
			x = x0
			continue
		}
		ab, abNext := m.sched.AlphaBars[t], m.sched.AlphaBars[tNext]
		sigma := m.cfg.Eta * math.Sqrt((1-ab/abNext)*(1-abNext)/(1-ab))
		c := math.Sqrt(math.Max(1-abNext-sigma*sigma, 0))

		next := mat.NewDense(b, w, nil)
		next.Scale(math.Sqrt(abNext), x0)
		var tmp mat.Dense
		tmp.Scale(c, eps)
		next.Add(next, &tmp)
		if sigma > 0 {
			tmp.Scale(sigma, nn.RandN(b, w, rng))
			next.Add(next, &tmp)
		}
		x = next
	}
	return x, nil
}

// predict returns the EMA denoiser's estimate of x0 and the matching noise
// at step t, clipping x0 to [0,1] when enabled.
func (m *Model) predict(x, cond *mat.Dense, t int) (*mat.Dense, *mat.Dense) {
	b, _ := x.Dims()
	ts := make([]int, b)
	for i := range ts {
		ts[i] = t
	}
	out := m.shadow.Forward(nn.HStack(x, cond, timeEmbedding(ts, m.timeDim)))
	ab := m.sched.AlphaBars[t]
	sa, s1 := math.Sqrt(ab), math.Sqrt(1-ab)

	var x0, eps *mat.Dense
	if m.objective == objectiveNoise {
		eps = out
		x0 = combine(x, eps, 1/sa, -s1/sa)
	} else {
		x0 = out
	}
	if m.clip {
		x0 = nn.Apply(x0, func(v float64) float64 { return math.Min(math.Max(v, 0), 1) })
	}
	if m.clip || m.objective == objectiveX0 {
		eps = combine(x, x0, 1/s1, -sa/s1)
	}
	return x0, eps
}

// combine returns a*x + b*y.
func combine(x, y *mat.Dense, a, b float64) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		dst, xs, ys := out.RawRowView(i), x.RawRowView(i), y.RawRowView(i)
		for j := range dst {
			dst[j] = a*xs[j] + b*ys[j]
		}
	}
	return out
}
