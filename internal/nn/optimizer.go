package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/pkg/errors"
)

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	learningRate float64
	scale        float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int                   // time step
	m            map[string]*mat.Dense // first moment estimate
	v            map[string]*mat.Dense // second moment estimate
}

// AdamOption customizes an optimizer.
type AdamOption func(*AdamOptimizer)

// WithBetas overrides the moment decay rates.
func WithBetas(beta1, beta2 float64) AdamOption {
	return func(o *AdamOptimizer) {
		o.beta1 = beta1
		o.beta2 = beta2
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(learningRate float64, opts ...AdamOption) *AdamOptimizer {
	o := &AdamOptimizer{
		learningRate: learningRate,
		scale:        1,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make(map[string]*mat.Dense),
		v:            make(map[string]*mat.Dense),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Step applies one update to every unfrozen parameter from its accumulated
// gradient, then clears all gradients.
func (opt *AdamOptimizer) Step(params []*Param) {
	opt.t++
	lr := opt.EffectiveLearningRate()
	c1 := 1 - math.Pow(opt.beta1, float64(opt.t))
	c2 := 1 - math.Pow(opt.beta2, float64(opt.t))

	for _, p := range params {
		if p.Frozen {
			p.ZeroGrad()
			continue
		}
		rows, cols := p.Value.Dims()
		m, ok := opt.m[p.Name]
		if !ok {
			m = mat.NewDense(rows, cols, nil)
			opt.m[p.Name] = m
			opt.v[p.Name] = mat.NewDense(rows, cols, nil)
		}
		v := opt.v[p.Name]
		for r := 0; r < rows; r++ {
			w, g := p.Value.RawRowView(r), p.Grad.RawRowView(r)
			mr, vr := m.RawRowView(r), v.RawRowView(r)
			for c := range w {
				mr[c] = opt.beta1*mr[c] + (1-opt.beta1)*g[c]
				vr[c] = opt.beta2*vr[c] + (1-opt.beta2)*g[c]*g[c]
				mhat := mr[c] / c1
				vhat := vr[c] / c2
				w[c] -= lr * mhat / (math.Sqrt(vhat) + opt.epsilon)
			}
		}
		p.ZeroGrad()
	}
}

// GetLearningRate returns the base learning rate
func (opt *AdamOptimizer) GetLearningRate() float64 {
	return opt.learningRate
}

// SetLearningRate sets the base learning rate
func (opt *AdamOptimizer) SetLearningRate(lr float64) {
	opt.learningRate = lr
}

// SetScale sets the schedule multiplier applied on top of the base rate.
func (opt *AdamOptimizer) SetScale(s float64) {
	opt.scale = s
}

// EffectiveLearningRate is the base rate times the schedule multiplier.
func (opt *AdamOptimizer) EffectiveLearningRate() float64 {
	return opt.learningRate * opt.scale
}

// GetTimeStep returns the current time step
func (opt *AdamOptimizer) GetTimeStep() int {
	return opt.t
}

// Reset resets the optimizer state
func (opt *AdamOptimizer) Reset() {
	opt.t = 0
	opt.m = make(map[string]*mat.Dense)
	opt.v = make(map[string]*mat.Dense)
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	LearningRate float64    `json:"learning_rate"`
	Scale        float64    `json:"scale"`
	Beta1        float64    `json:"beta1"`
	Beta2        float64    `json:"beta2"`
	T            int        `json:"t"`
	M            ParamState `json:"m"`
	V            ParamState `json:"v"`
}

// State snapshots the optimizer.
func (opt *AdamOptimizer) State() AdamState {
	st := AdamState{
		LearningRate: opt.learningRate,
		Scale:        opt.scale,
		Beta1:        opt.beta1,
		Beta2:        opt.beta2,
		T:            opt.t,
		M:            make(ParamState, len(opt.m)),
		V:            make(ParamState, len(opt.v)),
	}
	for k, m := range opt.m {
		st.M[k] = TensorOf(m)
		st.V[k] = TensorOf(opt.v[k])
	}
	return st
}

// Restore loads a snapshot taken by State.
func (opt *AdamOptimizer) Restore(st AdamState) error {
	m := make(map[string]*mat.Dense, len(st.M))
	v := make(map[string]*mat.Dense, len(st.V))
	for k, t := range st.M {
		vt, ok := st.V[k]
		if !ok {
			return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
				fmt.Sprintf("optimizer state for %q has no second moment", k))
		}
		md, err := t.Dense()
		if err != nil {
			return err
		}
		vd, err := vt.Dense()
		if err != nil {
			return err
		}
		m[k], v[k] = md, vd
	}
	opt.learningRate = st.LearningRate
	opt.scale = st.Scale
	if opt.scale == 0 {
		opt.scale = 1
	}
	opt.beta1, opt.beta2 = st.Beta1, st.Beta2
	opt.t = st.T
	opt.m, opt.v = m, v
	return nil
}
