package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Activation is an element-wise nonlinearity.
type Activation string

const (
	Identity  Activation = "identity"
	ReLU      Activation = "relu"
	LeakyReLU Activation = "leaky_relu"
	Tanh      Activation = "tanh"
	Sigmoid   Activation = "sigmoid"
	SiLU      Activation = "silu"
)

const leakySlope = 0.2

// ParseActivation validates an activation name.
func ParseActivation(name string) (Activation, error) {
	switch a := Activation(name); a {
	case Identity, ReLU, LeakyReLU, Tanh, Sigmoid, SiLU:
		return a, nil
	case "", "linear":
		return Identity, nil
	default:
		return "", fmt.Errorf("unknown activation %q", name)
	}
}

// Forward applies the activation to a pre-activation matrix.
func (a Activation) Forward(x *mat.Dense) *mat.Dense {
	switch a {
	case Identity, "":
		return mat.DenseCopyOf(x)
	case ReLU:
		return Apply(x, func(v float64) float64 { return math.Max(v, 0) })
	case LeakyReLU:
		return Apply(x, func(v float64) float64 {
			if v > 0 {
				return v
			}
			return leakySlope * v
		})
	case Tanh:
		return Apply(x, math.Tanh)
	case Sigmoid:
		return Apply(x, sigmoid)
	case SiLU:
		return Apply(x, func(v float64) float64 { return v * sigmoid(v) })
	default:
		panic(fmt.Sprintf("nn: unknown activation %q", string(a)))
	}
}

// Backward maps dL/dy to dL/dx given the pre-activation x and output y.
func (a Activation) Backward(x, y, dy *mat.Dense) *mat.Dense {
	r, c := dy.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		xs, ys, gs, out := x.RawRowView(i), y.RawRowView(i), dy.RawRowView(i), dx.RawRowView(i)
		for j := range out {
			var d float64
			switch a {
			case Identity, "":
				d = 1
			case ReLU:
				if xs[j] > 0 {
					d = 1
				}
			case LeakyReLU:
				d = leakySlope
				if xs[j] > 0 {
					d = 1
				}
			case Tanh:
				d = 1 - ys[j]*ys[j]
			case Sigmoid:
				d = ys[j] * (1 - ys[j])
			case SiLU:
				s := sigmoid(xs[j])
				d = s * (1 + xs[j]*(1-s))
			}
			out[j] = gs[j] * d
		}
	}
	return dx
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
