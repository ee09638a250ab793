package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP is a stack of Linear layers with a shared hidden activation and a
// separate output activation.
type MLP struct {
	Layers []*Linear
	Hidden Activation
	Output Activation
}

// MLPCache keeps the intermediates of a training forward pass.
type MLPCache struct {
	inputs []*mat.Dense
	pre    []*mat.Dense
	outs   []*mat.Dense
}

// NewMLP builds layers for sizes[0] -> sizes[1] -> ... -> sizes[n-1].
func NewMLP(name string, sizes []int, hidden, output Activation, rng *rand.Rand) *MLP {
	if len(sizes) < 2 {
		panic("nn: MLP needs at least input and output sizes")
	}
	m := &MLP{Hidden: hidden, Output: output}
	for i := 0; i < len(sizes)-1; i++ {
		m.Layers = append(m.Layers, NewLinear(fmt.Sprintf("%s.l%d", name, i), sizes[i], sizes[i+1], rng))
	}
	return m
}

// InDim is the input width.
func (m *MLP) InDim() int { return m.Layers[0].In }

// OutDim is the output width.
func (m *MLP) OutDim() int { return m.Layers[len(m.Layers)-1].Out }

func (m *MLP) activation(i int) Activation {
	if i == len(m.Layers)-1 {
		return m.Output
	}
	return m.Hidden
}

// Forward runs inference without recording intermediates. Safe for concurrent use.
func (m *MLP) Forward(x *mat.Dense) *mat.Dense {
	h := x
	for i, l := range m.Layers {
		h = m.activation(i).Forward(l.Forward(h))
	}
	return h
}

// ForwardTrain runs the network and returns the cache Backward needs.
func (m *MLP) ForwardTrain(x *mat.Dense) (*mat.Dense, *MLPCache) {
	c := &MLPCache{}
	h := x
	for i, l := range m.Layers {
		c.inputs = append(c.inputs, h)
		z := l.Forward(h)
		h = m.activation(i).Forward(z)
		c.pre = append(c.pre, z)
		c.outs = append(c.outs, h)
	}
	return h, c
}

// Backward accumulates gradients for every layer and returns dL/dx.
func (m *MLP) Backward(c *MLPCache, dy *mat.Dense) *mat.Dense {
	g := dy
	for i := len(m.Layers) - 1; i >= 0; i-- {
		g = m.activation(i).Backward(c.pre[i], c.outs[i], g)
		g = m.Layers[i].Backward(c.inputs[i], g)
	}
	return g
}

// Params lists all layer parameters in order.
func (m *MLP) Params() []*Param {
	var ps []*Param
	for _, l := range m.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// Clone deep-copies the network. The copy shares no memory with m.
func (m *MLP) Clone() *MLP {
	cp := &MLP{Hidden: m.Hidden, Output: m.Output}
	for _, l := range m.Layers {
		cp.Layers = append(cp.Layers, l.Clone())
	}
	return cp
}
