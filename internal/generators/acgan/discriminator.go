package acgan

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
)

// discriminator is a shared trunk with a validity logit and one auxiliary
// classifier per categorical context variable.
type discriminator struct {
	trunk    *nn.MLP
	validity *nn.Linear
	aux      []*nn.Linear
}

type discOutput struct {
	validity *mat.Dense
	aux      []*mat.Dense
	hidden   *mat.Dense
	cache    *nn.MLPCache
}

func newDiscriminator(width, hidden int, names []string, cards []int, rng *rand.Rand) *discriminator {
	d := &discriminator{
		trunk:    nn.NewMLP("disc.trunk", []int{width, hidden, hidden}, nn.LeakyReLU, nn.LeakyReLU, rng),
		validity: nn.NewLinear("disc.validity", hidden, 1, rng),
	}
	for i, card := range cards {
		d.aux = append(d.aux, nn.NewLinear("disc.aux."+names[i], hidden, card, rng))
	}
	return d
}

func (d *discriminator) forward(x *mat.Dense) *discOutput {
	h, cache := d.trunk.ForwardTrain(x)
	out := &discOutput{validity: d.validity.Forward(h), hidden: h, cache: cache}
	for _, head := range d.aux {
		out.aux = append(out.aux, head.Forward(h))
	}
	return out
}

// backward accumulates discriminator gradients and returns dL/dx.
func (d *discriminator) backward(out *discOutput, dValidity *mat.Dense, dAux []*mat.Dense) *mat.Dense {
	dh := d.validity.Backward(out.hidden, dValidity)
	for i, head := range d.aux {
		if dAux[i] == nil {
			continue
		}
		dh.Add(dh, head.Backward(out.hidden, dAux[i]))
	}
	return d.trunk.Backward(out.cache, dh)
}

func (d *discriminator) params() []*nn.Param {
	ps := append(d.trunk.Params(), d.validity.Params()...)
	for _, head := range d.aux {
		ps = append(ps, head.Params()...)
	}
	return ps
}

func (d *discriminator) clone() *discriminator {
	cp := &discriminator{trunk: d.trunk.Clone(), validity: d.validity.Clone()}
	for _, head := range d.aux {
		cp.aux = append(cp.aux, head.Clone())
	}
	return cp
}
