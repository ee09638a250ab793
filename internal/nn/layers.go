package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes y = xW + b.
type Linear struct {
	W   *Param
	B   *Param
	In  int
	Out int
}

// NewLinear creates a layer with Xavier-normal weights and zero bias.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W:   NewParam(name+".w", in, out),
		B:   NewParam(name+".b", 1, out),
		In:  in,
		Out: out,
	}
	scale := math.Sqrt(2.0 / float64(in+out))
	for i := 0; i < in; i++ {
		row := l.W.Value.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64() * scale
		}
	}
	return l
}

// Forward is pure: it never touches layer state.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	if c != l.In {
		panic(fmt.Sprintf("nn: linear %s expects %d inputs, got %d", l.W.Name, l.In, c))
	}
	y := mat.NewDense(r, l.Out, nil)
	y.Mul(x, l.W.Value)
	AddRowVector(y, l.B.Value.RawRowView(0))
	return y
}

// Backward accumulates parameter gradients and returns dL/dx.
func (l *Linear) Backward(x, dy *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	if !l.W.Frozen {
		var gw mat.Dense
		gw.Mul(x.T(), dy)
		l.W.Grad.Add(l.W.Grad, &gw)
	}
	if !l.B.Frozen {
		gb := l.B.Grad.RawRowView(0)
		for i := 0; i < r; i++ {
			floats.Add(gb, dy.RawRowView(i))
		}
	}
	dx := mat.NewDense(r, l.In, nil)
	dx.Mul(dy, l.W.Value.T())
	return dx
}

// Params returns weight and bias.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}

// Clone deep-copies the layer.
func (l *Linear) Clone() *Linear {
	return &Linear{W: l.W.Clone(), B: l.B.Clone(), In: l.In, Out: l.Out}
}

// Embedding is a lookup table, one row per category.
type Embedding struct {
	Table *Param
	Rows  int
	Dim   int
}

// NewEmbedding initializes the table from N(0, 1).
func NewEmbedding(name string, rows, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{Table: NewParam(name+".table", rows, dim), Rows: rows, Dim: dim}
	for i := 0; i < rows; i++ {
		row := e.Table.Value.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
	}
	return e
}

// Lookup gathers rows for each index.
func (e *Embedding) Lookup(idx []int) *mat.Dense {
	out := mat.NewDense(len(idx), e.Dim, nil)
	for i, k := range idx {
		if k < 0 || k >= e.Rows {
			panic(fmt.Sprintf("nn: embedding %s index %d out of range [0,%d)", e.Table.Name, k, e.Rows))
		}
		copy(out.RawRowView(i), e.Table.Value.RawRowView(k))
	}
	return out
}

// Backward scatters dy back into the rows that were looked up.
func (e *Embedding) Backward(idx []int, dy *mat.Dense) {
	if e.Table.Frozen {
		return
	}
	for i, k := range idx {
		floats.Add(e.Table.Grad.RawRowView(k), dy.RawRowView(i))
	}
}

// Params returns the table.
func (e *Embedding) Params() []*Param {
	return []*Param{e.Table}
}
