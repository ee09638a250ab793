// Package nn holds the small dense-network toolkit the generative backbones,
// the context module, the parametric normalizer and the evaluator's auxiliary
// models are built from. Matrices are batch-major: one row per sample.
package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/pkg/errors"
)

// Param is a trainable matrix with its accumulated gradient.
type Param struct {
	Name   string
	Value  *mat.Dense
	Grad   *mat.Dense
	Frozen bool
}

// NewParam allocates a zero-valued parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Clone deep-copies value and shape. The copy has a fresh zero gradient.
func (p *Param) Clone() *Param {
	r, c := p.Value.Dims()
	cp := NewParam(p.Name, r, c)
	cp.Value.Copy(p.Value)
	cp.Frozen = p.Frozen
	return cp
}

// ZeroGrads clears gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SetFrozen toggles gradient suppression for every parameter.
func SetFrozen(params []*Param, frozen bool) {
	for _, p := range params {
		p.Frozen = frozen
	}
}

// GradNorm returns the L2 norm over all gradients.
func GradNorm(params []*Param) float64 {
	var s float64
	for _, p := range params {
		n := mat.Norm(p.Grad, 2)
		s += n * n
	}
	return math.Sqrt(s)
}

// ClipGradNorm rescales gradients so their joint norm does not exceed maxNorm.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
	return norm
}

// Tensor is the serializable form of a matrix.
type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// TensorOf copies a matrix into a Tensor.
func TensorOf(m *mat.Dense) Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return Tensor{Rows: r, Cols: c, Data: data}
}

// Dense rebuilds the matrix.
func (t Tensor) Dense() (*mat.Dense, error) {
	if t.Rows <= 0 || t.Cols <= 0 || len(t.Data) != t.Rows*t.Cols {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("tensor %dx%d carries %d values", t.Rows, t.Cols, len(t.Data)))
	}
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...)), nil
}

// ParamState maps parameter names to values.
type ParamState map[string]Tensor

// ExportParams snapshots parameter values.
func ExportParams(params []*Param) ParamState {
	st := make(ParamState, len(params))
	for _, p := range params {
		st[p.Name] = TensorOf(p.Value)
	}
	return st
}

// ImportParams loads values into existing parameters, checking names and shapes.
// Nothing is written unless every parameter matches.
func ImportParams(params []*Param, st ParamState) error {
	if len(st) != len(params) {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("checkpoint holds %d parameters, model has %d", len(st), len(params)))
	}
	loaded := make([]*mat.Dense, len(params))
	for i, p := range params {
		t, ok := st[p.Name]
		if !ok {
			return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
				fmt.Sprintf("parameter %q missing from checkpoint", p.Name))
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c {
			return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
				fmt.Sprintf("parameter %q is %dx%d in checkpoint, %dx%d in model", p.Name, t.Rows, t.Cols, r, c))
		}
		d, err := t.Dense()
		if err != nil {
			return err
		}
		loaded[i] = d
	}
	for i, p := range params {
		p.Value.Copy(loaded[i])
	}
	return nil
}

// CopyValues copies src values into dst element-wise. Shapes must match.
func CopyValues(dst, src []*Param) {
	for i := range dst {
		dst[i].Value.Copy(src[i].Value)
	}
}
