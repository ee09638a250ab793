package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/errors"
)

// ContextFID fits a PCA feature extractor on the real sequences, projects
// both sets and returns the Frechet distance between the two Gaussian fits.
func ContextFID(ref, syn []*mat.Dense, components int) (float64, error) {
	if err := checkPaired(ref, syn); err != nil {
		return 0, err
	}
	x := nn.Flatten(ref)
	y := nn.Flatten(syn)
	n, width := x.Dims()

	k := components
	if k > width {
		k = width
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "not enough rows for a feature extractor")
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return 0, errors.NewInternalError("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	basis := vecs.Slice(0, width, 0, k)

	mean := columnMeans(x)
	fx := project(x, mean, basis)
	fy := project(y, mean, basis)
	return FrechetDistance(fx, fy)
}

// FrechetDistance is ||mu1-mu2||^2 + Tr(S1 + S2 - 2 (S1^1/2 S2 S1^1/2)^1/2)
// between Gaussian fits of two feature matrices, clamped at zero.
func FrechetDistance(a, b *mat.Dense) (float64, error) {
	_, ca := a.Dims()
	_, cb := b.Dims()
	if ca != cb {
		return 0, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("feature widths differ: %d vs %d", ca, cb))
	}
	mu1, mu2 := columnMeans(a), columnMeans(b)
	var s1, s2 mat.SymDense
	stat.CovarianceMatrix(&s1, a, nil)
	stat.CovarianceMatrix(&s2, b, nil)

	root1, err := sqrtSym(&s1)
	if err != nil {
		return 0, err
	}
	var left, m mat.Dense
	left.Mul(root1, &s2)
	m.Mul(&left, root1)
	inner, err := sqrtSym(symmetrize(&m))
	if err != nil {
		return 0, err
	}

	diff := make([]float64, ca)
	floats.SubTo(diff, mu1, mu2)
	d := floats.Dot(diff, diff) + mat.Trace(&s1) + mat.Trace(&s2) - 2*mat.Trace(inner)
	return math.Max(d, 0), nil
}

// sqrtSym is the principal square root of a symmetric PSD matrix; tiny
// negative eigenvalues from round-off are treated as zero.
func sqrtSym(s mat.Symmetric) (*mat.Dense, error) {
	var es mat.EigenSym
	if ok := es.Factorize(s, true); !ok {
		return nil, errors.NewInternalError("eigendecomposition failed")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n := len(vals)
	d := mat.NewDiagDense(n, nil)
	for i, v := range vals {
		d.SetDiag(i, math.Sqrt(math.Max(v, 0)))
	}
	var scaled, out mat.Dense
	scaled.Mul(&vecs, d)
	out.Mul(&scaled, vecs.T())
	return &out, nil
}

func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return s
}

func columnMeans(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(out, m.RawRowView(i))
	}
	floats.Scale(1/float64(r), out)
	return out
}

func project(m *mat.Dense, mean []float64, basis mat.Matrix) *mat.Dense {
	centered := mat.DenseCopyOf(m)
	r, _ := centered.Dims()
	for i := 0; i < r; i++ {
		floats.Sub(centered.RawRowView(i), mean)
	}
	var out mat.Dense
	out.Mul(centered, basis)
	return &out
}
