package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LossKind selects the reconstruction loss.
type LossKind string

const (
	LossL1 LossKind = "l1"
	LossL2 LossKind = "l2"
)

// RowWeightedLoss computes (1/n) * sum_i w_i * mean_j loss(pred_ij, target_ij)
// and its gradient w.r.t. pred. A nil weight slice means all ones, which
// reduces to the plain mean loss.
func RowWeightedLoss(kind LossKind, pred, target *mat.Dense, weights []float64) (float64, *mat.Dense) {
	r, c := pred.Dims()
	grad := mat.NewDense(r, c, nil)
	norm := float64(r * c)
	var total float64
	for i := 0; i < r; i++ {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		p, t, g := pred.RawRowView(i), target.RawRowView(i), grad.RawRowView(i)
		for j := range p {
			d := p[j] - t[j]
			switch kind {
			case LossL1:
				total += w * math.Abs(d)
				switch {
				case d > 0:
					g[j] = w / norm
				case d < 0:
					g[j] = -w / norm
				}
			default:
				total += w * d * d
				g[j] = 2 * w * d / norm
			}
		}
	}
	return total / norm, grad
}

// MSE is the mean squared error.
func MSE(pred, target *mat.Dense) (float64, *mat.Dense) {
	return RowWeightedLoss(LossL2, pred, target, nil)
}

// RowLosses returns the per-row mean loss without gradients.
func RowLosses(kind LossKind, pred, target *mat.Dense) []float64 {
	r, c := pred.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		p, t := pred.RawRowView(i), target.RawRowView(i)
		var s float64
		for j := range p {
			d := p[j] - t[j]
			if kind == LossL1 {
				s += math.Abs(d)
			} else {
				s += d * d
			}
		}
		out[i] = s / float64(c)
	}
	return out
}

// BCEWithLogits is the mean binary cross-entropy of a single-column logit
// matrix against a constant target (soft labels allowed).
func BCEWithLogits(logits *mat.Dense, target float64) (float64, *mat.Dense) {
	r, _ := logits.Dims()
	grad := mat.NewDense(r, 1, nil)
	var total float64
	for i := 0; i < r; i++ {
		x := logits.At(i, 0)
		// max(x,0) - x*t + log(1+exp(-|x|))
		total += math.Max(x, 0) - x*target + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Set(i, 0, (sigmoid(x)-target)/float64(r))
	}
	return total / float64(r), grad
}

// SoftmaxCrossEntropy averages the cross-entropy over rows whose label is
// non-negative. Rows labelled -1 contribute neither loss nor gradient.
func SoftmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	grad := mat.NewDense(r, c, nil)
	counted := 0
	for _, l := range labels {
		if l >= 0 {
			counted++
		}
	}
	if counted == 0 {
		return 0, grad
	}
	var total float64
	probs := make([]float64, c)
	for i := 0; i < r; i++ {
		if labels[i] < 0 {
			continue
		}
		row := logits.RawRowView(i)
		softmaxInto(probs, row)
		total -= math.Log(math.Max(probs[labels[i]], 1e-12))
		g := grad.RawRowView(i)
		copy(g, probs)
		g[labels[i]] -= 1
		floats.Scale(1/float64(counted), g)
	}
	return total / float64(counted), grad
}

// Softmax returns row-wise softmax probabilities.
func Softmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		softmaxInto(out.RawRowView(i), logits.RawRowView(i))
	}
	return out
}

func softmaxInto(dst, logits []float64) {
	mx := floats.Max(logits)
	var s float64
	for j, v := range logits {
		dst[j] = math.Exp(v - mx)
		s += dst[j]
	}
	floats.Scale(1/s, dst)
}

// Argmax returns the index of the largest value per row.
func Argmax(m *mat.Dense) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}
