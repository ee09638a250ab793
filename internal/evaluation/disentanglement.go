package evaluation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// CategoricalFactors returns one label column per categorical variable;
// -1 marks rows where the variable is absent.
func CategoricalFactors(contexts []models.EncodedContext, cards []int) [][]int {
	out := make([][]int, len(cards))
	for k := range cards {
		out[k] = make([]int, len(contexts))
		for i, c := range contexts {
			if k < len(c.Indices) {
				out[k][i] = c.Indices[k]
			} else {
				out[k][i] = -1
			}
		}
	}
	return out
}

// MIG is the mutual information gap: for each factor, the difference between
// the two embedding dimensions sharing the most information with it,
// normalized by the factor entropy, averaged over factors.
func MIG(emb *mat.Dense, factors [][]int, bins int) (float64, error) {
	codes, err := discretizeColumns(emb, bins)
	if err != nil {
		return 0, err
	}
	var total float64
	counted := 0
	for _, f := range factors {
		rows := labelledRows(f)
		labels := pick(f, rows)
		h := entropy(labels)
		if h == 0 {
			continue
		}
		mi := make([]float64, len(codes))
		for j, code := range codes {
			mi[j] = mutualInformation(pick(code, rows), labels)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(mi)))
		total += (mi[0] - mi[1]) / h
		counted++
	}
	if counted == 0 {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "no categorical factor varies in the data")
	}
	return total / float64(counted), nil
}

// SAP is the separated attribute predictability: for each factor, the gap
// between the two best single-dimension predictors, averaged over factors.
// A dimension predicts a factor by majority vote within its bins.
func SAP(emb *mat.Dense, factors [][]int, bins int) (float64, error) {
	codes, err := discretizeColumns(emb, bins)
	if err != nil {
		return 0, err
	}
	var total float64
	counted := 0
	for _, f := range factors {
		rows := labelledRows(f)
		labels := pick(f, rows)
		if entropy(labels) == 0 {
			continue
		}
		acc := make([]float64, len(codes))
		for j, code := range codes {
			acc[j] = binAccuracy(pick(code, rows), labels)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(acc)))
		total += acc[0] - acc[1]
		counted++
	}
	if counted == 0 {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "no categorical factor varies in the data")
	}
	return total / float64(counted), nil
}

func discretizeColumns(emb *mat.Dense, bins int) ([][]int, error) {
	r, c := emb.Dims()
	if c < 2 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("disentanglement needs at least two embedding dimensions, got %d", c))
	}
	if r < 2 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "disentanglement needs at least two rows")
	}
	out := make([][]int, c)
	for j := 0; j < c; j++ {
		out[j] = discretize(mat.Col(nil, j, emb), bins)
	}
	return out, nil
}

// discretize assigns equal-width histogram bins over [min, max].
func discretize(data []float64, bins int) []int {
	out := make([]int, len(data))
	lo, hi := findMinMax(data)
	width := (hi - lo) / float64(bins)
	if width == 0 {
		return out
	}
	for i, x := range data {
		b := int((x - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		out[i] = b
	}
	return out
}

func findMinMax(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi := data[0], data[0]
	for _, x := range data[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func labelledRows(f []int) []int {
	var rows []int
	for i, v := range f {
		if v >= 0 {
			rows = append(rows, i)
		}
	}
	return rows
}

func pick(values []int, rows []int) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = values[r]
	}
	return out
}

// entropy is the Shannon entropy (nats) of a discrete sample.
func entropy(x []int) float64 {
	if len(x) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, v := range x {
		counts[v]++
	}
	var h float64
	n := float64(len(x))
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log(p)
	}
	return h
}

// mutualInformation estimates I(X;Y) in nats from the joint histogram.
func mutualInformation(x, y []int) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	type pair struct{ a, b int }
	joint := make(map[pair]int)
	px := make(map[int]int)
	py := make(map[int]int)
	for i := range x {
		joint[pair{x[i], y[i]}]++
		px[x[i]]++
		py[y[i]]++
	}
	var mi float64
	for k, c := range joint {
		pxy := float64(c) / n
		mi += pxy * math.Log(pxy/(float64(px[k.a])/n*float64(py[k.b])/n))
	}
	return math.Max(mi, 0)
}

// binAccuracy is the training accuracy of predicting y by the majority label
// within each bin of x.
func binAccuracy(x, y []int) float64 {
	if len(x) == 0 {
		return 0
	}
	votes := make(map[int]map[int]int)
	for i := range x {
		if votes[x[i]] == nil {
			votes[x[i]] = make(map[int]int)
		}
		votes[x[i]][y[i]]++
	}
	correct := 0
	for _, byLabel := range votes {
		best := 0
		for _, c := range byLabel {
			if c > best {
				best = c
			}
		}
		correct += best
	}
	return float64(correct) / float64(len(x))
}
