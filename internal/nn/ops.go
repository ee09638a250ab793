package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// HStack concatenates matrices with equal row counts column-wise.
func HStack(ms ...*mat.Dense) *mat.Dense {
	rows := -1
	cols := 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		if rows < 0 {
			rows = r
		} else if r != rows {
			panic("nn: HStack row mismatch")
		}
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	off := 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		_, c := m.Dims()
		for i := 0; i < rows; i++ {
			copy(out.RawRowView(i)[off:off+c], m.RawRowView(i))
		}
		off += c
	}
	return out
}

// Columns copies columns [from, to) into a new matrix.
func Columns(m *mat.Dense, from, to int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, to-from, nil)
	for i := 0; i < r; i++ {
		copy(out.RawRowView(i), m.RawRowView(i)[from:to])
	}
	return out
}

// SelectRows gathers rows by index into a new matrix.
func SelectRows(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, j := range idx {
		copy(out.RawRowView(i), m.RawRowView(j))
	}
	return out
}

// StackRows builds a matrix from equal-length row slices.
func StackRows(rows [][]float64) *mat.Dense {
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		copy(out.RawRowView(i), r)
	}
	return out
}

// RandN draws a rows x cols standard normal matrix.
func RandN(rows, cols int, rng *rand.Rand) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
	}
	return out
}

// ScaleRows multiplies row i by w[i] in place.
func ScaleRows(m *mat.Dense, w []float64) {
	for i, s := range w {
		floats.Scale(s, m.RawRowView(i))
	}
}

// AddRowVector adds v to every row in place.
func AddRowVector(m *mat.Dense, v []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), v)
	}
}

// IsFinite reports whether every element is finite.
func IsFinite(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Apply returns f applied element-wise.
func Apply(m *mat.Dense, f func(float64) float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := m.RawRowView(i)
		dst := out.RawRowView(i)
		for j, v := range src {
			dst[j] = f(v)
		}
	}
	return out
}

// Flatten packs (seq_len x channels) matrices into one row each, time-major.
func Flatten(seqs []*mat.Dense) *mat.Dense {
	l, c := seqs[0].Dims()
	out := mat.NewDense(len(seqs), l*c, nil)
	for i, s := range seqs {
		row := out.RawRowView(i)
		for t := 0; t < l; t++ {
			copy(row[t*c:(t+1)*c], s.RawRowView(t))
		}
	}
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(m *mat.Dense, seqLen, channels int) []*mat.Dense {
	r, _ := m.Dims()
	out := make([]*mat.Dense, r)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		s := mat.NewDense(seqLen, channels, nil)
		for t := 0; t < seqLen; t++ {
			copy(s.RawRowView(t), row[t*channels:(t+1)*channels])
		}
		out[i] = s
	}
	return out
}

// Ones returns a rows x cols matrix of ones.
func Ones(rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = 1
		}
	}
	return out
}
