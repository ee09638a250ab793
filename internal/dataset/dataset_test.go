package dataset

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

var months = []string{"jan", "feb", "mar"}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func testTable(n int) *models.Table {
	table := models.NewTable("dataid", "month", "temp", "grid", "solar")
	for i := 0; i < n; i++ {
		grid := make([]float64, 6)
		for j := range grid {
			grid[j] = float64(i%5) + float64(j)*0.5
		}
		table.Append(models.Row{
			"dataid": i / 2,
			"month":  months[i%3],
			"temp":   10.0 + float64(i),
			"grid":   grid,
			"solar":  fmt.Sprintf("[%d, %d, %d, %d]", i, i+1, i+2, i+3),
		})
	}
	return table
}

func testOptions() Options {
	return Options{
		SequenceColumns: []string{"grid", "solar"},
		EntityColumn:    "dataid",
		Catalog: models.Catalog{
			{Name: "month", Kind: models.VariableCategorical, Cardinality: 3},
			{Name: "temp", Kind: models.VariableContinuous},
		},
		SeqLen:           4,
		Normalize:        true,
		Scale:            true,
		NormalizerMethod: config.NormalizerGlobal,
		Seed:             7,
	}
}

func assertDenseNear(t *testing.T, want, got *mat.Dense, tol float64) {
	t.Helper()
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, wr, gr)
	require.Equal(t, wc, gc)
	for i := 0; i < wr; i++ {
		for j := 0; j < wc; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), tol, "at (%d,%d)", i, j)
		}
	}
}

func TestParseSequence(t *testing.T) {
	tests := []struct {
		name    string
		cell    interface{}
		want    []float64
		wantErr bool
	}{
		{"floats", []float64{1, 2}, []float64{1, 2}, false},
		{"interfaces", []interface{}{1.0, "2.5", 3}, []float64{1, 2.5, 3}, false},
		{"json", "[1, 2, 3]", []float64{1, 2, 3}, false},
		{"comma", "1,2,3", []float64{1, 2, 3}, false},
		{"space", " 1 2\t3 ", []float64{1, 2, 3}, false},
		{"empty", "", nil, true},
		{"nil", nil, nil, true},
		{"garbage", "1,x,3", nil, true},
		{"bad json", "[1, 2", nil, true},
		{"unsupported", map[string]int{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSequence(tt.cell)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewDataset(t *testing.T) {
	ds, err := New(testTable(12), testOptions(), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 12, ds.Len())
	assert.Equal(t, 4, ds.SeqLen())
	assert.Equal(t, 2, ds.Channels())
	assert.Equal(t, []string{"grid", "solar"}, ds.SequenceColumns())
	assert.Equal(t, "2", ds.Entity(5))

	raw := ds.Raw(3)
	r, c := raw.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3.0, raw.At(0, 0))
	assert.Equal(t, 4.5, raw.At(3, 0), "longer sequences are truncated")
	assert.Equal(t, 6.0, raw.At(3, 1))

	seq, ctx := ds.Item(3)
	assert.NotNil(t, seq)
	assert.Equal(t, []int{1}, ctx.Indices)
	assert.Equal(t, []bool{true, true}, ctx.Present)
}

func TestVocabularyIsSorted(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"feb", "jan", "mar"}, ds.Encoder().Categories("month"))
	assert.Equal(t, []int{3}, ds.Encoder().Cardinalities())
}

func TestNumericVocabularySortsNumerically(t *testing.T) {
	table := models.NewTable("grid", "floor")
	for _, v := range []interface{}{10, 2, "1", 2.0} {
		table.Append(models.Row{"grid": []float64{1, 2}, "floor": v})
	}
	opts := Options{
		SequenceColumns: []string{"grid"},
		Catalog:         models.Catalog{{Name: "floor"}},
		SeqLen:          2,
	}
	ds, err := New(table, opts, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "10"}, ds.Encoder().Categories("floor"))
	assert.Equal(t, 3, ds.Catalog()[0].Cardinality)
}

func TestNewDatasetErrors(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		_, err := New(models.NewTable("grid"), testOptions(), testLogger())
		assert.True(t, errors.IsSchema(err))
	})

	t.Run("missing column", func(t *testing.T) {
		table := testTable(4)
		for _, r := range table.Rows {
			delete(r, "solar")
		}
		table.Columns = []string{"dataid", "month", "temp", "grid"}
		_, err := New(table, testOptions(), testLogger())
		require.Error(t, err)
		assert.True(t, errors.IsSchema(err))
	})

	t.Run("short sequence", func(t *testing.T) {
		table := testTable(4)
		table.Rows[2]["grid"] = []float64{1, 2}
		_, err := New(table, testOptions(), testLogger())
		require.Error(t, err)
		assert.True(t, errors.IsMalformedSequence(err))
		var app *errors.AppError
		require.ErrorAs(t, err, &app)
		assert.Equal(t, 2, app.Context["row"])
		assert.Equal(t, "grid", app.Context["column"])
		assert.Equal(t, "1", app.Context["entity"])
	})

	t.Run("uncoercible cell", func(t *testing.T) {
		table := testTable(4)
		table.Rows[1]["solar"] = "a b c d"
		_, err := New(table, testOptions(), testLogger())
		assert.True(t, errors.IsMalformedSequence(err))
	})

	t.Run("cardinality exceeded", func(t *testing.T) {
		opts := testOptions()
		opts.Catalog[0].Cardinality = 2
		_, err := New(testTable(6), opts, testLogger())
		require.Error(t, err)
		assert.True(t, errors.IsConfigMismatch(err))
	})

	t.Run("value outside declared categories", func(t *testing.T) {
		opts := testOptions()
		opts.Catalog[0].Categories = []string{"jan", "feb", "apr"}
		_, err := New(testTable(6), opts, testLogger())
		require.Error(t, err)
		assert.True(t, errors.IsUnknownCategory(err))
	})

	t.Run("preparer output is revalidated", func(t *testing.T) {
		opts := testOptions()
		opts.Preparer = func(raw *models.Table, o Options) (*models.Table, error) {
			return raw, nil
		}
		_, err := New(testTable(4), opts, testLogger())
		require.Error(t, err)
		assert.True(t, errors.IsMalformedSequence(err))
	})
}

func TestReservedCategorySlots(t *testing.T) {
	opts := testOptions()
	opts.Catalog[0].Cardinality = 5
	ds, err := New(testTable(6), opts, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []int{5}, ds.Encoder().Cardinalities())
	assert.Len(t, ds.Encoder().Categories("month"), 3)
}

func TestMergeSplitRoundTrip(t *testing.T) {
	cols := []string{"a", "b", "c"}
	series := map[string][]float64{
		"a": {1, 2, 3},
		"b": {0.1, 0.2, 0.3},
		"c": {-5, 0, 5},
	}
	m, err := MergeSequenceColumns(cols, series, 3)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, series, SplitSequenceColumns(cols, m))

	_, err = MergeSequenceColumns(cols, map[string][]float64{"a": {1, 2, 3}}, 3)
	assert.True(t, errors.IsSchema(err))

	series["b"] = []float64{1}
	_, err = MergeSequenceColumns(cols, series, 3)
	assert.True(t, errors.IsMalformedSequence(err))
}

func TestNormalizerRoundTrip(t *testing.T) {
	flags := []struct{ normalize, scale bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	}
	for _, f := range flags {
		t.Run(fmt.Sprintf("normalize=%v/scale=%v", f.normalize, f.scale), func(t *testing.T) {
			opts := testOptions()
			opts.Normalize, opts.Scale = f.normalize, f.scale
			ds, err := New(testTable(12), opts, testLogger())
			require.NoError(t, err)
			for i := 0; i < ds.Len(); i++ {
				seq, ctx := ds.Item(i)
				back, err := ds.InverseTransform(seq, ctx)
				require.NoError(t, err)
				assertDenseNear(t, ds.Raw(i), back, 1e-9)
			}
			if !f.normalize && !f.scale {
				assertDenseNear(t, ds.Raw(0), ds.Sequence(0), 0)
			}
		})
	}
}

func TestScaledValuesInUnitRange(t *testing.T) {
	ds, err := New(testTable(12), testOptions(), testLogger())
	require.NoError(t, err)
	for i := 0; i < ds.Len(); i++ {
		seq := ds.Sequence(i)
		r, c := seq.Dims()
		for a := 0; a < r; a++ {
			for b := 0; b < c; b++ {
				assert.GreaterOrEqual(t, seq.At(a, b), -1e-9)
				assert.LessOrEqual(t, seq.At(a, b), 1+1e-9)
			}
		}
	}
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)
	in := mat.DenseCopyOf(ds.Raw(1))
	_, err = ds.Transform(in, ds.Context(1))
	require.NoError(t, err)
	assertDenseNear(t, ds.Raw(1), in, 0)
}

func TestFitNormalizerOnce(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, ds.FitNormalizer(), errors.ErrAlreadyFitted)
}

func TestParametricNormalizer(t *testing.T) {
	opts := testOptions()
	opts.NormalizerMethod = config.NormalizerParametric
	opts.NormalizerEpochs = 50
	opts.NormalizerHidden = 8
	ds, err := New(testTable(12), opts, testLogger())
	require.NoError(t, err)
	assert.Equal(t, config.NormalizerParametric, ds.Normalizer().Method())

	for i := 0; i < ds.Len(); i++ {
		seq, ctx := ds.Item(i)
		back, err := ds.InverseTransform(seq, ctx)
		require.NoError(t, err)
		assertDenseNear(t, ds.Raw(i), back, 1e-6)
	}

	partial, err := ds.EncodeContext(models.ContextAssignment{})
	require.NoError(t, err)
	p, err := ds.Normalizer().Params(partial)
	require.NoError(t, err)
	for _, s := range p.Std {
		assert.Greater(t, s, 0.0)
	}

	st, err := ds.Normalizer().State()
	require.NoError(t, err)
	restored, err := RestoreNormalizer(st, ds.Encoder(), testLogger())
	require.NoError(t, err)
	a, err := ds.Transform(ds.Raw(4), ds.Context(4))
	require.NoError(t, err)
	b, err := restored.Transform(ds.Raw(4), ds.Context(4))
	require.NoError(t, err)
	assertDenseNear(t, a, b, 1e-12)
}

func TestGlobalStatsArePopulationMoments(t *testing.T) {
	opts := testOptions()
	opts.Scale = false
	ds, err := New(testTable(12), opts, testLogger())
	require.NoError(t, err)
	st, err := ds.Normalizer().State()
	require.NoError(t, err)

	for c := 0; c < ds.Channels(); c++ {
		var points []float64
		for _, seq := range ds.RawSequences() {
			points = append(points, mat.Col(nil, c, seq)...)
		}
		mean, std := stat.PopMeanStdDev(points, nil)
		assert.InDelta(t, mean, st.Global.Mu[c], 1e-12)
		assert.InDelta(t, std, st.Global.Std[c], 1e-12)

		z := (ds.Raw(0).At(0, c) - mean) / (std + constants.NormalizerEpsilon)
		assert.InDelta(t, z, ds.Sequence(0).At(0, c), 1e-12)
	}
}

func TestNormalizerStateRoundTrip(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)
	st, err := ds.Normalizer().State()
	require.NoError(t, err)
	restored, err := RestoreNormalizer(st, nil, nil)
	require.NoError(t, err)
	assert.True(t, restored.Fitted())

	got, err := restored.Transform(ds.Raw(2), ds.Context(2))
	require.NoError(t, err)
	assertDenseNear(t, ds.Sequence(2), got, 1e-12)

	st.Global.Mu = st.Global.Mu[:1]
	_, err = RestoreNormalizer(st, nil, nil)
	assert.True(t, errors.IsConfigMismatch(err))

	unfitted := NewNormalizer(testOptions(), 2, nil, nil)
	_, err = unfitted.Transform(ds.Raw(0), ds.Context(0))
	assert.True(t, errors.IsNotTrained(err))
}

func TestEncodeContext(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)

	full, err := ds.EncodeContext(models.ContextAssignment{"month": "mar", "temp": 12.5})
	require.NoError(t, err)
	partial, err := ds.EncodeContext(models.ContextAssignment{"month": "mar"})
	require.NoError(t, err)
	empty, err := ds.EncodeContext(nil)
	require.NoError(t, err)

	for _, e := range []models.EncodedContext{full, partial, empty} {
		assert.Len(t, e.Indices, 1)
		assert.Len(t, e.Values, 1)
		assert.Len(t, e.Present, 2)
	}
	assert.Equal(t, []int{2}, full.Indices)
	assert.False(t, full.Sparse())
	assert.True(t, partial.Sparse())
	assert.Equal(t, []int{-1}, empty.Indices)
	assert.Equal(t, []string{"month", "temp"}, ds.Encoder().Unspecified(empty))

	again, err := ds.EncodeContext(models.ContextAssignment{"month": " mar ", "temp": "12.5"})
	require.NoError(t, err)
	assert.Equal(t, full, again)

	_, err = ds.EncodeContext(models.ContextAssignment{"month": "dec"})
	assert.True(t, errors.IsUnknownCategory(err))

	_, err = ds.EncodeContext(models.ContextAssignment{"weekday": "mon"})
	assert.True(t, errors.IsSchema(err))

	decoded := ds.Encoder().Decode(full)
	assert.Equal(t, "mar", decoded["month"])
	assert.InDelta(t, 12.5, decoded["temp"].(float64), 1e-9)
}

func TestEncoderStateRoundTrip(t *testing.T) {
	ds, err := New(testTable(6), testOptions(), testLogger())
	require.NoError(t, err)
	enc, err := RestoreEncoder(ds.Encoder().State())
	require.NoError(t, err)
	assert.True(t, enc.Catalog().Equal(ds.Catalog()))

	a := models.ContextAssignment{"month": "feb", "temp": 11.0}
	want, err := ds.EncodeContext(a)
	require.NoError(t, err)
	got, err := enc.Encode(a)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st := ds.Encoder().State()
	st.Catalog[0].Cardinality = 1
	_, err = RestoreEncoder(st)
	assert.True(t, errors.IsConfigMismatch(err))
}

func TestSubsetSharesFittedState(t *testing.T) {
	ds, err := New(testTable(9), testOptions(), testLogger())
	require.NoError(t, err)
	sub, err := ds.Subset([]int{1, 4, 7})
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Len())
	assert.Same(t, ds.Normalizer(), sub.Normalizer())
	assert.Same(t, ds.Encoder(), sub.Encoder())
	assert.Same(t, ds.Sequence(4), sub.Sequence(1))

	_, err = ds.Subset([]int{99})
	assert.Error(t, err)
}

func TestNewFitted(t *testing.T) {
	ds, err := New(testTable(9), testOptions(), testLogger())
	require.NoError(t, err)

	heldOut, err := NewFitted(testTable(3), testOptions(), ds.Encoder(), ds.Normalizer(), testLogger())
	require.NoError(t, err)
	assertDenseNear(t, ds.Sequence(1), heldOut.Sequence(1), 1e-12)

	table := testTable(3)
	table.Rows[0]["month"] = "dec"
	_, err = NewFitted(table, testOptions(), ds.Encoder(), ds.Normalizer(), testLogger())
	assert.True(t, errors.IsUnknownCategory(err))

	_, err = NewFitted(testTable(3), testOptions(), nil, nil, testLogger())
	assert.True(t, errors.IsNotTrained(err))
}

func TestCombinationRarities(t *testing.T) {
	table := models.NewTable("grid", "month")
	for _, m := range []string{"jan", "jan", "jan", "jan", "jan", "jan", "feb", "feb", "feb", "mar"} {
		table.Append(models.Row{"grid": []float64{1, 2}, "month": m})
	}
	opts := Options{
		SequenceColumns: []string{"grid"},
		Catalog:         models.Catalog{{Name: "month", Kind: models.VariableCategorical}},
		SeqLen:          2,
	}
	ds, err := New(table, opts, testLogger())
	require.NoError(t, err)

	flags, combos := ds.CombinationRarities(0.8)
	require.Len(t, combos, 3)
	assert.Equal(t, 6, combos[0].Count)
	assert.Equal(t, "jan", combos[0].Context["month"])
	assert.False(t, combos[0].Rare)
	assert.False(t, combos[1].Rare)
	assert.True(t, combos[2].Rare)
	assert.Equal(t, "mar", combos[2].Context["month"])
	assert.True(t, flags[9])
	assert.False(t, flags[0])
	assert.Equal(t, []int{9}, ds.RareIndices(0.8))
}
