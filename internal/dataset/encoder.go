package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Encoder maps raw context assignments to fixed-width encoded contexts.
// It is immutable after fitting and safe for concurrent use.
type Encoder struct {
	catalog models.Catalog
	vocab   map[string][]string
	lookup  map[string]map[string]int
	means   map[string]float64
	stds    map[string]float64
	catPos  map[string]int
	contPos map[string]int
	numCat  int
	numCont int
}

// EncoderState is the serializable form of a fitted encoder.
type EncoderState struct {
	Catalog    models.Catalog      `json:"catalog"`
	Vocabulary map[string][]string `json:"vocabulary"`
	Means      map[string]float64  `json:"means,omitempty"`
	Stds       map[string]float64  `json:"stds,omitempty"`
}

// FitEncoder resolves vocabularies and continuous standardization from the
// observed assignments. Declared category lists are used verbatim; otherwise
// the vocabulary is the sorted set of observed values.
func FitEncoder(catalog models.Catalog, assignments []models.ContextAssignment, logger *logrus.Logger) (*Encoder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	resolved := make(models.Catalog, len(catalog))
	copy(resolved, catalog)
	vocab := make(map[string][]string)
	means := make(map[string]float64)
	stds := make(map[string]float64)

	for i, v := range resolved {
		if !v.IsCategorical() {
			mean, std, err := continuousStats(v.Name, assignments)
			if err != nil {
				return nil, err
			}
			means[v.Name], stds[v.Name] = mean, std
			resolved[i].Kind = models.VariableContinuous
			continue
		}
		resolved[i].Kind = models.VariableCategorical

		observed := make(map[string]int)
		for _, a := range assignments {
			s, ok := canonical(a[v.Name])
			if ok {
				observed[s]++
			}
		}

		if len(v.Categories) > 0 {
			declared := make([]string, len(v.Categories))
			known := make(map[string]bool)
			for j, c := range v.Categories {
				declared[j], _ = canonical(c)
				known[declared[j]] = true
			}
			for val := range observed {
				if !known[val] {
					return nil, errors.NewUnknownCategoryError(v.Name, val)
				}
			}
			vocab[v.Name] = declared
			if resolved[i].Cardinality == 0 {
				resolved[i].Cardinality = len(declared)
			}
			if resolved[i].Cardinality < len(declared) {
				return nil, errors.NewConfigMismatchError(errors.CodeCardinalityMismatch,
					fmt.Sprintf("variable %q declares cardinality %d but lists %d categories", v.Name, v.Cardinality, len(declared)))
			}
			continue
		}

		values := make([]string, 0, len(observed))
		for val := range observed {
			values = append(values, val)
		}
		sortVocabulary(values)
		switch {
		case v.Cardinality == 0:
			resolved[i].Cardinality = len(values)
		case len(values) > v.Cardinality:
			return nil, errors.NewConfigMismatchError(errors.CodeCardinalityMismatch,
				fmt.Sprintf("variable %q declares cardinality %d but data holds %d distinct values", v.Name, v.Cardinality, len(values))).
				WithContext("variable", v.Name)
		case len(values) < v.Cardinality:
			logger.WithFields(logrus.Fields{
				"variable": v.Name,
				"declared": v.Cardinality,
				"observed": len(values),
			}).Warn("Fewer categories observed than declared, keeping reserved slots")
		}
		if resolved[i].Cardinality == 0 {
			return nil, errors.NewSchemaError(errors.CodeMissingColumn,
				fmt.Sprintf("categorical variable %q has no observed values", v.Name))
		}
		vocab[v.Name] = values
	}

	return newEncoder(resolved, vocab, means, stds), nil
}

func newEncoder(catalog models.Catalog, vocab map[string][]string, means, stds map[string]float64) *Encoder {
	e := &Encoder{
		catalog: catalog,
		vocab:   vocab,
		lookup:  make(map[string]map[string]int),
		means:   means,
		stds:    stds,
		catPos:  make(map[string]int),
		contPos: make(map[string]int),
	}
	for _, v := range catalog {
		if v.IsCategorical() {
			e.catPos[v.Name] = e.numCat
			e.numCat++
			idx := make(map[string]int, len(vocab[v.Name]))
			for j, val := range vocab[v.Name] {
				idx[val] = j
			}
			e.lookup[v.Name] = idx
		} else {
			e.contPos[v.Name] = e.numCont
			e.numCont++
		}
	}
	return e
}

func continuousStats(name string, assignments []models.ContextAssignment) (float64, float64, error) {
	var sum, sq float64
	var n int
	for _, a := range assignments {
		x, present, err := continuousValue(name, a[name])
		if err != nil {
			return 0, 0, err
		}
		if !present {
			continue
		}
		sum += x
		sq += x * x
		n++
	}
	if n == 0 {
		return 0, 1, nil
	}
	mean := sum / float64(n)
	variance := sq/float64(n) - mean*mean
	std := math.Sqrt(math.Max(variance, 0))
	if std == 0 {
		std = 1
	}
	return mean, std, nil
}

func continuousValue(name string, v interface{}) (float64, bool, error) {
	if v == nil {
		return 0, false, nil
	}
	if s, ok := v.(string); ok {
		if _, present := canonical(s); !present {
			return 0, false, nil
		}
	}
	x, ok := toFloat(v)
	if !ok {
		return 0, false, errors.NewSchemaError(errors.CodeInvalidFormat,
			fmt.Sprintf("continuous variable %q has non-numeric value %v", name, v))
	}
	if math.IsNaN(x) {
		return 0, false, nil
	}
	if math.IsInf(x, 0) {
		return 0, false, errors.NewSchemaError(errors.CodeInvalidFormat,
			fmt.Sprintf("continuous variable %q is infinite", name))
	}
	return x, true, nil
}

// sortVocabulary orders numerically when every value parses as a number.
func sortVocabulary(values []string) {
	numeric := true
	nums := make(map[string]float64, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			numeric = false
			break
		}
		nums[v] = f
	}
	if numeric {
		sort.Slice(values, func(i, j int) bool { return nums[values[i]] < nums[values[j]] })
		return
	}
	sort.Strings(values)
}

// Encode maps an assignment to its encoded form. Variables missing from the
// assignment are marked absent; a value outside the vocabulary fails with an
// UnknownCategoryError and a name outside the catalog with a SchemaError.
func (e *Encoder) Encode(a models.ContextAssignment) (models.EncodedContext, error) {
	out := models.EncodedContext{
		Indices: make([]int, e.numCat),
		Values:  make([]float64, e.numCont),
		Present: make([]bool, len(e.catalog)),
	}
	for i := range out.Indices {
		out.Indices[i] = -1
	}
	for name := range a {
		if e.catalog.Index(name) < 0 {
			return models.EncodedContext{}, errors.NewSchemaError(errors.CodeInvalidInput,
				fmt.Sprintf("%q is not a context variable", name)).WithContext("variable", name)
		}
	}
	for i, v := range e.catalog {
		raw, ok := a[v.Name]
		if !ok {
			continue
		}
		if v.IsCategorical() {
			s, present := canonical(raw)
			if !present {
				continue
			}
			idx, known := e.lookup[v.Name][s]
			if !known {
				return models.EncodedContext{}, errors.NewUnknownCategoryError(v.Name, raw)
			}
			out.Indices[e.catPos[v.Name]] = idx
			out.Present[i] = true
			continue
		}
		x, present, err := continuousValue(v.Name, raw)
		if err != nil {
			return models.EncodedContext{}, err
		}
		if present {
			out.Values[e.contPos[v.Name]] = (x - e.means[v.Name]) / e.stds[v.Name]
			out.Present[i] = true
		}
	}
	return out, nil
}

// Decode renders an encoded context back to canonical raw values. Absent
// variables are left out. Reserved category slots decode to their index.
func (e *Encoder) Decode(c models.EncodedContext) models.ContextAssignment {
	out := make(models.ContextAssignment)
	for i, v := range e.catalog {
		if i >= len(c.Present) || !c.Present[i] {
			continue
		}
		if v.IsCategorical() {
			idx := c.Indices[e.catPos[v.Name]]
			if idx >= 0 && idx < len(e.vocab[v.Name]) {
				out[v.Name] = e.vocab[v.Name][idx]
			} else {
				out[v.Name] = strconv.Itoa(idx)
			}
			continue
		}
		out[v.Name] = c.Values[e.contPos[v.Name]]*e.stds[v.Name] + e.means[v.Name]
	}
	return out
}

// Catalog returns the resolved catalog with cardinalities filled in.
func (e *Encoder) Catalog() models.Catalog {
	return append(models.Catalog(nil), e.catalog...)
}

// Categories returns the vocabulary of a categorical variable.
func (e *Encoder) Categories(name string) []string {
	return append([]string(nil), e.vocab[name]...)
}

// Cardinalities lists cardinalities of the categorical variables in order.
func (e *Encoder) Cardinalities() []int {
	out := make([]int, 0, e.numCat)
	for _, v := range e.catalog {
		if v.IsCategorical() {
			out = append(out, v.Cardinality)
		}
	}
	return out
}

// NumCategorical is the width of EncodedContext.Indices.
func (e *Encoder) NumCategorical() int { return e.numCat }

// NumContinuous is the width of EncodedContext.Values.
func (e *Encoder) NumContinuous() int { return e.numCont }

// Unspecified lists catalog variables absent from an encoded context.
func (e *Encoder) Unspecified(c models.EncodedContext) []string {
	var out []string
	for i, v := range e.catalog {
		if i >= len(c.Present) || !c.Present[i] {
			out = append(out, v.Name)
		}
	}
	return out
}

// State exports the encoder.
func (e *Encoder) State() EncoderState {
	st := EncoderState{
		Catalog:    e.Catalog(),
		Vocabulary: make(map[string][]string, len(e.vocab)),
		Means:      make(map[string]float64, len(e.means)),
		Stds:       make(map[string]float64, len(e.stds)),
	}
	for k, v := range e.vocab {
		st.Vocabulary[k] = append([]string(nil), v...)
	}
	for k, v := range e.means {
		st.Means[k] = v
	}
	for k, v := range e.stds {
		st.Stds[k] = v
	}
	return st
}

// RestoreEncoder rebuilds an encoder from its state.
func RestoreEncoder(st EncoderState) (*Encoder, error) {
	vocab := make(map[string][]string)
	means := make(map[string]float64)
	stds := make(map[string]float64)
	for _, v := range st.Catalog {
		if v.IsCategorical() {
			words := st.Vocabulary[v.Name]
			if v.Cardinality <= 0 || len(words) > v.Cardinality {
				return nil, errors.NewConfigMismatchError(errors.CodeCardinalityMismatch,
					fmt.Sprintf("variable %q: %d categories for cardinality %d", v.Name, len(words), v.Cardinality))
			}
			vocab[v.Name] = append([]string(nil), words...)
			continue
		}
		std, ok := st.Stds[v.Name]
		if !ok || std <= 0 {
			return nil, errors.NewConfigMismatchError(errors.CodeCatalogMismatch,
				fmt.Sprintf("continuous variable %q has no standardization", v.Name))
		}
		means[v.Name], stds[v.Name] = st.Means[v.Name], std
	}
	return newEncoder(append(models.Catalog(nil), st.Catalog...), vocab, means, stds), nil
}
