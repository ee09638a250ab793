// Package dataset turns a raw wide-format table into validated
// (sequence, context) training pairs. It owns the context encoder and the
// fitted normalizer; both are shared read-only with every subset and with the
// sampling facade built after training.
package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Options configures dataset construction.
type Options struct {
	SequenceColumns  []string
	EntityColumn     string
	Catalog          models.Catalog
	SeqLen           int
	Normalize        bool
	Scale            bool
	NormalizerMethod string
	NormalizerEpochs int
	NormalizerHidden int
	Seed             int64

	// Preparer coerces raw cells. Nil means CoercePreparer.
	Preparer Preparer
}

// OptionsFromConfig maps the dataset section of the run configuration.
func OptionsFromConfig(cfg config.DatasetConfig, seed int64) Options {
	return Options{
		SequenceColumns:  append([]string(nil), cfg.SequenceColumns...),
		EntityColumn:     cfg.EntityColumn,
		Catalog:          cfg.Catalog(),
		SeqLen:           cfg.SeqLen,
		Normalize:        cfg.Normalize,
		Scale:            cfg.Scale,
		NormalizerMethod: cfg.NormalizerMethod,
		NormalizerEpochs: cfg.NormalizerEpochs,
		NormalizerHidden: cfg.NormalizerHidden,
		Seed:             seed,
	}
}

func (o *Options) validate() error {
	if o.SeqLen <= 0 {
		return errors.NewValidationError(errors.CodeOutOfRange, fmt.Sprintf("seq_len must be positive, got %d", o.SeqLen))
	}
	if len(o.SequenceColumns) == 0 {
		return errors.NewValidationError(errors.CodeMissingField, "at least one sequence column is required")
	}
	seen := make(map[string]bool)
	for _, c := range o.SequenceColumns {
		if c == "" || seen[c] {
			return errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("invalid or duplicate sequence column %q", c))
		}
		seen[c] = true
	}
	for _, v := range o.Catalog {
		if seen[v.Name] {
			return errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("context variable %q is also a sequence column", v.Name))
		}
	}
	switch o.NormalizerMethod {
	case "":
		o.NormalizerMethod = config.NormalizerGlobal
	case config.NormalizerGlobal, config.NormalizerParametric:
	default:
		return errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("unknown normalizer method %q", o.NormalizerMethod))
	}
	if o.NormalizerEpochs <= 0 {
		o.NormalizerEpochs = 300
	}
	if o.NormalizerHidden <= 0 {
		o.NormalizerHidden = 64
	}
	if o.Preparer == nil {
		o.Preparer = CoercePreparer
	}
	return nil
}

// Preparer converts a raw table into one whose sequence cells are []float64
// of exactly SeqLen values. It replaces per-dataset subclassing: callers pass
// their own function for bespoke input formats. The output is re-validated.
type Preparer func(raw *models.Table, opts Options) (*models.Table, error)

// CoercePreparer checks that every declared column exists, parses sequence
// cells and truncates sequences longer than SeqLen. Shorter sequences fail.
func CoercePreparer(raw *models.Table, opts Options) (*models.Table, error) {
	if raw.Len() == 0 {
		return nil, errors.NewSchemaError(errors.CodeEmptyTable, "input table has no rows")
	}
	required := append([]string(nil), opts.SequenceColumns...)
	if opts.EntityColumn != "" {
		required = append(required, opts.EntityColumn)
	}
	required = append(required, opts.Catalog.Names()...)
	for _, col := range required {
		if !raw.HasColumn(col) {
			return nil, errors.NewSchemaError(errors.CodeMissingColumn, fmt.Sprintf("required column %q is missing", col)).
				WithContext("column", col)
		}
	}

	out := raw.Clone()
	for i, row := range out.Rows {
		entity := entityOf(row, opts.EntityColumn)
		for _, col := range opts.SequenceColumns {
			values, err := ParseSequence(row[col])
			if err != nil {
				return nil, errors.NewMalformedSequenceError(i, entity, col, err.Error())
			}
			if len(values) < opts.SeqLen {
				return nil, errors.NewMalformedSequenceError(i, entity, col,
					fmt.Sprintf("sequence has %d values, need %d", len(values), opts.SeqLen))
			}
			row[col] = values[:opts.SeqLen]
		}
	}
	return out, nil
}

// ParseSequence coerces one sequence cell to floats.
func ParseSequence(cell interface{}) ([]float64, error) {
	switch v := cell.(type) {
	case nil:
		return nil, fmt.Errorf("sequence cell is empty")
	case []float64:
		return append([]float64(nil), v...), nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []interface{}:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("element %d (%v) is not numeric", i, x)
			}
			out[i] = f
		}
		return out, nil
	case string:
		return parseSequenceString(v)
	default:
		return nil, fmt.Errorf("unsupported sequence cell type %T", cell)
	}
}

func parseSequenceString(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("sequence cell is empty")
	}
	if strings.HasPrefix(s, "[") {
		var raw []interface{}
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %v", err)
		}
		return ParseSequence(raw)
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("element %d (%q) is not numeric", i, f)
		}
		out[i] = x
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func entityOf(row models.Row, column string) string {
	if column == "" {
		return ""
	}
	v, ok := row[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := canonical(v); ok {
		return s
	}
	return fmt.Sprint(v)
}

// canonical renders a context cell in its vocabulary form. The second result
// is false when the cell counts as absent.
func canonical(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return formatFloat(f)
		}
		return x.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

func formatFloat(f float64) (string, bool) {
	if math.IsNaN(f) {
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}
