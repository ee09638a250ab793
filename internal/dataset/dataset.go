package dataset

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Dataset holds validated (sequence, context) pairs. Sequences are
// (seq_len x channels) matrices; channel order follows SequenceColumns.
type Dataset struct {
	opts   Options
	logger *logrus.Logger

	raw         []*mat.Dense
	data        []*mat.Dense
	contexts    []models.EncodedContext
	assignments []models.ContextAssignment
	entities    []string

	encoder    *Encoder
	normalizer *Normalizer
}

// New validates the raw table, fits the context encoder and fits the
// normalizer once over the whole table. Every input problem surfaces here.
func New(raw *models.Table, opts Options, logger *logrus.Logger) (*Dataset, error) {
	return build(raw, opts, nil, nil, logger)
}

// NewFitted builds a dataset from a new table reusing an already fitted
// encoder and normalizer, e.g. a held-out table evaluated against a trained
// checkpoint. Values outside the encoder's vocabulary are rejected.
func NewFitted(raw *models.Table, opts Options, encoder *Encoder, normalizer *Normalizer, logger *logrus.Logger) (*Dataset, error) {
	if encoder == nil || normalizer == nil || !normalizer.Fitted() {
		return nil, errors.NewNotTrainedError("fitted encoder and normalizer are required")
	}
	opts.Catalog = encoder.Catalog()
	return build(raw, opts, encoder, normalizer, logger)
}

func build(raw *models.Table, opts Options, encoder *Encoder, normalizer *Normalizer, logger *logrus.Logger) (*Dataset, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if raw == nil || raw.Len() == 0 {
		return nil, errors.NewSchemaError(errors.CodeEmptyTable, "input table has no rows")
	}

	prepared, err := opts.Preparer(raw, opts)
	if err != nil {
		return nil, err
	}
	if prepared == nil || prepared.Len() == 0 {
		return nil, errors.NewSchemaError(errors.CodeEmptyTable, "preparer returned no rows")
	}

	d := &Dataset{opts: opts, logger: logger}
	channels := len(opts.SequenceColumns)
	for i, row := range prepared.Rows {
		entity := entityOf(row, opts.EntityColumn)
		series := make(map[string][]float64, channels)
		for _, col := range opts.SequenceColumns {
			cell, ok := row[col]
			if !ok {
				return nil, errors.NewSchemaError(errors.CodeMissingColumn,
					fmt.Sprintf("prepared row %d lacks sequence column %q", i, col))
			}
			values, ok := cell.([]float64)
			if !ok {
				return nil, errors.NewMalformedSequenceError(i, entity, col,
					fmt.Sprintf("preparer produced %T, want []float64", cell))
			}
			if len(values) != opts.SeqLen {
				return nil, errors.NewMalformedSequenceError(i, entity, col,
					fmt.Sprintf("sequence has %d values, need exactly %d", len(values), opts.SeqLen))
			}
			for t, x := range values {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return nil, errors.NewMalformedSequenceError(i, entity, col,
						fmt.Sprintf("non-finite value at step %d", t))
				}
			}
			series[col] = values
		}
		seq, err := MergeSequenceColumns(opts.SequenceColumns, series, opts.SeqLen)
		if err != nil {
			return nil, err
		}

		assignment := make(models.ContextAssignment, len(opts.Catalog))
		for _, v := range opts.Catalog {
			if val, ok := row[v.Name]; ok && val != nil {
				assignment[v.Name] = val
			}
		}
		d.raw = append(d.raw, seq)
		d.assignments = append(d.assignments, assignment)
		d.entities = append(d.entities, entity)
	}

	if encoder == nil {
		encoder, err = FitEncoder(opts.Catalog, d.assignments, logger)
		if err != nil {
			return nil, err
		}
	}
	d.encoder = encoder
	for i, a := range d.assignments {
		enc, err := encoder.Encode(a)
		if err != nil {
			if app, ok := err.(*errors.AppError); ok {
				app.WithContext("row", i).WithContext("entity", d.entities[i])
			}
			return nil, err
		}
		d.contexts = append(d.contexts, enc)
	}

	if normalizer == nil {
		normalizer = NewNormalizer(opts, channels, encoder, logger)
		if err := normalizer.Fit(d.raw, d.contexts); err != nil {
			return nil, err
		}
	}
	d.normalizer = normalizer
	d.data = make([]*mat.Dense, len(d.raw))
	for i, seq := range d.raw {
		if d.data[i], err = normalizer.Transform(seq, d.contexts[i]); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"rows":     len(d.raw),
		"seq_len":  opts.SeqLen,
		"channels": channels,
		"context":  len(opts.Catalog),
	}).Info("Dataset prepared")
	return d, nil
}

// FitNormalizer fits the normalizer. New already fits it, so calling this
// on a constructed dataset returns ErrAlreadyFitted.
func (d *Dataset) FitNormalizer() error {
	return d.normalizer.Fit(d.raw, d.contexts)
}

// Len is the number of rows.
func (d *Dataset) Len() int { return len(d.data) }

// SeqLen is the sequence length.
func (d *Dataset) SeqLen() int { return d.opts.SeqLen }

// Channels is the number of sequence columns.
func (d *Dataset) Channels() int { return len(d.opts.SequenceColumns) }

// SequenceColumns returns the channel names in order.
func (d *Dataset) SequenceColumns() []string {
	return append([]string(nil), d.opts.SequenceColumns...)
}

// Catalog returns the resolved context catalog.
func (d *Dataset) Catalog() models.Catalog { return d.encoder.Catalog() }

// Options returns the construction options.
func (d *Dataset) Options() Options { return d.opts }

// Encoder returns the shared context encoder.
func (d *Dataset) Encoder() *Encoder { return d.encoder }

// Normalizer returns the shared fitted normalizer.
func (d *Dataset) Normalizer() *Normalizer { return d.normalizer }

// Item returns the normalized sequence and encoded context of row i.
func (d *Dataset) Item(i int) (*mat.Dense, models.EncodedContext) {
	return d.data[i], d.contexts[i]
}

// Sequence returns the normalized sequence of row i.
func (d *Dataset) Sequence(i int) *mat.Dense { return d.data[i] }

// Raw returns row i in original scale.
func (d *Dataset) Raw(i int) *mat.Dense { return d.raw[i] }

// Context returns the encoded context of row i.
func (d *Dataset) Context(i int) models.EncodedContext { return d.contexts[i] }

// Contexts returns every encoded context.
func (d *Dataset) Contexts() []models.EncodedContext { return d.contexts }

// Assignment returns the raw context assignment of row i.
func (d *Dataset) Assignment(i int) models.ContextAssignment { return d.assignments[i].Clone() }

// Entity returns the entity id of row i.
func (d *Dataset) Entity(i int) string { return d.entities[i] }

// RawSequences returns every sequence in original scale.
func (d *Dataset) RawSequences() []*mat.Dense { return d.raw }

// Batch gathers normalized sequences and contexts for the given rows.
func (d *Dataset) Batch(indices []int) ([]*mat.Dense, []models.EncodedContext) {
	seqs := make([]*mat.Dense, len(indices))
	ctxs := make([]models.EncodedContext, len(indices))
	for k, i := range indices {
		seqs[k] = d.data[i]
		ctxs[k] = d.contexts[i]
	}
	return seqs, ctxs
}

// EncodeContext encodes a raw assignment with the fitted vocabulary.
func (d *Dataset) EncodeContext(a models.ContextAssignment) (models.EncodedContext, error) {
	return d.encoder.Encode(a)
}

// Transform normalizes a sequence for the given context.
func (d *Dataset) Transform(seq *mat.Dense, c models.EncodedContext) (*mat.Dense, error) {
	return d.normalizer.Transform(seq, c)
}

// InverseTransform maps a model-space sequence back to original scale.
func (d *Dataset) InverseTransform(seq *mat.Dense, c models.EncodedContext) (*mat.Dense, error) {
	return d.normalizer.InverseTransform(seq, c)
}

// MergeSequenceColumns stacks named columns into a (seq_len x channels) matrix.
func (d *Dataset) MergeSequenceColumns(series map[string][]float64) (*mat.Dense, error) {
	return MergeSequenceColumns(d.opts.SequenceColumns, series, d.opts.SeqLen)
}

// SplitSequenceColumns is the inverse of MergeSequenceColumns.
func (d *Dataset) SplitSequenceColumns(m *mat.Dense) map[string][]float64 {
	return SplitSequenceColumns(d.opts.SequenceColumns, m)
}

// Subset returns a view over the given rows sharing the fitted encoder and
// normalizer.
func (d *Dataset) Subset(indices []int) (*Dataset, error) {
	out := &Dataset{
		opts:       d.opts,
		logger:     d.logger,
		encoder:    d.encoder,
		normalizer: d.normalizer,
	}
	for _, i := range indices {
		if i < 0 || i >= len(d.data) {
			return nil, errors.NewValidationError(errors.CodeOutOfRange,
				fmt.Sprintf("row index %d outside [0,%d)", i, len(d.data)))
		}
		out.raw = append(out.raw, d.raw[i])
		out.data = append(out.data, d.data[i])
		out.contexts = append(out.contexts, d.contexts[i])
		out.assignments = append(out.assignments, d.assignments[i])
		out.entities = append(out.entities, d.entities[i])
	}
	return out, nil
}

// MergeSequenceColumns stacks named columns into a (seqLen x len(columns))
// matrix in column order.
func MergeSequenceColumns(columns []string, series map[string][]float64, seqLen int) (*mat.Dense, error) {
	if len(columns) == 0 {
		return nil, errors.NewSchemaError(errors.CodeMissingColumn, "no sequence columns")
	}
	out := mat.NewDense(seqLen, len(columns), nil)
	for c, name := range columns {
		values, ok := series[name]
		if !ok {
			return nil, errors.NewSchemaError(errors.CodeMissingColumn, fmt.Sprintf("sequence column %q is missing", name))
		}
		if len(values) != seqLen {
			return nil, errors.NewMalformedSequenceError(-1, "", name,
				fmt.Sprintf("sequence has %d values, need %d", len(values), seqLen))
		}
		for t, x := range values {
			out.Set(t, c, x)
		}
	}
	return out, nil
}

// SplitSequenceColumns returns one copied slice per column.
func SplitSequenceColumns(columns []string, m *mat.Dense) map[string][]float64 {
	r, _ := m.Dims()
	out := make(map[string][]float64, len(columns))
	for c, name := range columns {
		values := make([]float64, r)
		for t := 0; t < r; t++ {
			values[t] = m.At(t, c)
		}
		out[name] = values
	}
	return out
}
