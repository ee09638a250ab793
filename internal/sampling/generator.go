// Package sampling is the read-only generation facade over trained modules.
// A DataGenerator never mutates the modules it holds; every call draws from
// its own random source, so concurrent callers are independent.
package sampling

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/generators"
	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Params are the trained pieces a generator is assembled from.
type Params struct {
	RunID           string
	Kind            interfaces.BackboneKind
	SeqLen          int
	SequenceColumns []string
	BatchSize       int
	Seed            int64

	Encoder    *dataset.Encoder
	Normalizer *dataset.Normalizer
	Module     *conditioning.Module
	Backbone   interfaces.Backbone
	Metrics    *metrics.PrometheusMetrics
}

// Options tune a single generation call.
type Options struct {
	// Seed overrides the generator's default seed.
	Seed *int64
	// Stochastic samples the context embedding instead of using its mean.
	Stochastic bool
}

// DataGenerator produces synthetic sequences in original scale.
type DataGenerator struct {
	p      Params
	logger *logrus.Logger
}

// New assembles a generator.
func New(p Params, logger *logrus.Logger) (*DataGenerator, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if p.Encoder == nil || p.Normalizer == nil || p.Module == nil || p.Backbone == nil {
		return nil, errors.NewNotTrainedError("generator needs a fitted encoder, normalizer, context module and backbone")
	}
	if p.SeqLen <= 0 || len(p.SequenceColumns) == 0 {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "generator has no sequence geometry")
	}
	if !p.Normalizer.Fitted() {
		return nil, errors.NewNotTrainedError("normalizer is not fitted")
	}
	if !p.Module.Catalog().Equal(p.Encoder.Catalog()) {
		return nil, errors.NewConfigMismatchError(errors.CodeCatalogMismatch, "context module and encoder disagree on the catalog")
	}
	if p.BatchSize <= 0 {
		p.BatchSize = constants.DefaultSamplingBatchSize
	}
	p.SequenceColumns = append([]string(nil), p.SequenceColumns...)
	return &DataGenerator{p: p, logger: logger}, nil
}

// FromCheckpoint rebuilds a generator from an artifact alone.
func FromCheckpoint(a *checkpoint.Artifact, factory *generators.Factory, m *metrics.PrometheusMetrics, logger *logrus.Logger) (*DataGenerator, error) {
	b, err := checkpoint.Rebuild(a, factory, logger)
	if err != nil {
		return nil, err
	}
	return New(Params{
		RunID:           a.RunID,
		Kind:            a.Kind,
		SeqLen:          a.SeqLen,
		SequenceColumns: a.SequenceColumns,
		BatchSize:       a.Model.SamplingBatchSize,
		Seed:            a.Seed,
		Encoder:         b.Encoder,
		Normalizer:      b.Normalizer,
		Module:          b.Module,
		Backbone:        b.Backbone,
		Metrics:         m,
	}, logger)
}

// Kind is the backbone kind.
func (g *DataGenerator) Kind() interfaces.BackboneKind { return g.p.Kind }

// RunID identifies the training run the parameters come from.
func (g *DataGenerator) RunID() string { return g.p.RunID }

// SeqLen is the length of generated sequences.
func (g *DataGenerator) SeqLen() int { return g.p.SeqLen }

// SequenceColumns names the generated channels.
func (g *DataGenerator) SequenceColumns() []string {
	return append([]string(nil), g.p.SequenceColumns...)
}

// Catalog is the context catalog the model is conditioned on.
func (g *DataGenerator) Catalog() models.Catalog { return g.p.Encoder.Catalog() }

// Categories lists the vocabulary of a categorical variable.
func (g *DataGenerator) Categories(name string) []string { return g.p.Encoder.Categories(name) }

// Encoder exposes the fitted context encoder.
func (g *DataGenerator) Encoder() *dataset.Encoder { return g.p.Encoder }

// Stats exposes the context module's running embedding statistics.
func (g *DataGenerator) Stats() *conditioning.RunningStats { return g.p.Module.Stats() }

func (g *DataGenerator) rng(opts Options) (*rand.Rand, int64) {
	seed := g.p.Seed
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	return rand.New(rand.NewSource(seed)), seed
}

// GenerateEncoded samples one sequence per encoded context, in original
// scale, (seq_len x channels) each.
func (g *DataGenerator) GenerateEncoded(ctx context.Context, contexts []models.EncodedContext, opts Options) ([]*mat.Dense, error) {
	rng, _ := g.rng(opts)
	return g.generate(ctx, contexts, opts, rng)
}

func (g *DataGenerator) generate(ctx context.Context, contexts []models.EncodedContext, opts Options, rng *rand.Rand) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, 0, len(contexts))
	channels := len(g.p.SequenceColumns)
	for off := 0; off < len(contexts); off += g.p.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := off + g.p.BatchSize
		if end > len(contexts) {
			end = len(contexts)
		}
		chunk := contexts[off:end]

		cond, err := g.condition(chunk, opts, rng)
		if err != nil {
			return nil, err
		}
		x, err := g.p.Backbone.Sample(ctx, cond, rng)
		if err != nil {
			return nil, err
		}
		for i, seq := range nn.Unflatten(x, g.p.SeqLen, channels) {
			orig, err := g.p.Normalizer.InverseTransform(seq, chunk[i])
			if err != nil {
				return nil, err
			}
			out = append(out, orig)
		}
	}
	return out, nil
}

func (g *DataGenerator) condition(contexts []models.EncodedContext, opts Options, rng *rand.Rand) (*mat.Dense, error) {
	if !opts.Stochastic {
		return g.p.Module.Encode(contexts)
	}
	out, _, err := g.p.Module.Forward(contexts, rng)
	if err != nil {
		return nil, err
	}
	return out.Z, nil
}

// Generate produces n samples for one (possibly partial) assignment.
// Variables left out use the learned unknown embedding; values outside the
// fitted vocabulary fail with UnknownCategoryError.
func (g *DataGenerator) Generate(ctx context.Context, assignment models.ContextAssignment, n int, opts Options) ([]models.GeneratedSample, error) {
	if n <= 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, fmt.Sprintf("sample count must be positive, got %d", n))
	}
	started := time.Now()
	done := g.track()
	defer done()

	enc, err := g.p.Encoder.Encode(assignment)
	if err != nil {
		g.record("error", 0, started)
		return nil, err
	}
	contexts := make([]models.EncodedContext, n)
	for i := range contexts {
		contexts[i] = enc
	}
	samples, err := g.samples(ctx, contexts, opts)
	if err != nil {
		g.record("error", 0, started)
		return nil, err
	}
	g.record("ok", n, started)

	g.logger.WithFields(logrus.Fields{
		"count":       n,
		"unspecified": samples[0].Unspecified,
		"duration":    time.Since(started),
	}).Debug("Generated samples")
	return samples, nil
}

// GenerateFor produces one sample per assignment, in order. Used to pair
// synthetic rows with real ones.
func (g *DataGenerator) GenerateFor(ctx context.Context, assignments []models.ContextAssignment, opts Options) ([]models.GeneratedSample, error) {
	if len(assignments) == 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "no assignments to generate for")
	}
	started := time.Now()
	done := g.track()
	defer done()

	contexts := make([]models.EncodedContext, len(assignments))
	for i, a := range assignments {
		enc, err := g.p.Encoder.Encode(a)
		if err != nil {
			g.record("error", 0, started)
			return nil, err
		}
		contexts[i] = enc
	}
	samples, err := g.samples(ctx, contexts, opts)
	if err != nil {
		g.record("error", 0, started)
		return nil, err
	}
	g.record("ok", len(samples), started)
	return samples, nil
}

func (g *DataGenerator) samples(ctx context.Context, contexts []models.EncodedContext, opts Options) ([]models.GeneratedSample, error) {
	rng, seed := g.rng(opts)
	seqs, err := g.generate(ctx, contexts, opts, rng)
	if err != nil {
		return nil, err
	}
	out := make([]models.GeneratedSample, len(seqs))
	for i, seq := range seqs {
		out[i] = models.GeneratedSample{
			Context:     g.p.Encoder.Decode(contexts[i]),
			Unspecified: g.p.Encoder.Unspecified(contexts[i]),
			Series:      dataset.SplitSequenceColumns(g.p.SequenceColumns, seq),
			Seed:        seed,
		}
	}
	return out, nil
}

// Embed returns the deterministic context embedding (mu) of each assignment.
func (g *DataGenerator) Embed(assignments []models.ContextAssignment) (*mat.Dense, error) {
	contexts := make([]models.EncodedContext, len(assignments))
	for i, a := range assignments {
		enc, err := g.p.Encoder.Encode(a)
		if err != nil {
			return nil, err
		}
		contexts[i] = enc
	}
	return g.EmbedEncoded(contexts)
}

// EmbedEncoded is Embed for already encoded contexts.
func (g *DataGenerator) EmbedEncoded(contexts []models.EncodedContext) (*mat.Dense, error) {
	return g.p.Module.Encode(contexts)
}

// EmbeddingRecords pairs each distinct assignment with its embedding, for
// a nearest-context index.
func (g *DataGenerator) EmbeddingRecords(assignments []models.ContextAssignment) ([]interfaces.EmbeddingRecord, error) {
	seen := make(map[string]bool)
	var contexts []models.EncodedContext
	for _, a := range assignments {
		enc, err := g.p.Encoder.Encode(a)
		if err != nil {
			return nil, err
		}
		if seen[enc.Key()] {
			continue
		}
		seen[enc.Key()] = true
		contexts = append(contexts, enc)
	}
	if len(contexts) == 0 {
		return nil, nil
	}
	emb, err := g.EmbedEncoded(contexts)
	if err != nil {
		return nil, err
	}
	records := make([]interfaces.EmbeddingRecord, len(contexts))
	for i, c := range contexts {
		records[i] = interfaces.EmbeddingRecord{
			Key:     c.Key(),
			Context: g.p.Encoder.Decode(c),
			Vector:  append([]float64(nil), emb.RawRowView(i)...),
		}
	}
	return records, nil
}

func (g *DataGenerator) track() func() {
	if g.p.Metrics == nil {
		return func() {}
	}
	return g.p.Metrics.GenerationStarted()
}

func (g *DataGenerator) record(status string, n int, started time.Time) {
	if g.p.Metrics == nil {
		return
	}
	g.p.Metrics.RecordGeneration(string(g.p.Kind), status, n, time.Since(started))
}
