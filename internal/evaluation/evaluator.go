// Package evaluation compares real household load profiles with synthetic
// ones produced for the same contexts and assembles a metrics report.
package evaluation

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Generator is the part of a trained generator the evaluator needs.
// *sampling.DataGenerator satisfies it.
type Generator interface {
	Kind() interfaces.BackboneKind
	RunID() string
	SeqLen() int
	SequenceColumns() []string
	GenerateEncoded(ctx context.Context, contexts []models.EncodedContext, opts sampling.Options) ([]*mat.Dense, error)
	EmbedEncoded(contexts []models.EncodedContext) (*mat.Dense, error)
	Stats() *conditioning.RunningStats
}

// Options tune a single evaluation run.
type Options struct {
	RunID string
	// RareIndices names dataset rows forming the rare subset. When nil and
	// rare splitting is enabled, rows are split by embedding distance.
	RareIndices []int
	Seed        *int64
}

// sequenceMetrics run once per subset.
var sequenceMetrics = []string{
	constants.MetricDTW,
	constants.MetricMMD,
	constants.MetricBoundedMSE,
	constants.MetricContextFID,
	constants.MetricDiscriminative,
	constants.MetricPredictive,
	constants.MetricKS,
	constants.MetricACF,
}

// embeddingMetrics score the context embeddings of each subset.
var embeddingMetrics = []string{
	constants.MetricMIG,
	constants.MetricSAP,
}

// Evaluator computes fidelity metrics. It holds no per-run state and may be
// shared.
type Evaluator struct {
	cfg     config.EvaluatorConfig
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics
}

// New creates an evaluator. m may be nil.
func New(cfg config.EvaluatorConfig, logger *logrus.Logger, m *metrics.PrometheusMetrics) *Evaluator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultEvaluatorWorkers
	}
	if cfg.RarityPercentile <= 0 || cfg.RarityPercentile >= 1 {
		cfg.RarityPercentile = constants.DefaultRarityPercentile
	}
	if cfg.RarityCoverage <= 0 || cfg.RarityCoverage >= 1 {
		cfg.RarityCoverage = constants.DefaultRarityCoverage
	}
	if cfg.MMDBandwidth <= 0 {
		cfg.MMDBandwidth = constants.DefaultMMDBandwidth
	}
	if cfg.ContextFIDComponents <= 0 {
		cfg.ContextFIDComponents = constants.DefaultContextFIDComponents
	}
	if cfg.DisentanglementBins <= 0 {
		cfg.DisentanglementBins = constants.DefaultDisentanglementBins
	}
	if cfg.DiscriminativeEpochs <= 0 {
		cfg.DiscriminativeEpochs = constants.DefaultDiscriminativeEpochs
	}
	if cfg.PredictiveEpochs <= 0 {
		cfg.PredictiveEpochs = constants.DefaultPredictiveEpochs
	}
	if cfg.AuxHiddenDim <= 0 {
		cfg.AuxHiddenDim = 32
	}
	return &Evaluator{cfg: cfg, logger: logger, metrics: m}
}

// subset is one slice of paired real and synthetic rows.
type subset struct {
	name     string
	rows     []int
	ref      []*mat.Dense
	syn      []*mat.Dense
	contexts []models.EncodedContext
}

// task computes one metric and never panics past the pool.
type task struct {
	subset string
	metric string
	run    func(rng *rand.Rand) (models.MetricValue, error)
}

// Evaluate generates one synthetic sequence per real row (same context) and
// compares the two sets. A failing metric is reported as unavailable; only
// invalid input or a generation failure aborts the run.
func (e *Evaluator) Evaluate(ctx context.Context, ref *dataset.Dataset, gen Generator, opts Options) (*models.Report, error) {
	if gen == nil {
		return nil, errors.NewNotTrainedError("evaluation needs a trained generator")
	}
	if ref == nil || ref.Len() == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyTable, "evaluation dataset is empty")
	}
	if ref.SeqLen() != gen.SeqLen() || ref.Channels() != len(gen.SequenceColumns()) {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("dataset is %dx%d, generator produces %dx%d",
				ref.SeqLen(), ref.Channels(), gen.SeqLen(), len(gen.SequenceColumns())))
	}
	selected, err := e.selectedMetrics()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	seed := int64(0)
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	rng := rand.New(rand.NewSource(seed))
	runID := opts.RunID
	if runID == "" {
		runID = gen.RunID()
	}

	logger := e.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"backbone": gen.Kind(),
		"rows":     ref.Len(),
	})
	logger.Info("Starting evaluation")

	groups, err := e.subsets(ref, gen, opts, rng)
	if err != nil {
		return nil, err
	}

	union := unionRows(groups)
	contexts := make([]models.EncodedContext, len(union))
	for i, r := range union {
		contexts[i] = ref.Context(r)
	}
	synthetic, err := gen.GenerateEncoded(ctx, contexts, sampling.Options{Seed: &seed})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeGeneration, errors.CodeGenerationFailed,
			"failed to generate synthetic counterparts")
	}
	byRow := make(map[int]*mat.Dense, len(union))
	for i, r := range union {
		byRow[r] = synthetic[i]
	}

	report := models.NewReport()
	report.Metadata = models.ReportMetadata{
		RunID:     runID,
		Backbone:  string(gen.Kind()),
		SeqLen:    ref.SeqLen(),
		Channels:  ref.SequenceColumns(),
		StartedAt: started,
	}

	cards := ref.Encoder().Cardinalities()
	var tasks []task
	for _, g := range groups {
		s := &subset{name: g.name, rows: g.rows}
		for _, r := range g.rows {
			s.ref = append(s.ref, ref.Raw(r))
			s.syn = append(s.syn, byRow[r])
			s.contexts = append(s.contexts, ref.Context(r))
		}
		report.Metadata.Subsets = append(report.Metadata.Subsets, models.SubsetInfo{
			Name:      s.name,
			RealCount: len(s.ref),
			SynCount:  len(s.syn),
		})
		for _, name := range selected {
			if contains(sequenceMetrics, name) {
				tasks = append(tasks, e.sequenceTask(s, name, ref.SequenceColumns()))
			} else {
				tasks = append(tasks, e.disentanglementTask(s, gen, name, cards))
			}
		}
	}
	if e.cfg.EvalConditioning {
		tasks = append(tasks, e.rarityTasks(ref, gen)...)
	}

	e.run(ctx, tasks, seed, report)

	report.Metadata.Duration = time.Since(started)
	for _, byMetric := range report.Metrics {
		for _, v := range byMetric {
			if !v.Available {
				report.Metadata.FailedCount++
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"subsets":  len(groups),
		"metrics":  len(tasks),
		"failed":   report.Metadata.FailedCount,
		"duration": report.Metadata.Duration,
	}).Info("Evaluation completed")

	if e.cfg.OutputPath != "" {
		if err := WriteReport(report, e.cfg.OutputPath); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (e *Evaluator) selectedMetrics() ([]string, error) {
	if len(e.cfg.Metrics) == 0 {
		return append(append([]string(nil), sequenceMetrics...), embeddingMetrics...), nil
	}
	for _, name := range e.cfg.Metrics {
		if !contains(sequenceMetrics, name) && !contains(embeddingMetrics, name) {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown metric %q", name))
		}
	}
	return e.cfg.Metrics, nil
}

type group struct {
	name string
	rows []int
}

// subsets builds "all" plus, when requested, the rare and non-rare splits.
// Each subset is capped at MaxSamples rows.
func (e *Evaluator) subsets(ref *dataset.Dataset, gen Generator, opts Options, rng *rand.Rand) ([]group, error) {
	all := make([]int, ref.Len())
	for i := range all {
		all[i] = i
	}
	groups := []group{{name: constants.SubsetAll, rows: e.limit(all, rng)}}

	var rare []int
	switch {
	case opts.RareIndices != nil:
		seen := make(map[int]bool)
		for _, r := range opts.RareIndices {
			if r < 0 || r >= ref.Len() {
				return nil, errors.NewValidationError(errors.CodeOutOfRange,
					fmt.Sprintf("rare index %d outside dataset of %d rows", r, ref.Len()))
			}
			if !seen[r] {
				seen[r] = true
				rare = append(rare, r)
			}
		}
		sort.Ints(rare)
	case e.cfg.DistinguishRare:
		flags, err := e.rareByDistance(ref, gen)
		if err != nil {
			e.logger.WithError(err).Warn("Rare split unavailable, evaluating all rows only")
			return groups, nil
		}
		for i, f := range flags {
			if f {
				rare = append(rare, i)
			}
		}
	default:
		return groups, nil
	}

	inRare := make(map[int]bool, len(rare))
	for _, r := range rare {
		inRare[r] = true
	}
	var common []int
	for _, r := range all {
		if !inRare[r] {
			common = append(common, r)
		}
	}
	groups = append(groups,
		group{name: constants.SubsetRare, rows: e.limit(rare, rng)},
		group{name: constants.SubsetNonRare, rows: e.limit(common, rng)},
	)
	return groups, nil
}

// rareByDistance flags rows whose context embedding lies beyond the
// configured quantile of Mahalanobis distances.
func (e *Evaluator) rareByDistance(ref *dataset.Dataset, gen Generator) ([]bool, error) {
	stats := gen.Stats()
	if stats == nil || !stats.Initialized() {
		return nil, errors.NewNotTrainedError("embedding statistics are not initialized")
	}
	emb, err := gen.EmbedEncoded(ref.Contexts())
	if err != nil {
		return nil, err
	}
	d, err := stats.Mahalanobis(emb)
	if err != nil {
		return nil, err
	}
	return conditioning.AboveQuantile(d, e.cfg.RarityPercentile), nil
}

func (e *Evaluator) limit(rows []int, rng *rand.Rand) []int {
	if e.cfg.MaxSamples <= 0 || len(rows) <= e.cfg.MaxSamples {
		return rows
	}
	picked := make([]int, e.cfg.MaxSamples)
	for i, j := range rng.Perm(len(rows))[:e.cfg.MaxSamples] {
		picked[i] = rows[j]
	}
	sort.Ints(picked)
	return picked
}

func unionRows(groups []group) []int {
	seen := make(map[int]bool)
	var out []int
	for _, g := range groups {
		for _, r := range g.rows {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Ints(out)
	return out
}

func (e *Evaluator) sequenceTask(s *subset, name string, columns []string) task {
	t := task{subset: s.name, metric: name}
	t.run = func(rng *rand.Rand) (models.MetricValue, error) {
		if len(s.ref) < 2 {
			return models.MetricValue{}, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("subset %s has %d rows, need at least 2", s.name, len(s.ref)))
		}
		switch name {
		case constants.MetricDTW:
			return DTWScore(s.ref, s.syn, columns)
		case constants.MetricMMD:
			return MMDScore(s.ref, s.syn, columns, e.cfg.MMDBandwidth)
		case constants.MetricBoundedMSE:
			return BoundedMSE(s.ref, s.syn, s.contexts)
		case constants.MetricKS:
			return KSScore(s.ref, s.syn, columns)
		case constants.MetricACF:
			return ACFScore(s.ref, s.syn, columns)
		case constants.MetricContextFID:
			v, err := ContextFID(s.ref, s.syn, e.cfg.ContextFIDComponents)
			if err != nil {
				return models.MetricValue{}, err
			}
			return models.Scalar(v), nil
		case constants.MetricDiscriminative:
			v, err := DiscriminativeScore(s.ref, s.syn, classifierOptions{
				Epochs: e.cfg.DiscriminativeEpochs, Hidden: e.cfg.AuxHiddenDim,
			}, rng)
			if err != nil {
				return models.MetricValue{}, err
			}
			return models.Scalar(v), nil
		case constants.MetricPredictive:
			v, err := PredictiveScore(s.ref, s.syn, classifierOptions{
				Epochs: e.cfg.PredictiveEpochs, Hidden: e.cfg.AuxHiddenDim,
			}, rng)
			if err != nil {
				return models.MetricValue{}, err
			}
			return models.Scalar(v), nil
		}
		return models.MetricValue{}, fmt.Errorf("unhandled metric %q", name)
	}
	return t
}

func (e *Evaluator) disentanglementTask(s *subset, gen Generator, name string, cards []int) task {
	return task{
		subset: s.name,
		metric: name,
		run: func(*rand.Rand) (models.MetricValue, error) {
			if len(s.contexts) < 2 {
				return models.MetricValue{}, errors.NewValidationError(errors.CodeInvalidInput,
					fmt.Sprintf("subset %s has %d rows, need at least 2", s.name, len(s.contexts)))
			}
			emb, err := gen.EmbedEncoded(s.contexts)
			if err != nil {
				return models.MetricValue{}, err
			}
			factors := CategoricalFactors(s.contexts, cards)
			var v float64
			if name == constants.MetricMIG {
				v, err = MIG(emb, factors, e.cfg.DisentanglementBins)
			} else {
				v, err = SAP(emb, factors, e.cfg.DisentanglementBins)
			}
			if err != nil {
				return models.MetricValue{}, err
			}
			return models.Scalar(v), nil
		},
	}
}

// run executes tasks on a bounded pool. Results land in the report under a
// lock; panics are turned into unavailable metrics.
func (e *Evaluator) run(ctx context.Context, tasks []task, seed int64, report *models.Report) {
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(e.cfg.Workers)
	for i, t := range tasks {
		i, t := i, t
		p.Go(func() {
			started := time.Now()
			v := e.runTask(ctx, t, rand.New(rand.NewSource(seed+int64(i)+1)))
			status := "ok"
			if !v.Available {
				status = "error"
				e.logger.WithFields(logrus.Fields{
					"subset": t.subset,
					"metric": t.metric,
					"error":  v.Error,
				}).Warn("Metric unavailable")
			}
			if e.metrics != nil {
				e.metrics.RecordEvaluationMetric(t.metric, status, time.Since(started))
			}
			mu.Lock()
			report.Set(t.subset, t.metric, v)
			mu.Unlock()
		})
	}
	p.Wait()
}

func (e *Evaluator) runTask(ctx context.Context, t task, rng *rand.Rand) (v models.MetricValue) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"metric": t.metric,
				"stack":  string(debug.Stack()),
			}).Error("Metric panicked")
			v = models.Unavailable(fmt.Errorf("metric panicked: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return models.Unavailable(err)
	}
	v, err := t.run(rng)
	if err != nil {
		return models.Unavailable(err)
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
