// Package trainer runs the conditional training loop: it owns the dataset's
// fitted state, the context module and the backbone while training, and
// hands out a sampling-only generator once training has finished.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/evaluation"
	"github.com/inferloop/gridsynth/internal/generators"
	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

// EpochMetrics is one entry of the training history.
type EpochMetrics struct {
	Epoch        int                `json:"epoch"`
	Steps        int                `json:"steps"`
	Losses       map[string]float64 `json:"losses"`
	LRScale      float64            `json:"lr_scale"`
	CondFrozen   bool               `json:"cond_frozen"`
	Duration     time.Duration      `json:"duration"`
	CheckpointID string             `json:"checkpoint_id,omitempty"`
}

// Loss is the epoch's total loss.
func (m EpochMetrics) Loss() float64 { return m.Losses["loss"] }

// Option customizes a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithCheckpoints enables checkpoint writes through the manager.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(t *Trainer) { t.checkpoints = m }
}

// WithMetrics reports into an existing collector set.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithFactory replaces the default backbone factory.
func WithFactory(f *generators.Factory) Option {
	return func(t *Trainer) { t.factory = f }
}

// Trainer drives one training run.
type Trainer struct {
	cfg         *config.Config
	logger      *logrus.Logger
	factory     *generators.Factory
	checkpoints *checkpoint.Manager
	metrics     *metrics.PrometheusMetrics

	mu    sync.RWMutex
	state State

	runID    string
	kind     interfaces.BackboneKind
	ds       *dataset.Dataset
	module   *conditioning.Module
	backbone interfaces.Backbone

	epoch          int
	step           int
	stepsSinceSave int
	bestLoss       float64
	staleEpochs    int
	history        []EpochMetrics

	snapshot     *checkpoint.Artifact
	lastSavedID  string
	lastDiverged error
}

// New creates an unconfigured trainer.
func New(cfg *config.Config, opts ...Option) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "trainer needs a configuration")
	}
	t := &Trainer{cfg: cfg, state: StateUninitialized}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
	}
	if t.factory == nil {
		t.factory = generators.NewFactory(t.logger)
	}
	if t.metrics == nil {
		m, err := metrics.NewPrometheusMetrics(&cfg.Metrics, t.logger)
		if err != nil {
			return nil, err
		}
		t.metrics = m
	}
	t.metrics.SetTrainerState(string(t.state), stateNames())
	return t, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// RunID identifies the run in checkpoint ids.
func (t *Trainer) RunID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runID
}

// Epoch is the last completed epoch.
func (t *Trainer) Epoch() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Step is the number of optimizer steps taken.
func (t *Trainer) Step() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.step
}

// History returns a copy of the per-epoch history.
func (t *Trainer) History() []EpochMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]EpochMetrics, len(t.history))
	copy(out, t.history)
	return out
}

// LastCheckpointID is the id of the most recent checkpoint written, if any.
func (t *Trainer) LastCheckpointID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSavedID
}

// Metrics exposes the collectors the trainer reports into.
func (t *Trainer) Metrics() *metrics.PrometheusMetrics { return t.metrics }

// setState must be called with mu held.
func (t *Trainer) setState(to State) error {
	if !CanTransition(t.state, to) {
		return transitionError(t.state, to)
	}
	t.logger.WithFields(logrus.Fields{
		"from": t.state,
		"to":   to,
	}).Debug("Trainer state change")
	t.state = to
	t.metrics.SetTrainerState(string(to), stateNames())
	return nil
}

// fallBack moves to a recovery state on an error path. A rejected move is
// logged and leaves the state unchanged; the caller still returns its own error.
func (t *Trainer) fallBack(to State) bool {
	if err := t.setState(to); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": t.runID,
			"from":   t.state,
			"to":     to,
		}).Error("Trainer state change rejected")
		return false
	}
	return true
}

// Configure checks the configuration against the dataset and builds the
// context module and backbone. Nothing is kept when any check fails.
func (t *Trainer) Configure(ds *dataset.Dataset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !CanTransition(t.state, StateConfigured) {
		return transitionError(t.state, StateConfigured)
	}
	if ds == nil || ds.Len() == 0 {
		return errors.NewSchemaError(errors.CodeEmptyTable, "training dataset is empty")
	}
	if err := checkDataset(t.cfg, ds); err != nil {
		return err
	}

	kind := interfaces.BackboneKind(t.cfg.Model.Name)
	if !t.factory.IsSupported(kind) {
		return errors.NewConfigurationError(errors.CodeUnsupportedType,
			fmt.Sprintf("backbone kind '%s' is not supported", kind))
	}

	m := t.cfg.Model
	module, err := conditioning.New(ds.Catalog(), conditioning.Options{
		EmbeddingDim:     m.CondEmbDim,
		HiddenDim:        m.CondHiddenDim,
		SparseLossWeight: m.SparseConditioningLossWeight,
		Seed:             t.cfg.Seed,
	}, t.logger)
	if err != nil {
		return err
	}
	backbone, err := t.factory.CreateBackbone(kind, m, shapeOf(ds, t.cfg.Seed), module)
	if err != nil {
		return err
	}

	if err := t.setState(StateConfigured); err != nil {
		return err
	}
	t.runID = checkpoint.NewRunID()
	t.kind = kind
	t.ds = ds
	t.module = module
	t.backbone = backbone
	t.epoch, t.step, t.stepsSinceSave = 0, 0, 0
	t.bestLoss, t.staleEpochs = math.Inf(1), 0
	t.history = nil
	t.snapshot = nil
	t.lastSavedID = ""
	t.lastDiverged = nil

	t.logger.WithFields(logrus.Fields{
		"run_id":   t.runID,
		"backbone": kind,
		"rows":     ds.Len(),
		"seq_len":  ds.SeqLen(),
		"channels": ds.Channels(),
		"context":  len(ds.Catalog()),
	}).Info("Trainer configured")
	return nil
}

func shapeOf(ds *dataset.Dataset, seed int64) interfaces.BackboneShape {
	return interfaces.BackboneShape{
		SeqLen:   ds.SeqLen(),
		Channels: ds.Channels(),
		Scaled:   ds.Options().Scale,
		Seed:     seed,
	}
}

// checkDataset rejects configurations that disagree with the data.
func checkDataset(cfg *config.Config, ds *dataset.Dataset) error {
	d := cfg.Dataset
	if d.SeqLen != ds.SeqLen() {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("config seq_len %d, dataset seq_len %d", d.SeqLen, ds.SeqLen()))
	}
	if d.InputDim != 0 && d.InputDim != ds.Channels() {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("config input_dim %d, dataset has %d sequence columns", d.InputDim, ds.Channels()))
	}
	declared := d.Catalog()
	if len(declared) > 0 && !declared.Equal(ds.Catalog()) {
		return errors.NewConfigMismatchError(errors.CodeCatalogMismatch,
			fmt.Sprintf("configured context variables %v do not match the dataset catalog %v",
				declared.Names(), ds.Catalog().Names()))
	}
	return nil
}

// lrScale is the MultiStepLR factor for a 1-based epoch.
func lrScale(epoch, epochs int, milestones []float64, gamma float64) float64 {
	scale := 1.0
	for _, m := range milestones {
		if epoch > int(m*float64(epochs)) {
			scale *= gamma
		}
	}
	return scale
}

// Train runs epochs until convergence, the epoch limit, divergence or
// cancellation. Cancellation returns the trainer to Configured with its
// progress kept, so Train can be called again.
func (t *Trainer) Train(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.backbone == nil {
		return transitionError(t.state, StateTraining)
	}
	if err := t.setState(StateTraining); err != nil {
		return err
	}

	m := t.cfg.Model
	t.logger.WithFields(logrus.Fields{
		"run_id":      t.runID,
		"backbone":    t.kind,
		"start_epoch": t.epoch + 1,
		"n_epochs":    m.Epochs,
		"batch_size":  m.BatchSize,
		"warm_up":     m.WarmUpEpochs,
	}).Info("Starting training")

	start := time.Now()
	final := StateMaxEpochsReached
	for epoch := t.epoch + 1; epoch <= m.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return t.interrupt(err)
		}

		em, err := t.runEpoch(ctx, epoch)
		if err != nil {
			if errors.IsTrainingDiverged(err) {
				return t.diverge(err)
			}
			if ctx.Err() != nil {
				return t.interrupt(err)
			}
			t.fallBack(StateConfigured)
			return err
		}

		t.epoch = epoch
		t.snapshot = t.artifact()
		if t.stepsSinceSave >= m.SaveCycle {
			em.CheckpointID = t.save(ctx)
			t.stepsSinceSave = 0
		}
		t.history = append(t.history, em)
		t.metrics.RecordLosses(em.Losses)
		t.metrics.RecordEpoch(epoch, em.Steps, em.Duration)

		fields := logrus.Fields{
			"epoch":    epoch,
			"loss":     em.Loss(),
			"lr_scale": em.LRScale,
			"duration": em.Duration,
		}
		if epoch%10 == 0 || epoch == 1 {
			t.logger.WithFields(fields).Info("Training progress")
		} else {
			t.logger.WithFields(fields).Debug("Training progress")
		}

		if t.converged(em.Loss()) {
			final = StateConverged
			break
		}
	}

	if t.checkpoints != nil && (len(t.history) == 0 || t.history[len(t.history)-1].CheckpointID == "") {
		id := t.save(ctx)
		if len(t.history) > 0 {
			t.history[len(t.history)-1].CheckpointID = id
		}
	}
	if err := t.setState(final); err != nil {
		return err
	}
	if err := t.setState(StateReady); err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"run_id":   t.runID,
		"outcome":  final,
		"epochs":   t.epoch,
		"steps":    t.step,
		"duration": time.Since(start),
	}).Info("Training completed")
	return nil
}

// converged tracks the best loss and reports when patience is exhausted.
func (t *Trainer) converged(loss float64) bool {
	if loss < t.bestLoss-t.cfg.Model.MinDelta {
		t.bestLoss = loss
		t.staleEpochs = 0
		return false
	}
	t.staleEpochs++
	return t.cfg.Model.Patience > 0 && t.staleEpochs >= t.cfg.Model.Patience
}

// runEpoch makes one shuffled pass over the dataset.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	m := t.cfg.Model
	started := time.Now()
	rng := rand.New(rand.NewSource(t.cfg.Seed + int64(epoch)))

	if m.FreezeCondAfterWarmup && epoch > m.WarmUpEpochs && !t.module.Frozen() {
		t.module.Freeze()
		t.logger.WithField("epoch", epoch).Info("Warm-up finished, context module frozen")
	}
	scale := lrScale(epoch, m.Epochs, m.LRMilestones, m.LRGamma)
	t.backbone.SetLearningRateScale(scale)
	for name, opt := range t.backbone.Optimizers() {
		t.metrics.SetLearningRate(name, opt.EffectiveLearningRate())
	}

	n := t.ds.Len()
	bs := m.BatchSize
	if bs > n {
		bs = n
	}
	catalog := t.ds.Catalog()
	perm := rng.Perm(n)
	sums := make(map[string]float64)
	steps := 0

	for off := 0; off < n; off += bs {
		if err := ctx.Err(); err != nil {
			return EpochMetrics{}, err
		}
		end := off + bs
		if end > n {
			end = n
		}
		seqs, contexts := t.ds.Batch(perm[off:end])
		contexts = conditioning.Mask(contexts, catalog, m.SparseConditioningProb, rng)

		progress := interfaces.TrainProgress{
			Epoch:        epoch,
			Step:         t.step,
			Epochs:       m.Epochs,
			WarmUpEpochs: m.WarmUpEpochs,
		}
		if !progress.WarmingUp() {
			emb, err := t.module.Encode(contexts)
			if err != nil {
				return EpochMetrics{}, err
			}
			if err := t.module.Stats().Update(emb); err != nil {
				return EpochMetrics{}, err
			}
		}

		losses, err := t.backbone.TrainStep(ctx, interfaces.TrainBatch{
			Sequences: nn.Flatten(seqs),
			Contexts:  contexts,
			Rng:       rng,
		}, progress)
		if err != nil {
			return EpochMetrics{}, err
		}
		t.step++
		t.stepsSinceSave++
		steps++
		for k, v := range losses {
			sums[k] += v
		}
	}

	for k := range sums {
		sums[k] /= float64(steps)
	}
	return EpochMetrics{
		Epoch:      epoch,
		Steps:      steps,
		Losses:     sums,
		LRScale:    scale,
		CondFrozen: t.module.Frozen(),
		Duration:   time.Since(started),
	}, nil
}

// interrupt handles cancellation between or within epochs.
func (t *Trainer) interrupt(err error) error {
	t.logger.WithFields(logrus.Fields{
		"epoch": t.epoch,
		"step":  t.step,
	}).Warn("Training interrupted")
	if t.snapshot != nil {
		t.restoreSnapshot()
	}
	t.fallBack(StateConfigured)
	return err
}

// diverge restores the last good snapshot. With one the trainer becomes
// Ready, otherwise it stays Diverged. The divergence error is returned either way.
func (t *Trainer) diverge(err error) error {
	t.metrics.RecordDivergence()
	t.lastDiverged = err
	if !t.fallBack(StateDiverged) {
		return err
	}

	if t.snapshot == nil {
		t.logger.WithError(err).Error("Training diverged before any epoch completed")
		return err
	}
	t.restoreSnapshot()
	t.fallBack(StateReady)
	t.logger.WithError(err).WithField("restored_epoch", t.epoch).Error("Training diverged, restored last good state")
	return err
}

func (t *Trainer) restoreSnapshot() {
	s := t.snapshot
	if err := t.module.Restore(s.Context); err != nil {
		t.logger.WithError(err).Error("Failed to restore context module snapshot")
	}
	if err := t.backbone.Restore(s.Backbone); err != nil {
		t.logger.WithError(err).Error("Failed to restore backbone snapshot")
	}
	t.epoch, t.step = s.Epoch, s.Step
}

// LastDivergence returns the error that stopped the last diverged run.
func (t *Trainer) LastDivergence() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastDiverged
}

// artifact captures the current training state. Must be called with mu held.
func (t *Trainer) artifact() *checkpoint.Artifact {
	norm, err := t.ds.Normalizer().State()
	if err != nil {
		t.logger.WithError(err).Warn("Normalizer state unavailable")
	}
	return &checkpoint.Artifact{
		Version:         constants.CheckpointFormatVersion,
		RunID:           t.runID,
		Kind:            t.kind,
		Model:           t.cfg.Model,
		Seed:            t.cfg.Seed,
		SeqLen:          t.ds.SeqLen(),
		SequenceColumns: t.ds.SequenceColumns(),
		Scaled:          t.ds.Options().Scale,
		Epoch:           t.epoch,
		Step:            t.step,
		Backbone:        t.backbone.State(),
		Context:         t.module.State(),
		Encoder:         t.ds.Encoder().State(),
		Normalizer:      norm,
	}
}

// save writes the current state. Failures are logged and counted; training continues.
func (t *Trainer) save(ctx context.Context) string {
	if t.checkpoints == nil {
		return ""
	}
	id, err := t.checkpoints.Save(ctx, t.artifact())
	if err != nil {
		t.metrics.RecordCheckpoint("error")
		t.logger.WithError(err).WithField("epoch", t.epoch).Error("Failed to save checkpoint")
		return ""
	}
	t.metrics.RecordCheckpoint("ok")
	t.lastSavedID = id
	return id
}

// Checkpoint returns the in-memory artifact of the current state.
func (t *Trainer) Checkpoint() (*checkpoint.Artifact, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.backbone == nil {
		return nil, errors.NewNotTrainedError("trainer is not configured")
	}
	return t.artifact(), nil
}

// Resume loads a checkpoint from the manager (the latest when id is empty)
// into a configured trainer.
func (t *Trainer) Resume(ctx context.Context, id string) error {
	if t.checkpoints == nil {
		return errors.ErrStoreNotEnabled
	}
	var (
		a   *checkpoint.Artifact
		err error
	)
	if id == "" {
		a, err = t.checkpoints.Latest(ctx)
	} else {
		a, err = t.checkpoints.Load(ctx, id)
	}
	if err != nil {
		return err
	}
	return t.ResumeFrom(a)
}

// ResumeFrom restores backbone, EMA, optimizers, context module, running
// statistics and counters from an artifact. The dataset should be built
// with the artifact's encoder and normalizer.
func (t *Trainer) ResumeFrom(a *checkpoint.Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConfigured || t.backbone == nil {
		return transitionError(t.state, StateConfigured)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Kind != t.kind {
		return errors.NewConfigMismatchError(errors.CodeUnsupportedType,
			fmt.Sprintf("checkpoint holds %s, trainer is configured for %s", a.Kind, t.kind))
	}
	if a.Shape() != shapeOf(t.ds, a.Seed) {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("checkpoint geometry %+v does not match the dataset", a.Shape()))
	}
	if !a.Encoder.Catalog.Equal(t.ds.Catalog()) {
		return errors.NewConfigMismatchError(errors.CodeCatalogMismatch, "checkpoint catalog does not match the dataset")
	}

	// The module is rolled back when the backbone rejects its state.
	before := t.artifact()
	if err := t.module.Restore(a.Context); err != nil {
		return err
	}
	if err := t.backbone.Restore(a.Backbone); err != nil {
		t.module.Restore(before.Context)
		return err
	}

	t.runID = a.RunID
	t.epoch, t.step = a.Epoch, a.Step
	t.stepsSinceSave = 0
	t.bestLoss, t.staleEpochs = math.Inf(1), 0
	t.snapshot = a
	t.lastSavedID = a.ID

	t.logger.WithFields(logrus.Fields{
		"checkpoint": a.ID,
		"run_id":     a.RunID,
		"epoch":      a.Epoch,
		"step":       a.Step,
	}).Info("Resumed from checkpoint")
	return nil
}

// GetDataGenerator returns the sampling-only facade. It requires Ready.
func (t *Trainer) GetDataGenerator() (*sampling.DataGenerator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != StateReady {
		return nil, errors.NewNotTrainedError(fmt.Sprintf("trainer is %s, not ready", t.state))
	}
	return sampling.New(sampling.Params{
		RunID:           t.runID,
		Kind:            t.kind,
		SeqLen:          t.ds.SeqLen(),
		SequenceColumns: t.ds.SequenceColumns(),
		BatchSize:       t.cfg.Model.SamplingBatchSize,
		Seed:            t.cfg.Seed,
		Encoder:         t.ds.Encoder(),
		Normalizer:      t.ds.Normalizer(),
		Module:          t.module,
		Backbone:        t.backbone,
		Metrics:         t.metrics,
	}, t.logger)
}

// Evaluate compares a dataset against samples from the trained model. It requires Ready.
func (t *Trainer) Evaluate(ctx context.Context, ds *dataset.Dataset, opts evaluation.Options) (*models.Report, error) {
	gen, err := t.GetDataGenerator()
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = t.RunID()
	}
	return evaluation.New(t.cfg.Evaluator, t.logger, t.metrics).Evaluate(ctx, ds, gen, opts)
}
