package trainer

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/evaluation"
	"github.com/inferloop/gridsynth/internal/generators"
	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/internal/storage/implementations/file"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

const stubKind interfaces.BackboneKind = "stub"

var months = []string{"jan", "feb", "mar"}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testCatalog() models.Catalog {
	return models.Catalog{{Name: "month", Kind: models.VariableCategorical, Cardinality: 3}}
}

func testDataset(t *testing.T, rows int) *dataset.Dataset {
	t.Helper()
	table := models.NewTable("dataid", "month", "grid", "solar")
	for i := 0; i < rows; i++ {
		grid := make([]float64, 16)
		solar := make([]float64, 16)
		for j := range grid {
			grid[j] = 0.5 + math.Sin(float64(j)/3+float64(i%3)) + 0.01*float64(i)
			solar[j] = math.Max(0, math.Sin(float64(j)/5)) * float64(1+i%3)
		}
		table.Append(models.Row{
			"dataid": i / 4,
			"month":  months[i%3],
			"grid":   grid,
			"solar":  solar,
		})
	}
	ds, err := dataset.New(table, dataset.Options{
		SequenceColumns:  []string{"grid", "solar"},
		EntityColumn:     "dataid",
		Catalog:          testCatalog(),
		SeqLen:           16,
		Normalize:        true,
		Scale:            true,
		NormalizerMethod: config.NormalizerGlobal,
		Seed:             1,
	}, testLogger())
	require.NoError(t, err)
	return ds
}

func testConfig(kind interfaces.BackboneKind) *config.Config {
	cfg := config.Default()
	cfg.Seed = 1
	cfg.Dataset.SeqLen = 16
	cfg.Dataset.InputDim = 2
	cfg.Dataset.SequenceColumns = []string{"grid", "solar"}
	cfg.Dataset.ContextVars = testCatalog()

	m := &cfg.Model
	m.Name = string(kind)
	m.NoiseDim = 4
	m.CondEmbDim = 4
	m.CondHiddenDim = 6
	m.HiddenDim = 8
	m.TimeEmbDim = 4
	m.BatchSize = 32
	m.Epochs = 3
	m.WarmUpEpochs = 1
	m.NSteps = 5
	m.SamplingTimesteps = 5
	m.SaveCycle = 1000
	m.SamplingBatchSize = 16
	m.Patience = 0

	cfg.Evaluator.Metrics = []string{constants.MetricDTW, constants.MetricMMD}
	cfg.Evaluator.EvalConditioning = false
	return cfg
}

// stubBackbone records the epoch in its only parameter and can be told to
// diverge from a given epoch on.
type stubBackbone struct {
	shape     interfaces.BackboneShape
	param     *nn.Param
	opt       *nn.AdamOptimizer
	divergeAt int
	loss      func(epoch int) float64
	restores  int
}

func (s *stubBackbone) Kind() interfaces.BackboneKind { return stubKind }

func (s *stubBackbone) TrainStep(_ context.Context, _ interfaces.TrainBatch, p interfaces.TrainProgress) (interfaces.Losses, error) {
	if s.divergeAt > 0 && p.Epoch >= s.divergeAt {
		return nil, errors.NewTrainingDivergedError(p.Epoch, p.Step, "loss", math.NaN())
	}
	s.param.Value.Set(0, 0, float64(p.Epoch))
	return interfaces.Losses{"loss": s.loss(p.Epoch)}, nil
}

func (s *stubBackbone) Sample(_ context.Context, cond *mat.Dense, _ *rand.Rand) (*mat.Dense, error) {
	r, _ := cond.Dims()
	return mat.NewDense(r, s.shape.Width(), nil), nil
}

func (s *stubBackbone) ParamSets() map[string][]*nn.Param {
	return map[string][]*nn.Param{"model": {s.param}}
}

func (s *stubBackbone) Optimizers() map[string]*nn.AdamOptimizer {
	return map[string]*nn.AdamOptimizer{"model": s.opt}
}

func (s *stubBackbone) SetLearningRateScale(scale float64) { s.opt.SetScale(scale) }

func (s *stubBackbone) State() interfaces.BackboneState {
	return interfaces.BackboneState{
		Kind:       stubKind,
		Params:     map[string]nn.ParamState{"model": nn.ExportParams([]*nn.Param{s.param})},
		Optimizers: map[string]nn.AdamState{"model": s.opt.State()},
	}
}

func (s *stubBackbone) Restore(st interfaces.BackboneState) error {
	s.restores++
	return nn.ImportParams([]*nn.Param{s.param}, st.Params["model"])
}

func stubFactory(t *testing.T, divergeAt int, loss func(int) float64) (*generators.Factory, **stubBackbone) {
	t.Helper()
	var created *stubBackbone
	f := generators.NewFactory(testLogger())
	require.NoError(t, f.RegisterBackbone(stubKind, func(_ config.ModelConfig, shape interfaces.BackboneShape, _ *conditioning.Module, _ *logrus.Logger) (interfaces.Backbone, error) {
		if loss == nil {
			loss = func(epoch int) float64 { return 1 / float64(epoch) }
		}
		created = &stubBackbone{
			shape:     shape,
			param:     nn.NewParam("stub.w", 1, 1),
			opt:       nn.NewAdamOptimizer(1e-3),
			divergeAt: divergeAt,
			loss:      loss,
		}
		return created, nil
	}))
	return f, &created
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateUninitialized, StateConfigured, true},
		{StateUninitialized, StateTraining, false},
		{StateConfigured, StateTraining, true},
		{StateTraining, StateConverged, true},
		{StateTraining, StateReady, false},
		{StateConverged, StateReady, true},
		{StateDiverged, StateReady, true},
		{StateDiverged, StateConfigured, true},
		{StateMaxEpochsReached, StateTraining, false},
		{StateReady, StateTraining, true},
		{StateReady, StateConfigured, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestLRScale(t *testing.T) {
	milestones := []float64{0.5, 0.75}
	assert.Equal(t, 1.0, lrScale(1, 100, milestones, 0.1))
	assert.Equal(t, 1.0, lrScale(50, 100, milestones, 0.1))
	assert.InDelta(t, 0.1, lrScale(51, 100, milestones, 0.1), 1e-12)
	assert.InDelta(t, 0.01, lrScale(76, 100, milestones, 0.1), 1e-12)
	assert.Equal(t, 1.0, lrScale(90, 100, nil, 0.1))
}

func TestTrainAndGenerate(t *testing.T) {
	ds := testDataset(t, 100)
	for _, kind := range []interfaces.BackboneKind{
		interfaces.BackboneDiffusionTS,
		interfaces.BackboneDiffCharge,
		interfaces.BackboneACGAN,
	} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig(kind)
			cfg.Model.Epochs = 2
			tr, err := New(cfg, WithLogger(testLogger()))
			require.NoError(t, err)
			assert.Equal(t, StateUninitialized, tr.State())

			require.NoError(t, tr.Configure(ds))
			assert.Equal(t, StateConfigured, tr.State())
			assert.NotEmpty(t, tr.RunID())

			require.NoError(t, tr.Train(context.Background()))
			assert.Equal(t, StateReady, tr.State())
			assert.Equal(t, 2, tr.Epoch())
			assert.Equal(t, 8, tr.Step())
			for _, h := range tr.History() {
				assert.False(t, math.IsNaN(h.Loss()) || math.IsInf(h.Loss(), 0))
			}

			gen, err := tr.GetDataGenerator()
			require.NoError(t, err)
			samples, err := gen.Generate(context.Background(), models.ContextAssignment{"month": "feb"}, 10, sampling.Options{})
			require.NoError(t, err)
			require.Len(t, samples, 10)
			for _, s := range samples {
				assert.Equal(t, "feb", s.Context["month"])
				require.Len(t, s.Series, 2)
				assert.Len(t, s.Series["grid"], 16)
				assert.Len(t, s.Series["solar"], 16)
			}
		})
	}
}

func TestGeneratorRequiresReady(t *testing.T) {
	ds := testDataset(t, 20)
	tr, err := New(testConfig(interfaces.BackboneACGAN), WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = tr.GetDataGenerator()
	assert.True(t, errors.IsNotTrained(err))

	require.NoError(t, tr.Configure(ds))
	_, err = tr.GetDataGenerator()
	assert.True(t, errors.IsNotTrained(err))

	_, err = tr.Evaluate(context.Background(), ds, evaluation.Options{})
	assert.True(t, errors.IsNotTrained(err))
}

func TestPartialAndUnknownContexts(t *testing.T) {
	ds := testDataset(t, 30)
	cfg := testConfig(interfaces.BackboneDiffusionTS)
	cfg.Model.Epochs = 1
	tr, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))
	require.NoError(t, tr.Train(context.Background()))
	gen, err := tr.GetDataGenerator()
	require.NoError(t, err)

	samples, err := gen.Generate(context.Background(), models.ContextAssignment{}, 3, sampling.Options{})
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, []string{"month"}, samples[0].Unspecified)

	_, err = gen.Generate(context.Background(), models.ContextAssignment{"month": "dec"}, 3, sampling.Options{})
	assert.True(t, errors.IsUnknownCategory(err))
}

func TestConfigureRejectsMismatch(t *testing.T) {
	ds := testDataset(t, 20)

	cfg := testConfig(interfaces.BackboneDiffusionTS)
	cfg.Dataset.SeqLen = 8
	tr, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.True(t, errors.IsConfigMismatch(tr.Configure(ds)))
	assert.Equal(t, StateUninitialized, tr.State())

	cfg = testConfig(interfaces.BackboneDiffusionTS)
	cfg.Dataset.ContextVars = models.Catalog{{Name: "month", Kind: models.VariableCategorical, Cardinality: 4}}
	tr, err = New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.True(t, errors.IsConfigMismatch(tr.Configure(ds)))

	cfg = testConfig("transformer")
	tr, err = New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Error(t, tr.Configure(ds))
	assert.Equal(t, StateUninitialized, tr.State())
}

func TestDivergenceRestoresLastEpoch(t *testing.T) {
	ds := testDataset(t, 20)
	factory, created := stubFactory(t, 3, nil)
	cfg := testConfig(stubKind)
	cfg.Model.Epochs = 5
	tr, err := New(cfg, WithLogger(testLogger()), WithFactory(factory))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))

	err = tr.Train(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTrainingDiverged(err))
	assert.True(t, errors.IsTrainingDiverged(tr.LastDivergence()))
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, 2, tr.Epoch())
	assert.Len(t, tr.History(), 2)

	stub := *created
	assert.Equal(t, 1, stub.restores)
	assert.Equal(t, 2.0, stub.param.Value.At(0, 0))

	_, err = tr.GetDataGenerator()
	assert.NoError(t, err)
}

func TestDivergenceWithoutSnapshot(t *testing.T) {
	ds := testDataset(t, 20)
	factory, _ := stubFactory(t, 1, nil)
	tr, err := New(testConfig(stubKind), WithLogger(testLogger()), WithFactory(factory))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))

	assert.True(t, errors.IsTrainingDiverged(tr.Train(context.Background())))
	assert.Equal(t, StateDiverged, tr.State())
	_, err = tr.GetDataGenerator()
	assert.True(t, errors.IsNotTrained(err))

	require.NoError(t, tr.Configure(ds))
	assert.Equal(t, StateConfigured, tr.State())
}

func TestConvergenceByPatience(t *testing.T) {
	ds := testDataset(t, 20)
	factory, _ := stubFactory(t, 0, func(int) float64 { return 0.5 })
	cfg := testConfig(stubKind)
	cfg.Model.Epochs = 10
	cfg.Model.Patience = 2
	tr, err := New(cfg, WithLogger(testLogger()), WithFactory(factory))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))

	require.NoError(t, tr.Train(context.Background()))
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, 3, tr.Epoch())
}

func TestCancellationKeepsTrainerUsable(t *testing.T) {
	ds := testDataset(t, 20)
	factory, _ := stubFactory(t, 0, nil)
	tr, err := New(testConfig(stubKind), WithLogger(testLogger()), WithFactory(factory))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Train(ctx), context.Canceled)
	assert.Equal(t, StateConfigured, tr.State())
	assert.Equal(t, 0, tr.Epoch())

	require.NoError(t, tr.Train(context.Background()))
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, 3, tr.Epoch())
}

func TestRejectedRecoveryStateIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	tr, err := New(testConfig(stubKind), WithLogger(logger))
	require.NoError(t, err)

	cause := errors.NewTrainingDivergedError(1, 1, "loss", math.NaN())
	assert.Equal(t, cause, tr.diverge(cause))
	assert.Equal(t, StateUninitialized, tr.State())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "Trainer state change rejected", entry.Message)
	assert.Equal(t, StateDiverged, entry.Data["to"])
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), errors.ErrInvalidState)
}

func TestTrainRequiresConfigure(t *testing.T) {
	tr, err := New(testConfig(interfaces.BackboneACGAN), WithLogger(testLogger()))
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Train(context.Background()), errors.ErrInvalidState)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestCheckpointsAndResume(t *testing.T) {
	ds := testDataset(t, 40)
	store, err := file.NewCheckpointStore(&file.Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	manager := checkpoint.NewManager(store, testLogger())

	cfg := testConfig(interfaces.BackboneDiffusionTS)
	cfg.Model.SaveCycle = 2
	tr, err := New(cfg, WithLogger(testLogger()), WithCheckpoints(manager))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))
	require.NoError(t, tr.Train(context.Background()))

	infos, err := manager.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, 3)
	assert.Equal(t, checkpoint.ArtifactID(tr.RunID(), 3), tr.LastCheckpointID())
	for _, h := range tr.History() {
		assert.NotEmpty(t, h.CheckpointID)
	}

	resumed, err := New(cfg, WithLogger(testLogger()), WithCheckpoints(manager))
	require.NoError(t, err)
	assert.Error(t, resumed.Resume(context.Background(), ""), "resume needs a configured trainer")

	latest, err := manager.Latest(context.Background())
	require.NoError(t, err)
	fitted, err := dataset.NewFitted(tableOf(ds), ds.Options(), ds.Encoder(), ds.Normalizer(), testLogger())
	require.NoError(t, err)
	require.NoError(t, resumed.Configure(fitted))
	require.NoError(t, resumed.Resume(context.Background(), ""))
	assert.Equal(t, tr.RunID(), resumed.RunID())
	assert.Equal(t, latest.Epoch, resumed.Epoch())
	assert.Equal(t, latest.Step, resumed.Step())

	cfgMore := *cfg
	cfgMore.Model.Epochs = 4
	resumed.cfg = &cfgMore
	require.NoError(t, resumed.Train(context.Background()))
	assert.Equal(t, 4, resumed.Epoch())

	none, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.ErrorIs(t, none.Resume(context.Background(), ""), errors.ErrStoreNotEnabled)
}

func TestResumeRejectsOtherKind(t *testing.T) {
	ds := testDataset(t, 20)
	acgan, err := New(testConfig(interfaces.BackboneACGAN), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, acgan.Configure(ds))
	a, err := acgan.Checkpoint()
	require.NoError(t, err)

	diff, err := New(testConfig(interfaces.BackboneDiffusionTS), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, diff.Configure(ds))
	assert.True(t, errors.IsConfigMismatch(diff.ResumeFrom(a)))
}

func TestEvaluateAfterTraining(t *testing.T) {
	ds := testDataset(t, 30)
	factory, _ := stubFactory(t, 0, nil)
	cfg := testConfig(stubKind)
	cfg.Model.Epochs = 1
	tr, err := New(cfg, WithLogger(testLogger()), WithFactory(factory))
	require.NoError(t, err)
	require.NoError(t, tr.Configure(ds))
	require.NoError(t, tr.Train(context.Background()))

	report, err := tr.Evaluate(context.Background(), ds, evaluation.Options{})
	require.NoError(t, err)
	assert.Equal(t, tr.RunID(), report.Metadata.RunID)
	dtw, ok := report.Get(constants.SubsetAll, constants.MetricDTW)
	require.True(t, ok)
	assert.True(t, dtw.Available, dtw.Error)
}

// tableOf rebuilds a raw table from a dataset's original-scale rows.
func tableOf(ds *dataset.Dataset) *models.Table {
	table := models.NewTable("dataid", "month", "grid", "solar")
	for i := 0; i < ds.Len(); i++ {
		series := ds.SplitSequenceColumns(ds.Raw(i))
		table.Append(models.Row{
			"dataid": ds.Entity(i),
			"month":  ds.Assignment(i)["month"],
			"grid":   series["grid"],
			"solar":  series["solar"],
		})
	}
	return table
}
