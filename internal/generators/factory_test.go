package generators

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

func testModule(t *testing.T) *conditioning.Module {
	t.Helper()
	cond, err := conditioning.New(models.Catalog{
		{Name: "month", Kind: models.VariableCategorical, Cardinality: 12},
	}, conditioning.Options{EmbeddingDim: 8, HiddenDim: 8}, nil)
	require.NoError(t, err)
	return cond
}

func testModelConfig() config.ModelConfig {
	cfg := config.Default().Model
	cfg.CondEmbDim = 8
	cfg.HiddenDim = 16
	cfg.NoiseDim = 4
	cfg.NSteps = 10
	cfg.SamplingTimesteps = 10
	return cfg
}

func TestFactoryCreatesBuiltins(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	f := NewFactory(logger)

	assert.Equal(t, []interfaces.BackboneKind{
		interfaces.BackboneACGAN,
		interfaces.BackboneDiffCharge,
		interfaces.BackboneDiffusionTS,
	}, f.AvailableKinds())

	shape := interfaces.BackboneShape{SeqLen: 6, Channels: 1, Scaled: true, Seed: 1}
	for _, kind := range f.AvailableKinds() {
		b, err := f.CreateBackbone(kind, testModelConfig(), shape, testModule(t))
		require.NoError(t, err, kind)
		assert.Equal(t, kind, b.Kind())
		assert.NotEmpty(t, b.ParamSets())
		assert.NotEmpty(t, b.Optimizers())
	}
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	f := NewFactory(nil)
	assert.False(t, f.IsSupported("timegan"))
	_, err := f.CreateBackbone("timegan", testModelConfig(), interfaces.BackboneShape{SeqLen: 2, Channels: 1}, testModule(t))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfiguration, errors.TypeOf(err))
}

func TestFactoryPropagatesConstructorErrors(t *testing.T) {
	f := NewFactory(nil)
	cfg := testModelConfig()
	cfg.CondEmbDim = 3
	b, err := f.CreateBackbone(interfaces.BackboneDiffusionTS, cfg, interfaces.BackboneShape{SeqLen: 2, Channels: 1}, testModule(t))
	assert.Nil(t, b)
	assert.True(t, errors.IsConfigMismatch(err))
}

func TestRegisterBackbone(t *testing.T) {
	f := NewFactory(nil)
	assert.Error(t, f.RegisterBackbone("", nil))
	assert.Error(t, f.RegisterBackbone("custom", nil))

	called := false
	require.NoError(t, f.RegisterBackbone("custom", func(cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (interfaces.Backbone, error) {
		called = true
		return nil, errors.NewInternalError("not built")
	}))
	assert.True(t, f.IsSupported("custom"))
	_, err := f.CreateBackbone("custom", testModelConfig(), interfaces.BackboneShape{}, nil)
	assert.Error(t, err)
	assert.True(t, called)
}
