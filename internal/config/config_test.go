package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

const sampleYAML = `
seed: 7
dataset:
  seq_len: 16
  sequence_columns: [grid, solar]
  entity_column: dataid
  context_vars:
    - name: month
      cardinality: 12
    - name: building_type
      categories: [house, apartment]
    - name: temperature
      kind: continuous
model:
  name: acgan
  n_epochs: 5
  batch_size: 8
  noise_dim: 16
  lr_gen: 0.001
  lr_discr: 0.001
storage:
  checkpoints:
    backend: redis
    redis:
      addr: localhost:6379
server:
  read_timeout: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 16, cfg.Dataset.SeqLen)
	assert.Equal(t, 2, cfg.Dataset.InputDim)
	assert.Equal(t, KindACGAN, cfg.Model.Name)
	assert.Equal(t, 8, cfg.Model.BatchSize)
	assert.Equal(t, []float64{0.75, 0.9}, cfg.Model.LRMilestones)
	assert.Equal(t, "redis", cfg.Storage.Checkpoints.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Checkpoints.Redis.Addr)
	assert.Equal(t, "5s", cfg.Server.ReadTimeout.String())

	catalog := cfg.Dataset.Catalog()
	require.Len(t, catalog, 3)
	assert.Equal(t, models.VariableCategorical, catalog[0].Kind)
	assert.Equal(t, 2, catalog[1].Cardinality, "cardinality derived from category list")
	assert.Equal(t, models.VariableContinuous, catalog[2].Kind)

	// untouched defaults survive
	assert.Equal(t, 0.1, cfg.Model.LRGamma)
	assert.True(t, cfg.Dataset.Normalize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GRIDSYNTH_MODEL_BATCH_SIZE", "32")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Model.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfiguration, errors.TypeOf(err))
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Dataset.SequenceColumns = []string{"grid"}
	cfg.Model.Name = "transformer"
	cfg.Model.SparseConditioningLossWeight = 1.5
	cfg.Dataset.ContextVars = []models.ContextVariable{
		{Name: "month", Cardinality: 3, Categories: []string{"a", "b"}},
	}

	err := cfg.Finalize()
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	ve, ok := appErr.Cause.(*errors.ValidationErrors)
	require.True(t, ok)

	fields := make(map[string]bool)
	for _, d := range ve.Errors {
		fields[d.Field] = true
	}
	assert.True(t, fields["model.name"])
	assert.True(t, fields["model.sparse_conditioning_loss_weight"])
	assert.True(t, fields["dataset.context_vars.month"])
}

func TestDiffusionValidation(t *testing.T) {
	cfg := Default()
	cfg.Dataset.SequenceColumns = []string{"grid"}
	cfg.Model.NSteps = 50
	cfg.Model.SamplingTimesteps = 100
	require.Error(t, cfg.Finalize())

	cfg.Model.SamplingTimesteps = 10
	cfg.Model.Schedule = "linear"
	require.NoError(t, cfg.Finalize())
}
