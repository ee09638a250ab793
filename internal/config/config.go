// Package config assembles the immutable run configuration once at startup.
// Components receive a *Config (or one of its sections) through their
// constructors and never read viper themselves.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/internal/storage/implementations/file"
	"github.com/inferloop/gridsynth/internal/storage/implementations/influxdb"
	"github.com/inferloop/gridsynth/internal/storage/implementations/postgres"
	redisstore "github.com/inferloop/gridsynth/internal/storage/implementations/redis"
	s3store "github.com/inferloop/gridsynth/internal/storage/implementations/s3"
	"github.com/inferloop/gridsynth/internal/storage/implementations/sqlite"
	"github.com/inferloop/gridsynth/internal/storage/implementations/weaviate"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Backbone kinds
const (
	KindDiffusionTS = "diffusion_ts"
	KindDiffCharge  = "diffcharge"
	KindACGAN       = "acgan"
)

// Normalizer methods
const (
	NormalizerGlobal     = "global"
	NormalizerParametric = "parametric"
)

// Config is the full run configuration.
type Config struct {
	Seed      int64                    `mapstructure:"seed"`
	Dataset   DatasetConfig            `mapstructure:"dataset"`
	Model     ModelConfig              `mapstructure:"model"`
	Evaluator EvaluatorConfig          `mapstructure:"evaluator"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Metrics   metrics.PrometheusConfig `mapstructure:"metrics"`
}

// DatasetConfig describes the input table and preprocessing.
type DatasetConfig struct {
	SeqLen           int                      `mapstructure:"seq_len"`
	InputDim         int                      `mapstructure:"input_dim"`
	SequenceColumns  []string                 `mapstructure:"sequence_columns"`
	EntityColumn     string                   `mapstructure:"entity_column"`
	ContextVars      []models.ContextVariable `mapstructure:"context_vars"`
	Normalize        bool                     `mapstructure:"normalize"`
	Scale            bool                     `mapstructure:"scale"`
	NormalizerMethod string                   `mapstructure:"normalizer_method"`
	NormalizerEpochs int                      `mapstructure:"normalizer_epochs"`
	NormalizerHidden int                      `mapstructure:"normalizer_hidden"`
	Source           SourceConfig             `mapstructure:"source"`
}

// SourceConfig selects where the training table comes from.
type SourceConfig struct {
	Kind     string          `mapstructure:"kind"`
	Path     string          `mapstructure:"path"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// Catalog returns the declared context catalog.
func (d DatasetConfig) Catalog() models.Catalog {
	return append(models.Catalog(nil), d.ContextVars...)
}

// ModelConfig holds backbone and training hyperparameters.
type ModelConfig struct {
	Name          string `mapstructure:"name"`
	NoiseDim      int    `mapstructure:"noise_dim"`
	CondEmbDim    int    `mapstructure:"cond_emb_dim"`
	CondHiddenDim int    `mapstructure:"cond_hidden_dim"`
	HiddenDim     int    `mapstructure:"hidden_dim"`
	NumLayers     int    `mapstructure:"num_layers"`
	BatchSize     int    `mapstructure:"batch_size"`
	Epochs        int    `mapstructure:"n_epochs"`

	InitLR       float64   `mapstructure:"init_lr"`
	LRGen        float64   `mapstructure:"lr_gen"`
	LRDiscr      float64   `mapstructure:"lr_discr"`
	LRMilestones []float64 `mapstructure:"lr_milestones"`
	LRGamma      float64   `mapstructure:"lr_gamma"`
	GradClip     float64   `mapstructure:"grad_clip"`

	NSteps            int     `mapstructure:"n_steps"`
	Schedule          string  `mapstructure:"schedule"`
	BetaStart         float64 `mapstructure:"beta_start"`
	BetaEnd           float64 `mapstructure:"beta_end"`
	SamplingTimesteps int     `mapstructure:"sampling_timesteps"`
	Eta               float64 `mapstructure:"eta"`
	Objective         string  `mapstructure:"objective"`
	LossType          string  `mapstructure:"loss_type"`
	ClipDenoised      bool    `mapstructure:"clip_denoised"`
	TimeEmbDim        int     `mapstructure:"time_emb_dim"`
	EMADecay          float64 `mapstructure:"ema_decay"`
	EMAUpdateInterval int     `mapstructure:"ema_update_interval"`

	IncludeAuxiliaryLosses bool    `mapstructure:"include_auxiliary_losses"`
	OutputActivation       string  `mapstructure:"output_activation"`
	RealLabel              float64 `mapstructure:"real_label"`

	WarmUpEpochs                 int     `mapstructure:"warm_up_epochs"`
	FreezeCondAfterWarmup        bool    `mapstructure:"freeze_cond_after_warmup"`
	KLWeight                     float64 `mapstructure:"kl_weight"`
	SparseConditioningLossWeight float64 `mapstructure:"sparse_conditioning_loss_weight"`
	SparseConditioningProb       float64 `mapstructure:"sparse_conditioning_prob"`
	RareLossWeighting            bool    `mapstructure:"rare_loss_weighting"`
	StochasticConditioning       bool    `mapstructure:"stochastic_conditioning"`

	SaveCycle         int     `mapstructure:"save_cycle"`
	SamplingBatchSize int     `mapstructure:"sampling_batch_size"`
	Patience          int     `mapstructure:"patience"`
	MinDelta          float64 `mapstructure:"min_delta"`
	DivergenceLimit   float64 `mapstructure:"divergence_limit"`
}

// EvaluatorConfig controls which metrics run and how.
type EvaluatorConfig struct {
	Metrics              []string `mapstructure:"metrics"`
	DistinguishRare      bool     `mapstructure:"distinguish_rare"`
	EvalConditioning     bool     `mapstructure:"eval_cond"`
	RarityPercentile     float64  `mapstructure:"rarity_percentile"`
	RarityCoverage       float64  `mapstructure:"rarity_coverage"`
	Workers              int      `mapstructure:"workers"`
	MaxSamples           int      `mapstructure:"max_samples"`
	DiscriminativeEpochs int      `mapstructure:"discriminative_epochs"`
	PredictiveEpochs     int      `mapstructure:"predictive_epochs"`
	AuxHiddenDim         int      `mapstructure:"aux_hidden_dim"`
	ContextFIDComponents int      `mapstructure:"context_fid_components"`
	MMDBandwidth         float64  `mapstructure:"mmd_bandwidth"`
	DisentanglementBins  int      `mapstructure:"disentanglement_bins"`
	OutputPath           string   `mapstructure:"output_path"`
}

// StorageConfig groups the artifact stores and sinks.
type StorageConfig struct {
	Checkpoints CheckpointConfig `mapstructure:"checkpoints"`
	InfluxDB    InfluxConfig     `mapstructure:"influxdb"`
	Weaviate    WeaviateConfig   `mapstructure:"weaviate"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend string            `mapstructure:"backend"`
	File    file.Config       `mapstructure:"file"`
	S3      s3store.Config    `mapstructure:"s3"`
	Redis   redisstore.Config `mapstructure:"redis"`
	SQLite  sqlite.Config     `mapstructure:"sqlite"`
}

// InfluxConfig toggles the synthetic-series sink.
type InfluxConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	influxdb.Config `mapstructure:",squash"`
}

// WeaviateConfig toggles the context-embedding index.
type WeaviateConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	weaviate.Config `mapstructure:",squash"`
}

// ServerConfig configures the generation API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CheckpointID string        `mapstructure:"checkpoint_id"`
	MaxCount     int           `mapstructure:"max_count"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Seed: 42,
		Dataset: DatasetConfig{
			SeqLen:           constants.DefaultSeqLen,
			EntityColumn:     "dataid",
			Normalize:        true,
			Scale:            true,
			NormalizerMethod: NormalizerGlobal,
			NormalizerEpochs: constants.DefaultNormalizerEpochs,
			NormalizerHidden: constants.DefaultNormalizerHidden,
			Source:           SourceConfig{Kind: "csv"},
		},
		Model: ModelConfig{
			Name:                         KindDiffusionTS,
			NoiseDim:                     constants.DefaultNoiseDim,
			CondEmbDim:                   constants.DefaultCondEmbDim,
			CondHiddenDim:                constants.DefaultCondHiddenDim,
			HiddenDim:                    constants.DefaultHiddenDim,
			NumLayers:                    3,
			BatchSize:                    constants.DefaultBatchSize,
			Epochs:                       constants.DefaultEpochs,
			InitLR:                       constants.DefaultLearningRate,
			LRGen:                        constants.DefaultGANLearningRate,
			LRDiscr:                      constants.DefaultGANLearningRate,
			LRGamma:                      0.1,
			NSteps:                       constants.DefaultNSteps,
			Schedule:                     "cosine",
			BetaStart:                    constants.DefaultBetaStart,
			BetaEnd:                      constants.DefaultBetaEnd,
			Objective:                    "pred_x0",
			LossType:                     "l1",
			TimeEmbDim:                   constants.DefaultTimeEmbeddingDim,
			EMADecay:                     constants.DefaultEMADecay,
			EMAUpdateInterval:            constants.DefaultEMAUpdateInterval,
			IncludeAuxiliaryLosses:       true,
			RealLabel:                    constants.DefaultRealLabel,
			WarmUpEpochs:                 constants.DefaultWarmUpEpochs,
			FreezeCondAfterWarmup:        true,
			KLWeight:                     constants.DefaultKLWeight,
			SparseConditioningLossWeight: constants.DefaultSparseLossWeight,
			SparseConditioningProb:       constants.DefaultSparseConditionProb,
			SaveCycle:                    constants.DefaultSaveCycle,
			SamplingBatchSize:            constants.DefaultSamplingBatchSize,
			MinDelta:                     1e-4,
		},
		Evaluator: EvaluatorConfig{
			RarityPercentile:     constants.DefaultRarityPercentile,
			RarityCoverage:       constants.DefaultRarityCoverage,
			Workers:              constants.DefaultEvaluatorWorkers,
			MaxSamples:           500,
			DiscriminativeEpochs: constants.DefaultDiscriminativeEpochs,
			PredictiveEpochs:     constants.DefaultPredictiveEpochs,
			AuxHiddenDim:         32,
			ContextFIDComponents: constants.DefaultContextFIDComponents,
			MMDBandwidth:         constants.DefaultMMDBandwidth,
			DisentanglementBins:  constants.DefaultDisentanglementBins,
			EvalConditioning:     true,
		},
		Storage: StorageConfig{
			Checkpoints: CheckpointConfig{
				Backend: "file",
				File:    file.Config{Dir: constants.DefaultCheckpointPrefix},
			},
		},
		Server: ServerConfig{
			Host:         constants.DefaultHost,
			Port:         constants.DefaultPort,
			ReadTimeout:  constants.DefaultReadTimeout,
			WriteTimeout: constants.DefaultWriteTimeout,
			MaxCount:     10000,
		},
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Format: constants.DefaultLogFormat,
		},
		Metrics: *metrics.DefaultConfig(),
	}
}

// Load reads a YAML file (optional) and GRIDSYNTH_* environment overrides
// on top of Default, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
				fmt.Sprintf("error reading config file %s", path))
		}
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
			"error unmarshaling config")
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("seed", cfg.Seed)
	v.SetDefault("dataset.seq_len", cfg.Dataset.SeqLen)
	v.SetDefault("dataset.entity_column", cfg.Dataset.EntityColumn)
	v.SetDefault("dataset.normalize", cfg.Dataset.Normalize)
	v.SetDefault("dataset.scale", cfg.Dataset.Scale)
	v.SetDefault("dataset.normalizer_method", cfg.Dataset.NormalizerMethod)
	v.SetDefault("dataset.source.kind", cfg.Dataset.Source.Kind)
	v.SetDefault("dataset.source.path", "")
	v.SetDefault("model.name", cfg.Model.Name)
	v.SetDefault("model.batch_size", cfg.Model.BatchSize)
	v.SetDefault("model.n_epochs", cfg.Model.Epochs)
	v.SetDefault("model.init_lr", cfg.Model.InitLR)
	v.SetDefault("model.lr_gen", cfg.Model.LRGen)
	v.SetDefault("model.lr_discr", cfg.Model.LRDiscr)
	v.SetDefault("model.n_steps", cfg.Model.NSteps)
	v.SetDefault("model.schedule", cfg.Model.Schedule)
	v.SetDefault("model.cond_emb_dim", cfg.Model.CondEmbDim)
	v.SetDefault("model.noise_dim", cfg.Model.NoiseDim)
	v.SetDefault("model.warm_up_epochs", cfg.Model.WarmUpEpochs)
	v.SetDefault("model.freeze_cond_after_warmup", cfg.Model.FreezeCondAfterWarmup)
	v.SetDefault("model.save_cycle", cfg.Model.SaveCycle)
	v.SetDefault("storage.checkpoints.backend", cfg.Storage.Checkpoints.Backend)
	v.SetDefault("storage.checkpoints.file.dir", cfg.Storage.Checkpoints.File.Dir)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.checkpoint_id", "")
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
}

// applyDerived fills values that depend on other fields.
func (c *Config) applyDerived() {
	if c.Dataset.InputDim == 0 {
		c.Dataset.InputDim = len(c.Dataset.SequenceColumns)
	}
	if len(c.Model.LRMilestones) == 0 {
		c.Model.LRMilestones = []float64{0.75, 0.9}
	}
	if c.Model.SamplingTimesteps == 0 {
		c.Model.SamplingTimesteps = c.Model.NSteps
	}
	for i, v := range c.Dataset.ContextVars {
		if v.Kind == "" {
			c.Dataset.ContextVars[i].Kind = models.VariableCategorical
		}
		if v.IsCategorical() && v.Cardinality == 0 {
			c.Dataset.ContextVars[i].Cardinality = len(v.Categories)
		}
	}
}

// Finalize applies derived values and validates. Use it for configs built in code.
func (c *Config) Finalize() error {
	c.applyDerived()
	return c.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()
	ve.Message = "invalid configuration"

	d := c.Dataset
	if d.SeqLen <= 0 {
		ve.Add("dataset.seq_len", errors.CodeOutOfRange, "must be positive", d.SeqLen)
	}
	if len(d.SequenceColumns) == 0 {
		ve.Add("dataset.sequence_columns", errors.CodeMissingField, "at least one sequence column is required", nil)
	}
	if d.InputDim != 0 && d.InputDim != len(d.SequenceColumns) {
		ve.Add("dataset.input_dim", errors.CodeOutOfRange,
			fmt.Sprintf("input_dim %d does not match %d sequence columns", d.InputDim, len(d.SequenceColumns)), d.InputDim)
	}
	if d.NormalizerMethod != NormalizerGlobal && d.NormalizerMethod != NormalizerParametric {
		ve.Add("dataset.normalizer_method", errors.CodeInvalidInput, "must be global or parametric", d.NormalizerMethod)
	}
	seen := make(map[string]bool)
	for _, v := range d.ContextVars {
		field := "dataset.context_vars." + v.Name
		if v.Name == "" {
			ve.Add("dataset.context_vars", errors.CodeMissingField, "context variable without a name", nil)
			continue
		}
		if seen[v.Name] {
			ve.Add(field, errors.CodeInvalidInput, "duplicate context variable", v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case models.VariableCategorical, "":
			if v.Cardinality <= 0 {
				ve.Add(field, errors.CodeOutOfRange, "categorical variable needs a positive cardinality or a category list", v.Cardinality)
			}
			if len(v.Categories) > 0 && len(v.Categories) != v.Cardinality {
				ve.Add(field, errors.CodeOutOfRange,
					fmt.Sprintf("cardinality %d disagrees with %d listed categories", v.Cardinality, len(v.Categories)), v.Cardinality)
			}
		case models.VariableContinuous:
		default:
			ve.Add(field, errors.CodeInvalidInput, "kind must be categorical or continuous", v.Kind)
		}
	}

	m := c.Model
	switch m.Name {
	case KindDiffusionTS, KindDiffCharge, KindACGAN:
	default:
		ve.Add("model.name", errors.CodeInvalidInput, "unknown backbone", m.Name)
	}
	positive := map[string]int{
		"model.cond_emb_dim":    m.CondEmbDim,
		"model.cond_hidden_dim": m.CondHiddenDim,
		"model.hidden_dim":      m.HiddenDim,
		"model.batch_size":      m.BatchSize,
		"model.n_epochs":        m.Epochs,
		"model.save_cycle":      m.SaveCycle,
	}
	for field, val := range positive {
		if val <= 0 {
			ve.Add(field, errors.CodeOutOfRange, "must be positive", val)
		}
	}
	if m.NumLayers < 1 {
		ve.Add("model.num_layers", errors.CodeOutOfRange, "must be at least 1", m.NumLayers)
	}
	if m.WarmUpEpochs < 0 {
		ve.Add("model.warm_up_epochs", errors.CodeOutOfRange, "must not be negative", m.WarmUpEpochs)
	}
	if m.SparseConditioningLossWeight < 0 || m.SparseConditioningLossWeight > 1 {
		ve.Add("model.sparse_conditioning_loss_weight", errors.CodeOutOfRange, "must be within [0,1]", m.SparseConditioningLossWeight)
	}
	if m.SparseConditioningProb < 0 || m.SparseConditioningProb >= 1 {
		ve.Add("model.sparse_conditioning_prob", errors.CodeOutOfRange, "must be within [0,1)", m.SparseConditioningProb)
	}
	if m.EMADecay < 0 || m.EMADecay >= 1 {
		ve.Add("model.ema_decay", errors.CodeOutOfRange, "must be within [0,1)", m.EMADecay)
	}
	for _, ms := range m.LRMilestones {
		if ms <= 0 || ms > 1 {
			ve.Add("model.lr_milestones", errors.CodeOutOfRange, "milestones are fractions of n_epochs in (0,1]", ms)
		}
	}

	switch m.Name {
	case KindDiffusionTS, KindDiffCharge:
		if m.NSteps <= 0 {
			ve.Add("model.n_steps", errors.CodeOutOfRange, "must be positive", m.NSteps)
		}
		switch m.Schedule {
		case "linear", "cosine", "quadratic":
		default:
			ve.Add("model.schedule", errors.CodeInvalidInput, "must be linear, cosine or quadratic", m.Schedule)
		}
		if m.Schedule != "cosine" && (m.BetaStart <= 0 || m.BetaEnd >= 1 || m.BetaStart >= m.BetaEnd) {
			ve.Add("model.beta_start", errors.CodeOutOfRange, "need 0 < beta_start < beta_end < 1", m.BetaStart)
		}
		if m.SamplingTimesteps < 1 || m.SamplingTimesteps > m.NSteps {
			ve.Add("model.sampling_timesteps", errors.CodeOutOfRange, "must be within [1, n_steps]", m.SamplingTimesteps)
		}
		if m.Eta < 0 {
			ve.Add("model.eta", errors.CodeOutOfRange, "must not be negative", m.Eta)
		}
		if m.Objective != "pred_noise" && m.Objective != "pred_x0" {
			ve.Add("model.objective", errors.CodeInvalidInput, "must be pred_noise or pred_x0", m.Objective)
		}
		if m.LossType != "l1" && m.LossType != "l2" {
			ve.Add("model.loss_type", errors.CodeInvalidInput, "must be l1 or l2", m.LossType)
		}
		if m.InitLR <= 0 {
			ve.Add("model.init_lr", errors.CodeOutOfRange, "must be positive", m.InitLR)
		}
	case KindACGAN:
		if m.NoiseDim <= 0 {
			ve.Add("model.noise_dim", errors.CodeOutOfRange, "must be positive", m.NoiseDim)
		}
		if m.LRGen <= 0 || m.LRDiscr <= 0 {
			ve.Add("model.lr_gen", errors.CodeOutOfRange, "generator and discriminator learning rates must be positive", m.LRGen)
		}
	}

	if c.Evaluator.RarityPercentile <= 0 || c.Evaluator.RarityPercentile >= 1 {
		ve.Add("evaluator.rarity_percentile", errors.CodeOutOfRange, "must be within (0,1)", c.Evaluator.RarityPercentile)
	}
	switch c.Storage.Checkpoints.Backend {
	case "", "none", "file", "s3", "redis", "sqlite":
	default:
		ve.Add("storage.checkpoints.backend", errors.CodeInvalidInput, "must be file, s3, redis, sqlite or none", c.Storage.Checkpoints.Backend)
	}

	if ve.HasErrors() {
		return ve.AsAppError(errors.ErrorTypeConfiguration, errors.CodeInvalidConfig)
	}
	return nil
}
