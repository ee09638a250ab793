package constants

import "time"

// Application constants
const (
	AppName        = "gridsynth"
	AppDescription = "Conditional generative synthesis of household electricity load timeseries"
	AppVersion     = "0.1.0"

	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	EnvPrefix = "GRIDSYNTH"

	DefaultPort            = 8080
	DefaultMetricsPort     = 9090
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Model defaults
const (
	DefaultSeqLen                = 96
	DefaultNoiseDim              = 256
	DefaultCondEmbDim            = 64
	DefaultHiddenDim             = 256
	DefaultCondHiddenDim         = 128
	DefaultBatchSize             = 64
	DefaultEpochs                = 1000
	DefaultLearningRate          = 1e-4
	DefaultGANLearningRate       = 2e-4
	DefaultNSteps                = 1000
	DefaultBetaStart             = 1e-4
	DefaultBetaEnd               = 0.02
	DefaultEMADecay              = 0.995
	DefaultEMAUpdateInterval     = 10
	DefaultKLWeight              = 0.1
	DefaultSparseLossWeight      = 0.8
	DefaultSparseConditionProb   = 0.1
	DefaultWarmUpEpochs          = 100
	DefaultSaveCycle             = 1000
	DefaultSamplingBatchSize     = 256
	DefaultTimeEmbeddingDim      = 32
	DefaultRealLabel             = 0.95
	DefaultFakeLabel             = 0.0
	DefaultNormalizerEpochs      = 300
	DefaultNormalizerHidden      = 64
	NormalizerEpsilon            = 1e-8
	RunningStatsAlpha            = 0.8
	RunningStatsRidge            = 1e-6
	DefaultRarityPercentile      = 0.8
	DefaultRarityCoverage        = 0.8
	DefaultDiscriminativeEpochs  = 200
	DefaultPredictiveEpochs      = 200
	DefaultDisentanglementBins   = 20
	DefaultEvaluatorWorkers      = 4
	DefaultMMDBandwidth          = 1.0
	DefaultContextFIDComponents  = 8
	CheckpointFormatVersion      = 1
	DefaultCheckpointPrefix      = "checkpoints"
	DefaultRedisCheckpointPrefix = "gridsynth"
)

// Subset names used in evaluation reports
const (
	SubsetAll     = "all"
	SubsetRare    = "rare"
	SubsetNonRare = "non_rare"
)

// Metric names used in evaluation reports
const (
	MetricDTW            = "dtw"
	MetricMMD            = "mmd"
	MetricBoundedMSE     = "bounded_mse"
	MetricContextFID     = "context_fid"
	MetricDiscriminative = "discriminative_score"
	MetricPredictive     = "predictive_score"
	MetricKS             = "ks"
	MetricACF            = "acf"
	MetricMIG            = "mig"
	MetricSAP            = "sap"
	MetricRarityPrec     = "rarity_precision"
	MetricRarityRecall   = "rarity_recall"
	MetricRarityF1       = "rarity_f1"
)
