package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/constants"
)

// PrometheusMetrics collects training, generation, evaluation and HTTP
// metrics on a private registry.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *PrometheusConfig
	mu       sync.RWMutex

	// Training metrics
	trainingLoss          *prometheus.GaugeVec
	trainingEpoch         prometheus.Gauge
	trainingStepsTotal    prometheus.Counter
	trainingEpochDuration prometheus.Histogram
	trainingState         *prometheus.GaugeVec
	trainingLearningRate  *prometheus.GaugeVec
	checkpointsTotal      *prometheus.CounterVec
	divergencesTotal      prometheus.Counter

	// Generation metrics
	generationRequestsTotal *prometheus.CounterVec
	generationDuration      *prometheus.HistogramVec
	generationSamplesTotal  *prometheus.CounterVec
	generationActive        prometheus.Gauge

	// Evaluation metrics
	evaluationMetricsTotal *prometheus.CounterVec
	evaluationDuration     *prometheus.HistogramVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// PrometheusConfig configures the collectors and the optional standalone
// exporter used while training.
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Port      int    `json:"port" mapstructure:"port"`
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

// DefaultConfig returns the exporter defaults.
func DefaultConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   false,
		Port:      constants.DefaultMetricsPort,
		Path:      "/metrics",
		Namespace: constants.AppName,
	}
}

// NewPrometheusMetrics creates and registers every collector.
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Namespace == "" {
		config.Namespace = constants.AppName
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// Start serves the registry on its own port. The API server mounts Handler
// instead; this is for long training runs.
func (pm *PrometheusMetrics) Start(ctx context.Context) error {
	if !pm.config.Enabled {
		pm.logger.Debug("Prometheus exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(pm.config.Path, pm.Handler())

	pm.mu.Lock()
	pm.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", pm.config.Port),
		Handler: mux,
	}
	server := pm.server
	pm.mu.Unlock()

	pm.logger.WithFields(logrus.Fields{
		"port": pm.config.Port,
		"path": pm.config.Path,
	}).Info("Starting Prometheus exporter")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Prometheus exporter error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pm.Stop(shutdownCtx)
	}()

	return nil
}

// Stop shuts the standalone exporter down.
func (pm *PrometheusMetrics) Stop(ctx context.Context) error {
	pm.mu.Lock()
	server := pm.server
	pm.server = nil
	pm.mu.Unlock()
	if server == nil {
		return nil
	}

	pm.logger.Info("Stopping Prometheus exporter")
	return server.Shutdown(ctx)
}

// Handler exposes the private registry.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Training metrics

// RecordLosses sets one gauge per named loss of the last epoch.
func (pm *PrometheusMetrics) RecordLosses(losses map[string]float64) {
	for name, v := range losses {
		pm.trainingLoss.WithLabelValues(name).Set(v)
	}
}

// RecordEpoch records a finished epoch and the steps it took.
func (pm *PrometheusMetrics) RecordEpoch(epoch, steps int, duration time.Duration) {
	pm.trainingEpoch.Set(float64(epoch))
	pm.trainingStepsTotal.Add(float64(steps))
	pm.trainingEpochDuration.Observe(duration.Seconds())
}

// SetTrainerState marks the current trainer state with 1 and every other with 0.
func (pm *PrometheusMetrics) SetTrainerState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		pm.trainingState.WithLabelValues(s).Set(v)
	}
}

// SetLearningRate records the effective learning rate of one optimizer.
func (pm *PrometheusMetrics) SetLearningRate(optimizer string, lr float64) {
	pm.trainingLearningRate.WithLabelValues(optimizer).Set(lr)
}

// RecordCheckpoint counts checkpoint writes by outcome.
func (pm *PrometheusMetrics) RecordCheckpoint(status string) {
	pm.checkpointsTotal.WithLabelValues(status).Inc()
}

// RecordDivergence counts diverged training runs.
func (pm *PrometheusMetrics) RecordDivergence() {
	pm.divergencesTotal.Inc()
}

// Generation metrics

// GenerationStarted bumps the in-flight gauge; call the returned func when done.
func (pm *PrometheusMetrics) GenerationStarted() func() {
	pm.generationActive.Inc()
	return pm.generationActive.Dec
}

// RecordGeneration records one generation call.
func (pm *PrometheusMetrics) RecordGeneration(backbone, status string, samples int, duration time.Duration) {
	pm.generationRequestsTotal.WithLabelValues(backbone, status).Inc()
	pm.generationDuration.WithLabelValues(backbone).Observe(duration.Seconds())
	if samples > 0 {
		pm.generationSamplesTotal.WithLabelValues(backbone).Add(float64(samples))
	}
}

// Evaluation metrics

// RecordEvaluationMetric records one sub-metric computation.
func (pm *PrometheusMetrics) RecordEvaluationMetric(metric, status string, duration time.Duration) {
	pm.evaluationMetricsTotal.WithLabelValues(metric, status).Inc()
	pm.evaluationDuration.WithLabelValues(metric).Observe(duration.Seconds())
}

// HTTP metrics
func (pm *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	pm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	pm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// initializeMetrics builds every collector
func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace

	pm.trainingLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "loss",
			Help:      "Mean loss of the last finished epoch",
		},
		[]string{"loss"},
	)

	pm.trainingEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epoch",
			Help:      "Last finished epoch",
		},
	)

	pm.trainingStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "steps_total",
			Help:      "Total number of optimizer steps",
		},
	)

	pm.trainingEpochDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epoch_duration_seconds",
			Help:      "Wall time of one epoch",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	pm.trainingState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "state",
			Help:      "Trainer state, 1 for the current one",
		},
		[]string{"state"},
	)

	pm.trainingLearningRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "learning_rate",
			Help:      "Effective learning rate per optimizer",
		},
		[]string{"optimizer"},
	)

	pm.checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes by outcome",
		},
		[]string{"status"},
	)

	pm.divergencesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "divergences_total",
			Help:      "Training runs stopped by a non-finite loss",
		},
	)

	pm.generationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Total number of generation calls",
		},
		[]string{"backbone", "status"},
	)

	pm.generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Generation call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"backbone"},
	)

	pm.generationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "samples_total",
			Help:      "Total number of generated sequences",
		},
		[]string{"backbone"},
	)

	pm.generationActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "active",
			Help:      "Number of in-flight generation calls",
		},
	)

	pm.evaluationMetricsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "metrics_total",
			Help:      "Evaluation sub-metrics computed, by outcome",
		},
		[]string{"metric", "status"},
	)

	pm.evaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "metric_duration_seconds",
			Help:      "Evaluation sub-metric duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"metric"},
	)

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

// registerMetrics registers all metrics with the private registry
func (pm *PrometheusMetrics) registerMetrics() error {
	collectors := []prometheus.Collector{
		pm.trainingLoss,
		pm.trainingEpoch,
		pm.trainingStepsTotal,
		pm.trainingEpochDuration,
		pm.trainingState,
		pm.trainingLearningRate,
		pm.checkpointsTotal,
		pm.divergencesTotal,
		pm.generationRequestsTotal,
		pm.generationDuration,
		pm.generationSamplesTotal,
		pm.generationActive,
		pm.evaluationMetricsTotal,
		pm.evaluationDuration,
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
	}

	for _, c := range collectors {
		if err := pm.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}
