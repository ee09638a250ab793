package models

import "time"

// MetricValue is a scalar or a {mean, std} pair. Unavailable metrics carry the error.
type MetricValue struct {
	Value      *float64           `json:"value,omitempty" yaml:"value,omitempty"`
	Mean       *float64           `json:"mean,omitempty" yaml:"mean,omitempty"`
	Std        *float64           `json:"std,omitempty" yaml:"std,omitempty"`
	PerChannel map[string]float64 `json:"per_channel,omitempty" yaml:"per_channel,omitempty"`
	Available  bool               `json:"available" yaml:"available"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
}

// Scalar builds an available scalar metric.
func Scalar(v float64) MetricValue {
	return MetricValue{Value: &v, Available: true}
}

// MeanStd builds an available {mean, std} metric.
func MeanStd(mean, std float64) MetricValue {
	return MetricValue{Mean: &mean, Std: &std, Available: true}
}

// Unavailable marks a metric that failed.
func Unavailable(err error) MetricValue {
	return MetricValue{Available: false, Error: err.Error()}
}

// SubsetInfo describes one evaluated subset.
type SubsetInfo struct {
	Name      string `json:"name" yaml:"name"`
	RealCount int    `json:"real_count" yaml:"real_count"`
	SynCount  int    `json:"synthetic_count" yaml:"synthetic_count"`
}

// ReportMetadata is the metadata block of an evaluation report.
type ReportMetadata struct {
	RunID       string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Backbone    string        `json:"backbone" yaml:"backbone"`
	SeqLen      int           `json:"seq_len" yaml:"seq_len"`
	Channels    []string      `json:"channels" yaml:"channels"`
	Subsets     []SubsetInfo  `json:"subsets" yaml:"subsets"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	FailedCount int           `json:"failed_metrics" yaml:"failed_metrics"`
}

// Report is the structured evaluation result: subset -> metric -> value.
type Report struct {
	Metrics  map[string]map[string]MetricValue `json:"metrics" yaml:"metrics"`
	Metadata ReportMetadata                    `json:"metadata" yaml:"metadata"`
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{Metrics: make(map[string]map[string]MetricValue)}
}

// Set stores a metric value under a subset.
func (r *Report) Set(subset, metric string, v MetricValue) {
	if r.Metrics[subset] == nil {
		r.Metrics[subset] = make(map[string]MetricValue)
	}
	r.Metrics[subset][metric] = v
}

// Get returns a metric value.
func (r *Report) Get(subset, metric string) (MetricValue, bool) {
	m, ok := r.Metrics[subset]
	if !ok {
		return MetricValue{}, false
	}
	v, ok := m[metric]
	return v, ok
}
