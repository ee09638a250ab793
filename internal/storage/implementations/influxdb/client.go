package influxdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Config contains configuration for the InfluxDB sample sink
type Config struct {
	URL          string        `json:"url" yaml:"url" mapstructure:"url"`
	Token        string        `json:"token" yaml:"token" mapstructure:"token"`
	Organization string        `json:"organization" yaml:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Measurement  string        `json:"measurement" yaml:"measurement" mapstructure:"measurement"`
	Interval     time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	UseGZip      bool          `json:"use_gzip" yaml:"use_gzip" mapstructure:"use_gzip"`
}

// SampleSink writes generated samples as points: one point per sample and
// timestep, tagged with the run, the sample index and the context.
type SampleSink struct {
	config    *Config
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	mu        sync.Mutex
	connected bool
}

// NewSampleSink creates a new InfluxDB sink
func NewSampleSink(config *Config, logger *logrus.Logger) (*SampleSink, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB url and bucket are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.Measurement == "" {
		config.Measurement = "synthetic_load"
	}
	if config.Interval == 0 {
		config.Interval = 15 * time.Minute
	}

	return &SampleSink{config: config, logger: logger}, nil
}

// Connect creates the client and pings the server
func (s *SampleSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetBatchSize(uint(s.config.BatchSize))
	options.SetUseGZip(s.config.UseGZip)
	options.SetPrecision(time.Second)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout.Seconds()))

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")
	return nil
}

// Close releases the client
func (s *SampleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.client.Close()
	s.connected = false
	return nil
}

// Ping checks the server
func (s *SampleSink) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "Not connected to InfluxDB")
	}
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "InfluxDB health check failed")
	}
	if !ok {
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping returned false")
	}
	return nil
}

// WriteSamples writes every sample of a run. Timestamps start at the current
// time truncated to the sampling interval.
func (s *SampleSink) WriteSamples(ctx context.Context, runID string, samples []models.GeneratedSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return errors.NewStorageError("NOT_CONNECTED", "Not connected to InfluxDB")
	}

	base := time.Now().Truncate(s.config.Interval)
	points := s.buildPoints(runID, samples, base)
	for start := 0; start < len(points); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := s.writeAPI.WritePoint(ctx, points[start:end]...); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write to InfluxDB")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"samples": len(samples),
		"points":  len(points),
	}).Debug("Wrote synthetic samples to InfluxDB")
	return nil
}

func (s *SampleSink) buildPoints(runID string, samples []models.GeneratedSample, base time.Time) []*write.Point {
	var points []*write.Point
	for i, sample := range samples {
		tags := map[string]string{
			"run_id": runID,
			"sample": strconv.Itoa(i),
		}
		for k, v := range sample.Context {
			if v != nil {
				tags[k] = fmt.Sprint(v)
			}
		}

		channels := make([]string, 0, len(sample.Series))
		steps := 0
		for name, values := range sample.Series {
			channels = append(channels, name)
			if len(values) > steps {
				steps = len(values)
			}
		}
		sort.Strings(channels)

		for t := 0; t < steps; t++ {
			fields := make(map[string]interface{}, len(channels))
			for _, c := range channels {
				if t < len(sample.Series[c]) {
					fields[c] = sample.Series[c][t]
				}
			}
			ts := base.Add(time.Duration(t) * s.config.Interval)
			points = append(points, influxdb2.NewPoint(s.config.Measurement, tags, fields, ts))
		}
	}
	return points
}
