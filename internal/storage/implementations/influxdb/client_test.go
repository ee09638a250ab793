package influxdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/pkg/models"
)

func TestNewSampleSink(t *testing.T) {
	_, err := NewSampleSink(nil, nil)
	assert.Error(t, err)

	_, err = NewSampleSink(&Config{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)

	sink, err := NewSampleSink(&Config{URL: "http://localhost:8086", Bucket: "synthetic"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "synthetic_load", sink.config.Measurement)
	assert.Equal(t, 15*time.Minute, sink.config.Interval)
	assert.Equal(t, 1000, sink.config.BatchSize)
}

func TestBuildPoints(t *testing.T) {
	sink, err := NewSampleSink(&Config{URL: "http://x", Bucket: "b", Interval: time.Hour}, nil)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []models.GeneratedSample{
		{
			Context: models.ContextAssignment{"month": "jan"},
			Series:  map[string][]float64{"grid": {1, 2, 3}, "solar": {0, 0.5, 0}},
		},
	}
	points := sink.buildPoints("run-9", samples, base)
	require.Len(t, points, 3)

	p := points[2]
	assert.Equal(t, "synthetic_load", p.Name())
	assert.Equal(t, base.Add(2*time.Hour), p.Time())

	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "run-9", tags["run_id"])
	assert.Equal(t, "0", tags["sample"])
	assert.Equal(t, "jan", tags["month"])

	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 3.0, fields["grid"])
	assert.Equal(t, 0.0, fields["solar"])
}

func TestWriteRequiresConnection(t *testing.T) {
	sink, err := NewSampleSink(&Config{URL: "http://x", Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.Error(t, sink.WriteSamples(context.Background(), "r", nil))
	assert.Error(t, sink.Ping(context.Background()))
	assert.NoError(t, sink.Close())
}
