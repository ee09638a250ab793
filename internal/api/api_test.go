package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/api/handlers"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

type fakeGenerator struct{}

func (fakeGenerator) Kind() interfaces.BackboneKind { return interfaces.BackboneACGAN }
func (fakeGenerator) RunID() string                 { return "run-1" }
func (fakeGenerator) SeqLen() int                   { return 3 }
func (fakeGenerator) SequenceColumns() []string     { return []string{"grid"} }

func (fakeGenerator) Catalog() models.Catalog {
	return models.Catalog{
		{Name: "month", Kind: models.VariableCategorical, Cardinality: 2},
		{Name: "temp", Kind: models.VariableContinuous},
	}
}

func (fakeGenerator) Categories(name string) []string {
	if name == "month" {
		return []string{"jan", "feb"}
	}
	return nil
}

func (fakeGenerator) Generate(_ context.Context, a models.ContextAssignment, n int, opts sampling.Options) ([]models.GeneratedSample, error) {
	if m, ok := a["month"]; ok && m != "jan" && m != "feb" {
		return nil, errors.NewUnknownCategoryError("month", m)
	}
	var seed int64
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	out := make([]models.GeneratedSample, n)
	for i := range out {
		out[i] = models.GeneratedSample{Context: a, Series: map[string][]float64{"grid": {1, 2, 3}}, Seed: seed}
	}
	return out, nil
}

func (fakeGenerator) Embed(a []models.ContextAssignment) (*mat.Dense, error) {
	return mat.NewDense(len(a), 2, nil), nil
}

type fakeSink struct {
	written []models.GeneratedSample
}

func (s *fakeSink) Connect(context.Context) error { return nil }
func (s *fakeSink) Close() error                  { return nil }
func (s *fakeSink) Ping(context.Context) error    { return nil }

func (s *fakeSink) WriteSamples(_ context.Context, _ string, samples []models.GeneratedSample) error {
	s.written = append(s.written, samples...)
	return nil
}

type fakeIndex struct{}

func (fakeIndex) Connect(context.Context) error                                       { return nil }
func (fakeIndex) Close() error                                                        { return nil }
func (fakeIndex) Ping(context.Context) error                                          { return nil }
func (fakeIndex) IndexEmbeddings(context.Context, []interfaces.EmbeddingRecord) error { return nil }

func (fakeIndex) Nearest(_ context.Context, _ []float64, k int) ([]interfaces.EmbeddingRecord, error) {
	out := make([]interfaces.EmbeddingRecord, k)
	for i := range out {
		out[i] = interfaces.EmbeddingRecord{Key: "k", Distance: float64(i)}
	}
	return out, nil
}

func newTestRouter(t *testing.T, cfg *HandlerConfig) http.Handler {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg.Logger = logger
	m, err := metrics.NewPrometheusMetrics(nil, logger)
	require.NoError(t, err)
	return NewRouter(NewHandlers(cfg), m, nil, logger).SetupRoutes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	sink := &fakeSink{}
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}, Sink: sink, MaxCount: 10})

	rec := do(t, h, "POST", "/api/v1/generate", `{"context":{"month":"jan"},"count":4,"seed":9}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.GenerateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 4, resp.Count)
	assert.Equal(t, int64(9), resp.Samples[0].Seed)
	assert.Equal(t, []float64{1, 2, 3}, resp.Samples[0].Series["grid"])
	assert.Empty(t, sink.written)

	rec = do(t, h, "POST", "/api/v1/generate?persist=true", `{"context":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.written, 1)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown category", `{"context":{"month":"dec"},"count":1}`, http.StatusBadRequest},
		{"too many", `{"context":{},"count":11}`, http.StatusBadRequest},
		{"negative", `{"context":{},"count":-1}`, http.StatusBadRequest},
		{"bad json", `{"context":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/v1/generate", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			var body errors.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error.Code)
			assert.Equal(t, "/api/v1/generate", body.Path)
		})
	}
}

func TestPersistWithoutSink(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}})
	rec := do(t, h, "POST", "/api/v1/generate?persist=1", `{"count":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogEndpoint(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}})
	rec := do(t, h, "GET", "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.CatalogResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "acgan", resp.Backbone)
	assert.Equal(t, 3, resp.SeqLen)
	require.Len(t, resp.Variables, 2)
	assert.Equal(t, []string{"jan", "feb"}, resp.Variables[0].Categories)
	assert.Empty(t, resp.Variables[1].Categories)
}

func TestNearestEndpoint(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}})
	rec := do(t, h, "POST", "/api/v1/contexts/nearest", `{"context":{"month":"jan"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}, Index: fakeIndex{}})
	rec = do(t, h, "POST", "/api/v1/contexts/nearest", `{"context":{"month":"jan"},"k":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.NearestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Neighbours, 2)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}, Sink: &fakeSink{}})
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/health/ready", "").Code)

	do(t, h, "GET", "/api/v1/catalog", "")
	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestWithoutGenerator(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/health/ready", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/health/live", "").Code)

	rec := do(t, h, "POST", "/api/v1/generate", `{"count":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	h := newTestRouter(t, &HandlerConfig{Generator: fakeGenerator{}})
	big := bytes.Repeat([]byte(" "), 2<<20)
	req := httptest.NewRequest("POST", "/api/v1/generate", bytes.NewReader(append(big, []byte(`{"count":1}`)...)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
