package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

const defaultNearest = 5

// Generator is the trained model behind the API.
type Generator interface {
	Kind() interfaces.BackboneKind
	RunID() string
	SeqLen() int
	SequenceColumns() []string
	Catalog() models.Catalog
	Categories(name string) []string
	Generate(ctx context.Context, assignment models.ContextAssignment, n int, opts sampling.Options) ([]models.GeneratedSample, error)
	Embed(assignments []models.ContextAssignment) (*mat.Dense, error)
}

// GenerationHandler serves samples from one trained generator. Sink and
// index are optional.
type GenerationHandler struct {
	generator Generator
	sink      interfaces.SampleSink
	index     interfaces.EmbeddingIndex
	maxCount  int
	logger    *logrus.Logger
}

// GenerationConfig wires a GenerationHandler.
type GenerationConfig struct {
	Generator Generator
	Sink      interfaces.SampleSink
	Index     interfaces.EmbeddingIndex
	MaxCount  int
	Logger    *logrus.Logger
}

func NewGenerationHandler(cfg GenerationConfig) *GenerationHandler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &GenerationHandler{
		generator: cfg.Generator,
		sink:      cfg.Sink,
		index:     cfg.Index,
		maxCount:  cfg.MaxCount,
		logger:    cfg.Logger,
	}
}

// Ready reports whether a generator is loaded.
func (h *GenerationHandler) Ready(context.Context) error {
	if h.generator == nil {
		return errors.NewNotTrainedError("no generator loaded")
	}
	return nil
}

// Generate handles POST /generate. With ?persist=true the samples are also
// written to the configured sink.
func (h *GenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	if err := h.Ready(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidFormat, "invalid request body"))
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 || (h.maxCount > 0 && req.Count > h.maxCount) {
		writeError(w, r, h.logger, errors.NewValidationError(errors.CodeOutOfRange,
			fmt.Sprintf("count must be within [1, %d], got %d", h.maxCount, req.Count)))
		return
	}

	samples, err := h.generator.Generate(r.Context(), req.Context, req.Count, sampling.Options{Seed: req.Seed, Stochastic: req.Stochastic})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	persist, _ := strconv.ParseBool(r.URL.Query().Get("persist"))
	if persist {
		if h.sink == nil {
			writeError(w, r, h.logger, errors.NewValidationError(errors.CodeInvalidInput, "no sample sink is configured"))
			return
		}
		if err := h.sink.WriteSamples(r.Context(), h.generator.RunID(), samples); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	h.logger.WithFields(logrus.Fields{
		"count":   len(samples),
		"context": req.Context,
		"persist": persist,
	}).Debug("Served generation request")
	writeJSON(w, http.StatusOK, models.GenerateResponse{Samples: samples, Count: len(samples)})
}

// CatalogVariable is one context variable as exposed by GET /catalog.
type CatalogVariable struct {
	Name        string              `json:"name"`
	Kind        models.VariableKind `json:"kind"`
	Cardinality int                 `json:"cardinality,omitempty"`
	Categories  []string            `json:"categories,omitempty"`
}

// CatalogResponse describes what the loaded generator accepts and produces.
type CatalogResponse struct {
	RunID           string            `json:"run_id"`
	Backbone        string            `json:"backbone"`
	SeqLen          int               `json:"seq_len"`
	SequenceColumns []string          `json:"sequence_columns"`
	Variables       []CatalogVariable `json:"variables"`
}

// Catalog handles GET /catalog.
func (h *GenerationHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	if err := h.Ready(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	g := h.generator
	resp := CatalogResponse{
		RunID:           g.RunID(),
		Backbone:        string(g.Kind()),
		SeqLen:          g.SeqLen(),
		SequenceColumns: g.SequenceColumns(),
		Variables:       []CatalogVariable{},
	}
	for _, v := range g.Catalog() {
		cv := CatalogVariable{Name: v.Name, Kind: v.Kind}
		if v.IsCategorical() {
			cv.Cardinality = v.Cardinality
			cv.Categories = g.Categories(v.Name)
		}
		resp.Variables = append(resp.Variables, cv)
	}
	writeJSON(w, http.StatusOK, resp)
}

// NearestRequest asks for the indexed contexts closest to a given one.
type NearestRequest struct {
	Context models.ContextAssignment `json:"context"`
	K       int                      `json:"k"`
}

// NearestResponse lists neighbours by increasing embedding distance.
type NearestResponse struct {
	Neighbours []interfaces.EmbeddingRecord `json:"neighbours"`
}

// Nearest handles POST /contexts/nearest.
func (h *GenerationHandler) Nearest(w http.ResponseWriter, r *http.Request) {
	if err := h.Ready(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if h.index == nil {
		writeError(w, r, h.logger, errors.NewNotTrainedError("no embedding index is configured"))
		return
	}
	var req NearestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidFormat, "invalid request body"))
		return
	}
	if req.K <= 0 {
		req.K = defaultNearest
	}
	emb, err := h.generator.Embed([]models.ContextAssignment{req.Context})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	records, err := h.index.Nearest(r.Context(), emb.RawRowView(0), req.K)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if records == nil {
		records = []interfaces.EmbeddingRecord{}
	}
	writeJSON(w, http.StatusOK, NearestResponse{Neighbours: records})
}
