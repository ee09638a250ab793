// Package conditioning implements the context module: per-variable
// embeddings with learned "unknown" slots, fused by a small MLP into a
// variational (mu, logvar) pair. The fused vector conditions every backbone.
package conditioning

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Options configures a context module.
type Options struct {
	EmbeddingDim     int
	HiddenDim        int
	SparseLossWeight float64
	Seed             int64
}

// Module embeds encoded contexts. Parameters are only mutated by the
// trainer's optimizer; Encode is safe for concurrent use.
type Module struct {
	catalog      models.Catalog
	embDim       int
	hidden       int
	sparseWeight float64
	logger       *logrus.Logger

	embeddings  []*nn.Embedding
	contProj    []*nn.Linear
	contUnknown []*nn.Param
	fusion      *nn.MLP

	frozen bool
	stats  *RunningStats
}

// Output carries the fused conditioning of a batch.
type Output struct {
	Z      *mat.Dense
	Mu     *mat.Dense
	LogVar *mat.Dense
}

// Cache holds the intermediates Backward needs.
type Cache struct {
	contexts []models.EncodedContext
	catIdx   [][]int
	contX    []*mat.Dense
	fusion   *nn.MLPCache
	eps      *mat.Dense
	logVar   *mat.Dense
	mu       *mat.Dense
}

// ModuleState is the serializable form of a module.
type ModuleState struct {
	EmbeddingDim int           `json:"embedding_dim"`
	HiddenDim    int           `json:"hidden_dim"`
	Frozen       bool          `json:"frozen"`
	Params       nn.ParamState `json:"params"`
	Stats        StatsState    `json:"stats"`
}

// New builds a module for a resolved catalog (cardinalities filled in).
func New(catalog models.Catalog, opts Options, logger *logrus.Logger) (*Module, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EmbeddingDim <= 0 || opts.HiddenDim <= 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "embedding and hidden dimensions must be positive")
	}
	if opts.SparseLossWeight < 0 || opts.SparseLossWeight > 1 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange,
			fmt.Sprintf("sparse loss weight %v outside [0,1]", opts.SparseLossWeight))
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	m := &Module{
		catalog:      append(models.Catalog(nil), catalog...),
		embDim:       opts.EmbeddingDim,
		hidden:       opts.HiddenDim,
		sparseWeight: opts.SparseLossWeight,
		logger:       logger,
		stats:        NewRunningStats(opts.EmbeddingDim, constants.RunningStatsAlpha),
	}
	for _, v := range catalog {
		if v.IsCategorical() {
			if v.Cardinality <= 0 {
				return nil, errors.NewConfigMismatchError(errors.CodeCardinalityMismatch,
					fmt.Sprintf("categorical variable %q has no cardinality", v.Name))
			}
			m.embeddings = append(m.embeddings, nn.NewEmbedding("cond.emb."+v.Name, v.Cardinality+1, opts.EmbeddingDim, rng))
			continue
		}
		m.contProj = append(m.contProj, nn.NewLinear("cond.cont."+v.Name, 1, opts.EmbeddingDim, rng))
		unknown := nn.NewParam("cond.unknown."+v.Name, 1, opts.EmbeddingDim)
		for j := 0; j < opts.EmbeddingDim; j++ {
			unknown.Value.Set(0, j, rng.NormFloat64())
		}
		m.contUnknown = append(m.contUnknown, unknown)
	}
	m.fusion = nn.NewMLP("cond.fusion", []int{m.inputDim(), opts.HiddenDim, 2 * opts.EmbeddingDim}, nn.ReLU, nn.Identity, rng)
	return m, nil
}

func (m *Module) inputDim() int {
	if len(m.catalog) == 0 {
		return 1
	}
	return len(m.catalog) * m.embDim
}

// EmbeddingDim is the width of the fused vector.
func (m *Module) EmbeddingDim() int { return m.embDim }

// Catalog returns the catalog the module was built for.
func (m *Module) Catalog() models.Catalog { return append(models.Catalog(nil), m.catalog...) }

// Stats returns the running embedding statistics.
func (m *Module) Stats() *RunningStats { return m.stats }

// Params lists every trainable parameter.
func (m *Module) Params() []*nn.Param {
	var ps []*nn.Param
	for _, e := range m.embeddings {
		ps = append(ps, e.Params()...)
	}
	for i, l := range m.contProj {
		ps = append(ps, l.Params()...)
		ps = append(ps, m.contUnknown[i])
	}
	return append(ps, m.fusion.Params()...)
}

// Freeze stops gradient flow into every module parameter for the rest of training.
func (m *Module) Freeze() {
	if m.frozen {
		return
	}
	m.frozen = true
	nn.SetFrozen(m.Params(), true)
	m.logger.Info("Context module frozen")
}

// Frozen reports whether Freeze was called.
func (m *Module) Frozen() bool { return m.frozen }

// Mask drops each present variable independently with probability p and
// returns new contexts. Used for sparse-conditioning training.
func Mask(contexts []models.EncodedContext, catalog models.Catalog, p float64, rng *rand.Rand) []models.EncodedContext {
	out := make([]models.EncodedContext, len(contexts))
	for i, c := range contexts {
		cp := c.Clone()
		if p > 0 {
			cat, cont := 0, 0
			for j, v := range catalog {
				drop := cp.Present[j] && rng.Float64() < p
				if v.IsCategorical() {
					if drop {
						cp.Indices[cat] = -1
					}
					cat++
				} else {
					if drop {
						cp.Values[cont] = 0
					}
					cont++
				}
				if drop {
					cp.Present[j] = false
				}
			}
		}
		out[i] = cp
	}
	return out
}

func (m *Module) validate(contexts []models.EncodedContext) error {
	if len(contexts) == 0 {
		return errors.NewValidationError(errors.CodeInvalidInput, "empty context batch")
	}
	nCat, nCont := len(m.embeddings), len(m.contProj)
	for i, c := range contexts {
		if len(c.Indices) != nCat || len(c.Values) != nCont || len(c.Present) != len(m.catalog) {
			return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
				fmt.Sprintf("context %d has %d/%d/%d entries, module expects %d/%d/%d",
					i, len(c.Indices), len(c.Values), len(c.Present), nCat, nCont, len(m.catalog)))
		}
		for j, k := range c.Indices {
			if k >= m.embeddings[j].Rows-1 {
				return errors.NewConfigMismatchError(errors.CodeCardinalityMismatch,
					fmt.Sprintf("category index %d out of range for variable %d", k, j))
			}
		}
	}
	return nil
}

// embed builds the fusion input and what Backward needs to route gradients.
func (m *Module) embed(contexts []models.EncodedContext) (*mat.Dense, [][]int, []*mat.Dense) {
	b := len(contexts)
	if len(m.catalog) == 0 {
		return nn.Ones(b, 1), nil, nil
	}
	parts := make([]*mat.Dense, 0, len(m.catalog))
	catIdx := make([][]int, len(m.embeddings))
	contX := make([]*mat.Dense, len(m.contProj))
	cat, cont := 0, 0
	for _, v := range m.catalog {
		if v.IsCategorical() {
			e := m.embeddings[cat]
			idx := make([]int, b)
			for i, c := range contexts {
				idx[i] = c.Indices[cat]
				if idx[i] < 0 {
					idx[i] = e.Rows - 1
				}
			}
			catIdx[cat] = idx
			parts = append(parts, e.Lookup(idx))
			cat++
			continue
		}
		x := mat.NewDense(b, 1, nil)
		for i, c := range contexts {
			x.Set(i, 0, c.Values[cont])
		}
		h := m.contProj[cont].Forward(x)
		unknown := m.contUnknown[cont].Value.RawRowView(0)
		pos := m.catalog.Index(v.Name)
		for i, c := range contexts {
			if !c.Present[pos] {
				copy(h.RawRowView(i), unknown)
			}
		}
		contX[cont] = x
		parts = append(parts, h)
		cont++
	}
	return nn.HStack(parts...), catIdx, contX
}

// Encode returns the deterministic conditioning vector (z = mu) for each
// context. It never mutates the module.
func (m *Module) Encode(contexts []models.EncodedContext) (*mat.Dense, error) {
	if err := m.validate(contexts); err != nil {
		return nil, err
	}
	in, _, _ := m.embed(contexts)
	stats := m.fusion.Forward(in)
	return nn.Columns(stats, 0, m.embDim), nil
}

// Forward runs a training pass. With a non-nil rng, z is sampled by
// reparameterization; otherwise z = mu.
func (m *Module) Forward(contexts []models.EncodedContext, rng *rand.Rand) (*Output, *Cache, error) {
	if err := m.validate(contexts); err != nil {
		return nil, nil, err
	}
	in, catIdx, contX := m.embed(contexts)
	stats, fc := m.fusion.ForwardTrain(in)
	mu := nn.Columns(stats, 0, m.embDim)
	logVar := nn.Columns(stats, m.embDim, 2*m.embDim)
	z := mat.DenseCopyOf(mu)
	var eps *mat.Dense
	if rng != nil {
		r, c := mu.Dims()
		eps = nn.RandN(r, c, rng)
		for i := 0; i < r; i++ {
			zr, lv, er := z.RawRowView(i), logVar.RawRowView(i), eps.RawRowView(i)
			for j := range zr {
				zr[j] += math.Exp(0.5*lv[j]) * er[j]
			}
		}
	}
	return &Output{Z: z, Mu: mu, LogVar: logVar}, &Cache{
		contexts: contexts,
		catIdx:   catIdx,
		contX:    contX,
		fusion:   fc,
		eps:      eps,
		logVar:   logVar,
		mu:       mu,
	}, nil
}

// KL returns -0.5 * mean_i sum_j (1 + logvar - mu^2 - exp(logvar)).
func KL(out *Output) float64 {
	r, _ := out.Mu.Dims()
	var total float64
	for i := 0; i < r; i++ {
		mu, lv := out.Mu.RawRowView(i), out.LogVar.RawRowView(i)
		for j := range mu {
			total += 1 + lv[j] - mu[j]*mu[j] - math.Exp(lv[j])
		}
	}
	return -0.5 * total / float64(r)
}

// SampleWeights returns the per-row gradient scale: the sparse loss weight
// for rows with an incomplete assignment, 1 otherwise.
func (m *Module) SampleWeights(contexts []models.EncodedContext) []float64 {
	w := make([]float64, len(contexts))
	for i, c := range contexts {
		w[i] = 1
		if c.Sparse() {
			w[i] = m.sparseWeight
		}
	}
	return w
}

// Backward accumulates parameter gradients from dL/dz plus klWeight times
// the KL gradient. Per-row gradients of sparse contexts are scaled by the
// sparse loss weight. A frozen module is skipped.
func (m *Module) Backward(c *Cache, dz *mat.Dense, klWeight float64) {
	if m.frozen {
		return
	}
	r, d := c.mu.Dims()
	dMu := mat.NewDense(r, d, nil)
	dLogVar := mat.NewDense(r, d, nil)
	weights := m.SampleWeights(c.contexts)
	for i := 0; i < r; i++ {
		mu, lv := c.mu.RawRowView(i), c.logVar.RawRowView(i)
		gm, gl := dMu.RawRowView(i), dLogVar.RawRowView(i)
		var up []float64
		if dz != nil {
			up = dz.RawRowView(i)
		}
		for j := 0; j < d; j++ {
			if up != nil {
				gm[j] = up[j]
				if c.eps != nil {
					gl[j] = up[j] * c.eps.At(i, j) * 0.5 * math.Exp(0.5*lv[j])
				}
			}
			if klWeight != 0 {
				gm[j] += klWeight * mu[j] / float64(r)
				gl[j] += klWeight * 0.5 * (math.Exp(lv[j]) - 1) / float64(r)
			}
			gm[j] *= weights[i]
			gl[j] *= weights[i]
		}
	}
	dIn := m.fusion.Backward(c.fusion, nn.HStack(dMu, dLogVar))
	if len(m.catalog) == 0 {
		return
	}

	cat, cont := 0, 0
	for k, v := range m.catalog {
		slice := nn.Columns(dIn, k*m.embDim, (k+1)*m.embDim)
		if v.IsCategorical() {
			m.embeddings[cat].Backward(c.catIdx[cat], slice)
			cat++
			continue
		}
		unknownGrad := m.contUnknown[cont].Grad.RawRowView(0)
		for i, ctx := range c.contexts {
			if !ctx.Present[k] {
				row := slice.RawRowView(i)
				for j := range row {
					unknownGrad[j] += row[j]
					row[j] = 0
				}
			}
		}
		m.contProj[cont].Backward(c.contX[cont], slice)
		cont++
	}
}

// State exports parameters and running statistics.
func (m *Module) State() ModuleState {
	return ModuleState{
		EmbeddingDim: m.embDim,
		HiddenDim:    m.hidden,
		Frozen:       m.frozen,
		Params:       nn.ExportParams(m.Params()),
		Stats:        m.stats.State(),
	}
}

// Restore loads a state exported by a module with the same catalog and
// dimensions. Nothing changes when any shape disagrees.
func (m *Module) Restore(st ModuleState) error {
	if st.EmbeddingDim != m.embDim || st.HiddenDim != m.hidden {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("checkpoint module is %d/%d, configured %d/%d", st.EmbeddingDim, st.HiddenDim, m.embDim, m.hidden))
	}
	stats, err := RestoreStats(st.Stats, m.embDim)
	if err != nil {
		return err
	}
	if err := nn.ImportParams(m.Params(), st.Params); err != nil {
		return err
	}
	m.stats = stats
	m.frozen = st.Frozen
	nn.SetFrozen(m.Params(), st.Frozen)
	return nil
}
