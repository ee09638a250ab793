package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

const normalizerLR = 1e-3

// ChannelParams holds per-channel normalization parameters.
type ChannelParams struct {
	Mu   []float64 `json:"mu"`
	Std  []float64 `json:"std"`
	ZMin []float64 `json:"z_min"`
	ZMax []float64 `json:"z_max"`
}

func newChannelParams(c int) ChannelParams {
	return ChannelParams{
		Mu:   make([]float64, c),
		Std:  make([]float64, c),
		ZMin: make([]float64, c),
		ZMax: make([]float64, c),
	}
}

func (p ChannelParams) clone() ChannelParams {
	return ChannelParams{
		Mu:   append([]float64(nil), p.Mu...),
		Std:  append([]float64(nil), p.Std...),
		ZMin: append([]float64(nil), p.ZMin...),
		ZMax: append([]float64(nil), p.ZMax...),
	}
}

// Normalizer applies z-scoring then min-max scaling per channel. Each step is
// toggled independently; the order is fixed. It is fitted exactly once and
// read-only afterwards.
type Normalizer struct {
	method    string
	normalize bool
	scale     bool
	channels  int
	epochs    int
	hidden    int
	seed      int64
	encoder   *Encoder
	logger    *logrus.Logger

	mu     sync.RWMutex
	fitted bool
	global ChannelParams

	// parametric method
	model      *nn.MLP
	targetMean []float64
	targetStd  []float64
}

// NormalizerState is the serializable form of a fitted normalizer.
type NormalizerState struct {
	Method     string        `json:"method"`
	Normalize  bool          `json:"normalize"`
	Scale      bool          `json:"scale"`
	Channels   int           `json:"channels"`
	Hidden     int           `json:"hidden,omitempty"`
	Global     ChannelParams `json:"global"`
	Model      nn.ParamState `json:"model,omitempty"`
	TargetMean []float64     `json:"target_mean,omitempty"`
	TargetStd  []float64     `json:"target_std,omitempty"`
}

// NewNormalizer creates an unfitted normalizer. The parametric method needs
// the encoder to build its context features.
func NewNormalizer(opts Options, channels int, encoder *Encoder, logger *logrus.Logger) *Normalizer {
	if logger == nil {
		logger = logrus.New()
	}
	method := opts.NormalizerMethod
	if method == "" {
		method = config.NormalizerGlobal
	}
	return &Normalizer{
		method:    method,
		normalize: opts.Normalize,
		scale:     opts.Scale,
		channels:  channels,
		epochs:    opts.NormalizerEpochs,
		hidden:    opts.NormalizerHidden,
		seed:      opts.Seed,
		encoder:   encoder,
		logger:    logger,
	}
}

// Fitted reports whether Fit has completed.
func (n *Normalizer) Fitted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fitted
}

// Method returns global or parametric.
func (n *Normalizer) Method() string { return n.method }

// Fit estimates parameters from the training sequences. A second call
// returns ErrAlreadyFitted.
func (n *Normalizer) Fit(seqs []*mat.Dense, contexts []models.EncodedContext) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fitted {
		return errors.ErrAlreadyFitted
	}
	if len(seqs) == 0 {
		return errors.NewSchemaError(errors.CodeEmptyTable, "cannot fit normalizer on an empty dataset")
	}

	n.global = n.groupStats(seqs, nil)
	if n.method == config.NormalizerParametric {
		if err := n.fitParametric(seqs, contexts); err != nil {
			return err
		}
	}
	n.fitted = true
	n.logger.WithFields(logrus.Fields{
		"method":    n.method,
		"normalize": n.normalize,
		"scale":     n.scale,
		"channels":  n.channels,
	}).Info("Normalizer fitted")
	return nil
}

// groupStats computes per-channel statistics over the selected sequences
// (all when idx is nil).
func (n *Normalizer) groupStats(seqs []*mat.Dense, idx []int) ChannelParams {
	if idx == nil {
		idx = make([]int, len(seqs))
		for i := range idx {
			idx[i] = i
		}
	}
	p := newChannelParams(n.channels)
	points := make([]float64, 0, len(idx)*rowsOf(seqs[0]))
	for c := 0; c < n.channels; c++ {
		points = points[:0]
		for _, i := range idx {
			r, _ := seqs[i].Dims()
			for t := 0; t < r; t++ {
				points = append(points, seqs[i].At(t, c))
			}
		}
		mean, std := stat.PopMeanStdDev(points, nil)
		p.Mu[c], p.Std[c] = mean, std
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, x := range points {
			z := x
			if n.normalize {
				z = (x - p.Mu[c]) / (p.Std[c] + constants.NormalizerEpsilon)
			}
			lo, hi = math.Min(lo, z), math.Max(hi, z)
		}
		p.ZMin[c], p.ZMax[c] = lo, hi
	}
	return p
}

func rowsOf(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}

// contextFeatures one-hot encodes the categorical part of a context. Each
// variable gets cardinality+1 slots; the last one marks "unknown".
func contextFeatures(enc *Encoder, c models.EncodedContext) []float64 {
	cards := enc.Cardinalities()
	width := 0
	for _, k := range cards {
		width += k + 1
	}
	out := make([]float64, width)
	off := 0
	for j, k := range cards {
		idx := -1
		if j < len(c.Indices) {
			idx = c.Indices[j]
		}
		if idx < 0 || idx >= k {
			out[off+k] = 1
		} else {
			out[off+idx] = 1
		}
		off += k + 1
	}
	return out
}

func featureWidth(enc *Encoder) int {
	w := 0
	for _, k := range enc.Cardinalities() {
		w += k + 1
	}
	if w == 0 {
		w = 1
	}
	return w
}

type statsGroup struct {
	key     string
	context models.EncodedContext
	rows    []int
}

// trainingGroups collects full combinations, single-variable marginals and
// the global group so partial contexts are covered at inference time.
func trainingGroups(contexts []models.EncodedContext, numCat int) []statsGroup {
	groups := make(map[string]*statsGroup)
	add := func(c models.EncodedContext, row int) {
		k := fmt.Sprint(c.Indices)
		g, ok := groups[k]
		if !ok {
			g = &statsGroup{key: k, context: c}
			groups[k] = g
		}
		g.rows = append(g.rows, row)
	}
	for row, ctx := range contexts {
		full := models.EncodedContext{Indices: append([]int(nil), ctx.Indices...)}
		add(full, row)
		if numCat > 1 {
			for j := 0; j < numCat; j++ {
				if ctx.Indices[j] < 0 {
					continue
				}
				m := models.EncodedContext{Indices: make([]int, numCat)}
				for k := range m.Indices {
					m.Indices[k] = -1
				}
				m.Indices[j] = ctx.Indices[j]
				add(m, row)
			}
		}
		if numCat > 0 {
			none := models.EncodedContext{Indices: make([]int, numCat)}
			for k := range none.Indices {
				none.Indices[k] = -1
			}
			add(none, row)
		}
	}
	out := make([]statsGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (n *Normalizer) fitParametric(seqs []*mat.Dense, contexts []models.EncodedContext) error {
	if n.encoder == nil {
		return errors.NewInternalError("parametric normalizer needs a context encoder")
	}
	groups := trainingGroups(contexts, n.encoder.NumCategorical())
	if len(groups) == 0 {
		groups = []statsGroup{{context: models.EncodedContext{}, rows: nil}}
	}
	c := n.channels
	feats := make([][]float64, len(groups))
	targets := make([][]float64, len(groups))
	for i, g := range groups {
		feats[i] = n.features(g.context)
		p := n.groupStats(seqs, g.rows)
		t := make([]float64, 4*c)
		for ch := 0; ch < c; ch++ {
			t[ch] = p.Mu[ch]
			t[c+ch] = math.Log(p.Std[ch] + constants.NormalizerEpsilon)
			t[2*c+ch] = p.ZMin[ch]
			t[3*c+ch] = p.ZMax[ch]
		}
		targets[i] = t
	}

	n.targetMean = make([]float64, 4*c)
	n.targetStd = make([]float64, 4*c)
	col := make([]float64, len(targets))
	for j := 0; j < 4*c; j++ {
		for i := range targets {
			col[i] = targets[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < 1e-6 {
			std = 1
		}
		n.targetMean[j], n.targetStd[j] = mean, std
	}
	scaled := make([][]float64, len(targets))
	for i, t := range targets {
		s := make([]float64, len(t))
		for j := range t {
			s[j] = (t[j] - n.targetMean[j]) / n.targetStd[j]
		}
		scaled[i] = s
	}

	rng := rand.New(rand.NewSource(n.seed))
	n.model = nn.NewMLP("normalizer", []int{featureWidth(n.encoder), n.hidden, n.hidden, 4 * c}, nn.ReLU, nn.Identity, rng)
	opt := nn.NewAdamOptimizer(normalizerLR)
	x := nn.StackRows(feats)
	y := nn.StackRows(scaled)
	var loss float64
	for epoch := 0; epoch < n.epochs; epoch++ {
		pred, cache := n.model.ForwardTrain(x)
		var grad *mat.Dense
		loss, grad = nn.MSE(pred, y)
		n.model.Backward(cache, grad)
		opt.Step(n.model.Params())
	}
	nn.SetFrozen(n.model.Params(), true)
	n.logger.WithFields(logrus.Fields{
		"groups":     len(groups),
		"epochs":     n.epochs,
		"final_loss": loss,
	}).Debug("Parametric normalizer trained")
	return nil
}

func (n *Normalizer) features(c models.EncodedContext) []float64 {
	if n.encoder == nil || n.encoder.NumCategorical() == 0 {
		return []float64{1}
	}
	return contextFeatures(n.encoder, c)
}

// Params returns the parameters applied to a sequence with the given context.
// The global method ignores the context.
func (n *Normalizer) Params(c models.EncodedContext) (ChannelParams, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return ChannelParams{}, errors.NewNotTrainedError("normalizer has not been fitted")
	}
	if n.model == nil {
		return n.global.clone(), nil
	}
	out := n.model.Forward(mat.NewDense(1, featureWidth(n.encoder), n.features(c))).RawRowView(0)
	ch := n.channels
	p := newChannelParams(ch)
	for j := 0; j < ch; j++ {
		p.Mu[j] = out[j]*n.targetStd[j] + n.targetMean[j]
		p.Std[j] = math.Max(math.Exp(out[ch+j]*n.targetStd[ch+j]+n.targetMean[ch+j])-constants.NormalizerEpsilon, 0)
		p.ZMin[j] = out[2*ch+j]*n.targetStd[2*ch+j] + n.targetMean[2*ch+j]
		p.ZMax[j] = out[3*ch+j]*n.targetStd[3*ch+j] + n.targetMean[3*ch+j]
	}
	return p, nil
}

func span(p ChannelParams, c int) float64 {
	return math.Abs(p.ZMax[c]-p.ZMin[c]) + constants.NormalizerEpsilon
}

// Transform maps a (seq_len x channels) sequence to model space. The input
// is never modified.
func (n *Normalizer) Transform(seq *mat.Dense, c models.EncodedContext) (*mat.Dense, error) {
	p, err := n.Params(c)
	if err != nil {
		return nil, err
	}
	return n.apply(seq, p, false)
}

// InverseTransform maps a model-space sequence back to original scale.
func (n *Normalizer) InverseTransform(seq *mat.Dense, c models.EncodedContext) (*mat.Dense, error) {
	p, err := n.Params(c)
	if err != nil {
		return nil, err
	}
	return n.apply(seq, p, true)
}

func (n *Normalizer) apply(seq *mat.Dense, p ChannelParams, inverse bool) (*mat.Dense, error) {
	r, cols := seq.Dims()
	if cols != n.channels {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("sequence has %d channels, normalizer was fitted on %d", cols, n.channels))
	}
	out := mat.NewDense(r, cols, nil)
	for t := 0; t < r; t++ {
		src, dst := seq.RawRowView(t), out.RawRowView(t)
		for c := 0; c < cols; c++ {
			x := src[c]
			if inverse {
				if n.scale {
					x = x*span(p, c) + p.ZMin[c]
				}
				if n.normalize {
					x = x*(p.Std[c]+constants.NormalizerEpsilon) + p.Mu[c]
				}
			} else {
				if n.normalize {
					x = (x - p.Mu[c]) / (p.Std[c] + constants.NormalizerEpsilon)
				}
				if n.scale {
					x = (x - p.ZMin[c]) / span(p, c)
				}
			}
			dst[c] = x
		}
	}
	return out, nil
}

// State exports the fitted normalizer.
func (n *Normalizer) State() (NormalizerState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return NormalizerState{}, errors.NewNotTrainedError("normalizer has not been fitted")
	}
	st := NormalizerState{
		Method:    n.method,
		Normalize: n.normalize,
		Scale:     n.scale,
		Channels:  n.channels,
		Global:    n.global.clone(),
	}
	if n.model != nil {
		st.Hidden = n.hidden
		st.Model = nn.ExportParams(n.model.Params())
		st.TargetMean = append([]float64(nil), n.targetMean...)
		st.TargetStd = append([]float64(nil), n.targetStd...)
	}
	return st, nil
}

// RestoreNormalizer rebuilds a fitted normalizer from its state.
func RestoreNormalizer(st NormalizerState, encoder *Encoder, logger *logrus.Logger) (*Normalizer, error) {
	if st.Channels <= 0 {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "normalizer state has no channels")
	}
	for _, v := range [][]float64{st.Global.Mu, st.Global.Std, st.Global.ZMin, st.Global.ZMax} {
		if len(v) != st.Channels {
			return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
				fmt.Sprintf("normalizer parameters have %d entries for %d channels", len(v), st.Channels))
		}
	}
	n := NewNormalizer(Options{
		NormalizerMethod: st.Method,
		Normalize:        st.Normalize,
		Scale:            st.Scale,
		NormalizerHidden: st.Hidden,
	}, st.Channels, encoder, logger)
	n.global = st.Global.clone()
	if st.Method == config.NormalizerParametric {
		if encoder == nil {
			return nil, errors.NewInternalError("parametric normalizer needs a context encoder")
		}
		if len(st.TargetMean) != 4*st.Channels || len(st.TargetStd) != 4*st.Channels {
			return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "parametric normalizer target scaling is incomplete")
		}
		n.model = nn.NewMLP("normalizer", []int{featureWidth(encoder), st.Hidden, st.Hidden, 4 * st.Channels},
			nn.ReLU, nn.Identity, rand.New(rand.NewSource(0)))
		if err := nn.ImportParams(n.model.Params(), st.Model); err != nil {
			return nil, err
		}
		nn.SetFrozen(n.model.Params(), true)
		n.targetMean = append([]float64(nil), st.TargetMean...)
		n.targetStd = append([]float64(nil), st.TargetStd...)
	}
	n.fitted = true
	return n, nil
}
