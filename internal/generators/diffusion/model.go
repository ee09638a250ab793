package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

const (
	objectiveNoise = "pred_noise"
	objectiveX0    = "pred_x0"
)

// Model is a conditional DDPM over flattened sequences. The denoiser sees
// [x_t | z | time embedding] and predicts either the noise or x0.
type Model struct {
	kind   interfaces.BackboneKind
	cfg    config.ModelConfig
	shape  interfaces.BackboneShape
	cond   *conditioning.Module
	logger *logrus.Logger

	sched     *Schedule
	objective string
	lossKind  nn.LossKind
	ddim      bool
	clip      bool
	timeDim   int

	denoiser *nn.MLP
	shadow   *nn.MLP
	ema      *nn.EMA
	opt      *nn.AdamOptimizer
}

// New builds a diffusion backbone. The diffcharge kind is pinned to plain
// DDPM: noise prediction, L2 loss and ancestral sampling.
func New(kind interfaces.BackboneKind, cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (*Model, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cond == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "diffusion backbone needs a context module")
	}
	if shape.Width() <= 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "sequence length and channels must be positive")
	}
	if cond.EmbeddingDim() != cfg.CondEmbDim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("context module embeds %d, cond_emb_dim is %d", cond.EmbeddingDim(), cfg.CondEmbDim))
	}

	if kind == interfaces.BackboneDiffCharge {
		cfg.Objective = objectiveNoise
		cfg.LossType = string(nn.LossL2)
		cfg.SamplingTimesteps = cfg.NSteps
	}
	if cfg.SamplingTimesteps <= 0 || cfg.SamplingTimesteps > cfg.NSteps {
		cfg.SamplingTimesteps = cfg.NSteps
	}
	if cfg.Objective == "" {
		cfg.Objective = objectiveX0
	}
	if cfg.Objective != objectiveNoise && cfg.Objective != objectiveX0 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unknown objective %q", cfg.Objective))
	}
	if cfg.TimeEmbDim <= 0 {
		cfg.TimeEmbDim = constants.DefaultTimeEmbeddingDim
	}
	if cfg.NumLayers < 1 {
		cfg.NumLayers = 1
	}

	sched, err := NewSchedule(cfg.Schedule, cfg.NSteps, cfg.BetaStart, cfg.BetaEnd)
	if err != nil {
		return nil, err
	}

	lossKind := nn.LossKind(cfg.LossType)
	if lossKind != nn.LossL1 {
		lossKind = nn.LossL2
	}

	rng := rand.New(rand.NewSource(shape.Seed))
	width := shape.Width()
	sizes := []int{width + cfg.CondEmbDim + cfg.TimeEmbDim}
	for i := 0; i < cfg.NumLayers; i++ {
		sizes = append(sizes, cfg.HiddenDim)
	}
	sizes = append(sizes, width)
	denoiser := nn.NewMLP("denoiser", sizes, nn.SiLU, nn.Identity, rng)
	shadow := denoiser.Clone()

	m := &Model{
		kind:      kind,
		cfg:       cfg,
		shape:     shape,
		cond:      cond,
		logger:    logger,
		sched:     sched,
		objective: cfg.Objective,
		lossKind:  lossKind,
		ddim:      cfg.SamplingTimesteps < cfg.NSteps,
		clip:      cfg.ClipDenoised && shape.Scaled,
		timeDim:   cfg.TimeEmbDim,
		denoiser:  denoiser,
		shadow:    shadow,
		ema:       nn.NewEMA(denoiser.Params(), shadow.Params(), cfg.EMADecay, cfg.EMAUpdateInterval),
		opt:       nn.NewAdamOptimizer(cfg.InitLR),
	}
	if cfg.ClipDenoised && !shape.Scaled {
		logger.Warn("clip_denoised ignored: sequences are not scaled to a bounded range")
	}

	logger.WithFields(logrus.Fields{
		"kind":      kind,
		"steps":     cfg.NSteps,
		"schedule":  cfg.Schedule,
		"objective": m.objective,
		"loss":      m.lossKind,
		"ddim":      m.ddim,
		"width":     width,
	}).Debug("Built diffusion backbone")

	return m, nil
}

// Kind returns the registered kind.
func (m *Model) Kind() interfaces.BackboneKind { return m.kind }

// Schedule exposes the noise schedule.
func (m *Model) Schedule() *Schedule { return m.sched }

// Objective is pred_noise or pred_x0.
func (m *Model) Objective() string { return m.objective }

// UsesDDIM reports whether sampling is strided.
func (m *Model) UsesDDIM() bool { return m.ddim }

func (m *Model) trainable() []*nn.Param {
	return append(m.denoiser.Params(), m.cond.Params()...)
}

// TrainStep runs one denoising step on a batch.
func (m *Model) TrainStep(ctx context.Context, batch interfaces.TrainBatch, progress interfaces.TrainProgress) (interfaces.Losses, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x0 := batch.Sequences
	b, w := x0.Dims()
	if w != m.shape.Width() {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("batch width %d, backbone expects %d", w, m.shape.Width()))
	}
	if b != len(batch.Contexts) {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("%d sequences but %d contexts", b, len(batch.Contexts)))
	}
	rng := batch.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(m.shape.Seed + int64(progress.Step)))
	}

	var condRng *rand.Rand
	if m.cfg.StochasticConditioning {
		condRng = rng
	}
	out, cache, err := m.cond.Forward(batch.Contexts, condRng)
	if err != nil {
		return nil, err
	}

	ts := make([]int, b)
	for i := range ts {
		ts[i] = rng.Intn(m.sched.Len())
	}
	noise := nn.RandN(b, w, rng)
	xt := m.qSample(x0, ts, noise)
	pred, fc := m.denoiser.ForwardTrain(nn.HStack(xt, out.Z, timeEmbedding(ts, m.timeDim)))

	target := noise
	if m.objective == objectiveX0 {
		target = x0
	}
	warm := progress.WarmingUp()
	recon, grad := nn.RowWeightedLoss(m.lossKind, pred, target, m.rareWeights(out.Mu, warm))

	losses := interfaces.Losses{"recon": recon}
	total := recon
	klWeight := 0.0
	if warm && !m.cond.Frozen() {
		kl := conditioning.KL(out)
		losses["kl"] = kl
		klWeight = m.cfg.KLWeight
		total += klWeight * kl
	}
	losses["loss"] = total
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return losses, errors.NewTrainingDivergedError(progress.Epoch, progress.Step, "loss", total)
	}

	dIn := m.denoiser.Backward(fc, grad)
	m.cond.Backward(cache, nn.Columns(dIn, w, w+m.cond.EmbeddingDim()), klWeight)
	params := m.trainable()
	if m.cfg.GradClip > 0 {
		nn.ClipGradNorm(params, m.cfg.GradClip)
	}
	m.opt.Step(params)
	m.ema.Update()
	return losses, nil
}

// rareWeights reweights rare and common rows once the warm-up is over and
// running statistics exist.
func (m *Model) rareWeights(mu *mat.Dense, warm bool) []float64 {
	stats := m.cond.Stats()
	if warm || !m.cfg.RareLossWeighting || !stats.Initialized() {
		return nil
	}
	rare, err := stats.IsRare(mu, constants.DefaultRarityPercentile)
	if err != nil {
		m.logger.WithError(err).Debug("Skipping rare weighting")
		return nil
	}
	return conditioning.RareWeights(rare, m.cfg.SparseConditioningLossWeight)
}

// qSample draws x_t = sqrt(ab_t)*x0 + sqrt(1-ab_t)*noise row by row.
func (m *Model) qSample(x0 *mat.Dense, ts []int, noise *mat.Dense) *mat.Dense {
	r, c := x0.Dims()
	xt := mat.NewDense(r, c, nil)
	for i, t := range ts {
		ab := m.sched.AlphaBars[t]
		a, s := math.Sqrt(ab), math.Sqrt(1-ab)
		dst, x, n := xt.RawRowView(i), x0.RawRowView(i), noise.RawRowView(i)
		for j := range dst {
			dst[j] = a*x[j] + s*n[j]
		}
	}
	return xt
}

// timeEmbedding returns sinusoidal features [sin(t*f_k) | cos(t*f_k)] with
// f_k = 10000^(-k/half). An odd width leaves the last column zero.
func timeEmbedding(ts []int, dim int) *mat.Dense {
	out := mat.NewDense(len(ts), dim, nil)
	half := dim / 2
	if half == 0 {
		return out
	}
	for i, t := range ts {
		row := out.RawRowView(i)
		for k := 0; k < half; k++ {
			f := math.Exp(-math.Log(10000) * float64(k) / float64(half))
			row[k] = math.Sin(float64(t) * f)
			row[half+k] = math.Cos(float64(t) * f)
		}
	}
	return out
}

// ParamSets returns the live denoiser and its EMA shadow.
func (m *Model) ParamSets() map[string][]*nn.Param {
	return map[string][]*nn.Param{
		"denoiser": m.denoiser.Params(),
		"ema":      m.shadow.Params(),
	}
}

// Optimizers returns the single denoiser optimizer.
func (m *Model) Optimizers() map[string]*nn.AdamOptimizer {
	return map[string]*nn.AdamOptimizer{"denoiser": m.opt}
}

// SetLearningRateScale applies a schedule multiplier.
func (m *Model) SetLearningRateScale(scale float64) { m.opt.SetScale(scale) }

// State exports both parameter sets, the optimizer and the EMA counter.
func (m *Model) State() interfaces.BackboneState {
	return interfaces.BackboneState{
		Kind: m.kind,
		Params: map[string]nn.ParamState{
			"denoiser": nn.ExportParams(m.denoiser.Params()),
			"ema":      nn.ExportParams(m.shadow.Params()),
		},
		Optimizers: map[string]nn.AdamState{"denoiser": m.opt.State()},
		EMAStep:    m.ema.Step(),
	}
}

// Restore loads a state. Nothing changes unless every shape matches.
func (m *Model) Restore(st interfaces.BackboneState) error {
	if st.Kind != m.kind {
		return errors.NewConfigMismatchError(errors.CodeUnsupportedType,
			fmt.Sprintf("checkpoint holds a %s backbone, configured %s", st.Kind, m.kind))
	}
	live, shadow := m.denoiser.Clone(), m.shadow.Clone()
	if err := nn.ImportParams(live.Params(), st.Params["denoiser"]); err != nil {
		return err
	}
	if err := nn.ImportParams(shadow.Params(), st.Params["ema"]); err != nil {
		return err
	}
	if opt, ok := st.Optimizers["denoiser"]; ok {
		if err := m.opt.Restore(opt); err != nil {
			return err
		}
	}
	nn.CopyValues(m.denoiser.Params(), live.Params())
	nn.CopyValues(m.shadow.Params(), shadow.Params())
	m.ema.SetStep(st.EMAStep)
	return nil
}
