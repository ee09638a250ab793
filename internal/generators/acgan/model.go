// Package acgan implements the auxiliary-classifier GAN backbone.
package acgan

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
	"github.com/inferloop/gridsynth/pkg/models"
)

// Model pairs an MLP generator over [noise | z] with a discriminator that
// scores validity and classifies each categorical context variable.
type Model struct {
	cfg     config.ModelConfig
	shape   interfaces.BackboneShape
	cond    *conditioning.Module
	catalog models.Catalog
	cards   []int
	logger  *logrus.Logger

	generator *nn.MLP
	disc      *discriminator
	optG      *nn.AdamOptimizer
	optD      *nn.AdamOptimizer

	realLabel float64
	fakeLabel float64
}

// New builds the GAN for a shape and a context module.
func New(cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (*Model, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cond == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "acgan backbone needs a context module")
	}
	if shape.Width() <= 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "sequence length and channels must be positive")
	}
	if cond.EmbeddingDim() != cfg.CondEmbDim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("context module embeds %d, cond_emb_dim is %d", cond.EmbeddingDim(), cfg.CondEmbDim))
	}
	if cfg.NoiseDim <= 0 || cfg.HiddenDim <= 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "noise and hidden dimensions must be positive")
	}

	outAct := nn.Identity
	if shape.Scaled {
		outAct = nn.Sigmoid
	}
	if cfg.OutputActivation != "" {
		a, err := nn.ParseActivation(cfg.OutputActivation)
		if err != nil {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, err.Error())
		}
		outAct = a
	}

	catalog := cond.Catalog()
	var names []string
	var cards []int
	for _, v := range catalog.Categorical() {
		names = append(names, v.Name)
		cards = append(cards, v.Cardinality)
	}

	realLabel := cfg.RealLabel
	if realLabel <= 0 || realLabel > 1 {
		realLabel = constants.DefaultRealLabel
	}

	rng := rand.New(rand.NewSource(shape.Seed))
	width := shape.Width()
	gen := nn.NewMLP("gen", []int{cfg.NoiseDim + cfg.CondEmbDim, cfg.HiddenDim, cfg.HiddenDim, width}, nn.LeakyReLU, outAct, rng)
	m := &Model{
		cfg:       cfg,
		shape:     shape,
		cond:      cond,
		catalog:   catalog,
		cards:     cards,
		logger:    logger,
		generator: gen,
		disc:      newDiscriminator(width, cfg.HiddenDim, names, cards, rng),
		optG:      nn.NewAdamOptimizer(cfg.LRGen, nn.WithBetas(0.5, 0.999)),
		optD:      nn.NewAdamOptimizer(cfg.LRDiscr, nn.WithBetas(0.5, 0.999)),
		realLabel: realLabel,
		fakeLabel: constants.DefaultFakeLabel,
	}

	logger.WithFields(logrus.Fields{
		"width":      width,
		"noise_dim":  cfg.NoiseDim,
		"aux_heads":  len(cards),
		"output":     outAct,
		"real_label": realLabel,
	}).Debug("Built ACGAN backbone")

	return m, nil
}

// Kind returns acgan.
func (m *Model) Kind() interfaces.BackboneKind { return interfaces.BackboneACGAN }

// auxWeight ramps the auxiliary loss weight from 0 to 1 across the warm-up.
func (m *Model) auxWeight(p interfaces.TrainProgress) float64 {
	if !m.cfg.IncludeAuxiliaryLosses {
		return 0
	}
	if p.WarmUpEpochs <= 0 {
		return 1
	}
	return math.Min(1, math.Max(0, float64(p.Epoch-1)/float64(p.WarmUpEpochs)))
}

// labels extracts per-variable class labels, -1 where unspecified.
func labels(contexts []models.EncodedContext, k int) []int {
	out := make([]int, len(contexts))
	for i, c := range contexts {
		out[i] = c.Indices[k]
	}
	return out
}

// auxLoss sums cross-entropy over the auxiliary heads.
func (m *Model) auxLoss(out *discOutput, contexts []models.EncodedContext, scale float64) (float64, []*mat.Dense) {
	var total float64
	grads := make([]*mat.Dense, len(out.aux))
	for k, logits := range out.aux {
		l, g := nn.SoftmaxCrossEntropy(logits, labels(contexts, k))
		total += l
		g.Scale(scale, g)
		grads[k] = g
	}
	return total, grads
}

// randomContexts draws categorical values uniformly from the catalog and
// resamples continuous values from the batch.
func (m *Model) randomContexts(batch []models.EncodedContext, rng *rand.Rand) []models.EncodedContext {
	out := make([]models.EncodedContext, len(batch))
	for i := range out {
		src := batch[rng.Intn(len(batch))]
		c := models.EncodedContext{
			Indices: make([]int, len(m.cards)),
			Values:  append([]float64(nil), src.Values...),
			Present: make([]bool, len(m.catalog)),
		}
		cat := 0
		for j, v := range m.catalog {
			if v.IsCategorical() {
				c.Indices[cat] = rng.Intn(m.cards[cat])
				c.Present[j] = true
				cat++
				continue
			}
			c.Present[j] = src.Present[j]
		}
		out[i] = c
	}
	return out
}

func diverged(progress interfaces.TrainProgress, name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.NewTrainingDivergedError(progress.Epoch, progress.Step, name, v)
	}
	return nil
}

// TrainStep runs one discriminator update followed by one generator update.
func (m *Model) TrainStep(ctx context.Context, batch interfaces.TrainBatch, progress interfaces.TrainProgress) (interfaces.Losses, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqs := batch.Sequences
	b, w := seqs.Dims()
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
	auxW := m.auxWeight(progress)
	losses := interfaces.Losses{"aux_weight": auxW}

	// Discriminator: real batch against fakes generated from the batch contexts.
	z, err := m.cond.Encode(batch.Contexts)
	if err != nil {
		return nil, err
	}
	fake := m.generator.Forward(nn.HStack(nn.RandN(b, m.cfg.NoiseDim, rng), z))

	outR := m.disc.forward(seqs)
	advR, gvR := nn.BCEWithLogits(outR.validity, m.realLabel)
	auxR, gaR := m.auxLoss(outR, batch.Contexts, 0.5*auxW)
	outF := m.disc.forward(fake)
	advF, gvF := nn.BCEWithLogits(outF.validity, m.fakeLabel)
	auxF, gaF := m.auxLoss(outF, batch.Contexts, 0.5*auxW)

	dLoss := 0.5*(advR+advF) + 0.5*auxW*(auxR+auxF)
	losses["d_loss"] = dLoss
	losses["d_aux"] = auxR + auxF
	if err := diverged(progress, "d_loss", dLoss); err != nil {
		return losses, err
	}
	gvR.Scale(0.5, gvR)
	gvF.Scale(0.5, gvF)
	m.disc.backward(outR, gvR, gaR)
	m.disc.backward(outF, gvF, gaF)
	dParams := m.disc.params()
	if m.cfg.GradClip > 0 {
		nn.ClipGradNorm(dParams, m.cfg.GradClip)
	}
	m.optD.Step(dParams)

	// Generator: random contexts, gradient through the context module.
	genCtx := m.randomContexts(batch.Contexts, rng)
	var condRng *rand.Rand
	if m.cfg.StochasticConditioning {
		condRng = rng
	}
	cout, cache, err := m.cond.Forward(genCtx, condRng)
	if err != nil {
		return losses, err
	}
	gen, gc := m.generator.ForwardTrain(nn.HStack(nn.RandN(b, m.cfg.NoiseDim, rng), cout.Z))
	outG := m.disc.forward(gen)
	adv, gv := nn.BCEWithLogits(outG.validity, m.realLabel)
	aux, ga := m.auxLoss(outG, genCtx, auxW)

	gLoss := adv + auxW*aux
	klWeight := 0.0
	if progress.WarmingUp() && !m.cond.Frozen() {
		kl := conditioning.KL(cout)
		losses["kl"] = kl
		klWeight = m.cfg.KLWeight
		gLoss += klWeight * kl
	}
	losses["g_loss"] = gLoss
	losses["g_aux"] = aux
	losses["loss"] = gLoss
	if err := diverged(progress, "g_loss", gLoss); err != nil {
		return losses, err
	}

	dGen := m.disc.backward(outG, gv, ga)
	nn.ZeroGrads(dParams)
	dIn := m.generator.Backward(gc, dGen)
	m.cond.Backward(cache, nn.Columns(dIn, m.cfg.NoiseDim, m.cfg.NoiseDim+m.cfg.CondEmbDim), klWeight)
	gParams := append(m.generator.Params(), m.cond.Params()...)
	if m.cfg.GradClip > 0 {
		nn.ClipGradNorm(gParams, m.cfg.GradClip)
	}
	m.optG.Step(gParams)
	return losses, nil
}

// Sample maps fresh noise and the given conditioning through the generator.
func (m *Model) Sample(ctx context.Context, cond *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, c := cond.Dims()
	if c != m.cfg.CondEmbDim {
		return nil, errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("conditioning width %d, backbone expects %d", c, m.cfg.CondEmbDim))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(m.shape.Seed))
	}
	return m.generator.Forward(nn.HStack(nn.RandN(b, m.cfg.NoiseDim, rng), cond)), nil
}

// Classify returns the discriminator's most likely category per auxiliary
// head, in catalog order of the categorical variables.
func (m *Model) Classify(x *mat.Dense) [][]int {
	out := m.disc.forward(x)
	classes := make([][]int, len(out.aux))
	for k, logits := range out.aux {
		classes[k] = nn.Argmax(logits)
	}
	return classes
}

// ParamSets returns generator and discriminator parameters.
func (m *Model) ParamSets() map[string][]*nn.Param {
	return map[string][]*nn.Param{
		"generator":     m.generator.Params(),
		"discriminator": m.disc.params(),
	}
}

// Optimizers returns both optimizers.
func (m *Model) Optimizers() map[string]*nn.AdamOptimizer {
	return map[string]*nn.AdamOptimizer{"generator": m.optG, "discriminator": m.optD}
}

// SetLearningRateScale applies a schedule multiplier to both optimizers.
func (m *Model) SetLearningRateScale(scale float64) {
	m.optG.SetScale(scale)
	m.optD.SetScale(scale)
}

// State exports both networks and both optimizers.
func (m *Model) State() interfaces.BackboneState {
	return interfaces.BackboneState{
		Kind: interfaces.BackboneACGAN,
		Params: map[string]nn.ParamState{
			"generator":     nn.ExportParams(m.generator.Params()),
			"discriminator": nn.ExportParams(m.disc.params()),
		},
		Optimizers: map[string]nn.AdamState{
			"generator":     m.optG.State(),
			"discriminator": m.optD.State(),
		},
	}
}

// Restore loads a state. Nothing changes unless every shape matches.
func (m *Model) Restore(st interfaces.BackboneState) error {
	if st.Kind != interfaces.BackboneACGAN {
		return errors.NewConfigMismatchError(errors.CodeUnsupportedType,
			fmt.Sprintf("checkpoint holds a %s backbone, configured acgan", st.Kind))
	}
	gen, disc := m.generator.Clone(), m.disc.clone()
	if err := nn.ImportParams(gen.Params(), st.Params["generator"]); err != nil {
		return err
	}
	if err := nn.ImportParams(disc.params(), st.Params["discriminator"]); err != nil {
		return err
	}
	if opt, ok := st.Optimizers["generator"]; ok {
		if err := m.optG.Restore(opt); err != nil {
			return err
		}
	}
	if opt, ok := st.Optimizers["discriminator"]; ok {
		if err := m.optD.Restore(opt); err != nil {
			return err
		}
	}
	nn.CopyValues(m.generator.Params(), gen.Params())
	nn.CopyValues(m.disc.params(), disc.params())
	return nil
}
