package interfaces

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/gridsynth/internal/nn"
	"github.com/inferloop/gridsynth/pkg/models"
)

// BackboneKind names a generative backbone.
type BackboneKind string

const (
	BackboneDiffusionTS BackboneKind = "diffusion_ts"
	BackboneDiffCharge  BackboneKind = "diffcharge"
	BackboneACGAN       BackboneKind = "acgan"
)

// BackboneShape fixes the data geometry a backbone is built for.
type BackboneShape struct {
	SeqLen   int
	Channels int
	// Scaled is true when the dataset maps values into [0,1].
	Scaled bool
	Seed   int64
}

// Width is the flattened sequence width seq_len*channels.
func (s BackboneShape) Width() int { return s.SeqLen * s.Channels }

// TrainBatch is one optimization step's worth of data.
type TrainBatch struct {
	// Sequences holds one flattened, normalized sequence per row.
	Sequences *mat.Dense
	Contexts  []models.EncodedContext
	Rng       *rand.Rand
}

// TrainProgress tells a backbone where training stands.
type TrainProgress struct {
	Epoch        int // 1-based
	Step         int
	Epochs       int
	WarmUpEpochs int
}

// WarmingUp reports whether the current epoch is inside the warm-up window.
func (p TrainProgress) WarmingUp() bool { return p.Epoch <= p.WarmUpEpochs }

// Losses maps loss names to their value for one step. "loss" is the
// objective tracked for convergence.
type Losses map[string]float64

// Total returns the tracked objective.
func (l Losses) Total() float64 { return l["loss"] }

// BackboneState is the serializable form of a backbone.
type BackboneState struct {
	Kind       BackboneKind             `json:"kind"`
	Params     map[string]nn.ParamState `json:"params"`
	Optimizers map[string]nn.AdamState  `json:"optimizers"`
	EMAStep    int                      `json:"ema_step,omitempty"`
}

// Backbone is a conditional sequence generator trained jointly with the
// context module.
type Backbone interface {
	// Kind returns the backbone kind
	Kind() BackboneKind

	// TrainStep runs one optimization step and returns the step losses.
	// A non-finite loss is reported as a training-diverged error.
	TrainStep(ctx context.Context, batch TrainBatch, progress TrainProgress) (Losses, error)

	// Sample draws one flattened normalized sequence per conditioning row.
	// It does not mutate the backbone.
	Sample(ctx context.Context, cond *mat.Dense, rng *rand.Rand) (*mat.Dense, error)

	// ParamSets groups the parameters by role
	ParamSets() map[string][]*nn.Param

	// Optimizers returns the optimizers by role
	Optimizers() map[string]*nn.AdamOptimizer

	// SetLearningRateScale multiplies every base learning rate by scale
	SetLearningRateScale(scale float64)

	// State exports parameters, optimizer moments and counters
	State() BackboneState

	// Restore loads a state with identical shapes
	Restore(st BackboneState) error
}
