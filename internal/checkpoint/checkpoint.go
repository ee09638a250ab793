// Package checkpoint defines the training artifact: everything needed to
// resume training or to sample without the original dataset.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/generators"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Artifact is one saved training state.
type Artifact struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	Kind            interfaces.BackboneKind `json:"kind"`
	Model           config.ModelConfig      `json:"model"`
	Seed            int64                   `json:"seed"`
	SeqLen          int                     `json:"seq_len"`
	SequenceColumns []string                `json:"sequence_columns"`
	Scaled          bool                    `json:"scaled"`

	Epoch int `json:"epoch"`
	Step  int `json:"step"`

	Backbone   interfaces.BackboneState `json:"backbone"`
	Context    conditioning.ModuleState `json:"context"`
	Encoder    dataset.EncoderState     `json:"encoder"`
	Normalizer dataset.NormalizerState  `json:"normalizer"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Shape is the backbone geometry recorded in the artifact.
func (a *Artifact) Shape() interfaces.BackboneShape {
	return interfaces.BackboneShape{
		SeqLen:   a.SeqLen,
		Channels: len(a.SequenceColumns),
		Scaled:   a.Scaled,
		Seed:     a.Seed,
	}
}

// Validate checks version and internal dimension consistency.
func (a *Artifact) Validate() error {
	if a.Version != constants.CheckpointFormatVersion {
		return errors.NewConfigMismatchError(errors.CodeCheckpointVersion,
			fmt.Sprintf("checkpoint format %d, this build reads %d", a.Version, constants.CheckpointFormatVersion))
	}
	if a.SeqLen <= 0 || len(a.SequenceColumns) == 0 {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch, "checkpoint has no sequence geometry")
	}
	if a.Normalizer.Channels != len(a.SequenceColumns) {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("normalizer covers %d channels, checkpoint lists %d columns", a.Normalizer.Channels, len(a.SequenceColumns)))
	}
	if a.Context.EmbeddingDim != a.Model.CondEmbDim {
		return errors.NewConfigMismatchError(errors.CodeDimensionMismatch,
			fmt.Sprintf("context module embeds %d, cond_emb_dim is %d", a.Context.EmbeddingDim, a.Model.CondEmbDim))
	}
	if a.Backbone.Kind != a.Kind {
		return errors.NewConfigMismatchError(errors.CodeUnsupportedType,
			fmt.Sprintf("backbone state is %s, checkpoint kind is %s", a.Backbone.Kind, a.Kind))
	}
	return nil
}

// Encode serializes the artifact as gzip-compressed JSON.
func Encode(a *Artifact) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(a); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeWriteFailed, "failed to encode checkpoint")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeWriteFailed, "failed to compress checkpoint")
	}
	return buf.Bytes(), nil
}

// Decode parses and validates an encoded artifact.
func Decode(blob []byte) (*Artifact, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfigMismatch, errors.CodeInvalidFormat, "checkpoint is not gzip-compressed")
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfigMismatch, errors.CodeInvalidFormat, "failed to decompress checkpoint")
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfigMismatch, errors.CodeInvalidFormat, "failed to parse checkpoint")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Bundle holds the modules rebuilt from an artifact.
type Bundle struct {
	Artifact   *Artifact
	Encoder    *dataset.Encoder
	Normalizer *dataset.Normalizer
	Module     *conditioning.Module
	Backbone   interfaces.Backbone
}

// Rebuild reconstructs encoder, normalizer, context module and backbone.
func Rebuild(a *Artifact, factory *generators.Factory, logger *logrus.Logger) (*Bundle, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = generators.NewFactory(logger)
	}

	enc, err := dataset.RestoreEncoder(a.Encoder)
	if err != nil {
		return nil, err
	}
	norm, err := dataset.RestoreNormalizer(a.Normalizer, enc, logger)
	if err != nil {
		return nil, err
	}
	module, err := conditioning.New(enc.Catalog(), conditioning.Options{
		EmbeddingDim:     a.Context.EmbeddingDim,
		HiddenDim:        a.Context.HiddenDim,
		SparseLossWeight: a.Model.SparseConditioningLossWeight,
		Seed:             a.Seed,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := module.Restore(a.Context); err != nil {
		return nil, err
	}
	backbone, err := factory.CreateBackbone(a.Kind, a.Model, a.Shape(), module)
	if err != nil {
		return nil, err
	}
	if err := backbone.Restore(a.Backbone); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"checkpoint": a.ID,
		"run_id":     a.RunID,
		"kind":       a.Kind,
		"epoch":      a.Epoch,
	}).Info("Rebuilt modules from checkpoint")

	return &Bundle{
		Artifact:   a,
		Encoder:    enc,
		Normalizer: norm,
		Module:     module,
		Backbone:   backbone,
	}, nil
}
