// Package generators maps backbone kinds to their constructors.
package generators

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/conditioning"
	"github.com/inferloop/gridsynth/internal/config"
	"github.com/inferloop/gridsynth/internal/generators/acgan"
	"github.com/inferloop/gridsynth/internal/generators/diffusion"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// CreateFunc builds a backbone for a data shape around a context module.
type CreateFunc func(cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (interfaces.Backbone, error)

// Factory creates backbones by kind
type Factory struct {
	creators map[interfaces.BackboneKind]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a factory with the built-in kinds registered
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[interfaces.BackboneKind]CreateFunc),
		logger:   logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateBackbone creates a new backbone instance
func (f *Factory) CreateBackbone(kind interfaces.BackboneKind, cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module) (interfaces.Backbone, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[kind]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewConfigurationError(errors.CodeUnsupportedType, fmt.Sprintf("backbone kind '%s' is not supported", kind))
	}

	backbone, err := createFunc(cfg, shape, cond, f.logger)
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"backbone": kind,
		"seq_len":  shape.SeqLen,
		"channels": shape.Channels,
	}).Info("Created backbone instance")

	return backbone, nil
}

// AvailableKinds returns all registered kinds, sorted
func (f *Factory) AvailableKinds() []interfaces.BackboneKind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]interfaces.BackboneKind, 0, len(f.creators))
	for kind := range f.creators {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// RegisterBackbone registers a new backbone kind
func (f *Factory) RegisterBackbone(kind interfaces.BackboneKind, createFunc CreateFunc) error {
	if kind == "" {
		return errors.NewValidationError(errors.CodeMissingField, "backbone kind cannot be empty")
	}

	if createFunc == nil {
		return errors.NewValidationError(errors.CodeMissingField, "backbone create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creators[kind] = createFunc

	f.logger.WithFields(logrus.Fields{
		"backbone": kind,
	}).Debug("Registered backbone kind")

	return nil
}

// IsSupported checks if a backbone kind is registered
func (f *Factory) IsSupported(kind interfaces.BackboneKind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[kind]
	return exists
}

// registerDefaults registers the built-in backbones
func (f *Factory) registerDefaults() {
	for _, kind := range []interfaces.BackboneKind{interfaces.BackboneDiffusionTS, interfaces.BackboneDiffCharge} {
		kind := kind
		f.RegisterBackbone(kind, func(cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (interfaces.Backbone, error) {
			m, err := diffusion.New(kind, cfg, shape, cond, logger)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
	}

	f.RegisterBackbone(interfaces.BackboneACGAN, func(cfg config.ModelConfig, shape interfaces.BackboneShape, cond *conditioning.Module, logger *logrus.Logger) (interfaces.Backbone, error) {
		m, err := acgan.New(cfg, shape, cond, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}
