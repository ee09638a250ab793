package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/internal/sampling"
	"github.com/inferloop/gridsynth/internal/storage"
	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
	"github.com/inferloop/gridsynth/pkg/models"
)

// openCheckpoints connects the configured checkpoint store. The returned
// close function is never nil.
func openCheckpoints(ctx context.Context) (*checkpoint.Manager, func(), error) {
	store, err := storage.NewFactory(logger).CreateCheckpointStore(cfg.Storage.Checkpoints)
	if err != nil {
		return nil, func() {}, err
	}
	if store == nil {
		return nil, func() {}, nil
	}
	if err := store.Connect(ctx); err != nil {
		return nil, func() {}, err
	}
	return checkpoint.NewManager(store, logger), closer(store), nil
}

func closer(s interfaces.Storage) func() {
	return func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}
}

// loadArtifact reads the checkpoint with id, or the latest one.
func loadArtifact(ctx context.Context, id string) (*checkpoint.Artifact, func(), error) {
	manager, done, err := openCheckpoints(ctx)
	if err != nil {
		return nil, done, err
	}
	if manager == nil {
		return nil, done, errors.ErrStoreNotEnabled
	}
	var a *checkpoint.Artifact
	if id == "" {
		a, err = manager.Latest(ctx)
	} else {
		a, err = manager.Load(ctx, id)
	}
	return a, done, err
}

// loadTable reads the raw training table from the configured source.
func loadTable(ctx context.Context) (*models.Table, error) {
	src, err := storage.NewTableSource(cfg.Dataset.Source, logger)
	if err != nil {
		return nil, err
	}
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	defer closer(src)()
	return src.LoadTable(ctx)
}

// loadDataset builds a dataset, reusing the encoder and normalizer of a
// when it is non-nil.
func loadDataset(ctx context.Context, a *checkpoint.Artifact) (*dataset.Dataset, error) {
	table, err := loadTable(ctx)
	if err != nil {
		return nil, err
	}
	opts := dataset.OptionsFromConfig(cfg.Dataset, cfg.Seed)
	if a == nil {
		return dataset.New(table, opts, logger)
	}
	enc, err := dataset.RestoreEncoder(a.Encoder)
	if err != nil {
		return nil, err
	}
	norm, err := dataset.RestoreNormalizer(a.Normalizer, enc, logger)
	if err != nil {
		return nil, err
	}
	return dataset.NewFitted(table, opts, enc, norm, logger)
}

func newMetrics() (*metrics.PrometheusMetrics, error) {
	return metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
}

func generatorFrom(a *checkpoint.Artifact, m *metrics.PrometheusMetrics) (*sampling.DataGenerator, error) {
	return sampling.FromCheckpoint(a, nil, m, logger)
}

// parseAssignment reads "name=value,name=value". Values of continuous
// variables are parsed as numbers; unknown names are rejected.
func parseAssignment(s string, catalog models.Catalog) (models.ContextAssignment, error) {
	out := make(models.ContextAssignment)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return nil, errors.NewValidationError(errors.CodeInvalidFormat,
				fmt.Sprintf("context entry %q is not name=value", part))
		}
		name, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		idx := catalog.Index(name)
		if idx < 0 {
			return nil, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("unknown context variable %q", name))
		}
		if catalog[idx].IsCategorical() {
			out[name] = value
			continue
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidFormat,
				fmt.Sprintf("context variable %q needs a number", name))
		}
		out[name] = f
	}
	return out, nil
}
