package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/gridsynth/internal/checkpoint"
	"github.com/inferloop/gridsynth/internal/dataset"
	"github.com/inferloop/gridsynth/internal/evaluation"
	"github.com/inferloop/gridsynth/internal/storage"
	"github.com/inferloop/gridsynth/internal/trainer"
	"github.com/inferloop/gridsynth/pkg/models"
)

type trainOptions struct {
	resume   string
	evaluate bool
	index    bool
	report   string
	format   string
}

func newTrainCmd() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a backbone on the configured dataset",
		Long: `Load the training table, fit the context encoder and normalizer, and train
the configured backbone. Checkpoints go to storage.checkpoints.`,
		Example: `  gridsynth train --config configs/diffusion_ts.yaml
  gridsynth train --resume latest --evaluate --report report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runTrain(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.resume, "resume", "", "checkpoint id to resume from, or \"latest\"")
	cmd.Flags().BoolVar(&opts.evaluate, "evaluate", false, "evaluate the trained model")
	cmd.Flags().BoolVar(&opts.index, "index", false, "push context embeddings to the embedding index")
	cmd.Flags().StringVar(&opts.report, "report", "", "write the evaluation report to this file")
	cmd.Flags().StringVar(&opts.format, "format", "yaml", "report format when printing (json, yaml)")
	return cmd
}

func runTrain(ctx context.Context, cmd *cobra.Command, opts *trainOptions) error {
	manager, done, err := openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer done()

	var resumed *checkpoint.Artifact
	if opts.resume != "" {
		if manager == nil {
			return fmt.Errorf("--resume needs storage.checkpoints.backend")
		}
		if opts.resume == "latest" {
			resumed, err = manager.Latest(ctx)
		} else {
			resumed, err = manager.Load(ctx, opts.resume)
		}
		if err != nil {
			return err
		}
	}

	ds, err := loadDataset(ctx, resumed)
	if err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	trainerOpts := []trainer.Option{trainer.WithLogger(logger), trainer.WithMetrics(m)}
	if manager != nil {
		trainerOpts = append(trainerOpts, trainer.WithCheckpoints(manager))
	}
	t, err := trainer.New(cfg, trainerOpts...)
	if err != nil {
		return err
	}
	if err := t.Configure(ds); err != nil {
		return err
	}
	if resumed != nil {
		if err := t.ResumeFrom(resumed); err != nil {
			return err
		}
	}

	if err := t.Train(ctx); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_id":     t.RunID(),
		"epochs":     t.Epoch(),
		"checkpoint": t.LastCheckpointID(),
	}).Info("Training finished")

	if opts.index {
		if err := indexContexts(ctx, t, ds); err != nil {
			return err
		}
	}

	if !opts.evaluate {
		return nil
	}
	report, err := t.Evaluate(ctx, ds, evaluation.Options{RunID: t.RunID()})
	if err != nil {
		return err
	}
	return emitReport(cmd, report, opts.report, opts.format)
}

// indexContexts pushes the embedding of every distinct training context.
func indexContexts(ctx context.Context, t *trainer.Trainer, ds *dataset.Dataset) error {
	index, err := storage.NewEmbeddingIndex(cfg.Storage, logger)
	if err != nil {
		return err
	}
	if index == nil {
		logger.Warn("Embedding index disabled; skipping --index")
		return nil
	}
	if err := index.Connect(ctx); err != nil {
		return err
	}
	defer closer(index)()

	gen, err := t.GetDataGenerator()
	if err != nil {
		return err
	}
	assignments := make([]models.ContextAssignment, ds.Len())
	for i := range assignments {
		assignments[i] = ds.Assignment(i)
	}
	records, err := gen.EmbeddingRecords(assignments)
	if err != nil {
		return err
	}
	if err := index.IndexEmbeddings(ctx, records); err != nil {
		return err
	}
	logger.WithField("contexts", len(records)).Info("Indexed context embeddings")
	return nil
}

func emitReport(cmd *cobra.Command, report *models.Report, path, format string) error {
	if path != "" {
		if err := evaluation.WriteReport(report, path); err != nil {
			return err
		}
		logger.WithField("path", path).Info("Report written")
		return nil
	}
	out, err := evaluation.RenderReport(report, format)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
