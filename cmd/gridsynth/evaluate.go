package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/inferloop/gridsynth/internal/evaluation"
)

type evaluateOptions struct {
	checkpoint string
	output     string
	format     string
	metrics    []string
	rare       bool
}

func newEvaluateCmd() *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint against the configured dataset",
		Example: `  gridsynth evaluate --output report.yaml
  gridsynth evaluate --metrics dtw,mmd --rare --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runEvaluate(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.checkpoint, "checkpoint", "", "checkpoint id (default: latest)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "report file; format from its extension")
	cmd.Flags().StringVar(&opts.format, "format", "yaml", "report format when printing (json, yaml)")
	cmd.Flags().StringSliceVar(&opts.metrics, "metrics", nil, "metrics to compute (default: evaluator.metrics)")
	cmd.Flags().BoolVar(&opts.rare, "rare", false, "also report rare and non-rare subsets")
	return cmd
}

func runEvaluate(ctx context.Context, cmd *cobra.Command, opts *evaluateOptions) error {
	a, done, err := loadArtifact(ctx, opts.checkpoint)
	defer done()
	if err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}
	gen, err := generatorFrom(a, m)
	if err != nil {
		return err
	}
	ds, err := loadDataset(ctx, a)
	if err != nil {
		return err
	}

	evalCfg := cfg.Evaluator
	if len(opts.metrics) > 0 {
		evalCfg.Metrics = opts.metrics
	}
	if opts.rare {
		evalCfg.DistinguishRare = true
	}
	seed := cfg.Seed
	report, err := evaluation.New(evalCfg, logger, m).Evaluate(ctx, ds, gen, evaluation.Options{
		RunID: a.RunID,
		Seed:  &seed,
	})
	if err != nil {
		return err
	}
	return emitReport(cmd, report, opts.output, opts.format)
}
