package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/gridsynth/internal/api"
	"github.com/inferloop/gridsynth/internal/api/handlers"
	"github.com/inferloop/gridsynth/internal/server"
	"github.com/inferloop/gridsynth/internal/storage"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

type serveOptions struct {
	host       string
	port       int
	checkpoint string
	noCORS     bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a trained generator over HTTP",
		Long: `Start the generation API. The generator is loaded once from the checkpoint
store; /health reports unhealthy until one is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "listen host (default: server.host)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port (default: server.port)")
	cmd.Flags().StringVar(&opts.checkpoint, "checkpoint", "", "checkpoint id (default: server.checkpoint_id, then latest)")
	cmd.Flags().BoolVar(&opts.noCORS, "no-cors", false, "disable CORS headers")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *serveOptions) error {
	serverCfg := cfg.Server
	if cmd.Flags().Changed("host") {
		serverCfg.Host = opts.host
	}
	if cmd.Flags().Changed("port") {
		serverCfg.Port = opts.port
	}
	id := serverCfg.CheckpointID
	if opts.checkpoint != "" {
		id = opts.checkpoint
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}

	handlerCfg := &api.HandlerConfig{MaxCount: serverCfg.MaxCount, Logger: logger}

	a, done, err := loadArtifact(ctx, id)
	defer done()
	if err != nil {
		logger.WithError(err).Warn("No generator loaded; generation endpoints will return 503")
	} else {
		gen, err := generatorFrom(a, m)
		if err != nil {
			return err
		}
		handlerCfg.Generator = handlers.Generator(gen)
		logger.WithFields(logrus.Fields{
			"run_id":     gen.RunID(),
			"checkpoint": a.ID,
			"backbone":   gen.Kind(),
		}).Info("Generator loaded")
	}

	sink, err := influxSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		defer closer(sink)()
		handlerCfg.Sink = sink
	}

	index, err := storage.NewEmbeddingIndex(cfg.Storage, logger)
	if err != nil {
		return err
	}
	if index != nil {
		if err := index.Connect(ctx); err != nil {
			return err
		}
		defer closer(index)()
		handlerCfg.Index = index
	}

	mw := api.DefaultMiddlewareConfig()
	mw.EnableCORS = !opts.noCORS
	router := api.NewRouter(api.NewHandlers(handlerCfg), m, mw, logger)

	srv := server.NewServer(serverCfg, router.SetupRoutes(), logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// influxSink returns the connected InfluxDB sink, or nil when disabled.
// The API has no file output, so only the remote sink is persisted to.
func influxSink(ctx context.Context) (interfaces.SampleSink, error) {
	sinks, err := storage.NewSampleSinks("", nil, cfg.Storage, logger)
	if err != nil || len(sinks) == 0 {
		return nil, err
	}
	if err := sinks[0].Connect(ctx); err != nil {
		return nil, err
	}
	return sinks[0], nil
}
