package api

import (
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/api/handlers"
	"github.com/inferloop/gridsynth/internal/observability/health"
	"github.com/inferloop/gridsynth/pkg/constants"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	Generation *handlers.GenerationHandler
	Health     *handlers.HealthHandler
	Monitor    *health.HealthMonitor
}

// HandlerConfig contains configuration for handlers
type HandlerConfig struct {
	Generator handlers.Generator
	Sink      interfaces.SampleSink
	Index     interfaces.EmbeddingIndex
	MaxCount  int
	Logger    *logrus.Logger
}

// NewHandlers builds the handlers and registers a health check for the
// generator and each configured backend. Only the generator is critical.
func NewHandlers(config *HandlerConfig) *Handlers {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	gen := handlers.NewGenerationHandler(handlers.GenerationConfig{
		Generator: config.Generator,
		Sink:      config.Sink,
		Index:     config.Index,
		MaxCount:  config.MaxCount,
		Logger:    config.Logger,
	})

	monitor := health.NewHealthMonitor(constants.AppVersion, 0, config.Logger)
	monitor.Register(health.NewBasicHealthCheck("generator", true, gen.Ready))
	if config.Sink != nil {
		monitor.Register(health.NewPingCheck("sample_sink", false, config.Sink))
	}
	if config.Index != nil {
		monitor.Register(health.NewPingCheck("embedding_index", false, config.Index))
	}

	return &Handlers{
		Generation: gen,
		Health:     handlers.NewHealthHandler(monitor),
		Monitor:    monitor,
	}
}
