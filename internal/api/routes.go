package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/internal/api/handlers"
	"github.com/inferloop/gridsynth/internal/observability/metrics"
	"github.com/inferloop/gridsynth/pkg/constants"
)

type Router struct {
	generationHandler *handlers.GenerationHandler
	healthHandler     *handlers.HealthHandler
	metrics           *metrics.PrometheusMetrics
	middleware        *MiddlewareConfig
	logger            *logrus.Logger
}

func NewRouter(h *Handlers, m *metrics.PrometheusMetrics, mw *MiddlewareConfig, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	if mw == nil {
		mw = DefaultMiddlewareConfig()
	}
	return &Router{
		generationHandler: h.Generation,
		healthHandler:     h.Health,
		metrics:           m,
		middleware:        mw,
		logger:            logger,
	}
}

func (router *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r = ApplyMiddleware(r, router.middleware, router.logger, router.metrics)

	if router.metrics != nil {
		r.Handle("/metrics", router.metrics.Handler()).Methods("GET")
	}

	health := r.PathPrefix("/health").Subrouter()
	health.HandleFunc("", router.healthHandler.GetHealth).Methods("GET")
	health.HandleFunc("/live", router.healthHandler.GetLiveness).Methods("GET")
	health.HandleFunc("/ready", router.healthHandler.GetReadiness).Methods("GET")

	api := r.PathPrefix(constants.APIPrefix).Subrouter()
	api.HandleFunc("/generate", router.generationHandler.Generate).Methods("POST")
	api.HandleFunc("/catalog", router.generationHandler.Catalog).Methods("GET")
	api.HandleFunc("/contexts/nearest", router.generationHandler.Nearest).Methods("POST")

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"` + constants.AppName + `","version":"` + constants.AppVersion + `"}`))
	}).Methods("GET")

	// CORS preflight for all routes
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
