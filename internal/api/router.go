package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorstate-gateway/internal/snapshot"
)

// SetupDataRouter serves producers and snapshot consumers.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/data", apiHandler.HandleDataIngest)
	r.Get(snapshot.DefaultPath, apiHandler.HandleLastState)
	r.Get("/healthcheck", apiHandler.HandleHealthcheck)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// SetupUIRouter serves dashboards: the push socket and the chart sessions.
func SetupUIRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", apiHandler.HandleWebSocket)
	r.Get("/healthcheck", apiHandler.HandleHealthcheck)

	r.Route("/charts", func(r chi.Router) {
		r.Get("/", apiHandler.HandleListCharts)
		r.Put("/{id}", apiHandler.HandlePutChart)
		r.Get("/{id}", apiHandler.HandleGetChart)
		r.Delete("/{id}", apiHandler.HandleDeleteChart)
		r.Post("/{id}/reload", apiHandler.HandleReloadChart)
	})

	return r
}
