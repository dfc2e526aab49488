package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *mux.Router, handler *Handler, gatherer prometheus.Gatherer) {
	router.HandleFunc("/api/v1/health", handler.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/control", handler.Control).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs", handler.ListJobs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs", handler.CreateJob).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs", handler.DeleteJobs).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/jobs/reload", handler.ReloadJobs).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/jobs/{id:[0-9]+}", handler.GetJob).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/jobs/{id:[0-9]+}", handler.UpdateJob).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/jobs/{id:[0-9]+}/logs", handler.JobLogs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/logs", handler.ListLogs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/handles", handler.Handles).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}
