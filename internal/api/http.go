package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcoeg/etrap/internal/service"
)

// Handler serves the ops surface: health snapshot and prometheus
// exposition.
type Handler struct {
	pipeline *service.Pipeline
	registry *prometheus.Registry
	logger   *slog.Logger
}

func NewHandler(pipeline *service.Pipeline, registry *prometheus.Registry, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, registry: registry, logger: logger}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Health())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
