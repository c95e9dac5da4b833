package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/api/respond"
	"github.com/autoeda/chart-engine/internal/engine"
)

// NewRouter builds the full route table over the engine facade.
func NewRouter(e *engine.Engine, log zerolog.Logger) *mux.Router {
	h := NewChartsHandler(e, log)

	r := mux.NewRouter()
	r.HandleFunc("/api/health", health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/charts").Subrouter()
	api.HandleFunc("/generate", h.Generate).Methods(http.MethodPost)
	api.HandleFunc("/generate/batch", h.GenerateBatch).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobId}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/batches/{batchId}", h.GetBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/{batchId}/cancel", h.CancelBatch).Methods(http.MethodPost)
	api.HandleFunc("/saved", h.ListSavedCharts).Methods(http.MethodGet)
	api.HandleFunc("/saved", h.SaveChart).Methods(http.MethodPost)
	api.HandleFunc("/saved/{chartId}", h.DeleteSavedChart).Methods(http.MethodDelete)

	r.HandleFunc("/api/metrics/slo", h.SLO).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
