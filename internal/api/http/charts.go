package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/api/respond"
	"github.com/autoeda/chart-engine/internal/engine"
	"github.com/autoeda/chart-engine/internal/model"
)

// ChartsHandler exposes the engine facade over HTTP. Handlers stay thin:
// decode, call the engine, write the snapshot.
type ChartsHandler struct {
	engine *engine.Engine
	log    zerolog.Logger
}

func NewChartsHandler(e *engine.Engine, log zerolog.Logger) *ChartsHandler {
	return &ChartsHandler{engine: e, log: log.With().Str("component", "api").Logger()}
}

// Generate handles POST /api/charts/generate.
func (h *ChartsHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req model.ChartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	status, err := h.engine.Generate(req)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	h.log.Debug().Str("job_id", status.JobID).Str("dataset_id", req.DatasetID).Msg("chart job submitted")
	respond.WriteJSON(w, http.StatusOK, status)
}

type batchRequest struct {
	Items       []model.ChartRequest `json:"items"`
	Parallelism int                  `json:"parallelism"`
}

// GenerateBatch handles POST /api/charts/generate/batch.
func (h *ChartsHandler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	status, err := h.engine.GenerateBatch(req.Items, req.Parallelism)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, status)
}

// GetJob handles GET /api/charts/jobs/{jobId}.
func (h *ChartsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetJob(mux.Vars(r)["jobId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, status)
}

// GetBatch handles GET /api/charts/batches/{batchId}.
func (h *ChartsHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetBatch(mux.Vars(r)["batchId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, status)
}

type cancelRequest struct {
	JobIDs []string `json:"job_ids"`
}

// CancelBatch handles POST /api/charts/batches/{batchId}/cancel. An empty or
// absent body cancels the whole batch.
func (h *ChartsHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	n, err := h.engine.CancelBatch(batchID, req.JobIDs)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "cancelled": n})
}

// SaveChart handles POST /api/charts/saved.
func (h *ChartsHandler) SaveChart(w http.ResponseWriter, r *http.Request) {
	var chart model.SavedChart
	if err := json.NewDecoder(r.Body).Decode(&chart); err != nil {
		respond.WriteBadRequest(w, "invalid request body")
		return
	}
	saved, err := h.engine.SaveChart(chart)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, saved)
}

// ListSavedCharts handles GET /api/charts/saved.
func (h *ChartsHandler) ListSavedCharts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respond.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	charts := h.engine.ListSavedCharts(r.URL.Query().Get("dataset_id"), limit)
	respond.WriteJSON(w, http.StatusOK, map[string]any{"charts": charts, "count": len(charts)})
}

// DeleteSavedChart handles DELETE /api/charts/saved/{chartId}.
func (h *ChartsHandler) DeleteSavedChart(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteSavedChart(mux.Vars(r)["chartId"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SLO handles GET /api/metrics/slo.
func (h *ChartsHandler) SLO(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, h.engine.SLOReport())
}
