// Package engine is the facade over the sandbox, scheduler and stores. All
// transports (HTTP, CLI) talk to the engine; nothing below it is exported to
// them.
package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/charts"
	"github.com/autoeda/chart-engine/internal/config"
	"github.com/autoeda/chart-engine/internal/jobstore"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/sandbox"
	"github.com/autoeda/chart-engine/internal/scheduler"
)

// Engine wires the chart pipeline together and exposes the operation surface.
type Engine struct {
	cfg     *config.Config
	store   *jobstore.Store
	metrics *metrics.Store
	saved   *charts.Store
	runner  *sandbox.Runner
	sched   *scheduler.Scheduler
	log     zerolog.Logger
}

func New(cfg *config.Config, ms *metrics.Store, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   jobstore.NewStore(cfg.ChartsDir(), log),
		metrics: ms,
		saved:   charts.NewStore(cfg.SavedChartsPath(), log),
		runner:  sandbox.NewRunner(cfg.SandboxTimeoutMs, log),
		log:     log.With().Str("component", "engine").Logger(),
	}
	e.sched = scheduler.New(e.store, ms, e.execute, cfg.ChartsParallelism, log)
	return e
}

// Start launches the worker pool when async mode is configured.
func (e *Engine) Start() {
	if e.cfg.ChartsAsync {
		e.sched.Start()
	}
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	if e.cfg.ChartsAsync {
		e.sched.Stop()
	}
}

// Generate submits one chart job. Synchronous mode runs it to a terminal
// state before returning; async mode returns the queued snapshot.
func (e *Engine) Generate(req model.ChartRequest) (model.JobStatus, error) {
	if err := validateRequest(req); err != nil {
		return model.JobStatus{}, err
	}
	job := e.store.CreateJob(req)
	if e.cfg.ChartsAsync {
		e.sched.Enqueue(job.ID)
	} else {
		e.sched.RunNow(job.ID)
	}
	return e.store.GetJob(job.ID)
}

// GenerateBatch submits a batch. The requested parallelism is clamped to
// [1, P] where P is the configured worker count.
func (e *Engine) GenerateBatch(reqs []model.ChartRequest, parallelism int) (model.BatchStatus, error) {
	if len(reqs) == 0 {
		return model.BatchStatus{}, fmt.Errorf("batch needs at least one request: %w", model.ErrValidation)
	}
	for i, req := range reqs {
		if err := validateRequest(req); err != nil {
			return model.BatchStatus{}, fmt.Errorf("request %d: %w", i, err)
		}
	}

	effective := parallelism
	if effective < 1 {
		effective = 1
	}
	if effective > e.cfg.ChartsParallelism {
		effective = e.cfg.ChartsParallelism
	}

	jobs := make([]*model.Job, 0, len(reqs))
	for _, req := range reqs {
		jobs = append(jobs, e.store.CreateJob(req))
	}
	batch := e.store.CreateBatch(jobs, parallelism, effective)

	if e.cfg.ChartsAsync {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		e.sched.EnqueueAll(ids)
	} else {
		for _, j := range jobs {
			e.sched.RunNow(j.ID)
		}
	}
	return e.store.GetBatch(batch.ID)
}

// GetJob returns the current snapshot of a job.
func (e *Engine) GetJob(id string) (model.JobStatus, error) {
	return e.store.GetJob(id)
}

// GetBatch returns the current snapshot of a batch.
func (e *Engine) GetBatch(id string) (model.BatchStatus, error) {
	return e.store.GetBatch(id)
}

// CancelBatch cancels the given member jobs, or the whole batch when ids is
// empty. Returns how many were cancelled while still queued.
func (e *Engine) CancelBatch(id string, ids []string) (int, error) {
	if _, err := e.store.GetBatch(id); err != nil {
		return 0, err
	}
	n := e.sched.CancelBatch(id, ids)
	e.log.Info().Str("batch_id", id).Int("cancelled", n).Msg("batch cancel requested")
	return n, nil
}

// SaveChart stores a chart artifact.
func (e *Engine) SaveChart(chart model.SavedChart) (model.SavedChart, error) {
	return e.saved.Save(chart)
}

// ListSavedCharts lists saved charts newest first, optionally filtered.
func (e *Engine) ListSavedCharts(datasetID string, limit int) []model.SavedChart {
	return e.saved.List(datasetID, limit)
}

// DeleteSavedChart removes a saved chart by id.
func (e *Engine) DeleteSavedChart(id string) error {
	return e.saved.Delete(id)
}

// Thresholds resolves the effective SLO thresholds: defaults overlaid with
// the configured per-event overrides.
func (e *Engine) Thresholds() metrics.Thresholds {
	return metrics.MergeThresholds(metrics.DefaultThresholds(), e.cfg.ThresholdOverrides())
}

// SLOReport evaluates the effective thresholds against the metrics store.
func (e *Engine) SLOReport() metrics.SLOReport {
	return e.metrics.Report(e.Thresholds())
}

func validateRequest(req model.ChartRequest) error {
	if req.DatasetID == "" {
		return fmt.Errorf("dataset_id is required: %w", model.ErrValidation)
	}
	return nil
}

// execute dispatches one job to the right sandbox path. It runs on a worker
// goroutine (or the caller in sync mode) and never holds store locks.
func (e *Engine) execute(jobID string, req model.ChartRequest, cancelled func() bool) (*model.ChartResult, error) {
	if req.Code != "" && e.cfg.SandboxUserCode {
		if note, skip := skipNote(req); skip {
			return skippedResult(req, note), nil
		}
		return e.runner.RunUserCode(cancelled, req, e.datasetPath(req))
	}

	kind := model.NormalizeChartKind(req.SpecHint)
	switch {
	case e.cfg.SandboxExecute:
		return e.runner.RunGeneratedChart(cancelled, req, e.datasetPath(req))
	case e.cfg.SandboxSubprocess:
		return e.runner.RunTemplateSubprocess(cancelled, kind, req.DatasetID)
	default:
		return e.runner.RunTemplate(cancelled, kind, req.DatasetID)
	}
}

// skipNote reports whether a user-code request should complete without
// running: blank code or a language the sandbox does not execute.
func skipNote(req model.ChartRequest) (string, bool) {
	if strings.TrimSpace(req.Code) == "" {
		return "user code was empty, nothing executed", true
	}
	if req.Language != "" && !strings.EqualFold(req.Language, "python") {
		return fmt.Sprintf("language %q is not executable, nothing executed", req.Language), true
	}
	return "", false
}

// skippedResult is the terminal success shape for skipped user code: empty
// outputs plus a note in the meta.
func skippedResult(req model.ChartRequest, note string) *model.ChartResult {
	lang := req.Language
	if lang == "" {
		lang = "python"
	}
	return &model.ChartResult{
		Language: lang,
		Library:  req.Library,
		Outputs:  []model.ChartOutput{},
		Meta: map[string]any{
			"dataset_id": req.DatasetID,
			"note":       note,
		},
	}
}

// datasetPath resolves the CSV for a request; empty when the dataset file is
// absent so the generated-chart path can fall back to sample values.
func (e *Engine) datasetPath(req model.ChartRequest) string {
	if req.DatasetID == "" {
		return ""
	}
	path := e.cfg.DatasetPath(req.DatasetID)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
