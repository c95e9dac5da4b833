package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/model"
)

// Store owns every job and batch record plus the cancel flags and per-batch
// gate counters. All access goes through one mutex; callers never hold it
// across a sandbox run.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	batches   map[string]*model.Batch
	cancelled map[string]bool
	gate      map[string]int
	waits     map[string]*waitStats

	chartsDir string
	log       zerolog.Logger
}

type waitStats struct {
	started     int
	totalWaitMs float64
}

func NewStore(chartsDir string, log zerolog.Logger) *Store {
	return &Store{
		jobs:      make(map[string]*model.Job),
		batches:   make(map[string]*model.Batch),
		cancelled: make(map[string]bool),
		gate:      make(map[string]int),
		waits:     make(map[string]*waitStats),
		chartsDir: chartsDir,
		log:       log.With().Str("component", "jobstore").Logger(),
	}
}

// NewID returns a short hex identifier, 12 characters of a random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateJob registers a queued job for req and returns it.
func (s *Store) CreateJob(req model.ChartRequest) *model.Job {
	job := &model.Job{
		ID:          NewID(),
		BatchID:     req.BatchID,
		ChartID:     req.ChartID,
		Request:     req,
		State:       model.StateQueued,
		SubmittedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

// CreateBatch registers a batch over member jobs.
func (s *Store) CreateBatch(jobs []*model.Job, parallelism, effective int) *model.Batch {
	batch := &model.Batch{
		ID:                   NewID(),
		Parallelism:          parallelism,
		ParallelismEffective: effective,
		SubmittedAt:          time.Now(),
	}
	s.mu.Lock()
	for _, job := range jobs {
		job.BatchID = batch.ID
		job.Request.BatchID = batch.ID
		batch.Items = append(batch.Items, model.BatchItem{
			JobID:   job.ID,
			Status:  job.State,
			Stage:   job.Stage,
			ChartID: job.ChartID,
		})
	}
	s.batches[batch.ID] = batch
	s.waits[batch.ID] = &waitStats{}
	s.mu.Unlock()
	return batch
}

// GetJob returns the wire snapshot of a job.
func (s *Store) GetJob(id string) (model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.JobStatus{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job.Status(), nil
}

// GetBatch aggregates member job states into a batch snapshot. Results are
// attached only once every member is terminal.
func (s *Store) GetBatch(id string) (model.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return model.BatchStatus{}, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}

	status := model.BatchStatus{
		BatchID:              batch.ID,
		Total:                len(batch.Items),
		Parallelism:          batch.Parallelism,
		ParallelismEffective: batch.ParallelismEffective,
	}
	if w := s.waits[id]; w != nil && w.started > 0 {
		status.AvgWaitMs = w.totalWaitMs / float64(w.started)
	}

	allTerminal := true
	for _, item := range batch.Items {
		job := s.jobs[item.JobID]
		item.Status = job.State
		item.Stage = job.Stage
		status.Items = append(status.Items, item)
		switch job.State {
		case model.StateQueued:
			status.Queued++
		case model.StateRunning:
			status.Running++
		case model.StateSucceeded:
			status.Done++
		case model.StateFailed:
			status.Failed++
		case model.StateCancelled:
			status.Cancelled++
		}
		if !job.State.Terminal() {
			allTerminal = false
		}
	}
	status.Served = status.Done + status.Failed + status.Cancelled

	if allTerminal {
		// Map keys prefer the caller-supplied chart_id over the job id.
		status.ResultsMap = make(map[string]model.ChartResult)
		for _, item := range batch.Items {
			job := s.jobs[item.JobID]
			if job.State != model.StateSucceeded || job.Result == nil {
				continue
			}
			status.Results = append(status.Results, *job.Result)
			key := job.ChartID
			if key == "" {
				key = job.ID
			}
			status.ResultsMap[key] = *job.Result
		}
	}
	return status, nil
}

// MarkRunning transitions a queued job to running and credits its wait time
// to the batch. It returns false when the job is already terminal.
func (s *Store) MarkRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return false
	}
	job.State = model.StateRunning
	job.Stage = model.StageGenerating
	job.StartedAt = time.Now()
	if w := s.waits[job.BatchID]; w != nil {
		w.started++
		w.totalWaitMs += float64(job.StartedAt.Sub(job.SubmittedAt)) / float64(time.Millisecond)
	}
	return true
}

// SetStage updates the sub-phase of a running job.
func (s *Store) SetStage(id string, stage model.JobStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.State == model.StateRunning {
		job.Stage = stage
	}
}

// Complete marks a job succeeded, unless its cancel flag was raised while it
// ran, in which case the cancellation wins and the result is dropped.
func (s *Store) Complete(id string, result *model.ChartResult) model.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return s.stateLocked(id)
	}
	if s.cancelled[id] {
		job.State = model.StateCancelled
	} else {
		job.State = model.StateSucceeded
		job.Result = result
	}
	job.Stage = model.StageDone
	job.FinishedAt = time.Now()
	return job.State
}

// Fail marks a job failed with a taxonomy code, or cancelled when the code
// says so or the cancel flag is set.
func (s *Store) Fail(id string, kind model.ErrorKind, msg, detail string) model.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return s.stateLocked(id)
	}
	kind = model.NormalizeErrorKind(kind)
	if kind == model.ErrKindCancelled || s.cancelled[id] {
		job.State = model.StateCancelled
		kind = model.ErrKindCancelled
	} else {
		job.State = model.StateFailed
	}
	job.ErrorKind = kind
	job.Error = msg
	job.ErrorDetail = detail
	job.Stage = model.StageDone
	job.FinishedAt = time.Now()
	return job.State
}

func (s *Store) stateLocked(id string) model.JobState {
	if job, ok := s.jobs[id]; ok {
		return job.State
	}
	return ""
}

// Cancel raises the job's cancel flag. A still-queued job goes terminal
// immediately; a running one is left for its worker to observe the flag.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return false
	}
	s.cancelled[id] = true
	if job.State == model.StateQueued {
		job.State = model.StateCancelled
		job.ErrorKind = model.ErrKindCancelled
		job.Stage = model.StageDone
		job.FinishedAt = time.Now()
	}
	return true
}

// IsCancelled reports the job's cancel flag.
func (s *Store) IsCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id]
}

// Request returns the submit request of a job.
func (s *Store) Request(id string) (model.ChartRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.ChartRequest{}, false
	}
	return job.Request, true
}

// State returns the current lifecycle state of a job.
func (s *Store) State(id string) model.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(id)
}

// BatchSubmitted returns the submit time of a batch.
func (s *Store) BatchSubmitted(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return time.Time{}, false
	}
	return batch.SubmittedAt, true
}

// BatchJobIDs returns the member job ids of a batch.
func (s *Store) BatchJobIDs(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(batch.Items))
	for _, item := range batch.Items {
		ids = append(ids, item.JobID)
	}
	return ids
}

// TryEnterBatchGate claims one of the batch's concurrency slots. Jobs without
// a batch, and batches without a limit, always pass.
func (s *Store) TryEnterBatchGate(batchID string, limit int) bool {
	if batchID == "" || limit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate[batchID] >= limit {
		return false
	}
	s.gate[batchID]++
	return true
}

// LeaveBatchGate releases a slot claimed by TryEnterBatchGate.
func (s *Store) LeaveBatchGate(batchID string) {
	if batchID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate[batchID] > 0 {
		s.gate[batchID]--
	}
}

// BatchGateLimit returns the effective parallelism of a batch, 0 when the
// batch is unknown.
func (s *Store) BatchGateLimit(batchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch, ok := s.batches[batchID]; ok {
		return batch.ParallelismEffective
	}
	return 0
}

// PersistResult writes the job's terminal snapshot under the charts dir as
// charts/<job_id>/result.json. Failures are logged and swallowed; the
// in-memory record stays authoritative.
func (s *Store) PersistResult(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var doc []byte
	if ok {
		var err error
		doc, err = json.MarshalIndent(map[string]any{
			"job_id": job.ID,
			"status": job.State,
			"result": job.Result,
		}, "", "  ")
		if err != nil {
			ok = false
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	dir := filepath.Join(s.chartsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn().Err(err).Str("job_id", id).Msg("failed to create job artifact dir")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "result.json"), doc, 0o644); err != nil {
		s.log.Warn().Err(err).Str("job_id", id).Msg("failed to persist job result")
	}
}
