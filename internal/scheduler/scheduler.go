// Package scheduler runs chart jobs on a fixed worker pool with round-robin
// fairness across batches and a per-batch concurrency gate.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/jobstore"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/redact"
	"github.com/autoeda/chart-engine/internal/sandbox"
)

// gateRetryWait bounds how long a worker parks when every slot of the picked
// batch is busy. The bounded wait absorbs lost wakeups.
const gateRetryWait = 50 * time.Millisecond

// ExecuteFunc produces the chart for one job. It must poll cancelled at its
// checkpoints and return a sandbox-tagged error on failure.
type ExecuteFunc func(jobID string, req model.ChartRequest, cancelled func() bool) (*model.ChartResult, error)

// Scheduler owns the queue, the worker pool and the fairness state. Job and
// batch records live in the jobstore; the scheduler holds only job ids.
type Scheduler struct {
	store   *jobstore.Store
	metrics *metrics.Store
	exec    ExecuteFunc
	workers int
	log     zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []string
	lastServed string
	closed     bool
	wg         sync.WaitGroup

	emittedMu sync.Mutex
	emitted   map[string]bool
}

func New(store *jobstore.Store, ms *metrics.Store, exec ExecuteFunc, workers int, log zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		store:   store,
		metrics: ms,
		exec:    exec,
		workers: workers,
		log:     log.With().Str("component", "scheduler").Logger(),
		emitted: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info().Int("workers", s.workers).Msg("scheduler started")
}

// Stop drains the pool. Queued jobs stay queued; running jobs finish their
// current run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Enqueue appends a job to the shared queue and wakes one worker.
func (s *Scheduler) Enqueue(jobID string) {
	s.mu.Lock()
	s.queue = append(s.queue, jobID)
	metrics.SetQueueDepth(len(s.queue))
	s.cond.Signal()
	s.mu.Unlock()
}

// EnqueueAll appends a batch worth of jobs and wakes every worker.
func (s *Scheduler) EnqueueAll(jobIDs []string) {
	s.mu.Lock()
	s.queue = append(s.queue, jobIDs...)
	metrics.SetQueueDepth(len(s.queue))
	s.cond.Broadcast()
	s.mu.Unlock()
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CancelBatch cancels the named members of a batch, or every member when ids
// is empty: queued jobs go terminal immediately and leave the queue, running
// jobs get their flag raised for the worker to observe. Returns the number of
// jobs cancelled while still queued; running cancellations surface on later
// polls.
func (s *Scheduler) CancelBatch(batchID string, ids []string) int {
	targets := s.store.BatchJobIDs(batchID)
	if len(ids) > 0 {
		members := make(map[string]bool, len(targets))
		for _, id := range targets {
			members[id] = true
		}
		targets = targets[:0]
		for _, id := range ids {
			if members[id] {
				targets = append(targets, id)
			}
		}
	}

	count := 0
	for _, id := range targets {
		wasQueued := s.store.State(id) == model.StateQueued
		if !s.store.Cancel(id) {
			continue
		}
		if wasQueued {
			count++
			s.store.PersistResult(id)
			s.emitJobFinished(id, 0)
		}
	}

	s.mu.Lock()
	kept := s.queue[:0]
	for _, id := range s.queue {
		if !s.store.State(id).Terminal() {
			kept = append(kept, id)
		}
	}
	s.queue = kept
	metrics.SetQueueDepth(len(s.queue))
	s.cond.Broadcast()
	s.mu.Unlock()

	s.maybeEmitBatchFinished(batchID)
	return count
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker", n).Logger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		idx := s.pickLocked()
		jobID := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		metrics.SetQueueDepth(len(s.queue))

		req, ok := s.store.Request(jobID)
		if !ok || s.store.State(jobID).Terminal() {
			s.mu.Unlock()
			continue
		}

		limit := s.store.BatchGateLimit(req.BatchID)
		if !s.store.TryEnterBatchGate(req.BatchID, limit) {
			// Every slot of this batch is busy. Put the job back at the
			// tail so other batches get served first, then park briefly.
			s.queue = append(s.queue, jobID)
			metrics.SetQueueDepth(len(s.queue))
			s.waitLocked(gateRetryWait)
			s.mu.Unlock()
			continue
		}
		s.lastServed = req.BatchID
		s.mu.Unlock()

		log.Debug().Str("job_id", jobID).Str("batch_id", req.BatchID).Msg("dispatching job")
		s.RunNow(jobID)
		s.store.LeaveBatchGate(req.BatchID)

		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		s.maybeEmitBatchFinished(req.BatchID)
	}
}

// pickLocked returns the index of the first queued job from a batch other
// than the one served last, falling back to the queue head.
func (s *Scheduler) pickLocked() int {
	for i, id := range s.queue {
		if req, ok := s.store.Request(id); ok && req.BatchID != s.lastServed {
			return i
		}
	}
	return 0
}

// waitLocked parks on the condition variable for at most d. Callers hold the
// scheduler mutex.
func (s *Scheduler) waitLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()
}

// RunNow executes one job to a terminal state, persists the result snapshot
// and emits the finish event. Used by workers and by the synchronous path.
func (s *Scheduler) RunNow(jobID string) {
	req, ok := s.store.Request(jobID)
	if !ok {
		return
	}
	if !s.store.MarkRunning(jobID) {
		return
	}
	start := time.Now()
	cancelled := func() bool { return s.store.IsCancelled(jobID) }

	result, err := s.exec(jobID, req, cancelled)
	if err != nil {
		kind := sandbox.Classify(err)
		msg, detail := "chart generation failed", ""
		var se *sandbox.Error
		if errors.As(err, &se) {
			if se.Detail != "" {
				msg = se.Detail
			}
			detail = se.Logs
		} else {
			msg = redact.Redact(err.Error())
		}
		s.store.Fail(jobID, kind, msg, detail)
	} else {
		s.store.SetStage(jobID, model.StageRendering)
		s.store.Complete(jobID, result)
	}

	s.store.PersistResult(jobID)
	s.emitJobFinished(jobID, time.Since(start))
	s.maybeEmitBatchFinished(req.BatchID)
}

func (s *Scheduler) emitJobFinished(jobID string, elapsed time.Duration) {
	st, err := s.store.GetJob(jobID)
	if err != nil {
		return
	}
	req, _ := s.store.Request(jobID)

	durMs := float64(elapsed) / float64(time.Millisecond)
	ev := model.Event{
		Name:       "ChartJobFinished",
		Timestamp:  time.Now(),
		DurationMs: &durMs,
		Status:     string(st.Status),
		Props: map[string]any{
			"job_id":     jobID,
			"dataset_id": req.DatasetID,
		},
	}
	if req.BatchID != "" {
		ev.Props["batch_id"] = req.BatchID
	}
	if st.ErrorCode != "" {
		ev.ErrorCode = string(st.ErrorCode)
	}
	s.metrics.Emit(ev)
	metrics.ObserveJobFinished(st.Status, st.ErrorCode, elapsed)
}

// maybeEmitBatchFinished emits ChartBatchFinished exactly once, when the last
// member of a batch goes terminal.
func (s *Scheduler) maybeEmitBatchFinished(batchID string) {
	if batchID == "" {
		return
	}
	st, err := s.store.GetBatch(batchID)
	if err != nil || st.Queued > 0 || st.Running > 0 {
		return
	}

	s.emittedMu.Lock()
	if s.emitted[batchID] {
		s.emittedMu.Unlock()
		return
	}
	s.emitted[batchID] = true
	s.emittedMu.Unlock()

	status := "succeeded"
	switch {
	case st.Failed > 0:
		status = "failed"
	case st.Cancelled == st.Total:
		status = "cancelled"
	}

	var durMs float64
	if submitted, ok := s.store.BatchSubmitted(batchID); ok {
		durMs = float64(time.Since(submitted)) / float64(time.Millisecond)
	}
	s.metrics.Emit(model.Event{
		Name:       "ChartBatchFinished",
		Timestamp:  time.Now(),
		DurationMs: &durMs,
		Status:     status,
		Props: map[string]any{
			"batch_id":  batchID,
			"total":     st.Total,
			"failed":    st.Failed,
			"cancelled": st.Cancelled,
		},
	})
	s.log.Info().Str("batch_id", batchID).Str("status", status).Int("total", st.Total).Msg("batch finished")
}
