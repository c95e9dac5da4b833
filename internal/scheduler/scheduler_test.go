package scheduler

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda/chart-engine/internal/jobstore"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/platform/logger"
	"github.com/autoeda/chart-engine/internal/sandbox"
)

type harness struct {
	store   *jobstore.Store
	metrics *metrics.Store
	sched   *Scheduler
}

func newHarness(t *testing.T, workers int, exec ExecuteFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	store := jobstore.NewStore(filepath.Join(dir, "charts"), logger.Nop())
	ms := metrics.NewStore(filepath.Join(dir, "events.jsonl"), logger.Nop())
	return &harness{store: store, metrics: ms, sched: New(store, ms, exec, workers, logger.Nop())}
}

func okExec(string, model.ChartRequest, func() bool) (*model.ChartResult, error) {
	return &model.ChartResult{Language: "python", Library: "vega"}, nil
}

func (h *harness) newBatch(t *testing.T, n, parallelism int) (*model.Batch, []string) {
	t.Helper()
	var jobs []*model.Job
	for i := 0; i < n; i++ {
		jobs = append(jobs, h.store.CreateJob(model.ChartRequest{DatasetID: "ds_1"}))
	}
	batch := h.store.CreateBatch(jobs, parallelism, parallelism)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return batch, ids
}

func (h *harness) waitTerminal(t *testing.T, ids []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !h.store.State(id).Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunNowSucceedsAndEmits(t *testing.T) {
	h := newHarness(t, 1, okExec)
	job := h.store.CreateJob(model.ChartRequest{DatasetID: "ds_1"})
	h.sched.RunNow(job.ID)

	st, err := h.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, st.Status)
	require.NotNil(t, st.Result)

	snap := h.metrics.Snapshot()
	assert.Equal(t, 1, snap.Breakdown["ChartJobFinished"].Total)
}

func TestRunNowClassifiesFailure(t *testing.T) {
	h := newHarness(t, 1, func(string, model.ChartRequest, func() bool) (*model.ChartResult, error) {
		return nil, &sandbox.Error{Kind: model.ErrKindFormat, Detail: "bad output", Logs: "trace"}
	})
	job := h.store.CreateJob(model.ChartRequest{DatasetID: "ds_1"})
	h.sched.RunNow(job.ID)

	st, _ := h.store.GetJob(job.ID)
	assert.Equal(t, model.StateFailed, st.Status)
	assert.Equal(t, model.ErrKindFormat, st.ErrorCode)
	assert.Equal(t, "bad output", st.Error)
	assert.Equal(t, "trace", st.ErrorDetail)
}

func TestWorkersDrainQueue(t *testing.T) {
	h := newHarness(t, 2, okExec)
	h.sched.Start()
	defer h.sched.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		job := h.store.CreateJob(model.ChartRequest{DatasetID: "ds_1"})
		ids = append(ids, job.ID)
		h.sched.Enqueue(job.ID)
	}
	h.waitTerminal(t, ids)

	for _, id := range ids {
		assert.Equal(t, model.StateSucceeded, h.store.State(id))
	}
	assert.Equal(t, 0, h.sched.QueueDepth())
}

func TestBatchGateCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := func(string, model.ChartRequest, func() bool) (*model.ChartResult, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &model.ChartResult{Library: "vega"}, nil
	}
	h := newHarness(t, 3, exec)
	h.sched.Start()
	defer h.sched.Stop()

	_, ids := h.newBatch(t, 6, 1)
	h.sched.EnqueueAll(ids)
	h.waitTerminal(t, ids)

	assert.LessOrEqual(t, peak.Load(), int32(1))
}

func TestRoundRobinAcrossBatches(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := func(_ string, req model.ChartRequest, _ func() bool) (*model.ChartResult, error) {
		mu.Lock()
		order = append(order, req.BatchID)
		mu.Unlock()
		return &model.ChartResult{Library: "vega"}, nil
	}
	h := newHarness(t, 1, exec)

	batchA, idsA := h.newBatch(t, 2, 2)
	batchB, idsB := h.newBatch(t, 2, 2)
	h.sched.EnqueueAll(append(append([]string{}, idsA...), idsB...))

	h.sched.Start()
	defer h.sched.Stop()
	h.waitTerminal(t, append(append([]string{}, idsA...), idsB...))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, []string{batchA.ID, batchB.ID, batchA.ID, batchB.ID}, order)
}

func TestCancelBatchQueuedAndRunning(t *testing.T) {
	started := make(chan struct{}, 8)
	exec := func(_ string, _ model.ChartRequest, cancelled func() bool) (*model.ChartResult, error) {
		started <- struct{}{}
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if cancelled() {
				return nil, &sandbox.Error{Kind: model.ErrKindCancelled}
			}
			time.Sleep(5 * time.Millisecond)
		}
		return &model.ChartResult{Library: "vega"}, nil
	}
	h := newHarness(t, 1, exec)
	h.sched.Start()
	defer h.sched.Stop()

	batch, ids := h.newBatch(t, 3, 1)
	h.sched.EnqueueAll(ids)
	<-started

	// Only the two still-queued members count; the running one is flagged
	// and surfaces as cancelled on a later poll.
	n := h.sched.CancelBatch(batch.ID, nil)
	assert.Equal(t, 2, n)
	h.waitTerminal(t, ids)

	st, err := h.store.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Cancelled)
	assert.Equal(t, 0, h.sched.QueueDepth())

	// A second cancel finds nothing left to do.
	assert.Equal(t, 0, h.sched.CancelBatch(batch.ID, nil))
}

func TestCancelBatchSubset(t *testing.T) {
	h := newHarness(t, 1, okExec)
	batch, ids := h.newBatch(t, 3, 1)

	n := h.sched.CancelBatch(batch.ID, []string{ids[1], "not-a-member"})
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateCancelled, h.store.State(ids[1]))
	assert.Equal(t, model.StateQueued, h.store.State(ids[0]))
	assert.Equal(t, model.StateQueued, h.store.State(ids[2]))
}

func TestBatchFinishedEmittedOnce(t *testing.T) {
	h := newHarness(t, 2, okExec)
	h.sched.Start()
	defer h.sched.Stop()

	_, ids := h.newBatch(t, 3, 2)
	h.sched.EnqueueAll(ids)
	h.waitTerminal(t, ids)

	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Breakdown["ChartBatchFinished"].Total == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.metrics.Snapshot()
	assert.Equal(t, 1, snap.Breakdown["ChartBatchFinished"].Total)
	assert.Equal(t, 1.0, snap.Breakdown["ChartBatchFinished"].SuccessRate)
	assert.Equal(t, 3, snap.Breakdown["ChartJobFinished"].Total)
}
