package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda/chart-engine/internal/config"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/platform/logger"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.NewForTesting(t.TempDir())
	if mutate != nil {
		mutate(cfg)
	}
	ms := metrics.NewStore(cfg.MetricsLog, logger.Nop())
	return New(cfg, ms, logger.Nop())
}

func TestGenerateSyncTemplate(t *testing.T) {
	e := newTestEngine(t, nil)
	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1", SpecHint: "line"})
	require.NoError(t, err)

	assert.Equal(t, model.StateSucceeded, st.Status)
	require.NotNil(t, st.Result)
	require.Len(t, st.Result.Outputs, 2)
	assert.Equal(t, "inline", st.Result.Meta["sandbox"])
	assert.Equal(t, "line", st.Result.Meta["hint"])
}

func TestGenerateNormalizesBadHint(t *testing.T) {
	e := newTestEngine(t, nil)
	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1", SpecHint: "donut"})
	require.NoError(t, err)
	assert.Equal(t, "bar", st.Result.Meta["hint"])
}

func TestGenerateValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Generate(model.ChartRequest{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestGenerateBatchSyncClampsParallelism(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.ChartsParallelism = 2 })
	reqs := []model.ChartRequest{
		{DatasetID: "ds_1", SpecHint: "bar", ChartID: "c-bar"},
		{DatasetID: "ds_1", SpecHint: "line", ChartID: "c-line"},
		{DatasetID: "ds_2", SpecHint: "scatter", ChartID: "c-scat"},
	}
	st, err := e.GenerateBatch(reqs, 99)
	require.NoError(t, err)

	assert.Equal(t, 99, st.Parallelism)
	assert.Equal(t, 2, st.ParallelismEffective)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Done)
	assert.Equal(t, 3, st.Served)
	require.Len(t, st.Results, 3)
	assert.Contains(t, st.ResultsMap, "c-bar")
	assert.Contains(t, st.ResultsMap, "c-line")
	assert.Contains(t, st.ResultsMap, "c-scat")
}

func TestGenerateBatchRejectsEmpty(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.GenerateBatch(nil, 1)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestGenerateAsync(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.ChartsAsync = true
		c.ChartsParallelism = 2
	})
	e.Start()
	defer e.Stop()

	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1"})
	require.NoError(t, err)
	jobID := st.JobID

	require.Eventually(t, func() bool {
		st, err := e.GetJob(jobID)
		return err == nil && st.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	st, err = e.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, st.Status)
}

func TestCancelBatchUnknown(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CancelBatch("nope", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUserCodeSkippedVariants(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.SandboxUserCode = true })

	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1", Code: "   \n"})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, st.Status)
	assert.Empty(t, st.Result.Outputs)
	assert.Contains(t, st.Result.Meta["note"], "empty")

	st, err = e.Generate(model.ChartRequest{DatasetID: "ds_1", Code: "plot(x)", Language: "r"})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, st.Status)
	assert.Contains(t, st.Result.Meta["note"], "not executable")
}

func TestUserCodeForbiddenImportFailsJob(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) { c.SandboxUserCode = true })
	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1", Code: "import subprocess"})
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, st.Status)
	assert.Equal(t, model.ErrKindForbiddenImport, st.ErrorCode)
}

func TestUserCodeIgnoredWhenDisabled(t *testing.T) {
	e := newTestEngine(t, nil)
	st, err := e.Generate(model.ChartRequest{DatasetID: "ds_1", Code: "import subprocess"})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, st.Status)
	assert.Equal(t, "template", st.Result.Meta["engine"])
}

func TestSavedChartsRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	saved, err := e.SaveChart(model.SavedChart{DatasetID: "ds_1", SVG: "<svg/>"})
	require.NoError(t, err)

	list := e.ListSavedCharts("ds_1", 0)
	require.Len(t, list, 1)
	assert.Equal(t, saved.ID, list[0].ID)

	require.NoError(t, e.DeleteSavedChart(saved.ID))
	assert.Empty(t, e.ListSavedCharts("", 0))
}

func TestThresholdOverridesMerge(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.SLOThresholds = `{"ChartJobFinished":{"p95":2000}}`
	})
	thr := e.Thresholds()
	assert.Equal(t, 2000.0, thr["ChartJobFinished"]["p95"])
	assert.Equal(t, 10000.0, thr["EDAReportGenerated"]["p95"])

	report := e.SLOReport()
	assert.False(t, report.HasViolation())
}
