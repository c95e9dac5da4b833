package sandbox

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/platform/logger"
)

func newTestRunner(t *testing.T, timeoutMs int) *Runner {
	t.Helper()
	return NewRunner(timeoutMs, logger.Nop())
}

func requirePython(t *testing.T) {
	t.Helper()
	if !PythonAvailable() {
		t.Skip("python3 not on PATH")
	}
}

func TestRunTemplateInline(t *testing.T) {
	r := newTestRunner(t, 2000)
	for _, kind := range []model.ChartKind{model.ChartBar, model.ChartLine, model.ChartScatter} {
		res, err := r.RunTemplate(nil, kind, "ds_1")
		require.NoError(t, err)
		require.Len(t, res.Outputs, 2)
		assert.Equal(t, "image", res.Outputs[0].Type)
		assert.Equal(t, "vega", res.Outputs[1].Type)
		assert.Equal(t, "inline", res.Meta["sandbox"])
		assert.Equal(t, string(kind), res.Meta["hint"])
	}
}

func TestRunTemplateInlineCancelled(t *testing.T) {
	r := newTestRunner(t, 2000)
	_, err := r.RunTemplate(func() bool { return true }, model.ChartBar, "ds_1")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindCancelled, Classify(err))
}

func TestRunTemplateSubprocess(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 5000)
	res, err := r.RunTemplateSubprocess(nil, model.ChartLine, "ds_1")
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "subprocess", res.Meta["sandbox"])
	assert.Equal(t, "python", res.Language)
}

func TestRunGeneratedChartFallsBackWithoutDataset(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 5000)
	res, err := r.RunGeneratedChart(nil, model.ChartRequest{DatasetID: "ds_1", SpecHint: "line"}, "")
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "generated", res.Meta["engine"])
	assert.Equal(t, float64(5), res.Meta["rows"])
}

func TestRunUserCodePrintsResult(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 5000)
	code := `import json
with open('in.json') as f:
    ctx = json.load(f)
doc = {
    'language': 'python',
    'library': 'vega',
    'outputs': [{'type': 'vega', 'mime': 'application/json', 'content': {'mark': 'bar'}}],
    'meta': {'dataset_id': ctx['dataset_id']},
}
print(json.dumps(doc))
`
	res, err := r.RunUserCode(nil, model.ChartRequest{DatasetID: "ds_9", Code: code}, "")
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "ds_9", res.Meta["dataset_id"])
}

func TestRunUserCodeForbiddenImportSkipsSpawn(t *testing.T) {
	// Guard rejection needs no interpreter.
	r := newTestRunner(t, 1000)
	_, err := r.RunUserCode(nil, model.ChartRequest{Code: "import subprocess"}, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindForbiddenImport, Classify(err))
}

func TestRunUserCodeTimeout(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 300)
	start := time.Now()
	_, err := r.RunUserCode(nil, model.ChartRequest{Code: "import time\ntime.sleep(10)"}, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindTimeout, Classify(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunUserCodeCancelKillsChild(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 10000)
	var flag atomic.Bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		flag.Store(true)
	}()
	start := time.Now()
	_, err := r.RunUserCode(flag.Load, model.ChartRequest{Code: "import time\ntime.sleep(10)"}, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindCancelled, Classify(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunUserCodeBadOutputIsFormatError(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 5000)
	_, err := r.RunUserCode(nil, model.ChartRequest{Code: "print('not a result document')"}, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindFormat, Classify(err))
}

func TestRunUserCodeCrashIsFormatErrorWithLogs(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, 5000)
	_, err := r.RunUserCode(nil, model.ChartRequest{Code: "raise RuntimeError('boom')"}, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindFormat, Classify(err))
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Logs, "RuntimeError")
}

func TestParseResultLastLineWins(t *testing.T) {
	out := []byte("debug noise\n" + `{"language":"python","library":"vega","outputs":[{"type":"vega","mime":"application/json","content":{}}]}` + "\n")
	res, err := parseResult(out, "")
	require.NoError(t, err)
	assert.Equal(t, "python", res.Language)
}
