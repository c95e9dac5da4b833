package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda/chart-engine/internal/metrics"
)

func writeEventLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSLOCheckPasses(t *testing.T) {
	log := writeEventLog(t,
		`{"event_name":"EDAReportGenerated","duration_ms":120,"groundedness":0.95}`,
		`{"event_name":"EDAQueryAnswered","duration_ms":80,"groundedness":0.9}`,
	)

	var out bytes.Buffer
	require.NoError(t, runSLOCheck(log, "", &out))

	var report metrics.SLOReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.False(t, report.HasViolation())
	assert.Equal(t, 1, report.Snapshot.Events["EDAReportGenerated"].Count)
}

func TestSLOCheckFailsOnViolation(t *testing.T) {
	log := writeEventLog(t,
		`{"event_name":"EDAReportGenerated","duration_ms":120,"groundedness":0.5}`,
	)

	var out bytes.Buffer
	err := runSLOCheck(log, "", &out)
	require.Error(t, err)

	var report metrics.SLOReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.Violations["EDAReportGenerated"].GroundednessBelow)
}

func TestSLOCheckYAMLOverrides(t *testing.T) {
	log := writeEventLog(t,
		`{"event_name":"EDAReportGenerated","duration_ms":120,"groundedness":0.5}`,
	)
	thresholds := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(thresholds, []byte("EDAReportGenerated:\n  p95: 10000\n  groundedness: 0.4\n"), 0o644))

	var out bytes.Buffer
	assert.NoError(t, runSLOCheck(log, thresholds, &out))
}
