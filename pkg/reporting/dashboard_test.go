/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: dashboard_test.go
Description: Tests for the batch and stability dashboards.
*/

package reporting_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/reporting"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func batch() *core.BatchResult {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &core.BatchResult{
		BatchID:   "b-1",
		StartTime: start,
		EndTime:   start.Add(90 * time.Second),
		Scenarios: []core.ScenarioResult{
			{
				ScenarioID: "b-1_scenario_000", Name: "login storm", Status: core.ScenarioCompleted,
				StartTime: start, EndTime: start.Add(30 * time.Second),
				PacketsSent: 300, AnomaliesApplied: 300, BytesSent: 2048,
			},
			{
				ScenarioID: "b-1_scenario_001", Name: "<script>alert(1)</script>", Status: core.ScenarioFailed,
				StartTime: start.Add(30 * time.Second), EndTime: start.Add(60 * time.Second),
				PacketsSent: 10, PacketsFailed: 10, Errors: []string{"first", "transport down"},
			},
			{ScenarioID: "b-1_scenario_002", Name: "never ran", Status: core.ScenarioSkipped},
		},
	}
}

func TestBatchDashboard(t *testing.T) {
	data := reporting.BatchDashboard(batch())
	assert.Equal(t, "batch", data.Kind)
	assert.False(t, data.Passed)

	summary := map[string]reporting.SummaryItem{}
	for _, s := range data.Summary {
		summary[s.Label] = s
	}
	assert.Equal(t, "3", summary["Scenarios"].Value)
	assert.Equal(t, "1", summary["Failed"].Value)
	assert.Equal(t, "fail", summary["Failed"].Status)
	assert.Equal(t, "310", summary["Packets"].Value)
	assert.Equal(t, "2.0 KiB", summary["Bytes"].Value)
	assert.Equal(t, "1m30s", summary["Duration"].Value)

	require.Len(t, data.Scenarios, 3)
	assert.Equal(t, "100.0%", data.Scenarios[0].SuccessRate)
	assert.Equal(t, "50.0%", data.Scenarios[1].SuccessRate)
	assert.Equal(t, "transport down", data.Scenarios[1].LastError)
	assert.Equal(t, "0s", data.Scenarios[2].Duration)

	require.Len(t, data.Charts, 2)
	cfg := string(data.Charts[0].Config())
	assert.Contains(t, cfg, `"type":"bar"`)
	assert.Contains(t, cfg, `"login storm"`)
}

func TestGenerateBatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "html")
	path, err := reporting.NewDashboardGenerator(dir, quiet()).GenerateBatch(batch())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "batch_b-1.html"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(raw)

	assert.Contains(t, page, "Batch b-1")
	assert.Contains(t, page, "FAILED")
	assert.Contains(t, page, "login storm")
	assert.Contains(t, page, "transport down")
	assert.Contains(t, page, `id="chart-packets"`)
	assert.NotContains(t, page, "<script>alert(1)</script>", "scenario names are escaped")
	assert.Equal(t, 1, strings.Count(page, "<table>"), "no checkpoint table for a batch")
}

func TestGenerateStability(t *testing.T) {
	start := time.Now().Add(-2 * time.Hour)
	report := &core.StabilityReport{
		ID:             "run/7",
		TestName:       "soak",
		StartTime:      start,
		EndTime:        start.Add(2 * time.Hour),
		TargetDuration: 2 * time.Hour,
		Completed:      true,
	}

	data := reporting.StabilityDashboard(report)
	assert.True(t, data.Passed)
	assert.Empty(t, data.Checkpoints)
	require.Len(t, data.Charts, 2)
	for _, s := range data.Summary {
		if s.Label == "Memory trend" {
			assert.Equal(t, "insufficient_data", s.Value)
			assert.Equal(t, "ok", s.Status)
		}
	}

	dir := t.TempDir()
	path, err := reporting.NewDashboardGenerator(dir, quiet()).GenerateStability(report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stability_run_7.html"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Stability soak")
	assert.Contains(t, string(raw), "PASSED")
	assert.NotContains(t, string(raw), "<table>")
}
