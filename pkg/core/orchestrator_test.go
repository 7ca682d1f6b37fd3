/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: orchestrator_test.go
Description: Tests for batch file loading and sequential scenario execution.
*/

package core_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadBatchFile(t *testing.T) {
	t.Run("scenarios key", func(t *testing.T) {
		path := writeFile(t, "batch.yaml", `
scenarios:
  - name: tamper
    description: zero the command sequence number
    anomalies:
      - type: field_tamper
        target_field: cmdsn
        mode: zero
    execution:
      repeat: 5
      interval_ms: 0
  - name: other target
    config_overrides:
      network.dst_ip: 10.0.0.9
`)
		scenarios, err := core.LoadBatchFile(path)
		require.NoError(t, err)
		require.Len(t, scenarios, 2)

		s := scenarios[0]
		assert.Equal(t, "tamper", s.Name)
		require.Len(t, s.Anomalies, 1)
		assert.Equal(t, "field_tamper", s.Anomalies[0]["type"])
		assert.EqualValues(t, 5, s.Execution["repeat"])
		assert.Equal(t, "10.0.0.9", scenarios[1].ConfigOverrides["network.dst_ip"])
	})

	t.Run("plain list", func(t *testing.T) {
		path := writeFile(t, "batch.yaml", "- name: a\n- name: b\n- name: c\n")
		scenarios, err := core.LoadBatchFile(path)
		require.NoError(t, err)
		assert.Len(t, scenarios, 3)
	})

	t.Run("single scenario json", func(t *testing.T) {
		path := writeFile(t, "one.json", `{"name": "solo", "anomalies": [{"type": "padding"}]}`)
		scenarios, err := core.LoadBatchFile(path)
		require.NoError(t, err)
		require.Len(t, scenarios, 1)
		assert.Equal(t, "solo", scenarios[0].Name)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := core.LoadBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)

		_, err = core.LoadBatchFile(writeFile(t, "scalar.yaml", "just a string\n"))
		assert.Error(t, err)

		_, err = core.LoadBatchFile(writeFile(t, "broken.yaml", "scenarios: [\n"))
		assert.Error(t, err)
	})
}

func TestScenarioBuildLeavesBaseUntouched(t *testing.T) {
	base := config.Default()
	sc := core.Scenario{
		ConfigOverrides: map[string]any{"network.dst_ip": "10.1.1.1"},
		Anomalies:       []map[string]any{{"type": "truncation"}},
		Execution:       map[string]any{"repeat": 7},
	}
	cfg, err := sc.Build(base)
	require.NoError(t, err)

	assert.Equal(t, "10.1.1.1", cfg.Network.DstIP)
	assert.Equal(t, 7, cfg.Execution.Repeat)
	require.Len(t, cfg.Anomalies, 1)

	assert.Equal(t, "192.168.1.200", base.Network.DstIP)
	assert.Equal(t, 1, base.Execution.Repeat)
	assert.Empty(t, base.Anomalies)
}

func newOrchestrator(t *testing.T) *core.Orchestrator {
	t.Helper()
	base := config.Default()
	base.Execution.IntervalMS = 0
	o := core.NewOrchestrator(base, nil, quietLogger())
	o.InterScenarioDelay = 0
	return o
}

func batchScenarios() []core.Scenario {
	return []core.Scenario{
		{Name: "pad", Anomalies: []map[string]any{{"type": "padding", "count": 2}}},
		{Name: "broken", ConfigOverrides: map[string]any{"protocol.type": "nvme"}},
		{Anomalies: []map[string]any{{"type": "truncation", "mode": "fixed", "truncate_to": 20}}},
	}
}

func TestRunBatch(t *testing.T) {
	o := newOrchestrator(t)
	var progress []int
	o.OnProgress = func(current, total int, _ core.ScenarioResult) {
		assert.Equal(t, 3, total)
		progress = append(progress, current)
	}

	res := o.RunBatch(context.Background(), batchScenarios(), "nightly")
	require.Len(t, res.Scenarios, 3)
	assert.Equal(t, []int{1, 2, 3}, progress)

	assert.Equal(t, "nightly-1", res.Scenarios[0].ScenarioID)
	assert.Equal(t, core.ScenarioCompleted, res.Scenarios[0].Status)
	assert.Equal(t, uint64(2), res.Scenarios[0].PacketsSent)
	assert.NotEmpty(t, res.Scenarios[0].Config)

	assert.Equal(t, core.ScenarioFailed, res.Scenarios[1].Status)
	assert.NotEmpty(t, res.Scenarios[1].Errors)

	assert.Equal(t, "Scenario 3", res.Scenarios[2].Name)
	assert.Equal(t, core.ScenarioCompleted, res.Scenarios[2].Status)
	assert.Equal(t, uint64(20), res.Scenarios[2].BytesSent)

	assert.Equal(t, 3, res.Total())
	assert.Equal(t, 2, res.Completed())
	assert.Equal(t, 1, res.Failed())
	assert.Zero(t, res.Skipped())
	assert.False(t, res.AllPassed())
	assert.Equal(t, uint64(3), res.TotalPackets())
	assert.Positive(t, res.Duration())
}

func TestRunBatchStopOnFailure(t *testing.T) {
	o := newOrchestrator(t)
	o.StopOnFailure = true

	res := o.RunBatch(context.Background(), batchScenarios(), "")
	require.Len(t, res.Scenarios, 3)
	assert.Regexp(t, `^batch-[0-9a-f]{8}$`, res.BatchID)
	assert.Equal(t, core.ScenarioFailed, res.Scenarios[1].Status)
	assert.Equal(t, core.ScenarioSkipped, res.Scenarios[2].Status)
	assert.Equal(t, res.BatchID+"-3", res.Scenarios[2].ScenarioID)
	assert.Zero(t, res.Scenarios[2].Duration())
	assert.Equal(t, 1, res.Skipped())
}

func TestOrchestratorStop(t *testing.T) {
	o := newOrchestrator(t)
	o.OnScenarioStart = func(index int, _ string) {
		if index == 0 {
			o.Stop()
		}
	}
	endless := core.Scenario{
		Name:      "endless",
		Anomalies: []map[string]any{{"type": "padding"}},
		Execution: map[string]any{"repeat": 0, "interval_ms": 1},
	}

	res := o.RunBatch(context.Background(), []core.Scenario{endless, endless, endless}, "stopped")
	require.Len(t, res.Scenarios, 3)
	assert.Equal(t, core.ScenarioCompleted, res.Scenarios[0].Status)
	assert.Equal(t, core.ScenarioSkipped, res.Scenarios[1].Status)
	assert.Equal(t, core.ScenarioSkipped, res.Scenarios[2].Status)
	assert.True(t, res.AllPassed())
}

func TestBatchResultExportJSON(t *testing.T) {
	o := newOrchestrator(t)
	res := o.RunBatch(context.Background(), batchScenarios()[:1], "export")

	errs := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	res.Scenarios = append(res.Scenarios, core.ScenarioResult{
		ScenarioID: "export-2", Name: "noisy", Status: core.ScenarioFailed, Errors: errs,
	})

	path := filepath.Join(t.TempDir(), "reports", "batch.json")
	require.NoError(t, res.ExportJSON(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out struct {
		BatchID        string `json:"batch_id"`
		TotalScenarios int    `json:"total_scenarios"`
		Completed      int    `json:"completed"`
		Failed         int    `json:"failed"`
		AllPassed      bool   `json:"all_passed"`
		TotalPackets   uint64 `json:"total_packets"`
		Scenarios      []struct {
			ScenarioID  string   `json:"scenario_id"`
			Status      string   `json:"status"`
			SuccessRate float64  `json:"success_rate"`
			Errors      []string `json:"errors"`
		} `json:"scenarios"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "export", out.BatchID)
	assert.Equal(t, 2, out.TotalScenarios)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.False(t, out.AllPassed)
	assert.Equal(t, uint64(2), out.TotalPackets)
	require.Len(t, out.Scenarios, 2)
	assert.Equal(t, 1.0, out.Scenarios[0].SuccessRate)
	assert.Equal(t, []string{}, out.Scenarios[0].Errors)
	assert.Equal(t, []string{"e3", "e4", "e5", "e6", "e7"}, out.Scenarios[1].Errors)
}
