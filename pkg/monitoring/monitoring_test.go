/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: monitoring_test.go
Description: Tests for memory trend analysis, Prometheus metrics, the metrics server and the
statistics exporter.
*/

package monitoring_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// TestAnalyzeTrend tests classification of sample series
func TestAnalyzeTrend(t *testing.T) {
	cases := []struct {
		name    string
		samples []float64
		want    monitoring.MemoryTrend
	}{
		{"empty", nil, monitoring.TrendInsufficientData},
		{"two samples", []float64{1, 100}, monitoring.TrendInsufficientData},
		{"flat", []float64{100, 101, 99, 100, 100, 102}, monitoring.TrendStable},
		{"gradual", []float64{100, 100, 110, 120, 130, 130}, monitoring.TrendGradualIncrease},
		{"leak", []float64{100, 100, 150, 180, 200, 210}, monitoring.TrendLeakSuspected},
		{"shrinking", []float64{100, 100, 90, 80, 70, 70}, monitoring.TrendDecreasing},
		{"three samples", []float64{100, 120, 200}, monitoring.TrendLeakSuspected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, monitoring.ClassifyTrend(tc.samples))
		})
	}

	a := monitoring.AnalyzeTrend([]float64{100, 100, 150, 180, 200, 200})
	assert.InDelta(t, 100, a.FirstAvg, 1e-9)
	assert.InDelta(t, 200, a.LastAvg, 1e-9)
	assert.InDelta(t, 1.0, a.Growth, 1e-9)
}

func TestGrowthRate(t *testing.T) {
	start := time.Now()
	snaps := []monitoring.MemorySnapshot{
		{Timestamp: start, RSS: 1000},
		{Timestamp: start.Add(10 * time.Second), RSS: 3000},
	}
	rate, err := monitoring.GrowthRate(snaps)
	require.NoError(t, err)
	assert.InDelta(t, 200, rate, 1e-9)

	_, err = monitoring.GrowthRate(snaps[:1])
	assert.Error(t, err)
}

func TestTakeSnapshot(t *testing.T) {
	s := monitoring.TakeSnapshot()
	assert.NotZero(t, s.RSS)
	assert.NotZero(t, s.HeapSys)
	assert.Positive(t, s.GoRoutines)
	assert.Positive(t, s.RSSMB())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)

	m.RecordSent("s1", "field_tamper", 60)
	m.RecordSent("s1", "field_tamper", 40)
	m.RecordFailed("s1", "none")
	m.RecordAnomaly("s1", "field_tamper")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsSent.WithLabelValues("s1", "field_tamper")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesSent.WithLabelValues("s1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsFailed.WithLabelValues("s1", "none")))

	m.SetState("s1", "READY")
	m.SetState("s1", "RUNNING")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("s1", "READY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("s1", "RUNNING")))

	m.SetTasks(map[string]int{"pending": 3}, []string{"pending", "running"})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Tasks.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Tasks.WithLabelValues("running")))

	m.SetTrackedFlows(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TrackedFlows))
}

// TestServer tests that the registry is served over HTTP
func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	m.RecordSent("s1", "none", 10)

	srv := monitoring.NewServer("127.0.0.1:0", "", reg, quietLogger())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `packetstorm_packets_sent_total{anomaly="none",session="s1"} 1`)
}

type sampleStats struct {
	Session string `json:"session"`
	TX      struct {
		Packets int `json:"packets"`
		Bytes   int `json:"bytes"`
	} `json:"tx"`
	Errors []string `json:"errors"`
}

func TestExporterCSV(t *testing.T) {
	dir := t.TempDir()
	e := monitoring.NewExporter(dir, quietLogger())

	path, err := e.ExportCSV("")
	require.NoError(t, err)
	assert.Empty(t, path)

	var s sampleStats
	s.Session = "abc"
	s.TX.Packets = 3
	s.TX.Bytes = 180
	require.NoError(t, e.Record(s))
	require.NoError(t, e.Record(map[string]any{"extra": true}))
	assert.Equal(t, 2, e.Len())

	path, err = e.ExportCSV("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "stats_"))
	assert.Equal(t, ".csv", filepath.Ext(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	assert.Equal(t, []string{"errors", "extra", "session", "timestamp", "timestamp_human", "tx.bytes", "tx.packets"}, header)
	assert.Equal(t, "180", rows[1][5])
	assert.Equal(t, "3", rows[1][6])
	assert.Equal(t, "", rows[1][1])
	assert.Equal(t, "true", rows[2][1])

	e.Clear()
	assert.Zero(t, e.Len())
}

func TestExporterJSONAndPacketLog(t *testing.T) {
	dir := t.TempDir()
	e := monitoring.NewExporter(dir, quietLogger())
	require.NoError(t, e.Record(map[string]any{"sent": 1, "nested": map[string]any{"a": "b"}}))

	path, err := e.ExportJSON("out.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snaps []map[string]any
	require.NoError(t, json.Unmarshal(data, &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "b", snaps[0]["nested.a"])
	assert.Contains(t, snaps[0], "timestamp_human")

	path, err = e.ExportPacketLog([]monitoring.PacketRecord{
		{Timestamp: time.Now(), Anomaly: "padding", Protocol: "iscsi", Data: []byte{0xde, 0xad}},
		{Timestamp: time.Now(), Data: []byte{0x01}},
	}, "packets.log")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "=== Packet 1 ===")
	assert.Contains(t, text, "=== Packet 2 ===")
	assert.Contains(t, text, "Anomaly:   padding")
	assert.Contains(t, text, "Anomaly:   none")
	assert.Contains(t, text, "Size:      2 bytes")
	assert.Contains(t, text, "de ad")
}
