/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: dashboard.go
Description: HTML dashboards for batch and stability results. Builds a DashboardData view
from a core.BatchResult or core.StabilityReport, prepares Chart.js configurations and
renders a single self-contained page per report.
*/

package reporting

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
)

// DashboardGenerator renders dashboards into an output directory
type DashboardGenerator struct {
	outputDir string
	logger    *logrus.Logger
	templates *template.Template
}

// DashboardData is everything the page template renders
type DashboardData struct {
	Kind        string    `json:"kind"` // batch or stability
	Title       string    `json:"title"`
	ReportID    string    `json:"report_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Passed      bool      `json:"passed"`

	Summary     []SummaryItem   `json:"summary"`
	Scenarios   []ScenarioRow   `json:"scenarios,omitempty"`
	Checkpoints []CheckpointRow `json:"checkpoints,omitempty"`
	Findings    []string        `json:"findings,omitempty"`
	Charts      []*ChartConfig  `json:"charts"`
}

// SummaryItem is one headline card
type SummaryItem struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Status string `json:"status,omitempty"` // ok, warn or fail; empty is neutral
}

// ScenarioRow is one line of the batch table
type ScenarioRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Duration    string `json:"duration"`
	PacketsSent uint64 `json:"packets_sent"`
	Failed      uint64 `json:"packets_failed"`
	Anomalies   uint64 `json:"anomalies_applied"`
	Bytes       string `json:"bytes"`
	SuccessRate string `json:"success_rate"`
	LastError   string `json:"last_error,omitempty"`
}

// CheckpointRow is one line of the stability table
type CheckpointRow struct {
	Timestamp   string  `json:"timestamp"`
	Elapsed     string  `json:"elapsed"`
	PacketsSent uint64  `json:"packets_sent"`
	Errors      uint64  `json:"errors"`
	SendRatePPS float64 `json:"send_rate_pps"`
	MemoryMB    float64 `json:"memory_mb"`
	State       string  `json:"state"`
}

// ChartConfig is a Chart.js chart
type ChartConfig struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Data    any    `json:"data"`
	Options any    `json:"options"`
}

// Config renders the chart as the JSON object passed to new Chart()
func (c *ChartConfig) Config() template.JS {
	b, err := json.Marshal(map[string]any{
		"type":    c.Type,
		"data":    c.Data,
		"options": c.Options,
	})
	if err != nil {
		return template.JS("{}")
	}
	return template.JS(b)
}

// NewDashboardGenerator creates a generator writing into outputDir
func NewDashboardGenerator(outputDir string, logger *logrus.Logger) *DashboardGenerator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DashboardGenerator{
		outputDir: outputDir,
		logger:    logger,
		templates: template.Must(template.New("dashboard").Funcs(templateFuncs).Parse(dashboardTemplate)),
	}
}

// Generate renders data to <outputDir>/<kind>_<report id>.html and returns the path
func (dg *DashboardGenerator) Generate(data *DashboardData) (string, error) {
	if err := os.MkdirAll(dg.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := data.Kind
	if data.ReportID != "" {
		name += "_" + sanitize(data.ReportID)
	}
	path := filepath.Join(dg.outputDir, name+".html")

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := dg.templates.Execute(file, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	dg.logger.WithFields(logrus.Fields{
		"component": "report",
		"kind":      data.Kind,
		"path":      path,
	}).Info("Dashboard generated")
	return path, nil
}

// GenerateBatch renders a batch result
func (dg *DashboardGenerator) GenerateBatch(b *core.BatchResult) (string, error) {
	return dg.Generate(BatchDashboard(b))
}

// GenerateStability renders a stability report
func (dg *DashboardGenerator) GenerateStability(r *core.StabilityReport) (string, error) {
	return dg.Generate(StabilityDashboard(r))
}

// BatchDashboard builds the view of a batch result
func BatchDashboard(b *core.BatchResult) *DashboardData {
	data := &DashboardData{
		Kind:        "batch",
		Title:       "Batch " + b.BatchID,
		ReportID:    b.BatchID,
		GeneratedAt: time.Now(),
		Passed:      b.AllPassed(),
	}

	failStatus := "ok"
	if b.Failed() > 0 {
		failStatus = "fail"
	}
	data.Summary = []SummaryItem{
		{Label: "Scenarios", Value: fmt.Sprint(b.Total())},
		{Label: "Completed", Value: fmt.Sprint(b.Completed()), Status: "ok"},
		{Label: "Failed", Value: fmt.Sprint(b.Failed()), Status: failStatus},
		{Label: "Skipped", Value: fmt.Sprint(b.Skipped())},
		{Label: "Packets", Value: fmt.Sprint(b.TotalPackets())},
		{Label: "Bytes", Value: humanBytes(b.TotalBytes())},
		{Label: "Duration", Value: b.Duration().Round(time.Millisecond).String()},
	}

	labels := make([]string, 0, len(b.Scenarios))
	sent := make([]uint64, 0, len(b.Scenarios))
	failed := make([]uint64, 0, len(b.Scenarios))
	for _, sc := range b.Scenarios {
		row := ScenarioRow{
			ID:          sc.ScenarioID,
			Name:        sc.Name,
			Status:      string(sc.Status),
			Duration:    sc.Duration().Round(time.Millisecond).String(),
			PacketsSent: sc.PacketsSent,
			Failed:      sc.PacketsFailed,
			Anomalies:   sc.AnomaliesApplied,
			Bytes:       humanBytes(sc.BytesSent),
			SuccessRate: fmt.Sprintf("%.1f%%", sc.SuccessRate()*100),
		}
		if n := len(sc.Errors); n > 0 {
			row.LastError = sc.Errors[n-1]
		}
		data.Scenarios = append(data.Scenarios, row)
		labels = append(labels, sc.Name)
		sent = append(sent, sc.PacketsSent)
		failed = append(failed, sc.PacketsFailed)
	}

	data.Charts = []*ChartConfig{
		{
			ID:    "packets",
			Type:  "bar",
			Title: "Packets per Scenario",
			Data: map[string]any{
				"labels": labels,
				"datasets": []map[string]any{
					{"label": "Sent", "data": sent, "backgroundColor": "#4caf50"},
					{"label": "Failed", "data": failed, "backgroundColor": "#f44336"},
				},
			},
			Options: stackedOptions,
		},
		{
			ID:    "outcomes",
			Type:  "doughnut",
			Title: "Scenario Outcomes",
			Data: map[string]any{
				"labels": []string{"Completed", "Failed", "Skipped"},
				"datasets": []map[string]any{{
					"data":            []int{b.Completed(), b.Failed(), b.Skipped()},
					"backgroundColor": []string{"#4caf50", "#f44336", "#9e9e9e"},
				}},
			},
			Options: map[string]any{"responsive": true},
		},
	}
	return data
}

// StabilityDashboard builds the view of a stability report
func StabilityDashboard(r *core.StabilityReport) *DashboardData {
	findings := r.Anomalies()
	trend := r.MemoryTrend()
	data := &DashboardData{
		Kind:        "stability",
		Title:       "Stability " + r.TestName,
		ReportID:    r.ID,
		GeneratedAt: time.Now(),
		Passed:      r.Completed && len(findings) == 0,
		Findings:    findings,
	}

	completed := "fail"
	if r.Completed {
		completed = "ok"
	}
	trendStatus := "ok"
	switch trend {
	case monitoring.TrendLeakSuspected:
		trendStatus = "fail"
	case monitoring.TrendGradualIncrease:
		trendStatus = "warn"
	}
	findingStatus := "ok"
	if len(findings) > 0 {
		findingStatus = "warn"
	}
	data.Summary = []SummaryItem{
		{Label: "Completed", Value: fmt.Sprint(r.Completed), Status: completed},
		{Label: "Duration", Value: r.Duration().Round(time.Second).String()},
		{Label: "Target", Value: r.TargetDuration.String()},
		{Label: "Restarts", Value: fmt.Sprint(r.Restarts)},
		{Label: "Memory trend", Value: string(trend), Status: trendStatus},
		{Label: "Findings", Value: fmt.Sprint(len(findings)), Status: findingStatus},
	}
	if s := r.FinalStats(); s != nil {
		data.Summary = append(data.Summary,
			SummaryItem{Label: "Packets", Value: fmt.Sprint(s.PacketsSent)},
			SummaryItem{Label: "Success", Value: fmt.Sprintf("%.1f%%", s.SuccessRate*100)},
		)
	}

	checkpoints := r.Checkpoints()
	hours := make([]float64, 0, len(checkpoints))
	memory := make([]float64, 0, len(checkpoints))
	rate := make([]float64, 0, len(checkpoints))
	for _, c := range checkpoints {
		data.Checkpoints = append(data.Checkpoints, CheckpointRow{
			Timestamp:   c.Timestamp.Format(time.RFC3339),
			Elapsed:     c.Elapsed.Round(time.Second).String(),
			PacketsSent: c.PacketsSent,
			Errors:      c.ErrorCount,
			SendRatePPS: c.SendRatePPS,
			MemoryMB:    c.MemoryRSSMB,
			State:       string(c.SessionState),
		})
		hours = append(hours, c.Elapsed.Hours())
		memory = append(memory, c.MemoryRSSMB)
		rate = append(rate, c.SendRatePPS)
	}

	data.Charts = []*ChartConfig{
		lineChart("memory", "Memory RSS (MB)", hours, memory, "rgb(54, 162, 235)"),
		lineChart("rate", "Send Rate (pps)", hours, rate, "rgb(75, 192, 192)"),
	}
	return data
}

var stackedOptions = map[string]any{
	"responsive": true,
	"scales": map[string]any{
		"x": map[string]any{"stacked": true},
		"y": map[string]any{"stacked": true, "beginAtZero": true},
	},
}

func lineChart(id, title string, x, y []float64, color string) *ChartConfig {
	labels := make([]string, len(x))
	for i, h := range x {
		labels[i] = fmt.Sprintf("%.2fh", h)
	}
	return &ChartConfig{
		ID:    id,
		Type:  "line",
		Title: title,
		Data: map[string]any{
			"labels": labels,
			"datasets": []map[string]any{{
				"label":       title,
				"data":        y,
				"borderColor": color,
				"fill":        false,
			}},
		},
		Options: map[string]any{
			"responsive": true,
			"scales":     map[string]any{"y": map[string]any{"beginAtZero": true}},
		},
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
