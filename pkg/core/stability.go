/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stability.go
Description: Long-running stability runner. Keeps an engine sending for a target duration,
restarting it whenever its session ends, and takes periodic checkpoints of throughput,
errors and process memory. Findings such as error spikes, restarts, a breached memory
ceiling or a rising memory trend are collected into a report that is exported periodically.
*/

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
)

// errorSpikeThreshold is how many new errors between checkpoints count as a spike
const errorSpikeThreshold = 10

// StabilityConfig controls a stability run
type StabilityConfig struct {
	TestName           string        `mapstructure:"test_name" json:"test_name"`
	Duration           time.Duration `mapstructure:"duration" json:"duration"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" json:"checkpoint_interval"`
	ReportInterval     time.Duration `mapstructure:"report_interval" json:"report_interval"`
	ReportDir          string        `mapstructure:"report_dir" json:"report_dir"`
	MemoryLimitMB      float64       `mapstructure:"memory_limit_mb" json:"memory_limit_mb"` // 0 is unlimited
	PollInterval       time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// DefaultStabilityConfig is a 72 hour run with 15 minute checkpoints and hourly reports
func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		TestName:           "stability_test",
		Duration:           72 * time.Hour,
		CheckpointInterval: 15 * time.Minute,
		ReportInterval:     time.Hour,
		ReportDir:          filepath.Join("reports", "stability"),
		PollInterval:       10 * time.Second,
	}
}

// Checkpoint is the state of the run at one point in time
type Checkpoint struct {
	Timestamp        time.Time
	Elapsed          time.Duration
	PacketsSent      uint64
	PacketsFailed    uint64
	AnomaliesApplied uint64
	BytesSent        uint64
	SendRatePPS      float64
	SuccessRate      float64
	MemoryRSSMB      float64
	ErrorCount       uint64
	SessionState     SessionState
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointJSON(c))
}

type checkpointRecord struct {
	Timestamp        string  `json:"timestamp"`
	ElapsedHours     float64 `json:"elapsed_hours"`
	PacketsSent      uint64  `json:"packets_sent"`
	PacketsFailed    uint64  `json:"packets_failed"`
	AnomaliesApplied uint64  `json:"anomalies_applied"`
	BytesSent        uint64  `json:"bytes_sent"`
	SendRatePPS      float64 `json:"send_rate_pps"`
	SuccessRate      float64 `json:"success_rate"`
	MemoryRSSMB      float64 `json:"memory_rss_mb"`
	ErrorCount       uint64  `json:"error_count"`
	SessionState     string  `json:"session_state"`
}

func checkpointJSON(c Checkpoint) checkpointRecord {
	return checkpointRecord{
		Timestamp:        c.Timestamp.Format(time.RFC3339),
		ElapsedHours:     round(c.Elapsed.Hours(), 2),
		PacketsSent:      c.PacketsSent,
		PacketsFailed:    c.PacketsFailed,
		AnomaliesApplied: c.AnomaliesApplied,
		BytesSent:        c.BytesSent,
		SendRatePPS:      round(c.SendRatePPS, 1),
		SuccessRate:      round(c.SuccessRate, 4),
		MemoryRSSMB:      round(c.MemoryRSSMB, 2),
		ErrorCount:       c.ErrorCount,
		SessionState:     string(c.SessionState),
	}
}

// StabilityReport is the outcome of a stability run
type StabilityReport struct {
	ID             string
	TestName       string
	StartTime      time.Time
	EndTime        time.Time
	TargetDuration time.Duration
	Completed      bool
	Restarts       int

	mu          sync.Mutex
	checkpoints []Checkpoint
	findings    []string
	finalStats  *StatsSnapshot
}

func newStabilityReport(name string, target time.Duration) *StabilityReport {
	return &StabilityReport{
		ID:             uuid.New().String(),
		TestName:       name,
		StartTime:      time.Now(),
		TargetDuration: target,
	}
}

// Checkpoints returns a copy of the recorded checkpoints
func (r *StabilityReport) Checkpoints() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Checkpoint(nil), r.checkpoints...)
}

// Anomalies returns the findings, each prefixed with its timestamp
func (r *StabilityReport) Anomalies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.findings...)
}

// FinalStats is the statistics of the last session, nil until the run ends
func (r *StabilityReport) FinalStats() *StatsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalStats
}

func (r *StabilityReport) addCheckpoint(c Checkpoint) {
	r.mu.Lock()
	r.checkpoints = append(r.checkpoints, c)
	r.mu.Unlock()
}

func (r *StabilityReport) addFinding(msg string) string {
	stamped := fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), msg)
	r.mu.Lock()
	r.findings = append(r.findings, stamped)
	r.mu.Unlock()
	return stamped
}

// Duration is the elapsed run time, up to now while running
func (r *StabilityReport) Duration() time.Duration {
	end := r.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartTime)
}

// MemoryTrend classifies the RSS series of the checkpoints
func (r *StabilityReport) MemoryTrend() monitoring.MemoryTrend {
	r.mu.Lock()
	samples := make([]float64, len(r.checkpoints))
	for i, c := range r.checkpoints {
		samples[i] = c.MemoryRSSMB
	}
	r.mu.Unlock()
	return monitoring.ClassifyTrend(samples)
}

func (r *StabilityReport) MarshalJSON() ([]byte, error) {
	trend := r.MemoryTrend()
	r.mu.Lock()
	defer r.mu.Unlock()

	var end *string
	if !r.EndTime.IsZero() {
		s := r.EndTime.Format(time.RFC3339)
		end = &s
	}
	cps := make([]checkpointRecord, len(r.checkpoints))
	for i, c := range r.checkpoints {
		cps[i] = checkpointJSON(c)
	}
	findings := r.findings
	if findings == nil {
		findings = []string{}
	}
	return json.Marshal(struct {
		ID                  string                 `json:"report_id"`
		TestName            string                 `json:"test_name"`
		StartTime           string                 `json:"start_time"`
		EndTime             *string                `json:"end_time"`
		DurationHours       float64                `json:"duration_hours"`
		TargetDurationHours float64                `json:"target_duration_hours"`
		Completed           bool                   `json:"completed"`
		Restarts            int                    `json:"restarts"`
		MemoryTrend         monitoring.MemoryTrend `json:"memory_trend"`
		AnomaliesDetected   []string               `json:"anomalies_detected"`
		CheckpointCount     int                    `json:"checkpoint_count"`
		Checkpoints         []checkpointRecord     `json:"checkpoints"`
		FinalStats          *StatsSnapshot         `json:"final_stats"`
	}{
		ID:                  r.ID,
		TestName:            r.TestName,
		StartTime:           r.StartTime.Format(time.RFC3339),
		EndTime:             end,
		DurationHours:       round(r.Duration().Hours(), 2),
		TargetDurationHours: round(r.TargetDuration.Hours(), 2),
		Completed:           r.Completed,
		Restarts:            r.Restarts,
		MemoryTrend:         trend,
		AnomaliesDetected:   findings,
		CheckpointCount:     len(cps),
		Checkpoints:         cps,
		FinalStats:          r.finalStats,
	})
}

// ExportJSON writes the report to path
func (r *StabilityReport) ExportJSON(path string) error {
	return monitoring.WriteJSON(path, r)
}

// StabilityRunner drives one stability run
type StabilityRunner struct {
	cfg    StabilityConfig
	base   *config.Config
	regs   *Registries
	logger *logrus.Logger
	log    *logrus.Entry

	// Reporters are attached to the engine in addition to the logger reporter
	Reporters []Reporter
	// Metrics, when set, receives the sampled memory
	Metrics *monitoring.Metrics
	// MemoryMB samples process memory; defaults to the resident set size
	MemoryMB func() float64

	OnCheckpoint func(Checkpoint)
	OnAnomaly    func(string)

	exporter *monitoring.Exporter
	mu       sync.Mutex
	cancel   context.CancelFunc
	report   *StabilityReport
	engine   *Engine
}

// NewStabilityRunner creates a runner. Zero fields of cfg take their defaults.
func NewStabilityRunner(base *config.Config, regs *Registries, cfg StabilityConfig, logger *logrus.Logger) *StabilityRunner {
	def := DefaultStabilityConfig()
	if cfg.TestName == "" {
		cfg.TestName = def.TestName
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = def.ReportInterval
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = def.ReportDir
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if base == nil {
		base = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StabilityRunner{
		cfg:      cfg,
		base:     base,
		regs:     regs,
		logger:   logger,
		log:      logger.WithField("component", "stability"),
		MemoryMB: func() float64 { return monitoring.TakeSnapshot().RSSMB() },
		exporter: monitoring.NewExporter(cfg.ReportDir, logger),
	}
}

// Config returns the effective run settings
func (r *StabilityRunner) Config() StabilityConfig { return r.cfg }

// Report returns the report of the current or last run
func (r *StabilityRunner) Report() *StabilityReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Stop ends the run early
func (r *StabilityRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.log.Info("Stability test stop requested")
}

// Run blocks until the target duration has passed, the run is stopped, or a fatal
// condition ends it early
func (r *StabilityRunner) Run(ctx context.Context) *StabilityReport {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	report := newStabilityReport(r.cfg.TestName, r.cfg.Duration)
	r.mu.Lock()
	r.cancel = cancel
	r.report = report
	r.mu.Unlock()
	r.exporter.Clear()

	target := report.StartTime.Add(r.cfg.Duration)
	r.log.WithFields(logrus.Fields{
		"test":     r.cfg.TestName,
		"duration": r.cfg.Duration.String(),
	}).Info("Starting stability test")

	eng, err := r.startEngine()
	if err != nil {
		r.finding(report, fmt.Sprintf("Fatal error: %v", err))
	} else {
		defer eng.Stop()
		r.monitor(ctx, report, eng, target)
		report.Completed = !time.Now().Before(target)
		r.finalize(report, eng)
	}
	report.EndTime = time.Now()

	status := "stopped early"
	if report.Completed {
		status = "completed"
	}
	r.log.WithFields(logrus.Fields{
		"test":        r.cfg.TestName,
		"status":      status,
		"duration":    report.Duration().String(),
		"checkpoints": len(report.Checkpoints()),
		"anomalies":   len(report.Anomalies()),
	}).Info("Stability test finished")
	return report
}

func (r *StabilityRunner) startEngine() (*Engine, error) {
	cfg, err := r.base.ApplyOverrides(map[string]any{
		"execution.duration_seconds": 0,
		"execution.repeat":           0,
	})
	if err != nil {
		return nil, err
	}
	eng, err := NewEngine(cfg, r.regs, r.logger)
	if err != nil {
		return nil, err
	}
	for _, rep := range r.Reporters {
		eng.AddReporter(rep)
	}
	r.mu.Lock()
	r.engine = eng
	r.mu.Unlock()

	if err := eng.Setup(); err != nil {
		return nil, err
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return nil, err
	}
	return eng, nil
}

func (r *StabilityRunner) monitor(ctx context.Context, report *StabilityReport, eng *Engine, target time.Time) {
	var (
		lastCheckpoint time.Time
		lastReport     = time.Now()
		prevErrors     uint64
		prevSession    string
	)
	sleep := min(r.cfg.PollInterval, r.cfg.CheckpointInterval/2)

	for ctx.Err() == nil {
		now := time.Now()
		if !now.Before(target) {
			return
		}

		if s := eng.Session(); s != nil && !s.IsActive() {
			switch s.State() {
			case StateError:
				r.finding(report, fmt.Sprintf("Engine entered ERROR state at %s", elapsedString(report)))
				r.log.Warn("Engine stopped, attempting restart")
				if err := restart(eng); err != nil {
					r.finding(report, fmt.Sprintf("Engine restart failed: %v", err))
					return
				}
				report.Restarts++
				r.finding(report, fmt.Sprintf("Engine restarted at %s", elapsedString(report)))
			case StateCompleted:
				if err := restart(eng); err != nil {
					r.finding(report, fmt.Sprintf("Engine cycle restart failed: %v", err))
					return
				}
				report.Restarts++
			}
		}

		if lastCheckpoint.IsZero() || now.Sub(lastCheckpoint) >= r.cfg.CheckpointInterval {
			cp := r.checkpoint(report, eng)
			report.addCheckpoint(cp)
			lastCheckpoint = now
			if r.OnCheckpoint != nil {
				r.OnCheckpoint(cp)
			}

			if s := eng.Session(); s != nil {
				if s.ID != prevSession {
					prevSession, prevErrors = s.ID, 0
				}
				if cp.ErrorCount > prevErrors+errorSpikeThreshold {
					r.finding(report, fmt.Sprintf("Error spike: %d new errors at %s", cp.ErrorCount-prevErrors, elapsedString(report)))
				}
				prevErrors = cp.ErrorCount
			}

			if r.cfg.MemoryLimitMB > 0 && cp.MemoryRSSMB > r.cfg.MemoryLimitMB {
				r.finding(report, fmt.Sprintf("Memory limit exceeded: %.1fMB > %.1fMB", cp.MemoryRSSMB, r.cfg.MemoryLimitMB))
				r.log.Error("Memory limit exceeded, stopping test")
				return
			}
		}

		if now.Sub(lastReport) >= r.cfg.ReportInterval {
			r.exportPeriodic(report)
			lastReport = now
		}

		if !sleepCtx(ctx, min(sleep, time.Until(target))) {
			return
		}
	}
}

func restart(eng *Engine) error {
	if err := eng.Setup(); err != nil {
		return err
	}
	return eng.Start()
}

func (r *StabilityRunner) checkpoint(report *StabilityReport, eng *Engine) Checkpoint {
	cp := Checkpoint{
		Timestamp:    time.Now(),
		Elapsed:      time.Since(report.StartTime),
		SessionState: "unknown",
		MemoryRSSMB:  r.MemoryMB(),
	}
	if s := eng.Session(); s != nil {
		st := s.Stats()
		cp.PacketsSent = st.PacketsSent()
		cp.PacketsFailed = st.PacketsFailed()
		cp.AnomaliesApplied = st.AnomaliesApplied()
		cp.BytesSent = st.BytesSent()
		cp.SendRatePPS = st.SendRatePPS()
		cp.SuccessRate = st.SuccessRate()
		cp.ErrorCount = st.ErrorCount()
		cp.SessionState = s.State()
	}
	if r.Metrics != nil {
		r.Metrics.SetMemoryRSS(uint64(cp.MemoryRSSMB * 1024 * 1024))
	}
	if err := r.exporter.Record(checkpointJSON(cp)); err != nil {
		r.log.WithError(err).Warn("Failed to record checkpoint")
	}

	r.log.WithFields(logrus.Fields{
		"elapsed":       cp.Elapsed.Round(time.Second).String(),
		"packets_sent":  cp.PacketsSent,
		"send_rate_pps": round(cp.SendRatePPS, 1),
		"memory_rss_mb": round(cp.MemoryRSSMB, 1),
		"state":         string(cp.SessionState),
	}).Info("Checkpoint")
	return cp
}

func (r *StabilityRunner) finding(report *StabilityReport, msg string) {
	stamped := report.addFinding(msg)
	r.log.WithField("finding", msg).Warn("Stability anomaly")
	if r.OnAnomaly != nil {
		r.OnAnomaly(stamped)
	}
}

func (r *StabilityRunner) exportPeriodic(report *StabilityReport) {
	path, err := monitoring.WriteTimestamped(r.cfg.ReportDir, report.TestName, report)
	if err != nil {
		r.log.WithError(err).Warn("Failed to export periodic report")
		return
	}
	r.log.WithField("path", path).Info("Stability report exported")
}

func (r *StabilityRunner) finalize(report *StabilityReport, eng *Engine) {
	if s := eng.Session(); s != nil {
		snap := s.Stats().Snapshot()
		report.mu.Lock()
		report.finalStats = &snap
		report.mu.Unlock()
	}
	if report.MemoryTrend() == monitoring.TrendLeakSuspected {
		r.finding(report, "Memory trend analysis suggests potential memory leak")
	}
	name := fmt.Sprintf("%s_checkpoints_%s.csv", report.TestName, time.Now().Format("20060102_150405"))
	if _, err := r.exporter.ExportCSV(name); err != nil {
		r.log.WithError(err).Warn("Failed to export checkpoints")
	}
}

// elapsedString formats the run time as 1h05m
func elapsedString(report *StabilityReport) string {
	d := time.Since(report.StartTime)
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
