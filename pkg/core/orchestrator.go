/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: orchestrator.go
Description: Batch orchestrator. Runs a list of scenarios one after another, each on a fresh
engine built from the base configuration plus the scenario's overrides, and aggregates the
per-scenario statistics into a batch result.
*/

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultInterScenarioDelay is the pause between scenarios
const DefaultInterScenarioDelay = 2 * time.Second

// maxResultErrors is how many errors a scenario result exports
const maxResultErrors = 5

// Scenario is one entry of a batch file
type Scenario struct {
	Name            string           `mapstructure:"name" json:"name" yaml:"name"`
	Description     string           `mapstructure:"description" json:"description,omitempty" yaml:"description,omitempty"`
	ConfigOverrides map[string]any   `mapstructure:"config_overrides" json:"config_overrides,omitempty" yaml:"config_overrides,omitempty"`
	Anomalies       []map[string]any `mapstructure:"anomalies" json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Execution       map[string]any   `mapstructure:"execution" json:"execution,omitempty" yaml:"execution,omitempty"`
}

// Build applies the scenario on top of base without modifying it
func (s Scenario) Build(base *config.Config) (*config.Config, error) {
	overrides := make(map[string]any, len(s.ConfigOverrides)+len(s.Execution))
	for k, v := range s.ConfigOverrides {
		overrides[k] = v
	}
	for k, v := range s.Execution {
		overrides["execution."+k] = v
	}
	cfg, err := base.ApplyOverrides(overrides)
	if err != nil {
		return nil, err
	}
	if s.Anomalies != nil {
		cfg.Anomalies = s.Anomalies
	}
	return cfg, nil
}

// LoadBatchFile reads scenarios from a YAML or JSON file. The file holds a list of
// scenarios, a mapping with a scenarios key, or a single scenario.
func LoadBatchFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}

	var entries []any
	switch v := doc.(type) {
	case []any:
		entries = v
	case map[string]any:
		if list, ok := v["scenarios"].([]any); ok {
			entries = list
		} else {
			entries = []any{v}
		}
	default:
		return nil, fmt.Errorf("invalid batch file format: %s", path)
	}

	scenarios := make([]Scenario, 0, len(entries))
	for i, e := range entries {
		var s Scenario
		if err := config.Decode(e, &s); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i+1, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// ScenarioStatus is the outcome of one scenario
type ScenarioStatus string

const (
	ScenarioPending   ScenarioStatus = "pending"
	ScenarioRunning   ScenarioStatus = "running"
	ScenarioCompleted ScenarioStatus = "completed"
	ScenarioFailed    ScenarioStatus = "failed"
	ScenarioSkipped   ScenarioStatus = "skipped"
)

// ScenarioResult is the result of one scenario
type ScenarioResult struct {
	ScenarioID       string
	Name             string
	Status           ScenarioStatus
	StartTime        time.Time
	EndTime          time.Time
	PacketsSent      uint64
	PacketsFailed    uint64
	AnomaliesApplied uint64
	BytesSent        uint64
	Errors           []string
	Config           map[string]any
}

// Duration is zero for scenarios that never started
func (r ScenarioResult) Duration() time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	end := r.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartTime)
}

// SuccessRate is sent / (sent + failed)
func (r ScenarioResult) SuccessRate() float64 {
	total := r.PacketsSent + r.PacketsFailed
	if total == 0 {
		return 0
	}
	return float64(r.PacketsSent) / float64(total)
}

// MarshalJSON keeps only the most recent errors
func (r ScenarioResult) MarshalJSON() ([]byte, error) {
	errs := r.Errors
	if len(errs) > maxResultErrors {
		errs = errs[len(errs)-maxResultErrors:]
	}
	if errs == nil {
		errs = []string{}
	}
	return json.Marshal(struct {
		ScenarioID       string         `json:"scenario_id"`
		Name             string         `json:"name"`
		Status           ScenarioStatus `json:"status"`
		DurationSeconds  float64        `json:"duration_seconds"`
		PacketsSent      uint64         `json:"packets_sent"`
		PacketsFailed    uint64         `json:"packets_failed"`
		AnomaliesApplied uint64         `json:"anomalies_applied"`
		BytesSent        uint64         `json:"bytes_sent"`
		SuccessRate      float64        `json:"success_rate"`
		Errors           []string       `json:"errors"`
	}{
		ScenarioID:       r.ScenarioID,
		Name:             r.Name,
		Status:           r.Status,
		DurationSeconds:  round(r.Duration().Seconds(), 3),
		PacketsSent:      r.PacketsSent,
		PacketsFailed:    r.PacketsFailed,
		AnomaliesApplied: r.AnomaliesApplied,
		BytesSent:        r.BytesSent,
		SuccessRate:      round(r.SuccessRate(), 4),
		Errors:           errs,
	})
}

// BatchResult aggregates a batch run
type BatchResult struct {
	BatchID   string
	StartTime time.Time
	EndTime   time.Time
	Scenarios []ScenarioResult
}

func (b *BatchResult) count(s ScenarioStatus) int {
	n := 0
	for _, r := range b.Scenarios {
		if r.Status == s {
			n++
		}
	}
	return n
}

func (b *BatchResult) Total() int     { return len(b.Scenarios) }
func (b *BatchResult) Completed() int { return b.count(ScenarioCompleted) }
func (b *BatchResult) Failed() int    { return b.count(ScenarioFailed) }
func (b *BatchResult) Skipped() int   { return b.count(ScenarioSkipped) }

// TotalPackets sums packets sent across scenarios
func (b *BatchResult) TotalPackets() uint64 {
	var n uint64
	for _, r := range b.Scenarios {
		n += r.PacketsSent
	}
	return n
}

// TotalBytes sums bytes sent across scenarios
func (b *BatchResult) TotalBytes() uint64 {
	var n uint64
	for _, r := range b.Scenarios {
		n += r.BytesSent
	}
	return n
}

// Duration of the whole batch
func (b *BatchResult) Duration() time.Duration {
	if b.StartTime.IsZero() {
		return 0
	}
	end := b.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(b.StartTime)
}

// AllPassed reports whether every scenario that ran completed
func (b *BatchResult) AllPassed() bool {
	for _, r := range b.Scenarios {
		if r.Status != ScenarioCompleted && r.Status != ScenarioSkipped {
			return false
		}
	}
	return true
}

// MarshalJSON renders the aggregate counters with the scenario list
func (b *BatchResult) MarshalJSON() ([]byte, error) {
	scenarios := b.Scenarios
	if scenarios == nil {
		scenarios = []ScenarioResult{}
	}
	return json.Marshal(struct {
		BatchID         string           `json:"batch_id"`
		DurationSeconds float64          `json:"duration_seconds"`
		TotalScenarios  int              `json:"total_scenarios"`
		Completed       int              `json:"completed"`
		Failed          int              `json:"failed"`
		Skipped         int              `json:"skipped"`
		AllPassed       bool             `json:"all_passed"`
		TotalPackets    uint64           `json:"total_packets"`
		TotalBytes      uint64           `json:"total_bytes"`
		Scenarios       []ScenarioResult `json:"scenarios"`
	}{
		BatchID:         b.BatchID,
		DurationSeconds: round(b.Duration().Seconds(), 3),
		TotalScenarios:  b.Total(),
		Completed:       b.Completed(),
		Failed:          b.Failed(),
		Skipped:         b.Skipped(),
		AllPassed:       b.AllPassed(),
		TotalPackets:    b.TotalPackets(),
		TotalBytes:      b.TotalBytes(),
		Scenarios:       scenarios,
	})
}

// ExportJSON writes the batch result to path
func (b *BatchResult) ExportJSON(path string) error {
	return monitoring.WriteJSON(path, b)
}

// Orchestrator runs batches of scenarios
type Orchestrator struct {
	Base               *config.Config
	Registries         *Registries
	StopOnFailure      bool
	InterScenarioDelay time.Duration
	// Reporters are attached to every scenario engine in addition to the logger reporter
	Reporters []Reporter

	OnScenarioStart func(index int, name string)
	OnProgress      func(current, total int, result ScenarioResult)

	logger *logrus.Logger
	log    *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   atomic.Bool
}

// NewOrchestrator creates an orchestrator over base; nil base uses the defaults
func NewOrchestrator(base *config.Config, regs *Registries, logger *logrus.Logger) *Orchestrator {
	if base == nil {
		base = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		Base:               base,
		Registries:         regs,
		InterScenarioDelay: DefaultInterScenarioDelay,
		logger:             logger,
		log:                logger.WithField("component", "batch"),
	}
}

// Stop ends the running scenario and skips the rest
func (o *Orchestrator) Stop() {
	o.stop.Store(true)
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.log.Info("Batch stop requested")
}

// RunBatch runs scenarios in order. An empty batchID generates one.
func (o *Orchestrator) RunBatch(ctx context.Context, scenarios []Scenario, batchID string) *BatchResult {
	if batchID == "" {
		batchID = "batch-" + uuid.New().String()[:8]
	}
	if o.Registries == nil {
		regs, err := DefaultRegistries(o.logger)
		if err != nil {
			o.log.WithError(err).Error("Failed to build registries")
		}
		o.Registries = regs
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.stop.Store(false)

	result := &BatchResult{BatchID: batchID, StartTime: time.Now()}
	total := len(scenarios)
	o.log.WithFields(logrus.Fields{"batch_id": batchID, "scenarios": total}).Info("Starting batch")

	for idx, sc := range scenarios {
		if o.stop.Load() || ctx.Err() != nil {
			for j := idx; j < total; j++ {
				result.Scenarios = append(result.Scenarios, ScenarioResult{
					ScenarioID: fmt.Sprintf("%s-%d", batchID, j+1),
					Name:       scenarioName(scenarios[j], j),
					Status:     ScenarioSkipped,
				})
			}
			break
		}

		name := scenarioName(sc, idx)
		o.log.WithFields(logrus.Fields{
			"batch_id": batchID,
			"index":    idx + 1,
			"total":    total,
			"scenario": name,
		}).Info("Running scenario")
		if o.OnScenarioStart != nil {
			o.OnScenarioStart(idx, name)
		}

		sr := o.runScenario(ctx, sc, fmt.Sprintf("%s-%d", batchID, idx+1), name)
		result.Scenarios = append(result.Scenarios, sr)
		if o.OnProgress != nil {
			o.OnProgress(idx+1, total, sr)
		}

		if sr.Status == ScenarioFailed && o.StopOnFailure {
			o.log.WithField("scenario", name).Warn("Scenario failed with stop on failure set, aborting batch")
			o.stop.Store(true)
			continue
		}
		if idx < total-1 && o.InterScenarioDelay > 0 {
			sleepCtx(ctx, o.InterScenarioDelay)
		}
	}

	result.EndTime = time.Now()
	o.log.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"completed": result.Completed(),
		"failed":    result.Failed(),
		"skipped":   result.Skipped(),
		"total":     result.Total(),
		"duration":  result.Duration().String(),
	}).Info("Batch complete")
	return result
}

func (o *Orchestrator) runScenario(ctx context.Context, sc Scenario, id, name string) ScenarioResult {
	sr := ScenarioResult{ScenarioID: id, Name: name, Status: ScenarioRunning, StartTime: time.Now()}
	fail := func(err error) ScenarioResult {
		sr.Status = ScenarioFailed
		sr.Errors = append(sr.Errors, err.Error())
		sr.EndTime = time.Now()
		o.log.WithField("scenario", name).WithError(err).Error("Scenario error")
		return sr
	}

	if o.Registries == nil {
		return fail(fmt.Errorf("no plugin registries"))
	}
	cfg, err := sc.Build(o.Base)
	if err != nil {
		return fail(err)
	}
	if snap, err := cfg.ToMap(); err == nil {
		sr.Config = snap
	}

	eng, err := NewEngine(cfg, o.Registries, o.logger)
	if err != nil {
		return fail(err)
	}
	for _, r := range o.Reporters {
		eng.AddReporter(r)
	}
	defer eng.Stop()

	if err := eng.Setup(); err != nil {
		return fail(err)
	}
	if err := eng.Start(); err != nil {
		return fail(err)
	}
	select {
	case <-eng.Done():
	case <-ctx.Done():
	}
	eng.Stop()

	s := eng.Session()
	stats := s.Stats()
	sr.PacketsSent = stats.PacketsSent()
	sr.PacketsFailed = stats.PacketsFailed()
	sr.AnomaliesApplied = stats.AnomaliesApplied()
	sr.BytesSent = stats.BytesSent()
	sr.Errors = stats.Errors()
	if s.State() == StateError {
		sr.Status = ScenarioFailed
	} else {
		sr.Status = ScenarioCompleted
	}
	sr.EndTime = time.Now()

	o.log.WithFields(logrus.Fields{
		"scenario":     name,
		"status":       string(sr.Status),
		"packets_sent": sr.PacketsSent,
		"duration":     sr.Duration().String(),
	}).Info("Scenario finished")
	return sr
}

func scenarioName(s Scenario, idx int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("Scenario %d", idx+1)
}
