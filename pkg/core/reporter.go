/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter.go
Description: Reporter interface and implementations for engine telemetry. The engine notifies
every registered reporter of state changes and per-packet outcomes; the logger reporter writes
structured log lines and the metrics reporter feeds Prometheus collectors.
*/

package core

import (
	"time"

	"github.com/kleascm/packetstorm/pkg/logging"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
)

// Reporter receives engine events. Calls come from the send loop and must not block.
type Reporter interface {
	// OnStateChange is called after every session transition
	OnStateChange(sessionID string, from, to SessionState)
	// OnAnomalyApplied is called after an anomaly produced a packet
	OnAnomalyApplied(sessionID, anomaly string)
	// OnPacketSent is called after the transport accepted a packet
	OnPacketSent(sessionID, anomaly string, size int, elapsed time.Duration)
	// OnPacketFailed is called when building, mutating or sending a packet failed
	OnPacketFailed(sessionID, anomaly string, err error)
}

// LoggerReporter logs engine events
type LoggerReporter struct {
	logger *logrus.Logger
}

// NewLoggerReporter creates a new LoggerReporter
func NewLoggerReporter(logger *logrus.Logger) *LoggerReporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggerReporter{logger: logger}
}

// OnStateChange logs the transition
func (r *LoggerReporter) OnStateChange(sessionID string, from, to SessionState) {
	r.logger.WithFields(logrus.Fields{
		"component":  "session",
		"session_id": sessionID,
		"from":       string(from),
		"to":         string(to),
	}).Info(logging.MsgStateChanged)
}

// OnAnomalyApplied does nothing; anomalies log their own detail
func (r *LoggerReporter) OnAnomalyApplied(string, string) {}

// OnPacketSent logs at debug level
func (r *LoggerReporter) OnPacketSent(sessionID, anomaly string, size int, _ time.Duration) {
	r.logger.WithFields(logrus.Fields{
		"component":  "tx",
		"session_id": sessionID,
		"anomaly":    anomaly,
		"size":       size,
	}).Debug(logging.MsgPacketSent)
}

// OnPacketFailed logs at debug level; failures are expected while fuzzing
func (r *LoggerReporter) OnPacketFailed(sessionID, anomaly string, err error) {
	r.logger.WithFields(logrus.Fields{
		"component":  "tx",
		"session_id": sessionID,
		"anomaly":    anomaly,
	}).WithError(err).Debug(logging.MsgSendFailed)
}

// MetricsReporter exports engine events as Prometheus metrics
type MetricsReporter struct {
	metrics *monitoring.Metrics
}

// NewMetricsReporter creates a reporter feeding m
func NewMetricsReporter(m *monitoring.Metrics) *MetricsReporter {
	return &MetricsReporter{metrics: m}
}

func (r *MetricsReporter) OnStateChange(sessionID string, _, to SessionState) {
	r.metrics.SetState(sessionID, string(to))
}

func (r *MetricsReporter) OnAnomalyApplied(sessionID, anomaly string) {
	r.metrics.RecordAnomaly(sessionID, anomaly)
}

func (r *MetricsReporter) OnPacketSent(sessionID, anomaly string, size int, elapsed time.Duration) {
	r.metrics.RecordSent(sessionID, anomaly, size)
	r.metrics.ObserveSend(sessionID, elapsed.Seconds())
}

func (r *MetricsReporter) OnPacketFailed(sessionID, anomaly string, _ error) {
	r.metrics.RecordFailed(sessionID, anomaly)
}
