/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: types.go
Description: Session statistics. Counters are atomics written by the send loop and read by
monitoring without a shared lock; derived rates are computed on read and never stored.
*/

package core

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MaxRecentErrors is the capacity of the recent error ring
const MaxRecentErrors = 10

// SessionStats accumulates the outcome of one run
type SessionStats struct {
	packetsSent      atomic.Uint64
	packetsFailed    atomic.Uint64
	anomaliesApplied atomic.Uint64
	bytesSent        atomic.Uint64
	startTime        atomic.Int64 // unix nanoseconds, 0 until first RUNNING
	endTime          atomic.Int64

	mu     sync.Mutex
	errors [MaxRecentErrors]string
	head   int
	count  int
	total  uint64

	now func() time.Time
}

// NewSessionStats creates zeroed statistics
func NewSessionStats() *SessionStats {
	return &SessionStats{now: time.Now}
}

// RecordSend counts one delivered packet of size bytes
func (s *SessionStats) RecordSend(size int) {
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(size))
}

// RecordFailure counts one failed packet and remembers msg when non-empty
func (s *SessionStats) RecordFailure(msg string) {
	s.packetsFailed.Add(1)
	if msg != "" {
		s.RecordError(msg)
	}
}

// RecordError stores msg in the recent error ring without touching the counters
func (s *SessionStats) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[s.head] = msg
	s.head = (s.head + 1) % MaxRecentErrors
	if s.count < MaxRecentErrors {
		s.count++
	}
	s.total++
}

// RecordAnomaly counts one anomaly application
func (s *SessionStats) RecordAnomaly() {
	s.anomaliesApplied.Add(1)
}

func (s *SessionStats) PacketsSent() uint64      { return s.packetsSent.Load() }
func (s *SessionStats) PacketsFailed() uint64    { return s.packetsFailed.Load() }
func (s *SessionStats) AnomaliesApplied() uint64 { return s.anomaliesApplied.Load() }
func (s *SessionStats) BytesSent() uint64        { return s.bytesSent.Load() }

// Errors returns the recent errors, oldest first
func (s *SessionStats) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.count)
	start := (s.head - s.count + MaxRecentErrors) % MaxRecentErrors
	for i := 0; i < s.count; i++ {
		out = append(out, s.errors[(start+i)%MaxRecentErrors])
	}
	return out
}

// ErrorCount is the number of errors recorded over the session, including evicted ones
func (s *SessionStats) ErrorCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// markStart stamps the start time once
func (s *SessionStats) markStart() {
	s.startTime.CompareAndSwap(0, s.now().UnixNano())
}

func (s *SessionStats) markEnd() {
	s.endTime.Store(s.now().UnixNano())
}

// StartTime is zero until the session first runs
func (s *SessionStats) StartTime() time.Time {
	if ns := s.startTime.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// EndTime is zero until the session completes or fails
func (s *SessionStats) EndTime() time.Time {
	if ns := s.endTime.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Duration runs from the first RUNNING to the end, or to now while the session is live
func (s *SessionStats) Duration() time.Duration {
	start := s.startTime.Load()
	if start == 0 {
		return 0
	}
	end := s.endTime.Load()
	if end == 0 {
		end = s.now().UnixNano()
	}
	return time.Duration(end - start)
}

// SendRatePPS is the average packets per second
func (s *SessionStats) SendRatePPS() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.PacketsSent()) / d
}

// SendRateMbps is the average megabits per second
func (s *SessionStats) SendRateMbps() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.BytesSent()) * 8 / 1e6 / d
}

// SuccessRate is sent / (sent + failed), 0 before any attempt
func (s *SessionStats) SuccessRate() float64 {
	sent := s.PacketsSent()
	total := sent + s.PacketsFailed()
	if total == 0 {
		return 0
	}
	return float64(sent) / float64(total)
}

// StatsSnapshot is the serialized form of SessionStats
type StatsSnapshot struct {
	PacketsSent      uint64   `json:"packets_sent"`
	PacketsFailed    uint64   `json:"packets_failed"`
	AnomaliesApplied uint64   `json:"anomalies_applied"`
	BytesSent        uint64   `json:"bytes_sent"`
	DurationSeconds  float64  `json:"duration_seconds"`
	SendRatePPS      float64  `json:"send_rate_pps"`
	SendRateMbps     float64  `json:"send_rate_mbps"`
	SuccessRate      float64  `json:"success_rate"`
	Errors           []string `json:"errors"`
}

// Snapshot reads every counter; values may be mutually slightly out of date while running
func (s *SessionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:      s.PacketsSent(),
		PacketsFailed:    s.PacketsFailed(),
		AnomaliesApplied: s.AnomaliesApplied(),
		BytesSent:        s.BytesSent(),
		DurationSeconds:  round(s.Duration().Seconds(), 3),
		SendRatePPS:      round(s.SendRatePPS(), 2),
		SendRateMbps:     round(s.SendRateMbps(), 4),
		SuccessRate:      round(s.SuccessRate(), 4),
		Errors:           s.Errors(),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
