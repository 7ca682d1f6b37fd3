/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reconnect.go
Description: Reconnecting transport decorator. Counts consecutive send failures and, past
a threshold, closes and reopens the wrapped backend with fixed, linear or exponential
backoff before retrying the send once.
*/

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/sirupsen/logrus"
)

// RetryPolicy selects how the delay between reopen attempts grows
type RetryPolicy string

const (
	PolicyFixed       RetryPolicy = "fixed"
	PolicyLinear      RetryPolicy = "linear"
	PolicyExponential RetryPolicy = "exponential"
)

// ReconnectConfig is the transport.reconnect section. Delays are in seconds.
type ReconnectConfig struct {
	Enabled                bool        `mapstructure:"enabled" json:"enabled"`
	MaxRetries             int         `mapstructure:"max_retries" json:"max_retries"`
	InitialDelay           float64     `mapstructure:"initial_delay" json:"initial_delay"`
	MaxDelay               float64     `mapstructure:"max_delay" json:"max_delay"`
	Policy                 RetryPolicy `mapstructure:"policy" json:"policy"`
	BackoffMultiplier      float64     `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
	LinearIncrement        float64     `mapstructure:"linear_increment" json:"linear_increment"`
	ReconnectOnSendError   bool        `mapstructure:"reconnect_on_send_error" json:"reconnect_on_send_error"`
	MaxConsecutiveFailures int         `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// DefaultReconnectConfig returns the reconnect defaults; reconnection itself is off
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:             10,
		InitialDelay:           1,
		MaxDelay:               60,
		Policy:                 PolicyExponential,
		BackoffMultiplier:      2,
		LinearIncrement:        2,
		ReconnectOnSendError:   true,
		MaxConsecutiveFailures: 5,
	}
}

// ParseReconnectConfig decodes transport.reconnect over the defaults.
// Unknown policies fall back to exponential.
func ParseReconnectConfig(m map[string]any) (ReconnectConfig, error) {
	rc := DefaultReconnectConfig()
	if err := config.Decode(m, &rc); err != nil {
		return rc, fmt.Errorf("transport.reconnect: %w", err)
	}
	switch rc.Policy {
	case PolicyFixed, PolicyLinear, PolicyExponential:
	default:
		rc.Policy = PolicyExponential
	}
	if rc.MaxConsecutiveFailures < 1 {
		rc.MaxConsecutiveFailures = 1
	}
	return rc, nil
}

// NextDelay is the wait after failed attempt number attempt (1-based), given the previous wait
func (rc ReconnectConfig) NextDelay(current time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch rc.Policy {
	case PolicyFixed:
		return seconds(rc.InitialDelay)
	case PolicyLinear:
		next = seconds(rc.InitialDelay + float64(attempt)*rc.LinearIncrement)
	default:
		next = time.Duration(float64(current) * rc.BackoffMultiplier)
	}
	return min(next, seconds(rc.MaxDelay))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ReconnectStats counts reconnection events
type ReconnectStats struct {
	Attempts            uint64        `json:"reconnect_attempts"`
	Successes           uint64        `json:"reconnect_successes"`
	Failures            uint64        `json:"reconnect_failures"`
	TotalDowntime       time.Duration `json:"total_downtime"`
	LastReconnect       time.Time     `json:"last_reconnect_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Reconnecting wraps a Transport with automatic reopen on repeated send failures
type Reconnecting struct {
	inner Transport
	cfg   ReconnectConfig
	log   *logrus.Entry
	sleep func(time.Duration)

	mu           sync.Mutex // serializes reconnects
	statsMu      sync.Mutex
	network      config.NetworkConfig
	stats        ReconnectStats
	sendFailures int
}

// NewReconnecting wraps inner
func NewReconnecting(inner Transport, cfg ReconnectConfig, logger *logrus.Logger) *Reconnecting {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconnecting{
		inner: inner,
		cfg:   cfg,
		log:   logger.WithField("component", "transport.reconnect"),
		sleep: time.Sleep,
	}
}

// Name is the wrapped backend name
func (r *Reconnecting) Name() string { return r.inner.Name() }

// Inner returns the wrapped transport
func (r *Reconnecting) Inner() Transport { return r.inner }

// Open remembers nc for later reopen attempts
func (r *Reconnecting) Open(nc config.NetworkConfig) error {
	r.mu.Lock()
	r.network = nc
	r.mu.Unlock()
	return r.inner.Open(nc)
}

// Send forwards to the wrapped transport, reconnecting and retrying once past the failure threshold
func (r *Reconnecting) Send(frame []byte) (int, error) {
	n, err := r.inner.Send(frame)
	if err == nil {
		r.resetFailures()
		return n, nil
	}
	if r.shouldReconnect(err) && r.reconnect() {
		r.resetFailures()
		return r.inner.Send(frame)
	}
	return n, err
}

// SendBatch forwards to the wrapped transport with the same retry rule as Send
func (r *Reconnecting) SendBatch(frames [][]byte) (int, error) {
	n, err := r.inner.SendBatch(frames)
	if err == nil {
		r.resetFailures()
		return n, nil
	}
	if r.shouldReconnect(err) && r.reconnect() {
		r.resetFailures()
		return r.inner.SendBatch(frames)
	}
	return n, err
}

func (r *Reconnecting) resetFailures() {
	r.statsMu.Lock()
	r.sendFailures = 0
	r.statsMu.Unlock()
}

func (r *Reconnecting) shouldReconnect(err error) bool {
	r.statsMu.Lock()
	r.sendFailures++
	count := r.sendFailures
	r.statsMu.Unlock()

	r.log.WithError(err).WithField("consecutive", count).Debug("Send failed")
	if !r.cfg.Enabled || !r.cfg.ReconnectOnSendError || count < r.cfg.MaxConsecutiveFailures {
		return false
	}
	r.log.WithField("consecutive", count).Warn("Max consecutive send failures reached, attempting reconnect")
	return true
}

// Reconnect closes and reopens the wrapped transport, retrying with backoff
func (r *Reconnecting) Reconnect() bool {
	return r.reconnect()
}

func (r *Reconnecting) reconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	down := time.Now()
	delay := seconds(r.cfg.InitialDelay)
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		r.record(func(s *ReconnectStats) { s.Attempts++ })
		r.log.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": r.cfg.MaxRetries,
		}).Info("Reconnect attempt")

		_ = r.inner.Close()
		err := r.inner.Open(r.network)
		if err == nil {
			downtime := time.Since(down)
			r.record(func(s *ReconnectStats) {
				s.Successes++
				s.TotalDowntime += downtime
				s.LastReconnect = time.Now()
				s.ConsecutiveFailures = 0
			})
			r.log.WithFields(logrus.Fields{
				"downtime": downtime,
				"attempt":  attempt,
			}).Info("Reconnect successful")
			return true
		}

		r.record(func(s *ReconnectStats) {
			s.Failures++
			s.ConsecutiveFailures++
		})
		r.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"retry":   delay,
		}).Warn("Reconnect attempt failed")
		r.sleep(delay)
		delay = r.cfg.NextDelay(delay, attempt)
	}
	r.log.WithField("attempts", r.cfg.MaxRetries).Error("Reconnect failed")
	return false
}

func (r *Reconnecting) record(fn func(*ReconnectStats)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	fn(&r.stats)
}

// Receive forwards to the wrapped transport
func (r *Reconnecting) Receive(timeout time.Duration) ([]byte, error) {
	return r.inner.Receive(timeout)
}

// Close closes the wrapped transport
func (r *Reconnecting) Close() error { return r.inner.Close() }

// IsOpen reports the wrapped transport's state
func (r *Reconnecting) IsOpen() bool { return r.inner.IsOpen() }

// Stats returns the wrapped transport's counters
func (r *Reconnecting) Stats() Stats { return r.inner.Stats() }

// ReconnectStats returns the reconnection counters
func (r *Reconnecting) ReconnectStats() ReconnectStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Config returns the reconnect configuration
func (r *Reconnecting) Config() ReconnectConfig { return r.cfg }
