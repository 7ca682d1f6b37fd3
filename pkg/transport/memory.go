/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memory.go
Description: In-memory transport. Records every sent frame, can loop frames back to
Receive, and can fail sends or opens on a script so retry paths are testable without a
network.
*/

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/sirupsen/logrus"
)

// MemoryParams configures the memory transport
type MemoryParams struct {
	Loopback    bool  `mapstructure:"loopback"`
	MaxFrames   int   `mapstructure:"max_frames"` // recorded frames kept; older are dropped
	QueueSize   int   `mapstructure:"queue_size"` // loopback receive queue
	FailSends   []int `mapstructure:"fail_sends"` // 1-based send attempts that fail
	FailEvery   int   `mapstructure:"fail_every"` // every Nth send attempt fails
	FailOpens   int   `mapstructure:"fail_opens"` // the first N opens fail
	SendDelayUS int   `mapstructure:"send_delay_us"`
}

// Memory is the reference transport
type Memory struct {
	params MemoryParams
	log    *logrus.Entry
	stats  counters

	mu       sync.Mutex
	open     bool
	network  config.NetworkConfig
	frames   [][]byte
	attempts int
	opens    int
	failAt   map[int]bool
	queue    chan []byte
}

// NewMemory creates a memory transport from transport.memory
func NewMemory(opts Options) (Transport, error) {
	p := MemoryParams{Loopback: true, MaxFrames: 100000, QueueSize: 1024}
	if err := config.Decode(opts.Params, &p); err != nil {
		return nil, fmt.Errorf("transport.memory: %w", err)
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 1024
	}
	m := &Memory{
		params: p,
		log:    opts.logger().WithField("component", "transport.memory"),
		failAt: make(map[int]bool, len(p.FailSends)),
		queue:  make(chan []byte, p.QueueSize),
	}
	for _, n := range p.FailSends {
		m.failAt[n] = true
	}
	return m, nil
}

// Name returns "memory"
func (m *Memory) Name() string { return BackendMemory }

// Open marks the transport open unless a scripted open failure is due
func (m *Memory) Open(nc config.NetworkConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.opens <= m.params.FailOpens {
		return fmt.Errorf("memory transport: scripted open failure %d", m.opens)
	}
	if m.open {
		return ErrAlreadyOpen
	}
	m.open = true
	m.network = nc
	m.log.WithField("interface", nc.Interface).Debug("Memory transport opened")
	return nil
}

// Send records frame
func (m *Memory) Send(frame []byte) (int, error) {
	if m.params.SendDelayUS > 0 {
		time.Sleep(time.Duration(m.params.SendDelayUS) * time.Microsecond)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		m.stats.txError()
		return 0, ErrNotOpen
	}
	m.attempts++
	if m.failAt[m.attempts] || (m.params.FailEvery > 0 && m.attempts%m.params.FailEvery == 0) {
		m.stats.txError()
		return 0, fmt.Errorf("%w: scripted failure on send %d", ErrSendFailed, m.attempts)
	}

	cp := append([]byte(nil), frame...)
	m.frames = append(m.frames, cp)
	if m.params.MaxFrames > 0 && len(m.frames) > m.params.MaxFrames {
		m.frames = m.frames[len(m.frames)-m.params.MaxFrames:]
	}
	if m.params.Loopback {
		select {
		case m.queue <- cp:
		default:
		}
	}
	m.stats.tx(len(frame))
	return len(frame), nil
}

// SendBatch sends frames in order
func (m *Memory) SendBatch(frames [][]byte) (int, error) {
	return sendAll(m, frames)
}

// Receive returns the next looped-back frame
func (m *Memory) Receive(timeout time.Duration) ([]byte, error) {
	if !m.IsOpen() {
		return nil, ErrNotOpen
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-m.queue:
		m.stats.rx(len(f))
		return f, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Inject queues a frame for Receive as if it arrived from the network
func (m *Memory) Inject(frame []byte) {
	select {
	case m.queue <- append([]byte(nil), frame...):
	default:
	}
}

// Close marks the transport closed; recorded frames are kept
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// IsOpen reports whether Open succeeded and Close was not called since
func (m *Memory) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Stats returns the counters
func (m *Memory) Stats() Stats { return m.stats.snapshot() }

// Frames returns copies of the recorded frames, oldest first
func (m *Memory) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	for i, f := range m.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Opens is the number of Open calls so far
func (m *Memory) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Reset forgets recorded frames and zeroes the counters
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
	m.attempts = 0
	m.stats.reset()
}
