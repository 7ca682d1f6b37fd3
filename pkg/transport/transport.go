/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: transport.go
Description: Transport contract between the engine and the wire. A transport sends
complete Ethernet frames, optionally receives them, and keeps its own counters. Backends
are interchangeable and created by name from a registry.
*/

package transport

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotOpen        = errors.New("transport not open")
	ErrAlreadyOpen    = errors.New("transport already open")
	ErrTimeout        = errors.New("receive timeout")
	ErrNotSupported   = errors.New("operation not supported by transport")
	ErrUnsupportedOS  = errors.New("transport not supported on this platform")
	ErrSendFailed     = errors.New("send failed")
	ErrUnknownBackend = errors.New("unknown transport")
)

// Transport sends and receives raw Ethernet frames
type Transport interface {
	// Name is the backend registry name
	Name() string

	// Open prepares the backend for the given network
	Open(nc config.NetworkConfig) error

	// Send transmits one frame and returns the bytes written
	Send(frame []byte) (int, error)

	// SendBatch transmits frames in order and returns how many were sent
	SendBatch(frames [][]byte) (int, error)

	// Receive waits up to timeout for a frame; ErrTimeout when none arrives
	Receive(timeout time.Duration) ([]byte, error)

	Close() error
	IsOpen() bool
	Stats() Stats
}

// Stats is a snapshot of transport counters
type Stats struct {
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxErrors  uint64 `json:"tx_errors"`
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxErrors  uint64 `json:"rx_errors"`
}

// counters are the live, concurrency-safe form of Stats
type counters struct {
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txErrors  atomic.Uint64
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxErrors  atomic.Uint64
}

func (c *counters) tx(n int) {
	c.txPackets.Add(1)
	c.txBytes.Add(uint64(n))
}

func (c *counters) txError() { c.txErrors.Add(1) }

func (c *counters) rx(n int) {
	c.rxPackets.Add(1)
	c.rxBytes.Add(uint64(n))
}

func (c *counters) rxError() { c.rxErrors.Add(1) }

func (c *counters) snapshot() Stats {
	return Stats{
		TxPackets: c.txPackets.Load(),
		TxBytes:   c.txBytes.Load(),
		TxErrors:  c.txErrors.Load(),
		RxPackets: c.rxPackets.Load(),
		RxBytes:   c.rxBytes.Load(),
		RxErrors:  c.rxErrors.Load(),
	}
}

func (c *counters) reset() {
	c.txPackets.Store(0)
	c.txBytes.Store(0)
	c.txErrors.Store(0)
	c.rxPackets.Store(0)
	c.rxBytes.Store(0)
	c.rxErrors.Store(0)
}

// Options is what a transport constructor receives
type Options struct {
	Params map[string]any // transport.<backend> section
	Logger *logrus.Logger
}

func (o Options) logger() *logrus.Logger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// Registry holds transport constructors
type Registry = registry.Registry[Options, Transport]

// NewRegistry creates an empty transport registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return registry.New[Options, Transport]("transport", logger)
}

// sendAll is the SendBatch of backends without a native batch path; it stops at the first error
func sendAll(t Transport, frames [][]byte) (int, error) {
	sent := 0
	for _, f := range frames {
		if _, err := t.Send(f); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
